package web

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"stridenav/internal/pdr"
	"stridenav/internal/pipeline"
)

type fakeControl struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (c *fakeControl) record(call string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, call)
	return c.err
}

func (c *fakeControl) Reset(context.Context) error       { return c.record("reset") }
func (c *fakeControl) Recalibrate(context.Context) error { return c.record("recalibrate") }
func (c *fakeControl) SetMode(_ context.Context, m pdr.Mode) error {
	return c.record("mode:" + m.String())
}
func (c *fakeControl) SetAutoClassification(_ context.Context, on bool) error {
	if on {
		return c.record("auto")
	}
	return c.record("manual")
}

func (c *fakeControl) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestAPIStatus(t *testing.T) {
	st := NewStatus()
	st.SetStatic("sim", []string{"udp", "web"})
	st.SetSnapshotProvider(func() *pipeline.Snapshot {
		return &pipeline.Snapshot{SessionID: "sess", Samples: 42, HeadingDeg: 90, HeadingValid: true}
	})
	st.MarkEvents(time.Time{}, 3, errors.New("udp down"))

	ts := httptest.NewServer(Handler(Options{Status: st}))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/status")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code=%d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type=%q", ct)
	}

	var snap StatusSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode json: %v", err)
	}
	if snap.Service != "stridenav" || snap.Source != "sim" {
		t.Fatalf("service=%q source=%q", snap.Service, snap.Source)
	}
	if snap.EventsSent != 3 || snap.SendErrors != 1 || snap.LastError != "udp down" {
		t.Fatalf("counters: %+v", snap)
	}
	if snap.Pipeline == nil || snap.Pipeline.Samples != 42 || snap.Pipeline.SessionID != "sess" {
		t.Fatalf("pipeline=%+v", snap.Pipeline)
	}
}

func TestRootPage(t *testing.T) {
	ts := httptest.NewServer(Handler(Options{Session: "abc"}))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("get root: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "session=abc") {
		t.Fatalf("status=%d body=%s", resp.StatusCode, body)
	}

	resp2, err := http.Get(ts.URL + "/nope")
	if err != nil {
		t.Fatalf("get unknown: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown path status=%d", resp2.StatusCode)
	}
}

func TestControlEndpoints(t *testing.T) {
	ctl := &fakeControl{}
	ts := httptest.NewServer(Handler(Options{Control: ctl}))
	defer ts.Close()

	for _, path := range []string{"/api/reset", "/api/recalibrate"} {
		resp := postJSON(t, ts.URL+path, "")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s status=%d", path, resp.StatusCode)
		}
	}
	for _, body := range []string{`{"mode":"walking"}`, `{"mode":"AUTO"}`} {
		resp := postJSON(t, ts.URL+"/api/mode", body)
		if resp.StatusCode != http.StatusOK {
			b, _ := io.ReadAll(resp.Body)
			t.Fatalf("mode %s status=%d body=%s", body, resp.StatusCode, b)
		}
	}

	want := []string{"reset", "recalibrate", "mode:walking", "auto"}
	got := ctl.Calls()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("calls=%v want %v", got, want)
	}
}

func TestControlEndpointErrors(t *testing.T) {
	ctl := &fakeControl{}
	ts := httptest.NewServer(Handler(Options{Control: ctl}))
	defer ts.Close()

	cases := []struct {
		name string
		do   func() (*http.Response, error)
		code int
	}{
		{"get reset", func() (*http.Response, error) { return http.Get(ts.URL + "/api/reset") }, http.StatusMethodNotAllowed},
		{"bad mode", func() (*http.Response, error) {
			return http.Post(ts.URL+"/api/mode", "application/json", strings.NewReader(`{"mode":"flying"}`))
		}, http.StatusBadRequest},
		{"extra key", func() (*http.Response, error) {
			return http.Post(ts.URL+"/api/mode", "application/json", strings.NewReader(`{"mode":"walking","x":1}`))
		}, http.StatusBadRequest},
		{"wrong content type", func() (*http.Response, error) {
			return http.Post(ts.URL+"/api/mode", "text/plain", strings.NewReader(`{"mode":"walking"}`))
		}, http.StatusUnsupportedMediaType},
	}
	for _, tc := range cases {
		resp, err := tc.do()
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		resp.Body.Close()
		if resp.StatusCode != tc.code {
			t.Fatalf("%s: status=%d want %d", tc.name, resp.StatusCode, tc.code)
		}
	}
	if calls := ctl.Calls(); len(calls) != 0 {
		t.Fatalf("controller called: %v", calls)
	}

	ctl.err = context.DeadlineExceeded
	if resp := postJSON(t, ts.URL+"/api/recalibrate", ""); resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("timeout status=%d", resp.StatusCode)
	}
}

func TestControlUnavailable(t *testing.T) {
	ts := httptest.NewServer(Handler(Options{}))
	defer ts.Close()
	if resp := postJSON(t, ts.URL+"/api/reset", ""); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status=%d", resp.StatusCode)
	}
}

func poseEvent(x float64, ts int64) pipeline.Event {
	return pipeline.PoseUpdated{Pose: pdr.Pose{X: x, Y: 0.5, Confidence: 1}, TimestampMs: ts}
}

func TestPoseStreamSSE(t *testing.T) {
	poses := NewPoseBroadcaster("sess")
	poses.Publish([]pipeline.Event{poseEvent(1, 100)})
	ts := httptest.NewServer(Handler(Options{Poses: poses}))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/pose/stream")
	if err != nil {
		t.Fatalf("get stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content-type=%q", ct)
	}
	poses.Publish([]pipeline.Event{pipeline.StepDetected{Step: pdr.StepEvent{Index: 1, TimestampMs: 140}}})

	sc := bufio.NewScanner(resp.Body)
	var kinds []string
	var first pipeline.Envelope
	for sc.Scan() && len(kinds) < 2 {
		line := sc.Text()
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			var env pipeline.Envelope
			if err := json.Unmarshal([]byte(data), &env); err != nil {
				t.Fatalf("decode %q: %v", data, err)
			}
			if len(kinds) == 0 {
				first = env
			}
			kinds = append(kinds, env.Kind)
		}
	}
	if strings.Join(kinds, ",") != "poseUpdated,stepDetected" {
		t.Fatalf("kinds=%v", kinds)
	}
	if first.Session != "sess" || first.Seq != 1 || first.TimeMs != 100 {
		t.Fatalf("replayed envelope=%+v", first)
	}
}

func TestPoseSocket(t *testing.T) {
	poses := NewPoseBroadcaster("sess")
	ts := httptest.NewServer(Handler(Options{Poses: poses}))
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/api/pose/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for poses.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("no subscriber registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	poses.Publish([]pipeline.Event{poseEvent(2.5, 500)})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env struct {
		Kind string   `json:"kind"`
		Data pdr.Pose `json:"data"`
	}
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read: %v", err)
	}
	if env.Kind != "poseUpdated" || env.Data.X != 2.5 {
		t.Fatalf("got %+v", env)
	}

	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	for poses.Subscribers() != 0 {
		if time.Now().After(deadline.Add(2 * time.Second)) {
			t.Fatalf("subscriber not released")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, "127.0.0.1:0", Options{}) }()
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) && err != nil {
			t.Fatalf("Serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Serve did not return")
	}
}

func TestAbout(t *testing.T) {
	rec := httptest.NewRecorder()
	AboutHandler("s-1").ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/about", nil))
	var got AboutResponse
	if err := json.NewDecoder(bytes.NewReader(rec.Body.Bytes())).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Service != "stridenav" || got.Session != "s-1" || got.GoVersion == "" || !strings.Contains(got.Target, "/") {
		t.Fatalf("about=%+v", got)
	}
}
