package web

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestLogBufferJoinsPartialWrites(t *testing.T) {
	b := NewLogBuffer(10)
	_, _ = b.Write([]byte("pipeline: sta"))
	_, _ = b.Write([]byte("rted\r\n\nudp: "))
	lines, _ := b.Snapshot(0, "")
	if len(lines) != 1 || lines[0] != "pipeline: started" {
		t.Fatalf("lines=%q", lines)
	}
	_, _ = b.Write([]byte("sent\n"))
	lines, _ = b.Snapshot(0, "")
	if len(lines) != 2 || lines[1] != "udp: sent" {
		t.Fatalf("lines=%q", lines)
	}
}

func TestLogBufferDropsOldestAndFilters(t *testing.T) {
	b := NewLogBuffer(3)
	for i := 0; i < 5; i++ {
		fmt.Fprintf(b, "line %d\n", i)
	}
	lines, dropped := b.Snapshot(10, "")
	if dropped != 2 || strings.Join(lines, ",") != "line 2,line 3,line 4" {
		t.Fatalf("lines=%q dropped=%d", lines, dropped)
	}
	lines, _ = b.Snapshot(1, "line")
	if len(lines) != 1 || lines[0] != "line 4" {
		t.Fatalf("tail with match=%q", lines)
	}
	if lines, _ = b.Snapshot(10, "3"); len(lines) != 1 || lines[0] != "line 3" {
		t.Fatalf("match=%q", lines)
	}
}

func TestLogsHandler(t *testing.T) {
	b := NewLogBuffer(10)
	fmt.Fprintln(b, "imu: opened /dev/i2c-1")
	fmt.Fprintln(b, "pipeline: stale sample")
	ts := httptest.NewServer(b.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "?tail=1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var got LogsResponse
	err = json.NewDecoder(resp.Body).Decode(&got)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Lines) != 1 || got.Lines[0] != "pipeline: stale sample" {
		t.Fatalf("lines=%q", got.Lines)
	}

	resp, err = http.Get(ts.URL + "?format=text&match=imu")
	if err != nil {
		t.Fatalf("get text: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "imu: opened /dev/i2c-1\n" {
		t.Fatalf("text=%q", body)
	}

	resp, err = http.Get(ts.URL + "?tail=0")
	if err != nil {
		t.Fatalf("get bad tail: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad tail status=%d", resp.StatusCode)
	}
}
