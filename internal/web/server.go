// Package web serves the status, control and live pose API.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"stridenav/internal/monitoring"
	"stridenav/internal/pdr"
)

// Controller forwards control requests to the goroutine that owns the
// pipeline. Implementations must be safe to call concurrently.
type Controller interface {
	Reset(ctx context.Context) error
	Recalibrate(ctx context.Context) error
	// SetMode forces a mode and turns automatic classification off.
	SetMode(ctx context.Context, mode pdr.Mode) error
	SetAutoClassification(ctx context.Context, on bool) error
}

// Options wires the handler. Nil members disable their endpoints.
type Options struct {
	Session  string
	Status   *Status
	Settings SettingsStore
	Logs     *LogBuffer
	Poses    *PoseBroadcaster
	Control  Controller
}

const (
	controlTimeout = 5 * time.Second
	keepAlive      = 15 * time.Second
	wsWriteWait    = 5 * time.Second
	wsPongWait     = 2 * keepAlive
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The UI is served from the same device, usually by address.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type modeRequest struct {
	Mode string `json:"mode"`
}

func Handler(opts Options) http.Handler {
	status := opts.Status
	if status == nil {
		status = NewStatus()
	}
	mux := http.NewServeMux()

	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, status.Snapshot(time.Now().UTC()))
	})

	mux.Handle("/api/reset", controlHandler(opts.Control, func(ctx context.Context, c Controller, _ *http.Request) error {
		return c.Reset(ctx)
	}))
	mux.Handle("/api/recalibrate", controlHandler(opts.Control, func(ctx context.Context, c Controller, _ *http.Request) error {
		return c.Recalibrate(ctx)
	}))
	mux.HandleFunc("/api/mode", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if opts.Control == nil {
			http.Error(w, "control unavailable", http.StatusNotFound)
			return
		}
		var req modeRequest
		if code, err := readStrictJSON(w, r, []string{"mode"}, &req); err != nil {
			http.Error(w, err.Error(), code)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), controlTimeout)
		defer cancel()
		var err error
		if strings.EqualFold(strings.TrimSpace(req.Mode), "auto") {
			err = opts.Control.SetAutoClassification(ctx, true)
		} else {
			var m pdr.Mode
			if m, err = pdr.ParseMode(req.Mode); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			err = opts.Control.SetMode(ctx, m)
		}
		if err != nil {
			http.Error(w, err.Error(), controlErrorCode(err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "mode": strings.ToLower(strings.TrimSpace(req.Mode))})
	})

	if opts.Poses != nil {
		mux.Handle("/api/pose/stream", poseStreamHandler(opts.Poses))
		mux.Handle("/api/pose/ws", poseSocketHandler(opts.Poses))
	}

	mux.Handle("/api/settings", opts.Settings.Handler())

	if opts.Logs != nil {
		mux.Handle("/api/logs", opts.Logs.Handler())
	}

	mux.Handle("/api/about", AboutHandler(opts.Session))

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		snap := status.Snapshot(time.Now().UTC())
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = fmt.Fprintf(w, "<!doctype html><html><head><meta charset=\"utf-8\"><title>stridenav</title></head><body>")
		_, _ = fmt.Fprintf(w, "<h1>stridenav</h1><p>source=%s session=%s events_sent_total=%d</p>", snap.Source, opts.Session, snap.EventsSent)
		_, _ = fmt.Fprintf(w, "<ul><li><a href=\"/api/status\">/api/status</a></li><li><a href=\"/api/pose/stream\">/api/pose/stream</a></li><li><a href=\"/api/logs?format=text\">/api/logs</a></li></ul>")
		_, _ = fmt.Fprintf(w, "</body></html>")
	})

	return mux
}

func controlHandler(c Controller, do func(context.Context, Controller, *http.Request) error) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if c == nil {
			http.Error(w, "control unavailable", http.StatusNotFound)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), controlTimeout)
		defer cancel()
		if err := do(ctx, c, r); err != nil {
			http.Error(w, err.Error(), controlErrorCode(err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	})
}

func controlErrorCode(err error) int {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return http.StatusServiceUnavailable
	}
	return http.StatusBadRequest
}

// poseStreamHandler streams envelopes as server-sent events named by kind.
func poseStreamHandler(poses *PoseBroadcaster) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		rc := http.NewResponseController(w)
		// The stream outlives the server's read and write timeouts.
		_ = rc.SetReadDeadline(time.Time{})
		_ = rc.SetWriteDeadline(time.Time{})

		id, ch := poses.Subscribe(64)
		defer poses.Unsubscribe(id)

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		if err := rc.Flush(); err != nil {
			return
		}

		ping := time.NewTicker(keepAlive)
		defer ping.Stop()
		for {
			select {
			case <-r.Context().Done():
				return
			case <-ping.C:
				if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
					return
				}
			case env, ok := <-ch:
				if !ok {
					return
				}
				b, err := json.Marshal(env)
				if err != nil {
					continue
				}
				if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", env.Seq, env.Kind, b); err != nil {
					return
				}
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	})
}

// poseSocketHandler pushes envelopes as JSON text frames. Client frames are
// read only to notice a close.
func poseSocketHandler(poses *PoseBroadcaster) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			monitoring.Logf("web: websocket upgrade: %v", err)
			return
		}
		defer conn.Close()

		id, ch := poses.Subscribe(64)
		defer poses.Unsubscribe(id)

		gone := make(chan struct{})
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		go func() {
			defer close(gone)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ping := time.NewTicker(keepAlive)
		defer ping.Stop()
		for {
			select {
			case <-gone:
				return
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
					return
				}
			case env, ok := <-ch:
				if !ok {
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(wsWriteWait))
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteJSON(env); err != nil {
					return
				}
			}
		}
	})
}

func Serve(ctx context.Context, listenAddr string, opts Options) error {
	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           Handler(opts),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       30 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MiB
		// Streams end when ctx does, so Shutdown is not held up by them.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
