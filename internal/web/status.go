package web

import (
	"sync/atomic"
	"time"

	"stridenav/internal/pipeline"
)

// Status collects what /api/status reports. The pipeline snapshot is read
// through a provider so the handler never touches the owning goroutine.
type Status struct {
	startUnixNano int64
	eventsSent    uint64
	sendErrors    uint64
	lastEventNano int64
	source        atomic.Value // string
	outputs       atomic.Value // []string
	lastError     atomic.Value // string
	snapshot      atomic.Pointer[func() *pipeline.Snapshot]
}

func NewStatus() *Status {
	s := &Status{}
	atomic.StoreInt64(&s.startUnixNano, time.Now().UTC().UnixNano())
	s.source.Store("")
	s.outputs.Store([]string(nil))
	s.lastError.Store("")
	return s
}

// SetStatic records the configured source kind and enabled outputs.
func (s *Status) SetStatic(source string, outputs []string) {
	if source != "" {
		s.source.Store(source)
	}
	if outputs != nil {
		s.outputs.Store(append([]string(nil), outputs...))
	}
}

func (s *Status) SetSnapshotProvider(f func() *pipeline.Snapshot) {
	if f == nil {
		s.snapshot.Store(nil)
		return
	}
	s.snapshot.Store(&f)
}

// MarkEvents counts events handed to the outputs. A non-nil err is kept as
// the last output error.
func (s *Status) MarkEvents(nowUTC time.Time, n int, err error) {
	if nowUTC.IsZero() {
		nowUTC = time.Now().UTC()
	}
	if n > 0 {
		atomic.AddUint64(&s.eventsSent, uint64(n))
		atomic.StoreInt64(&s.lastEventNano, nowUTC.UnixNano())
	}
	if err != nil {
		atomic.AddUint64(&s.sendErrors, 1)
		s.lastError.Store(err.Error())
	}
}

type StatusSnapshot struct {
	Service      string             `json:"service"`
	NowUTC       string             `json:"now_utc"`
	UptimeSec    int64              `json:"uptime_sec"`
	Source       string             `json:"source"`
	Outputs      []string           `json:"outputs"`
	EventsSent   uint64             `json:"events_sent_total"`
	SendErrors   uint64             `json:"send_errors_total"`
	LastEventUTC string             `json:"last_event_utc,omitempty"`
	LastError    string             `json:"last_error,omitempty"`
	Pipeline     *pipeline.Snapshot `json:"pipeline,omitempty"`
}

func (s *Status) Snapshot(nowUTC time.Time) StatusSnapshot {
	start := time.Unix(0, atomic.LoadInt64(&s.startUnixNano)).UTC()
	snap := StatusSnapshot{
		Service:    "stridenav",
		NowUTC:     nowUTC.Format(time.RFC3339Nano),
		UptimeSec:  int64(nowUTC.Sub(start).Seconds()),
		Source:     s.source.Load().(string),
		Outputs:    s.outputs.Load().([]string),
		EventsSent: atomic.LoadUint64(&s.eventsSent),
		SendErrors: atomic.LoadUint64(&s.sendErrors),
		LastError:  s.lastError.Load().(string),
	}
	if last := atomic.LoadInt64(&s.lastEventNano); last != 0 {
		snap.LastEventUTC = time.Unix(0, last).UTC().Format(time.RFC3339Nano)
	}
	if f := s.snapshot.Load(); f != nil {
		snap.Pipeline = (*f)()
	}
	return snap
}
