package web

import (
	"sync"

	"stridenav/internal/pipeline"
)

// PoseBroadcaster fans pipeline events out to stream listeners (SSE and
// websocket). Slow listeners lose events rather than stall the pipeline.
// The last pose update is kept so a new subscriber starts with a position.
type PoseBroadcaster struct {
	mu       sync.RWMutex
	subs     map[int]chan pipeline.Envelope
	nextID   int
	seq      uint64
	session  string
	last     pipeline.Envelope
	haveLast bool
	dropped  uint64
}

func NewPoseBroadcaster(session string) *PoseBroadcaster {
	return &PoseBroadcaster{
		subs:    make(map[int]chan pipeline.Envelope),
		session: session,
	}
}

func (b *PoseBroadcaster) Subscribe(buffer int) (int, <-chan pipeline.Envelope) {
	if b == nil {
		return 0, nil
	}
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan pipeline.Envelope, buffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	// The channel is empty and unseen, so the replay cannot block and lands
	// ahead of anything published later.
	if b.haveLast {
		ch <- b.last
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	return id, ch
}

func (b *PoseBroadcaster) Unsubscribe(id int) {
	if b == nil {
		return
	}
	b.mu.Lock()
	ch, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
		close(ch)
	}
	b.mu.Unlock()
}

// Publish numbers and delivers events in order.
func (b *PoseBroadcaster) Publish(events []pipeline.Event) {
	if b == nil || len(events) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ev := range events {
		b.seq++
		env := pipeline.NewEnvelope(b.session, b.seq, ev)
		for _, ch := range b.subs {
			select {
			case ch <- env:
			default:
				b.dropped++
			}
		}
		if _, ok := ev.(pipeline.PoseUpdated); ok {
			b.last = env
			b.haveLast = true
		}
	}
}

// Forget drops the cached pose, e.g. after a pipeline reset.
func (b *PoseBroadcaster) Forget() {
	if b == nil {
		return
	}
	b.mu.Lock()
	b.haveLast = false
	b.last = pipeline.Envelope{}
	b.mu.Unlock()
}

func (b *PoseBroadcaster) Subscribers() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped counts envelopes not delivered to a full subscriber.
func (b *PoseBroadcaster) Dropped() uint64 {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}
