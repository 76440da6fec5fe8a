package web

import (
	"sync"
	"testing"
	"time"

	"stridenav/internal/pdr"
	"stridenav/internal/pipeline"
)

func TestPoseBroadcasterDropsForSlowSubscriber(t *testing.T) {
	b := NewPoseBroadcaster("s")
	id, ch := b.Subscribe(2)
	for i := 0; i < 5; i++ {
		b.Publish([]pipeline.Event{pipeline.StepDetected{Step: pdr.StepEvent{Index: i + 1}}})
	}
	if got := b.Dropped(); got != 3 {
		t.Fatalf("dropped=%d", got)
	}
	if env := <-ch; env.Seq != 1 {
		t.Fatalf("first seq=%d", env.Seq)
	}
	b.Unsubscribe(id)
	if _, ok := <-ch; !ok {
		// One buffered envelope is still readable before the close.
		t.Fatalf("expected buffered envelope")
	}
	if _, ok := <-ch; ok {
		t.Fatalf("channel not closed")
	}
}

func TestPoseBroadcasterReplaysLastPose(t *testing.T) {
	b := NewPoseBroadcaster("s")
	b.Publish([]pipeline.Event{
		pipeline.PoseUpdated{Pose: pdr.Pose{X: 1}, TimestampMs: 10},
		pipeline.StepDetected{Step: pdr.StepEvent{Index: 2}},
	})
	_, ch := b.Subscribe(0)
	env := <-ch
	if env.Kind != "poseUpdated" || env.Seq != 1 || env.TimeMs != 10 {
		t.Fatalf("replayed %+v", env)
	}

	b.Forget()
	_, ch2 := b.Subscribe(1)
	select {
	case env := <-ch2:
		t.Fatalf("unexpected replay after Forget: %+v", env)
	default:
	}
}

func TestPoseBroadcasterReplayPrecedesNewEvents(t *testing.T) {
	b := NewPoseBroadcaster("s")
	b.Publish([]pipeline.Event{pipeline.PoseUpdated{Pose: pdr.Pose{X: 1}, TimestampMs: 10}})

	_, ch := b.Subscribe(1)
	b.Publish([]pipeline.Event{pipeline.PoseUpdated{Pose: pdr.Pose{X: 2}, TimestampMs: 20}})
	if env := <-ch; env.Seq != 1 {
		t.Fatalf("first envelope seq=%d want the replayed pose", env.Seq)
	}
	if got := b.Dropped(); got != 1 {
		t.Fatalf("dropped=%d", got)
	}
}

func TestPoseBroadcasterSubscribeDuringPublish(t *testing.T) {
	b := NewPoseBroadcaster("s")
	b.Publish([]pipeline.Event{pipeline.PoseUpdated{TimestampMs: 1}})

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ts := int64(2); ; ts++ {
			select {
			case <-stop:
				return
			default:
			}
			b.Publish([]pipeline.Event{pipeline.PoseUpdated{TimestampMs: ts}})
		}
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			id, ch := b.Subscribe(1)
			env := <-ch
			if env.Kind != "poseUpdated" {
				t.Errorf("kind=%q", env.Kind)
			}
			b.Unsubscribe(id)
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("Subscribe blocked while publishing")
	}
	close(stop)
	wg.Wait()
}

func TestNilPoseBroadcaster(t *testing.T) {
	var b *PoseBroadcaster
	b.Publish([]pipeline.Event{pipeline.RateAdvised{RateHz: 100}})
	if _, ch := b.Subscribe(1); ch != nil {
		t.Fatalf("nil broadcaster returned a channel")
	}
	if b.Subscribers() != 0 || b.Dropped() != 0 {
		t.Fatalf("nil broadcaster counters")
	}
}
