package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"stridenav/internal/ingest"
	"stridenav/internal/monitoring"
	"stridenav/internal/pdr"
	"stridenav/internal/pipeline"
	"stridenav/internal/replay"
	"stridenav/internal/web"
)

// eventSender is the UDP output; *udp.Broadcaster satisfies it.
type eventSender interface {
	SendEvents(session string, events []pipeline.Event) error
	Close() error
}

// request runs op on the goroutine that owns the pipeline.
type request struct {
	op   func(p *pipeline.Pipeline) ([]pipeline.Event, error)
	done chan error
}

// runtime owns the pipeline. Records from the source and control requests
// from the web API are serialized through Run.
type runtime struct {
	pipe   *pipeline.Pipeline
	src    ingest.Source
	sender eventSender
	rec    *replay.Writer
	poses  *web.PoseBroadcaster
	status *web.Status
	warn   *monitoring.Limiter
	now    func() time.Time

	reqCh    chan request
	haveData bool
	rejected uint64
}

func newRuntime(pc pipeline.Config, src ingest.Source, sender eventSender, rec *replay.Writer, status *web.Status) (*runtime, error) {
	if src == nil {
		return nil, errors.New("source is nil")
	}
	if status == nil {
		status = web.NewStatus()
	}
	p, err := pipeline.New(pc)
	if err != nil {
		return nil, err
	}
	r := &runtime{
		pipe:   p,
		src:    src,
		sender: sender,
		rec:    rec,
		poses:  web.NewPoseBroadcaster(p.SessionID()),
		status: status,
		warn:   monitoring.NewLimiter(5000),
		now:    time.Now,
		reqCh:  make(chan request),
	}
	status.SetSnapshotProvider(p.Snapshot)
	return r, nil
}

func (r *runtime) Session() string { return r.pipe.SessionID() }

// Run consumes the source until it ends or ctx is cancelled. A source that
// ends cleanly (a replay without loop) returns nil.
func (r *runtime) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	recs := make(chan replay.Record)
	srcDone := make(chan error, 1)
	go func() {
		srcDone <- r.src.Run(ctx, func(rec replay.Record) error {
			select {
			case recs <- rec:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rec := <-recs:
			r.handle(rec)
		case req := <-r.reqCh:
			events, err := req.op(r.pipe)
			r.emit(events)
			req.done <- err
		case err := <-srcDone:
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("source: %w", err)
			}
			return err
		}
	}
}

func (r *runtime) handle(rec replay.Record) {
	if rec.Kind == replay.KindStart {
		// A new recording segment may restart the sample clock.
		if r.haveData {
			monitoring.Logf("runtime: new segment, resetting pipeline")
			r.pipe.Reset()
			r.poses.Forget()
		}
		return
	}
	if r.rec != nil {
		if err := r.rec.Write(r.now(), rec); err != nil {
			r.warn.Warnf("record", r.now().UnixMilli(), "runtime: record write failed: %v", err)
		}
	}
	r.haveData = true

	var events []pipeline.Event
	var err error
	switch rec.Kind {
	case replay.KindSample:
		events, err = r.pipe.Push(rec.Sample)
	case replay.KindYaw:
		err = r.pipe.PushYaw(rec.Yaw.Yaw, rec.Yaw.TimestampMs)
	case replay.KindBatch:
		events, err = r.pipe.PushBatch(rec.Batch)
	}
	if err != nil {
		r.rejected++
		// Stale and invalid samples are already reported by the pipeline.
		if rec.Kind != replay.KindSample {
			r.warn.Warnf(rec.Kind.String(), rec.TimestampMs(), "runtime: %s record rejected: %v", rec.Kind, err)
		}
	}
	r.emit(events)
}

func (r *runtime) emit(events []pipeline.Event) {
	if len(events) == 0 {
		return
	}
	r.poses.Publish(events)

	var sendErr error
	if r.sender != nil {
		sendErr = r.sender.SendEvents(r.pipe.SessionID(), events)
		if sendErr != nil {
			r.warn.Warnf("udp", r.now().UnixMilli(), "runtime: %v", sendErr)
		}
	}
	r.status.MarkEvents(r.now().UTC(), len(events), sendErr)

	for _, ev := range events {
		if ra, ok := ev.(pipeline.RateAdvised); ok {
			if rs, ok := r.src.(ingest.RateSetter); ok {
				monitoring.Logf("runtime: source rate -> %d Hz", ra.RateHz)
				rs.SetRate(ra.RateHz)
			}
		}
	}
}

func (r *runtime) do(ctx context.Context, op func(p *pipeline.Pipeline) ([]pipeline.Event, error)) error {
	done := make(chan error, 1)
	select {
	case r.reqCh <- request{op: op, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *runtime) Reset(ctx context.Context) error {
	return r.do(ctx, func(p *pipeline.Pipeline) ([]pipeline.Event, error) {
		p.Reset()
		r.poses.Forget()
		return nil, nil
	})
}

func (r *runtime) Recalibrate(ctx context.Context) error {
	return r.do(ctx, func(p *pipeline.Pipeline) ([]pipeline.Event, error) {
		return p.Recalibrate()
	})
}

func (r *runtime) SetMode(ctx context.Context, m pdr.Mode) error {
	return r.do(ctx, func(p *pipeline.Pipeline) ([]pipeline.Event, error) {
		return p.SetMode(m)
	})
}

func (r *runtime) SetAutoClassification(ctx context.Context, on bool) error {
	return r.do(ctx, func(p *pipeline.Pipeline) ([]pipeline.Event, error) {
		p.SetAutoClassification(on)
		return nil, nil
	})
}

// ApplyConfig swaps the pipeline tunables between two records.
func (r *runtime) ApplyConfig(ctx context.Context, pc pipeline.Config) error {
	return r.do(ctx, func(p *pipeline.Pipeline) ([]pipeline.Event, error) {
		return nil, p.SetConfig(pc)
	})
}

func (r *runtime) Close() error {
	var errs []error
	if r.rec != nil {
		errs = append(errs, r.rec.Close())
	}
	if r.sender != nil {
		errs = append(errs, r.sender.Close())
	}
	errs = append(errs, r.src.Close())
	return errors.Join(errs...)
}
