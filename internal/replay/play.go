package replay

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type Sleeper interface {
	Sleep(d time.Duration)
}

type realSleeper struct{}

func (realSleeper) Sleep(d time.Duration) { time.Sleep(d) }

// Play replays records with their recorded wall timing and calls cb for each
// data record. START markers reset the timing origin.
//
// speed: 1.0 = real time, 2.0 = twice as fast. With loop set the recording
// repeats until ctx is done; each lap's sample clock is shifted past the
// previous one so downstream consumers see strictly increasing time.
func Play(ctx context.Context, records []Record, speed float64, loop bool, sleeper Sleeper, cb func(Record) error) error {
	if speed <= 0 {
		return fmt.Errorf("speed must be > 0")
	}
	if sleeper == nil {
		sleeper = realSleeper{}
	}
	if cb == nil {
		return errors.New("callback is nil")
	}
	if len(records) == 0 {
		return errors.New("no records")
	}
	lap := lapLength(records)

	for pass := int64(0); ; pass++ {
		var lastAt time.Duration
		var haveLast bool

		for _, r := range records {
			if err := ctx.Err(); err != nil {
				return err
			}
			if r.Kind == KindStart {
				haveLast = false
				continue
			}
			if haveLast {
				wait := r.At - lastAt
				if wait > 0 {
					sleeper.Sleep(time.Duration(float64(wait) / speed))
				}
			}
			if err := cb(r.Shift(pass * lap)); err != nil {
				return err
			}
			lastAt = r.At
			haveLast = true
		}

		if !loop {
			return nil
		}
	}
}

// lapLength is the sample-clock span of the recording plus one typical
// record spacing.
func lapLength(records []Record) int64 {
	var first, last, gap int64
	seen := false
	for _, r := range records {
		if r.Kind == KindStart {
			continue
		}
		ts := r.TimestampMs()
		if !seen {
			first, last, seen = ts, ts, true
			continue
		}
		if d := ts - last; gap == 0 && d > 0 {
			gap = d
		}
		if ts > last {
			last = ts
		}
		if ts < first {
			first = ts
		}
	}
	if gap == 0 {
		gap = 1
	}
	return last - first + gap
}
