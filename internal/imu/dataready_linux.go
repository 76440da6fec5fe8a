//go:build linux

package imu

import (
	"context"
	"fmt"
	"time"

	"github.com/warthog618/go-gpiocdev"
)

// gpioDataReady waits on rising edges of the IMU INT line.
type gpioDataReady struct {
	line  *gpiocdev.Line
	edges chan struct{}
}

func openDataReady(chip string, offset int) (DataReady, error) {
	if offset < 0 {
		return nil, fmt.Errorf("imu: invalid data-ready line %d", offset)
	}
	edges := make(chan struct{}, 1)
	handler := func(gpiocdev.LineEvent) {
		// Coalesce: one pending edge is enough to trigger the next read.
		select {
		case edges <- struct{}{}:
		default:
		}
	}
	line, err := gpiocdev.RequestLine(chip, offset,
		gpiocdev.AsInput,
		gpiocdev.WithRisingEdge,
		gpiocdev.WithEventHandler(handler),
		gpiocdev.WithConsumer("stridenav-imu"))
	if err != nil {
		return nil, fmt.Errorf("imu: request %s line %d: %w", chip, offset, err)
	}
	return &gpioDataReady{line: line, edges: edges}, nil
}

func (g *gpioDataReady) Wait(ctx context.Context, timeout time.Duration) error {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-g.edges:
		return nil
	case <-t.C:
		return ErrDataReadyTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *gpioDataReady) Close() error {
	if g == nil || g.line == nil {
		return nil
	}
	err := g.line.Close()
	g.line = nil
	return err
}
