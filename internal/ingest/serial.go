package ingest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.bug.st/serial"

	"stridenav/internal/monitoring"
	"stridenav/internal/replay"
)

// SerialSource reads recording-format lines from a sensor board on a serial
// port. The board's t_ns column may be zero; only the sample clock is used.
//
// Rate advice is sent back as "RATE,<hz>\n".
type SerialSource struct {
	port io.ReadWriteCloser
	name string

	mu     sync.Mutex
	closed bool
	warn   *monitoring.Limiter
}

func OpenSerial(device string, baud int) (*SerialSource, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(device, mode)
	if err != nil {
		return nil, fmt.Errorf("ingest: open %s: %w", device, err)
	}
	monitoring.Logf("ingest: serial %s at %d baud", device, baud)
	return newSerialSource(port, device), nil
}

func newSerialSource(port io.ReadWriteCloser, name string) *SerialSource {
	return &SerialSource{port: port, name: name, warn: monitoring.NewLimiter(5000)}
}

// Run scans lines until the port closes. Malformed lines are skipped with a
// rate-limited warning.
func (s *SerialSource) Run(ctx context.Context, emit func(replay.Record) error) error {
	// The scanner blocks in Read; closing the port is the only way to wake it.
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	sc := bufio.NewScanner(s.port)
	bad := 0
	for sc.Scan() {
		rec, ok, err := replay.ParseLine(sc.Text())
		if err != nil {
			bad++
			s.warn.Warnf("parse", time.Now().UnixMilli(), "ingest: %s: skipping line: %v (%d bad so far)", s.name, err, bad)
			continue
		}
		if !ok || rec.Kind == replay.KindStart {
			continue
		}
		if err := emit(rec); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := sc.Err(); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("ingest: %s: %w", s.name, err)
	}
	return nil
}

func (s *SerialSource) SetRate(hz int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || hz <= 0 {
		return
	}
	if _, err := fmt.Fprintf(s.port, "RATE,%d\n", hz); err != nil {
		monitoring.Logf("ingest: %s: rate request failed: %v", s.name, err)
	}
}

func (s *SerialSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.port.Close()
}
