// Package udp sends pipeline events as JSON datagrams.
package udp

import (
	"encoding/json"
	"fmt"
	"io"
	"net"

	"stridenav/internal/pipeline"
)

type udpConn interface {
	io.Writer
	io.Closer
}

type resolveFunc func(network, address string) (*net.UDPAddr, error)

type dialFunc func(network string, laddr, raddr *net.UDPAddr) (udpConn, error)

type Broadcaster struct {
	dest string
	conn udpConn
	seq  uint64
}

func NewBroadcaster(dest string) (*Broadcaster, error) {
	return newBroadcaster(dest, net.ResolveUDPAddr, func(network string, laddr, raddr *net.UDPAddr) (udpConn, error) {
		return net.DialUDP(network, laddr, raddr)
	})
}

func newBroadcaster(dest string, resolve resolveFunc, dial dialFunc) (*Broadcaster, error) {
	addr, err := resolve("udp", dest)
	if err != nil {
		return nil, fmt.Errorf("resolve dest: %w", err)
	}

	// DialUDP selects a suitable local address automatically.
	conn, err := dial("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("dial udp: %w", err)
	}
	return &Broadcaster{dest: dest, conn: conn}, nil
}

func (b *Broadcaster) Dest() string { return b.dest }

func (b *Broadcaster) Send(payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	_, err := b.conn.Write(payload)
	return err
}

// SendEvents writes one datagram per event. Sequence numbers count every
// event handed in, so receivers can spot drops.
func (b *Broadcaster) SendEvents(session string, events []pipeline.Event) error {
	var firstErr error
	for _, ev := range events {
		b.seq++
		msg, err := json.Marshal(pipeline.NewEnvelope(session, b.seq, ev))
		if err == nil {
			err = b.Send(msg)
		}
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("udp: %s event seq=%d: %w", ev.Kind(), b.seq, err)
		}
	}
	return firstErr
}

func (b *Broadcaster) Close() error {
	if b.conn == nil {
		return nil
	}
	return b.conn.Close()
}
