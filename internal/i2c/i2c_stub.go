//go:build !linux

package i2c

import "errors"

var errUnsupported = errors.New("i2c: unsupported OS (need linux)")

// ErrClosed is returned for transfers on a closed or missing bus.
var ErrClosed = errors.New("i2c: bus closed")

type Bus struct{}

type Dev struct{}

func Open(path string) (*Bus, error) { return nil, errUnsupported }

func (b *Bus) Path() string         { return "" }
func (b *Bus) Close() error         { return nil }
func (b *Bus) Dev(addr uint16) *Dev { return nil }

func (d *Dev) Addr() uint16                       { return 0 }
func (d *Dev) ReadReg(reg byte, dst []byte) error { return errUnsupported }
func (d *Dev) ReadRegU8(reg byte) (byte, error)   { return 0, errUnsupported }
func (d *Dev) WriteReg(reg, value byte) error     { return errUnsupported }
