//go:build linux

package i2c

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ioctl numbers and message flags from <linux/i2c-dev.h> and <linux/i2c.h>.
const (
	ioctlRdwr = 0x0707
	flagRead  = 0x0001
	maxSegs   = 2
)

// ErrClosed is returned for transfers on a closed or missing bus.
var ErrClosed = errors.New("i2c: bus closed")

// kernelMsg mirrors struct i2c_msg.
type kernelMsg struct {
	addr  uint16
	flags uint16
	len   uint16
	buf   uintptr
}

// kernelRdwr mirrors struct i2c_rdwr_ioctl_data.
type kernelRdwr struct {
	msgs  uintptr
	nmsgs uint32
}

// Bus is an opened /dev/i2c-N adapter. Transfers are not synchronized; the
// IMU source drives every device from one goroutine.
type Bus struct {
	f    *os.File
	path string
}

// Open opens the adapter at path, e.g. BusPath(1).
func Open(path string) (*Bus, error) {
	path = filepath.Clean(path)
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("i2c: open %s: %w", path, err)
	}
	return &Bus{f: f, path: path}, nil
}

func (b *Bus) Path() string {
	if b == nil {
		return ""
	}
	return b.path
}

func (b *Bus) Close() error {
	if b == nil || b.f == nil {
		return nil
	}
	err := b.f.Close()
	b.f = nil
	return err
}

// Dev returns the register client for the 7-bit address addr.
func (b *Bus) Dev(addr uint16) *Dev {
	if b == nil {
		return nil
	}
	return &Dev{bus: b, addr: addr}
}

// Dev reads and writes 8-bit registers of one sensor.
type Dev struct {
	bus  *Bus
	addr uint16
}

func (d *Dev) Addr() uint16 {
	if d == nil {
		return 0
	}
	return d.addr
}

// ReadReg fills dst from consecutive registers starting at reg. The pointer
// write and the read go out as one transaction with a repeated start, which
// the ICM-20948 and BMP280 need for burst reads of a coherent sample.
func (d *Dev) ReadReg(reg byte, dst []byte) error {
	if len(dst) == 0 {
		return nil
	}
	ptr := [1]byte{reg}
	return d.transfer(reg, segment{data: ptr[:]}, segment{data: dst, read: true})
}

func (d *Dev) ReadRegU8(reg byte) (byte, error) {
	var v [1]byte
	if err := d.ReadReg(reg, v[:]); err != nil {
		return 0, err
	}
	return v[0], nil
}

func (d *Dev) WriteReg(reg, value byte) error {
	buf := [2]byte{reg, value}
	return d.transfer(reg, segment{data: buf[:]})
}

type segment struct {
	data []byte
	read bool
}

func (d *Dev) transfer(reg byte, segs ...segment) error {
	if d == nil || d.bus == nil || d.bus.f == nil {
		return ErrClosed
	}
	if d.addr == 0 || d.addr > 0x7F {
		return fmt.Errorf("i2c: invalid addr 0x%X", d.addr)
	}
	if len(segs) > maxSegs {
		return fmt.Errorf("i2c: %d segments in one transfer", len(segs))
	}

	var msgs [maxSegs]kernelMsg
	for i, s := range segs {
		msgs[i] = kernelMsg{addr: d.addr, len: uint16(len(s.data)), buf: uintptr(unsafe.Pointer(&s.data[0]))}
		if s.read {
			msgs[i].flags = flagRead
		}
	}
	req := kernelRdwr{msgs: uintptr(unsafe.Pointer(&msgs[0])), nmsgs: uint32(len(segs))}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, d.bus.f.Fd(), ioctlRdwr, uintptr(unsafe.Pointer(&req)))
	// The kernel reads the buffers through the uintptr copies above.
	runtime.KeepAlive(segs)
	runtime.KeepAlive(&msgs)
	if errno != 0 {
		return fmt.Errorf("i2c: %s 0x%02X reg 0x%02X: %w", d.bus.path, d.addr, reg, errno)
	}
	return nil
}
