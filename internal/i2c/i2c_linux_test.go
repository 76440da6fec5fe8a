//go:build linux

package i2c

import (
	"errors"
	"os"
	"strings"
	"testing"

	"golang.org/x/sys/unix"
)

// devNullBus stands in for an adapter; every ioctl on it fails with ENOTTY.
func devNullBus(t *testing.T) *Bus {
	t.Helper()
	f, err := os.OpenFile("/dev/null", os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("OpenFile /dev/null: %v", err)
	}
	t.Cleanup(func() { _ = f.Close() })
	return &Bus{f: f, path: "/dev/null"}
}

func TestInvalidAddrRejected(t *testing.T) {
	b := devNullBus(t)
	for _, addr := range []uint16{0, 0x80} {
		err := b.Dev(addr).WriteReg(0x06, 0x01)
		if err == nil || !strings.Contains(err.Error(), "invalid addr") {
			t.Fatalf("addr=0x%X err=%v want invalid addr", addr, err)
		}
	}
}

func TestEmptyReadIsNoop(t *testing.T) {
	d := devNullBus(t).Dev(0x68)
	if err := d.ReadReg(0x2D, nil); err != nil {
		t.Fatalf("err=%v", err)
	}
	if d.Addr() != 0x68 {
		t.Fatalf("addr=0x%X", d.Addr())
	}
}

func TestTransferErrorNamesRegister(t *testing.T) {
	d := devNullBus(t).Dev(0x77)
	_, err := d.ReadRegU8(0xD0)
	if !errors.Is(err, unix.ENOTTY) {
		t.Fatalf("err=%v want ENOTTY", err)
	}
	if !strings.Contains(err.Error(), "0x77 reg 0xD0") {
		t.Fatalf("err=%q lacks addr and register", err)
	}
}

func TestClosedBusRejectsTransfers(t *testing.T) {
	b := devNullBus(t)
	d := b.Dev(0x77)
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := d.ReadRegU8(0xD0); !errors.Is(err, ErrClosed) {
		t.Fatalf("err=%v want ErrClosed", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	var nilDev *Dev
	if err := nilDev.WriteReg(0, 0); !errors.Is(err, ErrClosed) {
		t.Fatalf("nil dev err=%v", err)
	}
}

func TestBusPath(t *testing.T) {
	if got := BusPath(1); got != "/dev/i2c-1" {
		t.Fatalf("BusPath(1)=%q", got)
	}
}
