package imu

import (
	"encoding/binary"
	"fmt"
	"time"

	"gonum.org/v1/gonum/spatial/r3"
)

const (
	akAddr = 0x0C

	akRegWIA2  = 0x01
	akWIA2Val  = 0x09
	akRegST1   = 0x10
	akBitDRDY  = 0x01
	akRegHXL   = 0x11 // HX..HZ, dummy, ST2
	akBitHOFL  = 0x08
	akRegCNTL2 = 0x31
	akMode100  = 0x08
	akRegCNTL3 = 0x32
	akSoftRst  = 0x01

	akScale = 0.15 // µT per LSB
)

// AK09916 is the magnetometer inside the ICM-20948, visible on the host bus
// once bypass mode is enabled.
type AK09916 struct {
	dev regIO
}

func MagAddress() uint16 { return akAddr }

// NewAK09916 resets the magnetometer and starts 100 Hz continuous mode.
func NewAK09916(dev regIO) (*AK09916, error) {
	if dev == nil {
		return nil, fmt.Errorf("ak09916: dev is nil")
	}
	id, err := dev.ReadRegU8(akRegWIA2)
	if err != nil {
		return nil, fmt.Errorf("ak09916: id read failed: %w", err)
	}
	if id != akWIA2Val {
		return nil, fmt.Errorf("ak09916: id=0x%02X want 0x%02X", id, akWIA2Val)
	}
	_ = dev.WriteReg(akRegCNTL3, akSoftRst)
	sleep(time.Millisecond)
	if err := dev.WriteReg(akRegCNTL2, akMode100); err != nil {
		return nil, fmt.Errorf("ak09916: mode write failed: %w", err)
	}
	return &AK09916{dev: dev}, nil
}

// ReadMag returns the field in µT in the accel/gyro axes. ok is false when no
// new measurement is ready or the sensor overflowed.
func (m *AK09916) ReadMag() (field r3.Vec, ok bool, err error) {
	st1, err := m.dev.ReadRegU8(akRegST1)
	if err != nil {
		return r3.Vec{}, false, fmt.Errorf("ak09916: status read failed: %w", err)
	}
	if st1&akBitDRDY == 0 {
		return r3.Vec{}, false, nil
	}
	// Reading through ST2 releases the data registers for the next sample.
	var buf [8]byte
	if err := m.dev.ReadReg(akRegHXL, buf[:]); err != nil {
		return r3.Vec{}, false, fmt.Errorf("ak09916: read data failed: %w", err)
	}
	if buf[7]&akBitHOFL != 0 {
		return r3.Vec{}, false, nil
	}
	le := func(i int) float64 { return float64(int16(binary.LittleEndian.Uint16(buf[i:]))) * akScale }
	// The magnetometer's Y and Z axes point opposite to the accelerometer's.
	return r3.Vec{X: le(0), Y: -le(2), Z: -le(4)}, true, nil
}
