// Package imu reads inertial samples from an ICM-20948 (with its AK09916
// magnetometer) and a BMP280 over I2C.
package imu

import (
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"stridenav/internal/sensor"
)

var sleep = time.Sleep

type regIO interface {
	ReadRegU8(reg byte) (byte, error)
	ReadReg(reg byte, dst []byte) error
	WriteReg(reg, value byte) error
}

const (
	icmAddrDefault = 0x68

	regWhoAmI  = 0x00
	whoAmIVal  = 0xEA
	regBankSel = 0x7F

	// Bank 0.
	regUserCtrl   = 0x03
	bitI2CMstEn   = 0x20
	regPwrMgmt1   = 0x06
	bitReset      = 0x80
	clkAuto       = 0x01
	regIntPinCfg  = 0x0F
	bitBypassEn   = 0x02
	regIntEnable1 = 0x11
	bitRawRdyEn   = 0x01
	regAccelXoutH = 0x2D // accel then gyro, 12 bytes

	// Bank 2.
	bank2           = 2
	regGyroSmplrt   = 0x00
	regGyroConfig1  = 0x01
	regAccelSmplrt2 = 0x11
	regAccelConfig  = 0x14

	// FS_SEL in bits 2:1, DLPF enable in bit 0.
	gyro500dpsDLPF = 0x03
	accel4gDLPF    = 0x03

	icmBaseRateHz = 1125
)

// ICM20948 is the accel/gyro half of the chip. The magnetometer is reached in
// bypass mode as a separate device; see AK09916.
type ICM20948 struct {
	dev     regIO
	curBank byte

	accelScale float64 // m/s² per LSB
	gyroScale  float64 // rad/s per LSB
}

func DefaultIMUAddress() uint16 { return icmAddrDefault }

// NewICM20948 probes and configures the chip for rateHz output. When
// dataReady is set the INT pin pulses on every new sample.
func NewICM20948(dev regIO, rateHz int, dataReady bool) (*ICM20948, error) {
	if dev == nil {
		return nil, fmt.Errorf("icm20948: dev is nil")
	}
	d := &ICM20948{dev: dev, curBank: 0xFF}

	who, err := d.dev.ReadRegU8(regWhoAmI)
	if err != nil {
		return nil, fmt.Errorf("icm20948: whoami read failed: %w", err)
	}
	if who != whoAmIVal {
		return nil, fmt.Errorf("icm20948: whoami=0x%02X want 0x%02X", who, whoAmIVal)
	}
	if err := d.init(rateHz, dataReady); err != nil {
		return nil, err
	}
	return d, nil
}

// sampleRateDivider maps an output rate to the chip's divider from 1125 Hz.
func sampleRateDivider(rateHz int) byte {
	if rateHz <= 0 {
		rateHz = 100
	}
	div := icmBaseRateHz/rateHz - 1
	if div < 0 {
		div = 0
	}
	if div > 255 {
		div = 255
	}
	return byte(div)
}

func (d *ICM20948) init(rateHz int, dataReady bool) error {
	if err := d.setBank(0); err != nil {
		return err
	}
	if err := d.dev.WriteReg(regPwrMgmt1, bitReset); err != nil {
		return fmt.Errorf("icm20948: reset failed: %w", err)
	}
	sleep(100 * time.Millisecond)
	// The reset also clears REG_BANK_SEL.
	d.curBank = 0
	if err := d.dev.WriteReg(regPwrMgmt1, clkAuto); err != nil {
		return fmt.Errorf("icm20948: wake failed: %w", err)
	}
	sleep(10 * time.Millisecond)

	// Bypass the internal I2C master so the host talks to the AK09916 directly.
	if err := d.dev.WriteReg(regUserCtrl, 0x00); err != nil {
		return fmt.Errorf("icm20948: user ctrl failed: %w", err)
	}
	if err := d.dev.WriteReg(regIntPinCfg, bitBypassEn); err != nil {
		return fmt.Errorf("icm20948: bypass enable failed: %w", err)
	}
	var intEn byte
	if dataReady {
		intEn = bitRawRdyEn
	}
	if err := d.dev.WriteReg(regIntEnable1, intEn); err != nil {
		return fmt.Errorf("icm20948: int enable failed: %w", err)
	}

	if err := d.setBank(bank2); err != nil {
		return err
	}
	div := sampleRateDivider(rateHz)
	_ = d.dev.WriteReg(regGyroSmplrt, div)
	_ = d.dev.WriteReg(regAccelSmplrt2, div)
	if err := d.dev.WriteReg(regGyroConfig1, gyro500dpsDLPF); err != nil {
		return fmt.Errorf("icm20948: gyro config failed: %w", err)
	}
	if err := d.dev.WriteReg(regAccelConfig, accel4gDLPF); err != nil {
		return fmt.Errorf("icm20948: accel config failed: %w", err)
	}
	if err := d.setBank(0); err != nil {
		return err
	}

	d.accelScale = 4.0 / 32768.0 * sensor.StandardGravity
	d.gyroScale = 500.0 / 32768.0 * math.Pi / 180
	return nil
}

func (d *ICM20948) setBank(bank byte) error {
	if d.curBank == bank {
		return nil
	}
	if err := d.dev.WriteReg(regBankSel, bank<<4); err != nil {
		return fmt.Errorf("icm20948: set bank %d failed: %w", bank, err)
	}
	d.curBank = bank
	return nil
}

// ReadMotion returns acceleration in m/s² and angular rate in rad/s.
func (d *ICM20948) ReadMotion() (accel, gyro r3.Vec, err error) {
	if d == nil {
		return r3.Vec{}, r3.Vec{}, fmt.Errorf("icm20948: device is nil")
	}
	if err := d.setBank(0); err != nil {
		return r3.Vec{}, r3.Vec{}, err
	}
	var buf [12]byte
	if err := d.dev.ReadReg(regAccelXoutH, buf[:]); err != nil {
		return r3.Vec{}, r3.Vec{}, fmt.Errorf("icm20948: read sensors failed: %w", err)
	}
	be := func(i int) float64 { return float64(int16(buf[i])<<8 | int16(buf[i+1])) }
	accel = r3.Vec{X: be(0), Y: be(2), Z: be(4)}
	gyro = r3.Vec{X: be(6), Y: be(8), Z: be(10)}
	return r3.Scale(d.accelScale, accel), r3.Scale(d.gyroScale, gyro), nil
}
