package imu

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

const (
	bmpAddrDefault = 0x77

	regID        = 0xD0
	chipIDBMP280 = 0x58

	regReset = 0xE0
	resetCmd = 0xB6

	regCalib00 = 0x88
	calibLen   = 24

	regCtrlMeas = 0xF4
	regConfig   = 0xF5
	regPressMsb = 0xF7

	seaLevelPa = 101325.0
)

// BMP280 reads compensated pressure for barometric altitude.
type BMP280 struct {
	dev regIO

	digT1 uint16
	digT2 int16
	digT3 int16
	digP1 uint16
	digP2 int16
	digP3 int16
	digP4 int16
	digP5 int16
	digP6 int16
	digP7 int16
	digP8 int16
	digP9 int16

	tFine int32
}

func DefaultBaroAddress() uint16 { return bmpAddrDefault }

func NewBMP280(dev regIO) (*BMP280, error) {
	if dev == nil {
		return nil, fmt.Errorf("bmp280: dev is nil")
	}
	d := &BMP280{dev: dev}

	id, err := d.dev.ReadRegU8(regID)
	if err != nil {
		return nil, fmt.Errorf("bmp280: id read failed: %w", err)
	}
	if id != chipIDBMP280 {
		return nil, fmt.Errorf("bmp280: chip id=0x%02X want 0x%02X", id, chipIDBMP280)
	}

	// Calibration is copied from NVM after reset; an early read returns zeros.
	_ = d.dev.WriteReg(regReset, resetCmd)
	sleep(5 * time.Millisecond)

	var calibErr error
	for i := 0; i < 3; i++ {
		if calibErr = d.readCalibration(); calibErr != nil {
			sleep(5 * time.Millisecond)
			continue
		}
		if d.digT1 != 0 && d.digP1 != 0 {
			break
		}
		calibErr = fmt.Errorf("bmp280: calibration invalid (digT1=%d digP1=%d)", d.digT1, d.digP1)
		sleep(5 * time.Millisecond)
	}
	if calibErr != nil {
		return nil, calibErr
	}

	// Standby 62.5 ms, IIR filter x4: a walking pace changes height slowly and
	// step impacts show up as pressure noise.
	_ = d.dev.WriteReg(regConfig, byte(0x01<<5)|byte(0x02<<2))

	// osrs_t x2, osrs_p x16, normal mode.
	ctrl := byte(0x02<<5) | byte(0x05<<2) | 0x03
	if err := d.dev.WriteReg(regCtrlMeas, ctrl); err != nil {
		return nil, fmt.Errorf("bmp280: ctrl_meas write failed: %w", err)
	}
	return d, nil
}

func (d *BMP280) readCalibration() error {
	buf := make([]byte, calibLen)
	if err := d.dev.ReadReg(regCalib00, buf); err != nil {
		return fmt.Errorf("bmp280: read calib failed: %w", err)
	}
	le := binary.LittleEndian
	d.digT1 = le.Uint16(buf[0:2])
	d.digT2 = int16(le.Uint16(buf[2:4]))
	d.digT3 = int16(le.Uint16(buf[4:6]))
	d.digP1 = le.Uint16(buf[6:8])
	d.digP2 = int16(le.Uint16(buf[8:10]))
	d.digP3 = int16(le.Uint16(buf[10:12]))
	d.digP4 = int16(le.Uint16(buf[12:14]))
	d.digP5 = int16(le.Uint16(buf[14:16]))
	d.digP6 = int16(le.Uint16(buf[16:18]))
	d.digP7 = int16(le.Uint16(buf[18:20]))
	d.digP8 = int16(le.Uint16(buf[20:22]))
	d.digP9 = int16(le.Uint16(buf[22:24]))
	return nil
}

// Read returns compensated temperature (°C) and pressure (Pa).
func (d *BMP280) Read() (tempC, pressPa float64, err error) {
	var buf [6]byte
	if err := d.dev.ReadReg(regPressMsb, buf[:]); err != nil {
		return 0, 0, fmt.Errorf("bmp280: read data failed: %w", err)
	}
	adcP := int32(buf[0])<<12 | int32(buf[1])<<4 | int32(buf[2])>>4
	adcT := int32(buf[3])<<12 | int32(buf[4])<<4 | int32(buf[5])>>4

	tFine, t := d.compensateTemp(adcT)
	d.tFine = tFine
	return t, d.compensatePress(adcP), nil
}

// ReadAltitude returns the pressure altitude in metres against the standard
// sea-level pressure. Only differences matter downstream.
func (d *BMP280) ReadAltitude() (float64, error) {
	_, p, err := d.Read()
	if err != nil {
		return 0, err
	}
	if p <= 0 {
		return 0, fmt.Errorf("bmp280: pressure %.1f Pa out of range", p)
	}
	return PressureAltitude(p), nil
}

// PressureAltitude converts Pa to metres with the ISA barometric formula.
func PressureAltitude(pressPa float64) float64 {
	return 44330.0 * (1 - math.Pow(pressPa/seaLevelPa, 1/5.255))
}

func (d *BMP280) compensateTemp(adcT int32) (tFine int32, tempC float64) {
	var1 := (float64(adcT)/16384.0 - float64(d.digT1)/1024.0) * float64(d.digT2)
	var2 := (float64(adcT)/131072.0 - float64(d.digT1)/8192.0)
	var2 = var2 * var2 * float64(d.digT3)
	tFineF := var1 + var2
	return int32(tFineF), tFineF / 5120.0
}

func (d *BMP280) compensatePress(adcP int32) float64 {
	var1 := float64(d.tFine)/2.0 - 64000.0
	var2 := var1 * var1 * float64(d.digP6) / 32768.0
	var2 = var2 + var1*float64(d.digP5)*2.0
	var2 = var2/4.0 + float64(d.digP4)*65536.0
	var1 = (float64(d.digP3)*var1*var1/524288.0 + float64(d.digP2)*var1) / 524288.0
	var1 = (1.0 + var1/32768.0) * float64(d.digP1)
	if var1 == 0 {
		return 0
	}
	p := 1048576.0 - float64(adcP)
	p = (p - var2/4096.0) * 6250.0 / var1
	var1 = float64(d.digP9) * p * p / 2147483648.0
	var2 = p * float64(d.digP8) / 32768.0
	return p + (var1+var2+float64(d.digP7))/16.0
}
