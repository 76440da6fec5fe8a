package imu

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"stridenav/internal/i2c"
	"stridenav/internal/monitoring"
	"stridenav/internal/sensor"
)

// ErrDataReadyTimeout is returned by DataReady.Wait when no edge arrived.
var ErrDataReadyTimeout = errors.New("imu: data-ready timeout")

const (
	// The chip runs at its fastest supported pipeline rate; Source decimates.
	deviceRateHz = 100
	baroEvery    = 4
	maxReadErrs  = 50
)

// DataReady paces reads on the IMU interrupt line.
type DataReady interface {
	Wait(ctx context.Context, timeout time.Duration) error
	Close() error
}

type motionReader interface {
	ReadMotion() (accel, gyro r3.Vec, err error)
}

type magReader interface {
	ReadMag() (field r3.Vec, ok bool, err error)
}

type baroReader interface {
	ReadAltitude() (float64, error)
}

type Config struct {
	I2CBus   int
	IMUAddr  uint16
	BaroAddr uint16
	RateHz   int

	// DataReadyLine < 0 polls on a ticker instead of waiting for edges.
	DataReadyChip string
	DataReadyLine int
}

// Source produces samples from the sensor board at an adjustable rate.
type Source struct {
	motion motionReader
	mag    magReader
	baro   baroReader
	ready  DataReady
	bus    *i2c.Bus

	rateHz atomic.Int64
	rateCh chan struct{}
	now    func() time.Time
	warn   *monitoring.Limiter

	reads   uint64
	lastTs  int64
	lastOut time.Time
	alt     float64
	haveAlt bool
}

// Open brings up the board. The IMU is required; magnetometer and barometer
// are used when they answer.
func Open(cfg Config) (*Source, error) {
	if cfg.IMUAddr == 0 {
		cfg.IMUAddr = DefaultIMUAddress()
	}
	if cfg.BaroAddr == 0 {
		cfg.BaroAddr = DefaultBaroAddress()
	}
	bus, err := i2c.Open(i2c.BusPath(cfg.I2CBus))
	if err != nil {
		return nil, err
	}
	useReady := cfg.DataReadyLine >= 0
	icm, err := NewICM20948(bus.Dev(cfg.IMUAddr), deviceRateHz, useReady)
	if err != nil {
		_ = bus.Close()
		return nil, err
	}
	s := newSource(icm, cfg.RateHz)
	s.bus = bus
	if mag, err := NewAK09916(bus.Dev(MagAddress())); err != nil {
		monitoring.Logf("imu: magnetometer unavailable: %v", err)
	} else {
		s.mag = mag
	}
	if baro, err := NewBMP280(bus.Dev(cfg.BaroAddr)); err != nil {
		monitoring.Logf("imu: barometer unavailable: %v", err)
	} else {
		s.baro = baro
	}
	if useReady {
		ready, err := openDataReady(cfg.DataReadyChip, cfg.DataReadyLine)
		if err != nil {
			monitoring.Logf("imu: falling back to polling: %v", err)
		} else {
			s.ready = ready
		}
	}
	monitoring.Logf("imu: %s imu=0x%02X mag=%t baro=%t data_ready=%t rate=%dHz",
		bus.Path(), cfg.IMUAddr, s.mag != nil, s.baro != nil, s.ready != nil, s.RateHz())
	return s, nil
}

func newSource(motion motionReader, rateHz int) *Source {
	s := &Source{
		motion: motion,
		rateCh: make(chan struct{}, 1),
		now:    time.Now,
		warn:   monitoring.NewLimiter(5000),
	}
	if rateHz <= 0 {
		rateHz = 25
	}
	s.rateHz.Store(int64(rateHz))
	return s
}

func (s *Source) Close() error {
	if s == nil {
		return nil
	}
	var err error
	if s.ready != nil {
		err = s.ready.Close()
		s.ready = nil
	}
	if s.bus != nil {
		if cerr := s.bus.Close(); err == nil {
			err = cerr
		}
		s.bus = nil
	}
	return err
}

func (s *Source) RateHz() int { return int(s.rateHz.Load()) }

// SetRate changes the output rate. Safe to call while Run is active.
func (s *Source) SetRate(hz int) {
	if hz <= 0 || hz > deviceRateHz || int64(hz) == s.rateHz.Load() {
		return
	}
	s.rateHz.Store(int64(hz))
	select {
	case s.rateCh <- struct{}{}:
	default:
	}
}

func (s *Source) period() time.Duration {
	return time.Second / time.Duration(s.rateHz.Load())
}

// Read takes one sample. The barometer is sampled every few reads and its
// last value is repeated in between.
func (s *Source) Read() (sensor.Sample, error) {
	accel, gyro, err := s.motion.ReadMotion()
	if err != nil {
		return sensor.Sample{}, err
	}
	now := s.now().UnixMilli()
	out := sensor.Sample{TimestampMs: now, Accel: accel, Gyro: gyro}
	if s.mag != nil {
		field, ok, err := s.mag.ReadMag()
		switch {
		case err != nil:
			s.warn.Warnf("mag", now, "imu: %v", err)
		case ok:
			out.Mag, out.HasMag = field, true
		}
	}
	if s.baro != nil && s.reads%baroEvery == 0 {
		if alt, err := s.baro.ReadAltitude(); err != nil {
			s.warn.Warnf("baro", now, "imu: %v", err)
		} else {
			s.alt, s.haveAlt = alt, true
		}
	}
	if s.haveAlt {
		out.Altitude, out.HasAltitude = s.alt, true
	}
	s.reads++
	return out, nil
}

// Run emits samples until ctx is done or emit fails. Samples are never
// emitted twice for the same millisecond.
func (s *Source) Run(ctx context.Context, emit func(sensor.Sample) error) error {
	if emit == nil {
		return fmt.Errorf("imu: emit is nil")
	}
	var tick *time.Ticker
	if s.ready == nil {
		tick = time.NewTicker(s.period())
		defer tick.Stop()
	}
	errs := 0
	for {
		if err := s.wait(ctx, tick); err != nil {
			return err
		}
		if s.ready != nil && s.now().Sub(s.lastOut) < s.period()-s.period()/10 {
			continue
		}
		sm, err := s.Read()
		if err != nil {
			errs++
			if errs >= maxReadErrs {
				return fmt.Errorf("imu: giving up after %d read errors: %w", errs, err)
			}
			s.warn.Warnf("read", s.now().UnixMilli(), "imu: %v", err)
			continue
		}
		errs = 0
		if sm.TimestampMs <= s.lastTs {
			continue
		}
		s.lastTs, s.lastOut = sm.TimestampMs, s.now()
		if err := emit(sm); err != nil {
			return err
		}
	}
}

func (s *Source) wait(ctx context.Context, tick *time.Ticker) error {
	if s.ready != nil {
		err := s.ready.Wait(ctx, 2*time.Second/deviceRateHz)
		if errors.Is(err, ErrDataReadyTimeout) {
			// A missed edge is read anyway; a dead line degrades to 50 Hz polling.
			s.warn.Warnf("ready", s.now().UnixMilli(), "imu: %v", err)
			return nil
		}
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.rateCh:
			tick.Reset(s.period())
		case <-tick.C:
			return nil
		}
	}
}
