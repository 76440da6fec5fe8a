package pipeline

import (
	"fmt"

	"stridenav/internal/attitude"
	"stridenav/internal/pdr"
)

// Config bundles the tunables of every stage.
type Config struct {
	Attitude attitude.Config
	PDR      pdr.Config

	// YawFeedIntervalMs paces the fused-yaw feed into the heading buffer.
	YawFeedIntervalMs int64
	// ExternalYawTimeoutMs is how long an external yaw source is trusted
	// after its last observation before the fused yaw takes over again.
	ExternalYawTimeoutMs int64
	// WarnIntervalMs rate-limits repeated warnings per kind.
	WarnIntervalMs int64
}

func DefaultConfig() Config {
	return Config{
		Attitude:             attitude.DefaultConfig(),
		PDR:                  pdr.DefaultConfig(),
		YawFeedIntervalMs:    100,
		ExternalYawTimeoutMs: 1000,
		WarnIntervalMs:       5000,
	}
}

// Validate checks every stage; messages are prefixed with "pipeline.".
func (c Config) Validate() error {
	if err := c.Attitude.Validate(); err != nil {
		return fmt.Errorf("pipeline.%w", err)
	}
	if err := c.PDR.Validate(); err != nil {
		return fmt.Errorf("pipeline.%w", err)
	}
	if c.YawFeedIntervalMs <= 0 {
		return fmt.Errorf("pipeline.yawFeedInterval must be > 0")
	}
	if c.ExternalYawTimeoutMs < 0 {
		return fmt.Errorf("pipeline.externalYawTimeout must be >= 0")
	}
	if c.WarnIntervalMs < 0 {
		return fmt.Errorf("pipeline.warnInterval must be >= 0")
	}
	return nil
}
