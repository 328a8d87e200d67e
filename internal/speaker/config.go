package speaker

import (
	"fmt"
	"math"
	"time"

	"github.com/kefctl/kefctl/internal/channel"
	"github.com/kefctl/kefctl/internal/protocol"
	"github.com/kefctl/kefctl/internal/transport"
)

const (
	// DefaultVolumeStep is the relative change applied by VolumeUp/VolumeDown
	DefaultVolumeStep = 0.05

	// DefaultMaxVolume is the default volume ceiling
	DefaultMaxVolume = 1.0
)

// Config describes one speaker and how to talk to it. Zero durations and
// counts select package defaults.
type Config struct {
	Name     string
	Address  transport.Address
	Firmware string // Opcode table name, empty for protocol.DefaultFirmware

	MaxVolume  float64 // Ceiling applied to every volume write, (0,1]
	VolumeStep float64 // Step for VolumeUp/VolumeDown, (0,1]

	ConnectTimeout  time.Duration
	ResponseTimeout time.Duration
	ConnectAttempts int
	Retry           channel.RetryPolicy
	IdleTimeout     time.Duration

	ProbeInterval    time.Duration
	MaxProbeInterval time.Duration
	ProbeTimeout     time.Duration
	FailureThreshold int

	FreshFor     time.Duration
	OfflineGrace time.Duration
}

// DefaultConfig returns a configuration for the speaker at host on the
// default port
func DefaultConfig(host string) Config {
	return Config{
		Name:       host,
		Address:    transport.NewAddress(host, 0),
		Firmware:   protocol.DefaultFirmware,
		MaxVolume:  DefaultMaxVolume,
		VolumeStep: DefaultVolumeStep,
		Retry:      channel.DefaultRetryPolicy(),
	}
}

func (c Config) withDefaults() Config {
	if c.Address.Port == 0 {
		c.Address.Port = transport.DefaultPort
	}
	if c.Name == "" {
		c.Name = c.Address.Host
	}
	if c.MaxVolume == 0 {
		c.MaxVolume = DefaultMaxVolume
	}
	if c.VolumeStep == 0 {
		c.VolumeStep = DefaultVolumeStep
	}
	return c
}

// Validate checks the configuration for obvious mistakes
func (c Config) Validate() error {
	if c.Address.Host == "" {
		return fmt.Errorf("speaker address is required")
	}
	if c.Address.Port < 0 || c.Address.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Address.Port)
	}
	if math.IsNaN(c.MaxVolume) || c.MaxVolume < 0 || c.MaxVolume > 1 {
		return fmt.Errorf("max volume must be between 0 and 1, got %v", c.MaxVolume)
	}
	if math.IsNaN(c.VolumeStep) || c.VolumeStep < 0 || c.VolumeStep > 1 {
		return fmt.Errorf("volume step must be between 0 and 1, got %v", c.VolumeStep)
	}
	return nil
}
