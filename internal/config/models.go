package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kefctl/kefctl/internal/channel"
	"github.com/kefctl/kefctl/internal/protocol"
	"github.com/kefctl/kefctl/internal/speaker"
	"github.com/kefctl/kefctl/internal/transport"
)

// CurrentVersion is the configuration file format version
const CurrentVersion = 1

// Registry represents the entire user configuration file.
type Registry struct {
	Version     int                 `yaml:"version" toml:"version"`
	Default     string              `yaml:"default,omitempty" toml:"default,omitempty"` // Speaker used when none is named
	Speakers    map[string]*Speaker `yaml:"speakers,omitempty" toml:"speakers,omitempty"`
	Preferences *Preferences        `yaml:"preferences,omitempty" toml:"preferences,omitempty"`
}

// Speaker holds the settings for one speaker. Zero values select the
// engine defaults.
type Speaker struct {
	Host     string `yaml:"host" toml:"host"`
	Port     int    `yaml:"port,omitempty" toml:"port,omitempty"`
	Firmware string `yaml:"firmware,omitempty" toml:"firmware,omitempty"`

	MaxVolume  float64 `yaml:"max_volume,omitempty" toml:"max_volume,omitempty"`
	VolumeStep float64 `yaml:"volume_step,omitempty" toml:"volume_step,omitempty"`

	ProbeInterval    Duration `yaml:"probe_interval,omitempty" toml:"probe_interval,omitempty"`
	MaxProbeInterval Duration `yaml:"max_probe_interval,omitempty" toml:"max_probe_interval,omitempty"`
	ProbeTimeout     Duration `yaml:"probe_timeout,omitempty" toml:"probe_timeout,omitempty"`
	FailureThreshold int      `yaml:"failure_threshold,omitempty" toml:"failure_threshold,omitempty"`

	FreshFor     Duration `yaml:"fresh_for,omitempty" toml:"fresh_for,omitempty"`
	OfflineGrace Duration `yaml:"offline_grace,omitempty" toml:"offline_grace,omitempty"`

	ConnectTimeout  Duration `yaml:"connect_timeout,omitempty" toml:"connect_timeout,omitempty"`
	ResponseTimeout Duration `yaml:"response_timeout,omitempty" toml:"response_timeout,omitempty"`
	ConnectAttempts int      `yaml:"connect_attempts,omitempty" toml:"connect_attempts,omitempty"`
	IdleTimeout     Duration `yaml:"idle_timeout,omitempty" toml:"idle_timeout,omitempty"`

	Retry *Retry `yaml:"retry,omitempty" toml:"retry,omitempty"`
}

// Retry configures the command retry policy
type Retry struct {
	Attempts        int      `yaml:"attempts,omitempty" toml:"attempts,omitempty"`
	InitialInterval Duration `yaml:"initial_interval,omitempty" toml:"initial_interval,omitempty"`
	MaxInterval     Duration `yaml:"max_interval,omitempty" toml:"max_interval,omitempty"`
	Multiplier      float64  `yaml:"multiplier,omitempty" toml:"multiplier,omitempty"`
	Jitter          float64  `yaml:"jitter,omitempty" toml:"jitter,omitempty"` // -1 disables jitter
}

// Preferences represents application-wide user preferences.
type Preferences struct {
	LogLevel     string `yaml:"log_level,omitempty" toml:"log_level,omitempty"`
	Output       string `yaml:"output,omitempty" toml:"output,omitempty"`               // auto, plain or json
	BridgeListen string `yaml:"bridge_listen,omitempty" toml:"bridge_listen,omitempty"` // Address for `kefctl serve`
}

// DefaultBridgeListen is the state bridge address when none is configured
const DefaultBridgeListen = "127.0.0.1:8750"

func defaultPreferences() *Preferences {
	return &Preferences{
		Output:       "auto",
		BridgeListen: DefaultBridgeListen,
	}
}

// NewRegistry creates a new Registry with default values.
func NewRegistry() *Registry {
	return &Registry{
		Version:     CurrentVersion,
		Speakers:    make(map[string]*Speaker),
		Preferences: defaultPreferences(),
	}
}

// GetSpeaker retrieves a speaker by name. Returns nil if it doesn't exist.
func (r *Registry) GetSpeaker(name string) *Speaker {
	return r.Speakers[name]
}

// SpeakerNames returns the configured speaker names in sorted order
func (r *Registry) SpeakerNames() []string {
	names := make([]string, 0, len(r.Speakers))
	for name := range r.Speakers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AddSpeaker validates and stores a speaker, replacing any with the same
// name. The first speaker added becomes the default.
func (r *Registry) AddSpeaker(name string, s *Speaker) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("speaker name is required")
	}
	if err := s.Validate(); err != nil {
		return fmt.Errorf("speaker %s: %w", name, err)
	}
	if r.Speakers == nil {
		r.Speakers = make(map[string]*Speaker)
	}
	r.Speakers[name] = s
	if r.Default == "" {
		r.Default = name
	}
	return nil
}

// RemoveSpeaker deletes a speaker and reports whether it existed
func (r *Registry) RemoveSpeaker(name string) bool {
	if _, ok := r.Speakers[name]; !ok {
		return false
	}
	delete(r.Speakers, name)
	if r.Default == name {
		r.Default = ""
		if names := r.SpeakerNames(); len(names) > 0 {
			r.Default = names[0]
		}
	}
	return true
}

// Resolve picks the speaker a command should talk to. A configured name
// wins; an unknown name is taken as a host address; an empty name selects
// the default, or the only configured speaker.
func (r *Registry) Resolve(name string) (string, *Speaker, error) {
	if name == "" {
		name = r.Default
		if name == "" && len(r.Speakers) == 1 {
			name = r.SpeakerNames()[0]
		}
		if name == "" {
			return "", nil, fmt.Errorf("no speaker given and no default configured (use --speaker or `kefctl config add`)")
		}
	}
	if s, ok := r.Speakers[name]; ok {
		return name, s, nil
	}

	addr, err := transport.ParseAddress(name)
	if err != nil {
		return "", nil, fmt.Errorf("unknown speaker %q: %w", name, err)
	}
	return name, &Speaker{Host: addr.Host, Port: addr.Port}, nil
}

// Validate checks a speaker entry for obvious mistakes
func (s *Speaker) Validate() error {
	if s == nil || strings.TrimSpace(s.Host) == "" {
		return fmt.Errorf("host is required")
	}
	if s.Port < 0 || s.Port > 65535 {
		return fmt.Errorf("invalid port %d", s.Port)
	}
	if s.MaxVolume < 0 || s.MaxVolume > 1 {
		return fmt.Errorf("max_volume must be between 0 and 1, got %v", s.MaxVolume)
	}
	if s.VolumeStep < 0 || s.VolumeStep > 1 {
		return fmt.Errorf("volume_step must be between 0 and 1, got %v", s.VolumeStep)
	}
	if s.Firmware != "" {
		if _, err := protocol.Lookup(s.Firmware); err != nil {
			return err
		}
	}
	if s.Retry != nil && s.Retry.Jitter != channel.NoJitter && (s.Retry.Jitter < 0 || s.Retry.Jitter >= 1) {
		return fmt.Errorf("retry jitter must be in [0,1) or -1 for none, got %v", s.Retry.Jitter)
	}
	return nil
}

// ToSpeakerConfig converts the entry to an engine configuration
func (s *Speaker) ToSpeakerConfig(name string) (speaker.Config, error) {
	if err := s.Validate(); err != nil {
		return speaker.Config{}, err
	}
	cfg := speaker.Config{
		Name:             name,
		Address:          transport.NewAddress(s.Host, s.Port),
		Firmware:         s.Firmware,
		MaxVolume:        s.MaxVolume,
		VolumeStep:       s.VolumeStep,
		ConnectTimeout:   s.ConnectTimeout.Std(),
		ResponseTimeout:  s.ResponseTimeout.Std(),
		ConnectAttempts:  s.ConnectAttempts,
		IdleTimeout:      s.IdleTimeout.Std(),
		ProbeInterval:    s.ProbeInterval.Std(),
		MaxProbeInterval: s.MaxProbeInterval.Std(),
		ProbeTimeout:     s.ProbeTimeout.Std(),
		FailureThreshold: s.FailureThreshold,
		FreshFor:         s.FreshFor.Std(),
		OfflineGrace:     s.OfflineGrace.Std(),
	}
	if s.Retry != nil {
		cfg.Retry = channel.RetryPolicy{
			Attempts:        s.Retry.Attempts,
			InitialInterval: s.Retry.InitialInterval.Std(),
			MaxInterval:     s.Retry.MaxInterval.Std(),
			Multiplier:      s.Retry.Multiplier,
			Jitter:          s.Retry.Jitter,
		}
	}
	return cfg, nil
}

// Duration is a time.Duration written as a string such as "15s"
type Duration time.Duration

// Std returns the standard library duration
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// MarshalText implements encoding.TextMarshaler, used by the TOML encoder
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler, used by the TOML decoder
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	if parsed < 0 {
		return fmt.Errorf("invalid duration %q: must not be negative", text)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a string such as \"15s\"", node.Line)
	}
	if err := d.UnmarshalText([]byte(node.Value)); err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	return nil
}
