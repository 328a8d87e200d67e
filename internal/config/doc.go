// Package config provides user configuration management for kefctl.
//
// The configuration file lists speakers by name with their address and
// engine tuning, plus application preferences. It is YAML by default and
// TOML when the file name ends in .toml. Durations are strings such as
// "15s"; zero or omitted values select the engine defaults.
//
// # Configuration File Location
//
//   - $KEFCTL_CONFIG when set
//   - Linux: $XDG_CONFIG_HOME/kefctl/config.yaml or $HOME/.config/kefctl/config.yaml
//   - macOS: $HOME/.config/kefctl/config.yaml
//   - Windows: %LOCALAPPDATA%\kefctl\config.yaml
//
// A config.toml in the same directory is used when config.yaml is absent.
//
// # Example
//
//	version: 1
//	default: living-room
//	speakers:
//	  living-room:
//	    host: 192.168.1.50
//	    max_volume: 0.8
//	    probe_interval: 15s
//	    retry:
//	      attempts: 3
//	      initial_interval: 100ms
//
// # Usage Example
//
//	registry, err := config.LoadRegistry()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	name, entry, err := registry.Resolve("")
//	cfg, err := entry.ToSpeakerConfig(name)
//	spk, err := speaker.New(cfg)
//
// # Thread Safety
//
// The global registry uses sync.Once for safe initialization across goroutines.
// File writes are serialized and atomic (temporary file plus rename).
package config
