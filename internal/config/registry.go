package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

const (
	appName        = "kefctl"
	configFile     = "config.yaml"
	tomlConfigFile = "config.toml"

	// ConfigPathEnvVar overrides the configuration file location
	ConfigPathEnvVar = "KEFCTL_CONFIG"
)

var (
	// Global registry instance (loaded lazily)
	globalRegistry     *Registry
	globalRegistryOnce sync.Once
	globalRegistryErr  error

	// Mutex for thread-safe file operations
	fileMutex sync.Mutex
)

// GetConfigDir returns the OS-appropriate configuration directory for the application.
//   - Linux: $XDG_CONFIG_HOME/kefctl or $HOME/.config/kefctl
//   - macOS: $HOME/.config/kefctl
//   - Windows: %LOCALAPPDATA%\kefctl
func GetConfigDir() (string, error) {
	switch runtime.GOOS {
	case "windows":
		localAppData := os.Getenv("LOCALAPPDATA")
		if localAppData != "" {
			return filepath.Join(localAppData, appName), nil
		}
		userProfile := os.Getenv("USERPROFILE")
		if userProfile == "" {
			return "", fmt.Errorf("cannot determine user profile directory (LOCALAPPDATA and USERPROFILE not set)")
		}
		return filepath.Join(userProfile, "AppData", "Local", appName), nil

	case "darwin":
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		return filepath.Join(homeDir, ".config", appName), nil

	default:
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			return filepath.Join(xdg, appName), nil
		}
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		return filepath.Join(homeDir, ".config", appName), nil
	}
}

// GetConfigPath returns the configuration file path: $KEFCTL_CONFIG when
// set, otherwise config.yaml in the config directory, or config.toml when
// only that exists.
func GetConfigPath() (string, error) {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		return p, nil
	}
	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	yamlPath := filepath.Join(configDir, configFile)
	if _, err := os.Stat(yamlPath); err != nil {
		tomlPath := filepath.Join(configDir, tomlConfigFile)
		if _, err := os.Stat(tomlPath); err == nil {
			return tomlPath, nil
		}
	}
	return yamlPath, nil
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

// LoadRegistry loads the registry from the default path. If the file
// doesn't exist, returns a new default registry. Multiple calls return the
// same instance.
func LoadRegistry() (*Registry, error) {
	globalRegistryOnce.Do(func() {
		path, err := GetConfigPath()
		if err != nil {
			globalRegistryErr = fmt.Errorf("failed to get config path: %w", err)
			return
		}
		globalRegistry, globalRegistryErr = LoadFile(path)
	})
	return globalRegistry, globalRegistryErr
}

// LoadFile reads a registry from path, as TOML when the file ends in .toml
// and YAML otherwise. A missing file yields a new default registry.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return NewRegistry(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return parse(path, data)
}

func parse(path string, data []byte) (*Registry, error) {
	var registry Registry
	if isTOML(path) {
		if _, err := toml.Decode(string(data), &registry); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	} else {
		if err := yaml.Unmarshal(data, &registry); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if registry.Version == 0 {
		registry.Version = CurrentVersion
	}
	if registry.Version != CurrentVersion {
		return nil, fmt.Errorf("unsupported config version: %d (expected %d)", registry.Version, CurrentVersion)
	}

	if registry.Speakers == nil {
		registry.Speakers = make(map[string]*Speaker)
	}
	for name, s := range registry.Speakers {
		if err := s.Validate(); err != nil {
			return nil, fmt.Errorf("speaker %s: %w", name, err)
		}
	}
	if registry.Default != "" {
		if _, ok := registry.Speakers[registry.Default]; !ok {
			return nil, fmt.Errorf("default speaker %q is not configured", registry.Default)
		}
	}

	defaults := defaultPreferences()
	if registry.Preferences == nil {
		registry.Preferences = defaults
	}
	if registry.Preferences.Output == "" {
		registry.Preferences.Output = defaults.Output
	}
	if registry.Preferences.BridgeListen == "" {
		registry.Preferences.BridgeListen = defaults.BridgeListen
	}
	return &registry, nil
}

// Marshal encodes the registry in the format implied by path
func (r *Registry) Marshal(path string) ([]byte, error) {
	if isTOML(path) {
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(r); err != nil {
			return nil, fmt.Errorf("failed to marshal config: %w", err)
		}
		return buf.Bytes(), nil
	}
	data, err := yaml.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return data, nil
}

// SaveFile writes the registry to path atomically.
func (r *Registry) SaveFile(path string) error {
	fileMutex.Lock()
	defer fileMutex.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := r.Marshal(path)
	if err != nil {
		return err
	}

	header := []byte(`# kefctl configuration
# Durations are written as strings such as "15s" or "2m".
#
# Location: ` + path + `

`)
	data = append(header, data...)

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write temporary config file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to save config file: %w", err)
	}
	return nil
}

// Save writes the registry to the default path.
func (r *Registry) Save() error {
	path, err := GetConfigPath()
	if err != nil {
		return fmt.Errorf("failed to get config path: %w", err)
	}
	return r.SaveFile(path)
}

// ReloadRegistry reloads the registry from disk, discarding any in-memory changes.
func ReloadRegistry() (*Registry, error) {
	fileMutex.Lock()
	globalRegistryOnce = sync.Once{}
	fileMutex.Unlock()
	return LoadRegistry()
}

// ExampleRegistry returns a registry with one example speaker, used by
// `kefctl config init`.
func ExampleRegistry() *Registry {
	registry := NewRegistry()
	registry.Default = "living-room"
	registry.Speakers["living-room"] = &Speaker{
		Host:             "192.168.1.50",
		Port:             50001,
		MaxVolume:        0.8,
		VolumeStep:       0.05,
		ProbeInterval:    Duration(15 * time.Second),
		FailureThreshold: 3,
	}
	return registry
}
