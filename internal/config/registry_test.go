package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/kefctl/kefctl/internal/transport"
)

func TestGetConfigDir(t *testing.T) {
	configDir, err := GetConfigDir()
	if err != nil {
		t.Fatalf("GetConfigDir() error = %v", err)
	}

	if !strings.Contains(configDir, "kefctl") {
		t.Errorf("GetConfigDir() = %v, should contain 'kefctl'", configDir)
	}

	switch runtime.GOOS {
	case "windows":
		if !strings.Contains(configDir, "AppData") && !strings.Contains(configDir, "Local") {
			t.Errorf("Windows config dir should contain 'AppData' or 'Local', got: %v", configDir)
		}
	case "darwin":
		if !strings.Contains(configDir, ".config") {
			t.Errorf("macOS config dir should contain '.config', got: %v", configDir)
		}
	}
}

func TestGetConfigDirXDG(t *testing.T) {
	if runtime.GOOS == "windows" || runtime.GOOS == "darwin" {
		t.Skip("XDG_CONFIG_HOME only applies to Linux and other Unix systems")
	}
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg-test")

	got, err := GetConfigDir()
	if err != nil {
		t.Fatalf("GetConfigDir() error = %v", err)
	}
	if want := filepath.Join("/tmp/xdg-test", "kefctl"); got != want {
		t.Errorf("GetConfigDir() = %v, want %v", got, want)
	}
}

func TestGetConfigPath(t *testing.T) {
	t.Setenv(ConfigPathEnvVar, "")
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	configPath, err := GetConfigPath()
	if err != nil {
		t.Fatalf("GetConfigPath() error = %v", err)
	}
	if runtime.GOOS != "windows" && runtime.GOOS != "darwin" && filepath.Base(configPath) != "config.yaml" {
		t.Errorf("GetConfigPath() should end with 'config.yaml', got: %v", configPath)
	}

	t.Setenv(ConfigPathEnvVar, "/etc/kefctl.toml")
	configPath, err = GetConfigPath()
	if err != nil {
		t.Fatalf("GetConfigPath() error = %v", err)
	}
	if configPath != "/etc/kefctl.toml" {
		t.Errorf("GetConfigPath() = %v, want the %s override", configPath, ConfigPathEnvVar)
	}
}

func TestGetConfigPathPrefersExistingTOML(t *testing.T) {
	if runtime.GOOS == "windows" || runtime.GOOS == "darwin" {
		t.Skip("XDG_CONFIG_HOME only applies to Linux and other Unix systems")
	}
	dir := t.TempDir()
	t.Setenv(ConfigPathEnvVar, "")
	t.Setenv("XDG_CONFIG_HOME", dir)

	if err := os.MkdirAll(filepath.Join(dir, "kefctl"), 0700); err != nil {
		t.Fatal(err)
	}
	tomlPath := filepath.Join(dir, "kefctl", "config.toml")
	if err := os.WriteFile(tomlPath, []byte("version = 1\n"), 0600); err != nil {
		t.Fatal(err)
	}

	got, err := GetConfigPath()
	if err != nil {
		t.Fatalf("GetConfigPath() error = %v", err)
	}
	if got != tomlPath {
		t.Errorf("GetConfigPath() = %v, want %v", got, tomlPath)
	}
}

func TestNewRegistry(t *testing.T) {
	reg := NewRegistry()

	if reg.Version != CurrentVersion {
		t.Errorf("NewRegistry().Version = %v, want %v", reg.Version, CurrentVersion)
	}
	if reg.Speakers == nil {
		t.Error("NewRegistry().Speakers should not be nil")
	}
	if reg.Preferences == nil || reg.Preferences.BridgeListen != DefaultBridgeListen {
		t.Errorf("NewRegistry().Preferences = %+v, want bridge on %s", reg.Preferences, DefaultBridgeListen)
	}
}

func TestRegistryAddRemove(t *testing.T) {
	reg := NewRegistry()

	if err := reg.AddSpeaker("kitchen", &Speaker{Host: "10.0.0.5"}); err != nil {
		t.Fatalf("AddSpeaker() error = %v", err)
	}
	if reg.Default != "kitchen" {
		t.Errorf("Default = %q, first speaker should become default", reg.Default)
	}
	if err := reg.AddSpeaker("attic", &Speaker{Host: "10.0.0.6"}); err != nil {
		t.Fatalf("AddSpeaker() error = %v", err)
	}
	if reg.Default != "kitchen" {
		t.Errorf("Default = %q, should not change on later adds", reg.Default)
	}

	if got := reg.SpeakerNames(); len(got) != 2 || got[0] != "attic" || got[1] != "kitchen" {
		t.Errorf("SpeakerNames() = %v, want sorted [attic kitchen]", got)
	}

	if !reg.RemoveSpeaker("kitchen") {
		t.Error("RemoveSpeaker() = false for an existing speaker")
	}
	if reg.Default != "attic" {
		t.Errorf("Default = %q after removing the default, want attic", reg.Default)
	}
	if reg.RemoveSpeaker("kitchen") {
		t.Error("RemoveSpeaker() = true for a missing speaker")
	}
}

func TestRegistryAddInvalid(t *testing.T) {
	tests := []struct {
		name string
		spk  *Speaker
	}{
		{"no host", &Speaker{}},
		{"bad port", &Speaker{Host: "h", Port: 70000}},
		{"max volume", &Speaker{Host: "h", MaxVolume: 1.2}},
		{"step", &Speaker{Host: "h", VolumeStep: -0.1}},
		{"firmware", &Speaker{Host: "h", Firmware: "ls50w-v99"}},
		{"jitter", &Speaker{Host: "h", Retry: &Retry{Jitter: 1}}},
		{"negative jitter", &Speaker{Host: "h", Retry: &Retry{Jitter: -0.5}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := NewRegistry().AddSpeaker("x", tt.spk); err == nil {
				t.Errorf("AddSpeaker(%+v) should fail", tt.spk)
			}
		})
	}

	if err := NewRegistry().AddSpeaker("  ", &Speaker{Host: "h"}); err == nil {
		t.Error("AddSpeaker() with a blank name should fail")
	}
}

func TestRegistryResolve(t *testing.T) {
	reg := NewRegistry()

	if _, _, err := reg.Resolve(""); err == nil {
		t.Error("Resolve(\"\") on an empty registry should fail")
	}

	reg.Speakers["only"] = &Speaker{Host: "10.0.0.7"}
	name, spk, err := reg.Resolve("")
	if err != nil || name != "only" || spk.Host != "10.0.0.7" {
		t.Errorf("Resolve(\"\") = %q, %+v, %v; want the only speaker", name, spk, err)
	}

	_ = reg.AddSpeaker("main", &Speaker{Host: "10.0.0.8"})
	if name, _, _ := reg.Resolve(""); name != "main" {
		t.Errorf("Resolve(\"\") = %q, want default main", name)
	}

	name, spk, err = reg.Resolve("192.168.9.9:50002")
	if err != nil {
		t.Fatalf("Resolve(address) error = %v", err)
	}
	if name != "192.168.9.9:50002" || spk.Host != "192.168.9.9" || spk.Port != 50002 {
		t.Errorf("Resolve(address) = %q, %+v", name, spk)
	}
}

func TestToSpeakerConfig(t *testing.T) {
	spk := &Speaker{
		Host:            "kef.local",
		MaxVolume:       0.7,
		ProbeInterval:   Duration(10 * time.Second),
		ResponseTimeout: Duration(time.Second),
		Retry: &Retry{
			Attempts:        4,
			InitialInterval: Duration(50 * time.Millisecond),
			Jitter:          0.1,
		},
	}

	cfg, err := spk.ToSpeakerConfig("den")
	if err != nil {
		t.Fatalf("ToSpeakerConfig() error = %v", err)
	}
	if cfg.Name != "den" {
		t.Errorf("Name = %q, want den", cfg.Name)
	}
	if cfg.Address.Port != transport.DefaultPort {
		t.Errorf("Address.Port = %d, want default %d", cfg.Address.Port, transport.DefaultPort)
	}
	if cfg.MaxVolume != 0.7 || cfg.ProbeInterval != 10*time.Second || cfg.ResponseTimeout != time.Second {
		t.Errorf("ToSpeakerConfig() = %+v", cfg)
	}
	if cfg.Retry.Attempts != 4 || cfg.Retry.InitialInterval != 50*time.Millisecond || cfg.Retry.Jitter != 0.1 {
		t.Errorf("Retry = %+v", cfg.Retry)
	}

	if _, err := (&Speaker{}).ToSpeakerConfig("x"); err == nil {
		t.Error("ToSpeakerConfig() without a host should fail")
	}
}

func TestRegistrySaveAndLoad(t *testing.T) {
	for _, file := range []string{"config.yaml", "config.toml"} {
		t.Run(file, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), file)

			reg := ExampleRegistry()
			reg.Speakers["living-room"].Retry = &Retry{Attempts: 5, MaxInterval: Duration(3 * time.Second)}
			if err := reg.SaveFile(path); err != nil {
				t.Fatalf("SaveFile() error = %v", err)
			}

			loaded, err := LoadFile(path)
			if err != nil {
				t.Fatalf("LoadFile() error = %v", err)
			}
			if loaded.Default != "living-room" {
				t.Errorf("Default = %q, want living-room", loaded.Default)
			}
			spk := loaded.GetSpeaker("living-room")
			if spk == nil {
				t.Fatal("speaker should exist in loaded registry")
			}
			if spk.Host != "192.168.1.50" || spk.MaxVolume != 0.8 {
				t.Errorf("loaded speaker = %+v", spk)
			}
			if spk.ProbeInterval.Std() != 15*time.Second {
				t.Errorf("ProbeInterval = %v, want 15s", spk.ProbeInterval)
			}
			if spk.Retry == nil || spk.Retry.Attempts != 5 || spk.Retry.MaxInterval.Std() != 3*time.Second {
				t.Errorf("Retry = %+v", spk.Retry)
			}
		})
	}
}

func TestLoadFileDurations(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "config.yaml")
	writeFile(t, yamlPath, `version: 1
speakers:
  office:
    host: 10.1.1.1
    probe_timeout: 2s
    offline_grace: 10m
`)
	reg, err := LoadFile(yamlPath)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	office := reg.GetSpeaker("office")
	if office.ProbeTimeout.Std() != 2*time.Second || office.OfflineGrace.Std() != 10*time.Minute {
		t.Errorf("durations = %v, %v", office.ProbeTimeout, office.OfflineGrace)
	}

	tomlPath := filepath.Join(dir, "config.toml")
	writeFile(t, tomlPath, `version = 1
default = "office"

[speakers.office]
host = "10.1.1.1"
idle_timeout = "90s"
`)
	reg, err = LoadFile(tomlPath)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if got := reg.GetSpeaker("office").IdleTimeout.Std(); got != 90*time.Second {
		t.Errorf("IdleTimeout = %v, want 90s", got)
	}
}

func TestLoadFileErrors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"bad duration", "c.yaml", "speakers:\n  a:\n    host: h\n    probe_interval: soon\n"},
		{"negative duration", "c.yaml", "speakers:\n  a:\n    host: h\n    probe_interval: -1s\n"},
		{"version", "c.yaml", "version: 7\n"},
		{"missing default", "c.yaml", "default: nope\n"},
		{"invalid speaker", "c.toml", "[speakers.a]\nport = 1\n"},
		{"syntax", "c.toml", "speakers = [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), tt.file)
			writeFile(t, path, tt.content)
			if _, err := LoadFile(path); err == nil {
				t.Errorf("LoadFile() should fail for %q", tt.content)
			}
		})
	}
}

func TestLoadFileMissing(t *testing.T) {
	reg, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if len(reg.Speakers) != 0 || reg.Version != CurrentVersion {
		t.Errorf("LoadFile() on a missing file = %+v, want a default registry", reg)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func BenchmarkGetConfigDir(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_, _ = GetConfigDir()
	}
}
