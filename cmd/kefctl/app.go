package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kefctl/kefctl/internal/config"
	"github.com/kefctl/kefctl/internal/logging"
	"github.com/kefctl/kefctl/internal/speaker"
	"github.com/kefctl/kefctl/internal/ui"
)

// SpeakerEnvVar selects the speaker when --speaker is not given
const SpeakerEnvVar = "KEFCTL_SPEAKER"

// Global flags
var (
	speakerFlag string
	configPath  string
	logLevel    string
	outputFlag  string
	jsonOutput  bool
	timeout     time.Duration
)

// Shared state set up before every command
var (
	registry    *config.Registry
	registryErr error
	printer     = ui.NewPrinter(os.Stdout, ui.ModePlain)
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&speakerFlag, "speaker", "s", "", "Speaker name from the config file, or host[:port] (env "+SpeakerEnvVar+")")
	flags.StringVar(&configPath, "config", "", "Config file path (default: per-user config dir, env "+config.ConfigPathEnvVar+")")
	flags.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error); logs go to stderr")
	flags.StringVarP(&outputFlag, "output", "o", "", "Output mode (auto, styled, plain, json)")
	flags.BoolVar(&jsonOutput, "json", false, "Shorthand for --output json")
	flags.DurationVar(&timeout, "timeout", 10*time.Second, "Overall time limit for one command")
}

// reportedError marks an error already shown to the user
type reportedError struct {
	err error
}

func (e *reportedError) Error() string { return e.err.Error() }
func (e *reportedError) Unwrap() error { return e.err }

// report prints a failure box and returns an error main will not print again
func report(title string, err error) error {
	printer.PrintError(title, err)
	return &reportedError{err: err}
}

func setup(cmd *cobra.Command, args []string) error {
	if configPath != "" {
		registry, registryErr = config.LoadFile(configPath)
	} else {
		registry, registryErr = config.LoadRegistry()
	}

	prefs := &config.Preferences{}
	if registryErr == nil && registry.Preferences != nil {
		prefs = registry.Preferences
	}

	if err := initLogging(prefs); err != nil {
		return err
	}

	pref := outputFlag
	if jsonOutput {
		pref = "json"
	}
	if pref == "" {
		pref = prefs.Output
	}
	mode, err := ui.ParseMode(pref, os.Stdout)
	if err != nil {
		return err
	}
	printer = ui.NewPrinter(cmd.OutOrStdout(), mode)

	if speakerFlag == "" {
		speakerFlag = os.Getenv(SpeakerEnvVar)
	}
	if registryErr != nil {
		logging.Debug("Config not loaded", zap.Error(registryErr))
	}
	return nil
}

// initLogging applies --log-level, then the environment, then the config
// preference
func initLogging(prefs *config.Preferences) error {
	switch {
	case logLevel != "":
		return logging.Initialize(logLevel)
	case os.Getenv(logging.LogLevelEnvVar) != "":
		return logging.InitializeFromEnv()
	default:
		return logging.Initialize(prefs.LogLevel)
	}
}

func loadedRegistry() (*config.Registry, error) {
	if registryErr != nil {
		return nil, fmt.Errorf("failed to load config: %w", registryErr)
	}
	return registry, nil
}

// openSpeaker builds the facade for the speaker named by --speaker
func openSpeaker() (*speaker.Speaker, error) {
	reg, err := loadedRegistry()
	if err != nil {
		return nil, err
	}
	name, entry, err := reg.Resolve(speakerFlag)
	if err != nil {
		return nil, err
	}
	cfg, err := entry.ToSpeakerConfig(name)
	if err != nil {
		return nil, fmt.Errorf("speaker %s: %w", name, err)
	}
	return speaker.New(cfg)
}

// withSpeaker runs fn against the selected speaker within --timeout.
// Failures are reported under title.
func withSpeaker(cmd *cobra.Command, title string, fn func(ctx context.Context, spk *speaker.Speaker) error) error {
	spk, err := openSpeaker()
	if err != nil {
		return report(title, err)
	}
	defer func() { _ = spk.Close() }()

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	if err := fn(ctx, spk); err != nil {
		return report(title, err)
	}
	return nil
}
