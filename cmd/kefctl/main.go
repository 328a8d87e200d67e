// Kefctl controls KEF LS50 Wireless network speakers from the command line.
//
// It talks to the speaker over its binary TCP control protocol (port
// 50001): volume, mute, input source, playback, standby and DSP tuning. It
// can also run a live terminal dashboard, publish speaker state over
// websockets, and simulate a speaker for testing.
//
// Usage:
//
//	kefctl [command] [flags]
//
// See 'kefctl --help' for available commands.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kefctl/kefctl/internal/deviceerr"
	"github.com/kefctl/kefctl/internal/logging"
	"github.com/kefctl/kefctl/internal/ui"
	"github.com/kefctl/kefctl/internal/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	logging.Sync()

	if err != nil {
		var reported *reportedError
		if !errors.As(err, &reported) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(exitCode(err))
	}
}

// Exit codes
const (
	exitFailure     = 1
	exitUnreachable = 2 // The speaker could not be reached or did not answer
)

func exitCode(err error) int {
	if deviceerr.IsNetworkError(err) {
		return exitUnreachable
	}
	return exitFailure
}

var rootCmd = &cobra.Command{
	Use:   "kefctl",
	Short: "Control KEF network speakers",
	Long: `A command-line controller for KEF LS50 Wireless speakers.

Speakers are addressed by a name from the configuration file or directly by
host[:port]. Run 'kefctl config init' to create a configuration file.

Exit status is 0 on success, 2 when the speaker could not be reached or did
not answer, and 1 for any other failure.`,
	Version:           version.Full(),
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
}

func init() {
	// Disable automatic completion command generation
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		info := version.Get()
		if printer.Mode() == ui.ModeJSON {
			return printer.JSON(info)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "kefctl %s (commit: %s)\n", info.Version, info.Commit)
		if info.BuildTime != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "built %s with %s for %s\n", info.BuildTime, info.GoVersion, info.Platform)
		}
		return nil
	},
}
