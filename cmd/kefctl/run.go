package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kefctl/kefctl/internal/bridge"
	"github.com/kefctl/kefctl/internal/config"
	"github.com/kefctl/kefctl/internal/protocol"
	"github.com/kefctl/kefctl/internal/simulator"
	"github.com/kefctl/kefctl/internal/ui"
)

// Long-running command flags
var (
	listenAddr string

	simHost           string
	simPort           int
	simFirmware       string
	simLatency        time.Duration
	simDropOnPowerOff bool
)

func init() {
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(simulateCmd)

	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address (default: bridge_listen preference or "+config.DefaultBridgeListen+")")

	simulateCmd.Flags().StringVar(&simHost, "host", "127.0.0.1", "Host to listen on")
	simulateCmd.Flags().IntVar(&simPort, "port", 50001, "Port to listen on")
	simulateCmd.Flags().StringVar(&simFirmware, "firmware", protocol.DefaultFirmware, "Opcode table to simulate")
	simulateCmd.Flags().DurationVar(&simLatency, "latency", 0, "Delay before every reply")
	simulateCmd.Flags().BoolVar(&simDropOnPowerOff, "drop-on-power-off", false, "Stop listening when switched to standby, like a real speaker")
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Live dashboard for one speaker",
	Long: `Open a live terminal dashboard for one speaker.

The dashboard follows the speaker's reachability and redraws as values
change. Press ? for key bindings.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		spk, err := openSpeaker()
		if err != nil {
			return report("Watch", err)
		}
		defer func() { _ = spk.Close() }()

		if err := spk.Start(cmd.Context()); err != nil {
			return report("Watch", err)
		}
		if err := ui.RunDashboard(cmd.Context(), spk, timeout); err != nil {
			return report("Watch", err)
		}
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Publish speaker state over HTTP and websockets",
	Long: `Run a state bridge for one speaker.

GET /state returns the cached state as JSON. /ws streams a snapshot followed
by every change and accepts control commands. The bridge runs until
interrupted.`,
	Example: `  kefctl serve --listen 127.0.0.1:8750
  curl http://127.0.0.1:8750/state`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		spk, err := openSpeaker()
		if err != nil {
			return report("Serve", err)
		}
		defer func() { _ = spk.Close() }()

		listen := listenAddr
		if listen == "" && registry != nil && registry.Preferences != nil {
			listen = registry.Preferences.BridgeListen
		}
		if listen == "" {
			listen = config.DefaultBridgeListen
		}

		if err := spk.Start(cmd.Context()); err != nil {
			return report("Serve", err)
		}
		printer.PrintHeader(ui.NewHeader("STATE BRIDGE", "kefctl serve",
			ui.Detail{Key: "Speaker", Value: spk.Name()},
			ui.Detail{Key: "Address", Value: spk.Address().String()},
			ui.Detail{Key: "Listen", Value: fmt.Sprintf("http://%s", listen)},
		))

		srv := bridge.New(spk, bridge.Config{Listen: listen, CommandTimeout: timeout})
		if err := srv.ListenAndServe(cmd.Context()); err != nil {
			return report("Serve", err)
		}
		return nil
	},
}

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a simulated speaker",
	Long: `Run an in-process speaker that speaks the binary control protocol.

Point kefctl at it with --speaker 127.0.0.1:50001 to try commands without
hardware. The simulator runs until interrupted.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		table, err := protocol.Lookup(simFirmware)
		if err != nil {
			return report("Simulate", err)
		}
		sim := simulator.New(simulator.Config{
			Host:           simHost,
			Port:           simPort,
			Table:          table,
			Latency:        simLatency,
			DropOnPowerOff: simDropOnPowerOff,
		})
		if err := sim.Start(); err != nil {
			return report("Simulate", err)
		}
		printer.PrintHeader(ui.NewHeader("SPEAKER SIMULATOR", "kefctl simulate",
			ui.Detail{Key: "Address", Value: sim.Addr()},
			ui.Detail{Key: "Firmware", Value: table.Firmware},
		))
		if err := sim.Serve(cmd.Context()); err != nil {
			return report("Simulate", err)
		}
		return nil
	},
}
