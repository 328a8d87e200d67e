package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kefctl/kefctl/internal/config"
	"github.com/kefctl/kefctl/internal/protocol"
	"github.com/kefctl/kefctl/internal/transport"
	"github.com/kefctl/kefctl/internal/ui"
)

// Config command flags
var (
	forceInit    bool
	showRaw      bool
	addFirmware  string
	addMaxVolume float64
	addDefault   bool
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd, configShowCmd, configAddCmd, configRemoveCmd, configPathCmd)

	configInitCmd.Flags().BoolVarP(&forceInit, "force", "f", false, "Overwrite an existing config file")
	configShowCmd.Flags().BoolVar(&showRaw, "raw", false, "Print the file as it would be written")
	configAddCmd.Flags().StringVar(&addFirmware, "firmware", "", "Opcode table (default "+protocol.DefaultFirmware+")")
	configAddCmd.Flags().Float64Var(&addMaxVolume, "max-volume", 0, "Volume ceiling in percent (0 for none)")
	configAddCmd.Flags().BoolVar(&addDefault, "default", false, "Make this the default speaker")
}

// activeConfigPath is --config when given, otherwise the per-user path
func activeConfigPath() (string, error) {
	if configPath != "" {
		return configPath, nil
	}
	return config.GetConfigPath()
}

func saveRegistry(reg *config.Registry) (string, error) {
	path, err := activeConfigPath()
	if err != nil {
		return "", err
	}
	if err := reg.SaveFile(path); err != nil {
		return "", err
	}
	return path, nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the speaker configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write an example configuration file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := activeConfigPath()
		if err != nil {
			return report("Config init", err)
		}
		if _, err := os.Stat(path); err == nil && !forceInit {
			return report("Config init", fmt.Errorf("%s already exists (use --force to overwrite)", path))
		}
		if err := config.ExampleRegistry().SaveFile(path); err != nil {
			return report("Config init", err)
		}
		printer.PrintSuccess("Config written",
			ui.Detail{Key: "Path", Value: path},
			ui.Detail{Key: "Next", Value: "edit the host of living-room, or run kefctl config add"},
		)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the configured speakers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := loadedRegistry()
		if err != nil {
			return report("Config", err)
		}
		path, err := activeConfigPath()
		if err != nil {
			return report("Config", err)
		}
		if showRaw {
			data, err := reg.Marshal(path)
			if err != nil {
				return report("Config", err)
			}
			printer.Print(string(data))
			return nil
		}

		details := []ui.Detail{{Key: "Path", Value: path}}
		if reg.Default != "" {
			details = append(details, ui.Detail{Key: "Default", Value: reg.Default})
		}
		for _, name := range reg.SpeakerNames() {
			s := reg.Speakers[name]
			value := transport.NewAddress(s.Host, s.Port).String()
			if s.Firmware != "" {
				value += " (" + s.Firmware + ")"
			}
			details = append(details, ui.Detail{Key: name, Value: value})
		}
		if len(reg.Speakers) == 0 {
			printer.PrintWarning("No speakers configured", details...)
			return nil
		}
		printer.PrintSuccess("Speakers", details...)
		return nil
	},
}

var configAddCmd = &cobra.Command{
	Use:     "add <name> <host[:port]>",
	Short:   "Add or replace a speaker",
	Example: `  kefctl config add office 192.168.1.60 --default`,
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := loadedRegistry()
		if err != nil {
			return report("Config add", err)
		}
		addr, err := transport.ParseAddress(args[1])
		if err != nil {
			return report("Config add", err)
		}
		if addFirmware != "" {
			if _, err := protocol.Lookup(addFirmware); err != nil {
				return report("Config add", err)
			}
		}
		if addMaxVolume < 0 || addMaxVolume > 100 {
			return report("Config add", errors.New("--max-volume must be between 0 and 100"))
		}
		entry := &config.Speaker{
			Host:      addr.Host,
			Port:      addr.Port,
			Firmware:  addFirmware,
			MaxVolume: addMaxVolume / 100,
		}
		if err := reg.AddSpeaker(args[0], entry); err != nil {
			return report("Config add", err)
		}
		if addDefault {
			reg.Default = args[0]
		}
		path, err := saveRegistry(reg)
		if err != nil {
			return report("Config add", err)
		}
		printer.PrintSuccess("Speaker added",
			ui.Detail{Key: "Name", Value: args[0]},
			ui.Detail{Key: "Address", Value: addr.String()},
			ui.Detail{Key: "Default", Value: reg.Default},
			ui.Detail{Key: "Path", Value: path},
		)
		return nil
	},
}

var configRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Remove a speaker",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := loadedRegistry()
		if err != nil {
			return report("Config remove", err)
		}
		if !reg.RemoveSpeaker(args[0]) {
			return report("Config remove", fmt.Errorf("speaker %q is not configured", args[0]))
		}
		path, err := saveRegistry(reg)
		if err != nil {
			return report("Config remove", err)
		}
		details := []ui.Detail{{Key: "Name", Value: args[0]}, {Key: "Path", Value: path}}
		if reg.Default != "" {
			details = append(details, ui.Detail{Key: "Default", Value: reg.Default})
		}
		printer.PrintSuccess("Speaker removed", details...)
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file path",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := activeConfigPath()
		if err != nil {
			return report("Config path", err)
		}
		if printer.Mode() == ui.ModeJSON {
			return printer.JSON(map[string]string{"path": path})
		}
		fmt.Fprintln(cmd.OutOrStdout(), path)
		return nil
	},
}
