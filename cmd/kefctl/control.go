package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kefctl/kefctl/internal/deviceerr"
	"github.com/kefctl/kefctl/internal/logging"
	"github.com/kefctl/kefctl/internal/protocol"
	"github.com/kefctl/kefctl/internal/speaker"
	"github.com/kefctl/kefctl/internal/ui"
)

var (
	stepPercent float64
	assumeYes   bool
)

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(volumeCmd)
	rootCmd.AddCommand(muteCmd)
	rootCmd.AddCommand(unmuteCmd)
	rootCmd.AddCommand(sourceCmd)
	rootCmd.AddCommand(offCmd)
	rootCmd.AddCommand(onCmd)
	rootCmd.AddCommand(playPauseCmd)
	rootCmd.AddCommand(nextCmd)
	rootCmd.AddCommand(prevCmd)
	rootCmd.AddCommand(standbyCmd)
	rootCmd.AddCommand(invertCmd)

	volumeCmd.AddCommand(volumeGetCmd, volumeSetCmd, volumeUpCmd, volumeDownCmd)
	for _, c := range []*cobra.Command{volumeUpCmd, volumeDownCmd} {
		c.Flags().Float64Var(&stepPercent, "step", 0, "Step in percent (default: the speaker's volume_step)")
	}
	offCmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "Do not ask for confirmation")
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

// showReading prints one value, as a warning when it came from a stale
// cache entry and as a failure when nothing is known
func showReading[T any](title, key string, r speaker.Reading[T], format func(T) string) error {
	if !r.Known {
		if r.Err != nil {
			return report(title, r.Err)
		}
		return report(title, errors.New("the speaker is offline and no value is cached"))
	}
	detail := ui.Detail{Key: key, Value: format(r.Value)}
	if !r.Stale {
		printer.PrintSuccess(title, detail)
		return nil
	}
	details := []ui.Detail{detail, {Key: "Read", Value: ui.FormatAge(r.Age)}}
	if r.Err != nil {
		details = append(details, ui.Detail{Key: "Reason", Value: deviceerr.ShortMessage(r.Err)})
	}
	printer.PrintWarning(title+" (cached)", details...)
	return nil
}

// parsePercent accepts "40" or "40%" and returns 0.40
func parsePercent(s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(s), "%"), 64)
	if err != nil {
		return 0, deviceerr.NewValidationError(fmt.Sprintf("invalid volume %q: use a percentage such as 40", s))
	}
	if v < 0 || v > 100 {
		return 0, deviceerr.NewValidationError(fmt.Sprintf("volume %v%% is outside 0-100", v))
	}
	return v / 100, nil
}

// parseSwitch accepts on/off, yes/no and the strconv booleans
func parseSwitch(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "on", "yes":
		return true, nil
	case "off", "no":
		return false, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, deviceerr.NewValidationError(fmt.Sprintf("invalid value %q: use on or off", s))
	}
	return b, nil
}

func volumeDetails(spk *speaker.Speaker) []ui.Detail {
	st := spk.Current()
	var details []ui.Detail
	if st.Volume.Known {
		details = append(details, ui.Detail{Key: "Volume", Value: ui.FormatVolume(st.Volume.Value)})
	}
	if st.Muted.Known {
		details = append(details, ui.Detail{Key: "Muted", Value: yesNo(st.Muted.Value)})
	}
	return details
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show speaker state",
	Long: `Probe the speaker and show its state.

When the speaker is unreachable the last known values are shown and marked
as stale.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSpeaker(cmd, "Status", func(ctx context.Context, spk *speaker.Speaker) error {
			if _, err := spk.Probe(ctx); err != nil {
				logging.Debug("Probe failed", zap.Error(err))
			}
			printer.PrintStatus(spk.Current())
			return nil
		})
	},
}

var volumeCmd = &cobra.Command{
	Use:   "volume",
	Short: "Get or change the volume",
	Example: `  kefctl volume
  kefctl volume set 40
  kefctl volume up --step 10`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return volumeGetCmd.RunE(cmd, args)
	},
}

var volumeGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Show the volume",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSpeaker(cmd, "Volume", func(ctx context.Context, spk *speaker.Speaker) error {
			r := spk.Volume(ctx)
			if !r.Known || r.Stale {
				return showReading("Volume", "Volume", r, ui.FormatVolume)
			}
			printer.PrintSuccess("Volume", volumeDetails(spk)...)
			return nil
		})
	},
}

var volumeSetCmd = &cobra.Command{
	Use:   "set <percent>",
	Short: "Set the volume (0-100); clears mute",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSpeaker(cmd, "Set volume", func(ctx context.Context, spk *speaker.Speaker) error {
			v, err := parsePercent(args[0])
			if err != nil {
				return err
			}
			if err := spk.SetVolume(ctx, v); err != nil {
				return err
			}
			printer.PrintSuccess("Volume set", volumeDetails(spk)...)
			return nil
		})
	},
}

func stepVolume(cmd *cobra.Command, title string, sign float64) error {
	return withSpeaker(cmd, title, func(ctx context.Context, spk *speaker.Speaker) error {
		step := spk.Config().VolumeStep
		if stepPercent > 0 {
			step = stepPercent / 100
		}
		if err := spk.StepVolume(ctx, sign*step); err != nil {
			return err
		}
		printer.PrintSuccess(title, volumeDetails(spk)...)
		return nil
	})
}

var volumeUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Raise the volume by one step",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return stepVolume(cmd, "Volume up", 1)
	},
}

var volumeDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Lower the volume by one step",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return stepVolume(cmd, "Volume down", -1)
	},
}

var muteCmd = &cobra.Command{
	Use:   "mute",
	Short: "Mute the speaker, keeping the volume level",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSpeaker(cmd, "Mute", func(ctx context.Context, spk *speaker.Speaker) error {
			if err := spk.Mute(ctx); err != nil {
				return err
			}
			printer.PrintSuccess("Muted", volumeDetails(spk)...)
			return nil
		})
	},
}

var unmuteCmd = &cobra.Command{
	Use:   "unmute",
	Short: "Unmute the speaker at its previous volume",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSpeaker(cmd, "Unmute", func(ctx context.Context, spk *speaker.Speaker) error {
			if err := spk.Unmute(ctx); err != nil {
				return err
			}
			printer.PrintSuccess("Unmuted", volumeDetails(spk)...)
			return nil
		})
	},
}

var sourceCmd = &cobra.Command{
	Use:       "source [wifi|bluetooth|aux|optical|usb]",
	Short:     "Show or select the input source",
	Long:      "Show the input source, or select one. Selecting a source wakes the speaker from standby.",
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{"wifi", "bluetooth", "aux", "optical", "usb"},
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			return withSpeaker(cmd, "Source", func(ctx context.Context, spk *speaker.Speaker) error {
				return showReading("Source", "Source", spk.Source(ctx), protocol.Source.String)
			})
		}
		return withSpeaker(cmd, "Select source", func(ctx context.Context, spk *speaker.Speaker) error {
			src, err := protocol.ParseSource(args[0])
			if err != nil {
				return deviceerr.NewValidationError(err.Error())
			}
			if err := spk.SetSource(ctx, src); err != nil {
				return err
			}
			printer.PrintSuccess("Source selected", ui.Detail{Key: "Source", Value: src.String()})
			return nil
		})
	},
}

var offCmd = &cobra.Command{
	Use:   "off",
	Short: "Switch the speaker to standby",
	Long: `Switch the speaker to standby.

The speaker turns its network interface off in standby, so it cannot be
switched back on with kefctl.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !assumeYes {
			if !ui.IsTerminal(os.Stdin) {
				return report("Turn off", deviceerr.NewValidationError("refusing to turn the speaker off without --yes"))
			}
			if !ui.ConfirmTurnOff(os.Stdin, cmd.OutOrStdout(), speakerLabel()) {
				return nil
			}
		}
		return withSpeaker(cmd, "Turn off", func(ctx context.Context, spk *speaker.Speaker) error {
			if err := spk.TurnOff(ctx); err != nil {
				return err
			}
			printer.PrintSuccess("Speaker switched off", ui.Detail{Key: "Speaker", Value: spk.Name()})
			return nil
		})
	},
}

func speakerLabel() string {
	if speakerFlag != "" {
		return speakerFlag
	}
	if registry != nil && registry.Default != "" {
		return registry.Default
	}
	return "speaker"
}

var onCmd = &cobra.Command{
	Use:   "on",
	Short: "Switch the speaker on (not possible over the network)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSpeaker(cmd, "Turn on", func(ctx context.Context, spk *speaker.Speaker) error {
			return spk.TurnOn(ctx)
		})
	},
}

func playbackCommand(use, short, title string, action func(*speaker.Speaker, context.Context) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSpeaker(cmd, title, func(ctx context.Context, spk *speaker.Speaker) error {
				if err := action(spk, ctx); err != nil {
					return err
				}
				printer.PrintSuccess(title)
				return nil
			})
		},
	}
}

var (
	playPauseCmd = playbackCommand("play-pause", "Toggle play and pause", "Play/pause", (*speaker.Speaker).PlayPause)
	nextCmd      = playbackCommand("next", "Skip to the next track", "Next track", (*speaker.Speaker).NextTrack)
	prevCmd      = playbackCommand("prev", "Go back to the previous track", "Previous track", (*speaker.Speaker).PreviousTrack)
)

var standbyCmd = &cobra.Command{
	Use:       "standby [never|20m|60m]",
	Short:     "Show or set the auto-standby timer",
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{"never", "20m", "60m"},
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			return withSpeaker(cmd, "Standby timer", func(ctx context.Context, spk *speaker.Speaker) error {
				return showReading("Standby timer", "Standby", spk.StandbyTimer(ctx), protocol.StandbyTimer.String)
			})
		}
		return withSpeaker(cmd, "Set standby timer", func(ctx context.Context, spk *speaker.Speaker) error {
			t, err := protocol.ParseStandbyTimer(args[0])
			if err != nil {
				return deviceerr.NewValidationError(err.Error())
			}
			if err := spk.SetStandbyTimer(ctx, t); err != nil {
				return err
			}
			printer.PrintSuccess("Standby timer set", ui.Detail{Key: "Standby", Value: t.String()})
			return nil
		})
	},
}

var invertCmd = &cobra.Command{
	Use:   "invert [on|off]",
	Short: "Show or set left/right channel inversion",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			return withSpeaker(cmd, "Channel inversion", func(ctx context.Context, spk *speaker.Speaker) error {
				return showReading("Channel inversion", "Inverted", spk.ChannelsInverted(ctx), onOff)
			})
		}
		return withSpeaker(cmd, "Set channel inversion", func(ctx context.Context, spk *speaker.Speaker) error {
			inverted, err := parseSwitch(args[0])
			if err != nil {
				return err
			}
			if err := spk.SetChannelsInverted(ctx, inverted); err != nil {
				return err
			}
			printer.PrintSuccess("Channel inversion set", ui.Detail{Key: "Inverted", Value: onOff(inverted)})
			return nil
		})
	},
}
