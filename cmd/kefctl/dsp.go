package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kefctl/kefctl/internal/deviceerr"
	"github.com/kefctl/kefctl/internal/protocol"
	"github.com/kefctl/kefctl/internal/speaker"
	"github.com/kefctl/kefctl/internal/ui"
)

func init() {
	rootCmd.AddCommand(dspCmd)
	dspCmd.AddCommand(dspListCmd, dspGetCmd, dspSetCmd)
}

func formatRaw(b byte) string {
	return fmt.Sprintf("0x%02x (%d)", b, b)
}

func accessString(a protocol.Access) string {
	switch {
	case a.CanRead() && a.CanWrite():
		return "read/write"
	case a.CanWrite():
		return "write"
	default:
		return "read"
	}
}

// parseRaw accepts decimal or 0x-prefixed hex in 0-255
func parseRaw(s string) (byte, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 0, 8)
	if err != nil {
		return 0, deviceerr.NewValidationError(fmt.Sprintf("invalid DSP value %q: use 0-255 or 0x00-0xff", s))
	}
	return byte(v), nil
}

var dspCmd = &cobra.Command{
	Use:   "dsp",
	Short: "Inspect and tune DSP parameters",
	Long: `Inspect and tune the speaker's DSP parameters.

Values are the raw bytes the firmware uses. Run 'kefctl dsp list' for the
parameters known to the configured firmware table.`,
	Example: `  kefctl dsp get
  kefctl dsp get treble_db
  kefctl dsp set treble_db 0x02`,
}

var dspListCmd = &cobra.Command{
	Use:   "list",
	Short: "List DSP parameters for the configured firmware",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		spk, err := openSpeaker()
		if err != nil {
			return report("DSP parameters", err)
		}
		defer func() { _ = spk.Close() }()

		table := spk.Table()
		details := []ui.Detail{{Key: "Firmware", Value: table.Firmware}}
		for _, p := range table.DSPParams() {
			details = append(details, ui.Detail{
				Key:   p.Name,
				Value: fmt.Sprintf("code 0x%02x, %s", p.Code, accessString(p.Access)),
			})
		}
		printer.PrintSuccess("DSP parameters", details...)
		return nil
	},
}

var dspGetCmd = &cobra.Command{
	Use:   "get [name]",
	Short: "Read one DSP parameter, or all of them",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			name := args[0]
			return withSpeaker(cmd, "DSP "+name, func(ctx context.Context, spk *speaker.Speaker) error {
				if name == "dsp_mode" {
					return showReading("DSP mode", "Mode", spk.DSPMode(ctx), ui.FormatDSPMode)
				}
				return showReading("DSP "+name, name, spk.DSP(ctx, name), formatRaw)
			})
		}
		return withSpeaker(cmd, "DSP", func(ctx context.Context, spk *speaker.Speaker) error {
			var details []ui.Detail
			var stale bool
			for _, p := range spk.Table().DSPParams() {
				if !p.Access.CanRead() {
					continue
				}
				var value string
				var known bool
				if p.Code == protocol.ParamDSPMode {
					r := spk.DSPMode(ctx)
					value, known, stale = ui.FormatDSPMode(r.Value), r.Known, stale || r.Stale
					if !known && r.Err != nil {
						return r.Err
					}
				} else {
					r := spk.DSP(ctx, p.Name)
					value, known, stale = formatRaw(r.Value), r.Known, stale || r.Stale
					if !known && r.Err != nil {
						return r.Err
					}
				}
				if !known {
					value = "unknown"
				}
				details = append(details, ui.Detail{Key: p.Name, Value: value})
			}
			if stale {
				printer.PrintWarning("DSP (cached)", details...)
				return nil
			}
			printer.PrintSuccess("DSP", details...)
			return nil
		})
	},
}

var dspSetCmd = &cobra.Command{
	Use:   "set <name> <value>",
	Short: "Write the raw byte of a DSP parameter",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		return withSpeaker(cmd, "Set DSP "+name, func(ctx context.Context, spk *speaker.Speaker) error {
			raw, err := parseRaw(args[1])
			if err != nil {
				return err
			}
			if err := spk.SetDSP(ctx, name, raw); err != nil {
				return err
			}
			printer.PrintSuccess("DSP "+name+" set", ui.Detail{Key: name, Value: formatRaw(raw)})
			return nil
		})
	},
}
