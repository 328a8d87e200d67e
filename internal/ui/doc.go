// Package ui provides terminal output for the kefctl CLI.
//
// Commands print through a Printer, which renders in one of three modes:
//
//   - styled: lipgloss boxes for interactive terminals
//   - plain: "key: value" lines, used when stdout is not a terminal
//   - json: one JSON document per result, for scripts
//
// # Components
//
//   - Header: banner for long-running commands (serve, simulate)
//   - Result: success, warning and failure boxes; failures carry the
//     command outcome and troubleshooting tips from deviceerr
//   - Status: the cached speaker state, with stale and unknown values
//     marked and a volume bar
//   - Confirm: yes/no prompt guarding `kefctl off`
//   - DashboardModel: the Bubble Tea view behind `kefctl watch`
//
// The dashboard never talks to the network from Update or View. Key presses
// become tea.Cmds that call the speaker facade, and cache change
// notifications trigger a redraw from speaker.Current.
//
// # Usage Example
//
//	mode, _ := ui.ParseMode("auto", os.Stdout)
//	p := ui.NewPrinter(os.Stdout, mode)
//	if err := spk.SetVolume(ctx, 0.4); err != nil {
//	    p.PrintError("Set volume", err)
//	    return err
//	}
//	p.PrintSuccess("Volume set", ui.Detail{Key: "Volume", Value: "40%"})
package ui
