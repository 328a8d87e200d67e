package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/lipgloss"

	"github.com/kefctl/kefctl/internal/protocol"
	"github.com/kefctl/kefctl/internal/speaker"
)

// FormatVolume renders a volume in [0,1] as a percentage
func FormatVolume(v float64) string {
	return fmt.Sprintf("%.0f%%", v*100)
}

// FormatAge renders how long ago a value was read, rounded for display
func FormatAge(d time.Duration) string {
	switch {
	case d < time.Second:
		return "just now"
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d/time.Second))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d/time.Minute))
	default:
		return fmt.Sprintf("%dh ago", int(d/time.Hour))
	}
}

// FormatDSPMode renders the dsp_mode flags as a compact list
func FormatDSPMode(m protocol.DSPMode) string {
	var parts []string
	if m.DeskMode {
		parts = append(parts, "desk")
	}
	if m.WallMode {
		parts = append(parts, "wall")
	}
	if m.PhaseCorrection {
		parts = append(parts, "phase")
	}
	if m.HighPass {
		parts = append(parts, "high-pass")
	}
	parts = append(parts, "bass "+m.BassExtension.String())
	if m.SubPolarityInverted {
		parts = append(parts, "sub inverted")
	}
	return strings.Join(parts, ", ")
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

// cell is a formatted reading plus how it should be styled
type cell struct {
	text  string
	known bool
	stale bool
}

func formatReading[T any](r speaker.Reading[T], format func(T) string) cell {
	if !r.Known {
		return cell{text: "unknown"}
	}
	c := cell{text: format(r.Value), known: true, stale: r.Stale}
	if r.Stale {
		c.text += " (stale, " + FormatAge(r.Age) + ")"
	}
	return c
}

func (c cell) styled() string {
	switch {
	case !c.known:
		return UnknownValueStyle.Render(c.text)
	case c.stale:
		return StaleValueStyle.Render(c.text)
	default:
		return ResultValueStyle.Render(c.text)
	}
}

type statusRow struct {
	key  string
	cell cell
}

func statusRows(st speaker.Status) []statusRow {
	return []statusRow{
		{"Power", formatReading(st.On, onOff)},
		{"Volume", formatReading(st.Volume, FormatVolume)},
		{"Muted", formatReading(st.Muted, yesNo)},
		{"Source", formatReading(st.Source, protocol.Source.String)},
		{"Standby", formatReading(st.StandbyTimer, protocol.StandbyTimer.String)},
		{"Channels inverted", formatReading(st.Inverted, yesNo)},
		{"DSP", formatReading(st.DSPMode, FormatDSPMode)},
	}
}

// StatusDetails flattens a status into ordered plain details
func StatusDetails(st speaker.Status) []Detail {
	details := []Detail{
		{Key: "Speaker", Value: st.Name},
		{Key: "Address", Value: st.Address},
		{Key: "Reachability", Value: st.Reachability},
	}
	for _, row := range statusRows(st) {
		details = append(details, Detail{Key: row.key, Value: row.cell.text})
	}
	return details
}

// VolumeBar renders the volume as a bar; the fill turns gray while muted
func VolumeBar(v float64, muted bool, width int) string {
	fill := string(SuccessColor)
	if muted {
		fill = string(MutedColor)
	}
	bar := progress.New(
		progress.WithSolidFill(fill),
		progress.WithWidth(width),
		progress.WithoutPercentage(),
	)
	return bar.ViewAs(v)
}

// RenderStatus renders a status box for the terminal
func RenderStatus(st speaker.Status, width int) string {
	width = clampWidth(width)

	title := HeaderTitleStyle.Render(strings.ToUpper(st.Name)) + "  " + ReachabilityBadge(st.Reachability)
	lines := []string{"", title, HeaderCommandStyle.Render(st.Address), ""}

	for _, row := range statusRows(st) {
		lines = append(lines, ResultKeyStyle.Render("   "+row.key+":")+" "+row.cell.styled())
	}
	if st.Volume.Known {
		barWidth := width - 30
		if barWidth < 10 {
			barWidth = 10
		}
		muted := st.Muted.Known && st.Muted.Value
		lines = append(lines, "", "   "+VolumeBar(st.Volume.Value, muted, barWidth))
	}
	lines = append(lines, "")

	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(PrimaryColor).
		Width(width - 2).
		Padding(0, 1).
		Render(strings.Join(lines, "\n"))
}

// FieldView is one status value in JSON output
type FieldView struct {
	Value      any     `json:"value"`
	Known      bool    `json:"known"`
	Stale      bool    `json:"stale,omitempty"`
	AgeSeconds float64 `json:"age_seconds,omitempty"`
}

// StatusView is the JSON form of a speaker status
type StatusView struct {
	Name          string    `json:"name"`
	Address       string    `json:"address"`
	Reachability  string    `json:"reachability"`
	Online        bool      `json:"online"`
	On            FieldView `json:"on"`
	Volume        FieldView `json:"volume"`
	Muted         FieldView `json:"muted"`
	Source        FieldView `json:"source"`
	StandbyTimer  FieldView `json:"standby_timer"`
	Inverted      FieldView `json:"inverted"`
	DSPMode       FieldView `json:"dsp_mode"`
	PreMuteVolume float64   `json:"pre_mute_volume"`
}

func fieldView[T any](r speaker.Reading[T], convert func(T) any) FieldView {
	if !r.Known {
		return FieldView{}
	}
	return FieldView{
		Value:      convert(r.Value),
		Known:      true,
		Stale:      r.Stale,
		AgeSeconds: r.Age.Seconds(),
	}
}

func identity[T any](v T) any { return v }

func stringer[T fmt.Stringer](v T) any { return v.String() }

// DSPModeView is the JSON form of the dsp_mode flags
func DSPModeView(m protocol.DSPMode) map[string]any {
	return map[string]any{
		"desk_mode":             m.DeskMode,
		"wall_mode":             m.WallMode,
		"phase_correction":      m.PhaseCorrection,
		"high_pass":             m.HighPass,
		"bass_extension":        m.BassExtension.String(),
		"sub_polarity_inverted": m.SubPolarityInverted,
	}
}

// NewStatusView converts a status for JSON output
func NewStatusView(st speaker.Status) StatusView {
	return StatusView{
		Name:          st.Name,
		Address:       st.Address,
		Reachability:  st.Reachability,
		Online:        st.Online,
		On:            fieldView(st.On, identity[bool]),
		Volume:        fieldView(st.Volume, identity[float64]),
		Muted:         fieldView(st.Muted, identity[bool]),
		Source:        fieldView(st.Source, stringer[protocol.Source]),
		StandbyTimer:  fieldView(st.StandbyTimer, stringer[protocol.StandbyTimer]),
		Inverted:      fieldView(st.Inverted, identity[bool]),
		DSPMode:       fieldView(st.DSPMode, func(m protocol.DSPMode) any { return DSPModeView(m) }),
		PreMuteVolume: st.PreMute,
	}
}
