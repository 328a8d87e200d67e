package ui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Header is the banner printed by long-running commands (serve, simulate,
// watch in plain mode) before they start.
type Header struct {
	Title   string   // e.g., "STATE BRIDGE"
	Command string   // e.g., "kefctl serve"
	Params  []Detail // e.g., Speaker, Listen
	Width   int
}

// NewHeader creates a new header with the given values
func NewHeader(title, command string, params ...Detail) *Header {
	return &Header{
		Title:   title,
		Command: command,
		Params:  params,
		Width:   GetTerminalWidth(),
	}
}

// SetWidth sets the terminal width for responsive rendering
func (h *Header) SetWidth(width int) *Header {
	h.Width = width
	return h
}

// Render returns the styled header as a string
func (h *Header) Render() string {
	width := clampWidth(h.Width)

	titleLine := HeaderTitleStyle.Render(strings.ToUpper(h.Title))
	commandLine := HeaderCommandStyle.Render(h.Command)
	content := lipgloss.JoinVertical(lipgloss.Left, titleLine, commandLine)

	if len(h.Params) > 0 {
		dividerWidth := width - 6
		if dividerWidth < 10 {
			dividerWidth = 10
		}
		paramLines := make([]string, 0, len(h.Params))
		for _, p := range h.Params {
			paramLines = append(paramLines,
				HeaderParamKeyStyle.Render(p.Key+":")+" "+HeaderParamValueStyle.Render(p.Value))
		}
		content = lipgloss.JoinVertical(lipgloss.Left,
			content,
			RenderHorizontalDivider(dividerWidth, "─"),
			strings.Join(paramLines, "\n"))
	}

	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(PrimaryColor).
		Width(width - 2).
		Render(content)
}

// Plain renders the header without styling
func (h *Header) Plain() string {
	var b strings.Builder
	b.WriteString(h.Title)
	b.WriteString(" (" + h.Command + ")\n")
	for _, p := range h.Params {
		b.WriteString(strings.ToLower(p.Key) + ": " + p.Value + "\n")
	}
	return b.String()
}

// String implements fmt.Stringer
func (h *Header) String() string {
	return h.Render()
}
