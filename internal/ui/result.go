package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/kefctl/kefctl/internal/deviceerr"
)

// ResultType indicates success or failure
type ResultType int

const (
	ResultSuccess ResultType = iota
	ResultFailure
	ResultWarning
)

func (t ResultType) String() string {
	switch t {
	case ResultSuccess:
		return "success"
	case ResultFailure:
		return "failure"
	case ResultWarning:
		return "warning"
	default:
		return fmt.Sprintf("ResultType(%d)", int(t))
	}
}

// Detail is one key/value line of a result box. Details keep their order.
type Detail struct {
	Key   string
	Value string
}

// Result represents a result box (success, failure, or warning)
type Result struct {
	Type            ResultType
	Title           string   // e.g., "Volume set"
	Details         []Detail // Key-value details in display order
	Error           error    // Error (for failure results)
	Troubleshooting []string // Troubleshooting tips (for failure results)
	Width           int      // Terminal width
}

// NewSuccessResult creates a success result box
func NewSuccessResult(title string, details ...Detail) *Result {
	return &Result{
		Type:    ResultSuccess,
		Title:   title,
		Details: details,
		Width:   GetTerminalWidth(),
	}
}

// NewFailureResult creates a failure result box. Speaker errors contribute
// their command outcome as a detail and their troubleshooting hint as tips.
func NewFailureResult(title string, err error) *Result {
	r := &Result{
		Type:  ResultFailure,
		Title: title,
		Error: err,
		Width: GetTerminalWidth(),
	}
	if _, ok := deviceerr.As(err); ok {
		if outcome := deviceerr.OutcomeOf(err); outcome != deviceerr.OutcomeNotApplied {
			r.AddDetail("Outcome", outcome.String())
		}
		r.Troubleshooting = hintLines(deviceerr.TroubleshootingHint(err))
	}
	return r
}

// NewWarningResult creates a warning result box
func NewWarningResult(title string, details ...Detail) *Result {
	return &Result{
		Type:    ResultWarning,
		Title:   title,
		Details: details,
		Width:   GetTerminalWidth(),
	}
}

// hintLines turns a multi-line hint into bullet texts, dropping the
// "Troubleshooting:" heading and the bullets the hint already carries.
func hintLines(hint string) []string {
	var tips []string
	for _, line := range strings.Split(hint, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimSpace(strings.TrimPrefix(line, "•"))
		if line == "" || line == "Troubleshooting:" {
			continue
		}
		tips = append(tips, line)
	}
	return tips
}

// SetWidth sets the terminal width for responsive rendering
func (r *Result) SetWidth(width int) *Result {
	r.Width = width
	return r
}

// AddDetail appends a detail key-value pair
func (r *Result) AddDetail(key, value string) *Result {
	r.Details = append(r.Details, Detail{Key: key, Value: value})
	return r
}

// Render returns the styled result box as a string
func (r *Result) Render() string {
	switch r.Type {
	case ResultFailure:
		return r.renderFailure()
	case ResultWarning:
		return r.renderBox(WarningTitleStyle, WarningColor, WarningMarker+"  WARNING")
	default:
		return r.renderBox(SuccessTitleStyle, SuccessColor, SuccessMarker+"  SUCCESS")
	}
}

func (r *Result) renderBox(titleStyle lipgloss.Style, border lipgloss.Color, label string) string {
	var lines []string
	lines = append(lines, "")
	lines = append(lines, titleStyle.Render(fmt.Sprintf("   %s  ─  %s", label, r.Title)))
	lines = append(lines, "")
	lines = append(lines, renderDetails(r.Details)...)
	lines = append(lines, "")

	return lipgloss.NewStyle().
		Border(lipgloss.DoubleBorder()).
		BorderForeground(border).
		Width(clampWidth(r.Width) - 2).
		Padding(0, 2).
		Render(strings.Join(lines, "\n"))
}

func renderDetails(details []Detail) []string {
	lines := make([]string, 0, len(details))
	for _, d := range details {
		keyStyled := ResultKeyStyle.Render(fmt.Sprintf("   %s:", d.Key))
		lines = append(lines, keyStyled+" "+ResultValueStyle.Render(d.Value))
	}
	return lines
}

func (r *Result) renderFailure() string {
	width := clampWidth(r.Width)

	var lines []string
	lines = append(lines, "")
	lines = append(lines, ErrorTitleStyle.Render(fmt.Sprintf("   %s  FAILED  ─  %s", FailureMarker, r.Title)))
	lines = append(lines, "")

	if r.Error != nil {
		lines = append(lines, ErrorMessageStyle.Render("   Error: "+r.Error.Error()))
		lines = append(lines, "")
	}
	if len(r.Details) > 0 {
		lines = append(lines, renderDetails(r.Details)...)
		lines = append(lines, "")
	}
	if len(r.Troubleshooting) > 0 {
		lines = append(lines, r.renderTroubleshootingBox(width))
		lines = append(lines, "")
	}

	return lipgloss.NewStyle().
		Border(lipgloss.DoubleBorder()).
		BorderForeground(ErrorColor).
		Width(width - 2).
		Padding(0, 2).
		Render(strings.Join(lines, "\n"))
}

func (r *Result) renderTroubleshootingBox(width int) string {
	var lines []string
	lines = append(lines, TroubleshootingTitleStyle.Render("Troubleshooting:"))
	lines = append(lines, "")
	for _, tip := range r.Troubleshooting {
		lines = append(lines, TroubleshootingItemStyle.Render("  • "+tip))
	}

	innerWidth := width - 12
	if innerWidth < 40 {
		innerWidth = 40
	}

	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(MutedColor).
		Width(innerWidth).
		Padding(0, 1).
		MarginLeft(3).
		Render(strings.Join(lines, "\n"))
}

// Plain renders the result without styling, one "key: value" per line
func (r *Result) Plain() string {
	var b strings.Builder
	switch r.Type {
	case ResultFailure:
		fmt.Fprintf(&b, "error: %s", r.Title)
		if r.Error != nil {
			fmt.Fprintf(&b, ": %v", r.Error)
		}
	case ResultWarning:
		fmt.Fprintf(&b, "warning: %s", r.Title)
	default:
		b.WriteString(r.Title)
	}
	b.WriteString("\n")
	for _, d := range r.Details {
		fmt.Fprintf(&b, "%s: %s\n", strings.ToLower(d.Key), d.Value)
	}
	for _, tip := range r.Troubleshooting {
		fmt.Fprintf(&b, "hint: %s\n", tip)
	}
	return b.String()
}

// String implements fmt.Stringer
func (r *Result) String() string {
	return r.Render()
}
