package ui

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/kefctl/kefctl/internal/speaker"
)

// Mode selects how a Printer renders
type Mode int

const (
	ModeStyled Mode = iota // lipgloss boxes
	ModePlain              // "key: value" lines
	ModeJSON               // one JSON document per result
)

func (m Mode) String() string {
	switch m {
	case ModeStyled:
		return "styled"
	case ModePlain:
		return "plain"
	case ModeJSON:
		return "json"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode resolves an output preference ("auto", "styled", "plain",
// "json") for w. Auto picks styled output on a terminal and plain output
// everywhere else.
func ParseMode(pref string, w io.Writer) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(pref)) {
	case "", "auto":
		if IsTerminal(w) {
			return ModeStyled, nil
		}
		return ModePlain, nil
	case "styled", "pretty":
		return ModeStyled, nil
	case "plain", "text":
		return ModePlain, nil
	case "json":
		return ModeJSON, nil
	default:
		return ModePlain, fmt.Errorf("unknown output mode %q (use auto, styled, plain or json)", pref)
	}
}

// Printer writes command results in the selected mode
type Printer struct {
	out   io.Writer
	width int
	mode  Mode
}

// NewPrinter creates a new Printer that writes to the given writer.
// If w is nil, os.Stdout is used.
func NewPrinter(w io.Writer, mode Mode) *Printer {
	if w == nil {
		w = os.Stdout
	}
	return &Printer{
		out:   w,
		width: GetTerminalWidth(),
		mode:  mode,
	}
}

// Width returns the current terminal width used by this printer
func (p *Printer) Width() int {
	return p.width
}

// Mode returns the output mode
func (p *Printer) Mode() Mode {
	return p.mode
}

// Print writes content to the output
func (p *Printer) Print(content string) {
	_, _ = fmt.Fprint(p.out, content)
}

// Println writes content with a newline
func (p *Printer) Println(content string) {
	_, _ = fmt.Fprintln(p.out, content)
}

// Newline prints an empty line
func (p *Printer) Newline() {
	_, _ = fmt.Fprintln(p.out)
}

// JSON writes v as indented JSON
func (p *Printer) JSON(v any) error {
	enc := json.NewEncoder(p.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func detailsMap(details []Detail) map[string]string {
	m := make(map[string]string, len(details))
	for _, d := range details {
		m[strings.ReplaceAll(strings.ToLower(d.Key), " ", "_")] = d.Value
	}
	return m
}

// PrintResult prints a result in the printer's mode
func (p *Printer) PrintResult(r *Result) {
	switch p.mode {
	case ModeJSON:
		doc := map[string]any{
			"result": r.Type.String(),
			"title":  r.Title,
		}
		if len(r.Details) > 0 {
			doc["details"] = detailsMap(r.Details)
		}
		if r.Error != nil {
			doc["error"] = r.Error.Error()
		}
		if len(r.Troubleshooting) > 0 {
			doc["hints"] = r.Troubleshooting
		}
		_ = p.JSON(doc)
	case ModePlain:
		p.Print(r.Plain())
	default:
		p.Println(r.SetWidth(p.width).Render())
	}
}

// PrintSuccess prints a success result
func (p *Printer) PrintSuccess(title string, details ...Detail) {
	p.PrintResult(NewSuccessResult(title, details...))
}

// PrintWarning prints a warning result
func (p *Printer) PrintWarning(title string, details ...Detail) {
	p.PrintResult(NewWarningResult(title, details...))
}

// PrintError prints a failure result with troubleshooting tips
func (p *Printer) PrintError(title string, err error) {
	p.PrintResult(NewFailureResult(title, err))
}

// PrintHeader prints a command header
func (p *Printer) PrintHeader(h *Header) {
	switch p.mode {
	case ModeJSON:
	case ModePlain:
		p.Print(h.Plain())
	default:
		p.Println(h.SetWidth(p.width).Render())
	}
}

// PrintStatus prints a speaker status
func (p *Printer) PrintStatus(st speaker.Status) {
	switch p.mode {
	case ModeJSON:
		_ = p.JSON(NewStatusView(st))
	case ModePlain:
		for _, d := range StatusDetails(st) {
			p.Println(strings.ToLower(d.Key) + ": " + d.Value)
		}
	default:
		p.Println(RenderStatus(st, p.width))
	}
}
