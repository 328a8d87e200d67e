package ui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kefctl/kefctl/internal/cache"
	"github.com/kefctl/kefctl/internal/deviceerr"
	"github.com/kefctl/kefctl/internal/protocol"
	"github.com/kefctl/kefctl/internal/speaker"
)

// Controller is the part of the speaker facade the dashboard drives
type Controller interface {
	Current() speaker.Status
	Subscribe(buffer int) (<-chan cache.Change, func())
	Refresh(ctx context.Context) error
	VolumeUp(ctx context.Context) error
	VolumeDown(ctx context.Context) error
	SetMuted(ctx context.Context, muted bool) error
	SetSource(ctx context.Context, src protocol.Source) error
	PlayPause(ctx context.Context) error
	NextTrack(ctx context.Context) error
	PreviousTrack(ctx context.Context) error
}

// Message types for async operations
type (
	changeMsg      cache.Change
	changesDoneMsg struct{}
	tickMsg        time.Time
	actionDoneMsg  struct {
		label string
		err   error
	}
)

// dashboardKeyMap defines key bindings for the watch dashboard
type dashboardKeyMap struct {
	VolumeUp   key.Binding
	VolumeDown key.Binding
	Mute       key.Binding
	Source     key.Binding
	PlayPause  key.Binding
	Next       key.Binding
	Previous   key.Binding
	Refresh    key.Binding
	Help       key.Binding
	Quit       key.Binding
}

// ShortHelp returns keybindings to be shown in the mini help view
func (k dashboardKeyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.VolumeUp, k.VolumeDown, k.Mute, k.Source, k.Help, k.Quit}
}

// FullHelp returns keybindings for the expanded help view
func (k dashboardKeyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.VolumeUp, k.VolumeDown, k.Mute, k.Source},
		{k.PlayPause, k.Next, k.Previous},
		{k.Refresh, k.Help, k.Quit},
	}
}

func newDashboardKeyMap() dashboardKeyMap {
	return dashboardKeyMap{
		VolumeUp: key.NewBinding(
			key.WithKeys("up", "+", "k"),
			key.WithHelp("↑/+", "volume up"),
		),
		VolumeDown: key.NewBinding(
			key.WithKeys("down", "-", "j"),
			key.WithHelp("↓/-", "volume down"),
		),
		Mute: key.NewBinding(
			key.WithKeys("m"),
			key.WithHelp("m", "mute"),
		),
		Source: key.NewBinding(
			key.WithKeys("s", "tab"),
			key.WithHelp("s", "next source"),
		),
		PlayPause: key.NewBinding(
			key.WithKeys("p", " "),
			key.WithHelp("p", "play/pause"),
		),
		Next: key.NewBinding(
			key.WithKeys("n", "right"),
			key.WithHelp("n/→", "next track"),
		),
		Previous: key.NewBinding(
			key.WithKeys("b", "left"),
			key.WithHelp("b/←", "previous track"),
		),
		Refresh: key.NewBinding(
			key.WithKeys("r"),
			key.WithHelp("r", "refresh"),
		),
		Help: key.NewBinding(
			key.WithKeys("?"),
			key.WithHelp("?", "help"),
		),
		Quit: key.NewBinding(
			key.WithKeys("q", "esc", "ctrl+c"),
			key.WithHelp("q", "quit"),
		),
	}
}

// DashboardModel is the live view behind `kefctl watch`. It redraws from
// the speaker cache whenever a change is published and runs speaker
// commands as tea.Cmds so the view never blocks on the network.
type DashboardModel struct {
	ctl     Controller
	changes <-chan cache.Change
	timeout time.Duration

	Status     speaker.Status
	LastAction string
	LastErr    error
	Pending    int // commands in flight

	Width  int
	Height int

	Keys dashboardKeyMap
	Help help.Model
}

// NewDashboardModel creates a dashboard for ctl fed by changes.
// Commands are bounded by timeout.
func NewDashboardModel(ctl Controller, changes <-chan cache.Change, timeout time.Duration) DashboardModel {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	width, height := GetTerminalSize()
	return DashboardModel{
		ctl:     ctl,
		changes: changes,
		timeout: timeout,
		Status:  ctl.Current(),
		Width:   width,
		Height:  height,
		Keys:    newDashboardKeyMap(),
		Help:    help.New(),
	}
}

// RunDashboard subscribes to ctl and runs the dashboard until the user
// quits or ctx is cancelled.
func RunDashboard(ctx context.Context, ctl Controller, timeout time.Duration) error {
	changes, unsubscribe := ctl.Subscribe(64)
	defer unsubscribe()

	p := tea.NewProgram(
		NewDashboardModel(ctl, changes, timeout),
		tea.WithAltScreen(),
		tea.WithContext(ctx),
	)
	_, err := p.Run()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func waitForChange(changes <-chan cache.Change) tea.Cmd {
	if changes == nil {
		return nil
	}
	return func() tea.Msg {
		ch, ok := <-changes
		if !ok {
			return changesDoneMsg{}
		}
		return changeMsg(ch)
	}
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// run executes fn off the UI goroutine
func (m DashboardModel) run(label string, fn func(context.Context) error) tea.Cmd {
	timeout := m.timeout
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return actionDoneMsg{label: label, err: fn(ctx)}
	}
}

// Init implements tea.Model
func (m DashboardModel) Init() tea.Cmd {
	return tea.Batch(
		waitForChange(m.changes),
		tick(),
		m.run("refresh", m.ctl.Refresh),
	)
}

// Update implements tea.Model
func (m DashboardModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.Width = msg.Width
		m.Height = msg.Height
		m.Help.Width = msg.Width
		return m, nil

	case changeMsg:
		m.Status = m.ctl.Current()
		return m, waitForChange(m.changes)

	case changesDoneMsg:
		m.changes = nil
		return m, nil

	case tickMsg:
		m.Status = m.ctl.Current()
		return m, tick()

	case actionDoneMsg:
		if m.Pending > 0 {
			m.Pending--
		}
		m.LastAction = msg.label
		m.LastErr = msg.err
		m.Status = m.ctl.Current()
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m DashboardModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	var label string
	var fn func(context.Context) error

	switch {
	case key.Matches(msg, m.Keys.Quit):
		return m, tea.Quit
	case key.Matches(msg, m.Keys.Help):
		m.Help.ShowAll = !m.Help.ShowAll
		return m, nil
	case key.Matches(msg, m.Keys.VolumeUp):
		label, fn = "volume up", m.ctl.VolumeUp
	case key.Matches(msg, m.Keys.VolumeDown):
		label, fn = "volume down", m.ctl.VolumeDown
	case key.Matches(msg, m.Keys.Mute):
		muted := m.Status.Muted.Known && m.Status.Muted.Value
		label = "mute"
		if muted {
			label = "unmute"
		}
		fn = func(ctx context.Context) error { return m.ctl.SetMuted(ctx, !muted) }
	case key.Matches(msg, m.Keys.Source):
		next := NextSource(m.Status.Source)
		label = "source " + next.String()
		fn = func(ctx context.Context) error { return m.ctl.SetSource(ctx, next) }
	case key.Matches(msg, m.Keys.PlayPause):
		label, fn = "play/pause", m.ctl.PlayPause
	case key.Matches(msg, m.Keys.Next):
		label, fn = "next track", m.ctl.NextTrack
	case key.Matches(msg, m.Keys.Previous):
		label, fn = "previous track", m.ctl.PreviousTrack
	case key.Matches(msg, m.Keys.Refresh):
		label, fn = "refresh", m.ctl.Refresh
	default:
		return m, nil
	}

	m.Pending++
	return m, m.run(label, fn)
}

// NextSource returns the source after the current one in the cycle
// order, or the first source when the current one is unknown.
func NextSource(current speaker.Reading[protocol.Source]) protocol.Source {
	sources := protocol.Sources()
	if !current.Known {
		return sources[0]
	}
	for i, s := range sources {
		if s == current.Value {
			return sources[(i+1)%len(sources)]
		}
	}
	return sources[0]
}

// View implements tea.Model
func (m DashboardModel) View() string {
	st := m.Status
	width := clampWidth(m.Width)

	header := lipgloss.JoinHorizontal(lipgloss.Top,
		HeaderTitleStyle.Render(strings.ToUpper(st.Name)),
		"  ",
		ReachabilityBadge(st.Reachability),
	)
	address := HeaderCommandStyle.Render(st.Address)
	divider := "  " + RenderHorizontalDivider(width-6, "─")

	var rows []string
	for _, row := range statusRows(st) {
		rows = append(rows, ResultKeyStyle.Render("  "+row.key)+" "+row.cell.styled())
	}
	if st.Volume.Known {
		muted := st.Muted.Known && st.Muted.Value
		rows = append(rows, "", "  "+VolumeBar(st.Volume.Value, muted, width-10))
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		"",
		header,
		address,
		divider,
		strings.Join(rows, "\n"),
		"",
		m.statusLine(),
		"",
		"  "+m.Help.View(m.Keys),
	)
}

func (m DashboardModel) statusLine() string {
	switch {
	case m.Pending > 0:
		return ProbingBadgeStyle.Render(fmt.Sprintf("  %s working...", OnlineMarker))
	case m.LastErr != nil:
		return ErrorMessageStyle.Render(fmt.Sprintf("  %s %s: %s", FailureMarker, m.LastAction, deviceerr.ShortMessage(m.LastErr)))
	case m.LastAction != "":
		return SuccessTitleStyle.Render(fmt.Sprintf("  %s %s", SuccessMarker, m.LastAction))
	default:
		return ""
	}
}
