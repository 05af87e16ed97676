package app

import (
	"context"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/voice-panel/panel/internal/session"
	"github.com/voice-panel/panel/internal/theme"
	"github.com/voice-panel/panel/internal/views/activity"
	"github.com/voice-panel/panel/internal/views/help"
	"github.com/voice-panel/panel/internal/views/status"
)

const toggleTimeout = 5 * time.Second

// Controller is the part of the session controller the panel drives.
type Controller interface {
	Toggle(ctx context.Context) (bool, error)
	Subscribe() (<-chan session.Snapshot, func())
}

// Overlay identifies which modal is active.
type Overlay int

const (
	OverlayNone Overlay = iota
	OverlayHelp
)

// SnapshotMsg carries a controller snapshot.
type SnapshotMsg struct {
	Snapshot session.Snapshot
}

// ClosedMsg reports that the controller stopped publishing.
type ClosedMsg struct{}

// ToggledMsg carries the outcome of a toggle request.
type ToggledMsg struct {
	Accepted bool
	Err      error
}

// Model is the root Bubble Tea model.
type Model struct {
	ctrl        Controller
	ctx         context.Context
	cancel      context.CancelFunc
	updates     <-chan session.Snapshot
	unsubscribe func()

	keys   KeyMap
	width  int
	height int

	overlay Overlay
	notice  string

	// Sub-views.
	statusPanel status.Model
	log         activity.Model
}

// New creates the root model and subscribes to ctrl.
func New(ctrl Controller) Model {
	ctx, cancel := context.WithCancel(context.Background())
	updates, unsubscribe := ctrl.Subscribe()
	return Model{
		ctrl:        ctrl,
		ctx:         ctx,
		cancel:      cancel,
		updates:     updates,
		unsubscribe: unsubscribe,
		keys:        DefaultKeyMap(),
		statusPanel: status.New(),
		log:         activity.New(),
	}
}

// Init waits for the first snapshot.
func (m Model) Init() tea.Cmd {
	return waitForSnapshot(m.updates)
}

func waitForSnapshot(ch <-chan session.Snapshot) tea.Cmd {
	return func() tea.Msg {
		s, ok := <-ch
		if !ok {
			return ClosedMsg{}
		}
		return SnapshotMsg{Snapshot: s}
	}
}

func (m Model) toggle() tea.Cmd {
	ctrl, parent := m.ctrl, m.ctx
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(parent, toggleTimeout)
		defer cancel()
		ok, err := ctrl.Toggle(ctx)
		return ToggledMsg{Accepted: ok, Err: err}
	}
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.statusPanel.Width = msg.Width
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case SnapshotMsg:
		s := msg.Snapshot
		m.statusPanel.Apply(s)
		m.log.SetEntries(s.Log)
		if s.State == session.Standby || s.State.IsLive() {
			m.notice = ""
		}
		return m, waitForSnapshot(m.updates)

	case ToggledMsg:
		switch {
		case msg.Err != nil:
			m.notice = "toggle failed: " + msg.Err.Error()
		case !msg.Accepted:
			m.notice = "busy, try again in a moment"
		default:
			m.notice = ""
		}
		return m, nil

	case ClosedMsg:
		m.cancel()
		return m, tea.Quit
	}

	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if key.Matches(msg, m.keys.Quit) {
		m.cancel()
		m.unsubscribe()
		return m, tea.Quit
	}

	if m.overlay != OverlayNone {
		if key.Matches(msg, m.keys.Escape, m.keys.Help) {
			m.overlay = OverlayNone
		}
		return m, nil
	}

	switch {
	case key.Matches(msg, m.keys.Toggle):
		return m, m.toggle()

	case key.Matches(msg, m.keys.Down):
		m.log.ScrollDown(1)
		return m, nil

	case key.Matches(msg, m.keys.Up):
		m.log.ScrollUp(1)
		return m, nil

	case key.Matches(msg, m.keys.Help):
		m.overlay = OverlayHelp
		return m, nil
	}

	return m, nil
}

// View renders the full panel.
func (m Model) View() string {
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	if m.overlay == OverlayHelp {
		return help.Render(m.keys.Bindings(), m.width)
	}

	top := m.statusPanel.View()

	footer := theme.StyleDimmed.Render("  space:toggle  j/k:scroll  ?:help  q:quit")
	if m.notice != "" {
		footer += "  " + lipgloss.NewStyle().Foreground(theme.ColorWarning).Render(m.notice)
	}

	logHeight := m.height - lipgloss.Height(top) - lipgloss.Height(footer)
	return lipgloss.JoinVertical(lipgloss.Left,
		top,
		m.log.View(m.width, logHeight),
		footer,
	)
}
