package status

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/voice-panel/panel/internal/session"
	"github.com/voice-panel/panel/internal/theme"
)

// Model holds the status panel state.
type Model struct {
	State     session.State
	Status    session.Status
	SessionID string
	Width     int
}

// New creates a status panel in standby.
func New() Model {
	return Model{}
}

// Apply copies the fields the panel renders from a snapshot.
func (m *Model) Apply(s session.Snapshot) {
	m.State = s.State
	m.Status = s.Status
	m.SessionID = s.SessionID
}

// Chip is the mode label shown above the microphone.
func (m Model) Chip() string {
	if m.Status.Connected {
		return "LIVE SESSION"
	}
	return "STANDBY MODE"
}

// Headline is the primary line of text under the microphone.
func (m Model) Headline() string {
	switch {
	case m.Status.Speaking:
		return "Agent Speaking…"
	case m.Status.Listening:
		return "Listening…"
	default:
		return "AI Voice Assistant"
	}
}

// Hint is the secondary line of text.
func (m Model) Hint() string {
	switch {
	case m.Status.Loading:
		return "Connecting…"
	case m.State == session.Ending:
		return "Ending session…"
	case m.Status.Connected:
		return "Natural conversation enabled"
	default:
		return "Press space to begin"
	}
}

// Mic is the microphone glyph for the current state.
func (m Model) Mic() string {
	switch {
	case m.Status.Loading:
		return "⏳"
	case m.Status.Connected:
		return "🎙️"
	default:
		return "🎤"
	}
}

// View renders the status rows and the central microphone block.
func (m Model) View() string {
	width := m.Width
	if width < 40 {
		width = 40
	}

	color := theme.StateColor(m.State.String())
	chip := theme.StyleChip.
		Foreground(color).
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(color).
		Render(m.Chip())

	row := func(label, value string) string {
		return fmt.Sprintf("%-12s %s", theme.StyleDimmed.Render(label), value)
	}
	rows := []string{
		row("Connection", theme.Flag(m.Status.Connected)),
		row("Microphone", theme.Flag(m.Status.Listening)),
		row("Agent", theme.Flag(m.Status.Speaking)),
		row("State", lipgloss.NewStyle().Foreground(color).Render(theme.StateGlyph(m.State.String())+" "+m.State.String())),
	}
	if m.SessionID != "" {
		rows = append(rows, row("Session", theme.StyleDimmed.Render(m.SessionID)))
	}

	center := lipgloss.JoinVertical(lipgloss.Center,
		chip,
		"",
		m.Mic(),
		"",
		theme.StyleHeader.Render(m.Headline()),
		theme.StyleDimmed.Render(m.Hint()),
	)

	body := lipgloss.JoinVertical(lipgloss.Left,
		lipgloss.JoinVertical(lipgloss.Left, rows...),
		"",
		lipgloss.PlaceHorizontal(width-6, lipgloss.Center, center),
	)

	return lipgloss.NewStyle().
		Width(width-2).
		Padding(0, 1).
		BorderStyle(lipgloss.DoubleBorder()).
		BorderForeground(theme.ColorBorder).
		Render(body)
}
