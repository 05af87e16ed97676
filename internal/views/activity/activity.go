// Package activity renders the session activity log as a scrollable panel.
package activity

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/voice-panel/panel/internal/session"
	"github.com/voice-panel/panel/internal/theme"
)

// Model holds the log panel state. Entries are newest first.
type Model struct {
	Entries []session.LogEntry
	Offset  int // lines scrolled down from the newest entry
}

// New creates an empty log panel.
func New() Model {
	return Model{}
}

// SetEntries replaces the entries. The scroll position is kept on the same
// entry when new ones arrive on top.
func (m *Model) SetEntries(entries []session.LogEntry) {
	if m.Offset > 0 {
		m.Offset += len(entries) - len(m.Entries)
	}
	m.Entries = entries
	m.clamp()
}

// ScrollDown moves towards older entries.
func (m *Model) ScrollDown(n int) {
	m.Offset += n
	m.clamp()
}

// ScrollUp moves towards newer entries.
func (m *Model) ScrollUp(n int) {
	m.Offset -= n
	m.clamp()
}

func (m *Model) clamp() {
	max := len(m.Entries) - 1
	if max < 0 {
		max = 0
	}
	if m.Offset > max {
		m.Offset = max
	}
	if m.Offset < 0 {
		m.Offset = 0
	}
}

func panelStyle(width int) lipgloss.Style {
	return lipgloss.NewStyle().
		Width(width).
		Padding(0, 1).
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(theme.ColorBorder)
}

// View renders at most height lines of the panel.
func (m Model) View(width, height int) string {
	innerW := width - 4
	if innerW < 20 {
		innerW = 20
	}
	visibleLines := height - 4
	if visibleLines < 3 {
		visibleLines = 3
	}

	title := theme.StyleHeader.Render("SESSION LOG")

	if len(m.Entries) == 0 {
		body := theme.StyleDimmed.Render("No activity yet…")
		return panelStyle(innerW).Render(lipgloss.JoinVertical(lipgloss.Left, title, body))
	}

	start := m.Offset
	end := start + visibleLines
	if end > len(m.Entries) {
		end = len(m.Entries)
	}

	var lines []string
	for _, e := range m.Entries[start:end] {
		ts := theme.StyleDimmed.Render("[" + e.Time.Format("15:04:05") + "]")
		msg := e.Message
		if len(msg) > innerW-12 && innerW > 15 {
			msg = msg[:innerW-15] + "..."
		}
		lines = append(lines, ts+" "+lipgloss.NewStyle().Foreground(messageColor(e.Message)).Render(msg))
	}

	footer := theme.StyleDimmed.Render(fmt.Sprintf("%d entries", len(m.Entries)))
	if m.Offset > 0 {
		footer = theme.StyleDimmed.Render(fmt.Sprintf("↑ %d newer  ", m.Offset)) + footer
	}

	content := lipgloss.JoinVertical(lipgloss.Left, title, strings.Join(lines, "\n"), footer)
	return panelStyle(innerW).Render(content)
}

func messageColor(msg string) lipgloss.Color {
	switch msg {
	case session.MsgConnectionFailed, session.MsgMicUnavailable:
		return theme.ColorDanger
	case session.MsgConnected:
		return theme.ColorHealthy
	case session.MsgAgentSpeaking:
		return theme.ColorSpeaking
	case session.MsgDisconnected:
		return theme.ColorWarning
	default:
		return theme.ColorBright
	}
}
