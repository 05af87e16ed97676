// Package help renders the key binding overlay.
package help

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/voice-panel/panel/internal/theme"
)

// Markdown builds the help document for bindings.
func Markdown(bindings []key.Binding) string {
	var b strings.Builder
	b.WriteString("# Voice panel\n\n")
	b.WriteString("Press the toggle key to start a voice session, and again to end it. ")
	b.WriteString("Toggles are ignored while a session is connecting or closing.\n\n")
	b.WriteString("| Key | Action |\n|---|---|\n")
	for _, kb := range bindings {
		h := kb.Help()
		if h.Key == "" {
			continue
		}
		fmt.Fprintf(&b, "| `%s` | %s |\n", h.Key, h.Desc)
	}
	return b.String()
}

// Render returns the help overlay at width. If the markdown renderer fails
// the raw document is shown.
func Render(bindings []key.Binding, width int) string {
	if width < 40 {
		width = 40
	}
	doc := Markdown(bindings)

	out := doc
	r, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle("dark"),
		glamour.WithWordWrap(width-8),
	)
	if err == nil {
		if rendered, err := r.Render(doc); err == nil {
			out = rendered
		}
	}

	return lipgloss.NewStyle().
		Width(width-4).
		Padding(0, 1).
		BorderStyle(lipgloss.DoubleBorder()).
		BorderForeground(theme.ColorBorder).
		Render(strings.TrimRight(out, "\n") + "\n\n" + theme.StyleDimmed.Render("esc:close"))
}
