// Package theme provides the Lip Gloss palette and shared styles for the
// voice panel. It is a leaf package with no internal imports.
package theme

import "github.com/charmbracelet/lipgloss"

// Session state colors.
var (
	ColorStandby   = lipgloss.Color("#9ca3af")
	ColorAcquiring = lipgloss.Color("#d97706")
	ColorListening = lipgloss.Color("#22c55e")
	ColorSpeaking  = lipgloss.Color("#06b6d4")
	ColorEnding    = lipgloss.Color("#7c3aed")
)

// UI chrome colors.
var (
	ColorBorder  = lipgloss.Color("#4b5563")
	ColorDimmed  = lipgloss.Color("#6b7280")
	ColorBright  = lipgloss.Color("#f9fafb")
	ColorBg      = lipgloss.Color("#111827")
	ColorHealthy = lipgloss.Color("#22c55e")
	ColorWarning = lipgloss.Color("#d97706")
	ColorDanger  = lipgloss.Color("#dc2626")
)

// StateColor returns the color for a session state name.
func StateColor(state string) lipgloss.Color {
	switch state {
	case "acquiring":
		return ColorAcquiring
	case "live_idle":
		return ColorListening
	case "live_speaking":
		return ColorSpeaking
	case "ending":
		return ColorEnding
	default:
		return ColorStandby
	}
}

// StateGlyph returns a Unicode glyph for a session state name.
func StateGlyph(state string) string {
	switch state {
	case "acquiring":
		return "◌"
	case "live_idle":
		return "●"
	case "live_speaking":
		return "◉"
	case "ending":
		return "◎"
	default:
		return "○"
	}
}

// Flag renders an Online/Offline indicator.
func Flag(ok bool) string {
	if ok {
		return lipgloss.NewStyle().Foreground(ColorHealthy).Render("Online")
	}
	return lipgloss.NewStyle().Foreground(ColorDanger).Render("Offline")
}

// Reusable styles.
var (
	StyleBorder = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(ColorBorder)

	StyleHeader = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorBright)

	StyleDimmed = lipgloss.NewStyle().
			Foreground(ColorDimmed)

	StyleChip = lipgloss.NewStyle().
			Padding(0, 1).
			Bold(true)
)
