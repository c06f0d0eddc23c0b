// Package ui renders snapshots for the terminal, either as plain blocks or
// as a live bubbletea view.
package ui

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/instancehub/instancehub/pkg/types"
)

// Palette
const (
	ColorHealthy  = lipgloss.Color("#39FF14")
	ColorWarning  = lipgloss.Color("#FFAA00")
	ColorCritical = lipgloss.Color("#FF0055")
	ColorUnknown  = lipgloss.Color("#6B6B8D")
	ColorBorder   = lipgloss.Color("#2A2A4A")
	ColorText     = lipgloss.Color("#FFFFFF")
	ColorLabel    = lipgloss.Color("#B4B4D0")
)

var (
	HeaderStyle = lipgloss.NewStyle().
			Foreground(ColorText).
			Bold(true)

	SectionStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(ColorBorder).
			Padding(0, 1)

	LabelStyle = lipgloss.NewStyle().
			Foreground(ColorLabel)

	FooterStyle = lipgloss.NewStyle().
			Foreground(ColorUnknown)

	HealthyStyle  = lipgloss.NewStyle().Foreground(ColorHealthy)
	WarningStyle  = lipgloss.NewStyle().Foreground(ColorWarning)
	CriticalStyle = lipgloss.NewStyle().Foreground(ColorCritical).Bold(true)
	UnknownStyle  = lipgloss.NewStyle().Foreground(ColorUnknown)
)

// Status glyphs
const (
	GlyphHealthy  = "●"
	GlyphWarning  = "▲"
	GlyphCritical = "✖"
	GlyphUnknown  = "○"
)

// StatusStyle picks the style and glyph for an alert status.
func StatusStyle(s types.Status) (lipgloss.Style, string) {
	switch s {
	case types.StatusCritical:
		return CriticalStyle, GlyphCritical
	case types.StatusWarning:
		return WarningStyle, GlyphWarning
	default:
		return HealthyStyle, GlyphHealthy
	}
}
