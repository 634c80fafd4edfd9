package cli

import "github.com/charmbracelet/lipgloss"

// Theme defines the color scheme for styled terminal output.
type Theme struct {
	Primary lipgloss.Color // main accent color
	Dim     lipgloss.Color // dimmed/help text color
	Accent  lipgloss.Color // secondary accent (timestamps, values)
	Warn    lipgloss.Color
	Error   lipgloss.Color
}

// DefaultTheme is the default bright green theme.
var DefaultTheme = Theme{
	Primary: lipgloss.Color("#00ff9f"),
	Dim:     lipgloss.Color("#6e7681"),
	Accent:  lipgloss.Color("#58a6ff"),
	Warn:    lipgloss.Color("#d29922"),
	Error:   lipgloss.Color("#f85149"),
}

// Styles holds all styles derived from a theme.
type Styles struct {
	Title lipgloss.Style
	Label lipgloss.Style
	Value lipgloss.Style
	Help  lipgloss.Style
	Warn  lipgloss.Style
	Error lipgloss.Style
}

// NewStyles creates styles from a theme.
func NewStyles(t Theme) Styles {
	return Styles{
		Title: lipgloss.NewStyle().Bold(true).Foreground(t.Primary),
		Label: lipgloss.NewStyle().Bold(true).Foreground(t.Primary),
		Value: lipgloss.NewStyle().Foreground(t.Accent),
		Help:  lipgloss.NewStyle().Foreground(t.Dim),
		Warn:  lipgloss.NewStyle().Foreground(t.Warn),
		Error: lipgloss.NewStyle().Bold(true).Foreground(t.Error),
	}
}

// State returns the style for a session state name, so the monitor and the
// run command color transitions the same way.
func (s Styles) State(state string) lipgloss.Style {
	switch state {
	case "listening":
		return s.Label
	case "speaking", "tool_wait":
		return s.Value
	case "activating", "connecting":
		return s.Warn
	case "error":
		return s.Error
	default:
		return s.Help
	}
}
