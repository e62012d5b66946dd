// Package watch implements the `hive watch` live execution monitor.
package watch

import "github.com/charmbracelet/lipgloss"

// Theme keeps all watch styling in one place.
type Theme struct {
	StatusOK      lipgloss.Style
	StatusRunning lipgloss.Style
	StatusFailed  lipgloss.Style

	Border    lipgloss.Style
	Title     lipgloss.Style
	Dim       lipgloss.Style
	Highlight lipgloss.Style

	PulseOn  lipgloss.Style
	PulseOff lipgloss.Style
}

func NewDefaultTheme() Theme {
	accent := lipgloss.Color("#D19A66")

	return Theme{
		StatusOK:      lipgloss.NewStyle().Foreground(lipgloss.Color("#98C379")),
		StatusRunning: lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B")),
		StatusFailed:  lipgloss.NewStyle().Foreground(lipgloss.Color("#E06C75")),

		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(accent),
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1),
		Dim:       lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		Highlight: lipgloss.NewStyle().Foreground(accent),

		PulseOn:  lipgloss.NewStyle().Foreground(lipgloss.Color("#98C379")),
		PulseOff: lipgloss.NewStyle().Foreground(lipgloss.Color("#444444")),
	}
}

// statusStyle picks the style for an execution or event status.
func (t Theme) statusStyle(status string) lipgloss.Style {
	switch status {
	case "success", "execution.finished":
		return t.StatusOK
	case "failure", "error", "execution.failed":
		return t.StatusFailed
	case "running", "execution.requested":
		return t.StatusRunning
	default:
		return t.Dim
	}
}
