package watch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/hive/internal/api"
)

const shownEvents = 10

func renderEventStream(eventLog []api.Event, theme Theme, width int) string {
	lines := []string{theme.Title.Render("EVENT STREAM")}
	if len(eventLog) == 0 {
		lines = append(lines, theme.Dim.Render("  Waiting for events..."))
	}
	for i, e := range eventLog {
		if i >= shownEvents {
			break
		}
		lines = append(lines, " "+formatEvent(e, theme))
	}
	return theme.Border.Width(width - 4).Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func formatEvent(e api.Event, theme Theme) string {
	ts := theme.Dim.Render(e.At.Format("15:04:05"))
	typeName := theme.statusStyle(e.Type).Render(fmt.Sprintf("%-20s", e.Type))
	return fmt.Sprintf("%s %s %s", ts, typeName, describeEvent(e))
}

// describeEvent summarises the event payload in one line.
func describeEvent(e api.Event) string {
	var d eventData
	if err := json.Unmarshal(e.Data, &d); err != nil {
		return truncate(string(e.Data), 60)
	}

	var parts []string
	if d.ExecutionID != "" {
		parts = append(parts, fmt.Sprintf("[%s]", shortID(d.ExecutionID)))
	}
	if d.Script != "" {
		parts = append(parts, d.Script)
	}
	if d.Status != "" {
		parts = append(parts, d.Status)
	}
	if d.Kind != "" {
		parts = append(parts, "("+d.Kind+")")
	}
	if d.Error != "" {
		parts = append(parts, truncate(d.Error, 60))
	}
	if len(d.Message) > 0 {
		parts = append(parts, truncate(string(d.Message), 60))
	}
	if len(parts) == 0 {
		return truncate(string(e.Data), 60)
	}
	return strings.Join(parts, " ")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
