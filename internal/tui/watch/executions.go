package watch

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/hive/internal/api"
)

const maxTracked = 100

// ExecutionState tracks one API execution request from its events.
type ExecutionState struct {
	RequestID   string
	ExecutionID string
	Script      string
	PID         int
	Status      string
	Kind        string
	Messages    int
	Started     time.Time
	Ended       time.Time
}

type eventData struct {
	RequestID   string          `json:"request_id"`
	ExecutionID string          `json:"execution_id"`
	Script      string          `json:"script"`
	PID         int             `json:"pid"`
	Status      string          `json:"status"`
	Kind        string          `json:"kind"`
	Error       string          `json:"error"`
	Message     json.RawMessage `json:"message"`
}

// updateExecutions applies e to the tracked executions keyed by request id.
func updateExecutions(execs map[string]*ExecutionState, e api.Event) {
	var d eventData
	if err := json.Unmarshal(e.Data, &d); err != nil || d.RequestID == "" {
		return
	}

	ex, ok := execs[d.RequestID]
	if !ok {
		ex = &ExecutionState{RequestID: d.RequestID, Started: e.At}
		execs[d.RequestID] = ex
	}
	if d.Script != "" {
		ex.Script = d.Script
	}
	if d.ExecutionID != "" {
		ex.ExecutionID = d.ExecutionID
	}
	if d.PID != 0 {
		ex.PID = d.PID
	}

	switch e.Type {
	case "execution.requested":
		ex.Status = "running"
		ex.Started = e.At
	case "execution.finished":
		ex.Status = d.Status
		ex.Kind = d.Kind
		ex.Ended = e.At
	case "execution.failed":
		ex.Status = "error"
		ex.Ended = e.At
	case "execution.message":
		ex.Messages++
	}

	pruneExecutions(execs)
}

// pruneExecutions drops the oldest finished executions beyond maxTracked.
func pruneExecutions(execs map[string]*ExecutionState) {
	if len(execs) <= maxTracked {
		return
	}
	finished := make([]*ExecutionState, 0, len(execs))
	for _, ex := range execs {
		if ex.Status != "running" {
			finished = append(finished, ex)
		}
	}
	sort.Slice(finished, func(i, j int) bool { return finished[i].Started.Before(finished[j].Started) })
	for _, ex := range finished {
		if len(execs) <= maxTracked {
			return
		}
		delete(execs, ex.RequestID)
	}
}

// sortedExecutions returns running executions first, then newest first.
func sortedExecutions(execs map[string]*ExecutionState) []*ExecutionState {
	out := make([]*ExecutionState, 0, len(execs))
	for _, ex := range execs {
		out = append(out, ex)
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := out[i].Status == "running", out[j].Status == "running"
		if ri != rj {
			return ri
		}
		return out[i].Started.After(out[j].Started)
	})
	return out
}

func newExecutionTable() table.Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "EXECUTION", Width: 10},
			{Title: "SCRIPT", Width: 28},
			{Title: "PID", Width: 8},
			{Title: "STATUS", Width: 10},
			{Title: "DURATION", Width: 10},
		}),
		table.WithHeight(8),
		table.WithFocused(true),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.Bold(true)
	t.SetStyles(styles)
	return t
}

func executionRows(execs []*ExecutionState, now time.Time) []table.Row {
	rows := make([]table.Row, 0, len(execs))
	for _, ex := range execs {
		id := shortID(ex.ExecutionID)
		if id == "" {
			id = "-"
		}
		pid := "-"
		if ex.PID != 0 {
			pid = fmt.Sprint(ex.PID)
		}
		status := ex.Status
		if ex.Kind != "" {
			status += "/" + ex.Kind
		}
		if ex.Status == "running" && ex.Messages > 0 {
			status += fmt.Sprintf(" (%d msg)", ex.Messages)
		}
		end := ex.Ended
		if end.IsZero() {
			end = now
		}
		elapsed := max(end.Sub(ex.Started), 0)
		rows = append(rows, table.Row{id, filepath.Base(ex.Script), pid, status, formatDuration(elapsed)})
	}
	return rows
}

func renderExecutions(t table.Model, count int, theme Theme, width int) string {
	title := theme.Title.Render(fmt.Sprintf("EXECUTIONS (%d)", count))
	body := t.View()
	if count == 0 {
		body = theme.Dim.Render("  No executions yet")
	}
	return theme.Border.Width(width - 4).Render(lipgloss.JoinVertical(lipgloss.Left, title, body))
}
