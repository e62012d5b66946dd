package api

import (
	"github.com/mattjoyce/hive/internal/journal"
	"github.com/mattjoyce/hive/internal/task"
)

// ExecutionRequest is the JSON body for POST /executions.
type ExecutionRequest struct {
	Script string `json:"script"`
}

// ExecutionResponse is returned when a synchronous execution finishes.
type ExecutionResponse struct {
	ID       string       `json:"id"`
	Script   string       `json:"script"`
	PID      int          `json:"pid"`
	ExitCode int          `json:"exit_code"`
	Outcome  task.Outcome `json:"outcome"`
	Messages int          `json:"messages,omitempty"`
}

// ExecutionListResponse is returned by GET /executions.
type ExecutionListResponse struct {
	Executions []journal.Entry `json:"executions"`
	Count      int             `json:"count"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error        string `json:"error"`
	ExecutionID  string `json:"execution_id,omitempty"`
	WorkerStderr string `json:"worker_stderr,omitempty"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Running       int64  `json:"running"`
	MaxConcurrent int    `json:"max_concurrent"`
}
