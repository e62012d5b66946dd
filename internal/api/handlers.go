package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/hive/internal/execution"
	"github.com/mattjoyce/hive/internal/journal"
	"github.com/mattjoyce/hive/internal/process"
)

const maxRequestBytes = 64 * 1024

// handleHealthz handles GET /healthz
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Running:       s.running.Load(),
		MaxConcurrent: s.config.MaxConcurrent,
	})
}

// handleCreateExecution handles POST /executions. The request blocks until
// the worker reports its outcome.
func (s *Server) handleCreateExecution(w http.ResponseWriter, r *http.Request) {
	var req ExecutionRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	script, err := s.resolveScript(req.Script)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if !s.slots.TryAcquire(1) {
		s.writeError(w, http.StatusServiceUnavailable, "too many running executions")
		return
	}
	defer s.slots.Release(1)
	s.running.Add(1)
	defer s.running.Add(-1)

	ctx := r.Context()
	if s.config.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.RunTimeout)
		defer cancel()
	}

	requestID := middleware.GetReqID(r.Context())
	s.events.Publish("execution.requested", map[string]any{"request_id": requestID, "script": script})
	res, err := s.runner.Run(ctx, script, func(m execution.Message) error {
		var msg any
		if err := m.Decode(&msg); err != nil {
			s.logger.Debug("undecodable task message", "script", script, "error", err)
			return nil
		}
		s.events.Publish("execution.message", map[string]any{"request_id": requestID, "script": script, "message": msg})
		return nil
	})
	if err != nil {
		s.logger.Warn("execution failed", "script", script, "error", err)
		failed := map[string]any{"request_id": requestID, "script": script, "error": err.Error()}
		if res != nil && res.ID != "" {
			failed["execution_id"] = res.ID
		}
		s.events.Publish("execution.failed", failed)

		resp := ErrorResponse{Error: err.Error()}
		if res != nil {
			resp.ExecutionID = res.ID
			resp.WorkerStderr = res.Stderr
		}
		status := http.StatusBadGateway
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		s.respondJSON(w, status, resp)
		return
	}

	finished := map[string]any{
		"request_id":   requestID,
		"execution_id": res.ID,
		"script":       res.Script,
		"pid":          res.PID,
		"status":       res.Outcome.Status,
	}
	if res.Outcome.Error != nil {
		finished["kind"] = res.Outcome.Error.Kind
	}
	s.events.Publish("execution.finished", finished)
	s.respondJSON(w, http.StatusOK, executionResponse(res))
}

// resolveScript confines script to the configured script directory.
func (s *Server) resolveScript(script string) (string, error) {
	script = strings.TrimSpace(script)
	if script == "" {
		return "", errors.New("script is required")
	}
	if s.config.ScriptDir == "" {
		return script, nil
	}
	if filepath.IsAbs(script) {
		return "", errors.New("script must be relative to the script directory")
	}
	cleaned := filepath.Clean(script)
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", errors.New("script escapes the script directory")
	}
	return filepath.Join(s.config.ScriptDir, cleaned), nil
}

func executionResponse(res *process.Result) ExecutionResponse {
	return ExecutionResponse{
		ID:       res.ID,
		Script:   res.Script,
		PID:      res.PID,
		ExitCode: res.ExitCode,
		Outcome:  res.Outcome,
		Messages: res.Messages,
	}
}

// handleGetExecution handles GET /executions/{id}
func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	entry, err := s.journal.Get(r.Context(), id)
	if errors.Is(err, journal.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "execution not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to get execution", "execution_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get execution")
		return
	}
	s.respondJSON(w, http.StatusOK, entry)
}

// handleListExecutions handles GET /executions?limit=N
func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	entries, err := s.journal.List(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list executions", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list executions")
		return
	}
	s.respondJSON(w, http.StatusOK, ExecutionListResponse{Executions: entries, Count: len(entries)})
}

// respondJSON writes a JSON response
func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode JSON response", "error", err)
	}
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, ErrorResponse{Error: message})
}
