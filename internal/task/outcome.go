package task

import (
	"errors"
	"fmt"
)

// Outcome status values.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Error kinds carried in ErrorInfo.Kind.
const (
	KindLoad          = "load"
	KindTask          = "task"
	KindPanic         = "panic"
	KindSerialization = "serialization"
	KindChannel       = "channel"
)

// maxCauseDepth bounds the cause chain copied into an ErrorInfo.
const maxCauseDepth = 8

// Outcome is the terminal message a worker sends for its task.
type Outcome struct {
	Status string     `json:"status"`
	Value  any        `json:"value,omitempty"`
	Error  *ErrorInfo `json:"error,omitempty"`
}

// Report is the frame that ends an execution on the wire. Frames without the
// hive_outcome key are task messages.
type Report struct {
	Outcome *Outcome `json:"hive_outcome"`
}

// NewReport wraps outcome for sending.
func NewReport(outcome Outcome) Report {
	return Report{Outcome: &outcome}
}

// Success builds a successful outcome.
func Success(v any) Outcome {
	return Outcome{Status: StatusSuccess, Value: v}
}

// Failure builds a failed outcome.
func Failure(info *ErrorInfo) Outcome {
	return Outcome{Status: StatusFailure, Error: info}
}

// Succeeded reports whether the outcome is a success.
func (o Outcome) Succeeded() bool { return o.Status == StatusSuccess }

// Err returns the failure as an error, or nil for a success.
func (o Outcome) Err() error {
	if o.Succeeded() {
		return nil
	}
	if o.Error == nil {
		return &ErrorInfo{Kind: KindTask, Message: fmt.Sprintf("outcome status %q without error details", o.Status)}
	}
	return o.Error
}

// Validate checks that a received outcome is well formed.
func (o Outcome) Validate() error {
	switch o.Status {
	case StatusSuccess:
		return nil
	case StatusFailure:
		if o.Error == nil || o.Error.Message == "" {
			return errors.New("outcome has status=failure but no error message")
		}
		return nil
	case "":
		return errors.New("outcome missing required field: status")
	default:
		return fmt.Errorf("invalid outcome status: %q", o.Status)
	}
}

// ErrorInfo is the structured, serializable form of a task error.
type ErrorInfo struct {
	Kind    string     `json:"kind"`
	Type    string     `json:"type,omitempty"`
	Message string     `json:"message"`
	Cause   *ErrorInfo `json:"cause,omitempty"`
}

func (e *ErrorInfo) Error() string {
	return e.Kind + ": " + e.Message
}

func (e *ErrorInfo) Unwrap() error {
	if e.Cause == nil {
		return nil
	}
	return e.Cause
}

// NewErrorInfo converts err and its cause chain. An err that already is an
// *ErrorInfo is returned unchanged.
func NewErrorInfo(kind string, err error) *ErrorInfo {
	return newErrorInfo(kind, err, 0)
}

func newErrorInfo(kind string, err error, depth int) *ErrorInfo {
	if err == nil {
		return nil
	}
	if info, ok := err.(*ErrorInfo); ok {
		return info
	}

	info := &ErrorInfo{
		Kind:    kind,
		Type:    fmt.Sprintf("%T", err),
		Message: err.Error(),
	}
	if depth < maxCauseDepth {
		info.Cause = newErrorInfo(kind, errors.Unwrap(err), depth+1)
	}
	return info
}
