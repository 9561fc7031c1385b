package models

import (
	"encoding/json"
	"time"
)

// CommandRequest is sent to a box to run one tool invocation.
type CommandRequest struct {
	CorrelationID string          `json:"correlationId"`
	Type          string          `json:"type"`           // e.g. bash.exec, file.read
	Args          json.RawMessage `json:"args,omitempty"` // Tool specific arguments
	TimeoutMs     int64           `json:"timeoutMs,omitempty"`
}

// CommandResponse is the box's answer. It is matched to its request by
// CorrelationID only, never by arrival order.
type CommandResponse struct {
	CorrelationID string          `json:"correlationId"`
	OK            bool            `json:"ok"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         json.RawMessage `json:"error,omitempty"`
}

// CancelRequest is a best-effort notice that the caller stopped waiting.
type CancelRequest struct {
	CorrelationID string `json:"correlationId"`
	Reason        string `json:"reason"`
}

// ErrorMessage is an asynchronous error from either side. When CorrelationID is
// set it resolves the matching pending command.
type ErrorMessage struct {
	CorrelationID string `json:"correlationId,omitempty"`
	Reason        string `json:"reason"`
	Message       string `json:"message,omitempty"`
}

// ShutdownNotice tells a box the relay is going away.
type ShutdownNotice struct {
	Reason string `json:"reason"`
}

// CommandResult is the tagged outcome returned to executor callers.
type CommandResult struct {
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`  // Reason code when OK is false
	Detail json.RawMessage `json:"detail,omitempty"` // Remote error payload for box_error
}

// Err converts a failed result into a Failure, or nil on success.
func (r CommandResult) Err() error {
	if r.OK {
		return nil
	}
	return &Failure{Reason: r.Error, Detail: r.Detail}
}

// Decode unmarshals the result payload into v.
func (r CommandResult) Decode(v any) error {
	if !r.OK {
		return r.Err()
	}
	if len(r.Result) == 0 {
		return nil
	}
	return json.Unmarshal(r.Result, v)
}

// CommandLog is one audit record of an executed (or refused) command.
type CommandLog struct {
	ID            string          `json:"id"`
	CorrelationID string          `json:"correlation_id"`
	BoxID         string          `json:"box_id"`
	CustomerID    string          `json:"customer_id,omitempty"`
	Command       string          `json:"command"`
	Args          json.RawMessage `json:"args,omitempty"`
	Status        string          `json:"status"`           // success or failed
	Error         string          `json:"error,omitempty"` // Reason code when failed
	DurationMs    int64           `json:"duration_ms"`
	CreatedAt     time.Time       `json:"created_at"`
}

// ExecOptions tunes a single ExecuteCommand call. A zero Timeout uses the
// executor default.
type ExecOptions struct {
	Timeout time.Duration
}
