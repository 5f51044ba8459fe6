package models

import (
	"encoding/json"
	"time"
)

// Progress event types published on a stream during job execution.
// Connected and heartbeat are synthesized by the gateway, never persisted.
const (
	EventConnected     = "connected"
	EventStarted       = "started"
	EventProgress      = "progress"
	EventPartialResult = "partial_result"
	EventCompleted     = "completed"
	EventFailed        = "failed"
	EventHeartbeat     = "heartbeat"
)

// ProgressEvent is one entry in a job's progress stream. SequenceID is the
// Redis stream entry id, monotonically increasing within a stream key;
// clients resume after a reconnect by passing their last seen id.
type ProgressEvent struct {
	Type       string          `json:"type"`
	JobID      string          `json:"job_id,omitempty"`
	StepID     string          `json:"step_id,omitempty"`
	Progress   int             `json:"progress,omitempty"`
	Message    string          `json:"message,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
	SequenceID string          `json:"sequence_id,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// IsTerminal reports whether this event ends the stream for its job.
func (e ProgressEvent) IsTerminal() bool {
	return e.Type == EventCompleted || e.Type == EventFailed
}

// ConnectedEvent is the synthetic first event of every stream connection,
// carrying the viewer's current known state as a baseline.
type ConnectedEvent struct {
	Type         string    `json:"type"`
	ActiveJobIDs []string  `json:"active_job_ids"`
	Timestamp    time.Time `json:"timestamp"`
}
