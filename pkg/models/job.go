package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	JobStatusPending    = "pending"
	JobStatusQueued     = "queued"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
)

// ActiveJobStatuses are the statuses a job can hold before reaching a
// terminal state. Used by the streaming gateway to decide whether a live
// subscription is still worth establishing.
var ActiveJobStatuses = []string{JobStatusPending, JobStatusQueued, JobStatusProcessing}

// IsTerminalStatus reports whether a job status is final. Terminal jobs are
// immutable except for soft deletion.
func IsTerminalStatus(status string) bool {
	return status == JobStatusCompleted || status == JobStatusFailed
}

// Job is one unit of submitted async generation work. The API returns a job
// id on submission; clients poll GET /api/v1/jobs/{id} or attach to the SSE
// stream until the status is completed or failed.
//
// Status only moves forward: pending -> queued -> processing -> completed|failed.
type Job struct {
	ID           uuid.UUID       `db:"id"            json:"id"`
	ParentID     *uuid.UUID      `db:"parent_id"     json:"parent_id,omitempty"`
	OwnerID      uuid.UUID       `db:"owner_id"      json:"owner_id"`
	ToolSlug     string          `db:"tool_slug"     json:"tool_slug"`
	StepID       string          `db:"step_id"       json:"step_id,omitempty"`
	ProviderName string          `db:"provider_name" json:"provider_name"`
	Model        string          `db:"model"         json:"model,omitempty"`
	Status       string          `db:"status"        json:"status"`
	CreditsCost  int64           `db:"credits_cost"  json:"credits_cost"`
	Input        json.RawMessage `db:"input"         json:"input,omitempty"`
	Output       json.RawMessage `db:"output"        json:"output,omitempty"`
	ErrorCode    *string         `db:"error_code"    json:"error_code,omitempty"`
	QueueJobID   *string         `db:"queue_job_id"  json:"-"`
	StartedAt    *time.Time      `db:"started_at"    json:"started_at,omitempty"`
	CompletedAt  *time.Time      `db:"completed_at"  json:"completed_at,omitempty"`
	DeletedAt    *time.Time      `db:"deleted_at"    json:"-"`
	CreatedAt    time.Time       `db:"created_at"    json:"created_at"`
	UpdatedAt    time.Time       `db:"updated_at"    json:"updated_at"`
}

// GeneratedImage is one media output of a job. Only the opaque storage key
// is persisted; download URLs are resolved on demand.
type GeneratedImage struct {
	StorageKey string `json:"storage_key"`
	Type       string `json:"type"`
}

// JobOutput is the persisted output payload of a completed job. Session is
// opaque provider conversation state; clients send it back with a follow-up
// submission to refine the result.
type JobOutput struct {
	Images  []GeneratedImage `json:"images,omitempty"`
	Text    string           `json:"text,omitempty"`
	Session json.RawMessage  `json:"session,omitempty"`
}
