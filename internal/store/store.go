package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/pixelforge/pixelforge/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// ErrInvalidTransition is returned when a job status update would move a
// job backwards (e.g. re-marking a terminal job as processing). Guarding
// this in SQL keeps re-delivered jobs from clobbering finished rows.
var ErrInvalidTransition = errors.New("invalid job status transition")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	GetUser(ctx context.Context, id uuid.UUID) (*models.User, error)
	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error

	GetTool(ctx context.Context, slug string) (*models.Tool, error)
	GetProvider(ctx context.Context, name string) (*models.Provider, error)

	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	ListJobsByOwner(ctx context.Context, filter JobFilter) ([]*models.Job, int, error)
	ListChildJobs(ctx context.Context, parentID uuid.UUID) ([]*models.Job, error)
	ListActiveJobIDs(ctx context.Context, ownerID uuid.UUID) ([]uuid.UUID, error)
	UpdateJobStatus(ctx context.Context, id uuid.UUID, status string, opts ...JobUpdateOption) error
	SetJobQueueID(ctx context.Context, id uuid.UUID, queueJobID string) error
	SoftDeleteJob(ctx context.Context, id uuid.UUID, ownerID uuid.UUID) error
	DeleteJob(ctx context.Context, id uuid.UUID) error
}

// JobFilter selects jobs for an owner-scoped listing.
type JobFilter struct {
	OwnerID  uuid.UUID
	ToolSlug string
	Limit    int
	Offset   int
}

type jobUpdateParams struct {
	Output      json.RawMessage
	ErrorCode   *string
	StartedAt   *time.Time
	CompletedAt *time.Time
}

type JobUpdateOption func(*jobUpdateParams)

// ApplyJobUpdate applies a status update to an in-memory job with the same
// semantics the database enforces: terminal rows are immutable. Fake stores
// in tests use this to mirror PostgresStore behavior.
func ApplyJobUpdate(job *models.Job, status string, opts ...JobUpdateOption) error {
	if models.IsTerminalStatus(job.Status) {
		return ErrInvalidTransition
	}
	var p jobUpdateParams
	for _, opt := range opts {
		opt(&p)
	}
	job.Status = status
	if p.Output != nil {
		job.Output = p.Output
	}
	if p.ErrorCode != nil {
		job.ErrorCode = p.ErrorCode
	}
	if p.StartedAt != nil {
		job.StartedAt = p.StartedAt
	}
	if p.CompletedAt != nil {
		job.CompletedAt = p.CompletedAt
	}
	job.UpdatedAt = time.Now().UTC()
	return nil
}

func WithOutput(output json.RawMessage) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.Output = output
	}
}

func WithErrorCode(code string) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.ErrorCode = &code
	}
}

func WithStartedAt(t time.Time) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.StartedAt = &t
	}
}

func WithCompletedAt(t time.Time) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.CompletedAt = &t
	}
}
