package bus

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/pixelforge/pixelforge/pkg/models"
)

// Publisher wraps a Bus with typed emitters for the job lifecycle. The
// worker publishes through this so event shapes stay consistent.
type Publisher struct {
	bus Bus
}

func NewPublisher(b Bus) *Publisher {
	return &Publisher{bus: b}
}

func (p *Publisher) Started(ctx context.Context, userID, jobID uuid.UUID, stepID string) error {
	return p.bus.Publish(ctx, userID, &models.ProgressEvent{
		Type:   models.EventStarted,
		JobID:  jobID.String(),
		StepID: stepID,
	})
}

func (p *Publisher) Progress(ctx context.Context, userID, jobID uuid.UUID, stepID string, percent int, message string) error {
	return p.bus.Publish(ctx, userID, &models.ProgressEvent{
		Type:     models.EventProgress,
		JobID:    jobID.String(),
		StepID:   stepID,
		Progress: percent,
		Message:  message,
	})
}

func (p *Publisher) PartialResult(ctx context.Context, userID, jobID uuid.UUID, stepID string, output json.RawMessage) error {
	return p.bus.Publish(ctx, userID, &models.ProgressEvent{
		Type:   models.EventPartialResult,
		JobID:  jobID.String(),
		StepID: stepID,
		Output: output,
	})
}

func (p *Publisher) Completed(ctx context.Context, userID, jobID uuid.UUID, output json.RawMessage) error {
	return p.bus.Publish(ctx, userID, &models.ProgressEvent{
		Type:   models.EventCompleted,
		JobID:  jobID.String(),
		Output: output,
	})
}

func (p *Publisher) Failed(ctx context.Context, userID, jobID uuid.UUID, errorCode string) error {
	return p.bus.Publish(ctx, userID, &models.ProgressEvent{
		Type:  models.EventFailed,
		JobID: jobID.String(),
		Error: errorCode,
	})
}
