package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pixelforge/pixelforge/internal/bus"
	"github.com/pixelforge/pixelforge/internal/cache"
	"github.com/pixelforge/pixelforge/internal/catalog"
	"github.com/pixelforge/pixelforge/internal/config"
	"github.com/pixelforge/pixelforge/internal/credentials"
	"github.com/pixelforge/pixelforge/internal/ledger"
	"github.com/pixelforge/pixelforge/internal/provider"
	"github.com/pixelforge/pixelforge/internal/queue"
	"github.com/pixelforge/pixelforge/internal/ratelimit"
	"github.com/pixelforge/pixelforge/internal/storage"
	"github.com/pixelforge/pixelforge/internal/store"
	"github.com/pixelforge/pixelforge/pkg/models"
)

// Job error codes surfaced to clients on failure.
const (
	CodeRateLimited      = "RateLimited"
	CodeProviderFailed   = "ProviderExecutionFailed"
	CodeNoOutput         = "NoOutputProduced"
	CodeProviderTimeout  = "ProviderTimeout"
	CodeProviderNotFound = "ProviderNotFound"
)

// RateLimiter is the admission gate consulted before each dispatch.
type RateLimiter interface {
	TryAcquire(ctx context.Context, class, provider, slotID string, cfg models.RateLimitConfig) (ratelimit.Decision, error)
	MarkProviderBusy(ctx context.Context, class, provider string, cfg models.RateLimitConfig, retryAfter time.Duration) error
}

// TaskQueue is the part of the queue the handler needs to chain steps.
type TaskQueue interface {
	Enqueue(ctx context.Context, task *queue.Task) error
}

// Handler executes one generation job per claimed task: admission through
// the provider rate limit, dispatch to the adapter, media persistence, and
// the credit and progress bookkeeping around it.
//
// Handled job failures (provider errors, no output, exhausted retries) mark
// the job failed, release its credits, and return nil: the task is done
// even though the job is not successful. Only infrastructure errors
// propagate to the pool's retry policy.
type Handler struct {
	store    store.Store
	ledger   ledger.Ledger
	limiter  RateLimiter
	registry *provider.Registry
	catalog  *catalog.Service
	pub      *bus.Publisher
	storage  storage.Storage
	box      *credentials.Box
	queue    TaskQueue
	cache    cache.Cache
	cfg      config.WorkerConfig
	logger   *slog.Logger
}

func NewHandler(
	st store.Store,
	led ledger.Ledger,
	limiter RateLimiter,
	registry *provider.Registry,
	cat *catalog.Service,
	pub *bus.Publisher,
	stor storage.Storage,
	box *credentials.Box,
	q TaskQueue,
	jobCache cache.Cache,
	cfg config.WorkerConfig,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		store:    st,
		ledger:   led,
		limiter:  limiter,
		registry: registry,
		catalog:  cat,
		pub:      pub,
		storage:  stor,
		box:      box,
		queue:    q,
		cache:    jobCache,
		cfg:      cfg,
		logger:   logger,
	}
}

func (h *Handler) Handle(ctx context.Context, task *queue.Task) error {
	logger := h.logger.With("job_id", task.JobID, "task_id", task.ID)

	job, err := h.store.GetJob(ctx, task.JobID)
	if errors.Is(err, store.ErrNotFound) {
		logger.Warn("job vanished, dropping task")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	if models.IsTerminalStatus(job.Status) {
		// Redelivered task for a finished job. A confirm or release that
		// failed after the terminal status was persisted is the usual
		// reason the task comes back, so reconcile the reservation before
		// dropping the delivery.
		return h.settleCredits(ctx, job)
	}

	prov, err := h.catalog.ResolveProvider(ctx, job.ProviderName)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, catalog.ErrProviderInactive) {
			return h.failJob(ctx, job, CodeProviderNotFound, err)
		}
		return fmt.Errorf("resolve provider: %w", err)
	}
	rlCfg := h.rateLimitConfig(prov)

	// Admission gate. A full window parks the task; no retry is consumed
	// because the job never reached the provider.
	decision, err := h.limiter.TryAcquire(ctx, ratelimit.ClassWeb, prov.Name, task.ID, rlCfg)
	if err != nil {
		// Fail open: a limiter outage must not stall the pipeline.
		logger.Error("rate limiter unavailable, admitting", "error", err)
		decision = ratelimit.Decision{Allowed: true}
	}
	if !decision.Allowed {
		return &queue.DelayedError{
			RunAt:  time.Now().Add(decision.RetryAfter),
			Reason: fmt.Sprintf("provider %s window full", prov.Name),
		}
	}

	if err := h.store.UpdateJobStatus(ctx, job.ID, models.JobStatusProcessing,
		store.WithStartedAt(time.Now().UTC())); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			return nil
		}
		return fmt.Errorf("mark job processing: %w", err)
	}
	h.mirrorStatus(ctx, job.ID, models.JobStatusProcessing)

	streamJobID := h.rootJobID(job)
	if err := h.pub.Started(ctx, job.OwnerID, streamJobID, job.StepID); err != nil {
		logger.Warn("failed to publish started event", "error", err)
	}

	result, execErr := h.execute(ctx, job, prov)
	if execErr != nil {
		return h.handleExecError(ctx, logger, job, prov, rlCfg, task, execErr)
	}

	return h.completeStep(ctx, logger, job, result)
}

// execute decrypts the provider credentials and runs the adapter under the
// configured timeout. Plaintext credentials live only on this stack frame.
func (h *Handler) execute(ctx context.Context, job *models.Job, prov *models.Provider) (*provider.Result, error) {
	adapter, err := h.registry.Get(prov.Name)
	if err != nil {
		return nil, err
	}

	plaintext, err := h.box.Decrypt(prov.CredentialBlob)
	if err != nil {
		return nil, fmt.Errorf("decrypt provider credentials: %w", err)
	}
	var creds provider.Credentials
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return nil, fmt.Errorf("decode provider credentials: %w", err)
	}

	execCtx, cancel := context.WithTimeout(ctx, h.cfg.ProviderTimeout)
	defer cancel()

	streamJobID := h.rootJobID(job)
	req := provider.Request{
		JobID:   job.ID,
		OwnerID: job.OwnerID,
		Model:   job.Model,
		Input:   job.Input,
		Session: extractSession(job.Input),
		Progress: func(percent int, message string) {
			if err := h.pub.Progress(ctx, job.OwnerID, streamJobID, job.StepID, percent, message); err != nil {
				h.logger.Warn("failed to publish progress event", "job_id", job.ID, "error", err)
			}
		},
	}

	result, err := adapter.Execute(execCtx, creds, req)
	if err != nil && execCtx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("provider timed out after %s: %w", h.cfg.ProviderTimeout, context.DeadlineExceeded)
	}
	return result, err
}

func (h *Handler) handleExecError(ctx context.Context, logger *slog.Logger, job *models.Job, prov *models.Provider, rlCfg models.RateLimitConfig, task *queue.Task, execErr error) error {
	var rle *provider.RateLimitError
	if errors.As(execErr, &rle) {
		// The provider itself said no; saturate our local window so other
		// workers stop hammering it.
		if err := h.limiter.MarkProviderBusy(ctx, ratelimit.ClassWeb, prov.Name, rlCfg, rle.RetryAfter); err != nil {
			logger.Warn("failed to mark provider busy", "error", err)
		}

		if rlCfg.ShouldRetryOn429() && task.Attempt < h.retryLimit(rlCfg) {
			task.Attempt++
			delay := ratelimit.Backoff(task.Attempt-1, h.retryBase(rlCfg))
			if rle.RetryAfter > delay {
				delay = rle.RetryAfter
			}
			// Back to queued while the task waits out the delay.
			if err := h.store.UpdateJobStatus(ctx, job.ID, models.JobStatusQueued); err != nil && !errors.Is(err, store.ErrInvalidTransition) {
				logger.Warn("failed to requeue job status", "error", err)
			}
			h.mirrorStatus(ctx, job.ID, models.JobStatusQueued)
			return &queue.DelayedError{
				RunAt:  time.Now().Add(delay),
				Reason: fmt.Sprintf("provider %s returned 429, attempt %d", prov.Name, task.Attempt),
			}
		}
		return h.failJob(ctx, job, CodeRateLimited, execErr)
	}

	switch {
	case errors.Is(execErr, provider.ErrNoOutput):
		return h.failJob(ctx, job, CodeNoOutput, execErr)
	case errors.Is(execErr, context.DeadlineExceeded):
		return h.failJob(ctx, job, CodeProviderTimeout, execErr)
	default:
		return h.failJob(ctx, job, CodeProviderFailed, execErr)
	}
}

// completeStep persists the result, then either chains the next tool step
// or finalizes the whole job.
func (h *Handler) completeStep(ctx context.Context, logger *slog.Logger, job *models.Job, result *provider.Result) error {
	output, err := h.persistOutput(ctx, job, result)
	if err != nil {
		return fmt.Errorf("persist output: %w", err)
	}
	outputJSON, err := json.Marshal(output)
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}

	if err := h.store.UpdateJobStatus(ctx, job.ID, models.JobStatusCompleted,
		store.WithOutput(outputJSON),
		store.WithCompletedAt(time.Now().UTC())); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			// A concurrent delivery already finished this job.
			return nil
		}
		return fmt.Errorf("mark job completed: %w", err)
	}
	h.mirrorStatus(ctx, job.ID, models.JobStatusCompleted)

	next, err := h.nextStep(ctx, job)
	if err != nil {
		return err
	}
	if next != nil {
		return h.chainStep(ctx, logger, job, next, output, outputJSON)
	}

	root, err := h.rootJob(ctx, job)
	if err != nil {
		return err
	}
	if err := h.ledger.Confirm(ctx, root.OwnerID, root.ID, root.CreditsCost); err != nil {
		return fmt.Errorf("confirm credits: %w", err)
	}
	if err := h.pub.Completed(ctx, root.OwnerID, root.ID, outputJSON); err != nil {
		logger.Warn("failed to publish completed event", "error", err)
	}
	logger.Info("job completed", "images", len(output.Images))
	return nil
}

// persistOutput uploads generated media and returns the storable output.
func (h *Handler) persistOutput(ctx context.Context, job *models.Job, result *provider.Result) (*models.JobOutput, error) {
	output := &models.JobOutput{Text: result.Text, Session: result.Session}
	for i, img := range result.Images {
		key := storage.ImageKey(job.ID, i, img.MIME)
		if err := h.storage.Upload(ctx, key, img.Data, img.MIME); err != nil {
			return nil, fmt.Errorf("upload image %d: %w", i, err)
		}
		output.Images = append(output.Images, models.GeneratedImage{
			StorageKey: key,
			Type:       img.MIME,
		})
	}
	return output, nil
}

// nextStep returns the tool step following this job's, or nil on the last.
func (h *Handler) nextStep(ctx context.Context, job *models.Job) (*models.ToolStep, error) {
	tool, err := h.catalog.ResolveTool(ctx, job.ToolSlug)
	if err != nil {
		// The tool may have been retired mid-flight; treat the finished
		// step as the end of the workflow.
		if errors.Is(err, catalog.ErrToolNotFound) || errors.Is(err, catalog.ErrToolInactive) {
			return nil, nil
		}
		return nil, err
	}
	if len(tool.Steps) < 2 {
		return nil, nil
	}

	current := 0
	if job.StepID != "" {
		for i := range tool.Steps {
			if tool.Steps[i].ID == job.StepID {
				current = i
				break
			}
		}
	}
	if current+1 >= len(tool.Steps) {
		return nil, nil
	}
	return &tool.Steps[current+1], nil
}

// chainStep creates and enqueues the child job for the next tool step.
func (h *Handler) chainStep(ctx context.Context, logger *slog.Logger, job *models.Job, next *models.ToolStep, output *models.JobOutput, outputJSON json.RawMessage) error {
	rootID := h.rootJobID(job)

	if err := h.pub.PartialResult(ctx, job.OwnerID, rootID, job.StepID, outputJSON); err != nil {
		logger.Warn("failed to publish partial result", "error", err)
	}

	input, err := h.nextStepInput(job, output)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	child := &models.Job{
		ID:           uuid.New(),
		ParentID:     &rootID,
		OwnerID:      job.OwnerID,
		ToolSlug:     job.ToolSlug,
		StepID:       next.ID,
		ProviderName: next.ProviderName,
		Model:        next.Model,
		Status:       models.JobStatusQueued,
		CreditsCost:  next.Cost,
		Input:        input,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := h.store.CreateJob(ctx, child); err != nil {
		return fmt.Errorf("create child job: %w", err)
	}

	task := &queue.Task{
		ID:      queue.TaskID(rootID, next.ID),
		JobID:   child.ID,
		OwnerID: child.OwnerID,
	}
	if err := h.queue.Enqueue(ctx, task); err != nil {
		if errors.Is(err, queue.ErrDuplicateJob) {
			// A redelivery already chained this step.
			return nil
		}
		return fmt.Errorf("enqueue next step: %w", err)
	}
	if err := h.store.SetJobQueueID(ctx, child.ID, task.ID); err != nil {
		logger.Warn("failed to record queue id", "error", err)
	}
	h.mirrorStatus(ctx, child.ID, models.JobStatusQueued)
	logger.Info("chained next step", "step_id", next.ID, "child_job_id", child.ID)
	return nil
}

// nextStepInput hands the previous step's first image to the next step.
func (h *Handler) nextStepInput(job *models.Job, output *models.JobOutput) (json.RawMessage, error) {
	in := map[string]any{}
	if len(output.Images) > 0 {
		url, err := h.storage.DownloadURL(output.Images[0].StorageKey)
		if err != nil {
			return nil, fmt.Errorf("resolve image url: %w", err)
		}
		in["image_url"] = url
	}
	if output.Text != "" {
		in["text"] = output.Text
	}
	payload, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("encode step input: %w", err)
	}
	return payload, nil
}

// failJob is the single terminal-failure path: status, credits, event.
func (h *Handler) failJob(ctx context.Context, job *models.Job, code string, cause error) error {
	h.logger.Warn("job failed", "job_id", job.ID, "code", code, "error", cause)

	if err := h.store.UpdateJobStatus(ctx, job.ID, models.JobStatusFailed,
		store.WithErrorCode(code),
		store.WithCompletedAt(time.Now().UTC())); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			return nil
		}
		return fmt.Errorf("mark job failed: %w", err)
	}
	h.mirrorStatus(ctx, job.ID, models.JobStatusFailed)

	root, err := h.rootJob(ctx, job)
	if err != nil {
		return err
	}
	if err := h.ledger.Release(ctx, root.OwnerID, root.ID, root.CreditsCost); err != nil && !errors.Is(err, ledger.ErrNoReservation) {
		return fmt.Errorf("release credits: %w", err)
	}
	if err := h.pub.Failed(ctx, root.OwnerID, root.ID, code); err != nil {
		h.logger.Warn("failed to publish failed event", "job_id", job.ID, "error", err)
	}
	return nil
}

// settleCredits reconciles the workflow's reservation with the job's
// terminal state. All ledger operations are idempotent, so a redelivery
// retries a confirm or release that failed on an earlier delivery.
func (h *Handler) settleCredits(ctx context.Context, job *models.Job) error {
	root, err := h.rootJob(ctx, job)
	if err != nil {
		return err
	}

	switch job.Status {
	case models.JobStatusCompleted:
		next, err := h.nextStep(ctx, job)
		if err != nil {
			return err
		}
		if next != nil {
			// Mid-workflow step; the reservation settles on the last one.
			return nil
		}
		if err := h.ledger.Confirm(ctx, root.OwnerID, root.ID, root.CreditsCost); err != nil {
			return fmt.Errorf("confirm credits: %w", err)
		}
	case models.JobStatusFailed:
		if err := h.ledger.Release(ctx, root.OwnerID, root.ID, root.CreditsCost); err != nil && !errors.Is(err, ledger.ErrNoReservation) {
			return fmt.Errorf("release credits: %w", err)
		}
	}
	return nil
}

// statusMirrorTTL bounds how long the cached status copy outlives the job's
// last transition.
const statusMirrorTTL = time.Hour

// mirrorStatus best-effort copies the job's status into the cache consulted
// by status fast paths; the database stays the source of truth.
func (h *Handler) mirrorStatus(ctx context.Context, jobID uuid.UUID, status string) {
	if err := h.cache.SetJobStatus(ctx, jobID, status, statusMirrorTTL); err != nil {
		h.logger.Warn("failed to mirror job status", "job_id", jobID, "error", err)
	}
}

// retryLimit returns the provider's retry budget for upstream 429s,
// defaulting to the worker-wide setting.
func (h *Handler) retryLimit(cfg models.RateLimitConfig) int {
	if cfg.MaxRetries > 0 {
		return cfg.MaxRetries
	}
	return h.cfg.MaxRetries
}

// retryBase returns the provider's backoff base, defaulting to the
// worker-wide setting.
func (h *Handler) retryBase(cfg models.RateLimitConfig) time.Duration {
	if cfg.BaseBackoffMs > 0 {
		return time.Duration(cfg.BaseBackoffMs) * time.Millisecond
	}
	return h.cfg.BaseBackoff
}

func (h *Handler) rootJobID(job *models.Job) uuid.UUID {
	if job.ParentID != nil {
		return *job.ParentID
	}
	return job.ID
}

// rootJob loads the job holding the workflow's credit reservation.
func (h *Handler) rootJob(ctx context.Context, job *models.Job) (*models.Job, error) {
	if job.ParentID == nil {
		return job, nil
	}
	root, err := h.store.GetJob(ctx, *job.ParentID)
	if err != nil {
		return nil, fmt.Errorf("load root job: %w", err)
	}
	return root, nil
}

func (h *Handler) rateLimitConfig(prov *models.Provider) models.RateLimitConfig {
	if prov.RateLimit != nil {
		return *prov.RateLimit
	}
	return models.RateLimitConfig{
		MaxPerWindow:  h.cfg.RateLimitMax,
		WindowSeconds: int(h.cfg.RateLimitWindow.Seconds()),
	}
}

// extractSession pulls the optional "session" field out of the job input.
func extractSession(input json.RawMessage) json.RawMessage {
	if len(input) == 0 {
		return nil
	}
	var wrapper struct {
		Session json.RawMessage `json:"session"`
	}
	if err := json.Unmarshal(input, &wrapper); err != nil {
		return nil
	}
	return wrapper.Session
}

var _ queue.Handler = (*Handler)(nil)
