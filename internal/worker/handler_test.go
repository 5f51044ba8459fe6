package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixelforge/pixelforge/internal/bus"
	"github.com/pixelforge/pixelforge/internal/cache"
	"github.com/pixelforge/pixelforge/internal/catalog"
	"github.com/pixelforge/pixelforge/internal/config"
	"github.com/pixelforge/pixelforge/internal/credentials"
	"github.com/pixelforge/pixelforge/internal/ledger"
	"github.com/pixelforge/pixelforge/internal/provider"
	"github.com/pixelforge/pixelforge/internal/provider/mock"
	"github.com/pixelforge/pixelforge/internal/queue"
	"github.com/pixelforge/pixelforge/internal/ratelimit"
	"github.com/pixelforge/pixelforge/internal/storage"
	"github.com/pixelforge/pixelforge/internal/store"
	"github.com/pixelforge/pixelforge/internal/worker"
	"github.com/pixelforge/pixelforge/pkg/models"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- fakes ---

type fakeStore struct {
	mu        sync.Mutex
	jobs      map[uuid.UUID]*models.Job
	tools     map[string]*models.Tool
	providers map[string]*models.Provider
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		jobs:      make(map[uuid.UUID]*models.Job),
		tools:     make(map[string]*models.Tool),
		providers: make(map[string]*models.Provider),
	}
}

func (s *fakeStore) Ping(_ context.Context) error                                 { return nil }
func (s *fakeStore) GetUser(_ context.Context, _ uuid.UUID) (*models.User, error) { return nil, nil }
func (s *fakeStore) GetAPIKeyByPrefix(_ context.Context, _ string) ([]*models.APIKey, error) {
	return nil, nil
}
func (s *fakeStore) UpdateAPIKeyLastUsed(_ context.Context, _ uuid.UUID) error { return nil }
func (s *fakeStore) CreateAPIKey(_ context.Context, _ *models.APIKey) error    { return nil }

func (s *fakeStore) GetTool(_ context.Context, slug string) (*models.Tool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tool, ok := s.tools[slug]; ok {
		return tool, nil
	}
	return nil, store.ErrNotFound
}

func (s *fakeStore) GetProvider(_ context.Context, name string) (*models.Provider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.providers[name]; ok {
		return p, nil
	}
	return nil, store.ErrNotFound
}

func (s *fakeStore) CreateJob(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return store.ErrDuplicateKey
	}
	clone := *job
	s.jobs[job.ID] = &clone
	return nil
}

func (s *fakeStore) GetJob(_ context.Context, id uuid.UUID) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[id]; ok {
		clone := *job
		return &clone, nil
	}
	return nil, store.ErrNotFound
}

func (s *fakeStore) ListJobsByOwner(_ context.Context, _ store.JobFilter) ([]*models.Job, int, error) {
	return nil, 0, nil
}
func (s *fakeStore) ListChildJobs(_ context.Context, parentID uuid.UUID) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Job
	for _, job := range s.jobs {
		if job.ParentID != nil && *job.ParentID == parentID {
			clone := *job
			out = append(out, &clone)
		}
	}
	return out, nil
}
func (s *fakeStore) ListActiveJobIDs(_ context.Context, _ uuid.UUID) ([]uuid.UUID, error) {
	return nil, nil
}

func (s *fakeStore) UpdateJobStatus(_ context.Context, id uuid.UUID, status string, opts ...store.JobUpdateOption) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	return store.ApplyJobUpdate(job, status, opts...)
}

func (s *fakeStore) SetJobQueueID(_ context.Context, id uuid.UUID, queueJobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[id]; ok {
		job.QueueJobID = &queueJobID
	}
	return nil
}

func (s *fakeStore) SoftDeleteJob(_ context.Context, _ uuid.UUID, _ uuid.UUID) error { return nil }
func (s *fakeStore) DeleteJob(_ context.Context, _ uuid.UUID) error                  { return nil }

var _ store.Store = (*fakeStore)(nil)

type fakeLedger struct {
	mu              sync.Mutex
	confirmed       []uuid.UUID
	released        []uuid.UUID
	confirmCalls    int
	releaseCalls    int
	confirmFailures int
	releaseFailures int
}

func (l *fakeLedger) Reserve(_ context.Context, _, _ uuid.UUID, _ int64) error { return nil }
func (l *fakeLedger) Confirm(_ context.Context, _, jobID uuid.UUID, _ int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.confirmCalls++
	if l.confirmFailures > 0 {
		l.confirmFailures--
		return errors.New("ledger unavailable")
	}
	l.confirmed = append(l.confirmed, jobID)
	return nil
}
func (l *fakeLedger) Release(_ context.Context, _, jobID uuid.UUID, _ int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.releaseCalls++
	if l.releaseFailures > 0 {
		l.releaseFailures--
		return errors.New("ledger unavailable")
	}
	l.released = append(l.released, jobID)
	return nil
}
func (l *fakeLedger) Add(_ context.Context, _ uuid.UUID, _ int64, _, _ string) (*models.CreditBalance, error) {
	return nil, nil
}
func (l *fakeLedger) GetBalance(_ context.Context, _ uuid.UUID) (*models.CreditBalance, error) {
	return nil, nil
}
func (l *fakeLedger) ListEntries(_ context.Context, _ uuid.UUID, _, _ int) ([]*models.LedgerEntry, int, error) {
	return nil, 0, nil
}

var _ ledger.Ledger = (*fakeLedger)(nil)

type fakeLimiter struct {
	decision ratelimit.Decision
	busy     []string
	classes  []string
}

func (l *fakeLimiter) TryAcquire(_ context.Context, class, _, _ string, _ models.RateLimitConfig) (ratelimit.Decision, error) {
	l.classes = append(l.classes, class)
	return l.decision, nil
}
func (l *fakeLimiter) MarkProviderBusy(_ context.Context, _, name string, _ models.RateLimitConfig, _ time.Duration) error {
	l.busy = append(l.busy, name)
	return nil
}

type fakeBus struct {
	mu     sync.Mutex
	events []models.ProgressEvent
}

func (b *fakeBus) Publish(_ context.Context, _ uuid.UUID, event *models.ProgressEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, *event)
	return nil
}
func (b *fakeBus) Subscribe(_ context.Context, _ uuid.UUID) (*bus.Subscription, error) {
	return nil, nil
}
func (b *fakeBus) Replay(_ context.Context, _ uuid.UUID, _ string) ([]models.ProgressEvent, error) {
	return nil, nil
}

func (b *fakeBus) eventTypes() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	types := make([]string, 0, len(b.events))
	for _, e := range b.events {
		types = append(types, e.Type)
	}
	return types
}

var _ bus.Bus = (*fakeBus)(nil)

type fakeQueue struct {
	enqueued []*queue.Task
}

func (q *fakeQueue) Enqueue(_ context.Context, task *queue.Task) error {
	q.enqueued = append(q.enqueued, task)
	return nil
}

type fakeCache struct {
	mu       sync.Mutex
	statuses map[uuid.UUID]string
}

func newFakeCache() *fakeCache {
	return &fakeCache{statuses: make(map[uuid.UUID]string)}
}

func (c *fakeCache) Set(_ context.Context, _ string, _ []byte, _ time.Duration) error { return nil }
func (c *fakeCache) Get(_ context.Context, _ string) ([]byte, bool, error)            { return nil, false, nil }
func (c *fakeCache) Delete(_ context.Context, _ string) error                         { return nil }
func (c *fakeCache) Ping(_ context.Context) error                                     { return nil }
func (c *fakeCache) SetJobStatus(_ context.Context, jobID uuid.UUID, status string, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses[jobID] = status
	return nil
}
func (c *fakeCache) GetJobStatus(_ context.Context, jobID uuid.UUID) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	status, ok := c.statuses[jobID]
	return status, ok, nil
}
func (c *fakeCache) IncrWithExpiry(_ context.Context, _ string, _ time.Duration) (int64, error) {
	return 0, nil
}

var _ cache.Cache = (*fakeCache)(nil)

// --- fixture ---

type fixture struct {
	store   *fakeStore
	ledger  *fakeLedger
	limiter *fakeLimiter
	bus     *fakeBus
	queue   *fakeQueue
	cache   *fakeCache
	storage *storage.Local
	handler *worker.Handler
}

func newFixture(t *testing.T, adapter provider.Adapter) *fixture {
	t.Helper()

	st := newFakeStore()
	led := &fakeLedger{}
	lim := &fakeLimiter{decision: ratelimit.Decision{Allowed: true}}
	fb := &fakeBus{}
	fq := &fakeQueue{}
	fc := newFakeCache()

	box, err := credentials.NewBox("test-secret")
	require.NoError(t, err)

	signer := storage.NewSigner("sign-secret")
	stor, err := storage.NewLocal(t.TempDir(), "http://localhost:8080", signer, time.Minute)
	require.NoError(t, err)

	registry, err := provider.NewRegistry(adapter)
	require.NoError(t, err)

	blob, err := box.Encrypt([]byte(`{"api_key":"sk-test"}`))
	require.NoError(t, err)
	st.providers[adapter.Name()] = &models.Provider{
		ID:             uuid.New(),
		Name:           adapter.Name(),
		Capability:     adapter.Capability(),
		CredentialBlob: blob,
		IsActive:       true,
	}

	cfg := config.WorkerConfig{
		Concurrency:     1,
		ProviderTimeout: 5 * time.Second,
		MaxRetries:      3,
		BaseBackoff:     10 * time.Millisecond,
		RateLimitWindow: time.Minute,
		RateLimitMax:    60,
	}

	h := worker.NewHandler(st, led, lim, registry, catalog.NewService(st),
		bus.NewPublisher(fb), stor, box, fq, fc, cfg, discardLogger())

	return &fixture{store: st, ledger: led, limiter: lim, bus: fb, queue: fq, cache: fc, storage: stor, handler: h}
}

func (f *fixture) addJob(t *testing.T, providerName string, steps ...models.ToolStep) (*models.Job, *queue.Task) {
	t.Helper()
	if len(steps) == 0 {
		steps = []models.ToolStep{{ID: "generate", ProviderName: providerName, Model: "m", Cost: 10}}
	}
	f.store.tools["test-tool"] = &models.Tool{
		ID:       uuid.New(),
		Slug:     "test-tool",
		IsActive: true,
		Steps:    steps,
	}

	job := &models.Job{
		ID:           uuid.New(),
		OwnerID:      uuid.New(),
		ToolSlug:     "test-tool",
		StepID:       steps[0].ID,
		ProviderName: providerName,
		Model:        steps[0].Model,
		Status:       models.JobStatusQueued,
		CreditsCost:  10,
		Input:        json.RawMessage(`{"prompt":"a lighthouse"}`),
	}
	require.NoError(t, f.store.CreateJob(context.Background(), job))

	return job, &queue.Task{ID: queue.TaskID(job.ID, ""), JobID: job.ID, OwnerID: job.OwnerID}
}

// --- tests ---

func TestHandle_Success(t *testing.T) {
	f := newFixture(t, mock.NewAdapter())
	job, task := f.addJob(t, "mock")

	require.NoError(t, f.handler.Handle(context.Background(), task))

	got, err := f.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)

	var output models.JobOutput
	require.NoError(t, json.Unmarshal(got.Output, &output))
	require.Len(t, output.Images, 1)
	assert.NotEmpty(t, output.Images[0].StorageKey)

	// The stored object is actually there.
	r, err := f.storage.Open(context.Background(), output.Images[0].StorageKey)
	require.NoError(t, err)
	r.Close()

	assert.Equal(t, []uuid.UUID{job.ID}, f.ledger.confirmed)
	assert.Empty(t, f.ledger.released)
	assert.Equal(t, []string{"started", "progress", "completed"}, f.bus.eventTypes())
}

func TestHandle_WindowFull_Reschedules(t *testing.T) {
	f := newFixture(t, mock.NewAdapter())
	job, task := f.addJob(t, "mock")
	f.limiter.decision = ratelimit.Decision{Allowed: false, RetryAfter: 30 * time.Second}

	err := f.handler.Handle(context.Background(), task)

	var delayed *queue.DelayedError
	require.ErrorAs(t, err, &delayed)
	assert.WithinDuration(t, time.Now().Add(30*time.Second), delayed.RunAt, 2*time.Second)
	assert.Zero(t, task.Attempt, "a full window does not consume a retry")

	got, err := f.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, got.Status, "job never started")
	assert.Empty(t, f.bus.eventTypes())
	assert.Empty(t, f.ledger.confirmed)
	assert.Empty(t, f.ledger.released)
}

func TestHandle_Upstream429_RetriesThenFails(t *testing.T) {
	adapter := mock.NewFailingAdapter("mock", &provider.RateLimitError{RetryAfter: 20 * time.Millisecond})
	f := newFixture(t, adapter)
	job, task := f.addJob(t, "mock")
	ctx := context.Background()

	// Attempts 1..3 reschedule and saturate the local window.
	for i := 1; i <= 3; i++ {
		err := f.handler.Handle(ctx, task)
		var delayed *queue.DelayedError
		require.ErrorAs(t, err, &delayed, "attempt %d", i)
		assert.Equal(t, i, task.Attempt)
	}
	assert.Len(t, f.limiter.busy, 3)

	// The fourth delivery exhausts retries: terminal failure, credits back.
	require.NoError(t, f.handler.Handle(ctx, task))

	got, err := f.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	require.NotNil(t, got.ErrorCode)
	assert.Equal(t, worker.CodeRateLimited, *got.ErrorCode)
	assert.Equal(t, []uuid.UUID{job.ID}, f.ledger.released)
	assert.Empty(t, f.ledger.confirmed)
	assert.Contains(t, f.bus.eventTypes(), "failed")
}

func TestHandle_ProviderFailure_HandledNotPropagated(t *testing.T) {
	adapter := mock.NewFailingAdapter("mock", errors.New("model exploded"))
	f := newFixture(t, adapter)
	job, task := f.addJob(t, "mock")

	require.NoError(t, f.handler.Handle(context.Background(), task), "handled failures complete the task")

	got, err := f.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Equal(t, worker.CodeProviderFailed, *got.ErrorCode)
	assert.Equal(t, []uuid.UUID{job.ID}, f.ledger.released)
}

func TestHandle_NoOutput(t *testing.T) {
	adapter := mock.NewFailingAdapter("mock", provider.ErrNoOutput)
	f := newFixture(t, adapter)
	job, task := f.addJob(t, "mock")

	require.NoError(t, f.handler.Handle(context.Background(), task))

	got, err := f.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, worker.CodeNoOutput, *got.ErrorCode)
}

func TestHandle_TerminalJobRedelivery(t *testing.T) {
	f := newFixture(t, mock.NewAdapter())
	job, task := f.addJob(t, "mock")
	require.NoError(t, f.store.UpdateJobStatus(context.Background(), job.ID, models.JobStatusCompleted))

	require.NoError(t, f.handler.Handle(context.Background(), task))

	// No re-execution, no events; the reservation is settled idempotently.
	assert.Empty(t, f.bus.eventTypes())
	assert.Equal(t, []uuid.UUID{job.ID}, f.ledger.confirmed)
	assert.Empty(t, f.ledger.released)
}

func TestHandle_MissingJobDropped(t *testing.T) {
	f := newFixture(t, mock.NewAdapter())
	task := &queue.Task{ID: "task-gone", JobID: uuid.New(), OwnerID: uuid.New()}
	require.NoError(t, f.handler.Handle(context.Background(), task))
}

func TestHandle_MultiStep_ChainsNextStep(t *testing.T) {
	f := newFixture(t, mock.NewAdapter())
	job, task := f.addJob(t, "mock",
		models.ToolStep{ID: "generate", ProviderName: "mock", Model: "m", Cost: 10},
		models.ToolStep{ID: "upscale", ProviderName: "mock", Model: "m2", Cost: 5},
	)
	ctx := context.Background()

	require.NoError(t, f.handler.Handle(ctx, task))

	// Step one is complete but the workflow is not: no confirmation yet,
	// a partial result instead of a completed event.
	got, err := f.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	assert.Empty(t, f.ledger.confirmed)
	assert.Equal(t, []string{"started", "progress", "partial_result"}, f.bus.eventTypes())

	children, err := f.store.ListChildJobs(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, children, 1)
	child := children[0]
	assert.Equal(t, "upscale", child.StepID)
	assert.Equal(t, models.JobStatusQueued, child.Status)
	assert.Contains(t, string(child.Input), "image_url")

	require.Len(t, f.queue.enqueued, 1)
	assert.Equal(t, queue.TaskID(job.ID, "upscale"), f.queue.enqueued[0].ID)
	assert.Equal(t, child.ID, f.queue.enqueued[0].JobID)

	// Executing the final step confirms credits on the root job.
	require.NoError(t, f.handler.Handle(ctx, f.queue.enqueued[0]))
	assert.Equal(t, []uuid.UUID{job.ID}, f.ledger.confirmed)
	assert.Contains(t, f.bus.eventTypes(), "completed")
}

func TestHandle_ConfirmFailureRetriedOnRedelivery(t *testing.T) {
	f := newFixture(t, mock.NewAdapter())
	job, task := f.addJob(t, "mock")
	f.ledger.confirmFailures = 1
	ctx := context.Background()

	// The first delivery completes the job but cannot confirm; the error
	// propagates so the queue redelivers.
	err := f.handler.Handle(ctx, task)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "confirm credits")

	got, err := f.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	assert.Empty(t, f.ledger.confirmed)

	// Redelivery finds the terminal job and retries the confirmation
	// instead of dropping the task with the reservation still held.
	require.NoError(t, f.handler.Handle(ctx, task))
	assert.Equal(t, 2, f.ledger.confirmCalls)
	assert.Equal(t, []uuid.UUID{job.ID}, f.ledger.confirmed)
}

func TestHandle_ReleaseFailureRetriedOnRedelivery(t *testing.T) {
	adapter := mock.NewFailingAdapter("mock", errors.New("model exploded"))
	f := newFixture(t, adapter)
	job, task := f.addJob(t, "mock")
	f.ledger.releaseFailures = 1
	ctx := context.Background()

	err := f.handler.Handle(ctx, task)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "release credits")

	got, err := f.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Empty(t, f.ledger.released)

	require.NoError(t, f.handler.Handle(ctx, task))
	assert.Equal(t, 2, f.ledger.releaseCalls)
	assert.Equal(t, []uuid.UUID{job.ID}, f.ledger.released)
}

func TestHandle_MultiStepRedelivery_DoesNotConfirmEarly(t *testing.T) {
	f := newFixture(t, mock.NewAdapter())
	_, task := f.addJob(t, "mock",
		models.ToolStep{ID: "generate", ProviderName: "mock", Model: "m", Cost: 10},
		models.ToolStep{ID: "upscale", ProviderName: "mock", Model: "m2", Cost: 5},
	)
	ctx := context.Background()

	require.NoError(t, f.handler.Handle(ctx, task))
	require.Empty(t, f.ledger.confirmed)

	// Redelivering the finished first step must not settle the reservation;
	// that belongs to the final step.
	require.NoError(t, f.handler.Handle(ctx, task))
	assert.Zero(t, f.ledger.confirmCalls)
	assert.Zero(t, f.ledger.releaseCalls)
}

func TestHandle_PerProviderRetryPolicy(t *testing.T) {
	adapter := mock.NewFailingAdapter("mock", &provider.RateLimitError{RetryAfter: 10 * time.Millisecond})
	f := newFixture(t, adapter)
	job, task := f.addJob(t, "mock")
	// Provider-level policy tighter than the worker-wide three retries.
	f.store.providers["mock"].RateLimit = &models.RateLimitConfig{
		MaxRetries:    1,
		BaseBackoffMs: 5,
	}
	ctx := context.Background()

	err := f.handler.Handle(ctx, task)
	var delayed *queue.DelayedError
	require.ErrorAs(t, err, &delayed)
	assert.Equal(t, 1, task.Attempt)

	// The single provider-level retry is spent; the next 429 is terminal.
	require.NoError(t, f.handler.Handle(ctx, task))

	got, err := f.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Equal(t, worker.CodeRateLimited, *got.ErrorCode)
}

func TestHandle_MirrorsStatusToCache(t *testing.T) {
	f := newFixture(t, mock.NewAdapter())
	job, task := f.addJob(t, "mock")
	ctx := context.Background()

	require.NoError(t, f.handler.Handle(ctx, task))

	status, found, err := f.cache.GetJobStatus(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, models.JobStatusCompleted, status)

	assert.Contains(t, f.limiter.classes, ratelimit.ClassWeb)
}
