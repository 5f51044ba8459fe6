package gateway_test

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	mw "github.com/pixelforge/pixelforge/internal/api/middleware"
	"github.com/pixelforge/pixelforge/internal/bus"
	"github.com/pixelforge/pixelforge/internal/cache"
	"github.com/pixelforge/pixelforge/internal/config"
	"github.com/pixelforge/pixelforge/internal/gateway"
	"github.com/pixelforge/pixelforge/internal/store"
	"github.com/pixelforge/pixelforge/pkg/models"
)

// --- Fake Store ---

type fakeStore struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*models.Job
}

func newFakeStore() *fakeStore {
	return &fakeStore{jobs: make(map[uuid.UUID]*models.Job)}
}

func (f *fakeStore) addJob(job *models.Job) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[job.ID] = job
}

func (f *fakeStore) Ping(_ context.Context) error { return nil }
func (f *fakeStore) GetUser(_ context.Context, _ uuid.UUID) (*models.User, error) {
	return nil, store.ErrNotFound
}
func (f *fakeStore) GetAPIKeyByPrefix(_ context.Context, _ string) ([]*models.APIKey, error) {
	return nil, nil
}
func (f *fakeStore) UpdateAPIKeyLastUsed(_ context.Context, _ uuid.UUID) error { return nil }
func (f *fakeStore) CreateAPIKey(_ context.Context, _ *models.APIKey) error    { return nil }
func (f *fakeStore) GetTool(_ context.Context, _ string) (*models.Tool, error) {
	return nil, store.ErrNotFound
}
func (f *fakeStore) GetProvider(_ context.Context, _ string) (*models.Provider, error) {
	return nil, store.ErrNotFound
}
func (f *fakeStore) CreateJob(_ context.Context, job *models.Job) error {
	f.addJob(job)
	return nil
}
func (f *fakeStore) GetJob(_ context.Context, id uuid.UUID) (*models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := *job
	return &clone, nil
}
func (f *fakeStore) ListJobsByOwner(_ context.Context, _ store.JobFilter) ([]*models.Job, int, error) {
	return nil, 0, nil
}
func (f *fakeStore) ListChildJobs(_ context.Context, parentID uuid.UUID) ([]*models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var children []*models.Job
	for _, job := range f.jobs {
		if job.ParentID != nil && *job.ParentID == parentID {
			clone := *job
			children = append(children, &clone)
		}
	}
	return children, nil
}
func (f *fakeStore) ListActiveJobIDs(_ context.Context, ownerID uuid.UUID) ([]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []uuid.UUID
	for _, job := range f.jobs {
		if job.OwnerID == ownerID && !models.IsTerminalStatus(job.Status) {
			ids = append(ids, job.ID)
		}
	}
	return ids, nil
}
func (f *fakeStore) UpdateJobStatus(_ context.Context, id uuid.UUID, status string, opts ...store.JobUpdateOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	return store.ApplyJobUpdate(job, status, opts...)
}
func (f *fakeStore) SetJobQueueID(_ context.Context, _ uuid.UUID, _ string) error { return nil }
func (f *fakeStore) SoftDeleteJob(_ context.Context, _ uuid.UUID, _ uuid.UUID) error {
	return nil
}
func (f *fakeStore) DeleteJob(_ context.Context, _ uuid.UUID) error { return nil }

// --- Setup ---

func setupRedis(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, container.Terminate(ctx)) })

	connStr, err := container.ConnectionString(ctx)
	require.NoError(t, err)
	opts, err := redis.ParseURL(connStr)
	require.NoError(t, err)

	client := redis.NewClient(opts)
	t.Cleanup(func() { client.Close() })
	return client
}

func testStreamConfig() config.StreamConfig {
	return config.StreamConfig{
		HeartbeatInterval: time.Minute,
		PollInterval:      200 * time.Millisecond,
		MaxDuration:       10 * time.Second,
		ReplayTTL:         5 * time.Minute,
		MaxLen:            1000,
	}
}

// startServer mounts the stream handler on both of its routes behind a stub
// auth layer that pins every request to userID.
func startServer(t *testing.T, h *gateway.Handler, userID uuid.UUID) *httptest.Server {
	t.Helper()
	stream := h.Stream()
	authed := func(w http.ResponseWriter, r *http.Request) {
		stream(w, r.WithContext(mw.SetUserID(r.Context(), userID)))
	}
	r := chi.NewRouter()
	r.Get("/api/v1/stream", authed)
	r.Get("/api/v1/jobs/{jobID}/stream", authed)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

type frame struct {
	ID    string
	Event string
	Data  string
}

// readFrames parses n SSE frames off the wire.
func readFrames(t *testing.T, body io.Reader, n int) []frame {
	t.Helper()
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)

	var frames []frame
	var cur frame
	for len(frames) < n && scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if cur.Event != "" {
				frames = append(frames, cur)
				cur = frame{}
			}
		case strings.HasPrefix(line, "id: "):
			cur.ID = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			cur.Event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.Data = strings.TrimPrefix(line, "data: ")
		}
	}
	require.Len(t, frames, n, "expected %d SSE frames", n)
	return frames
}

func openStream(t *testing.T, url string) *http.Response {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
	t.Cleanup(cancel)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

// --- Tests ---

func TestStream_ConnectedThenLiveEvents(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	client := setupRedis(t)
	b := bus.NewRedisBus(client, slog.Default(), 1000, 5*time.Minute)
	fs := newFakeStore()
	userID := uuid.New()
	jobID := uuid.New()
	fs.addJob(&models.Job{ID: jobID, OwnerID: userID, Status: models.JobStatusQueued})

	h := gateway.NewHandler(fs, b, cache.NewRedisCacheFromClient(client), testStreamConfig(), slog.Default())
	srv := startServer(t, h, userID)

	resp := openStream(t, srv.URL+"/api/v1/stream")
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// Give the subscription a beat, then publish live.
	go func() {
		time.Sleep(300 * time.Millisecond)
		pub := bus.NewPublisher(b)
		pub.Started(context.Background(), userID, jobID, "")
		pub.Progress(context.Background(), userID, jobID, "", 50, "halfway")
	}()

	frames := readFrames(t, resp.Body, 3)
	assert.Equal(t, models.EventConnected, frames[0].Event)

	var connected models.ConnectedEvent
	require.NoError(t, json.Unmarshal([]byte(frames[0].Data), &connected))
	assert.Contains(t, connected.ActiveJobIDs, jobID.String())

	assert.Equal(t, models.EventStarted, frames[1].Event)
	assert.NotEmpty(t, frames[1].ID, "live events carry the stream sequence id")
	assert.Equal(t, models.EventProgress, frames[2].Event)
}

func TestStream_ReplayAfterReconnect(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	client := setupRedis(t)
	b := bus.NewRedisBus(client, slog.Default(), 1000, 5*time.Minute)
	userID := uuid.New()
	jobID := uuid.New()

	// Publish three events with no one listening, as if the client dropped.
	ctx := context.Background()
	events := make([]*models.ProgressEvent, 3)
	for i, pct := range []int{10, 50, 90} {
		events[i] = &models.ProgressEvent{
			Type:     models.EventProgress,
			JobID:    jobID.String(),
			Progress: pct,
		}
		require.NoError(t, b.Publish(ctx, userID, events[i]))
	}

	h := gateway.NewHandler(newFakeStore(), b, cache.NewRedisCacheFromClient(client), testStreamConfig(), slog.Default())
	srv := startServer(t, h, userID)

	// Reconnect claiming to have seen only the first event.
	resp := openStream(t, srv.URL+"/api/v1/stream?last_event_id="+events[0].SequenceID)

	frames := readFrames(t, resp.Body, 3)
	assert.Equal(t, models.EventConnected, frames[0].Event)
	assert.Equal(t, events[1].SequenceID, frames[1].ID)
	assert.Equal(t, events[2].SequenceID, frames[2].ID)

	var replayed models.ProgressEvent
	require.NoError(t, json.Unmarshal([]byte(frames[2].Data), &replayed))
	assert.Equal(t, 90, replayed.Progress)
}

func TestStream_FinishedJobShortCircuit(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	client := setupRedis(t)
	b := bus.NewRedisBus(client, slog.Default(), 1000, 5*time.Minute)
	fs := newFakeStore()
	userID := uuid.New()
	jobID := uuid.New()
	fs.addJob(&models.Job{
		ID:      jobID,
		OwnerID: userID,
		Status:  models.JobStatusCompleted,
		Output:  json.RawMessage(`{"text":"done"}`),
	})

	h := gateway.NewHandler(fs, b, cache.NewRedisCacheFromClient(client), testStreamConfig(), slog.Default())
	srv := startServer(t, h, userID)

	resp := openStream(t, srv.URL+"/api/v1/stream?job_id="+jobID.String())

	frames := readFrames(t, resp.Body, 2)
	assert.Equal(t, models.EventConnected, frames[0].Event)
	assert.Equal(t, models.EventCompleted, frames[1].Event)

	// The handler returns right after the terminal event.
	_, err := io.ReadAll(resp.Body)
	assert.NoError(t, err)
}

func TestStream_PollFallbackSynthesizesTerminal(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	client := setupRedis(t)
	b := bus.NewRedisBus(client, slog.Default(), 1000, 5*time.Minute)
	fs := newFakeStore()
	userID := uuid.New()
	jobID := uuid.New()
	fs.addJob(&models.Job{ID: jobID, OwnerID: userID, Status: models.JobStatusProcessing})

	h := gateway.NewHandler(fs, b, cache.NewRedisCacheFromClient(client), testStreamConfig(), slog.Default())
	srv := startServer(t, h, userID)

	resp := openStream(t, srv.URL+"/api/v1/stream")

	// Finish the job behind the bus's back; only the poll can notice.
	go func() {
		time.Sleep(300 * time.Millisecond)
		fs.UpdateJobStatus(context.Background(), jobID, models.JobStatusFailed,
			store.WithErrorCode("ProviderExecutionFailed"))
	}()

	frames := readFrames(t, resp.Body, 2)
	assert.Equal(t, models.EventConnected, frames[0].Event)
	assert.Equal(t, models.EventFailed, frames[1].Event)

	var failed models.ProgressEvent
	require.NoError(t, json.Unmarshal([]byte(frames[1].Data), &failed))
	assert.Equal(t, jobID.String(), failed.JobID)
	assert.Equal(t, "ProviderExecutionFailed", failed.Error)
}

func TestStream_JobScopedFiltersOtherJobs(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	client := setupRedis(t)
	b := bus.NewRedisBus(client, slog.Default(), 1000, 5*time.Minute)
	fs := newFakeStore()
	userID := uuid.New()
	watchedID := uuid.New()
	otherID := uuid.New()
	fs.addJob(&models.Job{ID: watchedID, OwnerID: userID, Status: models.JobStatusProcessing})
	fs.addJob(&models.Job{ID: otherID, OwnerID: userID, Status: models.JobStatusProcessing})

	h := gateway.NewHandler(fs, b, cache.NewRedisCacheFromClient(client), testStreamConfig(), slog.Default())
	srv := startServer(t, h, userID)

	resp := openStream(t, srv.URL+"/api/v1/jobs/"+watchedID.String()+"/stream")

	go func() {
		time.Sleep(300 * time.Millisecond)
		pub := bus.NewPublisher(b)
		pub.Started(context.Background(), userID, otherID, "")
		pub.Progress(context.Background(), userID, otherID, "", 80, "nearly")
		pub.Progress(context.Background(), userID, watchedID, "", 50, "halfway")
		pub.Completed(context.Background(), userID, watchedID, json.RawMessage(`{"text":"done"}`))
	}()

	frames := readFrames(t, resp.Body, 3)
	assert.Equal(t, models.EventConnected, frames[0].Event)

	var connected models.ConnectedEvent
	require.NoError(t, json.Unmarshal([]byte(frames[0].Data), &connected))
	assert.Equal(t, []string{watchedID.String()}, connected.ActiveJobIDs,
		"connected event lists only the watched workflow")

	assert.Equal(t, models.EventProgress, frames[1].Event)
	var progress models.ProgressEvent
	require.NoError(t, json.Unmarshal([]byte(frames[1].Data), &progress))
	assert.Equal(t, watchedID.String(), progress.JobID,
		"the other job's events never reach a job-scoped stream")

	assert.Equal(t, models.EventCompleted, frames[2].Event)

	// The stream ends once the watched job settles.
	_, err := io.ReadAll(resp.Body)
	assert.NoError(t, err)
}

func TestStream_JobScopedUnknownOrForeignJob(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	client := setupRedis(t)
	b := bus.NewRedisBus(client, slog.Default(), 1000, 5*time.Minute)
	fs := newFakeStore()
	userID := uuid.New()
	foreignID := uuid.New()
	fs.addJob(&models.Job{ID: foreignID, OwnerID: uuid.New(), Status: models.JobStatusProcessing})

	h := gateway.NewHandler(fs, b, cache.NewRedisCacheFromClient(client), testStreamConfig(), slog.Default())
	srv := startServer(t, h, userID)

	for name, jobID := range map[string]string{
		"unknown": uuid.NewString(),
		"foreign": foreignID.String(),
	} {
		resp, err := http.Get(srv.URL + "/api/v1/jobs/" + jobID + "/stream")
		require.NoError(t, err, name)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, name)
	}

	resp, err := http.Get(srv.URL + "/api/v1/jobs/not-a-uuid/stream")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStream_DisconnectReleasesSubscription(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	client := setupRedis(t)
	b := bus.NewRedisBus(client, slog.Default(), 1000, 5*time.Minute)
	fs := newFakeStore()
	userID := uuid.New()
	fs.addJob(&models.Job{ID: uuid.New(), OwnerID: userID, Status: models.JobStatusProcessing})

	h := gateway.NewHandler(fs, b, cache.NewRedisCacheFromClient(client), testStreamConfig(), slog.Default())
	srv := startServer(t, h, userID)

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	frames := readFrames(t, resp.Body, 1)
	assert.Equal(t, models.EventConnected, frames[0].Event)

	// Subscribe keys the pub/sub channel by user, so its subscriber count
	// tells us whether the handler's subscription is still open.
	channel := "events:user:" + userID.String()
	counts, err := client.PubSubNumSub(context.Background(), channel).Result()
	require.NoError(t, err)
	require.Equal(t, int64(1), counts[channel], "stream should hold one subscription while connected")

	cancel()

	assert.Eventually(t, func() bool {
		counts, err := client.PubSubNumSub(context.Background(), channel).Result()
		return err == nil && counts[channel] == 0
	}, 5*time.Second, 100*time.Millisecond, "subscription should be closed when the client disconnects")
}
