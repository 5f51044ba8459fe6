package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/pixelforge/pixelforge/internal/api/middleware"
	"github.com/pixelforge/pixelforge/internal/api/response"
	"github.com/pixelforge/pixelforge/internal/bus"
	"github.com/pixelforge/pixelforge/internal/cache"
	"github.com/pixelforge/pixelforge/internal/config"
	"github.com/pixelforge/pixelforge/internal/store"
	"github.com/pixelforge/pixelforge/pkg/models"
)

// Handler serves the SSE progress stream, both the user-wide multiplexed
// view at GET /api/v1/stream and the job-scoped view at
// GET /api/v1/jobs/{jobID}/stream.
//
// Delivery is belt and braces: a replay of missed events on reconnect, a
// live pub/sub feed, and a database poll that synthesizes terminal events
// for jobs whose live event was lost. The terminal-sent set keeps the three
// sources from double-reporting the same outcome.
type Handler struct {
	store  store.Store
	bus    bus.Bus
	cache  cache.Cache
	cfg    config.StreamConfig
	logger *slog.Logger
}

func NewHandler(st store.Store, b bus.Bus, jobCache cache.Cache, cfg config.StreamConfig, logger *slog.Logger) *Handler {
	return &Handler{store: st, bus: b, cache: jobCache, cfg: cfg, logger: logger}
}

// Stream returns the SSE endpoint handler.
func (h *Handler) Stream() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.GetUserID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			response.Error(w, http.StatusInternalServerError, "STREAMING_UNSUPPORTED",
				"Streaming is not supported on this connection", nil)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), h.cfg.MaxDuration)
		defer cancel()

		// A job-scoped request narrows the stream to one workflow; a
		// workflow that already settled gets its terminal event immediately
		// with no subscription established.
		var filter uuid.UUID // zero value streams every job the user owns
		if jobParam := streamJobParam(r); jobParam != "" {
			jobID, err := uuid.Parse(jobParam)
			if err != nil {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid job id", nil)
				return
			}
			job, err := h.store.GetJob(ctx, jobID)
			if errors.Is(err, store.ErrNotFound) || (err == nil && job.OwnerID != userID) {
				response.Error(w, http.StatusNotFound, "NOT_FOUND", "Job not found", nil)
				return
			}
			if err != nil {
				response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
					"Failed to load job", nil)
				return
			}
			filter = rootID(job)
			final, done, err := h.finishedWorkflow(ctx, job)
			if err != nil {
				response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
					"Failed to load job", nil)
				return
			}
			if done {
				writeStreamHeaders(w)
				if err := writeConnected(w, flusher, nil); err != nil {
					return
				}
				event := terminalEvent(filter, final)
				writeEvent(w, flusher, &event)
				return
			}
		}

		// Subscribe before replaying so nothing published in between is lost.
		sub, err := h.bus.Subscribe(ctx, userID)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to open event stream", nil)
			return
		}
		defer sub.Close()

		writeStreamHeaders(w)

		terminalSent := make(map[string]bool)

		active, err := h.store.ListActiveJobIDs(ctx, userID)
		if err != nil {
			h.logger.Warn("failed to list active jobs for stream", "user_id", userID, "error", err)
		}
		if filter != uuid.Nil {
			active = h.workflowJobIDs(ctx, filter, active)
		}
		if err := writeConnected(w, flusher, active); err != nil {
			return
		}

		lastEventID := r.URL.Query().Get("last_event_id")
		if lastEventID == "" {
			lastEventID = r.Header.Get("Last-Event-ID")
		}
		if lastEventID != "" {
			missed, err := h.bus.Replay(ctx, userID, lastEventID)
			if err != nil {
				h.logger.Warn("replay failed", "user_id", userID, "error", err)
			}
			for i := range missed {
				if filter != uuid.Nil && missed[i].JobID != filter.String() {
					continue
				}
				if err := writeEvent(w, flusher, &missed[i]); err != nil {
					return
				}
				if missed[i].IsTerminal() {
					terminalSent[missed[i].JobID] = true
				}
			}
			if filter != uuid.Nil && terminalSent[filter.String()] {
				return
			}
		}

		known := make(map[uuid.UUID]bool, len(active))
		for _, id := range active {
			known[id] = true
		}

		heartbeat := time.NewTicker(h.cfg.HeartbeatInterval)
		defer heartbeat.Stop()
		poll := time.NewTicker(h.cfg.PollInterval)
		defer poll.Stop()

		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-sub.C:
				if !ok {
					return
				}
				if filter != uuid.Nil && event.JobID != filter.String() {
					continue
				}
				if event.IsTerminal() && terminalSent[event.JobID] {
					continue
				}
				if err := writeEvent(w, flusher, &event); err != nil {
					return
				}
				if event.IsTerminal() {
					terminalSent[event.JobID] = true
					if filter != uuid.Nil && event.JobID == filter.String() {
						return
					}
				}

			case <-heartbeat.C:
				if err := writeHeartbeat(w, flusher); err != nil {
					return
				}

			case <-poll.C:
				if filter != uuid.Nil {
					// Cheap pre-check: a fresh non-terminal status in the
					// cache means no database poll is needed this tick.
					status, found, err := h.cache.GetJobStatus(ctx, filter)
					if err == nil && found && !models.IsTerminalStatus(status) {
						continue
					}
				}
				var err error
				known, err = h.pollFallback(ctx, w, flusher, userID, filter, known, terminalSent)
				if err != nil {
					return
				}
				if filter != uuid.Nil && terminalSent[filter.String()] {
					return
				}
			}
		}
	}
}

// streamJobParam pulls the job scope from the path (job-scoped route) or
// the query string (multiplexed route).
func streamJobParam(r *http.Request) string {
	if id := chi.URLParam(r, "jobID"); id != "" {
		return id
	}
	return r.URL.Query().Get("job_id")
}

// finishedWorkflow reports whether the job's whole workflow has settled
// and, when it has, returns the step carrying the terminal outcome. A
// completed root whose later steps are still running is not finished.
func (h *Handler) finishedWorkflow(ctx context.Context, job *models.Job) (*models.Job, bool, error) {
	root := job
	if job.ParentID != nil {
		r, err := h.store.GetJob(ctx, *job.ParentID)
		if err != nil {
			return nil, false, err
		}
		root = r
	}
	if !models.IsTerminalStatus(root.Status) {
		return nil, false, nil
	}
	if root.Status == models.JobStatusFailed {
		return root, true, nil
	}

	children, err := h.store.ListChildJobs(ctx, root.ID)
	if err != nil {
		return nil, false, err
	}
	final := root
	for _, c := range children {
		if c.Status == models.JobStatusFailed {
			return c, true, nil
		}
		if !models.IsTerminalStatus(c.Status) {
			return nil, false, nil
		}
		if c.CompletedAt != nil && (final.CompletedAt == nil || c.CompletedAt.After(*final.CompletedAt)) {
			final = c
		}
	}
	return final, true, nil
}

// workflowJobIDs narrows an active-job list to the jobs belonging to the
// root's workflow.
func (h *Handler) workflowJobIDs(ctx context.Context, root uuid.UUID, active []uuid.UUID) []uuid.UUID {
	members := map[uuid.UUID]bool{root: true}
	children, err := h.store.ListChildJobs(ctx, root)
	if err != nil {
		h.logger.Warn("failed to list workflow steps", "job_id", root, "error", err)
	}
	for _, c := range children {
		members[c.ID] = true
	}

	var out []uuid.UUID
	for _, id := range active {
		if members[id] {
			out = append(out, id)
		}
	}
	return out
}

// pollFallback diffs the watched active job set against the last poll and
// synthesizes terminal events for workflows that finished without the live
// feed delivering the news.
func (h *Handler) pollFallback(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, userID, filter uuid.UUID, known map[uuid.UUID]bool, terminalSent map[string]bool) (map[uuid.UUID]bool, error) {
	current, err := h.store.ListActiveJobIDs(ctx, userID)
	if err != nil {
		h.logger.Warn("stream poll failed", "user_id", userID, "error", err)
		return known, nil
	}
	if filter != uuid.Nil {
		current = h.workflowJobIDs(ctx, filter, current)
	}

	currentSet := make(map[uuid.UUID]bool, len(current))
	for _, id := range current {
		currentSet[id] = true
	}

	for id := range known {
		if currentSet[id] {
			continue
		}
		job, err := h.store.GetJob(ctx, id)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				h.logger.Warn("stream poll job lookup failed", "job_id", id, "error", err)
			}
			continue
		}
		final, done, err := h.finishedWorkflow(ctx, job)
		if err != nil {
			h.logger.Warn("stream poll workflow lookup failed", "job_id", id, "error", err)
			continue
		}
		if !done {
			// A step finished but the workflow continues; later steps stay
			// in the watched set via the current active list.
			continue
		}
		root := rootID(job)
		if terminalSent[root.String()] {
			continue
		}
		event := terminalEvent(root, final)
		if err := writeEvent(w, flusher, &event); err != nil {
			return known, err
		}
		terminalSent[root.String()] = true
	}

	return currentSet, nil
}

func rootID(job *models.Job) uuid.UUID {
	if job.ParentID != nil {
		return *job.ParentID
	}
	return job.ID
}

// terminalEvent synthesizes the stream-ending event for a settled workflow
// from its persisted state. Events are keyed by the root job ID, matching
// what the worker publishes.
func terminalEvent(root uuid.UUID, job *models.Job) models.ProgressEvent {
	event := models.ProgressEvent{
		JobID:     root.String(),
		StepID:    job.StepID,
		Timestamp: time.Now().UTC(),
	}
	if job.Status == models.JobStatusCompleted {
		event.Type = models.EventCompleted
		event.Progress = 100
		event.Output = job.Output
	} else {
		event.Type = models.EventFailed
		if job.ErrorCode != nil {
			event.Error = *job.ErrorCode
		}
	}
	return event
}

func writeStreamHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
}

func writeConnected(w http.ResponseWriter, flusher http.Flusher, active []uuid.UUID) error {
	ids := make([]string, 0, len(active))
	for _, id := range active {
		ids = append(ids, id.String())
	}
	payload, err := json.Marshal(models.ConnectedEvent{
		Type:         models.EventConnected,
		ActiveJobIDs: ids,
		Timestamp:    time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	return writeFrame(w, flusher, "", models.EventConnected, payload)
}

func writeEvent(w http.ResponseWriter, flusher http.Flusher, event *models.ProgressEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return writeFrame(w, flusher, event.SequenceID, event.Type, payload)
}

func writeHeartbeat(w http.ResponseWriter, flusher http.Flusher) error {
	payload, err := json.Marshal(models.ProgressEvent{
		Type:      models.EventHeartbeat,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	return writeFrame(w, flusher, "", models.EventHeartbeat, payload)
}

// writeFrame emits one SSE frame. The id field carries the bus sequence ID
// so clients can resume via last_event_id after a reconnect.
func writeFrame(w http.ResponseWriter, flusher http.Flusher, id, eventType string, data []byte) error {
	if id != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", id); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
