package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/pixelforge/pixelforge/internal/api/middleware"
	"github.com/pixelforge/pixelforge/internal/api/response"
	"github.com/pixelforge/pixelforge/internal/catalog"
	"github.com/pixelforge/pixelforge/internal/ledger"
	"github.com/pixelforge/pixelforge/internal/queue"
	"github.com/pixelforge/pixelforge/internal/storage"
	"github.com/pixelforge/pixelforge/internal/store"
	"github.com/pixelforge/pixelforge/pkg/models"
)

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
)

// errorCodeCanceled marks jobs the owner withdrew before a worker claimed them.
const errorCodeCanceled = "Canceled"

// JobQueue is the queue surface the job handlers depend on.
type JobQueue interface {
	Enqueue(ctx context.Context, task *queue.Task) error
	Remove(ctx context.Context, taskID string) (bool, error)
}

// URLSigner mints expiring download URLs for stored media.
type URLSigner interface {
	DownloadURL(key string) (string, error)
}

// NewSubmitJobHandler returns an http.HandlerFunc for POST /api/v1/jobs.
// Submission is fully synchronous up to admission: the job row is created,
// the workflow's total credit cost is reserved, and the task is enqueued
// before the 202 goes out. Any failure along the way rolls the earlier
// steps back so a rejected submission leaves no trace.
func NewSubmitJobHandler(cat *catalog.Service, st store.Store, led ledger.Ledger, q JobQueue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID, ok := mw.GetUserID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
			return
		}

		var req struct {
			Tool  string          `json:"tool"`
			Input json.RawMessage `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if req.Tool == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "tool is required", nil)
			return
		}

		tool, err := cat.ResolveTool(r.Context(), req.Tool)
		if err != nil {
			switch {
			case errors.Is(err, catalog.ErrToolNotFound):
				response.Error(w, http.StatusNotFound, "TOOL_NOT_FOUND",
					"No such tool", nil)
			case errors.Is(err, catalog.ErrToolInactive):
				response.Error(w, http.StatusGone, "TOOL_INACTIVE",
					"This tool is no longer available", nil)
			default:
				response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
					"An unexpected error occurred", nil)
			}
			return
		}

		firstStep := tool.Steps[0]
		now := time.Now().UTC()
		job := &models.Job{
			ID:           uuid.New(),
			OwnerID:      ownerID,
			ToolSlug:     tool.Slug,
			StepID:       firstStep.ID,
			ProviderName: firstStep.ProviderName,
			Model:        firstStep.Model,
			Status:       models.JobStatusPending,
			CreditsCost:  cat.TotalCost(tool),
			Input:        req.Input,
			CreatedAt:    now,
			UpdatedAt:    now,
		}

		if err := st.CreateJob(r.Context(), job); err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to create job", nil)
			return
		}

		if err := led.Reserve(r.Context(), ownerID, job.ID, job.CreditsCost); err != nil {
			st.DeleteJob(r.Context(), job.ID)
			if errors.Is(err, ledger.ErrInsufficientCredits) {
				response.Error(w, http.StatusBadRequest, "INSUFFICIENT_CREDITS",
					"Not enough credits for this tool", map[string]any{"required": job.CreditsCost})
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to reserve credits", nil)
			return
		}

		taskID := queue.TaskID(job.ID, "")
		task := &queue.Task{
			ID:         taskID,
			JobID:      job.ID,
			OwnerID:    ownerID,
			EnqueuedAt: now,
		}
		if err := q.Enqueue(r.Context(), task); err != nil && !errors.Is(err, queue.ErrDuplicateJob) {
			led.Release(r.Context(), ownerID, job.ID, job.CreditsCost)
			st.DeleteJob(r.Context(), job.ID)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to enqueue job", nil)
			return
		}

		st.SetJobQueueID(r.Context(), job.ID, taskID)
		if err := st.UpdateJobStatus(r.Context(), job.ID, models.JobStatusQueued); err == nil {
			job.Status = models.JobStatusQueued
		}

		response.Accepted(w, jobView{Job: job})
	}
}

// NewGetJobHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}.
// Responses for root jobs include any chained child jobs, and completed
// outputs carry freshly minted download URLs.
func NewGetJobHandler(st store.Store, urls URLSigner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID, ok := mw.GetUserID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
			return
		}

		job, ok := loadOwnedJob(w, r, st, ownerID)
		if !ok {
			return
		}

		view := newJobView(job, urls)
		if job.ParentID == nil {
			children, err := st.ListChildJobs(r.Context(), job.ID)
			if err != nil {
				response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
					"Failed to load job steps", nil)
				return
			}
			for _, child := range children {
				cv := newJobView(child, urls)
				view.Children = append(view.Children, *cv)
			}
		}

		response.JSON(w, view)
	}
}

// NewListJobsHandler returns an http.HandlerFunc for GET /api/v1/jobs.
// Listings cover root jobs only; chained steps show up under their root.
func NewListJobsHandler(st store.Store, urls URLSigner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID, ok := mw.GetUserID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
			return
		}

		page, limit := parsePagination(r)
		filter := store.JobFilter{
			OwnerID:  ownerID,
			ToolSlug: r.URL.Query().Get("tool"),
			Limit:    limit,
			Offset:   (page - 1) * limit,
		}

		jobs, total, err := st.ListJobsByOwner(r.Context(), filter)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to list jobs", nil)
			return
		}

		views := make([]jobView, 0, len(jobs))
		for _, job := range jobs {
			views = append(views, *newJobView(job, urls))
		}

		response.Collection(w, views, response.PaginationMeta{
			Page:    page,
			Limit:   limit,
			Total:   total,
			HasNext: page*limit < total,
		})
	}
}

// NewDeleteJobHandler returns an http.HandlerFunc for DELETE /api/v1/jobs/{jobID}.
// Deleting a job that has not been claimed yet also cancels it: the queued
// task is withdrawn and the credit reservation is returned.
func NewDeleteJobHandler(st store.Store, led ledger.Ledger, q JobQueue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID, ok := mw.GetUserID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
			return
		}

		job, ok := loadOwnedJob(w, r, st, ownerID)
		if !ok {
			return
		}

		if !models.IsTerminalStatus(job.Status) {
			removed, err := q.Remove(r.Context(), queue.TaskID(job.ID, job.StepID))
			if err == nil && removed {
				// Withdrawn before any worker claimed it; settle the job so
				// the reservation does not dangle.
				now := time.Now().UTC()
				if err := st.UpdateJobStatus(r.Context(), job.ID, models.JobStatusFailed,
					store.WithErrorCode(errorCodeCanceled),
					store.WithCompletedAt(now)); err == nil {
					led.Release(r.Context(), ownerID, rootJobID(job), job.CreditsCost)
				}
			}
		}

		if err := st.SoftDeleteJob(r.Context(), job.ID, ownerID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "No such job", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to delete job", nil)
			return
		}

		response.JSON(w, map[string]any{"id": job.ID, "deleted": true})
	}
}

// loadOwnedJob resolves the jobID route param to a job owned by ownerID.
// Jobs belonging to other users come back as 404 so ids cannot be probed.
func loadOwnedJob(w http.ResponseWriter, r *http.Request, st store.Store, ownerID uuid.UUID) (*models.Job, bool) {
	jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid job id", nil)
		return nil, false
	}

	job, err := st.GetJob(r.Context(), jobID)
	if errors.Is(err, store.ErrNotFound) {
		response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "No such job", nil)
		return nil, false
	}
	if err != nil {
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"Failed to load job", nil)
		return nil, false
	}
	if job.OwnerID != ownerID {
		response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "No such job", nil)
		return nil, false
	}
	return job, true
}

func rootJobID(job *models.Job) uuid.UUID {
	if job.ParentID != nil {
		return *job.ParentID
	}
	return job.ID
}

func parsePagination(r *http.Request) (page, limit int) {
	page, _ = strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if limit < 1 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	return page, limit
}

// jobView is the API shape of a job. It shadows the stored output blob with
// a resolved view carrying signed download URLs.
type jobView struct {
	*models.Job
	Output   *outputView `json:"output,omitempty"`
	Children []jobView   `json:"children,omitempty"`
}

type outputView struct {
	Images  []imageView     `json:"images,omitempty"`
	Text    string          `json:"text,omitempty"`
	Session json.RawMessage `json:"session,omitempty"`
}

type imageView struct {
	StorageKey string `json:"storage_key"`
	Type       string `json:"type"`
	URL        string `json:"url,omitempty"`
}

func newJobView(job *models.Job, urls URLSigner) *jobView {
	view := &jobView{Job: job}
	if len(job.Output) == 0 {
		return view
	}

	var out models.JobOutput
	if err := json.Unmarshal(job.Output, &out); err != nil {
		return view
	}

	ov := &outputView{Text: out.Text, Session: out.Session}
	for _, img := range out.Images {
		iv := imageView{StorageKey: img.StorageKey, Type: img.Type}
		if u, err := urls.DownloadURL(img.StorageKey); err == nil {
			iv.URL = u
		}
		ov.Images = append(ov.Images, iv)
	}
	view.Output = ov
	return view
}

var _ URLSigner = (*storage.Local)(nil)
