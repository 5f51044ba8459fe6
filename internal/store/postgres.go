package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pixelforge/pixelforge/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Users & API Keys ---

func (s *PostgresStore) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var u models.User
	err := s.pool.QueryRow(ctx,
		`SELECT id, email, is_admin, deleted_at, created_at, updated_at
		 FROM users WHERE id = $1 AND deleted_at IS NULL`, id,
	).Scan(&u.ID, &u.Email, &u.IsAdmin, &u.DeletedAt, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.UserID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, user_id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		key.ID, key.UserID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

// --- Catalog ---

func (s *PostgresStore) GetTool(ctx context.Context, slug string) (*models.Tool, error) {
	var t models.Tool
	var stepsJSON []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, slug, title, steps, is_active, created_at, updated_at
		 FROM tools WHERE slug = $1`, slug,
	).Scan(&t.ID, &t.Slug, &t.Title, &stepsJSON, &t.IsActive, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get tool: %w", err)
	}
	if err := json.Unmarshal(stepsJSON, &t.Steps); err != nil {
		return nil, fmt.Errorf("decode tool steps: %w", err)
	}
	return &t, nil
}

func (s *PostgresStore) GetProvider(ctx context.Context, name string) (*models.Provider, error) {
	var p models.Provider
	var rateLimitJSON []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, capability, COALESCE(base_url, ''), credential_blob, rate_limit, config, is_active, created_at, updated_at
		 FROM providers WHERE name = $1`, name,
	).Scan(&p.ID, &p.Name, &p.Capability, &p.BaseURL, &p.CredentialBlob, &rateLimitJSON,
		&p.Config, &p.IsActive, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get provider: %w", err)
	}
	if len(rateLimitJSON) > 0 {
		var rl models.RateLimitConfig
		if err := json.Unmarshal(rateLimitJSON, &rl); err != nil {
			return nil, fmt.Errorf("decode provider rate limit: %w", err)
		}
		p.RateLimit = &rl
	}
	return &p, nil
}

// --- Jobs ---

const jobColumns = `id, parent_id, owner_id, tool_slug, step_id, provider_name, model, status,
	credits_cost, input, output, error_code, queue_job_id, started_at, completed_at, deleted_at,
	created_at, updated_at`

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	err := row.Scan(&j.ID, &j.ParentID, &j.OwnerID, &j.ToolSlug, &j.StepID, &j.ProviderName,
		&j.Model, &j.Status, &j.CreditsCost, &j.Input, &j.Output, &j.ErrorCode, &j.QueueJobID,
		&j.StartedAt, &j.CompletedAt, &j.DeletedAt, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (id, parent_id, owner_id, tool_slug, step_id, provider_name, model, status, credits_cost, input, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		job.ID, job.ParentID, job.OwnerID, job.ToolSlug, job.StepID, job.ProviderName,
		job.Model, job.Status, job.CreditsCost, job.Input, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1 AND deleted_at IS NULL`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) ListJobsByOwner(ctx context.Context, filter JobFilter) ([]*models.Job, int, error) {
	if filter.Limit <= 0 {
		filter.Limit = 20
	}

	where := `owner_id = $1 AND deleted_at IS NULL AND parent_id IS NULL`
	args := []any{filter.OwnerID}
	if filter.ToolSlug != "" {
		where += ` AND tool_slug = $2`
		args = append(args, filter.ToolSlug)
	}

	var total int
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM jobs WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	args = append(args, filter.Limit, filter.Offset)
	query := fmt.Sprintf(`SELECT %s FROM jobs WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		jobColumns, where, len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, total, rows.Err()
}

func (s *PostgresStore) ListChildJobs(ctx context.Context, parentID uuid.UUID) ([]*models.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE parent_id = $1 AND deleted_at IS NULL ORDER BY created_at`, parentID)
	if err != nil {
		return nil, fmt.Errorf("list child jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *PostgresStore) ListActiveJobIDs(ctx context.Context, ownerID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM jobs
		 WHERE owner_id = $1 AND status = ANY($2) AND deleted_at IS NULL`,
		ownerID, models.ActiveJobStatuses)
	if err != nil {
		return nil, fmt.Errorf("list active job ids: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan job id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpdateJobStatus advances a job's status. Terminal rows are immutable: an
// update against a completed or failed job returns ErrInvalidTransition,
// which makes redelivered queue tasks safe to re-enter.
func (s *PostgresStore) UpdateJobStatus(ctx context.Context, id uuid.UUID, status string, opts ...JobUpdateOption) error {
	var params jobUpdateParams
	for _, opt := range opts {
		opt(&params)
	}

	sets := []string{"status = $2", "updated_at = NOW()"}
	args := []any{id, status}

	if params.Output != nil {
		args = append(args, params.Output)
		sets = append(sets, fmt.Sprintf("output = $%d", len(args)))
	}
	if params.ErrorCode != nil {
		args = append(args, *params.ErrorCode)
		sets = append(sets, fmt.Sprintf("error_code = $%d", len(args)))
	}
	if params.StartedAt != nil {
		args = append(args, *params.StartedAt)
		sets = append(sets, fmt.Sprintf("started_at = $%d", len(args)))
	}
	if params.CompletedAt != nil {
		args = append(args, *params.CompletedAt)
		sets = append(sets, fmt.Sprintf("completed_at = $%d", len(args)))
	}

	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE jobs SET %s WHERE id = $1 AND status NOT IN ('completed', 'failed')`,
			strings.Join(sets, ", ")),
		args...)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var current string
		err := s.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, id).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("check job status: %w", err)
		}
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
	}
	return nil
}

func (s *PostgresStore) SetJobQueueID(ctx context.Context, id uuid.UUID, queueJobID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE jobs SET queue_job_id = $2, updated_at = NOW() WHERE id = $1`, id, queueJobID)
	if err != nil {
		return fmt.Errorf("set job queue id: %w", err)
	}
	return nil
}

// SoftDeleteJob marks a job and its children as deleted without touching the
// rows themselves; the pipeline never hard-deletes user jobs.
func (s *PostgresStore) SoftDeleteJob(ctx context.Context, id uuid.UUID, ownerID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET deleted_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND owner_id = $2 AND deleted_at IS NULL`, id, ownerID)
	if err != nil {
		return fmt.Errorf("soft delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE jobs SET deleted_at = NOW(), updated_at = NOW()
		 WHERE parent_id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("soft delete child jobs: %w", err)
	}
	return nil
}

// DeleteJob hard-deletes a job row. Used only to roll back a submission
// whose credit reservation failed, before the job was ever visible.
func (s *PostgresStore) DeleteJob(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	return nil
}

func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
