package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/roost/internal/domain"
)

// JobRepo persists and loads jobs from PostgreSQL.
type JobRepo struct{ Pool PgxPool }

// NewJobRepo constructs a JobRepo with the given pool.
func NewJobRepo(p PgxPool) *JobRepo { return &JobRepo{Pool: p} }

const jobColumns = `id, type, input_params, status, priority, retry_count, batch,
	assigned_worker_id, result, COALESCE(error,''), cancel_requested,
	earliest_retry_at, created_at, started_at, completed_at, updated_at`

func scanJob(row pgx.Row) (domain.Job, error) {
	var j domain.Job
	var params []byte
	if err := row.Scan(&j.ID, &j.Type, &params, &j.Status, &j.Priority, &j.RetryCount,
		&j.Batch, &j.AssignedWorkerID, &j.Result, &j.Error, &j.CancelRequested,
		&j.EarliestRetryAt, &j.CreatedAt, &j.StartedAt, &j.CompletedAt, &j.UpdatedAt); err != nil {
		return domain.Job{}, err
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &j.Params); err != nil {
			return domain.Job{}, fmt.Errorf("params decode: %w", err)
		}
	}
	return j, nil
}

// Create inserts a new job in status pending and returns its id.
func (r *JobRepo) Create(ctx context.Context, j domain.Job) (string, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Create")
	defer span.End()
	id := j.ID
	if id == "" {
		id = uuid.New().String()
	}
	if j.Status == "" {
		j.Status = domain.JobPending
	}
	if j.Batch == 0 {
		j.Batch = 1
	}
	params, err := json.Marshal(j.Params)
	if err != nil {
		return "", fmt.Errorf("op=job.create_params: %w", err)
	}
	now := time.Now().UTC()
	q := `INSERT INTO jobs (id, type, input_params, status, priority, batch, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`
	if _, err := r.Pool.Exec(ctx, q, id, j.Type, params, j.Status, j.Priority, j.Batch, now, now); err != nil {
		return "", fmt.Errorf("op=job.create: %w", err)
	}
	return id, nil
}

// Get loads a job by id.
func (r *JobRepo) Get(ctx context.Context, id string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()
	row := r.Pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=$1`, id)
	j, err := scanJob(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.get: %w", err)
	}
	return j, nil
}

// List returns a page of jobs filtered by optional status and type, newest
// first, plus the total count for the filter.
func (r *JobRepo) List(ctx context.Context, offset, limit int, status, jobType string) ([]domain.Job, int64, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.List")
	defer span.End()
	q := `SELECT ` + jobColumns + ` FROM jobs
		WHERE ($1 = '' OR status = $1) AND ($2 = '' OR type = $2)
		ORDER BY created_at DESC OFFSET $3 LIMIT $4`
	rows, err := r.Pool.Query(ctx, q, status, jobType, offset, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("op=job.list: %w", err)
	}
	defer rows.Close()
	jobs := make([]domain.Job, 0, limit)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("op=job.list_scan: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("op=job.list_rows: %w", err)
	}
	var total int64
	cq := `SELECT COUNT(*) FROM jobs WHERE ($1 = '' OR status = $1) AND ($2 = '' OR type = $2)`
	if err := r.Pool.QueryRow(ctx, cq, status, jobType).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("op=job.list_count: %w", err)
	}
	return jobs, total, nil
}

// DequeuePending locks up to limit pending jobs of the batch and transitions
// them to locked. Row locks use SKIP LOCKED so parallel worker loops never
// pick the same job.
func (r *JobRepo) DequeuePending(ctx context.Context, batch, limit int) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.DequeuePending")
	defer span.End()
	q := `WITH picked AS (
		SELECT id FROM jobs
		WHERE status = 'pending' AND batch = $1
		  AND (earliest_retry_at IS NULL OR earliest_retry_at <= now())
		ORDER BY priority DESC, created_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	)
	UPDATE jobs j SET status = 'locked', updated_at = now()
	FROM picked WHERE j.id = picked.id
	RETURNING j.id, j.type, j.input_params, j.status, j.priority, j.retry_count, j.batch,
		j.assigned_worker_id, j.result, COALESCE(j.error,''), j.cancel_requested,
		j.earliest_retry_at, j.created_at, j.started_at, j.completed_at, j.updated_at`
	rows, err := r.Pool.Query(ctx, q, batch, limit)
	if err != nil {
		return nil, fmt.Errorf("op=job.dequeue: %w", err)
	}
	defer rows.Close()
	var jobs []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=job.dequeue_scan: %w", err)
		}
		j.Status = domain.JobLocked
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=job.dequeue_rows: %w", err)
	}
	return jobs, nil
}

// Release returns locked jobs to pending without touching retry counts.
func (r *JobRepo) Release(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Release")
	defer span.End()
	q := `UPDATE jobs SET status = 'pending', updated_at = now()
		WHERE id = ANY($1) AND status = 'locked'`
	if _, err := r.Pool.Exec(ctx, q, ids); err != nil {
		return fmt.Errorf("op=job.release: %w", err)
	}
	return nil
}

// MarkRunning transitions a locked job to running and records the worker
// binding and start time.
func (r *JobRepo) MarkRunning(ctx context.Context, id, workerID string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.MarkRunning")
	defer span.End()
	q := `UPDATE jobs SET status = 'running', assigned_worker_id = $2,
		started_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'locked'`
	tag, err := r.Pool.Exec(ctx, q, id, workerID)
	if err != nil {
		return fmt.Errorf("op=job.mark_running: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=job.mark_running: %w", domain.ErrConflict)
	}
	return nil
}

// MarkCompleted stores the result and finalises a running job.
func (r *JobRepo) MarkCompleted(ctx context.Context, id string, result json.RawMessage) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.MarkCompleted")
	defer span.End()
	q := `UPDATE jobs SET status = 'completed', result = $2, error = '',
		completed_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'running'`
	if _, err := r.Pool.Exec(ctx, q, id, result); err != nil {
		return fmt.Errorf("op=job.mark_completed: %w", err)
	}
	return nil
}

// MarkFailed finalises a job as failed with the given message.
func (r *JobRepo) MarkFailed(ctx context.Context, id, errMsg string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.MarkFailed")
	defer span.End()
	q := `UPDATE jobs SET status = 'failed', error = $2,
		completed_at = now(), updated_at = now()
		WHERE id = $1 AND status IN ('running','locked','pending')`
	if _, err := r.Pool.Exec(ctx, q, id, errMsg); err != nil {
		return fmt.Errorf("op=job.mark_failed: %w", err)
	}
	return nil
}

// MarkCancelled cancels a pending or locked job immediately; a running job
// only gets cancel_requested set and is finalised by the processor.
func (r *JobRepo) MarkCancelled(ctx context.Context, id string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.MarkCancelled")
	defer span.End()
	q := `UPDATE jobs SET
		status = CASE WHEN status IN ('pending','locked') THEN 'cancelled' ELSE status END,
		cancel_requested = CASE WHEN status = 'running' THEN TRUE ELSE cancel_requested END,
		updated_at = now()
		WHERE id = $1 AND status NOT IN ('completed','failed','cancelled')`
	tag, err := r.Pool.Exec(ctx, q, id)
	if err != nil {
		return fmt.Errorf("op=job.mark_cancelled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=job.mark_cancelled: %w", domain.ErrConflict)
	}
	return nil
}

// FinishCancelled finalises a running job whose cancellation was requested,
// discarding its result.
func (r *JobRepo) FinishCancelled(ctx context.Context, id string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.FinishCancelled")
	defer span.End()
	q := `UPDATE jobs SET status = 'cancelled', result = NULL,
		completed_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'running' AND cancel_requested`
	if _, err := r.Pool.Exec(ctx, q, id); err != nil {
		return fmt.Errorf("op=job.finish_cancelled: %w", err)
	}
	return nil
}

// Requeue returns a job to pending for another attempt. bumpRetry increments
// retry_count; earliest defers the next dequeue (rate-limit cooldown).
func (r *JobRepo) Requeue(ctx context.Context, id string, bumpRetry bool, earliest *time.Time) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Requeue")
	defer span.End()
	bump := 0
	if bumpRetry {
		bump = 1
	}
	q := `UPDATE jobs SET status = 'pending', retry_count = retry_count + $2,
		earliest_retry_at = $3, started_at = NULL, updated_at = now()
		WHERE id = $1 AND status IN ('running','locked','failed')`
	if _, err := r.Pool.Exec(ctx, q, id, bump, earliest); err != nil {
		return fmt.Errorf("op=job.requeue: %w", err)
	}
	return nil
}

// RequeueAssignedTo returns all in-flight jobs of the worker to pending.
func (r *JobRepo) RequeueAssignedTo(ctx context.Context, workerID string) (int64, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.RequeueAssignedTo")
	defer span.End()
	q := `UPDATE jobs SET status = 'pending', started_at = NULL, updated_at = now()
		WHERE assigned_worker_id = $1 AND status IN ('locked','running')`
	tag, err := r.Pool.Exec(ctx, q, workerID)
	if err != nil {
		return 0, fmt.Errorf("op=job.requeue_assigned: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RecoverInterrupted moves every locked or running job back to pending with
// started_at cleared. Called once at boot.
func (r *JobRepo) RecoverInterrupted(ctx context.Context) (int64, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.RecoverInterrupted")
	defer span.End()
	q := `UPDATE jobs SET status = 'pending', started_at = NULL, updated_at = now()
		WHERE status IN ('locked','running')`
	tag, err := r.Pool.Exec(ctx, q)
	if err != nil {
		return 0, fmt.Errorf("op=job.recover: %w", err)
	}
	return tag.RowsAffected(), nil
}

// MaxBatch returns the highest batch among non-terminal jobs, or 0.
func (r *JobRepo) MaxBatch(ctx context.Context) (int, error) {
	var b int
	q := `SELECT COALESCE(MAX(batch), 0) FROM jobs
		WHERE status IN ('pending','locked','running')`
	if err := r.Pool.QueryRow(ctx, q).Scan(&b); err != nil {
		return 0, fmt.Errorf("op=job.max_batch: %w", err)
	}
	return b, nil
}

// PendingInBatch counts non-terminal jobs in the batch.
func (r *JobRepo) PendingInBatch(ctx context.Context, batch int) (int64, error) {
	var n int64
	q := `SELECT COUNT(*) FROM jobs
		WHERE batch = $1 AND status IN ('pending','locked','running')`
	if err := r.Pool.QueryRow(ctx, q, batch).Scan(&n); err != nil {
		return 0, fmt.Errorf("op=job.pending_in_batch: %w", err)
	}
	return n, nil
}

// ActiveInBatch counts locked or running jobs in the batch.
func (r *JobRepo) ActiveInBatch(ctx context.Context, batch int) (int64, error) {
	var n int64
	q := `SELECT COUNT(*) FROM jobs
		WHERE batch = $1 AND status IN ('locked','running')`
	if err := r.Pool.QueryRow(ctx, q, batch).Scan(&n); err != nil {
		return 0, fmt.Errorf("op=job.active_in_batch: %w", err)
	}
	return n, nil
}

// Stats aggregates job counts and the average processing time.
func (r *JobRepo) Stats(ctx context.Context) (domain.JobStats, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Stats")
	defer span.End()
	stats := domain.JobStats{
		ByStatus: map[domain.JobStatus]int64{},
		ByType:   map[domain.JobType]int64{},
	}
	rows, err := r.Pool.Query(ctx, `SELECT status, type, COUNT(*) FROM jobs GROUP BY status, type`)
	if err != nil {
		return stats, fmt.Errorf("op=job.stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var st domain.JobStatus
		var tp domain.JobType
		var n int64
		if err := rows.Scan(&st, &tp, &n); err != nil {
			return stats, fmt.Errorf("op=job.stats_scan: %w", err)
		}
		stats.ByStatus[st] += n
		stats.ByType[tp] += n
		stats.Total += n
	}
	if err := rows.Err(); err != nil {
		return stats, fmt.Errorf("op=job.stats_rows: %w", err)
	}
	var avg *float64
	aq := `SELECT AVG(EXTRACT(EPOCH FROM (completed_at - started_at)))
		FROM jobs WHERE status = 'completed' AND started_at IS NOT NULL`
	if err := r.Pool.QueryRow(ctx, aq).Scan(&avg); err != nil {
		return stats, fmt.Errorf("op=job.stats_avg: %w", err)
	}
	if avg != nil {
		stats.AvgProcessSecs = *avg
	}
	return stats, nil
}
