package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/roost/internal/domain"
)

// ActionRepo persists durable action records and enforces the dedup contract
// through the uq_actions_inflight partial unique index.
type ActionRepo struct{ Pool PgxPool }

// NewActionRepo constructs an ActionRepo with the given pool.
func NewActionRepo(p PgxPool) *ActionRepo { return &ActionRepo{Pool: p} }

const actionColumns = `id, account_id, job_id, action_type, target_id, status,
	COALESCE(error,''), rate_limit, meta, created_at, updated_at`

func scanAction(row pgx.Row) (domain.Action, error) {
	var a domain.Action
	var rl, meta []byte
	if err := row.Scan(&a.ID, &a.AccountID, &a.JobID, &a.Class, &a.TargetID,
		&a.Status, &a.Error, &rl, &meta, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return domain.Action{}, err
	}
	if len(rl) > 0 {
		var info domain.RateLimitInfo
		if err := json.Unmarshal(rl, &info); err == nil {
			a.RateLimit = &info
		}
	}
	if len(meta) > 0 {
		_ = json.Unmarshal(meta, &a.Meta)
	}
	return a, nil
}

// Create inserts a new action. A violation of the in-flight uniqueness index
// maps to domain.ErrDuplicate so callers can reference the existing record.
func (r *ActionRepo) Create(ctx context.Context, a domain.Action) (string, error) {
	tracer := otel.Tracer("repo.actions")
	ctx, span := tracer.Start(ctx, "actions.Create")
	defer span.End()
	id := a.ID
	if id == "" {
		id = uuid.New().String()
	}
	if a.Status == "" {
		a.Status = domain.ActionPending
	}
	meta, err := json.Marshal(a.Meta)
	if err != nil {
		return "", fmt.Errorf("op=action.create_meta: %w", err)
	}
	if a.Meta == nil {
		meta = []byte(`{}`)
	}
	now := time.Now().UTC()
	q := `INSERT INTO actions (id, account_id, job_id, action_type, target_id, status, meta, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`
	if _, err := r.Pool.Exec(ctx, q, id, a.AccountID, a.JobID, a.Class, a.TargetID, a.Status, meta, now, now); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return "", fmt.Errorf("op=action.create: %w", domain.ErrDuplicate)
		}
		return "", fmt.Errorf("op=action.create: %w", err)
	}
	return id, nil
}

// Get loads an action by id.
func (r *ActionRepo) Get(ctx context.Context, id string) (domain.Action, error) {
	row := r.Pool.QueryRow(ctx, `SELECT `+actionColumns+` FROM actions WHERE id=$1`, id)
	a, err := scanAction(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Action{}, fmt.Errorf("op=action.get: %w", domain.ErrNotFound)
		}
		return domain.Action{}, fmt.Errorf("op=action.get: %w", err)
	}
	return a, nil
}

// FindActive returns the non-terminal action for the tuple, if any.
func (r *ActionRepo) FindActive(ctx context.Context, accountID string, class domain.ActionClass, targetID string) (domain.Action, error) {
	q := `SELECT ` + actionColumns + ` FROM actions
		WHERE account_id=$1 AND action_type=$2 AND target_id=$3
		  AND status IN ('pending','running','locked')
		LIMIT 1`
	row := r.Pool.QueryRow(ctx, q, accountID, class, targetID)
	a, err := scanAction(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Action{}, fmt.Errorf("op=action.find_active: %w", domain.ErrNotFound)
		}
		return domain.Action{}, fmt.Errorf("op=action.find_active: %w", err)
	}
	return a, nil
}

// FindCompleted returns a completed action for the tuple, if any.
func (r *ActionRepo) FindCompleted(ctx context.Context, accountID string, class domain.ActionClass, targetID string) (domain.Action, error) {
	q := `SELECT ` + actionColumns + ` FROM actions
		WHERE account_id=$1 AND action_type=$2 AND target_id=$3 AND status='completed'
		LIMIT 1`
	row := r.Pool.QueryRow(ctx, q, accountID, class, targetID)
	a, err := scanAction(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Action{}, fmt.Errorf("op=action.find_completed: %w", domain.ErrNotFound)
		}
		return domain.Action{}, fmt.Errorf("op=action.find_completed: %w", err)
	}
	return a, nil
}

// UpdateStatus sets the action status with an optional error message and
// platform rate-limit metadata.
func (r *ActionRepo) UpdateStatus(ctx context.Context, id string, status domain.ActionStatus, errMsg string, rl *domain.RateLimitInfo) error {
	tracer := otel.Tracer("repo.actions")
	ctx, span := tracer.Start(ctx, "actions.UpdateStatus")
	defer span.End()
	var rlJSON []byte
	if rl != nil {
		var err error
		rlJSON, err = json.Marshal(rl)
		if err != nil {
			return fmt.Errorf("op=action.update_rl: %w", err)
		}
	}
	q := `UPDATE actions SET status=$2, error=$3,
		rate_limit = COALESCE($4, rate_limit), updated_at = now()
		WHERE id=$1`
	if _, err := r.Pool.Exec(ctx, q, id, status, errMsg, rlJSON); err != nil {
		return fmt.Errorf("op=action.update_status: %w", err)
	}
	return nil
}

// CountWindow counts completed-or-running actions for the account in any of
// the classes since the cutoff. The post daily budget passes the class union.
func (r *ActionRepo) CountWindow(ctx context.Context, accountID string, classes []domain.ActionClass, since time.Time) (int, error) {
	var n int
	q := `SELECT COUNT(*) FROM actions
		WHERE account_id=$1 AND action_type = ANY($2)
		  AND status IN ('completed','running') AND created_at >= $3`
	if err := r.Pool.QueryRow(ctx, q, accountID, classStrings(classes), since).Scan(&n); err != nil {
		return 0, fmt.Errorf("op=action.count_window: %w", err)
	}
	return n, nil
}

// OldestWindow returns the creation time of the oldest completed-or-running
// action in the window, used to compute the earliest retry time.
func (r *ActionRepo) OldestWindow(ctx context.Context, accountID string, classes []domain.ActionClass, since time.Time) (*time.Time, error) {
	var oldest *time.Time
	q := `SELECT MIN(created_at) FROM actions
		WHERE account_id=$1 AND action_type = ANY($2)
		  AND status IN ('completed','running') AND created_at >= $3`
	if err := r.Pool.QueryRow(ctx, q, accountID, classStrings(classes), since).Scan(&oldest); err != nil {
		return nil, fmt.Errorf("op=action.oldest_window: %w", err)
	}
	return oldest, nil
}

// LastAttempt returns the creation time of the most recent non-failed action
// for the account and class.
func (r *ActionRepo) LastAttempt(ctx context.Context, accountID string, class domain.ActionClass) (*time.Time, error) {
	var last *time.Time
	q := `SELECT MAX(created_at) FROM actions
		WHERE account_id=$1 AND action_type=$2 AND status <> 'failed'`
	if err := r.Pool.QueryRow(ctx, q, accountID, class).Scan(&last); err != nil {
		return nil, fmt.Errorf("op=action.last_attempt: %w", err)
	}
	return last, nil
}

// RunningCount counts in-flight actions for the account and class.
func (r *ActionRepo) RunningCount(ctx context.Context, accountID string, class domain.ActionClass) (int, error) {
	var n int
	q := `SELECT COUNT(*) FROM actions
		WHERE account_id=$1 AND action_type=$2 AND status='running'`
	if err := r.Pool.QueryRow(ctx, q, accountID, class).Scan(&n); err != nil {
		return 0, fmt.Errorf("op=action.running_count: %w", err)
	}
	return n, nil
}

// FailStale demotes running actions older than the cutoff to failed with
// reason "timeout".
func (r *ActionRepo) FailStale(ctx context.Context, olderThan time.Time) (int64, error) {
	tracer := otel.Tracer("repo.actions")
	ctx, span := tracer.Start(ctx, "actions.FailStale")
	defer span.End()
	q := `UPDATE actions SET status='failed', error='timeout', updated_at = now()
		WHERE status='running' AND created_at < $1`
	tag, err := r.Pool.Exec(ctx, q, olderThan)
	if err != nil {
		return 0, fmt.Errorf("op=action.fail_stale: %w", err)
	}
	return tag.RowsAffected(), nil
}

func classStrings(classes []domain.ActionClass) []string {
	out := make([]string, len(classes))
	for i, c := range classes {
		out[i] = string(c)
	}
	return out
}
