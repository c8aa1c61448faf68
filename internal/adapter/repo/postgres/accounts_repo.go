package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/roost/internal/domain"
)

// AccountRepo persists worker accounts. Worker selection locks rows with
// FOR UPDATE SKIP LOCKED and flips the active flag inside the same
// transaction, so parallel selectors never receive the same worker.
type AccountRepo struct{ Pool PgxPool }

// NewAccountRepo constructs an AccountRepo with the given pool.
func NewAccountRepo(p PgxPool) *AccountRepo { return &AccountRepo{Pool: p} }

const accountColumns = `id, account_no, kind, handle, auth_token, csrf_token, bearer,
	oauth_consumer_key, oauth_consumer_secret, oauth_access_token, oauth_access_secret,
	proxy_url, proxy_user, proxy_pass, fingerprint, active,
	total_completed, total_failed, requests_15m, requests_24h,
	last_reset, last_reset_24h, last_task_time, reactivate_at, validation_state, oauth_state,
	deleted_at, created_at, updated_at`

func scanAccount(row pgx.Row) (domain.Account, error) {
	var a domain.Account
	if err := row.Scan(&a.ID, &a.AccountNo, &a.Kind, &a.Handle, &a.AuthToken, &a.CSRFToken, &a.Bearer,
		&a.OAuthConsumerKey, &a.OAuthConsumerSecret, &a.OAuthAccessToken, &a.OAuthAccessSecret,
		&a.ProxyURL, &a.ProxyUser, &a.ProxyPass, &a.Fingerprint, &a.Active,
		&a.TotalCompleted, &a.TotalFailed, &a.Requests15m, &a.Requests24h,
		&a.LastReset, &a.LastReset24h, &a.LastTaskAt, &a.ReactivateAt, &a.ValidationState, &a.OAuthState,
		&a.DeletedAt, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return domain.Account{}, err
	}
	return a, nil
}

// Get loads an account by id.
func (r *AccountRepo) Get(ctx context.Context, id string) (domain.Account, error) {
	row := r.Pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id=$1`, id)
	a, err := scanAccount(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Account{}, fmt.Errorf("op=account.get: %w", domain.ErrNotFound)
		}
		return domain.Account{}, fmt.Errorf("op=account.get: %w", err)
	}
	return a, nil
}

// GetByAccountNo loads an account by its stable external number.
func (r *AccountRepo) GetByAccountNo(ctx context.Context, accountNo string) (domain.Account, error) {
	row := r.Pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE account_no=$1 AND deleted_at IS NULL`, accountNo)
	a, err := scanAccount(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Account{}, fmt.Errorf("op=account.get_by_no: %w", domain.ErrNotFound)
		}
		return domain.Account{}, fmt.Errorf("op=account.get_by_no: %w", err)
	}
	return a, nil
}

// ListWorkers returns all non-deleted worker accounts.
func (r *AccountRepo) ListWorkers(ctx context.Context) ([]domain.Account, error) {
	tracer := otel.Tracer("repo.accounts")
	ctx, span := tracer.Start(ctx, "accounts.ListWorkers")
	defer span.End()
	q := `SELECT ` + accountColumns + ` FROM accounts
		WHERE kind='worker' AND deleted_at IS NULL ORDER BY account_no`
	rows, err := r.Pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("op=account.list_workers: %w", err)
	}
	defer rows.Close()
	var out []domain.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("op=account.list_scan: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=account.list_rows: %w", err)
	}
	return out, nil
}

// SelectEligible locks up to limit dispatchable, not-yet-active workers,
// marks them active and returns them. Selection order prefers the least
// loaded workers (requests_15m, total_completed ascending).
func (r *AccountRepo) SelectEligible(ctx context.Context, limit, maxRequests int, excludeIDs []string) ([]domain.Account, error) {
	tracer := otel.Tracer("repo.accounts")
	ctx, span := tracer.Start(ctx, "accounts.SelectEligible")
	defer span.End()
	tx, err := r.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("op=account.select_begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if excludeIDs == nil {
		excludeIDs = []string{}
	}
	// Expire stale 24h windows first: once a worker hits the per-worker cap
	// it stops executing tasks, so nothing else would ever reset its counter.
	sweep := `UPDATE accounts SET requests_24h = 0, last_reset_24h = now()
		WHERE kind='worker' AND deleted_at IS NULL AND requests_24h > 0
		  AND (last_reset_24h IS NULL OR last_reset_24h < now() - interval '24 hours')`
	if _, err := tx.Exec(ctx, sweep); err != nil {
		return nil, fmt.Errorf("op=account.select_sweep: %w", err)
	}
	q := `SELECT ` + accountColumns + ` FROM accounts
		WHERE kind='worker' AND deleted_at IS NULL AND NOT active
		  AND validation_state IN ('completed','pending')
		  AND auth_token <> '' AND csrf_token <> ''
		  AND (reactivate_at IS NULL OR reactivate_at <= now())
		  AND requests_24h < $2
		  AND NOT (id::text = ANY($3))
		ORDER BY requests_15m ASC, total_completed ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED`
	rows, err := tx.Query(ctx, q, limit, maxRequests, excludeIDs)
	if err != nil {
		return nil, fmt.Errorf("op=account.select: %w", err)
	}
	var selected []domain.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("op=account.select_scan: %w", err)
		}
		selected = append(selected, a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=account.select_rows: %w", err)
	}
	for i := range selected {
		if _, err := tx.Exec(ctx, `UPDATE accounts SET active=TRUE, updated_at=now() WHERE id=$1`, selected[i].ID); err != nil {
			return nil, fmt.Errorf("op=account.select_activate: %w", err)
		}
		selected[i].Active = true
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("op=account.select_commit: %w", err)
	}
	return selected, nil
}

// SetActive flips the activation flag.
func (r *AccountRepo) SetActive(ctx context.Context, id string, active bool) error {
	if _, err := r.Pool.Exec(ctx, `UPDATE accounts SET active=$2, updated_at=now() WHERE id=$1`, id, active); err != nil {
		return fmt.Errorf("op=account.set_active: %w", err)
	}
	return nil
}

// Deactivate clears the active flag and optionally sets a reactivation time
// used for platform rate-limit cooldowns.
func (r *AccountRepo) Deactivate(ctx context.Context, id string, until *time.Time) error {
	tracer := otel.Tracer("repo.accounts")
	ctx, span := tracer.Start(ctx, "accounts.Deactivate")
	defer span.End()
	q := `UPDATE accounts SET active=FALSE, reactivate_at=$2, updated_at=now() WHERE id=$1`
	if _, err := r.Pool.Exec(ctx, q, id, until); err != nil {
		return fmt.Errorf("op=account.deactivate: %w", err)
	}
	return nil
}

// SetValidationState updates the credential validation state.
func (r *AccountRepo) SetValidationState(ctx context.Context, id string, state domain.ValidationState) error {
	if _, err := r.Pool.Exec(ctx, `UPDATE accounts SET validation_state=$2, updated_at=now() WHERE id=$1`, id, state); err != nil {
		return fmt.Errorf("op=account.set_validation: %w", err)
	}
	return nil
}

// RecordTaskResult bumps counters and the sliding request windows in one
// statement. Each window resets lazily on its own anchor: requests_15m on
// last_reset, requests_24h on last_reset_24h.
func (r *AccountRepo) RecordTaskResult(ctx context.Context, id string, success bool, at time.Time) error {
	tracer := otel.Tracer("repo.accounts")
	ctx, span := tracer.Start(ctx, "accounts.RecordTaskResult")
	defer span.End()
	q := `UPDATE accounts SET
		total_completed = total_completed + CASE WHEN $2 THEN 1 ELSE 0 END,
		total_failed    = total_failed    + CASE WHEN $2 THEN 0 ELSE 1 END,
		requests_15m = CASE WHEN last_reset IS NULL OR last_reset < $3 - interval '15 minutes'
			THEN 1 ELSE requests_15m + 1 END,
		requests_24h = CASE WHEN last_reset_24h IS NULL OR last_reset_24h < $3 - interval '24 hours'
			THEN 1 ELSE requests_24h + 1 END,
		last_reset = CASE WHEN last_reset IS NULL OR last_reset < $3 - interval '15 minutes'
			THEN $3 ELSE last_reset END,
		last_reset_24h = CASE WHEN last_reset_24h IS NULL OR last_reset_24h < $3 - interval '24 hours'
			THEN $3 ELSE last_reset_24h END,
		last_task_time = $3,
		updated_at = now()
		WHERE id = $1`
	if _, err := r.Pool.Exec(ctx, q, id, success, at); err != nil {
		return fmt.Errorf("op=account.record_result: %w", err)
	}
	return nil
}
