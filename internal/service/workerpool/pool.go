// Package workerpool hands out worker accounts to job loops. Selection is
// delegated to the store (FOR UPDATE SKIP LOCKED plus an active flag flip in
// one transaction), so two loops never hold the same worker; the pool layers
// the concurrency cap, per-class rate checks and health filtering on top.
package workerpool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/roost/internal/domain"
	"github.com/fairyhunter13/roost/internal/observability"
	"github.com/fairyhunter13/roost/internal/service/ratelimiter"
)

// Options configures pool limits.
type Options struct {
	// MaxConcurrent caps how many workers may be held at once.
	MaxConcurrent int
	// MaxRequestsPerWorker caps requests_24h at selection time.
	MaxRequestsPerWorker int
	// MaxIdle marks an active worker unhealthy when its last task is older.
	MaxIdle time.Duration
}

// RateDenied reports a per-class admission denial for a named worker. It
// carries the earliest time a retry can succeed so callers can defer the job
// instead of re-polling through the whole denial window.
type RateDenied struct {
	WorkerID string
	Reason   string
	RetryAt  time.Time
}

func (e *RateDenied) Error() string {
	return fmt.Sprintf("worker %s denied: %s", e.WorkerID, e.Reason)
}

func (e *RateDenied) Unwrap() error { return domain.ErrRateLimited }

// Pool coordinates worker account checkout and release.
type Pool struct {
	accounts domain.AccountRepository
	limiter  *ratelimiter.Limiter
	opts     Options

	mu   sync.Mutex
	held map[string]domain.Account

	now func() time.Time
}

// New constructs a Pool.
func New(accounts domain.AccountRepository, limiter *ratelimiter.Limiter, opts Options) *Pool {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 12
	}
	if opts.MaxRequestsPerWorker <= 0 {
		opts.MaxRequestsPerWorker = 300
	}
	if opts.MaxIdle <= 0 {
		opts.MaxIdle = 30 * time.Minute
	}
	return &Pool{
		accounts: accounts,
		limiter:  limiter,
		opts:     opts,
		held:     map[string]domain.Account{},
		now:      time.Now,
	}
}

// WithClock overrides the clock; test hook.
func (p *Pool) WithClock(now func() time.Time) *Pool {
	p.now = now
	return p
}

// GetAvailable checks out up to n workers able to run one action of the given
// class right now. Workers that fail the per-class rate check are returned to
// the store immediately. An empty result is not an error; callers back off.
func (p *Pool) GetAvailable(ctx context.Context, class domain.ActionClass, n int) ([]domain.Account, error) {
	p.mu.Lock()
	free := p.opts.MaxConcurrent - len(p.held)
	exclude := make([]string, 0, len(p.held))
	for id := range p.held {
		exclude = append(exclude, id)
	}
	p.mu.Unlock()
	if free <= 0 {
		return nil, nil
	}
	if n > free {
		n = free
	}

	selected, err := p.accounts.SelectEligible(ctx, n, p.opts.MaxRequestsPerWorker, exclude)
	if err != nil {
		return nil, fmt.Errorf("op=pool.get_available: %w", err)
	}

	out := make([]domain.Account, 0, len(selected))
	for _, w := range selected {
		d, err := p.limiter.CheckAllowed(ctx, w.ID, class, "")
		if err != nil {
			_ = p.accounts.SetActive(ctx, w.ID, false)
			return nil, fmt.Errorf("op=pool.rate_check: %w", err)
		}
		if !d.Allowed {
			slog.Debug("worker skipped by rate check",
				slog.String("worker_id", w.ID),
				slog.String("class", string(class)),
				slog.String("reason", d.Reason))
			if err := p.accounts.SetActive(ctx, w.ID, false); err != nil {
				slog.Warn("worker release failed", slog.String("worker_id", w.ID), slog.Any("error", err))
			}
			continue
		}
		out = append(out, w)
	}

	p.mu.Lock()
	for _, w := range out {
		p.held[w.ID] = w
	}
	observability.WorkersActive.Set(float64(len(p.held)))
	p.mu.Unlock()
	return out, nil
}

// Acquire checks out one specific worker, used for jobs whose params name the
// acting account. Returns domain.ErrNoWorkers when the account is held or not
// dispatchable and domain.ErrRateLimited when the class budget denies it.
func (p *Pool) Acquire(ctx context.Context, accountID string, class domain.ActionClass) (domain.Account, error) {
	p.mu.Lock()
	if _, held := p.held[accountID]; held || len(p.held) >= p.opts.MaxConcurrent {
		p.mu.Unlock()
		return domain.Account{}, fmt.Errorf("op=pool.acquire: %w", domain.ErrNoWorkers)
	}
	// Reserve the slot before touching the store so a parallel Acquire of
	// the same id bails out above.
	p.held[accountID] = domain.Account{ID: accountID}
	p.mu.Unlock()
	release := func() {
		p.mu.Lock()
		delete(p.held, accountID)
		p.mu.Unlock()
	}

	a, err := p.accounts.Get(ctx, accountID)
	if err != nil {
		release()
		return domain.Account{}, fmt.Errorf("op=pool.acquire: %w", err)
	}
	now := p.now().UTC()
	if !a.Dispatchable(now) || !p.Healthy(a, now) || a.RequestsInDay(now) >= p.opts.MaxRequestsPerWorker {
		release()
		return domain.Account{}, fmt.Errorf("op=pool.acquire worker=%s: %w", a.ID, domain.ErrNoWorkers)
	}
	d, err := p.limiter.CheckAllowed(ctx, a.ID, class, "")
	if err != nil {
		release()
		return domain.Account{}, fmt.Errorf("op=pool.acquire_rate: %w", err)
	}
	if !d.Allowed {
		release()
		return domain.Account{}, fmt.Errorf("op=pool.acquire: %w",
			&RateDenied{WorkerID: a.ID, Reason: d.Reason, RetryAt: d.RetryAt})
	}
	if err := p.accounts.SetActive(ctx, a.ID, true); err != nil {
		release()
		return domain.Account{}, fmt.Errorf("op=pool.acquire_activate: %w", err)
	}
	a.Active = true
	p.mu.Lock()
	p.held[a.ID] = a
	observability.WorkersActive.Set(float64(len(p.held)))
	p.mu.Unlock()
	return a, nil
}

// Release returns a held worker to the store.
func (p *Pool) Release(ctx context.Context, workerID string) error {
	p.mu.Lock()
	delete(p.held, workerID)
	observability.WorkersActive.Set(float64(len(p.held)))
	p.mu.Unlock()
	if err := p.accounts.SetActive(ctx, workerID, false); err != nil {
		return fmt.Errorf("op=pool.release: %w", err)
	}
	return nil
}

// Rotate takes a worker out of service until the given time, used for
// platform rate-limit cooldowns and credential failures.
func (p *Pool) Rotate(ctx context.Context, workerID string, until *time.Time) error {
	p.mu.Lock()
	delete(p.held, workerID)
	observability.WorkersActive.Set(float64(len(p.held)))
	p.mu.Unlock()
	if err := p.accounts.Deactivate(ctx, workerID, until); err != nil {
		return fmt.Errorf("op=pool.rotate: %w", err)
	}
	return nil
}

// ReleaseAll returns every held worker; called on shutdown.
func (p *Pool) ReleaseAll(ctx context.Context) {
	p.mu.Lock()
	ids := make([]string, 0, len(p.held))
	for id := range p.held {
		ids = append(ids, id)
	}
	p.held = map[string]domain.Account{}
	observability.WorkersActive.Set(0)
	p.mu.Unlock()
	for _, id := range ids {
		if err := p.accounts.SetActive(ctx, id, false); err != nil {
			slog.Warn("worker release failed", slog.String("worker_id", id), slog.Any("error", err))
		}
	}
}

// Held reports the ids of currently checked-out workers.
func (p *Pool) Held() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.held))
	for id := range p.held {
		ids = append(ids, id)
	}
	return ids
}

// Utilisation reports held workers as a fraction of the concurrency cap.
func (p *Pool) Utilisation() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return float64(len(p.held)) / float64(p.opts.MaxConcurrent)
}

// Healthy reports whether an account should stay in rotation. An active
// worker whose last task is older than MaxIdle is considered wedged.
func (p *Pool) Healthy(a domain.Account, now time.Time) bool {
	if !a.HasCredentials() {
		return false
	}
	if a.ValidationState == domain.ValidationValidating || a.ValidationState == domain.ValidationRecovering ||
		a.ValidationState == domain.ValidationFailed {
		return false
	}
	if a.Active && a.LastTaskAt != nil && now.Sub(*a.LastTaskAt) > p.opts.MaxIdle {
		return false
	}
	return true
}

// Refresh recomputes the eligibility gauges from the store; called by the
// monitor loop.
func (p *Pool) Refresh(ctx context.Context) error {
	workers, err := p.accounts.ListWorkers(ctx)
	if err != nil {
		return fmt.Errorf("op=pool.refresh: %w", err)
	}
	now := p.now().UTC()
	eligible := 0
	for _, w := range workers {
		if w.Dispatchable(now) && p.Healthy(w, now) {
			eligible++
		}
	}
	observability.WorkersEligible.Set(float64(eligible))
	return nil
}
