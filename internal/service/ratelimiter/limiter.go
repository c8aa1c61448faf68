// Package ratelimiter decides, per (account, action class), whether a new
// action may start now. Mutating classes are accounted through durable Action
// rows; the read class uses an in-memory token bucket. An optional Redis
// cache serves the min-spacing check without a store round trip and fails
// open on cache errors.
package ratelimiter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/fairyhunter13/roost/internal/domain"
	"github.com/fairyhunter13/roost/internal/observability"
)

// Decision is the outcome of CheckAllowed. When not allowed, RetryAt is the
// earliest time a retry can succeed (zero when unknown).
type Decision struct {
	Allowed bool
	Reason  string
	RetryAt time.Time
}

// Limiter implements the per-account, per-class rate-limit contract.
type Limiter struct {
	actions domain.ActionRepository
	limits  map[domain.ActionClass]domain.ClassLimit
	cache   *redis.Client

	mu sync.Mutex
	// resetUntil holds platform-reported reset times that dominate the
	// computed window reset, keyed by account|class.
	resetUntil map[string]time.Time
	// readBuckets holds per-account token buckets for the read class, one
	// for the 15-minute budget and one for the daily budget.
	readBuckets map[string]*readBudget

	now func() time.Time
}

type readBudget struct {
	per15m *rate.Limiter
	perDay *rate.Limiter
}

// New constructs a Limiter. cache may be nil; the spacing check then always
// consults the store.
func New(actions domain.ActionRepository, limits map[domain.ActionClass]domain.ClassLimit, cache *redis.Client) *Limiter {
	if limits == nil {
		limits = domain.DefaultClassLimits()
	}
	return &Limiter{
		actions:     actions,
		limits:      limits,
		cache:       cache,
		resetUntil:  map[string]time.Time{},
		readBuckets: map[string]*readBudget{},
		now:         time.Now,
	}
}

// WithClock overrides the clock; test hook.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

func key(accountID string, class domain.ActionClass) string {
	return accountID + "|" + string(class)
}

func (l *Limiter) deny(class domain.ActionClass, reason string, retryAt time.Time) Decision {
	observability.RateLimitDenials.WithLabelValues(string(class), reason).Inc()
	return Decision{Reason: reason, RetryAt: retryAt}
}

// CheckAllowed evaluates, in order: duplicate target, platform-reported
// reset, min-spacing, in-flight cap, then the sliding 15m/1h/24h windows.
// All comparisons are in UTC against timestamps, never calendar buckets.
func (l *Limiter) CheckAllowed(ctx context.Context, accountID string, class domain.ActionClass, targetID string) (Decision, error) {
	lim, ok := l.limits[class]
	if !ok {
		return Decision{Allowed: true}, nil
	}
	now := l.now().UTC()

	if class == domain.ClassRead {
		return l.checkRead(accountID, lim, now), nil
	}

	if targetID != "" {
		if _, err := l.actions.FindCompleted(ctx, accountID, class, targetID); err == nil {
			return l.deny(class, "duplicate", time.Time{}), nil
		} else if !errors.Is(err, domain.ErrNotFound) {
			return Decision{}, fmt.Errorf("op=limiter.dup_check: %w", err)
		}
	}

	l.mu.Lock()
	override := l.resetUntil[key(accountID, class)]
	l.mu.Unlock()
	if override.After(now) {
		return l.deny(class, "platform rate limit", override), nil
	}

	if lim.MinSpacing > 0 {
		if d, hit := l.spacingFromCache(ctx, accountID, class); hit && d > 0 {
			return l.deny(class, "min spacing", now.Add(d)), nil
		} else if !hit {
			last, err := l.actions.LastAttempt(ctx, accountID, class)
			if err != nil {
				return Decision{}, fmt.Errorf("op=limiter.spacing: %w", err)
			}
			if last != nil && now.Sub(*last) < lim.MinSpacing {
				return l.deny(class, "min spacing", last.Add(lim.MinSpacing)), nil
			}
		}
	}

	if lim.Parallel > 0 {
		running, err := l.actions.RunningCount(ctx, accountID, class)
		if err != nil {
			return Decision{}, fmt.Errorf("op=limiter.parallel: %w", err)
		}
		if running >= lim.Parallel {
			return l.deny(class, "too many in flight", time.Time{}), nil
		}
	}

	windows := []struct {
		span  time.Duration
		limit int
	}{
		{15 * time.Minute, lim.Per15m},
		{time.Hour, lim.PerHour},
		{24 * time.Hour, lim.PerDay},
	}
	classes := []domain.ActionClass{class}
	for _, w := range windows {
		if w.limit <= 0 {
			continue
		}
		since := now.Add(-w.span)
		n, err := l.actions.CountWindow(ctx, accountID, classes, since)
		if err != nil {
			return Decision{}, fmt.Errorf("op=limiter.window: %w", err)
		}
		if n >= w.limit {
			oldest, err := l.actions.OldestWindow(ctx, accountID, classes, since)
			if err != nil {
				return Decision{}, fmt.Errorf("op=limiter.window_oldest: %w", err)
			}
			retry := now.Add(w.span)
			if oldest != nil {
				retry = oldest.Add(w.span)
			}
			return l.deny(class, fmt.Sprintf("window %s exhausted", w.span), retry), nil
		}
	}
	return Decision{Allowed: true}, nil
}

func (l *Limiter) checkRead(accountID string, lim domain.ClassLimit, now time.Time) Decision {
	l.mu.Lock()
	b, ok := l.readBuckets[accountID]
	if !ok {
		per := lim.Per15m
		if per <= 0 {
			per = 900
		}
		b = &readBudget{per15m: rate.NewLimiter(rate.Limit(float64(per)/(15*60)), per)}
		if lim.PerDay > 0 {
			b.perDay = rate.NewLimiter(rate.Limit(float64(lim.PerDay)/(24*60*60)), lim.PerDay)
		}
		l.readBuckets[accountID] = b
	}
	l.mu.Unlock()
	r15 := b.per15m.ReserveN(now, 1)
	if d := r15.DelayFrom(now); d > 0 {
		r15.CancelAt(now)
		return l.deny(domain.ClassRead, "read budget", now.Add(d))
	}
	if b.perDay != nil {
		rd := b.perDay.ReserveN(now, 1)
		if d := rd.DelayFrom(now); d > 0 {
			rd.CancelAt(now)
			r15.CancelAt(now)
			return l.deny(domain.ClassRead, "read budget (daily)", now.Add(d))
		}
	}
	return Decision{Allowed: true}
}

// spacingFromCache consults the Redis spacing key. The second return value
// reports whether the cache answered; on miss or error the caller falls back
// to the store.
func (l *Limiter) spacingFromCache(ctx context.Context, accountID string, class domain.ActionClass) (time.Duration, bool) {
	if l.cache == nil {
		return 0, false
	}
	ttl, err := l.cache.TTL(ctx, "spacing:"+key(accountID, class)).Result()
	if err != nil {
		slog.Warn("spacing cache read failed", slog.Any("error", err))
		return 0, false
	}
	if ttl > 0 {
		return ttl, true
	}
	// Key absent: the cache is authoritative only for presence, so fall
	// back to the store to cover restarts with a cold cache.
	return 0, false
}

// RecordAttempt creates the durable Action row in status running for a
// mutating dispatch and primes the spacing cache. Duplicate in-flight tuples
// surface domain.ErrDuplicate from the store.
func (l *Limiter) RecordAttempt(ctx context.Context, accountID, jobID string, class domain.ActionClass, targetID string, meta map[string]any) (domain.Action, error) {
	a := domain.Action{
		AccountID: accountID,
		JobID:     jobID,
		Class:     class,
		TargetID:  targetID,
		Status:    domain.ActionRunning,
		Meta:      meta,
	}
	id, err := l.actions.Create(ctx, a)
	if err != nil {
		return domain.Action{}, err
	}
	a.ID = id
	if lim := l.limits[class]; lim.MinSpacing > 0 && l.cache != nil {
		if err := l.cache.Set(ctx, "spacing:"+key(accountID, class), 1, lim.MinSpacing).Err(); err != nil {
			slog.Warn("spacing cache write failed", slog.Any("error", err))
		}
	}
	return a, nil
}

// Existing returns the action currently satisfying the uniqueness invariant
// for the tuple: the completed one when present, else the in-flight one.
func (l *Limiter) Existing(ctx context.Context, accountID string, class domain.ActionClass, targetID string) (domain.Action, error) {
	if a, err := l.actions.FindCompleted(ctx, accountID, class, targetID); err == nil {
		return a, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return domain.Action{}, fmt.Errorf("op=limiter.existing: %w", err)
	}
	return l.actions.FindActive(ctx, accountID, class, targetID)
}

// UpdateStatus finalises an action and retains any platform rate-limit
// metadata. A future reset with no remaining budget dominates the computed
// window reset on later checks.
func (l *Limiter) UpdateStatus(ctx context.Context, a domain.Action, status domain.ActionStatus, errMsg string, rl *domain.RateLimitInfo) error {
	if err := l.actions.UpdateStatus(ctx, a.ID, status, errMsg, rl); err != nil {
		return err
	}
	if rl != nil && rl.Remaining <= 0 && rl.ResetAt.After(l.now().UTC()) {
		l.NoteReset(a.AccountID, a.Class, rl.ResetAt)
	}
	return nil
}

// NoteReset records a platform-reported reset time for the account and class.
func (l *Limiter) NoteReset(accountID string, class domain.ActionClass, at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if at.After(l.resetUntil[key(accountID, class)]) {
		l.resetUntil[key(accountID, class)] = at
	}
}

// Cleanup demotes stale running actions to failed with reason "timeout".
func (l *Limiter) Cleanup(ctx context.Context, staleAge time.Duration) (int64, error) {
	return l.actions.FailStale(ctx, l.now().UTC().Add(-staleAge))
}
