// Package domain defines the core entities, ports and error taxonomy of the
// orchestrator. It has no dependencies on adapters; repositories and the
// platform client are expressed as interfaces implemented elsewhere.
package domain

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrDuplicate         = errors.New("duplicate action")
	ErrRateLimited       = errors.New("rate limited")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrUpstreamTimeout   = errors.New("upstream timeout")
	ErrUpstreamRateLimit = errors.New("upstream rate limit")
	ErrNoWorkers         = errors.New("no available workers")
	ErrInternal          = errors.New("internal error")
)

// JobStatus enumerates job lifecycle states. Transitions form a DAG:
// pending -> locked -> running -> {completed, failed}; failed -> pending on
// requeue (retry_count++) up to MaxRetries; any non-running state -> cancelled.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobLocked    JobStatus = "locked"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// MaxRetries bounds how often a failed job may be requeued.
const MaxRetries = 3

// Terminal reports whether no further transitions are possible.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// ActionStatus mirrors JobStatus for durable action records.
type ActionStatus string

const (
	ActionPending   ActionStatus = "pending"
	ActionLocked    ActionStatus = "locked"
	ActionRunning   ActionStatus = "running"
	ActionCompleted ActionStatus = "completed"
	ActionFailed    ActionStatus = "failed"
)

// AccountKind distinguishes worker accounts from passive ones.
type AccountKind string

const (
	AccountNormal AccountKind = "normal"
	AccountWorker AccountKind = "worker"
)

// ValidationState tracks credential validation of an account.
type ValidationState string

const (
	ValidationPending    ValidationState = "pending"
	ValidationValidating ValidationState = "validating"
	ValidationRecovering ValidationState = "recovering"
	ValidationCompleted  ValidationState = "completed"
	ValidationFailed     ValidationState = "failed"
)

// OAuthState tracks OAuth app setup progress of an account.
type OAuthState string

const (
	OAuthPending    OAuthState = "pending"
	OAuthInProgress OAuthState = "in_progress"
	OAuthCompleted  OAuthState = "completed"
	OAuthFailed     OAuthState = "failed"
)

// Account is a worker identity with its own credentials and outbound
// network identity.
type Account struct {
	ID          string
	AccountNo   string
	Kind        AccountKind
	Handle      string
	AuthToken   string
	CSRFToken   string
	Bearer      string
	OAuthConsumerKey    string
	OAuthConsumerSecret string
	OAuthAccessToken    string
	OAuthAccessSecret   string
	ProxyURL    string
	ProxyUser   string
	ProxyPass   string
	Fingerprint string
	Active      bool
	TotalCompleted int
	TotalFailed    int
	Requests15m    int
	Requests24h    int
	LastReset    *time.Time
	LastReset24h *time.Time
	LastTaskAt   *time.Time
	ReactivateAt *time.Time
	ValidationState ValidationState
	OAuthState      OAuthState
	DeletedAt *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasCredentials reports whether the minimum credential set for dispatch
// is present.
func (a Account) HasCredentials() bool {
	return a.AuthToken != "" && a.CSRFToken != ""
}

// RequestsInDay reports the request count of the current 24-hour window.
// A window whose reset anchor is absent or older than 24h has expired, so
// its count no longer applies.
func (a Account) RequestsInDay(now time.Time) int {
	if a.LastReset24h == nil || now.Sub(*a.LastReset24h) >= 24*time.Hour {
		return 0
	}
	return a.Requests24h
}

// Dispatchable reports whether the account may be bound to a job right now.
// Active means checked out by a loop, so an active account is not
// dispatchable again. Health and rate-limit checks are layered on top by the
// worker pool.
func (a Account) Dispatchable(now time.Time) bool {
	if a.Kind != AccountWorker || a.Active || a.DeletedAt != nil {
		return false
	}
	if a.ValidationState != ValidationCompleted && a.ValidationState != ValidationPending {
		return false
	}
	if !a.HasCredentials() {
		return false
	}
	if a.ReactivateAt != nil && now.Before(*a.ReactivateAt) {
		return false
	}
	return true
}

// Job is one unit of work submitted by an external caller.
type Job struct {
	ID         string
	Type       JobType
	Params     JobParams
	Status     JobStatus
	Priority   int
	RetryCount int
	Batch      int
	AssignedWorkerID *string
	Result     json.RawMessage
	Error      string
	// CancelRequested marks a running job whose result must be discarded
	// when it finishes; the platform side-effect is unsafe to interrupt.
	CancelRequested bool
	EarliestRetryAt *time.Time
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	UpdatedAt   time.Time
}

// Action is a durable record of one mutating attempt against the platform.
// At most one action per (account_id, class, target_id) may be non-terminal;
// the store enforces this with a partial unique index.
type Action struct {
	ID        string
	AccountID string
	JobID     string
	Class     ActionClass
	TargetID  string
	Status    ActionStatus
	Error     string
	RateLimit *RateLimitInfo
	Meta      map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
}

// JobStats aggregates counts surfaced by the stats endpoint.
type JobStats struct {
	Total          int64
	ByStatus       map[JobStatus]int64
	ByType         map[JobType]int64
	AvgProcessSecs float64
}

// Repositories (ports)

// JobRepository is the durable store for jobs. All state-changing calls are
// transactional; DequeuePending uses row locks with skip-locked semantics so
// no two worker loops hold the same job.
type JobRepository interface {
	Create(ctx context.Context, j Job) (string, error)
	Get(ctx context.Context, id string) (Job, error)
	List(ctx context.Context, offset, limit int, status, jobType string) ([]Job, int64, error)
	// DequeuePending selects up to limit pending jobs in batch order
	// (priority desc, created_at asc), transitions them to locked and
	// returns them. Jobs whose earliest_retry_at is in the future are
	// skipped.
	DequeuePending(ctx context.Context, batch, limit int) ([]Job, error)
	// Release returns locked jobs to pending without touching retry counts.
	Release(ctx context.Context, ids []string) error
	MarkRunning(ctx context.Context, id, workerID string) error
	MarkCompleted(ctx context.Context, id string, result json.RawMessage) error
	MarkFailed(ctx context.Context, id, errMsg string) error
	// MarkCancelled cancels a pending or locked job immediately. A running
	// job only gets cancel_requested set; the processor finalises the
	// cancellation when the platform call returns.
	MarkCancelled(ctx context.Context, id string) error
	// FinishCancelled transitions a running job with cancel_requested to
	// cancelled, discarding the result.
	FinishCancelled(ctx context.Context, id string) error
	// Requeue returns a failed or running job to pending. bumpRetry
	// increments retry_count; earliest defers the next dequeue.
	Requeue(ctx context.Context, id string, bumpRetry bool, earliest *time.Time) error
	// RequeueAssignedTo returns all non-terminal jobs bound to the worker
	// to pending and reports how many were moved.
	RequeueAssignedTo(ctx context.Context, workerID string) (int64, error)
	// RecoverInterrupted moves every locked or running job back to pending
	// with started_at cleared. Called once at boot.
	RecoverInterrupted(ctx context.Context) (int64, error)
	// MaxBatch returns the highest batch number among non-terminal jobs,
	// or 0 when none exist.
	MaxBatch(ctx context.Context) (int, error)
	// PendingInBatch counts non-terminal jobs in the given batch.
	PendingInBatch(ctx context.Context, batch int) (int64, error)
	// ActiveInBatch counts locked or running jobs in the given batch; a
	// batch with active jobs is in flight and closed to new members.
	ActiveInBatch(ctx context.Context, batch int) (int64, error)
	Stats(ctx context.Context) (JobStats, error)
}

// ActionRepository is the durable store for actions and the dedup contract.
type ActionRepository interface {
	// Create inserts a new action. When the uniqueness invariant would be
	// violated it fails with ErrDuplicate and inserts nothing.
	Create(ctx context.Context, a Action) (string, error)
	Get(ctx context.Context, id string) (Action, error)
	// FindActive returns the non-terminal action for the tuple, if any.
	FindActive(ctx context.Context, accountID string, class ActionClass, targetID string) (Action, error)
	// FindCompleted returns a completed action for the tuple, if any.
	FindCompleted(ctx context.Context, accountID string, class ActionClass, targetID string) (Action, error)
	UpdateStatus(ctx context.Context, id string, status ActionStatus, errMsg string, rl *RateLimitInfo) error
	// CountWindow counts completed-or-running actions for the account in
	// any of the classes since the cutoff.
	CountWindow(ctx context.Context, accountID string, classes []ActionClass, since time.Time) (int, error)
	// OldestWindow returns the creation time of the oldest
	// completed-or-running action in the window, if any.
	OldestWindow(ctx context.Context, accountID string, classes []ActionClass, since time.Time) (*time.Time, error)
	// LastAttempt returns the creation time of the most recent non-failed
	// action for the account and class.
	LastAttempt(ctx context.Context, accountID string, class ActionClass) (*time.Time, error)
	RunningCount(ctx context.Context, accountID string, class ActionClass) (int, error)
	// FailStale demotes running actions older than the cutoff to failed
	// with reason "timeout" and reports how many were demoted.
	FailStale(ctx context.Context, olderThan time.Time) (int64, error)
}

// AccountRepository is the durable store for worker accounts.
type AccountRepository interface {
	Get(ctx context.Context, id string) (Account, error)
	GetByAccountNo(ctx context.Context, accountNo string) (Account, error)
	// ListWorkers returns all non-deleted worker accounts.
	ListWorkers(ctx context.Context) ([]Account, error)
	// SelectEligible locks up to limit dispatchable workers with
	// FOR UPDATE SKIP LOCKED, marks them active in the same transaction
	// and returns them. Parallel callers never receive the same worker.
	SelectEligible(ctx context.Context, limit, maxRequests int, excludeIDs []string) ([]Account, error)
	SetActive(ctx context.Context, id string, active bool) error
	// Deactivate clears the active flag and optionally sets a reactivation
	// time (rate-limit cooldown).
	Deactivate(ctx context.Context, id string, until *time.Time) error
	SetValidationState(ctx context.Context, id string, state ValidationState) error
	// RecordTaskResult bumps completed/failed counters, the sliding request
	// counters and last_task_time in one transaction.
	RecordTaskResult(ctx context.Context, id string, success bool, at time.Time) error
}
