package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/fairyhunter13/roost/internal/domain"
	"github.com/fairyhunter13/roost/internal/service/ratelimiter"
	"github.com/fairyhunter13/roost/internal/service/workerpool"
)

// QueueOptions tunes the dequeue loops.
type QueueOptions struct {
	// BatchSize is the maximum number of jobs locked per loop iteration.
	BatchSize int
	// IdlePoll is the sleep between empty dequeues.
	IdlePoll time.Duration
	// JobDeadline bounds one job execution end to end.
	JobDeadline time.Duration
}

// Queue runs the dequeue-bind-execute loops. Mutual exclusion on jobs comes
// from the store's SKIP LOCKED dequeue, on workers from the pool; the loops
// themselves share no state beyond those two.
type Queue struct {
	jobs     domain.JobRepository
	accounts domain.AccountRepository
	pool     *workerpool.Pool
	limiter  *ratelimiter.Limiter
	proc     *Processor
	opts     QueueOptions
}

// NewQueue constructs a Queue.
func NewQueue(jobs domain.JobRepository, accounts domain.AccountRepository,
	pool *workerpool.Pool, limiter *ratelimiter.Limiter, proc *Processor, opts QueueOptions) *Queue {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.IdlePoll <= 0 || opts.IdlePoll > 100*time.Millisecond {
		opts.IdlePoll = 100 * time.Millisecond
	}
	if opts.JobDeadline <= 0 {
		opts.JobDeadline = 30 * time.Minute
	}
	return &Queue{jobs: jobs, accounts: accounts, pool: pool, limiter: limiter, proc: proc, opts: opts}
}

// Loop is one worker loop. It runs until ctx is cancelled; batch and paused
// are owned by the manager. A panic inside one iteration is recovered so a
// bug in a single job cannot take the loop down.
func (q *Queue) Loop(ctx context.Context, batch func() int, paused func() bool) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if paused() {
			q.sleep(ctx, q.opts.IdlePoll)
			continue
		}
		worked := q.tick(ctx, batch())
		if !worked {
			q.sleep(ctx, q.opts.IdlePoll)
		}
	}
}

func (q *Queue) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// tick performs one dequeue-and-dispatch pass and reports whether any job was
// executed.
func (q *Queue) tick(ctx context.Context, batch int) (worked bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("worker loop panic recovered", slog.Any("panic", r))
			worked = false
		}
	}()

	jobs, err := q.jobs.DequeuePending(ctx, batch, q.opts.BatchSize)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			slog.Error("dequeue failed", slog.Any("error", err))
		}
		return false
	}
	if len(jobs) == 0 {
		return false
	}

	var unbound []string
	for _, job := range jobs {
		worker, retryAt, ok := q.bind(ctx, job)
		if !ok {
			if retryAt != nil {
				// An admission denial knows when it clears; defer the job
				// instead of bouncing it through pending on every poll.
				if err := q.jobs.Requeue(ctx, job.ID, false, retryAt); err != nil {
					slog.Error("job defer failed", slog.String("job_id", job.ID), slog.Any("error", err))
				}
				continue
			}
			unbound = append(unbound, job.ID)
			continue
		}
		if q.run(ctx, job, worker) {
			worked = true
		}
	}
	if len(unbound) > 0 {
		if err := q.jobs.Release(ctx, unbound); err != nil {
			slog.Error("job release failed", slog.Any("error", err))
		}
	}
	return worked
}

// bind finds a worker for the job. Jobs whose params name an acting account
// are bound to exactly that account; the previously assigned worker is
// preferred on reassignment, any eligible worker otherwise. When binding
// fails with a rate denial the second result carries the earliest retry time.
func (q *Queue) bind(ctx context.Context, job domain.Job) (domain.Account, *time.Time, bool) {
	class := job.Type.Class()

	if job.Params.AccountID != "" {
		id, err := q.resolveAccount(ctx, job.Params.AccountID)
		if err != nil {
			slog.Warn("acting account not found",
				slog.String("job_id", job.ID),
				slog.String("account", job.Params.AccountID))
			return domain.Account{}, nil, false
		}
		w, err := q.pool.Acquire(ctx, id, class)
		if err != nil {
			return domain.Account{}, retryAtFrom(err), false
		}
		return w, nil, true
	}

	if job.AssignedWorkerID != nil {
		if w, err := q.pool.Acquire(ctx, *job.AssignedWorkerID, class); err == nil {
			return w, nil, true
		}
	}

	ws, err := q.pool.GetAvailable(ctx, class, 1)
	if err != nil {
		slog.Error("worker selection failed", slog.Any("error", err))
		return domain.Account{}, nil, false
	}
	if len(ws) == 0 {
		return domain.Account{}, nil, false
	}
	return ws[0], nil, true
}

// retryAtFrom extracts the earliest retry time from a pool denial, if known.
func retryAtFrom(err error) *time.Time {
	var rd *workerpool.RateDenied
	if errors.As(err, &rd) && !rd.RetryAt.IsZero() {
		at := rd.RetryAt
		return &at
	}
	return nil
}

// resolveAccount accepts either an account id or the stable account_no.
func (q *Queue) resolveAccount(ctx context.Context, ref string) (string, error) {
	if a, err := q.accounts.Get(ctx, ref); err == nil {
		return a.ID, nil
	}
	a, err := q.accounts.GetByAccountNo(ctx, ref)
	if err != nil {
		return "", err
	}
	return a.ID, nil
}

// run transitions the job to running, records the durable action for
// mutating types and hands off to the processor under the job deadline.
func (q *Queue) run(ctx context.Context, job domain.Job, worker domain.Account) bool {
	if err := q.jobs.MarkRunning(ctx, job.ID, worker.ID); err != nil {
		// Lost the race with a cancel; put the worker back.
		if err := q.pool.Release(ctx, worker.ID); err != nil {
			slog.Error("worker release failed", slog.String("worker_id", worker.ID), slog.Any("error", err))
		}
		return false
	}

	var action domain.Action
	if job.Type.Mutating() {
		target := job.Params.DedupTarget(job.Type)
		meta := map[string]any{"job_type": string(job.Type)}
		if job.Params.APIMethod != "" {
			meta["api_method"] = job.Params.APIMethod
		}
		a, err := q.limiter.RecordAttempt(ctx, worker.ID, job.ID, job.Type.Class(), target, meta)
		if err != nil {
			if errors.Is(err, domain.ErrDuplicate) {
				q.completeAsDuplicate(ctx, job, worker, target)
				return true
			}
			slog.Error("action record failed", slog.String("job_id", job.ID), slog.Any("error", err))
			if err := q.jobs.Requeue(ctx, job.ID, false, nil); err != nil {
				slog.Error("job requeue failed", slog.String("job_id", job.ID), slog.Any("error", err))
			}
			if err := q.pool.Release(ctx, worker.ID); err != nil {
				slog.Error("worker release failed", slog.String("worker_id", worker.ID), slog.Any("error", err))
			}
			return false
		}
		action = a
	}

	execCtx, cancel := context.WithTimeout(ctx, q.opts.JobDeadline)
	defer cancel()
	q.proc.Execute(execCtx, job, worker, action)
	return true
}

// completeAsDuplicate resolves a dispatch-time uniqueness violation
// idempotently: the job completes referencing the already-existing action.
func (q *Queue) completeAsDuplicate(ctx context.Context, job domain.Job, worker domain.Account, target string) {
	class := job.Type.Class()
	existing, err := q.limiter.Existing(ctx, worker.ID, class, target)
	ref := map[string]any{"duplicate": true, "target": target}
	if err == nil {
		ref["action_id"] = existing.ID
		ref["action_status"] = existing.Status
	}
	result, _ := json.Marshal(ref)
	if err := q.jobs.MarkCompleted(ctx, job.ID, result); err != nil {
		slog.Error("duplicate finalise failed", slog.String("job_id", job.ID), slog.Any("error", err))
	}
	if err := q.pool.Release(ctx, worker.ID); err != nil {
		slog.Error("worker release failed", slog.String("worker_id", worker.ID), slog.Any("error", err))
	}
}
