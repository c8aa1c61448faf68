// Package scheduler is the orchestration core: the manager owns lifecycle and
// batch assignment, the queue runs the dequeue loops, the processor executes
// bound pairs. Cross-process state lives in the store; the manager's own
// state fits under one mutex.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/roost/internal/domain"
	"github.com/fairyhunter13/roost/internal/observability"
	"github.com/fairyhunter13/roost/internal/service/ratelimiter"
	"github.com/fairyhunter13/roost/internal/service/workerpool"
)

// State is the scheduler lifecycle state.
type State string

const (
	StateStopped State = "stopped"
	StateRunning State = "running"
	StatePaused  State = "paused"
)

// ManagerOptions tunes the supervisory loops.
type ManagerOptions struct {
	Loops           int
	MonitorInterval time.Duration
	CleanupInterval time.Duration
	StopGrace       time.Duration
	StaleActionAge  time.Duration
}

// Manager is the top-level scheduler. All exported methods are safe for
// concurrent use; Start, Pause, Resume and Stop are idempotent.
type Manager struct {
	jobs     domain.JobRepository
	accounts domain.AccountRepository
	pool     *workerpool.Pool
	limiter  *ratelimiter.Limiter
	queue    *Queue
	events   Broadcaster
	opts     ManagerOptions

	mu       sync.Mutex
	state    State
	batch    int
	maxBatch int
	cancel   context.CancelFunc
	done     chan struct{}

	now func() time.Time
}

// NewManager constructs a Manager in the stopped state.
func NewManager(jobs domain.JobRepository, accounts domain.AccountRepository,
	pool *workerpool.Pool, limiter *ratelimiter.Limiter, queue *Queue,
	events Broadcaster, opts ManagerOptions) *Manager {
	if events == nil {
		events = NopBroadcaster{}
	}
	if opts.Loops <= 0 {
		opts.Loops = 12
	}
	if opts.MonitorInterval <= 0 {
		opts.MonitorInterval = 30 * time.Second
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = 5 * time.Minute
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = 5 * time.Second
	}
	if opts.StaleActionAge <= 0 {
		opts.StaleActionAge = time.Hour
	}
	return &Manager{
		jobs:     jobs,
		accounts: accounts,
		pool:     pool,
		limiter:  limiter,
		queue:    queue,
		events:   events,
		opts:     opts,
		state:    StateStopped,
		now:      time.Now,
	}
}

// State reports the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Start launches the worker loops and supervisory tickers. Starting a running
// or paused scheduler is a no-op.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateStopped {
		m.mu.Unlock()
		return nil
	}

	max, err := m.jobs.MaxBatch(ctx)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("op=manager.start: %w", err)
	}
	if max == 0 {
		max = 1
	}
	m.maxBatch = max
	m.batch = m.lowestOpenBatch(ctx, max)
	observability.CurrentBatch.Set(float64(m.batch))

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancel = cancel
	m.done = make(chan struct{})
	m.state = StateRunning
	loops := m.opts.Loops
	m.mu.Unlock()

	var wg sync.WaitGroup
	batchFn := func() int { return m.dispatchBatch(runCtx) }
	pausedFn := func() bool { return m.State() == StatePaused }
	for i := 0; i < loops; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.queue.Loop(runCtx, batchFn, pausedFn)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.runTicker(runCtx, m.opts.MonitorInterval, m.monitorTick)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.runTicker(runCtx, m.opts.CleanupInterval, m.cleanupTick)
	}()
	go func() {
		wg.Wait()
		close(m.done)
	}()

	slog.Info("scheduler started", slog.Int("loops", loops), slog.Int("batch", m.batch))
	m.events.QueueStatus("running", "scheduler started")
	return nil
}

// lowestOpenBatch finds the first batch that still has non-terminal jobs.
func (m *Manager) lowestOpenBatch(ctx context.Context, max int) int {
	for b := 1; b <= max; b++ {
		n, err := m.jobs.PendingInBatch(ctx, b)
		if err != nil {
			slog.Error("batch scan failed", slog.Int("batch", b), slog.Any("error", err))
			return 1
		}
		if n > 0 {
			return b
		}
	}
	return max
}

// Pause stops new dequeues; in-flight jobs finish. Idempotent.
func (m *Manager) Pause() {
	m.mu.Lock()
	if m.state != StateRunning {
		m.mu.Unlock()
		return
	}
	m.state = StatePaused
	m.mu.Unlock()
	slog.Info("scheduler paused")
	m.events.QueueStatus("paused", "dequeue suspended")
}

// Resume restarts dequeues after a pause. Idempotent.
func (m *Manager) Resume() {
	m.mu.Lock()
	if m.state != StatePaused {
		m.mu.Unlock()
		return
	}
	m.state = StateRunning
	m.mu.Unlock()
	slog.Info("scheduler resumed")
	m.events.QueueStatus("running", "dequeue resumed")
}

// Stop cancels the loops and waits up to the grace window for in-flight work
// to wind down, then releases every held worker. Idempotent.
func (m *Manager) Stop(ctx context.Context) {
	m.mu.Lock()
	if m.state == StateStopped {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	done := m.done
	m.state = StateStopped
	m.cancel = nil
	m.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(m.opts.StopGrace):
		slog.Warn("stop grace expired, abandoning in-flight loops")
	}
	m.pool.ReleaseAll(context.WithoutCancel(ctx))
	slog.Info("scheduler stopped")
	m.events.QueueStatus("stopped", "scheduler stopped")
}

// dispatchBatch returns the batch the loops should dequeue from, advancing
// past batches whose jobs are all terminal. Called on every loop tick, so a
// finished batch opens the next one without waiting for the monitor. The
// store probes run outside the mutex; AddJob and Stats never wait on them.
func (m *Manager) dispatchBatch(ctx context.Context) int {
	m.mu.Lock()
	batch, max := m.batch, m.maxBatch
	m.mu.Unlock()

	advanced := batch
	for advanced < max {
		n, err := m.jobs.PendingInBatch(ctx, advanced)
		if err != nil || n > 0 {
			break
		}
		advanced++
	}
	if advanced == batch {
		return batch
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if advanced > m.batch {
		m.batch = advanced
		observability.CurrentBatch.Set(float64(m.batch))
		slog.Info("batch advanced", slog.Int("batch", m.batch))
	}
	return m.batch
}

// AddJob validates and enqueues one job. For duplicate-sensitive mutating
// jobs an existing completed or in-flight action short-circuits to the
// original job (idempotent submission); the bool result reports that case.
func (m *Manager) AddJob(ctx context.Context, jobType domain.JobType, params domain.JobParams, priority int) (domain.Job, bool, error) {
	if !jobType.Valid() {
		return domain.Job{}, false, fmt.Errorf("op=manager.add_job: %w: unknown type %q", domain.ErrInvalidArgument, jobType)
	}
	if err := params.Validate(jobType); err != nil {
		return domain.Job{}, false, fmt.Errorf("op=manager.add_job: %w", err)
	}
	if priority < 0 {
		priority = 0
	}
	if priority > 10 {
		priority = 10
	}

	if target := params.DedupTarget(jobType); target != "" {
		accountID, err := m.resolveAccount(ctx, params.AccountID)
		if err != nil {
			return domain.Job{}, false, fmt.Errorf("op=manager.add_job: %w", err)
		}
		if existing, err := m.limiter.Existing(ctx, accountID, jobType.Class(), target); err == nil {
			orig, err := m.jobs.Get(ctx, existing.JobID)
			if err != nil {
				return domain.Job{}, false, fmt.Errorf("op=manager.add_job_dedup: %w", err)
			}
			return orig, true, nil
		} else if !errors.Is(err, domain.ErrNotFound) {
			return domain.Job{}, false, fmt.Errorf("op=manager.add_job_dedup: %w", err)
		}
	}

	job := domain.Job{
		Type:     jobType,
		Params:   params,
		Status:   domain.JobPending,
		Priority: priority,
		Batch:    m.assignBatch(ctx),
	}
	id, err := m.jobs.Create(ctx, job)
	if err != nil {
		return domain.Job{}, false, err
	}
	job.ID = id
	job.CreatedAt = m.now().UTC()
	observability.JobsEnqueuedTotal.WithLabelValues(string(jobType)).Inc()
	slog.Info("job enqueued",
		slog.String("job_id", id),
		slog.String("type", string(jobType)),
		slog.Int("batch", job.Batch),
		slog.Int("priority", priority))
	m.events.JobUpdate(id, domain.JobPending, nil)
	return job, false, nil
}

// assignBatch places a new job: the newest batch while it is still open, the
// next one once dispatch of the newest has begun. The store probe runs
// outside the mutex and the result is re-checked under it.
func (m *Manager) assignBatch(ctx context.Context) int {
	m.mu.Lock()
	if m.maxBatch == 0 {
		m.maxBatch = 1
		m.batch = 1
	}
	max := m.maxBatch
	m.mu.Unlock()

	active, err := m.jobs.ActiveInBatch(ctx, max)
	if err != nil {
		slog.Error("batch probe failed", slog.Int("batch", max), slog.Any("error", err))
		return max
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if active > 0 && m.maxBatch == max {
		m.maxBatch++
	}
	return m.maxBatch
}

// resolveAccount accepts an account id or the stable account_no.
func (m *Manager) resolveAccount(ctx context.Context, ref string) (string, error) {
	if a, err := m.accounts.Get(ctx, ref); err == nil {
		return a.ID, nil
	}
	a, err := m.accounts.GetByAccountNo(ctx, ref)
	if err != nil {
		return "", err
	}
	return a.ID, nil
}

// CancelJob applies the cancellation contract: pending and locked jobs cancel
// immediately, running jobs finish and are discarded at completion.
func (m *Manager) CancelJob(ctx context.Context, id string) (domain.Job, error) {
	if err := m.jobs.MarkCancelled(ctx, id); err != nil {
		return domain.Job{}, err
	}
	job, err := m.jobs.Get(ctx, id)
	if err != nil {
		return domain.Job{}, err
	}
	slog.Info("job cancel requested", slog.String("job_id", id), slog.String("status", string(job.Status)))
	m.events.JobUpdate(id, job.Status, nil)
	return job, nil
}

// QueueStats is the aggregate surfaced by the stats endpoint.
type QueueStats struct {
	State       State           `json:"state"`
	Batch       int             `json:"current_batch"`
	Jobs        domain.JobStats `json:"jobs"`
	Utilisation float64         `json:"pool_utilisation"`
}

// Stats aggregates job counts and pool utilisation.
func (m *Manager) Stats(ctx context.Context) (QueueStats, error) {
	js, err := m.jobs.Stats(ctx)
	if err != nil {
		return QueueStats{}, err
	}
	m.mu.Lock()
	state, batch := m.state, m.batch
	m.mu.Unlock()
	return QueueStats{
		State:       state,
		Batch:       batch,
		Jobs:        js,
		Utilisation: m.pool.Utilisation(),
	}, nil
}

func (m *Manager) runTicker(ctx context.Context, interval time.Duration, tick func(context.Context)) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			tick(ctx)
		}
	}
}

// monitorTick is the 30s supervisory pass: deactivate unhealthy workers,
// requeue their in-flight jobs and refresh the pool gauges.
func (m *Manager) monitorTick(ctx context.Context) {
	tracer := otel.Tracer("scheduler.monitor")
	ctx, span := tracer.Start(ctx, "monitor.tick")
	defer span.End()

	workers, err := m.accounts.ListWorkers(ctx)
	if err != nil {
		slog.Error("monitor worker load failed", slog.Any("error", err))
		return
	}
	now := m.now().UTC()
	for _, w := range workers {
		if !w.Active || m.pool.Healthy(w, now) {
			continue
		}
		slog.Warn("deactivating unhealthy worker",
			slog.String("worker_id", w.ID),
			slog.String("handle", w.Handle))
		if err := m.pool.Rotate(ctx, w.ID, nil); err != nil {
			slog.Error("worker deactivate failed", slog.String("worker_id", w.ID), slog.Any("error", err))
			continue
		}
		moved, err := m.jobs.RequeueAssignedTo(ctx, w.ID)
		if err != nil {
			slog.Error("job reassign failed", slog.String("worker_id", w.ID), slog.Any("error", err))
			continue
		}
		if moved > 0 {
			slog.Info("jobs reassigned", slog.String("worker_id", w.ID), slog.Int64("count", moved))
		}
	}

	if err := m.pool.Refresh(ctx); err != nil {
		slog.Error("pool refresh failed", slog.Any("error", err))
	}
	slog.Debug("monitor tick",
		slog.Float64("pool_utilisation", m.pool.Utilisation()),
		slog.Int("current_batch", m.dispatchBatch(ctx)))
}

// cleanupTick demotes stale running actions.
func (m *Manager) cleanupTick(ctx context.Context) {
	n, err := m.limiter.Cleanup(ctx, m.opts.StaleActionAge)
	if err != nil {
		slog.Error("action cleanup failed", slog.Any("error", err))
		return
	}
	if n > 0 {
		slog.Info("stale actions failed", slog.Int64("count", n))
	}
}
