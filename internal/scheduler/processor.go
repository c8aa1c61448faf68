package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fairyhunter13/roost/internal/domain"
	"github.com/fairyhunter13/roost/internal/observability"
	"github.com/fairyhunter13/roost/internal/service/ratelimiter"
	"github.com/fairyhunter13/roost/internal/service/workerpool"
)

// Processor executes one bound (job, worker) pair against the platform and
// turns the outcome into persisted state. Worker loops never propagate errors
// upward; every branch here ends in a job transition.
type Processor struct {
	jobs     domain.JobRepository
	accounts domain.AccountRepository
	limiter  *ratelimiter.Limiter
	pool     *workerpool.Pool
	client   domain.PlatformClient
	events   Broadcaster

	host        string
	callTimeout time.Duration

	now func() time.Time
}

// NewProcessor constructs a Processor.
func NewProcessor(jobs domain.JobRepository, accounts domain.AccountRepository,
	limiter *ratelimiter.Limiter, pool *workerpool.Pool, client domain.PlatformClient,
	events Broadcaster, host string, callTimeout time.Duration) *Processor {
	if events == nil {
		events = NopBroadcaster{}
	}
	if callTimeout <= 0 {
		callTimeout = 60 * time.Second
	}
	return &Processor{
		jobs:        jobs,
		accounts:    accounts,
		limiter:     limiter,
		pool:        pool,
		client:      client,
		events:      events,
		host:        host,
		callTimeout: callTimeout,
		now:         time.Now,
	}
}

// WithClock overrides the clock; test hook.
func (p *Processor) WithClock(now func() time.Time) *Processor {
	p.now = now
	return p
}

// Execute runs the job on the worker and finalises job, action and worker
// state. action.ID is empty for read jobs, which produce no durable Action.
// The worker is always returned to the pool (released or rotated) on exit.
func (p *Processor) Execute(ctx context.Context, job domain.Job, worker domain.Account, action domain.Action) {
	observability.JobsRunning.WithLabelValues(string(job.Type)).Inc()
	defer observability.JobsRunning.WithLabelValues(string(job.Type)).Dec()

	res, err := p.dispatch(ctx, job, worker)
	// The deadline applies to the platform call only; finalisation must not
	// be lost to an expired context.
	finCtx := context.WithoutCancel(ctx)
	if err != nil {
		p.fail(finCtx, job, worker, action, err)
		return
	}
	p.succeed(finCtx, job, worker, action, res)
}

type outcome struct {
	raw      json.RawMessage
	mutation *domain.MutationResult
}

// dispatch maps the job type onto exactly one PlatformClient call with a
// per-call timeout. Transient upstream hiccups are retried in place with
// exponential backoff; everything else surfaces immediately.
func (p *Processor) dispatch(ctx context.Context, job domain.Job, worker domain.Account) (outcome, error) {
	call := func() (outcome, error) {
		callCtx, cancel := context.WithTimeout(ctx, p.callTimeout)
		defer cancel()
		in := job.Params
		switch job.Type {
		case domain.JobScrapeProfile:
			raw, err := p.client.ScrapeProfile(callCtx, worker, in.Username)
			return outcome{raw: raw}, err
		case domain.JobScrapePosts:
			raw, err := p.client.ScrapePosts(callCtx, worker, in.Username, in.Count, in.Hours, in.MaxReplies)
			return outcome{raw: raw}, err
		case domain.JobSearchTrending:
			raw, err := p.client.SearchTrending(callCtx, worker)
			return outcome{raw: raw}, err
		case domain.JobSearchPosts:
			raw, err := p.client.SearchPosts(callCtx, worker, in.Query, in.Count)
			return outcome{raw: raw}, err
		case domain.JobSearchUsers:
			raw, err := p.client.SearchUsers(callCtx, worker, in.Query, in.Count)
			return outcome{raw: raw}, err
		case domain.JobBatchSearch:
			merged := make(map[string]json.RawMessage, len(in.Queries))
			for _, q := range in.Queries {
				raw, err := p.client.SearchPosts(callCtx, worker, q, in.Count)
				if err != nil {
					return outcome{}, err
				}
				merged[q] = raw
			}
			raw, err := json.Marshal(merged)
			return outcome{raw: raw}, err
		case domain.JobLike:
			m, err := p.client.Like(callCtx, worker, in.Target)
			return outcome{mutation: &m}, err
		case domain.JobRetweet:
			m, err := p.client.Retweet(callCtx, worker, in.Target)
			return outcome{mutation: &m}, err
		case domain.JobReply:
			m, err := p.client.Reply(callCtx, worker, in.Target, in.Text, in.Media)
			return outcome{mutation: &m}, err
		case domain.JobQuote:
			m, err := p.client.Quote(callCtx, worker, in.Target, in.Text, in.Media)
			return outcome{mutation: &m}, err
		case domain.JobCreatePost:
			m, err := p.client.CreatePost(callCtx, worker, in.Text, in.Media)
			return outcome{mutation: &m}, err
		case domain.JobFollow:
			m, err := p.client.Follow(callCtx, worker, in.Target)
			return outcome{mutation: &m}, err
		case domain.JobDirectMessage:
			m, err := p.client.DirectMessage(callCtx, worker, in.Target, in.Text)
			return outcome{mutation: &m}, err
		case domain.JobUpdateProfile:
			m, err := p.client.UpdateProfile(callCtx, worker, *in.Profile)
			return outcome{mutation: &m}, err
		}
		return outcome{}, backoff.Permanent(fmt.Errorf("op=processor.dispatch: %w: %s", domain.ErrInvalidArgument, job.Type))
	}

	var out outcome
	op := func() error {
		var err error
		out, err = call()
		if err == nil {
			return nil
		}
		if domain.ClassifyError(err) == domain.KindTransient {
			return err
		}
		return backoff.Permanent(err)
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return outcome{}, err
	}
	return out, nil
}

func (p *Processor) succeed(ctx context.Context, job domain.Job, worker domain.Account, action domain.Action, res outcome) {
	now := p.now().UTC()

	// The side effect happened either way, so the action completes and the
	// worker counters move even when the job was cancelled mid-run.
	if action.ID != "" {
		var rl *domain.RateLimitInfo
		if res.mutation != nil {
			rl = res.mutation.RateLimit
		}
		if err := p.limiter.UpdateStatus(ctx, action, domain.ActionCompleted, "", rl); err != nil {
			slog.Error("action finalise failed", slog.String("action_id", action.ID), slog.Any("error", err))
		}
	}
	if err := p.accounts.RecordTaskResult(ctx, worker.ID, true, now); err != nil {
		slog.Error("worker counters update failed", slog.String("worker_id", worker.ID), slog.Any("error", err))
	}
	p.releaseWorker(ctx, worker.ID)

	fresh, err := p.jobs.Get(ctx, job.ID)
	if err == nil && fresh.CancelRequested {
		if err := p.jobs.FinishCancelled(ctx, job.ID); err != nil {
			slog.Error("cancel finalise failed", slog.String("job_id", job.ID), slog.Any("error", err))
		}
		p.events.JobUpdate(job.ID, domain.JobCancelled, nil)
		return
	}

	result := p.buildResult(job, worker, res)
	if err := p.jobs.MarkCompleted(ctx, job.ID, result); err != nil {
		slog.Error("job complete failed", slog.String("job_id", job.ID), slog.Any("error", err))
		return
	}
	observability.JobsCompletedTotal.WithLabelValues(string(job.Type)).Inc()
	slog.Info("job completed",
		slog.String("job_id", job.ID),
		slog.String("type", string(job.Type)),
		slog.String("worker_id", worker.ID))
	p.events.JobUpdate(job.ID, domain.JobCompleted, result)
	if job.Type == domain.JobUpdateProfile {
		p.events.ProfileUpdateStatus(job.ID, domain.JobCompleted, "")
	}
}

// buildResult shapes the persisted result payload. Mutating jobs that yield a
// post id also carry the canonical status URL of the created object.
func (p *Processor) buildResult(job domain.Job, worker domain.Account, res outcome) json.RawMessage {
	if res.mutation == nil {
		return res.raw
	}
	payload := map[string]any{}
	if len(res.mutation.Raw) > 0 {
		payload["raw"] = json.RawMessage(res.mutation.Raw)
	}
	if id := res.mutation.ID; id != "" {
		payload["tweet_id"] = id
		payload["tweet_url"] = domain.StatusURL(p.host, worker.Handle, id)
	}
	out, err := json.Marshal(payload)
	if err != nil {
		return res.mutation.Raw
	}
	return out
}

func (p *Processor) fail(ctx context.Context, job domain.Job, worker domain.Account, action domain.Action, cause error) {
	now := p.now().UTC()
	kind := domain.ClassifyError(cause)

	if err := p.accounts.RecordTaskResult(ctx, worker.ID, false, now); err != nil {
		slog.Error("worker counters update failed", slog.String("worker_id", worker.ID), slog.Any("error", err))
	}
	if action.ID != "" {
		rl := rateInfoFrom(cause)
		if err := p.limiter.UpdateStatus(ctx, action, domain.ActionFailed, cause.Error(), rl); err != nil {
			slog.Error("action finalise failed", slog.String("action_id", action.ID), slog.Any("error", err))
		}
	}

	if fresh, err := p.jobs.Get(ctx, job.ID); err == nil && fresh.CancelRequested {
		p.releaseWorker(ctx, worker.ID)
		if err := p.jobs.FinishCancelled(ctx, job.ID); err != nil {
			slog.Error("cancel finalise failed", slog.String("job_id", job.ID), slog.Any("error", err))
		}
		p.events.JobUpdate(job.ID, domain.JobCancelled, nil)
		return
	}

	switch kind {
	case domain.KindRateLimited:
		until := p.resetTimeFrom(cause, now)
		p.limiter.NoteReset(worker.ID, job.Type.Class(), until)
		if err := p.pool.Rotate(ctx, worker.ID, &until); err != nil {
			slog.Error("worker rotate failed", slog.String("worker_id", worker.ID), slog.Any("error", err))
		}
		if job.RetryCount < domain.MaxRetries {
			p.requeue(ctx, job, true, &until, cause)
			return
		}
		p.terminalFail(ctx, job, cause)

	case domain.KindAuth:
		if err := p.accounts.SetValidationState(ctx, worker.ID, domain.ValidationPending); err != nil {
			slog.Error("validation reset failed", slog.String("worker_id", worker.ID), slog.Any("error", err))
		}
		if err := p.pool.Rotate(ctx, worker.ID, nil); err != nil {
			slog.Error("worker rotate failed", slog.String("worker_id", worker.ID), slog.Any("error", err))
		}
		// Reassignment to another worker must not burn the retry budget.
		p.requeue(ctx, job, false, nil, cause)

	case domain.KindTransient:
		p.releaseWorker(ctx, worker.ID)
		if job.RetryCount < domain.MaxRetries {
			delay := time.Duration(math.Pow(2, float64(job.RetryCount+1))) * time.Second
			earliest := now.Add(delay)
			p.requeue(ctx, job, true, &earliest, cause)
			return
		}
		p.terminalFail(ctx, job, cause)

	default:
		p.releaseWorker(ctx, worker.ID)
		p.terminalFail(ctx, job, cause)
	}
}

func (p *Processor) requeue(ctx context.Context, job domain.Job, bump bool, earliest *time.Time, cause error) {
	if err := p.jobs.Requeue(ctx, job.ID, bump, earliest); err != nil {
		slog.Error("job requeue failed", slog.String("job_id", job.ID), slog.Any("error", err))
		return
	}
	slog.Warn("job requeued",
		slog.String("job_id", job.ID),
		slog.String("type", string(job.Type)),
		slog.Int("retry_count", job.RetryCount),
		slog.Bool("bump", bump),
		slog.Any("cause", cause))
	p.events.JobUpdate(job.ID, domain.JobPending, nil)
}

func (p *Processor) terminalFail(ctx context.Context, job domain.Job, cause error) {
	if err := p.jobs.MarkFailed(ctx, job.ID, cause.Error()); err != nil {
		slog.Error("job fail failed", slog.String("job_id", job.ID), slog.Any("error", err))
		return
	}
	observability.JobsFailedTotal.WithLabelValues(string(job.Type)).Inc()
	slog.Warn("job failed",
		slog.String("job_id", job.ID),
		slog.String("type", string(job.Type)),
		slog.Any("cause", cause))
	p.events.JobUpdate(job.ID, domain.JobFailed, nil)
	if job.Type == domain.JobUpdateProfile {
		p.events.ProfileUpdateStatus(job.ID, domain.JobFailed, cause.Error())
	}
}

func (p *Processor) releaseWorker(ctx context.Context, workerID string) {
	if err := p.pool.Release(ctx, workerID); err != nil {
		slog.Error("worker release failed", slog.String("worker_id", workerID), slog.Any("error", err))
	}
}

// resetTimeFrom derives the rate-limit cooldown end from the error, falling
// back to 15 minutes when the platform gave no hint.
func (p *Processor) resetTimeFrom(err error, now time.Time) time.Time {
	var pe *domain.PlatformError
	if errors.As(err, &pe) {
		if pe.RetryAfter > 0 {
			return now.Add(pe.RetryAfter)
		}
		if pe.RateLimit != nil && pe.RateLimit.ResetAt.After(now) {
			return pe.RateLimit.ResetAt
		}
	}
	return now.Add(15 * time.Minute)
}

func rateInfoFrom(err error) *domain.RateLimitInfo {
	var pe *domain.PlatformError
	if errors.As(err, &pe) {
		return pe.RateLimit
	}
	return nil
}
