package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fairyhunter13/roost/internal/domain"
)

// In-memory store fakes mirroring the SQL semantics of the postgres repos.

type fakeJobs struct {
	mu   sync.Mutex
	seq  int
	jobs map[string]*domain.Job
}

func newFakeJobs() *fakeJobs { return &fakeJobs{jobs: map[string]*domain.Job{}} }

func (f *fakeJobs) Create(_ context.Context, j domain.Job) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	j.ID = fmt.Sprintf("job-%d", f.seq)
	if j.Status == "" {
		j.Status = domain.JobPending
	}
	if j.Batch == 0 {
		j.Batch = 1
	}
	j.CreatedAt = time.Now().UTC()
	f.jobs[j.ID] = &j
	return j.ID, nil
}

func (f *fakeJobs) Get(_ context.Context, id string) (domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	return *j, nil
}

func (f *fakeJobs) List(_ context.Context, offset, limit int, status, jobType string) ([]domain.Job, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var all []domain.Job
	for _, j := range f.jobs {
		if status != "" && string(j.Status) != status {
			continue
		}
		if jobType != "" && string(j.Type) != jobType {
			continue
		}
		all = append(all, *j)
	}
	sort.Slice(all, func(i, k int) bool { return all[i].CreatedAt.After(all[k].CreatedAt) })
	total := int64(len(all))
	if offset >= len(all) {
		return nil, total, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], total, nil
}

func (f *fakeJobs) DequeuePending(_ context.Context, batch, limit int) ([]domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now().UTC()
	var cands []*domain.Job
	for _, j := range f.jobs {
		if j.Status != domain.JobPending || j.Batch != batch {
			continue
		}
		if j.EarliestRetryAt != nil && j.EarliestRetryAt.After(now) {
			continue
		}
		cands = append(cands, j)
	}
	sort.Slice(cands, func(i, k int) bool {
		if cands[i].Priority != cands[k].Priority {
			return cands[i].Priority > cands[k].Priority
		}
		return cands[i].CreatedAt.Before(cands[k].CreatedAt)
	})
	if len(cands) > limit {
		cands = cands[:limit]
	}
	out := make([]domain.Job, len(cands))
	for i, j := range cands {
		j.Status = domain.JobLocked
		out[i] = *j
	}
	return out, nil
}

func (f *fakeJobs) Release(_ context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		if j, ok := f.jobs[id]; ok && j.Status == domain.JobLocked {
			j.Status = domain.JobPending
		}
	}
	return nil
}

func (f *fakeJobs) MarkRunning(_ context.Context, id, workerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok || j.Status != domain.JobLocked {
		return domain.ErrConflict
	}
	now := time.Now().UTC()
	j.Status = domain.JobRunning
	j.AssignedWorkerID = &workerID
	j.StartedAt = &now
	return nil
}

func (f *fakeJobs) MarkCompleted(_ context.Context, id string, result json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok || j.Status != domain.JobRunning {
		return nil
	}
	now := time.Now().UTC()
	j.Status = domain.JobCompleted
	j.Result = result
	j.Error = ""
	j.CompletedAt = &now
	return nil
}

func (f *fakeJobs) MarkFailed(_ context.Context, id, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok || j.Status.Terminal() {
		return nil
	}
	now := time.Now().UTC()
	j.Status = domain.JobFailed
	j.Error = errMsg
	j.CompletedAt = &now
	return nil
}

func (f *fakeJobs) MarkCancelled(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok || j.Status.Terminal() {
		return domain.ErrConflict
	}
	switch j.Status {
	case domain.JobPending, domain.JobLocked:
		j.Status = domain.JobCancelled
	case domain.JobRunning:
		j.CancelRequested = true
	}
	return nil
}

func (f *fakeJobs) FinishCancelled(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok || j.Status != domain.JobRunning || !j.CancelRequested {
		return nil
	}
	now := time.Now().UTC()
	j.Status = domain.JobCancelled
	j.Result = nil
	j.CompletedAt = &now
	return nil
}

func (f *fakeJobs) Requeue(_ context.Context, id string, bumpRetry bool, earliest *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	switch j.Status {
	case domain.JobRunning, domain.JobLocked, domain.JobFailed:
		j.Status = domain.JobPending
		if bumpRetry {
			j.RetryCount++
		}
		j.EarliestRetryAt = earliest
		j.StartedAt = nil
	}
	return nil
}

func (f *fakeJobs) RequeueAssignedTo(_ context.Context, workerID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, j := range f.jobs {
		if j.AssignedWorkerID != nil && *j.AssignedWorkerID == workerID &&
			(j.Status == domain.JobLocked || j.Status == domain.JobRunning) {
			j.Status = domain.JobPending
			j.StartedAt = nil
			n++
		}
	}
	return n, nil
}

func (f *fakeJobs) RecoverInterrupted(_ context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, j := range f.jobs {
		if j.Status == domain.JobLocked || j.Status == domain.JobRunning {
			j.Status = domain.JobPending
			j.StartedAt = nil
			n++
		}
	}
	return n, nil
}

func (f *fakeJobs) MaxBatch(_ context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	max := 0
	for _, j := range f.jobs {
		if !j.Status.Terminal() && j.Batch > max {
			max = j.Batch
		}
	}
	return max, nil
}

func (f *fakeJobs) PendingInBatch(_ context.Context, batch int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, j := range f.jobs {
		if j.Batch == batch && !j.Status.Terminal() {
			n++
		}
	}
	return n, nil
}

func (f *fakeJobs) ActiveInBatch(_ context.Context, batch int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, j := range f.jobs {
		if j.Batch == batch && (j.Status == domain.JobLocked || j.Status == domain.JobRunning) {
			n++
		}
	}
	return n, nil
}

func (f *fakeJobs) Stats(_ context.Context) (domain.JobStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stats := domain.JobStats{
		ByStatus: map[domain.JobStatus]int64{},
		ByType:   map[domain.JobType]int64{},
	}
	for _, j := range f.jobs {
		stats.ByStatus[j.Status]++
		stats.ByType[j.Type]++
		stats.Total++
	}
	return stats, nil
}

// set applies a mutation to a stored job under the lock.
func (f *fakeJobs) set(id string, fn func(*domain.Job)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if j, ok := f.jobs[id]; ok {
		fn(j)
	}
}

type fakeActions struct {
	mu      sync.Mutex
	seq     int
	actions map[string]domain.Action
}

func newFakeActions() *fakeActions { return &fakeActions{actions: map[string]domain.Action{}} }

func (f *fakeActions) Create(_ context.Context, a domain.Action) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.actions {
		if e.AccountID == a.AccountID && e.Class == a.Class && e.TargetID == a.TargetID &&
			(e.Status == domain.ActionPending || e.Status == domain.ActionRunning || e.Status == domain.ActionLocked) {
			return "", domain.ErrDuplicate
		}
	}
	f.seq++
	a.ID = fmt.Sprintf("act-%d", f.seq)
	a.CreatedAt = time.Now().UTC()
	f.actions[a.ID] = a
	return a.ID, nil
}

func (f *fakeActions) Get(_ context.Context, id string) (domain.Action, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.actions[id]
	if !ok {
		return domain.Action{}, domain.ErrNotFound
	}
	return a, nil
}

func (f *fakeActions) find(accountID string, class domain.ActionClass, targetID string, match func(domain.ActionStatus) bool) (domain.Action, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.actions {
		if a.AccountID == accountID && a.Class == class && a.TargetID == targetID && match(a.Status) {
			return a, nil
		}
	}
	return domain.Action{}, domain.ErrNotFound
}

func (f *fakeActions) FindActive(_ context.Context, accountID string, class domain.ActionClass, targetID string) (domain.Action, error) {
	return f.find(accountID, class, targetID, func(s domain.ActionStatus) bool {
		return s == domain.ActionPending || s == domain.ActionRunning || s == domain.ActionLocked
	})
}

func (f *fakeActions) FindCompleted(_ context.Context, accountID string, class domain.ActionClass, targetID string) (domain.Action, error) {
	return f.find(accountID, class, targetID, func(s domain.ActionStatus) bool {
		return s == domain.ActionCompleted
	})
}

func (f *fakeActions) UpdateStatus(_ context.Context, id string, status domain.ActionStatus, errMsg string, rl *domain.RateLimitInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.actions[id]
	if !ok {
		return domain.ErrNotFound
	}
	a.Status = status
	a.Error = errMsg
	if rl != nil {
		a.RateLimit = rl
	}
	f.actions[id] = a
	return nil
}

func (f *fakeActions) CountWindow(_ context.Context, accountID string, classes []domain.ActionClass, since time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, a := range f.actions {
		if a.AccountID != accountID || a.CreatedAt.Before(since) {
			continue
		}
		if a.Status != domain.ActionCompleted && a.Status != domain.ActionRunning {
			continue
		}
		for _, c := range classes {
			if a.Class == c {
				n++
				break
			}
		}
	}
	return n, nil
}

func (f *fakeActions) OldestWindow(_ context.Context, accountID string, classes []domain.ActionClass, since time.Time) (*time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var oldest *time.Time
	for _, a := range f.actions {
		if a.AccountID != accountID || a.CreatedAt.Before(since) {
			continue
		}
		if a.Status != domain.ActionCompleted && a.Status != domain.ActionRunning {
			continue
		}
		for _, c := range classes {
			if a.Class == c {
				t := a.CreatedAt
				if oldest == nil || t.Before(*oldest) {
					oldest = &t
				}
				break
			}
		}
	}
	return oldest, nil
}

func (f *fakeActions) LastAttempt(_ context.Context, accountID string, class domain.ActionClass) (*time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var last *time.Time
	for _, a := range f.actions {
		if a.AccountID != accountID || a.Class != class || a.Status == domain.ActionFailed {
			continue
		}
		t := a.CreatedAt
		if last == nil || t.After(*last) {
			last = &t
		}
	}
	return last, nil
}

func (f *fakeActions) RunningCount(_ context.Context, accountID string, class domain.ActionClass) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, a := range f.actions {
		if a.AccountID == accountID && a.Class == class && a.Status == domain.ActionRunning {
			n++
		}
	}
	return n, nil
}

func (f *fakeActions) FailStale(_ context.Context, olderThan time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for id, a := range f.actions {
		if a.Status == domain.ActionRunning && a.CreatedAt.Before(olderThan) {
			a.Status = domain.ActionFailed
			a.Error = "timeout"
			f.actions[id] = a
			n++
		}
	}
	return n, nil
}

func (f *fakeActions) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.actions)
}

type fakeAccounts struct {
	mu       sync.Mutex
	accounts map[string]domain.Account
}

func newFakeAccounts() *fakeAccounts { return &fakeAccounts{accounts: map[string]domain.Account{}} }

func (f *fakeAccounts) put(a domain.Account) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts[a.ID] = a
}

func (f *fakeAccounts) Get(_ context.Context, id string) (domain.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[id]
	if !ok {
		return domain.Account{}, domain.ErrNotFound
	}
	return a, nil
}

func (f *fakeAccounts) GetByAccountNo(_ context.Context, no string) (domain.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.accounts {
		if a.AccountNo == no && a.DeletedAt == nil {
			return a, nil
		}
	}
	return domain.Account{}, domain.ErrNotFound
}

func (f *fakeAccounts) ListWorkers(_ context.Context) ([]domain.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Account
	for _, a := range f.accounts {
		if a.Kind == domain.AccountWorker && a.DeletedAt == nil {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountNo < out[j].AccountNo })
	return out, nil
}

func (f *fakeAccounts) SelectEligible(_ context.Context, limit, maxRequests int, excludeIDs []string) ([]domain.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	excluded := map[string]bool{}
	for _, id := range excludeIDs {
		excluded[id] = true
	}
	now := time.Now().UTC()
	var cands []domain.Account
	for id, a := range f.accounts {
		if a.RequestsInDay(now) == 0 && a.Requests24h > 0 {
			// Mirror the repo's expiry sweep for stale 24h windows.
			a.Requests24h = 0
			reset := now
			a.LastReset24h = &reset
			f.accounts[id] = a
		}
		if !a.Dispatchable(now) || excluded[a.ID] || a.RequestsInDay(now) >= maxRequests {
			continue
		}
		cands = append(cands, a)
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].Requests15m != cands[j].Requests15m {
			return cands[i].Requests15m < cands[j].Requests15m
		}
		return cands[i].TotalCompleted < cands[j].TotalCompleted
	})
	if len(cands) > limit {
		cands = cands[:limit]
	}
	for i := range cands {
		cands[i].Active = true
		f.accounts[cands[i].ID] = cands[i]
	}
	return cands, nil
}

func (f *fakeAccounts) SetActive(_ context.Context, id string, active bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[id]
	if !ok {
		return domain.ErrNotFound
	}
	a.Active = active
	f.accounts[id] = a
	return nil
}

func (f *fakeAccounts) Deactivate(_ context.Context, id string, until *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[id]
	if !ok {
		return domain.ErrNotFound
	}
	a.Active = false
	a.ReactivateAt = until
	f.accounts[id] = a
	return nil
}

func (f *fakeAccounts) SetValidationState(_ context.Context, id string, state domain.ValidationState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[id]
	if !ok {
		return domain.ErrNotFound
	}
	a.ValidationState = state
	f.accounts[id] = a
	return nil
}

func (f *fakeAccounts) RecordTaskResult(_ context.Context, id string, success bool, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[id]
	if !ok {
		return domain.ErrNotFound
	}
	if success {
		a.TotalCompleted++
	} else {
		a.TotalFailed++
	}
	a.Requests15m++
	if a.LastReset24h == nil || at.Sub(*a.LastReset24h) >= 24*time.Hour {
		a.Requests24h = 1
		reset := at
		a.LastReset24h = &reset
	} else {
		a.Requests24h++
	}
	a.LastTaskAt = &at
	f.accounts[id] = a
	return nil
}
