package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/roost/internal/config"
	"github.com/fairyhunter13/roost/internal/domain"
	"github.com/fairyhunter13/roost/internal/scheduler"
	"github.com/fairyhunter13/roost/internal/service/ratelimiter"
	"github.com/fairyhunter13/roost/internal/service/workerpool"
)

// Store fakes covering the slices of the ports the handlers reach.

type jobsStore struct {
	mu   sync.Mutex
	seq  int
	jobs map[string]*domain.Job
}

func newJobsStore() *jobsStore { return &jobsStore{jobs: map[string]*domain.Job{}} }

func (s *jobsStore) Create(_ context.Context, j domain.Job) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	j.ID = fmt.Sprintf("job-%d", s.seq)
	if j.Status == "" {
		j.Status = domain.JobPending
	}
	j.CreatedAt = time.Now().UTC()
	s.jobs[j.ID] = &j
	return j.ID, nil
}

func (s *jobsStore) Get(_ context.Context, id string) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	return *j, nil
}

func (s *jobsStore) List(_ context.Context, offset, limit int, status, jobType string) ([]domain.Job, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Job
	for _, j := range s.jobs {
		if status != "" && string(j.Status) != status {
			continue
		}
		if jobType != "" && string(j.Type) != jobType {
			continue
		}
		out = append(out, *j)
	}
	total := int64(len(out))
	if offset >= len(out) {
		return nil, total, nil
	}
	if end := offset + limit; end < len(out) {
		out = out[:end]
	}
	return out[offset:], total, nil
}

func (s *jobsStore) MarkCancelled(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status.Terminal() {
		return domain.ErrConflict
	}
	if j.Status == domain.JobRunning {
		j.CancelRequested = true
	} else {
		j.Status = domain.JobCancelled
	}
	return nil
}

func (s *jobsStore) ActiveInBatch(context.Context, int) (int64, error) { return 0, nil }
func (s *jobsStore) MaxBatch(context.Context) (int, error)            { return 1, nil }
func (s *jobsStore) PendingInBatch(context.Context, int) (int64, error) {
	return 0, nil
}

func (s *jobsStore) Stats(_ context.Context) (domain.JobStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := domain.JobStats{ByStatus: map[domain.JobStatus]int64{}, ByType: map[domain.JobType]int64{}}
	for _, j := range s.jobs {
		stats.Total++
		stats.ByStatus[j.Status]++
		stats.ByType[j.Type]++
	}
	return stats, nil
}

func (s *jobsStore) DequeuePending(context.Context, int, int) ([]domain.Job, error) { return nil, nil }
func (s *jobsStore) Release(context.Context, []string) error                        { return nil }
func (s *jobsStore) MarkRunning(context.Context, string, string) error              { return nil }
func (s *jobsStore) MarkCompleted(context.Context, string, json.RawMessage) error   { return nil }
func (s *jobsStore) MarkFailed(context.Context, string, string) error               { return nil }
func (s *jobsStore) FinishCancelled(context.Context, string) error                  { return nil }
func (s *jobsStore) Requeue(context.Context, string, bool, *time.Time) error        { return nil }
func (s *jobsStore) RequeueAssignedTo(context.Context, string) (int64, error)       { return 0, nil }
func (s *jobsStore) RecoverInterrupted(context.Context) (int64, error)              { return 0, nil }

type acctStore struct {
	mu       sync.Mutex
	accounts map[string]domain.Account
}

func newAcctStore() *acctStore { return &acctStore{accounts: map[string]domain.Account{}} }

func (s *acctStore) put(a domain.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[a.ID] = a
}

func (s *acctStore) Get(_ context.Context, id string) (domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return domain.Account{}, domain.ErrNotFound
	}
	return a, nil
}

func (s *acctStore) GetByAccountNo(_ context.Context, no string) (domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.accounts {
		if a.AccountNo == no {
			return a, nil
		}
	}
	return domain.Account{}, domain.ErrNotFound
}

func (s *acctStore) ListWorkers(_ context.Context) ([]domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Account
	for _, a := range s.accounts {
		if a.Kind == domain.AccountWorker {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *acctStore) SelectEligible(context.Context, int, int, []string) ([]domain.Account, error) {
	return nil, nil
}
func (s *acctStore) SetActive(context.Context, string, bool) error         { return nil }
func (s *acctStore) Deactivate(context.Context, string, *time.Time) error  { return nil }
func (s *acctStore) SetValidationState(context.Context, string, domain.ValidationState) error {
	return nil
}
func (s *acctStore) RecordTaskResult(context.Context, string, bool, time.Time) error { return nil }

type actStore struct {
	mu      sync.Mutex
	actions map[string]domain.Action
}

func newActStore() *actStore { return &actStore{actions: map[string]domain.Action{}} }

func (s *actStore) put(a domain.Action) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions[a.ID] = a
}

func (s *actStore) Create(_ context.Context, a domain.Action) (string, error) { return "a-1", nil }
func (s *actStore) Get(_ context.Context, id string) (domain.Action, error) {
	return domain.Action{}, domain.ErrNotFound
}

func (s *actStore) FindActive(_ context.Context, accountID string, class domain.ActionClass, targetID string) (domain.Action, error) {
	return s.find(accountID, class, targetID, false)
}

func (s *actStore) FindCompleted(_ context.Context, accountID string, class domain.ActionClass, targetID string) (domain.Action, error) {
	return s.find(accountID, class, targetID, true)
}

func (s *actStore) find(accountID string, class domain.ActionClass, targetID string, completed bool) (domain.Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.actions {
		if a.AccountID != accountID || a.Class != class || a.TargetID != targetID {
			continue
		}
		if completed == (a.Status == domain.ActionCompleted) {
			return a, nil
		}
	}
	return domain.Action{}, domain.ErrNotFound
}

func (s *actStore) UpdateStatus(context.Context, string, domain.ActionStatus, string, *domain.RateLimitInfo) error {
	return nil
}
func (s *actStore) CountWindow(context.Context, string, []domain.ActionClass, time.Time) (int, error) {
	return 0, nil
}
func (s *actStore) OldestWindow(context.Context, string, []domain.ActionClass, time.Time) (*time.Time, error) {
	return nil, nil
}
func (s *actStore) LastAttempt(context.Context, string, domain.ActionClass) (*time.Time, error) {
	return nil, nil
}
func (s *actStore) RunningCount(context.Context, string, domain.ActionClass) (int, error) {
	return 0, nil
}
func (s *actStore) FailStale(context.Context, time.Time) (int64, error) { return 0, nil }

type serverEnv struct {
	srv      *Server
	jobs     *jobsStore
	accounts *acctStore
	actions  *actStore
}

func newServerEnv(t *testing.T) *serverEnv {
	t.Helper()
	jobs := newJobsStore()
	accounts := newAcctStore()
	actions := newActStore()
	limiter := ratelimiter.New(actions, domain.DefaultClassLimits(), nil)
	pool := workerpool.New(accounts, limiter, workerpool.Options{})
	manager := scheduler.NewManager(jobs, accounts, pool, limiter, nil, nil, scheduler.ManagerOptions{})
	cfg := config.Config{MaxUploadMB: 5}
	return &serverEnv{
		srv:      NewServer(cfg, manager, jobs, accounts, nil),
		jobs:     jobs,
		accounts: accounts,
		actions:  actions,
	}
}

func withURLParam(r *http.Request, key, val string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, val)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestSubmitJobCreates(t *testing.T) {
	e := newServerEnv(t)
	e.accounts.put(domain.Account{ID: "w1", AccountNo: "001", Kind: domain.AccountWorker})

	payload := `{"type":"like","input_params":{"account_id":"w1","target":"777"},"priority":3}`
	req := httptest.NewRequest(http.MethodPost, "/jobs", strings.NewReader(payload))
	rec := httptest.NewRecorder()
	e.srv.SubmitJob(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "job-1", body["id"])
	assert.Equal(t, "pending", body["status"])
}

func TestSubmitJobRejectsBadInput(t *testing.T) {
	e := newServerEnv(t)

	cases := []struct {
		name    string
		payload string
	}{
		{"malformed json", `{`},
		{"missing type", `{"input_params":{}}`},
		{"unknown type", `{"type":"teleport"}`},
		{"missing target", `{"type":"like","input_params":{"account_id":"w1"}}`},
		{"priority out of range", `{"type":"like","input_params":{"account_id":"w1","target":"1"},"priority":99}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/jobs", strings.NewReader(tc.payload))
			rec := httptest.NewRecorder()
			e.srv.SubmitJob(rec, req)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			body := decodeBody(t, rec)
			errObj := body["error"].(map[string]any)
			assert.Equal(t, "INVALID_ARGUMENT", errObj["code"])
		})
	}
}

func TestSubmitJobDuplicateReturnsOriginal(t *testing.T) {
	e := newServerEnv(t)
	e.accounts.put(domain.Account{ID: "w1", AccountNo: "001", Kind: domain.AccountWorker})

	origID, err := e.jobs.Create(context.Background(), domain.Job{
		Type:   domain.JobLike,
		Params: domain.JobParams{AccountID: "w1", Target: "42"},
		Status: domain.JobCompleted,
	})
	require.NoError(t, err)
	e.actions.put(domain.Action{
		ID: "a1", AccountID: "w1", JobID: origID,
		Class: domain.ClassLike, TargetID: "42", Status: domain.ActionCompleted,
	})

	payload := `{"type":"like","input_params":{"account_id":"w1","target":"42"}}`
	req := httptest.NewRequest(http.MethodPost, "/jobs", strings.NewReader(payload))
	rec := httptest.NewRecorder()
	e.srv.SubmitJob(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, origID, body["id"])
	assert.Equal(t, true, body["duplicate"])
}

func TestSubmitBulk(t *testing.T) {
	e := newServerEnv(t)
	e.accounts.put(domain.Account{ID: "w1", AccountNo: "001", Kind: domain.AccountWorker})

	payload := `{"type":"follow","priority":2,"items":[
		{"account_id":"w1","target":"alice"},
		{"account_id":"w1","target":"bob"},
		{"account_id":"w1"}
	]}`
	req := httptest.NewRequest(http.MethodPost, "/jobs/bulk", strings.NewReader(payload))
	rec := httptest.NewRecorder()
	e.srv.SubmitBulk(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	body := decodeBody(t, rec)
	assert.Len(t, body["jobs"], 2)
	assert.Len(t, body["failures"], 1)
}

func TestGetJob(t *testing.T) {
	e := newServerEnv(t)
	id, err := e.jobs.Create(context.Background(), domain.Job{
		Type:   domain.JobScrapeProfile,
		Params: domain.JobParams{Username: "alice"},
	})
	require.NoError(t, err)

	req := withURLParam(httptest.NewRequest(http.MethodGet, "/jobs/"+id, nil), "id", id)
	rec := httptest.NewRecorder()
	e.srv.GetJob(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, id, body["id"])
	assert.Equal(t, "scrape_profile", body["type"])
}

func TestGetJobNotFound(t *testing.T) {
	e := newServerEnv(t)
	req := withURLParam(httptest.NewRequest(http.MethodGet, "/jobs/nope", nil), "id", "nope")
	rec := httptest.NewRecorder()
	e.srv.GetJob(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "NOT_FOUND", body["error"].(map[string]any)["code"])
}

func TestListJobsClampsPageSize(t *testing.T) {
	e := newServerEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/jobs?page=0&page_size=9999", nil)
	rec := httptest.NewRecorder()
	e.srv.ListJobs(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(1), body["page"])
	assert.Equal(t, float64(20), body["page_size"])
}

func TestCancelCompletedJobConflicts(t *testing.T) {
	e := newServerEnv(t)
	id, err := e.jobs.Create(context.Background(), domain.Job{
		Type:   domain.JobLike,
		Status: domain.JobCompleted,
	})
	require.NoError(t, err)

	req := withURLParam(httptest.NewRequest(http.MethodPost, "/jobs/"+id+"/cancel", nil), "id", id)
	rec := httptest.NewRecorder()
	e.srv.CancelJob(rec, req)

	require.Equal(t, http.StatusConflict, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "CONFLICT", body["error"].(map[string]any)["code"])
}

func TestQueueLifecycleOps(t *testing.T) {
	e := newServerEnv(t)

	req := withURLParam(httptest.NewRequest(http.MethodPost, "/queue/pause", nil), "op", "pause")
	rec := httptest.NewRecorder()
	e.srv.QueueLifecycle(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "stopped", decodeBody(t, rec)["status"])

	req = withURLParam(httptest.NewRequest(http.MethodPost, "/queue/explode", nil), "op", "explode")
	rec = httptest.NewRecorder()
	e.srv.QueueLifecycle(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListAccountsOmitsCredentials(t *testing.T) {
	e := newServerEnv(t)
	e.accounts.put(domain.Account{
		ID:        "w1",
		AccountNo: "001",
		Kind:      domain.AccountWorker,
		Handle:    "roost_bot",
		AuthToken: "super-secret-token",
		CSRFToken: "super-secret-csrf",
	})

	req := httptest.NewRequest(http.MethodGet, "/accounts", nil)
	rec := httptest.NewRecorder()
	e.srv.ListAccounts(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "roost_bot")
	assert.NotContains(t, rec.Body.String(), "super-secret-token")
	assert.NotContains(t, rec.Body.String(), "super-secret-csrf")
}

func TestHealthz(t *testing.T) {
	e := newServerEnv(t)
	rec := httptest.NewRecorder()
	e.srv.Healthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeBody(t, rec)["status"])
}

func TestUploadJobsMultipart(t *testing.T) {
	e := newServerEnv(t)
	e.accounts.put(domain.Account{ID: "w1", AccountNo: "001", Kind: domain.AccountWorker})

	csvBody := "account_no,task_type,source_tweet,text_content,priority\n" +
		"001,like,https://x.com/someone/status/12345?s=20,,4\n" +
		"001,reply,https://x.com/someone/status/67890,hello there,0\n"

	var buf bytes.Buffer
	mw := newMultipart(t, &buf, "jobs.csv", csvBody)
	req := httptest.NewRequest(http.MethodPost, "/jobs/upload", &buf)
	req.Header.Set("Content-Type", mw)
	rec := httptest.NewRecorder()
	e.srv.UploadJobs(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(2), body["total"])
	assert.Len(t, body["jobs"], 2)
}

func newMultipart(t *testing.T, buf *bytes.Buffer, filename, content string) string {
	t.Helper()
	w := multipart.NewWriter(buf)
	fw, err := w.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return w.FormDataContentType()
}
