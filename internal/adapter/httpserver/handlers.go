package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/roost/internal/config"
	"github.com/fairyhunter13/roost/internal/domain"
	"github.com/fairyhunter13/roost/internal/scheduler"
)

// Server bundles the handler dependencies.
type Server struct {
	Cfg      config.Config
	Manager  *scheduler.Manager
	Jobs     domain.JobRepository
	Accounts domain.AccountRepository
	Hub      *Hub

	validate *validator.Validate
}

// NewServer constructs the HTTP server surface.
func NewServer(cfg config.Config, manager *scheduler.Manager, jobs domain.JobRepository,
	accounts domain.AccountRepository, hub *Hub) *Server {
	return &Server{
		Cfg:      cfg,
		Manager:  manager,
		Jobs:     jobs,
		Accounts: accounts,
		Hub:      hub,
		validate: validator.New(),
	}
}

type submitJobRequest struct {
	Type        string           `json:"type" validate:"required"`
	InputParams domain.JobParams `json:"input_params"`
	Priority    int              `json:"priority" validate:"gte=0,lte=10"`
}

type jobRef struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

type jobView struct {
	ID               string           `json:"id"`
	Type             string           `json:"type"`
	InputParams      domain.JobParams `json:"input_params"`
	Status           string           `json:"status"`
	Priority         int              `json:"priority"`
	RetryCount       int              `json:"retry_count"`
	Batch            int              `json:"batch"`
	AssignedWorkerID *string          `json:"assigned_worker_id,omitempty"`
	Result           json.RawMessage  `json:"result,omitempty"`
	Error            string           `json:"error,omitempty"`
	CancelRequested  bool             `json:"cancel_requested,omitempty"`
	EarliestRetryAt  *time.Time       `json:"earliest_retry_at,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	StartedAt        *time.Time       `json:"started_at,omitempty"`
	CompletedAt      *time.Time       `json:"completed_at,omitempty"`
}

func toJobView(j domain.Job) jobView {
	return jobView{
		ID:               j.ID,
		Type:             string(j.Type),
		InputParams:      j.Params,
		Status:           string(j.Status),
		Priority:         j.Priority,
		RetryCount:       j.RetryCount,
		Batch:            j.Batch,
		AssignedWorkerID: j.AssignedWorkerID,
		Result:           j.Result,
		Error:            j.Error,
		CancelRequested:  j.CancelRequested,
		EarliestRetryAt:  j.EarliestRetryAt,
		CreatedAt:        j.CreatedAt,
		StartedAt:        j.StartedAt,
		CompletedAt:      j.CompletedAt,
	}
}

// SubmitJob handles POST /jobs.
func (s *Server) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, fmt.Errorf("%w: malformed body", domain.ErrInvalidArgument), nil)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, r, fmt.Errorf("%w: %s", domain.ErrInvalidArgument, err), nil)
		return
	}
	jobType, err := domain.ParseJobType(req.Type)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	job, existing, err := s.Manager.AddJob(r.Context(), jobType, req.InputParams, req.Priority)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	status := http.StatusCreated
	if existing {
		status = http.StatusOK
	}
	writeJSON(w, status, jobRef{ID: job.ID, Status: string(job.Status), Duplicate: existing})
}

type bulkJobsRequest struct {
	Type     string             `json:"type" validate:"required"`
	Priority int                `json:"priority" validate:"gte=0,lte=10"`
	Items    []domain.JobParams `json:"items" validate:"required,min=1,max=1000"`
}

// SubmitBulk handles POST /jobs/bulk: a list of same-type jobs.
func (s *Server) SubmitBulk(w http.ResponseWriter, r *http.Request) {
	var req bulkJobsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, fmt.Errorf("%w: malformed body", domain.ErrInvalidArgument), nil)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, r, fmt.Errorf("%w: %s", domain.ErrInvalidArgument, err), nil)
		return
	}
	jobType, err := domain.ParseJobType(req.Type)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	refs := make([]jobRef, 0, len(req.Items))
	var failures []map[string]any
	for i, params := range req.Items {
		job, existing, err := s.Manager.AddJob(r.Context(), jobType, params, req.Priority)
		if err != nil {
			failures = append(failures, map[string]any{"index": i, "error": err.Error()})
			continue
		}
		refs = append(refs, jobRef{ID: job.ID, Status: string(job.Status), Duplicate: existing})
	}
	writeJSON(w, http.StatusCreated, map[string]any{"jobs": refs, "failures": failures})
}

// GetJob handles GET /jobs/{id}.
func (s *Server) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.Jobs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, toJobView(job))
}

// ListJobs handles GET /jobs with pagination and optional filters.
func (s *Server) ListJobs(w http.ResponseWriter, r *http.Request) {
	page := intQuery(r, "page", 1)
	size := intQuery(r, "page_size", 20)
	if page < 1 {
		page = 1
	}
	if size < 1 || size > 200 {
		size = 20
	}
	status := r.URL.Query().Get("status")
	jobType := r.URL.Query().Get("type")
	jobs, total, err := s.Jobs.List(r.Context(), (page-1)*size, size, status, jobType)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	views := make([]jobView, len(jobs))
	for i, j := range jobs {
		views[i] = toJobView(j)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":      views,
		"page":      page,
		"page_size": size,
		"total":     total,
	})
}

// JobStats handles GET /jobs/stats.
func (s *Server) JobStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.Manager.Stats(r.Context())
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// CancelJob handles POST /jobs/{id}/cancel.
func (s *Server) CancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.Manager.CancelJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":               job.ID,
		"status":           string(job.Status),
		"cancel_requested": job.CancelRequested,
	})
}

// QueueLifecycle handles POST /queue/{op} for start, stop, pause and resume.
func (s *Server) QueueLifecycle(w http.ResponseWriter, r *http.Request) {
	op := chi.URLParam(r, "op")
	switch op {
	case "start":
		if err := s.Manager.Start(r.Context()); err != nil {
			writeError(w, r, err, nil)
			return
		}
	case "stop":
		s.Manager.Stop(r.Context())
	case "pause":
		s.Manager.Pause()
	case "resume":
		s.Manager.Resume()
	default:
		writeError(w, r, fmt.Errorf("%w: unknown queue op %q", domain.ErrInvalidArgument, op), nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(s.Manager.State())})
}

type accountView struct {
	ID              string     `json:"id"`
	AccountNo       string     `json:"account_no"`
	Handle          string     `json:"handle"`
	Active          bool       `json:"active"`
	ValidationState string     `json:"validation_state"`
	OAuthState      string     `json:"oauth_state"`
	TotalCompleted  int        `json:"total_completed"`
	TotalFailed     int        `json:"total_failed"`
	Requests15m     int        `json:"requests_15m"`
	Requests24h     int        `json:"requests_24h"`
	LastTaskAt      *time.Time `json:"last_task_at,omitempty"`
	ReactivateAt    *time.Time `json:"reactivate_at,omitempty"`
}

// ListAccounts handles GET /accounts: a worker projection without
// credentials, for operators.
func (s *Server) ListAccounts(w http.ResponseWriter, r *http.Request) {
	workers, err := s.Accounts.ListWorkers(r.Context())
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	views := make([]accountView, len(workers))
	for i, a := range workers {
		views[i] = accountView{
			ID:              a.ID,
			AccountNo:       a.AccountNo,
			Handle:          a.Handle,
			Active:          a.Active,
			ValidationState: string(a.ValidationState),
			OAuthState:      string(a.OAuthState),
			TotalCompleted:  a.TotalCompleted,
			TotalFailed:     a.TotalFailed,
			Requests15m:     a.Requests15m,
			Requests24h:     a.Requests24h,
			LastTaskAt:      a.LastTaskAt,
			ReactivateAt:    a.ReactivateAt,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": views})
}

// Healthz handles GET /healthz.
func (s *Server) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func intQuery(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
