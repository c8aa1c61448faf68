package httpserver

import (
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/fairyhunter13/roost/internal/domain"
)

// csvJob is one parsed CSV row ready for enqueueing.
type csvJob struct {
	Type     domain.JobType
	Params   domain.JobParams
	Priority int
}

// UploadJobs handles POST /jobs/upload (multipart CSV). Two layouts are
// accepted: a scrape sheet with the case-sensitive `Username` column, one
// scrape job per row, and an action-import sheet keyed by `account_no` and
// `task_type`.
func (s *Server) UploadJobs(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.Cfg.MaxUploadMB<<20)
	if err := r.ParseMultipartForm(s.Cfg.MaxUploadMB << 20); err != nil {
		writeError(w, r, fmt.Errorf("%w: multipart parse: %s", domain.ErrInvalidArgument, err), nil)
		return
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		writeError(w, r, fmt.Errorf("%w: missing file field", domain.ErrInvalidArgument), nil)
		return
	}
	defer func() { _ = file.Close() }()

	head := make([]byte, 512)
	n, _ := io.ReadFull(file, head)
	head = head[:n]
	mt := mimetype.Detect(head)
	if !mt.Is("text/csv") && !mt.Is("text/plain") {
		writeError(w, r, fmt.Errorf("%w: unsupported content type %s", domain.ErrInvalidArgument, mt.String()), nil)
		return
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		writeError(w, r, err, nil)
		return
	}

	rows, err := parseJobsCSV(file)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}

	refs := make([]jobRef, 0, len(rows))
	var failures []map[string]any
	for i, row := range rows {
		job, existing, err := s.Manager.AddJob(r.Context(), row.Type, row.Params, row.Priority)
		if err != nil {
			failures = append(failures, map[string]any{"row": i + 2, "error": err.Error()})
			continue
		}
		refs = append(refs, jobRef{ID: job.ID, Status: string(job.Status), Duplicate: existing})
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"jobs":     refs,
		"failures": failures,
		"total":    len(rows),
	})
}

// parseJobsCSV dispatches on the header row: the scrape sheet carries the
// case-sensitive Username column, the action sheet account_no and task_type.
func parseJobsCSV(r io.Reader) ([]csvJob, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("%w: empty csv", domain.ErrInvalidArgument)
	}
	for i := range header {
		header[i] = strings.TrimSpace(strings.TrimPrefix(header[i], "\ufeff"))
	}

	for _, h := range header {
		if h == "Username" {
			return parseScrapeRows(cr, header)
		}
	}
	cols := indexColumns(header)
	if _, ok := cols["account_no"]; ok {
		if _, ok := cols["task_type"]; ok {
			return parseActionRows(cr, cols)
		}
	}
	return nil, fmt.Errorf("%w: csv needs a Username column or account_no/task_type columns", domain.ErrInvalidArgument)
}

func indexColumns(header []string) map[string]int {
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(h)] = i
	}
	return cols
}

func parseScrapeRows(cr *csv.Reader, header []string) ([]csvJob, error) {
	userCol := -1
	for i, h := range header {
		if h == "Username" {
			userCol = i
			break
		}
	}
	var out []csvJob
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: csv row: %s", domain.ErrInvalidArgument, err)
		}
		if userCol >= len(rec) {
			continue
		}
		username := strings.TrimSpace(rec[userCol])
		if username == "" {
			continue
		}
		out = append(out, csvJob{
			Type:   domain.JobScrapeProfile,
			Params: domain.JobParams{Username: username},
		})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no usable rows", domain.ErrInvalidArgument)
	}
	return out, nil
}

func parseActionRows(cr *csv.Reader, cols map[string]int) ([]csvJob, error) {
	field := func(rec []string, name string) string {
		i, ok := cols[name]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	var out []csvJob
	rowNo := 1
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		rowNo++
		if err != nil {
			return nil, fmt.Errorf("%w: csv row %d: %s", domain.ErrInvalidArgument, rowNo, err)
		}
		jobType, err := domain.ParseJobType(field(rec, "task_type"))
		if err != nil {
			return nil, fmt.Errorf("%w: row %d: %s", domain.ErrInvalidArgument, rowNo, err)
		}
		params := domain.JobParams{
			AccountID: field(rec, "account_no"),
			Text:      field(rec, "text_content"),
			Media:     field(rec, "media"),
			APIMethod: strings.ToLower(field(rec, "api_method")),
		}
		switch jobType {
		case domain.JobLike, domain.JobRetweet, domain.JobReply, domain.JobQuote:
			params.Target = tweetIDFromURL(field(rec, "source_tweet"))
			if params.Target == "" {
				return nil, fmt.Errorf("%w: row %d: source_tweet missing or unparseable", domain.ErrInvalidArgument, rowNo)
			}
		case domain.JobFollow:
			params.Target = field(rec, "user")
		case domain.JobDirectMessage:
			params.Target = field(rec, "user")
			// DM delivery only exists on the REST surface upstream.
			params.APIMethod = domain.APIMethodREST
		}
		priority := 0
		if p := field(rec, "priority"); p != "" {
			priority, err = strconv.Atoi(p)
			if err != nil {
				return nil, fmt.Errorf("%w: row %d: bad priority %q", domain.ErrInvalidArgument, rowNo, p)
			}
		}
		if err := params.Validate(jobType); err != nil {
			return nil, fmt.Errorf("row %d: %w", rowNo, err)
		}
		out = append(out, csvJob{Type: jobType, Params: params, Priority: priority})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no usable rows", domain.ErrInvalidArgument)
	}
	return out, nil
}

// tweetIDFromURL extracts the tweet id from a full status URL: the substring
// after "/status/" up to the query string.
func tweetIDFromURL(u string) string {
	const marker = "/status/"
	i := strings.Index(u, marker)
	if i < 0 {
		return ""
	}
	id := u[i+len(marker):]
	if j := strings.IndexAny(id, "?/"); j >= 0 {
		id = id[:j]
	}
	return strings.TrimSpace(id)
}
