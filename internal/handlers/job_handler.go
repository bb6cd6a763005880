package handlers

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/meta/internal/services/jobs"
)

// JobHandler exposes users, user jobs, sub-jobs and the dispatch queue over HTTP
type JobHandler struct {
	jobs   *jobs.Service
	logger arbor.ILogger
}

// NewJobHandler creates a new job handler
func NewJobHandler(jobService *jobs.Service, logger arbor.ILogger) *JobHandler {
	return &JobHandler{
		jobs:   jobService,
		logger: logger,
	}
}

// UsersHandler handles POST /api/users
func (h *JobHandler) UsersHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var req jobs.CreateUserRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	user, err := h.jobs.CreateUser(r.Context(), req)
	if err != nil {
		WriteErrorFor(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, user)
}

// UserHandler handles GET /api/users/{id}
func (h *JobHandler) UserHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	segments := pathSegments(r.URL.Path, "/api/users/")
	if len(segments) != 1 {
		WriteError(w, http.StatusNotFound, "Not found")
		return
	}

	user, err := h.jobs.GetUser(r.Context(), segments[0])
	if err != nil {
		WriteErrorFor(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, user)
}

// UserJobsHandler handles GET (list) and POST (submit) on /api/user-jobs
func (h *JobHandler) UserJobsHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.listUserJobs(w, r)
	case http.MethodPost:
		h.submit(w, r)
	default:
		WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (h *JobHandler) listUserJobs(w http.ResponseWriter, r *http.Request) {
	includeHidden, _ := strconv.ParseBool(r.URL.Query().Get("include_hidden"))

	list, err := h.jobs.ListUserJobs(r.Context(), r.URL.Query().Get("user_id"), includeHidden)
	if err != nil {
		WriteErrorFor(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"user_jobs": list,
		"count":     len(list),
	})
}

func (h *JobHandler) submit(w http.ResponseWriter, r *http.Request) {
	var req jobs.SubmitRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	job, err := h.jobs.Submit(r.Context(), req)
	if err != nil {
		h.logger.Warn().Err(err).Str("user_id", req.UserID).Msg("User job submission rejected")
		WriteErrorFor(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, job)
}

// UserJobRoutes dispatches /api/user-jobs/{id}[/action] by path suffix
func (h *JobHandler) UserJobRoutes(w http.ResponseWriter, r *http.Request) {
	segments := pathSegments(r.URL.Path, "/api/user-jobs/")
	if len(segments) == 0 || len(segments) > 2 {
		WriteError(w, http.StatusNotFound, "Not found")
		return
	}

	id := segments[0]
	action := ""
	if len(segments) == 2 {
		action = segments[1]
	}

	switch action {
	case "":
		h.getUserJob(w, r, id)
	case "children":
		h.children(w, r, id)
	case "classification":
		h.classification(w, r, id)
	case "cancel":
		h.cancel(w, r, id)
	case "hide":
		h.hide(w, r, id)
	case "report.html":
		h.reportHTML(w, r, id)
	case "report.pdf":
		h.reportPDF(w, r, id)
	default:
		WriteError(w, http.StatusNotFound, "Not found")
	}
}

func (h *JobHandler) getUserJob(w http.ResponseWriter, r *http.Request, id string) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	job, err := h.jobs.GetUserJob(r.Context(), id)
	if err != nil {
		WriteErrorFor(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, job)
}

func (h *JobHandler) children(w http.ResponseWriter, r *http.Request, id string) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	children, err := h.jobs.Children(r.Context(), id)
	if err != nil {
		WriteErrorFor(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"user_job_id": id,
		"children":    children,
	})
}

// classification handles GET /api/user-jobs/{id}/classification?classifier=&read_type=
func (h *JobHandler) classification(w http.ResponseWriter, r *http.Request, id string) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	q := r.URL.Query()
	classifier, readType := q.Get("classifier"), q.Get("read_type")
	if classifier == "" || readType == "" {
		WriteError(w, http.StatusBadRequest, "classifier and read_type are required")
		return
	}

	job, err := h.jobs.FindClassification(r.Context(), id, classifier, readType)
	if err != nil {
		WriteErrorFor(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, job)
}

func (h *JobHandler) cancel(w http.ResponseWriter, r *http.Request, id string) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	job, err := h.jobs.Cancel(r.Context(), id)
	if err != nil {
		WriteErrorFor(w, err)
		return
	}

	h.logger.Info().Str("user_job_id", id).Msg("User job cancelled via API")
	WriteJSON(w, http.StatusOK, job)
}

func (h *JobHandler) hide(w http.ResponseWriter, r *http.Request, id string) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	req := struct {
		Hide *bool `json:"hide"`
	}{}
	// An empty body hides the job
	if err := DecodeJSON(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		WriteError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	hidden := true
	if req.Hide != nil {
		hidden = *req.Hide
	}

	job, err := h.jobs.Hide(r.Context(), id, hidden)
	if err != nil {
		WriteErrorFor(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, job)
}

func (h *JobHandler) reportHTML(w http.ResponseWriter, r *http.Request, id string) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	page, err := h.jobs.ReportHTML(r.Context(), id)
	if err != nil {
		WriteErrorFor(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(page)
}

func (h *JobHandler) reportPDF(w http.ResponseWriter, r *http.Request, id string) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	pdf, err := h.jobs.ReportPDF(r.Context(), id)
	if err != nil {
		WriteErrorFor(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", "attachment; filename=\"user-job-"+id+".pdf\"")
	w.WriteHeader(http.StatusOK)
	w.Write(pdf)
}

// SubJobRoutes handles POST /api/sub-jobs/{id}/cancel
func (h *JobHandler) SubJobRoutes(w http.ResponseWriter, r *http.Request) {
	segments := pathSegments(r.URL.Path, "/api/sub-jobs/")
	if len(segments) != 2 || segments[1] != "cancel" {
		WriteError(w, http.StatusNotFound, "Not found")
		return
	}
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	state, err := h.jobs.CancelSubJob(r.Context(), segments[0])
	if err != nil {
		WriteErrorFor(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, state)
}

// QueueHandler handles GET /api/queue
func (h *JobHandler) QueueHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	entries, err := h.jobs.Queue(r.Context())
	if err != nil {
		WriteErrorFor(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}

// ClassifiersHandler handles GET /api/classifiers
func (h *JobHandler) ClassifiersHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	list, err := h.jobs.Classifiers(r.Context())
	if err != nil {
		WriteErrorFor(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"classifiers": list,
	})
}
