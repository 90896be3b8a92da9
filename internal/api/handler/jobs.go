// Package handler contains the HTTP handlers for the public API. Handlers
// depend on narrow interfaces so tests can substitute in-memory doubles.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	mw "github.com/promptbatch/promptbatch/internal/api/middleware"
	"github.com/promptbatch/promptbatch/internal/api/response"
	"github.com/promptbatch/promptbatch/internal/job"
	"github.com/promptbatch/promptbatch/internal/store"
	"github.com/promptbatch/promptbatch/pkg/models"
)

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
)

// JobReader is the read-side store slice the job handlers depend on.
type JobReader interface {
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	ListJobs(ctx context.Context, filter store.JobFilter) ([]*models.Job, int, error)
	ListTasks(ctx context.Context, filter store.TaskFilter) ([]*models.JobTask, int, error)
}

// Submitter admits and cancels jobs. *job.Admission satisfies it.
type Submitter interface {
	Submit(ctx context.Context, params job.SubmitParams) (*models.Job, error)
	Cancel(ctx context.Context, jobID, accountID uuid.UUID) (*models.Job, error)
}

// NewSubmitJobHandler returns the handler for POST /api/v1/jobs.
func NewSubmitJobHandler(svc Submitter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID, ok := mw.GetAccountID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing account", nil)
			return
		}

		var req struct {
			FileID       string   `json:"file_id"`
			PromptID     string   `json:"prompt_id"`
			Model        string   `json:"model"`
			OutputFields []string `json:"output_fields"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		fileID, err := uuid.Parse(req.FileID)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "file_id must be a valid UUID", nil)
			return
		}
		promptID, err := uuid.Parse(req.PromptID)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "prompt_id must be a valid UUID", nil)
			return
		}
		if req.Model == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "model is required", nil)
			return
		}

		j, err := svc.Submit(r.Context(), job.SubmitParams{
			AccountID:    accountID,
			FileID:       fileID,
			PromptID:     promptID,
			Model:        req.Model,
			OutputFields: req.OutputFields,
		})
		if err != nil {
			switch {
			case errors.Is(err, job.ErrFileNotFound):
				response.Error(w, http.StatusNotFound, "FILE_NOT_FOUND", "File does not exist", nil)
			case errors.Is(err, job.ErrPromptNotFound):
				response.Error(w, http.StatusNotFound, "PROMPT_NOT_FOUND", "Prompt does not exist", nil)
			case errors.Is(err, job.ErrNotOwner):
				response.Error(w, http.StatusNotFound, "NOT_FOUND", "Resource does not exist", nil)
			case errors.Is(err, job.ErrUnknownModel):
				response.Error(w, http.StatusBadRequest, "UNKNOWN_MODEL", "Model is not registered", nil)
			case errors.Is(err, job.ErrModelDisabled):
				response.Error(w, http.StatusConflict, "MODEL_DISABLED", "Model is not accepting new jobs", nil)
			default:
				response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
			}
			return
		}

		response.Accepted(w, j)
	}
}

// NewGetJobHandler returns the handler for GET /api/v1/jobs/{jobID}.
func NewGetJobHandler(s JobReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		j, ok := ownedJob(w, r, s)
		if !ok {
			return
		}
		response.JSON(w, j)
	}
}

// NewListJobsHandler returns the handler for GET /api/v1/jobs.
func NewListJobsHandler(s JobReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID, ok := mw.GetAccountID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing account", nil)
			return
		}

		page, limit := parsePage(r)
		filter := store.JobFilter{
			AccountID: accountID,
			Status:    models.JobStatus(r.URL.Query().Get("status")),
			Model:     r.URL.Query().Get("model"),
			Page:      page,
			Limit:     limit,
		}

		jobs, total, err := s.ListJobs(r.Context(), filter)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list jobs", nil)
			return
		}
		if jobs == nil {
			jobs = []*models.Job{}
		}
		response.Collection(w, jobs, response.PaginationMeta{
			Page:    page,
			Limit:   limit,
			Total:   total,
			HasNext: page*limit < total,
		})
	}
}

// NewCancelJobHandler returns the handler for POST /api/v1/jobs/{jobID}/cancel.
func NewCancelJobHandler(svc Submitter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID, ok := mw.GetAccountID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing account", nil)
			return
		}
		jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "jobID must be a valid UUID", nil)
			return
		}

		j, err := svc.Cancel(r.Context(), jobID, accountID)
		if err != nil {
			switch {
			case errors.Is(err, store.ErrNotFound), errors.Is(err, job.ErrNotOwner):
				response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "Job does not exist", nil)
			default:
				response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
			}
			return
		}
		response.JSON(w, j)
	}
}

// NewListTasksHandler returns the handler for GET /api/v1/jobs/{jobID}/tasks.
func NewListTasksHandler(s JobReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		j, ok := ownedJob(w, r, s)
		if !ok {
			return
		}

		page, limit := parsePage(r)
		tasks, total, err := s.ListTasks(r.Context(), store.TaskFilter{
			JobID:  j.ID,
			Status: models.TaskStatus(r.URL.Query().Get("status")),
			Page:   page,
			Limit:  limit,
		})
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list tasks", nil)
			return
		}
		if tasks == nil {
			tasks = []*models.JobTask{}
		}
		response.Collection(w, tasks, response.PaginationMeta{
			Page:    page,
			Limit:   limit,
			Total:   total,
			HasNext: page*limit < total,
		})
	}
}

// NewResultHandler returns the handler for GET /api/v1/jobs/{jobID}/result.
// It streams the finished job's workbook.
func NewResultHandler(s JobReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		j, ok := ownedJob(w, r, s)
		if !ok {
			return
		}
		if j.ResultPath == nil {
			response.Error(w, http.StatusConflict, "RESULT_NOT_READY", "Job has no result file yet", nil)
			return
		}

		w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", j.ID.String()+".xlsx"))
		http.ServeFile(w, r, *j.ResultPath)
	}
}

// ownedJob fetches the path job and enforces ownership; missing and foreign
// jobs are indistinguishable to the caller.
func ownedJob(w http.ResponseWriter, r *http.Request, s JobReader) (*models.Job, bool) {
	accountID, ok := mw.GetAccountID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing account", nil)
		return nil, false
	}
	jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "jobID must be a valid UUID", nil)
		return nil, false
	}

	j, err := s.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "Job does not exist", nil)
		} else {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load job", nil)
		}
		return nil, false
	}
	if j.AccountID != accountID {
		response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "Job does not exist", nil)
		return nil, false
	}
	return j, true
}

func parsePage(r *http.Request) (page, limit int) {
	page = intQuery(r, "page", 1)
	if page < 1 {
		page = 1
	}
	limit = intQuery(r, "limit", defaultPageLimit)
	if limit < 1 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	return page, limit
}

func intQuery(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
