package handlers

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/fulmenhq/gofulmen/errors"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/runguardhq/runguard/internal/server/middleware"
	"github.com/runguardhq/runguard/pkg/jobregistry"
	"github.com/runguardhq/runguard/pkg/supervisor"
)

// API exposes supervisor operations over HTTP.
type API struct {
	Supervisor *supervisor.Supervisor
	Logger     *zap.Logger
}

func NewAPI(sup *supervisor.Supervisor, logger *zap.Logger) *API {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &API{Supervisor: sup, Logger: logger}
}

// executeRequest is the wire shape of POST /v1/execute.
type executeRequest struct {
	Command         string `json:"command"`
	Cwd             string `json:"cwd,omitempty"`
	ForceBackground bool   `json:"force_background,omitempty"`
	Timeout         string `json:"timeout,omitempty"`
	Enhanced        bool   `json:"enhanced,omitempty"`
	NoFreezeWatch   bool   `json:"no_freeze_watch,omitempty"`
}

// Execute runs a command under supervision. Still-running background jobs
// come back 202, terminal results 200.
func (a *API) Execute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.badRequest(w, r, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.Command == "" {
		a.badRequest(w, r, "command is required")
		return
	}

	var timeout time.Duration
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil || d <= 0 {
			a.badRequest(w, r, fmt.Sprintf("invalid timeout %q", req.Timeout))
			return
		}
		timeout = d
	}

	res, err := a.Supervisor.Execute(r.Context(), supervisor.Request{
		Command:         req.Command,
		Cwd:             req.Cwd,
		ForceBackground: req.ForceBackground,
		Timeout:         timeout,
		Enhanced:        req.Enhanced,
		NoFreezeWatch:   req.NoFreezeWatch,
	})
	if err != nil {
		a.badRequest(w, r, err.Error())
		return
	}

	status := http.StatusOK
	if res.State == jobregistry.JobStateRunning {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}

// JobStatus reports one job, by full ID or unique prefix.
func (a *API) JobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	showOutput := r.URL.Query().Get("output") != "false"

	res, err := a.Supervisor.Status(jobID, showOutput)
	if err != nil {
		a.jobLookupError(w, r, jobID, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// JobsList returns the registry snapshot, most recent first.
func (a *API) JobsList(w http.ResponseWriter, r *http.Request) {
	records := a.Supervisor.Registry().List()
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":  records,
		"count": len(records),
	})
}

// JobCancel terminates a running job.
func (a *API) JobCancel(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")

	res, err := a.Supervisor.Cancel(jobID)
	if err != nil {
		a.jobLookupError(w, r, jobID, err)
		return
	}
	a.Logger.Info("job cancelled via api",
		zap.String("job_id", res.JobID),
		zap.String("state", string(res.State)))
	writeJSON(w, http.StatusOK, res)
}

// TerminalContext summarizes recent jobs for session reconstruction.
func (a *API) TerminalContext(w http.ResponseWriter, r *http.Request) {
	lines := 0
	if raw := r.URL.Query().Get("lines"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			a.badRequest(w, r, fmt.Sprintf("invalid lines %q", raw))
			return
		}
		lines = n
	}

	entries, err := a.Supervisor.Context(lines)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":  entries,
		"count": len(entries),
	})
}

// cleanupRequest is the wire shape of POST /v1/cleanup.
type cleanupRequest struct {
	MaxAge string `json:"max_age"`
}

// Cleanup evicts terminal jobs older than max_age.
func (a *API) Cleanup(w http.ResponseWriter, r *http.Request) {
	var req cleanupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.badRequest(w, r, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	maxAge, err := time.ParseDuration(req.MaxAge)
	if err != nil || maxAge <= 0 {
		a.badRequest(w, r, fmt.Sprintf("invalid max_age %q", req.MaxAge))
		return
	}

	removed, err := a.Supervisor.Cleanup(maxAge)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"removed": removed,
		"max_age": maxAge.String(),
	})
}

func (a *API) badRequest(w http.ResponseWriter, r *http.Request, msg string) {
	envelope := errors.NewErrorEnvelope("VALIDATION_ERROR", msg)
	if id := middleware.GetRequestID(r.Context()); id != "" {
		envelope = envelope.WithCorrelationID(id)
	}
	middleware.WriteError(w, envelope, http.StatusBadRequest)
}

func (a *API) jobLookupError(w http.ResponseWriter, r *http.Request, jobID string, err error) {
	code := "INTERNAL_ERROR"
	status := http.StatusInternalServerError
	switch {
	case stderrors.Is(err, jobregistry.ErrNotFound):
		code, status = "NOT_FOUND", http.StatusNotFound
	case stderrors.Is(err, jobregistry.ErrAmbiguousID):
		code, status = "AMBIGUOUS_ID", http.StatusConflict
	}

	envelope := errors.NewErrorEnvelope(code, err.Error())
	if id := middleware.GetRequestID(r.Context()); id != "" {
		envelope = envelope.WithCorrelationID(id)
	}
	envelope, _ = envelope.WithContext(map[string]interface{}{"job_id": jobID})
	middleware.WriteError(w, envelope, status)
}
