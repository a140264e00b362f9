package main

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/talos-labs/talos-gateway/internal/domain"
	"github.com/talos-labs/talos-gateway/internal/gate"
	"github.com/talos-labs/talos-gateway/internal/jobs"
	"github.com/talos-labs/talos-gateway/internal/selection"
)

type adminAPI struct {
	logger      *slog.Logger
	selections  *selection.Service
	coordinator *jobs.Coordinator
	guard       *guard
}

func newAdminAPI(logger *slog.Logger, selections *selection.Service, coordinator *jobs.Coordinator, guard *guard) *adminAPI {
	return &adminAPI{
		logger:      logger,
		selections:  selections,
		coordinator: coordinator,
		guard:       guard,
	}
}

func (api *adminAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /admin/v1/selections", api.handleCreateSelection)
	mux.HandleFunc("GET /admin/v1/selections/{selection_id}", api.handleGetSelection)
	mux.HandleFunc("POST /admin/v1/jobs", api.handleSubmitJob)
	mux.HandleFunc("GET /admin/v1/jobs/{job_id}", api.handleGetJob)
	// {job_action} is "<job_id>:cancel"; wildcards must span a whole
	// path segment, so the action suffix is parsed by the handler.
	mux.HandleFunc("POST /admin/v1/jobs/{job_action}", api.handleCancelJob)
	mux.HandleFunc("POST /admin/v1/jobs:sweep", api.handleSweepJobs)
}

type createSelectionRequest struct {
	Filter domain.EventFilter `json:"filter"`
}

func (api *adminAPI) handleCreateSelection(w http.ResponseWriter, r *http.Request) {
	if _, retryAfter, err := api.guard.admit(r, gate.CapSelectionsAdmin); err != nil {
		writeDomainError(api.logger, w, r, err, retryAfter)
		return
	}

	var req createSelectionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}

	sel, err := api.selections.Create(r.Context(), req.Filter)
	if err != nil {
		writeDomainError(api.logger, w, r, err, 0)
		return
	}
	writeJSON(w, http.StatusCreated, sel)
}

func (api *adminAPI) handleGetSelection(w http.ResponseWriter, r *http.Request) {
	if _, retryAfter, err := api.guard.admit(r, gate.CapSelectionsAdmin); err != nil {
		writeDomainError(api.logger, w, r, err, retryAfter)
		return
	}

	selectionID := strings.TrimSpace(r.PathValue("selection_id"))
	if selectionID == "" {
		writeError(w, r, http.StatusBadRequest, "selection_id_required")
		return
	}
	sel, err := api.selections.Resolve(r.Context(), selectionID)
	if err != nil {
		writeDomainError(api.logger, w, r, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, sel)
}

type submitJobRequest struct {
	JobType string          `json:"job_type"`
	Params  domain.Metadata `json:"params,omitempty"`
}

func (api *adminAPI) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	if _, retryAfter, err := api.guard.admit(r, gate.CapJobsAdmin); err != nil {
		writeDomainError(api.logger, w, r, err, retryAfter)
		return
	}

	var req submitJobRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	jobType, err := domain.ParseJobType(req.JobType)
	if err != nil {
		writeDomainError(api.logger, w, r, err, 0)
		return
	}

	job, err := api.coordinator.Submit(r.Context(), jobType, req.Params)
	if err != nil {
		writeDomainError(api.logger, w, r, err, 0)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (api *adminAPI) handleGetJob(w http.ResponseWriter, r *http.Request) {
	if _, retryAfter, err := api.guard.admit(r, gate.CapJobsAdmin); err != nil {
		writeDomainError(api.logger, w, r, err, retryAfter)
		return
	}

	jobID := strings.TrimSpace(r.PathValue("job_id"))
	if jobID == "" {
		writeError(w, r, http.StatusBadRequest, "job_id_required")
		return
	}
	job, err := api.coordinator.Get(r.Context(), jobID)
	if err != nil {
		writeDomainError(api.logger, w, r, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (api *adminAPI) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	if _, retryAfter, err := api.guard.admit(r, gate.CapJobsAdmin); err != nil {
		writeDomainError(api.logger, w, r, err, retryAfter)
		return
	}

	jobID, ok := strings.CutSuffix(strings.TrimSpace(r.PathValue("job_action")), ":cancel")
	if !ok || jobID == "" {
		writeError(w, r, http.StatusNotFound, "unsupported_job_action")
		return
	}
	job, err := api.coordinator.Cancel(r.Context(), jobID)
	if err != nil {
		writeDomainError(api.logger, w, r, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (api *adminAPI) handleSweepJobs(w http.ResponseWriter, r *http.Request) {
	if _, retryAfter, err := api.guard.admit(r, gate.CapJobsAdmin); err != nil {
		writeDomainError(api.logger, w, r, err, retryAfter)
		return
	}

	swept, err := api.coordinator.Sweep(r.Context(), time.Now().UTC())
	if err != nil {
		writeDomainError(api.logger, w, r, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"swept": swept})
}
