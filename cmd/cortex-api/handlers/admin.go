package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/thunderbirdlabs/cortex/cmd/cortex-api/middleware"
	"github.com/thunderbirdlabs/cortex/internal/engine"
	"github.com/thunderbirdlabs/cortex/internal/jobs"
	"github.com/thunderbirdlabs/cortex/internal/observability"
)

// AdminHandler handles maintenance and introspection requests.
type AdminHandler struct {
	logger *observability.Logger
	engine *engine.Engine
}

// NewAdminHandler creates a new admin handler.
func NewAdminHandler(logger *observability.Logger, eng *engine.Engine) *AdminHandler {
	return &AdminHandler{
		logger: logger,
		engine: eng,
	}
}

// DedupRequestDTO represents the API request for a dedup run.
type DedupRequestDTO struct {
	TenantID string `json:"tenant_id,omitempty"`
	DryRun   bool   `json:"dry_run,omitempty"`
}

// BackfillRequestDTO represents the API request for a graph backfill.
type BackfillRequestDTO struct {
	TenantID string `json:"tenant_id,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

// BackfillResponseDTO represents the API response for a graph backfill.
type BackfillResponseDTO struct {
	Enqueued int `json:"enqueued"`
}

// Dedup handles POST /api/v1/dedup. The pass runs synchronously and
// returns its report.
func (h *AdminHandler) Dedup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var reqDTO DedupRequestDTO
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&reqDTO); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
			return
		}
	}

	tenantID := reqDTO.TenantID
	if tenantID == "" {
		tenantID = middleware.TenantFromContext(ctx)
	}

	report, err := h.engine.RunDedup(ctx, tenantID, reqDTO.DryRun)
	if err != nil {
		h.logger.Error().Err(err).Msg("Dedup run failed")
		h.writeError(w, http.StatusInternalServerError, "dedup failed", err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

// Stats handles GET /api/v1/stats.
func (h *AdminHandler) Stats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	stats, err := h.engine.Stats(ctx, middleware.TenantFromContext(ctx))
	if err != nil {
		h.logger.Error().Err(err).Msg("Stats failed")
		h.writeError(w, http.StatusInternalServerError, "stats failed", err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

// Backfill handles POST /api/v1/backfill.
func (h *AdminHandler) Backfill(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var reqDTO BackfillRequestDTO
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&reqDTO); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
			return
		}
	}
	if reqDTO.Limit == 0 {
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				reqDTO.Limit = n
			}
		}
	}

	tenantID := reqDTO.TenantID
	if tenantID == "" {
		tenantID = middleware.TenantFromContext(ctx)
	}

	enqueued, err := h.engine.Backfill(ctx, tenantID, reqDTO.Limit)
	if err != nil {
		if errors.Is(err, engine.ErrJobsUnavailable) {
			h.writeError(w, http.StatusServiceUnavailable, "backfill unavailable", err.Error())
			return
		}
		h.logger.Error().Err(err).Msg("Backfill failed")
		h.writeError(w, http.StatusInternalServerError, "backfill failed", err.Error())
		return
	}
	h.writeJSON(w, http.StatusAccepted, BackfillResponseDTO{Enqueued: enqueued})
}

// JobStatus handles GET /api/v1/jobs/{jobID}.
func (h *AdminHandler) JobStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	jobID := chi.URLParam(r, "jobID")
	if jobID == "" {
		h.writeError(w, http.StatusBadRequest, "jobID is required", "")
		return
	}

	job, err := h.engine.JobStatus(ctx, jobID)
	if err != nil {
		switch {
		case errors.Is(err, engine.ErrJobsUnavailable):
			h.writeError(w, http.StatusServiceUnavailable, "job status unavailable", err.Error())
		case errors.Is(err, jobs.ErrStatusNotFound):
			h.writeError(w, http.StatusNotFound, "job not found", "")
		default:
			h.logger.Error().Err(err).Msg("Job status failed")
			h.writeError(w, http.StatusInternalServerError, "job status failed", err.Error())
		}
		return
	}
	h.writeJSON(w, http.StatusOK, job)
}

func (h *AdminHandler) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error().Err(err).Msg("Failed to encode response")
	}
}

func (h *AdminHandler) writeError(w http.ResponseWriter, status int, message, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	resp := map[string]string{"error": message}
	if detail != "" {
		resp["detail"] = detail
	}
	json.NewEncoder(w).Encode(resp)
}
