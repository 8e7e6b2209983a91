// Package handlers provides HTTP handlers for the Cortex API.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/thunderbirdlabs/cortex/cmd/cortex-api/middleware"
	"github.com/thunderbirdlabs/cortex/internal/engine"
	"github.com/thunderbirdlabs/cortex/internal/ingest"
	"github.com/thunderbirdlabs/cortex/internal/model"
	"github.com/thunderbirdlabs/cortex/internal/observability"
)

// IngestionHandler handles document ingestion requests.
type IngestionHandler struct {
	logger *observability.Logger
	engine *engine.Engine
}

// NewIngestionHandler creates a new ingestion handler.
func NewIngestionHandler(logger *observability.Logger, eng *engine.Engine) *IngestionHandler {
	return &IngestionHandler{
		logger: logger,
		engine: eng,
	}
}

// BatchRequestDTO represents the API request for batch ingestion.
type BatchRequestDTO struct {
	Documents []model.Document `json:"documents"`
}

// BatchResponseDTO represents the API response for batch ingestion.
type BatchResponseDTO struct {
	Results   []*ingest.Result `json:"results"`
	Succeeded int              `json:"succeeded"`
	Partial   int              `json:"partial"`
	Skipped   int              `json:"skipped"`
	Failed    int              `json:"failed"`
}

// EnqueuedDTO represents the API response for async ingestion.
type EnqueuedDTO struct {
	JobID string `json:"job_id"`
}

// Ingest handles POST /api/v1/ingest. The document is processed
// synchronously and its per-document result returned.
func (h *IngestionHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	doc, ok := h.decodeDocument(w, r)
	if !ok {
		return
	}

	result := h.engine.IngestDocument(ctx, doc)
	status := http.StatusOK
	if result.Status == model.StatusError {
		status = http.StatusInternalServerError
	}
	h.writeJSON(w, status, result)
}

// IngestAsync handles POST /api/v1/ingest/async. The document is
// queued and a job ID returned for status polling.
func (h *IngestionHandler) IngestAsync(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	doc, ok := h.decodeDocument(w, r)
	if !ok {
		return
	}

	jobID, err := h.engine.EnqueueIngest(ctx, doc)
	if err != nil {
		if errors.Is(err, engine.ErrJobsUnavailable) {
			h.writeError(w, http.StatusServiceUnavailable, "async ingestion unavailable", err.Error())
			return
		}
		h.logger.Error().Err(err).Msg("Enqueue failed")
		h.writeError(w, http.StatusInternalServerError, "enqueue failed", err.Error())
		return
	}
	h.writeJSON(w, http.StatusAccepted, EnqueuedDTO{JobID: jobID})
}

// IngestBatch handles POST /api/v1/ingest/batch.
func (h *IngestionHandler) IngestBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var reqDTO BatchRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&reqDTO); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if len(reqDTO.Documents) == 0 {
		h.writeError(w, http.StatusBadRequest, "documents is required", "")
		return
	}

	tenantID := middleware.TenantFromContext(ctx)
	for i := range reqDTO.Documents {
		if reqDTO.Documents[i].TenantID == "" {
			reqDTO.Documents[i].TenantID = tenantID
		}
	}

	results := h.engine.IngestBatch(ctx, reqDTO.Documents)

	respDTO := BatchResponseDTO{Results: results}
	for _, res := range results {
		switch res.Status {
		case model.StatusSuccess:
			respDTO.Succeeded++
		case model.StatusPartialSuccess:
			respDTO.Partial++
		case model.StatusSkipped:
			respDTO.Skipped++
		default:
			respDTO.Failed++
		}
	}
	h.writeJSON(w, http.StatusOK, respDTO)
}

// Delete handles DELETE /api/v1/documents/{documentID}.
func (h *IngestionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	documentID := chi.URLParam(r, "documentID")
	if documentID == "" {
		h.writeError(w, http.StatusBadRequest, "documentID is required", "")
		return
	}

	tenantID := middleware.TenantFromContext(ctx)
	if err := h.engine.DeleteDocument(ctx, tenantID, documentID); err != nil {
		h.logger.Error().Err(err).Str("document_id", documentID).Msg("Delete failed")
		h.writeError(w, http.StatusInternalServerError, "delete failed", err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "document_id": documentID})
}

func (h *IngestionHandler) decodeDocument(w http.ResponseWriter, r *http.Request) (model.Document, bool) {
	var doc model.Document
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return doc, false
	}
	if doc.Content == "" {
		h.writeError(w, http.StatusBadRequest, "content is required", "")
		return doc, false
	}
	if doc.TenantID == "" {
		doc.TenantID = middleware.TenantFromContext(r.Context())
	}
	return doc, true
}

func (h *IngestionHandler) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error().Err(err).Msg("Failed to encode response")
	}
}

func (h *IngestionHandler) writeError(w http.ResponseWriter, status int, message, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	resp := map[string]string{"error": message}
	if detail != "" {
		resp["detail"] = detail
	}
	json.NewEncoder(w).Encode(resp)
}
