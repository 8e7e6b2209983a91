package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/thunderbirdlabs/cortex/cmd/cortex-api/middleware"
	"github.com/thunderbirdlabs/cortex/internal/engine"
	"github.com/thunderbirdlabs/cortex/internal/llm"
	"github.com/thunderbirdlabs/cortex/internal/observability"
	"github.com/thunderbirdlabs/cortex/internal/query"
)

// QueryHandler handles knowledge retrieval requests.
type QueryHandler struct {
	logger *observability.Logger
	engine *engine.Engine
}

// NewQueryHandler creates a new query handler.
func NewQueryHandler(logger *observability.Logger, eng *engine.Engine) *QueryHandler {
	return &QueryHandler{
		logger: logger,
		engine: eng,
	}
}

// QueryRequestDTO represents the API request for a query.
type QueryRequestDTO struct {
	TenantID     string        `json:"tenant_id,omitempty"`
	Question     string        `json:"question"`
	Source       string        `json:"source,omitempty"`
	DocumentType string        `json:"document_type,omitempty"`
	History      []llm.Message `json:"history,omitempty"`
}

// Query handles POST /api/v1/query.
func (h *QueryHandler) Query(w http.ResponseWriter, r *http.Request) {
	h.answer(w, r, false)
}

// Chat handles POST /api/v1/chat. The request's history turns are
// folded into the synthesis context.
func (h *QueryHandler) Chat(w http.ResponseWriter, r *http.Request) {
	h.answer(w, r, true)
}

func (h *QueryHandler) answer(w http.ResponseWriter, r *http.Request, withHistory bool) {
	ctx := r.Context()

	var reqDTO QueryRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&reqDTO); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if reqDTO.Question == "" {
		h.writeError(w, http.StatusBadRequest, "question is required", "")
		return
	}

	tenantID := reqDTO.TenantID
	if tenantID == "" {
		tenantID = middleware.TenantFromContext(ctx)
	}

	var opts *query.Options
	if reqDTO.Source != "" || reqDTO.DocumentType != "" {
		opts = &query.Options{
			Source:       reqDTO.Source,
			DocumentType: reqDTO.DocumentType,
		}
	}

	var (
		resp *query.Response
		err  error
	)
	if withHistory {
		resp, err = h.engine.Chat(ctx, tenantID, reqDTO.Question, reqDTO.History, opts)
	} else {
		resp, err = h.engine.Query(ctx, tenantID, reqDTO.Question, opts)
	}
	if err != nil {
		h.logger.Error().Err(err).Msg("Query failed")
		h.writeError(w, http.StatusInternalServerError, "query failed", err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error().Err(err).Msg("Failed to encode response")
	}
}

func (h *QueryHandler) writeError(w http.ResponseWriter, status int, message, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	resp := map[string]string{"error": message}
	if detail != "" {
		resp["detail"] = detail
	}
	json.NewEncoder(w).Encode(resp)
}
