// Package rpc provides the Connect service implementation for Cortex
// queries. Message types are hand-written; the service is mounted as a
// unary handler without generated code.
package rpc

import (
	"context"
	"errors"
	"net/http"

	"connectrpc.com/connect"

	"github.com/thunderbirdlabs/cortex/internal/engine"
	"github.com/thunderbirdlabs/cortex/internal/llm"
	"github.com/thunderbirdlabs/cortex/internal/observability"
	"github.com/thunderbirdlabs/cortex/internal/query"
)

// QueryProcedure is the Connect route for the query RPC.
const QueryProcedure = "/cortex.v1.QueryService/Query"

// QueryService implements the Connect query service.
type QueryService struct {
	logger *observability.Logger
	engine *engine.Engine
}

// NewQueryService creates a new query service.
func NewQueryService(logger *observability.Logger, eng *engine.Engine) *QueryService {
	return &QueryService{
		logger: logger.WithComponent("rpc"),
		engine: eng,
	}
}

// QueryRequest is the RPC request message.
type QueryRequest struct {
	TenantID     string         `json:"tenant_id,omitempty"`
	Question     string         `json:"question"`
	Source       string         `json:"source,omitempty"`
	DocumentType string         `json:"document_type,omitempty"`
	History      []*ChatMessage `json:"history,omitempty"`
}

// ChatMessage is one prior conversation turn.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// QueryResponse is the RPC response message.
type QueryResponse struct {
	Answer      string                 `json:"answer"`
	SourceNodes []*SourceNode          `json:"source_nodes"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// SourceNode is one supporting chunk reference.
type SourceNode struct {
	DocumentID   string  `json:"document_id"`
	Title        string  `json:"title"`
	Source       string  `json:"source"`
	DocumentType string  `json:"document_type"`
	CreatedAt    string  `json:"created_at,omitempty"`
	Excerpt      string  `json:"excerpt"`
	Score        float64 `json:"score"`
}

// Query handles the Connect query RPC. Requests carrying history turns
// are answered in chat mode.
func (s *QueryService) Query(ctx context.Context, req *connect.Request[QueryRequest]) (*connect.Response[QueryResponse], error) {
	msg := req.Msg

	if msg.Question == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("question is required"))
	}

	var opts *query.Options
	if msg.Source != "" || msg.DocumentType != "" {
		opts = &query.Options{
			Source:       msg.Source,
			DocumentType: msg.DocumentType,
		}
	}

	var (
		resp *query.Response
		err  error
	)
	if len(msg.History) > 0 {
		history := make([]llm.Message, 0, len(msg.History))
		for _, m := range msg.History {
			history = append(history, llm.Message{Role: m.Role, Content: m.Content})
		}
		resp, err = s.engine.Chat(ctx, msg.TenantID, msg.Question, history, opts)
	} else {
		resp, err = s.engine.Query(ctx, msg.TenantID, msg.Question, opts)
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("Query failed")
		return nil, connect.NewError(connect.CodeInternal, err)
	}

	return connect.NewResponse(s.toResponse(resp)), nil
}

func (s *QueryService) toResponse(resp *query.Response) *QueryResponse {
	out := &QueryResponse{
		Answer:      resp.Answer,
		SourceNodes: make([]*SourceNode, 0, len(resp.SourceNodes)),
		Metadata:    resp.Metadata,
	}
	for _, node := range resp.SourceNodes {
		n := &SourceNode{
			DocumentID:   node.DocumentID,
			Title:        node.Title,
			Source:       node.Source,
			DocumentType: node.DocumentType,
			Excerpt:      node.Excerpt,
			Score:        node.Score,
		}
		if node.CreatedAt != nil {
			n.CreatedAt = node.CreatedAt.Format("2006-01-02T15:04:05Z07:00")
		}
		out.SourceNodes = append(out.SourceNodes, n)
	}
	return out
}

// Handler mounts the service as a Connect unary handler. Serve it at
// QueryProcedure.
func (s *QueryService) Handler() http.Handler {
	return connect.NewUnaryHandler(QueryProcedure, s.Query)
}
