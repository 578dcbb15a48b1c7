package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/engramlabs/engram/internal/observability"
	"github.com/engramlabs/engram/internal/tools"
)

// Server dispatches JSON-RPC requests against a tool registry. It
// holds no transport state; the stdio, HTTP, and WebSocket front-ends
// all feed raw messages through Handle.
type Server struct {
	registry *tools.Registry
	info     ServerInfo
	logger   *observability.Logger
	metrics  *observability.Metrics
}

// NewServer builds a server over registry. info names the server in
// the initialize handshake.
func NewServer(registry *tools.Registry, info ServerInfo, logger *observability.Logger, metrics *observability.Metrics) *Server {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Server{
		registry: registry,
		info:     info,
		logger:   logger,
		metrics:  metrics,
	}
}

// Handle processes one raw JSON-RPC message and returns the response,
// or nil for notifications. transport labels the metrics series.
func (s *Server) Handle(ctx context.Context, raw []byte, transport string) *JSONRPCResponse {
	start := time.Now()

	var req JSONRPCRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		s.record("unknown", transport, "parse_error", start)
		return errorResponse(nil, ErrCodeParseError, "parse error: "+err.Error())
	}
	if req.Method == "" {
		s.record("unknown", transport, "invalid_request", start)
		return errorResponse(req.ID, ErrCodeInvalidRequest, "missing method")
	}

	resp := s.dispatch(ctx, &req)

	status := "success"
	if resp != nil && resp.Error != nil {
		status = "error"
	}
	s.record(req.Method, transport, status, start)
	return resp
}

func (s *Server) record(method, transport, status string, start time.Time) {
	if s.metrics != nil {
		s.metrics.RecordRPCRequest(method, transport, status, time.Since(start).Seconds())
	}
}

func (s *Server) dispatch(ctx context.Context, req *JSONRPCRequest) *JSONRPCResponse {
	switch req.Method {
	case "initialize":
		return s.handleInitialize(req)
	case "notifications/initialized":
		// Notification: acknowledged without a response body.
		s.logger.Debug(ctx, "client initialized")
		return nil
	case "tools/list":
		return s.handleToolsList(req)
	case "tools/call":
		return s.handleToolsCall(ctx, req)
	default:
		return errorResponse(req.ID, ErrCodeMethodNotFound, "method not found: "+req.Method)
	}
}

func (s *Server) handleInitialize(req *JSONRPCRequest) *JSONRPCResponse {
	return resultResponse(req.ID, InitializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    Capabilities{Tools: &ToolsCapability{}},
		ServerInfo:      s.info,
	})
}

func (s *Server) handleToolsList(req *JSONRPCRequest) *JSONRPCResponse {
	descriptors := s.registry.List()
	return resultResponse(req.ID, map[string]any{"tools": descriptors})
}

func (s *Server) handleToolsCall(ctx context.Context, req *JSONRPCRequest) *JSONRPCResponse {
	var params CallToolParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return errorResponse(req.ID, ErrCodeInvalidParams, "invalid params: "+err.Error())
		}
	}
	if params.Name == "" {
		return errorResponse(req.ID, ErrCodeInvalidParams, "tool name is required")
	}

	result, err := s.registry.Execute(ctx, params.Name, params.Arguments)
	if err != nil {
		if errors.Is(err, tools.ErrUnknownTool) {
			return errorResponse(req.ID, ErrCodeInvalidParams, err.Error())
		}
		return errorResponse(req.ID, ErrCodeInternalError, err.Error())
	}

	text, err := json.Marshal(result)
	if err != nil {
		return errorResponse(req.ID, ErrCodeInternalError, "failed to encode tool result: "+err.Error())
	}
	return resultResponse(req.ID, ToolCallResult{
		Content: []ToolResultContent{{Type: "text", Text: string(text)}},
	})
}
