package mcp

import (
	"context"
	"encoding/json"
	stderrors "errors"

	"github.com/wagiedev/coordbridge/internal/errors"
	"github.com/wagiedev/coordbridge/internal/jsonrpc"
)

// Method names answered by Register.
const (
	MethodInitialize  = "initialize"
	MethodInitialized = "notifications/initialized"
	MethodPing        = "ping"
	MethodToolsList   = "tools/list"
	MethodToolsCall   = "tools/call"
)

// callParams is the payload of tools/call.
type callParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// Register installs the MCP method table on rpc.
func (s *Server) Register(rpc *jsonrpc.Server) {
	rpc.Handle(MethodInitialize, s.handleInitialize)
	rpc.Handle(MethodInitialized, func(context.Context, json.RawMessage) (any, error) {
		// No-op acknowledgment
		return nil, nil
	})
	rpc.Handle(MethodPing, func(context.Context, json.RawMessage) (any, error) {
		return map[string]any{}, nil
	})
	rpc.Handle(MethodToolsList, s.handleToolsList)
	rpc.Handle(MethodToolsCall, s.handleToolsCall)
}

func (s *Server) handleInitialize(context.Context, json.RawMessage) (any, error) {
	return map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities":    s.Capabilities(),
		"serverInfo":      s.ServerInfo(),
	}, nil
}

func (s *Server) handleToolsList(context.Context, json.RawMessage) (any, error) {
	return map[string]any{
		"tools": s.ListTools(),
	}, nil
}

func (s *Server) handleToolsCall(ctx context.Context, raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "Missing params for tools/call")
	}

	var params callParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "Invalid params for tools/call: %v", err)
	}

	if params.Name == "" {
		return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "Missing tool name in params")
	}

	result, err := s.CallTool(ctx, params.Name, params.Arguments)
	if err != nil {
		if stderrors.Is(err, errors.ErrUnknownTool) {
			return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "Unknown tool: %s", params.Name)
		}

		return nil, err
	}

	return result, nil
}
