package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/wagiedev/coordbridge/internal/errors"
)

// ProtocolVersion is the MCP revision reported by initialize.
const ProtocolVersion = "2024-11-05"

// Server is a registry of tools exposed over the local protocol.
type Server struct {
	name    string
	version string
	mu      sync.RWMutex
	order   []string
	tools   map[string]*tool
}

// tool holds tool metadata and handler for the internal registry.
type tool struct {
	tool    *mcp.Tool
	handler mcp.ToolHandler
}

// NewServer creates an empty tool registry.
func NewServer(name, version string) *Server {
	return &Server{
		name:    name,
		version: version,
		tools:   make(map[string]*tool, 8),
	}
}

// AddTool registers a tool with the server. Re-registering a name replaces
// the handler but keeps the tool's original catalog position.
func (s *Server) AddTool(t *mcp.Tool, handler mcp.ToolHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tools[t.Name]; !exists {
		s.order = append(s.order, t.Name)
	}

	s.tools[t.Name] = &tool{
		tool:    t,
		handler: handler,
	}
}

// Name returns the server name.
func (s *Server) Name() string {
	return s.name
}

// Version returns the server version.
func (s *Server) Version() string {
	return s.version
}

// ServerInfo returns server information for the initialize response.
func (s *Server) ServerInfo() map[string]any {
	return map[string]any{
		"name":    s.name,
		"version": s.version,
	}
}

// Capabilities returns server capabilities for the initialize response.
func (s *Server) Capabilities() map[string]any {
	return map[string]any{
		"tools": map[string]any{},
	}
}

// ListTools returns the catalog in registration order.
func (s *Server) ListTools() []map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]map[string]any, 0, len(s.order))
	for _, name := range s.order {
		t := s.tools[name]
		toolMap := map[string]any{
			"name":        t.tool.Name,
			"description": t.tool.Description,
		}

		// Convert InputSchema to map[string]any for the wire
		if t.tool.InputSchema != nil {
			if schemaMap, ok := toMap(t.tool.InputSchema); ok {
				toolMap["inputSchema"] = schemaMap
			}
		}

		result = append(result, toolMap)
	}

	return result
}

func toMap(v any) (map[string]any, bool) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}

	var m map[string]any
	if json.Unmarshal(data, &m) != nil {
		return nil, false
	}

	return m, true
}

// CallTool executes a tool by name with the given input.
//
// An unknown tool returns an error wrapping ErrUnknownTool. A handler error
// is returned unchanged so the caller can report it as a protocol error.
func (s *Server) CallTool(ctx context.Context, name string, input map[string]any) (map[string]any, error) {
	s.mu.RLock()
	t, exists := s.tools[name]
	s.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: %s", errors.ErrUnknownTool, name)
	}

	inputBytes, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("marshal arguments: %w", err)
	}

	req := &mcp.CallToolRequest{
		Params: &mcp.CallToolParamsRaw{
			Name:      name,
			Arguments: inputBytes,
		},
	}

	result, err := t.handler(ctx, req)
	if err != nil {
		return nil, err
	}

	return convertCallToolResultToMap(result), nil
}

// convertCallToolResultToMap converts an MCP CallToolResult to its wire form.
// Tools here only produce text content.
func convertCallToolResultToMap(result *mcp.CallToolResult) map[string]any {
	content := []map[string]any{}

	if result == nil {
		return map[string]any{"content": content}
	}

	for _, c := range result.Content {
		if v, ok := c.(*mcp.TextContent); ok {
			content = append(content, map[string]any{
				"type": "text",
				"text": v.Text,
			})
		}
	}

	resultMap := map[string]any{
		"content": content,
	}

	if result.IsError {
		resultMap["isError"] = true
	}

	return resultMap
}

// Property is one argument of a tool's input object.
type Property struct {
	Name     string
	Type     string // JSON Schema type: "string" or "object"
	Required bool
}

// ObjectSchema builds a tool input schema from props.
func ObjectSchema(props ...Property) *jsonschema.Schema {
	properties := make(map[string]*jsonschema.Schema, len(props))

	var required []string

	for _, p := range props {
		properties[p.Name] = &jsonschema.Schema{Type: p.Type}

		if p.Required {
			required = append(required, p.Name)
		}
	}

	slices.Sort(required)

	return &jsonschema.Schema{
		Type:       "object",
		Properties: properties,
		Required:   required,
	}
}

// NewTool creates an mcp.Tool with the given parameters.
func NewTool(name, description string, inputSchema *jsonschema.Schema) *mcp.Tool {
	return &mcp.Tool{
		Name:        name,
		Description: description,
		InputSchema: inputSchema,
	}
}

// TextResult creates a CallToolResult with text content.
func TextResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: text},
		},
	}
}

// JSONResult serializes v into a single text content block.
func JSONResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal tool result: %w", err)
	}

	return TextResult(string(data)), nil
}

// OutcomeResult is JSONResult flagged with isError when ok is false.
func OutcomeResult(v any, ok bool) (*mcp.CallToolResult, error) {
	result, err := JSONResult(v)
	if err != nil {
		return nil, err
	}

	result.IsError = !ok

	return result, nil
}

// ParseArguments unmarshals CallToolRequest arguments into a map.
func ParseArguments(req *mcp.CallToolRequest) (map[string]any, error) {
	if req == nil || req.Params == nil {
		return make(map[string]any), nil
	}

	if len(req.Params.Arguments) == 0 {
		return make(map[string]any), nil
	}

	var args map[string]any
	if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
		return nil, fmt.Errorf("failed to unmarshal arguments: %w", err)
	}

	if args == nil {
		args = make(map[string]any)
	}

	return args, nil
}

// StringArgument returns a required non-empty string argument.
func StringArgument(args map[string]any, name string) (string, error) {
	v, _ := args[name].(string)
	if v == "" {
		return "", fmt.Errorf("missing required argument %q", name)
	}

	return v, nil
}
