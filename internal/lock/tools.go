package lock

import (
	"context"

	mcpgo "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/wagiedev/coordbridge/internal/mcp"
)

// Tool names exposed by the lock bridge.
const (
	ToolAcquire    = "acquire_lock"
	ToolRelease    = "release_lock"
	ToolCheck      = "check_lock"
	ToolList       = "list_locks"
	ToolReleaseAll = "release_all_locks"
)

// Register adds the lock tools to server.
func (b *Bridge) Register(server *mcp.Server) {
	filePathSchema := mcp.ObjectSchema(mcp.Property{Name: "file_path", Type: "string", Required: true})
	noArgs := mcp.ObjectSchema()

	server.AddTool(
		mcp.NewTool(ToolAcquire,
			"Acquire an exclusive lock on a file before editing it. Blocks until the lock is granted.",
			filePathSchema),
		b.fileTool(func(ctx context.Context, path string) (any, bool, error) {
			result, err := b.Acquire(ctx, path)

			return result, true, err
		}),
	)

	server.AddTool(
		mcp.NewTool(ToolRelease, "Release a lock previously acquired on a file.", filePathSchema),
		b.fileTool(func(ctx context.Context, path string) (any, bool, error) {
			result := b.Release(ctx, path)

			return result, result.Success, nil
		}),
	)

	server.AddTool(
		mcp.NewTool(ToolCheck, "Check whether a file is locked and by whom.", filePathSchema),
		b.fileTool(func(ctx context.Context, path string) (any, bool, error) {
			view := b.Check(ctx, path)

			return view, succeeded(view), nil
		}),
	)

	server.AddTool(
		mcp.NewTool(ToolList, "List the locks held by this session.", noArgs),
		func(ctx context.Context, _ *mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
			view := b.List(ctx)

			return mcp.OutcomeResult(view, succeeded(view))
		},
	)

	server.AddTool(
		mcp.NewTool(ToolReleaseAll, "Release every lock held by this session.", noArgs),
		func(ctx context.Context, _ *mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
			result := b.ReleaseAll(ctx)

			return mcp.OutcomeResult(result, result.Success)
		},
	)
}

// fileTool adapts an operation on one file path to a tool handler. The
// operation reports whether its result counts as success.
func (b *Bridge) fileTool(op func(ctx context.Context, path string) (any, bool, error)) mcpgo.ToolHandler {
	return func(ctx context.Context, req *mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
		args, err := mcp.ParseArguments(req)
		if err != nil {
			return nil, err
		}

		path, err := mcp.StringArgument(args, "file_path")
		if err != nil {
			return nil, err
		}

		result, ok, err := op(ctx, path)
		if err != nil {
			return nil, err
		}

		return mcp.OutcomeResult(result, ok)
	}
}

// succeeded reads a coordinator view; only an explicit false is a failure.
func succeeded(view map[string]any) bool {
	ok, present := view["success"].(bool)

	return !present || ok
}
