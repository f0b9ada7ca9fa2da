package permission

import (
	"context"

	mcpgo "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/wagiedev/coordbridge/internal/mcp"
)

// ToolApprove is the tool name the worker calls before running a risky tool.
const ToolApprove = "approve"

// Register adds the approve tool to server.
func (b *Bridge) Register(server *mcp.Server) {
	server.AddTool(
		mcp.NewTool(ToolApprove,
			"Ask the coordinator whether a tool invocation may proceed. Returns allow or deny.",
			mcp.ObjectSchema(
				mcp.Property{Name: "tool_name", Type: "string", Required: true},
				mcp.Property{Name: "input", Type: "object"},
			)),
		func(ctx context.Context, req *mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
			args, err := mcp.ParseArguments(req)
			if err != nil {
				return nil, err
			}

			toolName, err := mcp.StringArgument(args, "tool_name")
			if err != nil {
				return nil, err
			}

			input, _ := args["input"].(map[string]any)

			decision := b.Approve(ctx, toolName, input)

			// The caller gave up; the deny is not a coordinator verdict.
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			return mcp.JSONResult(decision)
		},
	)
}
