package permission

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wagiedev/coordbridge/internal/coordtest"
	"github.com/wagiedev/coordbridge/internal/errors"
	"github.com/wagiedev/coordbridge/internal/link"
	"github.com/wagiedev/coordbridge/internal/logging"
	"github.com/wagiedev/coordbridge/internal/mcp"
)

// fakeLink implements Requester with a single canned outcome.
type fakeLink struct {
	mu       sync.Mutex
	requests []Request
	timeouts []time.Duration
	raw      string
	err      error
	panicMsg string
}

func (f *fakeLink) Request(_ context.Context, msg any, timeout time.Duration) (json.RawMessage, error) {
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}

	req, ok := msg.(*Request)
	if !ok {
		return nil, assert.AnError
	}

	f.mu.Lock()
	f.requests = append(f.requests, *req)
	f.timeouts = append(f.timeouts, timeout)
	f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}

	return json.RawMessage(f.raw), nil
}

func TestApprove_AllowWithUpdatedInput(t *testing.T) {
	fake := &fakeLink{raw: `{"behavior":"allow","updatedInput":{"command":"ls -la"}}`}
	bridge := NewBridge(logging.NopLogger(), fake, "issue-42")

	decision := bridge.Approve(context.Background(), "Bash", map[string]any{"command": "ls"})

	assert.True(t, decision.Allowed())
	assert.Equal(t, map[string]any{"command": "ls -la"}, decision.UpdatedInput)

	require.Len(t, fake.requests, 1)
	req := fake.requests[0]
	assert.Equal(t, "Bash", req.ToolName)
	assert.Equal(t, "issue-42", req.SessionID)
	assert.Equal(t, map[string]any{"command": "ls"}, req.Input)

	_, err := ulid.Parse(req.ID)
	require.NoError(t, err, "request id should be a ULID")

	assert.Equal(t, []time.Duration{0}, fake.timeouts, "approval waits without a timeout")
}

func TestApprove_AllowWithoutUpdatedInputEchoesInput(t *testing.T) {
	fake := &fakeLink{raw: `{"behavior":"allow"}`}
	bridge := NewBridge(logging.NopLogger(), fake, "issue-42")

	decision := bridge.Approve(context.Background(), "Write", map[string]any{"file_path": "/p/a.ts"})

	assert.True(t, decision.Allowed())
	assert.Equal(t, map[string]any{"file_path": "/p/a.ts"}, decision.UpdatedInput)
}

func TestApprove_UniqueIDs(t *testing.T) {
	fake := &fakeLink{raw: `{"behavior":"allow"}`}
	bridge := NewBridge(logging.NopLogger(), fake, "issue-42")

	bridge.Approve(context.Background(), "Bash", nil)
	bridge.Approve(context.Background(), "Bash", nil)

	require.Len(t, fake.requests, 2)
	assert.NotEqual(t, fake.requests[0].ID, fake.requests[1].ID)
	assert.Equal(t, map[string]any{}, fake.requests[0].Input)
}

func TestApprove_FailsClosed(t *testing.T) {
	tests := []struct {
		name    string
		fake    *fakeLink
		message string
	}{
		{
			name:    "coordinator denies",
			fake:    &fakeLink{raw: `{"behavior":"deny","message":"rm is not allowed"}`},
			message: "rm is not allowed",
		},
		{
			name:    "coordinator denies without reason",
			fake:    &fakeLink{raw: `{"behavior":"deny"}`},
			message: "denied by coordinator",
		},
		{
			name:    "not connected",
			fake:    &fakeLink{err: errors.ErrNotConnected},
			message: "not connected to coordinator",
		},
		{
			name:    "approval already pending",
			fake:    &fakeLink{err: errors.ErrRequestInFlight},
			message: "coordinator request already in flight",
		},
		{
			name:    "unreadable response",
			fake:    &fakeLink{raw: `{"behavior":`},
			message: "failed to decode coordinator message: unexpected end of JSON input",
		},
		{
			name:    "unknown behavior",
			fake:    &fakeLink{raw: `{"behavior":"ask"}`},
			message: `unknown behavior "ask"`,
		},
		{
			name:    "panic in round trip",
			fake:    &fakeLink{panicMsg: "socket exploded"},
			message: "approval failed: socket exploded",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bridge := NewBridge(logging.NopLogger(), tt.fake, "issue-42")

			decision := bridge.Approve(context.Background(), "Bash", map[string]any{"command": "rm -rf /"})

			require.NotNil(t, decision)
			assert.Equal(t, BehaviorDeny, decision.Behavior)
			assert.False(t, decision.Allowed())
			assert.Equal(t, tt.message, decision.Message)
			assert.Nil(t, decision.UpdatedInput)
		})
	}
}

func TestApprove_DisconnectMidRequestDenies(t *testing.T) {
	coord := coordtest.New(t)

	l := link.New(logging.NopLogger(), coord.URL(), link.WithReconnectDelay(20*time.Millisecond))
	require.NoError(t, l.Connect(context.Background()))

	defer func() { _ = l.Close() }()

	require.Eventually(t, l.Connected, 2*time.Second, 5*time.Millisecond)

	bridge := NewBridge(logging.NopLogger(), l, "issue-42")
	decisions := make(chan *Decision, 1)

	go func() {
		decisions <- bridge.Approve(context.Background(), "Bash", map[string]any{"command": "make"})
	}()

	req := coord.Next(2 * time.Second)
	assert.Equal(t, "Bash", req["toolName"])
	assert.Equal(t, "issue-42", req["sessionId"])
	assert.NotEmpty(t, req["id"])

	coord.Drop()

	select {
	case decision := <-decisions:
		assert.Equal(t, BehaviorDeny, decision.Behavior)
		assert.Contains(t, decision.Message, "coordinator connection lost")
	case <-time.After(2 * time.Second):
		t.Fatal("approval did not resolve after disconnect")
	}
}

func TestApprove_CancelledContextDenies(t *testing.T) {
	coord := coordtest.New(t)

	l := link.New(logging.NopLogger(), coord.URL())
	require.NoError(t, l.Connect(context.Background()))

	defer func() { _ = l.Close() }()

	require.Eventually(t, l.Connected, 2*time.Second, 5*time.Millisecond)

	bridge := NewBridge(logging.NopLogger(), l, "issue-42")

	ctx, cancel := context.WithCancel(context.Background())
	decisions := make(chan *Decision, 1)

	go func() {
		decisions <- bridge.Approve(ctx, "Bash", nil)
	}()

	coord.Next(2 * time.Second)
	cancel()

	decision := <-decisions
	assert.Equal(t, BehaviorDeny, decision.Behavior)
	assert.Equal(t, context.Canceled.Error(), decision.Message)
}

func TestRegister_ApproveTool(t *testing.T) {
	fake := &fakeLink{raw: `{"behavior":"deny","message":"outside worktree"}`}
	bridge := NewBridge(logging.NopLogger(), fake, "issue-42")

	server := mcp.NewServer("coordbridge-permission", "test")
	bridge.Register(server)

	tools := server.ListTools()
	require.Len(t, tools, 1)
	assert.Equal(t, ToolApprove, tools[0]["name"])

	result, err := server.CallTool(context.Background(), ToolApprove, map[string]any{
		"tool_name":   "Write",
		"input":       map[string]any{"file_path": "/etc/passwd"},
		"tool_use_id": "toolu_01",
	})
	require.NoError(t, err)

	content := result["content"].([]map[string]any)
	require.Len(t, content, 1)
	assert.JSONEq(t, `{"behavior":"deny","message":"outside worktree"}`, content[0]["text"].(string))

	assert.Equal(t, map[string]any{"file_path": "/etc/passwd"}, fake.requests[0].Input)

	_, err = server.CallTool(context.Background(), ToolApprove, map[string]any{"input": map[string]any{}})
	require.Error(t, err)
}

func TestRegister_ApproveSchemaRequiresOnlyToolName(t *testing.T) {
	bridge := NewBridge(logging.NopLogger(), &fakeLink{raw: `{"behavior":"allow"}`}, "issue-42")

	server := mcp.NewServer("coordbridge-permission", "test")
	bridge.Register(server)

	schema := server.ListTools()[0]["inputSchema"].(map[string]any)
	assert.Equal(t, []any{"tool_name"}, schema["required"])
	assert.Contains(t, schema["properties"], "input")

	result, err := server.CallTool(context.Background(), ToolApprove, map[string]any{"tool_name": "Read"})
	require.NoError(t, err)

	content := result["content"].([]map[string]any)
	assert.JSONEq(t, `{"behavior":"allow","updatedInput":{}}`, content[0]["text"].(string))
}

func TestRegister_ApproveAbandonedByCallerIsAnError(t *testing.T) {
	fake := &fakeLink{err: context.Canceled}
	bridge := NewBridge(logging.NopLogger(), fake, "issue-42")

	server := mcp.NewServer("coordbridge-permission", "test")
	bridge.Register(server)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := server.CallTool(ctx, ToolApprove, map[string]any{"tool_name": "Bash"})
	require.ErrorIs(t, err, context.Canceled)
}
