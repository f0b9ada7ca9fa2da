package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wagiedev/coordbridge/internal/config"
	"github.com/wagiedev/coordbridge/internal/coordtest"
	"github.com/wagiedev/coordbridge/internal/jsonrpc"
)

const waitFor = 3 * time.Second

// syncBuffer collects output written from several goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.buf.String()
}

type harness struct {
	t      *testing.T
	coord  *coordtest.Coordinator
	stdin  *io.PipeWriter
	stdout *syncBuffer
	logs   *syncBuffer
	cancel context.CancelFunc
	done   chan error
}

func start(t *testing.T, variant Variant, coord *coordtest.Coordinator) *harness {
	t.Helper()

	cfg, err := config.LoadFrom(map[string]string{
		"COORDBRIDGE_PORT":               coord.Port(),
		"COORDBRIDGE_ISSUE_ID":           "issue-42",
		"COORDBRIDGE_RETRY_INTERVAL_MS":  "50",
		"COORDBRIDGE_REQUEST_TIMEOUT_MS": "1000",
		"COORDBRIDGE_RECONNECT_DELAY_MS": "20",
	})
	require.NoError(t, err)

	inR, inW := io.Pipe()
	h := &harness{
		t:      t,
		coord:  coord,
		stdin:  inW,
		stdout: &syncBuffer{},
		logs:   &syncBuffer{},
		done:   make(chan error, 1),
	}

	log := slog.New(slog.NewTextHandler(h.logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel

	go func() {
		h.done <- Run(ctx, cfg, variant, WithIO(inR, h.stdout), WithLogger(log))
	}()

	t.Cleanup(func() {
		cancel()
		_ = inW.Close()
		_ = inR.Close()
	})

	require.Eventually(t, func() bool { return coord.Connects() >= 1 }, waitFor, 5*time.Millisecond)

	return h
}

func (h *harness) send(line string) {
	h.t.Helper()

	_, err := io.WriteString(h.stdin, line+"\n")
	require.NoError(h.t, err)
}

func (h *harness) responses() []map[string]any {
	var out []map[string]any

	for line := range strings.SplitSeq(h.stdout.String(), "\n") {
		if line == "" {
			continue
		}

		var msg map[string]any
		require.NoError(h.t, json.Unmarshal([]byte(line), &msg), "stdout carried a non-JSON line")

		out = append(out, msg)
	}

	return out
}

func (h *harness) waitResponses(n int) []map[string]any {
	h.t.Helper()

	require.Eventually(h.t, func() bool {
		return len(h.responses()) >= n
	}, waitFor, 5*time.Millisecond)

	return h.responses()
}

func (h *harness) waitExit() {
	h.t.Helper()

	select {
	case err := <-h.done:
		require.NoError(h.t, err)
	case <-time.After(waitFor):
		h.t.Fatal("bridge did not exit")
	}
}

func toolText(t *testing.T, resp map[string]any) map[string]any {
	t.Helper()

	result, ok := resp["result"].(map[string]any)
	require.True(t, ok, "response has no result: %v", resp)

	content, ok := result["content"].([]any)
	require.True(t, ok)
	require.Len(t, content, 1)

	text, ok := content[0].(map[string]any)["text"].(string)
	require.True(t, ok)

	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(text), &payload))

	return payload
}

func TestRun_AcquireWaitsOutHolderThenReleasesOnEOF(t *testing.T) {
	coord := coordtest.New(t)

	var acquires atomic.Int32

	coord.Respond(func(req map[string]any) any {
		switch req["action"] {
		case "acquire":
			if acquires.Add(1) == 1 {
				return map[string]any{"success": false, "holder": "issue-7", "message": "file is locked"}
			}

			return map[string]any{"success": true, "lockId": "L1"}
		case "release_all":
			return map[string]any{"success": true}
		default:
			return nil
		}
	})

	h := start(t, VariantLock, coord)
	require.Eventually(t, func() bool { return strings.Contains(h.logs.String(), "Connected to coordinator") },
		waitFor, 5*time.Millisecond)

	h.send(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"acquire_lock","arguments":{"file_path":"/p/a.ts"}}}`)

	responses := h.waitResponses(1)
	require.Len(t, responses, 1)
	assert.InDelta(t, 1, responses[0]["id"], 0)

	payload := toolText(t, responses[0])
	assert.Equal(t, true, payload["success"])
	assert.Equal(t, "L1", payload["lockId"])
	assert.Equal(t, "/p/a.ts", payload["filePath"])

	assert.NotContains(t, h.stdout.String(), "issue-7")
	assert.Contains(t, h.logs.String(), "File locked by another session")
	assert.Contains(t, h.logs.String(), "holder=issue-7")

	require.NoError(t, h.stdin.Close())
	h.waitExit()

	first := coord.Next(waitFor)
	second := coord.Next(waitFor)
	last := coord.Next(waitFor)

	assert.Equal(t, "acquire", first["action"])
	assert.Equal(t, "issue-42", first["issueId"])
	assert.Equal(t, "/p/a.ts", first["filePath"])
	assert.Equal(t, "acquire", second["action"])
	assert.Equal(t, "release_all", last["action"])
	assert.Equal(t, "issue-42", last["issueId"])

	assert.Len(t, h.responses(), 1, "shutdown must not write extra responses")
}

func TestRun_SignalReleasesHeldLocks(t *testing.T) {
	coord := coordtest.New(t)
	coord.Respond(func(req map[string]any) any {
		if req["action"] == "acquire" {
			return map[string]any{"success": true, "lockId": "L9"}
		}

		return map[string]any{"success": true}
	})

	h := start(t, VariantLock, coord)
	require.Eventually(t, func() bool { return strings.Contains(h.logs.String(), "Connected to coordinator") },
		waitFor, 5*time.Millisecond)

	h.send(`{"jsonrpc":"2.0","id":"a","method":"tools/call","params":{"name":"acquire_lock","arguments":{"file_path":"/p/b.ts"}}}`)
	h.waitResponses(1)

	h.cancel()
	h.waitExit()

	assert.Equal(t, "acquire", coord.Next(waitFor)["action"])
	assert.Equal(t, "release_all", coord.Next(waitFor)["action"])
	assert.Contains(t, h.logs.String(), "Signal received, shutting down")
}

func TestRun_PermissionHandshake(t *testing.T) {
	coord := coordtest.New(t)
	h := start(t, VariantPermission, coord)

	h.send(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05"}}`)
	h.send(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	h.send(`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)

	responses := h.waitResponses(2)
	require.Len(t, responses, 2)

	byID := map[float64]map[string]any{}
	for _, r := range responses {
		byID[r["id"].(float64)] = r
	}

	info := byID[1]["result"].(map[string]any)["serverInfo"].(map[string]any)
	assert.Equal(t, "coordbridge-permission", info["name"])
	assert.Equal(t, Version, info["version"])

	tools := byID[2]["result"].(map[string]any)["tools"].([]any)
	require.Len(t, tools, 1)
	assert.Equal(t, "approve", tools[0].(map[string]any)["name"])

	require.NoError(t, h.stdin.Close())
	h.waitExit()

	assert.Empty(t, coord.RequestTimes(), "permission bridge sends nothing on shutdown")
}

func TestRun_ShutdownCancelsPendingApproval(t *testing.T) {
	coord := coordtest.New(t)
	h := start(t, VariantPermission, coord)
	require.Eventually(t, func() bool { return strings.Contains(h.logs.String(), "Connected to coordinator") },
		waitFor, 5*time.Millisecond)

	h.send(`{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"approve","arguments":{"tool_name":"Bash","input":{"command":"make"}}}}`)

	req := coord.Next(waitFor)
	assert.Equal(t, "Bash", req["toolName"])

	require.NoError(t, h.stdin.Close())
	h.waitExit()

	responses := h.responses()
	require.Len(t, responses, 1)

	rpcErr, ok := responses[0]["error"].(map[string]any)
	require.True(t, ok, "cancelled approval should reply with an error: %v", responses[0])
	assert.InDelta(t, jsonrpc.CodeRequestCancelled, rpcErr["code"], 0)
	assert.Equal(t, "request cancelled", rpcErr["message"])
}

func TestRun_LargeApprovalInputDoesNotStopServing(t *testing.T) {
	coord := coordtest.New(t)
	coord.Respond(func(map[string]any) any {
		return map[string]any{"behavior": "allow"}
	})

	h := start(t, VariantPermission, coord)
	require.Eventually(t, func() bool { return strings.Contains(h.logs.String(), "Connected to coordinator") },
		waitFor, 5*time.Millisecond)

	content := strings.Repeat("x", 1100*1024)
	call := map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "tools/call",
		"params": map[string]any{
			"name": "approve",
			"arguments": map[string]any{
				"tool_name": "Write",
				"input":     map[string]any{"file_path": "/p/big.ts", "content": content},
			},
		},
	}

	line, err := json.Marshal(call)
	require.NoError(t, err)

	h.send(string(line))
	h.send(`{"jsonrpc":"2.0","id":2,"method":"ping"}`)

	responses := h.waitResponses(2)
	require.Len(t, responses, 2)

	byID := map[float64]map[string]any{}
	for _, r := range responses {
		byID[r["id"].(float64)] = r
	}

	decision := toolText(t, byID[1])
	assert.Equal(t, "allow", decision["behavior"])
	assert.Equal(t, content, decision["updatedInput"].(map[string]any)["content"])
	assert.Equal(t, map[string]any{}, byID[2]["result"])

	forwarded := coord.Next(waitFor)
	assert.Equal(t, content, forwarded["input"].(map[string]any)["content"])

	require.NoError(t, h.stdin.Close())
	h.waitExit()
}

func TestRun_UnknownVariant(t *testing.T) {
	cfg, err := config.LoadFrom(map[string]string{"COORDBRIDGE_PORT": "9"})
	require.NoError(t, err)

	err = Run(context.Background(), cfg, Variant("audit"),
		WithIO(strings.NewReader(""), io.Discard),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown bridge variant "audit"`)
}

func TestServerName(t *testing.T) {
	assert.Equal(t, "coordbridge-lock", ServerName(VariantLock))
	assert.Equal(t, "coordbridge-permission", ServerName(VariantPermission))
}
