package permission

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/wagiedev/coordbridge/internal/errors"
)

// Behavior is the coordinator's verdict.
type Behavior string

const (
	// BehaviorAllow lets the tool run.
	BehaviorAllow Behavior = "allow"
	// BehaviorDeny blocks the tool.
	BehaviorDeny Behavior = "deny"
)

// Request is the permission wire request.
//
// Wire format:
//
//	{"id": "01J...", "toolName": "Bash", "input": {...}, "sessionId": "issue-42"}
type Request struct {
	ID        string         `json:"id"`
	ToolName  string         `json:"toolName"`
	Input     map[string]any `json:"input"`
	SessionID string         `json:"sessionId"`
}

// Decision is the permission wire response and the approve tool's result.
type Decision struct {
	Behavior     Behavior       `json:"behavior"`
	UpdatedInput map[string]any `json:"updatedInput,omitzero"`
	Message      string         `json:"message,omitempty"`
}

// Allowed reports whether the decision lets the tool run.
func (d *Decision) Allowed() bool {
	return d.Behavior == BehaviorAllow
}

// Deny creates a deny decision with the given reason.
func Deny(message string) *Decision {
	return &Decision{Behavior: BehaviorDeny, Message: message}
}

// Requester sends one request to the coordinator and waits for its reply.
//
// This interface is satisfied by link.Link but allows for testing with
// scripted coordinators.
type Requester interface {
	Request(ctx context.Context, msg any, timeout time.Duration) (json.RawMessage, error)
}

// Bridge asks the coordinator for approval on behalf of one session.
//
// Only one approval can be outstanding at a time because the coordinator
// does not echo request ids; a concurrent call is denied with
// ErrRequestInFlight rather than risk receiving another call's decision.
type Bridge struct {
	log       *slog.Logger
	link      Requester
	sessionID string
}

// NewBridge creates a permission bridge.
func NewBridge(log *slog.Logger, link Requester, sessionID string) *Bridge {
	return &Bridge{
		log:       log.With("component", "permission", "session_id", sessionID),
		link:      link,
		sessionID: sessionID,
	}
}

// SessionID returns the identity approvals are requested for.
func (b *Bridge) SessionID() string {
	return b.sessionID
}

// Approve asks whether toolName may run with input. It waits as long as the
// coordinator takes; only ctx cancellation or a link failure ends the wait
// early, and both yield a deny decision. Approve never returns nil.
func (b *Bridge) Approve(ctx context.Context, toolName string, input map[string]any) (decision *Decision) {
	id := generateRequestID()
	log := b.log.With("request_id", id, "tool_name", toolName)

	defer func() {
		if r := recover(); r != nil {
			log.Error("Approval panicked, denying", "panic", r)
			decision = Deny(fmt.Sprintf("approval failed: %v", r))
		}
	}()

	if input == nil {
		input = map[string]any{}
	}

	log.Debug("Requesting approval")

	raw, err := b.link.Request(ctx, &Request{
		ID:        id,
		ToolName:  toolName,
		Input:     input,
		SessionID: b.sessionID,
	}, 0)
	if err != nil {
		log.Warn("Approval request failed, denying", "error", err)

		return Deny(err.Error())
	}

	var resp Decision
	if err := json.Unmarshal(raw, &resp); err != nil {
		decodeErr := &errors.DecodeError{RawData: string(raw), Err: err}
		log.Warn("Unreadable approval response, denying", "error", decodeErr)

		return Deny(decodeErr.Error())
	}

	switch resp.Behavior {
	case BehaviorAllow:
		if resp.UpdatedInput == nil {
			resp.UpdatedInput = input
		}

		log.Info("Tool use approved")

		return &resp

	case BehaviorDeny:
		if resp.Message == "" {
			resp.Message = "denied by coordinator"
		}

		log.Info("Tool use denied", "message", resp.Message)

		return &resp

	default:
		log.Warn("Unknown approval behavior, denying", "behavior", resp.Behavior)

		return Deny(fmt.Sprintf("unknown behavior %q", resp.Behavior))
	}
}

// generateRequestID creates a unique request ID using ULID.
func generateRequestID() string {
	return ulid.Make().String()
}
