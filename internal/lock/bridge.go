package lock

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/wagiedev/coordbridge/internal/errors"
)

const (
	// DefaultRetryInterval is the pause between acquisition attempts.
	DefaultRetryInterval = 10 * time.Second

	// DefaultRequestTimeout bounds each request/response pair.
	DefaultRequestTimeout = 30 * time.Second
)

// Requester sends one request to the coordinator and waits for its reply.
//
// This interface is satisfied by link.Link but allows for testing with
// scripted coordinators.
type Requester interface {
	Request(ctx context.Context, msg any, timeout time.Duration) (json.RawMessage, error)
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithRetryInterval sets the pause between acquisition attempts.
func WithRetryInterval(d time.Duration) Option {
	return func(b *Bridge) {
		b.retryInterval = d
	}
}

// WithRequestTimeout sets the per-attempt coordinator timeout.
func WithRequestTimeout(d time.Duration) Option {
	return func(b *Bridge) {
		b.requestTimeout = d
	}
}

// Bridge holds the locks granted to one issue identity.
type Bridge struct {
	log            *slog.Logger
	link           Requester
	issueID        string
	retryInterval  time.Duration
	requestTimeout time.Duration

	mu   sync.Mutex
	held map[string]string // filePath -> lockId
}

// NewBridge creates a lock bridge with an empty held set.
func NewBridge(log *slog.Logger, link Requester, issueID string, opts ...Option) *Bridge {
	b := &Bridge{
		log:            log.With("component", "lock", "issue_id", issueID),
		link:           link,
		issueID:        issueID,
		retryInterval:  DefaultRetryInterval,
		requestTimeout: DefaultRequestTimeout,
		held:           make(map[string]string, 4),
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// IssueID returns the identity locks are requested for.
func (b *Bridge) IssueID() string {
	return b.issueID
}

// Held returns the locally held locks sorted by path.
func (b *Bridge) Held() []Handle {
	b.mu.Lock()
	defer b.mu.Unlock()

	paths := slices.Sorted(maps.Keys(b.held))
	handles := make([]Handle, 0, len(paths))

	for _, p := range paths {
		handles = append(handles, Handle{FilePath: p, LockID: b.held[p]})
	}

	return handles
}

func (b *Bridge) lockID(filePath string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id, ok := b.held[filePath]

	return id, ok
}

// Acquire blocks until the coordinator grants filePath to this identity.
//
// Each attempt is bounded by the request timeout. Denials, timeouts and
// transport failures are logged and retried after the retry interval, with
// no attempt limit. The only error returned is ctx's.
func (b *Bridge) Acquire(ctx context.Context, filePath string) (*Result, error) {
	var (
		attempt int
		granted *Result
	)

	operation := func() error {
		attempt++

		resp, err := b.roundTrip(ctx, &Request{
			Action:   ActionAcquire,
			FilePath: filePath,
			IssueID:  b.issueID,
		})
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}

			b.log.Warn("Lock request failed", "file_path", filePath, "attempt", attempt, "error", err)

			return err
		}

		if !resp.Success {
			b.log.Info("File locked by another session",
				"file_path", filePath,
				"holder", resp.Holder,
				"message", resp.Message,
				"attempt", attempt,
			)

			return &errors.CoordinatorError{Action: string(ActionAcquire), Message: resp.Message}
		}

		b.mu.Lock()
		b.held[filePath] = resp.LockID
		b.mu.Unlock()

		b.log.Info("Lock acquired", "file_path", filePath, "lock_id", resp.LockID, "attempt", attempt)

		granted = &Result{
			Success:  true,
			FilePath: filePath,
			LockID:   resp.LockID,
			Message:  resp.Message,
		}

		return nil
	}

	notify := func(_ error, wait time.Duration) {
		b.log.Debug("Retrying lock acquisition", "file_path", filePath, "delay", wait)
	}

	policy := backoff.WithContext(backoff.NewConstantBackOff(b.retryInterval), ctx)

	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		b.log.Info("Lock acquisition abandoned", "file_path", filePath, "attempts", attempt, "error", err)

		return nil, err
	}

	return granted, nil
}

// Release gives filePath back to the coordinator.
//
// A path with no local record succeeds immediately without a request. On
// any failure the local record is kept so a later release still means
// something.
func (b *Bridge) Release(ctx context.Context, filePath string) *Result {
	lockID, ok := b.lockID(filePath)
	if !ok {
		b.log.Debug("Release of unheld file is a no-op", "file_path", filePath)

		return &Result{Success: true, FilePath: filePath, Message: "lock not held"}
	}

	resp, err := b.roundTrip(ctx, &Request{
		Action:   ActionRelease,
		FilePath: filePath,
		IssueID:  b.issueID,
		LockID:   lockID,
	})
	if err != nil {
		b.log.Warn("Lock release failed", "file_path", filePath, "lock_id", lockID, "error", err)

		return &Result{Success: false, FilePath: filePath, LockID: lockID, Message: err.Error()}
	}

	if !resp.Success {
		b.log.Warn("Coordinator refused release", "file_path", filePath, "lock_id", lockID, "message", resp.Message)

		return &Result{Success: false, FilePath: filePath, LockID: lockID, Message: resp.Message}
	}

	b.mu.Lock()
	if b.held[filePath] == lockID {
		delete(b.held, filePath)
	}
	b.mu.Unlock()

	b.log.Info("Lock released", "file_path", filePath, "lock_id", lockID)

	return &Result{Success: true, FilePath: filePath, LockID: lockID, Message: resp.Message}
}

// Check asks the coordinator who holds filePath. A transport failure is
// reported as an unsuccessful result.
func (b *Bridge) Check(ctx context.Context, filePath string) map[string]any {
	return b.query(ctx, &Request{Action: ActionCheck, FilePath: filePath, IssueID: b.issueID})
}

// List returns the coordinator's view of this identity's locks, which can
// differ from Held after a coordinator restart.
func (b *Bridge) List(ctx context.Context) map[string]any {
	return b.query(ctx, &Request{Action: ActionList, IssueID: b.issueID})
}

// ReleaseAll asks the coordinator to drop every lock of this identity and
// clears the local held set whatever the outcome.
func (b *Bridge) ReleaseAll(ctx context.Context) *Result {
	b.mu.Lock()
	released := slices.Sorted(maps.Keys(b.held))
	clear(b.held)
	b.mu.Unlock()

	resp, err := b.roundTrip(ctx, &Request{Action: ActionReleaseAll, IssueID: b.issueID})
	if err != nil {
		b.log.Warn("Release-all failed, local locks cleared anyway", "count", len(released), "error", err)

		return &Result{Success: false, Message: err.Error(), Released: released}
	}

	if !resp.Success {
		b.log.Warn("Coordinator refused release-all, local locks cleared anyway", "message", resp.Message)

		return &Result{Success: false, Message: resp.Message, Released: released}
	}

	b.log.Info("All locks released", "count", len(released))

	return &Result{Success: true, Message: resp.Message, Released: released}
}

// query performs a single round trip and returns the raw coordinator object.
func (b *Bridge) query(ctx context.Context, req *Request) map[string]any {
	raw, err := b.link.Request(ctx, req, b.requestTimeout)
	if err != nil {
		b.log.Warn("Lock query failed", "action", req.Action, "error", err)

		return map[string]any{"success": false, "message": err.Error()}
	}

	var view map[string]any
	if err := json.Unmarshal(raw, &view); err != nil {
		decodeErr := &errors.DecodeError{RawData: string(raw), Err: err}

		return map[string]any{"success": false, "message": decodeErr.Error()}
	}

	return view
}

func (b *Bridge) roundTrip(ctx context.Context, req *Request) (*Response, error) {
	raw, err := b.link.Request(ctx, req, b.requestTimeout)
	if err != nil {
		return nil, fmt.Errorf("%s request: %w", req.Action, err)
	}

	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, &errors.DecodeError{RawData: string(raw), Err: err}
	}

	return &resp, nil
}
