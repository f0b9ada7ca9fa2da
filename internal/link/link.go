package link

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/wagiedev/coordbridge/internal/errors"
)

// DefaultReconnectDelay is the fixed pause between a dropped connection and
// the next dial attempt.
const DefaultReconnectDelay = 1 * time.Second

// writeTimeout bounds a single frame write to the coordinator.
const writeTimeout = 10 * time.Second

// State is the connection state of a Link.
type State int32

const (
	// StateDisconnected means no connection is open.
	StateDisconnected State = iota
	// StateConnecting means a dial is in progress.
	StateConnecting
	// StateConnected means frames can be exchanged.
	StateConnected
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Option configures a Link.
type Option func(*Link)

// WithReconnectDelay sets the pause before redialing after a disconnect.
func WithReconnectDelay(d time.Duration) Option {
	return func(l *Link) {
		l.reconnectDelay = d
	}
}

// WithDialer replaces the websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(l *Link) {
		l.dialer = d
	}
}

// Link is a reconnecting websocket client with a single pending request slot.
type Link struct {
	log            *slog.Logger
	url            string
	dialer         *websocket.Dialer
	reconnectDelay time.Duration

	mu           sync.Mutex
	state        State
	reconnecting bool // supervisor running; further Connect calls are no-ops
	conn         *websocket.Conn
	pending      *pendingRequest
	closed       bool
	cancel       context.CancelFunc

	writeMu sync.Mutex // Serializes frame writes
	wg      sync.WaitGroup
}

// pendingRequest is the resolver for the one outstanding request.
type pendingRequest struct {
	result chan result
}

type result struct {
	data json.RawMessage
	err  error
}

// New creates a Link for the coordinator at url. The link is disconnected
// until Connect is called.
func New(log *slog.Logger, url string, opts ...Option) *Link {
	l := &Link{
		log:            log.With("component", "link"),
		url:            url,
		dialer:         websocket.DefaultDialer,
		reconnectDelay: DefaultReconnectDelay,
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// URL returns the coordinator address.
func (l *Link) URL() string {
	return l.url
}

// State returns the current connection state.
func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.state
}

// Connected reports whether frames can currently be sent.
func (l *Link) Connected() bool {
	return l.State() == StateConnected
}

// Connect starts the connection supervisor.
//
// The supervisor dials the coordinator, reads frames until the connection
// drops, waits the reconnect delay and dials again, until ctx is cancelled
// or Close is called. Connect returns immediately; dial failures are logged,
// never returned. Calling Connect while the supervisor is already running is
// a no-op.
func (l *Link) Connect(ctx context.Context) error {
	l.mu.Lock()

	if l.closed {
		l.mu.Unlock()

		return errors.ErrLinkClosed
	}

	if l.reconnecting {
		l.mu.Unlock()
		l.log.Debug("Connect ignored, supervisor already running")

		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	l.reconnecting = true
	l.cancel = cancel
	l.mu.Unlock()

	l.wg.Go(func() {
		l.supervise(ctx)
	})

	return nil
}

// supervise runs connection sessions back to back with a constant delay.
func (l *Link) supervise(ctx context.Context) {
	defer l.log.Debug("Link supervisor stopped")

	b := backoff.WithContext(backoff.NewConstantBackOff(l.reconnectDelay), ctx)

	err := backoff.RetryNotify(func() error {
		err := l.session(ctx)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		return err
	}, b, func(err error, wait time.Duration) {
		l.log.Warn("Coordinator link down, reconnecting", "error", err, "delay", wait)
	})

	l.mu.Lock()
	l.reconnecting = false
	l.state = StateDisconnected
	l.mu.Unlock()

	l.log.Debug("Link supervisor exiting", "reason", err)
}

// session dials once and pumps inbound frames until the connection drops.
// It always returns a non-nil error describing why the session ended.
func (l *Link) session(ctx context.Context) error {
	l.setState(StateConnecting)

	conn, _, err := l.dialer.DialContext(ctx, l.url, nil)
	if err != nil {
		l.setState(StateDisconnected)

		return fmt.Errorf("dial coordinator: %w", err)
	}

	l.mu.Lock()
	l.conn = conn
	l.state = StateConnected
	l.mu.Unlock()

	l.log.Info("Connected to coordinator", "url", l.url)

	// Context cancellation closes the conn, which unblocks ReadMessage.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer stop()

	err = l.readLoop(conn)
	l.disconnect(conn, err)

	return err
}

func (l *Link) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read coordinator: %w", err)
		}

		l.deliver(data)
	}
}

// deliver hands an inbound frame to the pending request, if any.
func (l *Link) deliver(data []byte) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		decodeErr := &errors.DecodeError{RawData: string(data), Err: err}
		l.log.Warn("Dropping malformed coordinator message", "error", decodeErr)

		return
	}

	l.mu.Lock()
	p := l.pending
	l.pending = nil
	l.mu.Unlock()

	if p == nil {
		l.log.Warn("Dropping coordinator message with no pending request", "data_len", len(data))

		return
	}

	l.log.Debug("Received coordinator response", "data_len", len(data))

	// We own p now; the channel is buffered so this never blocks.
	p.result <- result{data: json.RawMessage(data)}
}

// disconnect marks the link down and fails the pending request.
func (l *Link) disconnect(conn *websocket.Conn, cause error) {
	_ = conn.Close()

	l.mu.Lock()

	if l.conn == conn {
		l.conn = nil
	}

	l.state = StateDisconnected
	p := l.pending
	l.pending = nil
	l.mu.Unlock()

	l.log.Info("Disconnected from coordinator", "error", cause)

	if p != nil {
		p.result <- result{err: fmt.Errorf("%w: %v", errors.ErrConnectionLost, cause)}
	}
}

func (l *Link) setState(s State) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.state = s
}

// Send pushes a JSON-serializable message without waiting for a reply.
func (l *Link) Send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	l.mu.Lock()
	closed, conn := l.closed, l.conn
	l.mu.Unlock()

	if closed {
		return errors.ErrLinkClosed
	}

	if conn == nil {
		return errors.ErrNotConnected
	}

	return l.write(conn, data)
}

func (l *Link) write(conn *websocket.Conn, data []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))

	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write coordinator: %w", err)
	}

	l.log.Debug("Sent coordinator message", "data_len", len(data))

	return nil
}

// Request sends msg and waits for the next inbound frame.
//
// A timeout of zero waits without bound; ctx cancellation still applies.
// When the wait ends without a response the slot is cleared, so a late
// frame resolves nothing and is dropped.
//
// Returns ErrNotConnected if the link is down, ErrRequestInFlight if another
// request occupies the slot, ErrRequestTimeout (wrapped) on timeout, and
// ErrConnectionLost (wrapped) if the connection drops while waiting.
func (l *Link) Request(ctx context.Context, msg any, timeout time.Duration) (json.RawMessage, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	p := &pendingRequest{result: make(chan result, 1)}

	l.mu.Lock()

	switch {
	case l.closed:
		l.mu.Unlock()

		return nil, errors.ErrLinkClosed
	case l.state != StateConnected || l.conn == nil:
		l.mu.Unlock()

		return nil, errors.ErrNotConnected
	case l.pending != nil:
		l.mu.Unlock()

		return nil, errors.ErrRequestInFlight
	}

	l.pending = p
	conn := l.conn
	l.mu.Unlock()

	defer l.clearPending(p)

	if err := l.write(conn, data); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	var expired <-chan time.Time

	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()

		expired = timer.C
	}

	select {
	case r := <-p.result:
		return r.data, r.err

	case <-expired:
		l.log.Warn("Coordinator request timed out", "timeout", timeout)

		return nil, fmt.Errorf("%w after %s", errors.ErrRequestTimeout, timeout)

	case <-ctx.Done():
		l.log.Debug("Coordinator request cancelled", "error", ctx.Err())

		return nil, ctx.Err()
	}
}

// clearPending empties the slot if p still occupies it.
func (l *Link) clearPending(p *pendingRequest) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.pending == p {
		l.pending = nil
	}
}

// Close stops the supervisor and closes the connection.
// It's safe to call Close multiple times.
func (l *Link) Close() error {
	l.mu.Lock()

	if l.closed {
		l.mu.Unlock()

		return nil
	}

	l.closed = true
	cancel := l.cancel
	conn := l.conn
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	if conn != nil {
		_ = conn.Close()
	}

	l.wg.Wait()
	l.log.Debug("Link closed")

	return nil
}
