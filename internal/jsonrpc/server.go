package jsonrpc

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wagiedev/coordbridge/internal/errors"
)

// Transport defines the minimal interface needed to serve the protocol.
//
// This interface is satisfied by stdio.Transport but allows for testing
// with in-memory transports.
type Transport interface {
	ReadLines(ctx context.Context) (<-chan []byte, <-chan error)
	WriteMessage(data []byte) error
}

// Handler processes one method call. The returned value becomes the
// response result; a non-nil error becomes the response error.
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

// Server dispatches inbound lines to registered handlers.
type Server struct {
	log       *slog.Logger
	transport Transport

	// Handler registry
	handlersMu sync.RWMutex
	handlers   map[string]Handler

	// In-flight request tracking for cancellation support
	inFlightMu sync.Mutex
	inFlight   map[string]*inFlightOperation

	wg sync.WaitGroup
}

// inFlightOperation tracks a request being handled.
type inFlightOperation struct {
	method    string
	cancel    context.CancelFunc
	cancelled bool
	startTime time.Time
}

// NewServer creates a server that reads from and writes to transport.
func NewServer(log *slog.Logger, transport Transport) *Server {
	return &Server{
		log:       log.With("component", "jsonrpc"),
		transport: transport,
		handlers:  make(map[string]Handler, 8),
		inFlight:  make(map[string]*inFlightOperation, 4),
	}
}

// Handle registers a handler for method. Registering the same method twice
// replaces the previous handler.
func (s *Server) Handle(method string, handler Handler) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()

	s.log.Debug("Registering method handler", "method", method)
	s.handlers[method] = handler
}

// Serve reads lines until the input ends or ctx is cancelled.
//
// It returns nil when the input stream reaches EOF, ctx.Err() on
// cancellation, and the read error if the transport fails. Requests still
// running when Serve returns keep running; use Shutdown to stop them.
func (s *Server) Serve(ctx context.Context) error {
	s.log.Debug("Serving local protocol")

	lines, errs := s.transport.ReadLines(ctx)

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				if err, ok := <-errs; ok && err != nil {
					return fmt.Errorf("read input: %w", err)
				}

				s.log.Info("Input stream closed")

				return nil
			}

			s.handleLine(ctx, line)

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Shutdown cancels every in-flight request and waits up to timeout for
// their responses to be written. It reports whether all handlers finished.
func (s *Server) Shutdown(timeout time.Duration) bool {
	s.CancelAll()

	done := make(chan struct{})

	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		s.log.Warn("Handlers still running after shutdown timeout", "timeout", timeout)

		return false
	}
}

// CancelAll cancels all in-flight requests.
func (s *Server) CancelAll() {
	s.inFlightMu.Lock()
	defer s.inFlightMu.Unlock()

	for _, op := range s.inFlight {
		op.cancelled = true
		op.cancel()
	}
}

// InFlight returns the number of requests currently being handled.
func (s *Server) InFlight() int {
	s.inFlightMu.Lock()
	defer s.inFlightMu.Unlock()

	return len(s.inFlight)
}

func (s *Server) handleLine(ctx context.Context, line []byte) {
	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		s.log.Warn("Dropping unparseable input line", "error", err, "line", string(line))

		return
	}

	if msg.IsNotification() {
		s.handleNotification(ctx, &msg)

		return
	}

	s.handleRequest(ctx, &msg)
}

// handleNotification runs a notification handler inline. Nothing is ever
// written back, even when the handler fails or panics.
func (s *Server) handleNotification(ctx context.Context, msg *Message) {
	if msg.Method == MethodCancelled {
		s.handleCancel(msg.Params)

		return
	}

	handler, exists := s.lookup(msg.Method)
	if !exists {
		s.log.Debug("Ignoring notification with no handler", "method", msg.Method)

		return
	}

	if _, err := s.invoke(ctx, handler, msg); err != nil {
		s.log.Warn("Notification handler failed", "method", msg.Method, "error", err)
	}
}

func (s *Server) handleRequest(ctx context.Context, msg *Message) {
	if msg.Method == "" {
		s.reply(msg.ID, nil, NewError(CodeInvalidRequest, "Missing method"))

		return
	}

	handler, exists := s.lookup(msg.Method)
	if !exists {
		s.log.Warn("No handler registered for method", "method", msg.Method)
		s.reply(msg.ID, nil, NewError(CodeMethodNotFound, "Method not found: %s", msg.Method))

		return
	}

	key := idKey(msg.ID)

	// Handlers outlive Serve; only cancellation or Shutdown stops them.
	opCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	op := &inFlightOperation{
		method:    msg.Method,
		cancel:    cancel,
		startTime: time.Now(),
	}

	s.inFlightMu.Lock()

	if _, dup := s.inFlight[key]; dup {
		s.log.Warn("Request id reused while still in flight", "id", key)
	}

	s.inFlight[key] = op
	s.inFlightMu.Unlock()

	// Run handler in goroutine so the read loop can process further lines
	s.wg.Go(func() {
		defer func() {
			s.inFlightMu.Lock()
			if s.inFlight[key] == op {
				delete(s.inFlight, key)
			}
			s.inFlightMu.Unlock()

			cancel()
		}()

		result, err := s.invoke(opCtx, handler, msg)

		s.inFlightMu.Lock()
		cancelled := op.cancelled
		s.inFlightMu.Unlock()

		// A handler that finished its work despite cancellation reports the
		// real outcome.
		if cancelled && err != nil {
			s.log.Debug("Request was cancelled", "id", key, "method", msg.Method)
			s.reply(msg.ID, nil, NewError(CodeRequestCancelled, "%s", errors.ErrRequestCancelled.Error()))

			return
		}

		if cancelled {
			s.log.Info("Request completed after cancellation, sending result", "id", key, "method", msg.Method)
		}

		s.log.Debug("Request completed", "id", key, "method", msg.Method, "duration", time.Since(op.startTime))
		s.reply(msg.ID, result, err)
	})
}

// invoke calls the handler and converts a panic into an error.
func (s *Server) invoke(ctx context.Context, handler Handler, msg *Message) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("Handler panicked", "method", msg.Method, "panic", r)
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	return handler(ctx, msg.Params)
}

func (s *Server) handleCancel(params json.RawMessage) {
	var p cancelParams
	if err := json.Unmarshal(params, &p); err != nil || len(p.RequestID) == 0 {
		s.log.Debug("Ignoring malformed cancel notification")

		return
	}

	key := idKey(p.RequestID)

	s.inFlightMu.Lock()
	op, exists := s.inFlight[key]

	if exists {
		op.cancelled = true
		op.cancel()
	}

	s.inFlightMu.Unlock()

	s.log.Debug("Cancel notification processed", "id", key, "found", exists, "reason", p.Reason)
}

func (s *Server) lookup(method string) (Handler, bool) {
	s.handlersMu.RLock()
	defer s.handlersMu.RUnlock()

	h, ok := s.handlers[method]

	return h, ok
}

// reply writes the single response for id.
func (s *Server) reply(id json.RawMessage, result any, err error) {
	resp := Response{JSONRPC: Version, ID: id}

	if err != nil {
		rpcErr, ok := stderrors.AsType[*Error](err)
		if !ok {
			rpcErr = &Error{Code: CodeInternalError, Message: err.Error()}
		}

		resp.Error = rpcErr
	} else {
		if result == nil {
			result = map[string]any{}
		}

		resp.Result = result
	}

	data, err := json.Marshal(resp)
	if err != nil {
		s.log.Error("Failed to marshal response", "error", err)

		data, _ = json.Marshal(Response{
			JSONRPC: Version,
			ID:      id,
			Error:   &Error{Code: CodeInternalError, Message: "marshal response: " + err.Error()},
		})
	}

	if err := s.transport.WriteMessage(data); err != nil {
		s.log.Error("Failed to write response", "error", err)
	}
}
