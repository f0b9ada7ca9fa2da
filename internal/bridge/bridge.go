package bridge

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wagiedev/coordbridge/internal/config"
	"github.com/wagiedev/coordbridge/internal/errors"
	"github.com/wagiedev/coordbridge/internal/jsonrpc"
	"github.com/wagiedev/coordbridge/internal/link"
	"github.com/wagiedev/coordbridge/internal/lock"
	"github.com/wagiedev/coordbridge/internal/logging"
	"github.com/wagiedev/coordbridge/internal/mcp"
	"github.com/wagiedev/coordbridge/internal/permission"
	"github.com/wagiedev/coordbridge/internal/stdio"
)

// Version is reported to the worker in serverInfo.
const Version = "0.3.0"

// drainTimeout bounds how long shutdown waits for cancelled calls to reply.
const drainTimeout = 5 * time.Second

// Variant selects which tool set the process exposes.
type Variant string

const (
	// VariantLock exposes the file lock tools.
	VariantLock Variant = "lock"
	// VariantPermission exposes the approve tool.
	VariantPermission Variant = "permission"
)

// ServerName returns the serverInfo name for a variant.
func ServerName(v Variant) string {
	return "coordbridge-" + string(v)
}

// Option configures Run.
type Option func(*runner)

// WithIO replaces the process stdin and stdout.
func WithIO(in io.Reader, out io.Writer) Option {
	return func(r *runner) {
		r.in = in
		r.out = out
	}
}

// WithLogger replaces the stderr logger built from the configured level.
func WithLogger(log *slog.Logger) Option {
	return func(r *runner) {
		r.log = log
	}
}

type runner struct {
	in  io.Reader
	out io.Writer
	log *slog.Logger
}

// Run serves one bridge until stdin closes or the process is signalled.
//
// Errors are returned only for failures before serving begins. Once the
// protocol loop has started every exit path is graceful and returns nil.
func Run(ctx context.Context, cfg *config.Config, variant Variant, opts ...Option) error {
	r := &runner{in: os.Stdin, out: os.Stdout}
	for _, opt := range opts {
		opt(r)
	}

	if r.log == nil {
		log, err := logging.New(os.Stderr, cfg.LogLevel)
		if err != nil {
			return &errors.ConfigError{Setting: "COORDBRIDGE_LOG_LEVEL", Err: err}
		}

		r.log = log
	}

	log := r.log.With("component", "bridge", "variant", string(variant), "issue_id", cfg.IssueID)

	coordinator := link.New(r.log, cfg.CoordinatorURL(), link.WithReconnectDelay(cfg.ReconnectDelay()))
	tools := mcp.NewServer(ServerName(variant), Version)

	var releaseAll func(ctx context.Context)

	switch variant {
	case VariantLock:
		locks := lock.NewBridge(r.log, coordinator, cfg.IssueID,
			lock.WithRetryInterval(cfg.RetryInterval()),
			lock.WithRequestTimeout(cfg.RequestTimeout()))
		locks.Register(tools)

		releaseAll = func(ctx context.Context) {
			locks.ReleaseAll(ctx)
		}

	case VariantPermission:
		permission.NewBridge(r.log, coordinator, cfg.IssueID).Register(tools)

		releaseAll = func(context.Context) {}

	default:
		return fmt.Errorf("unknown bridge variant %q", variant)
	}

	transport := stdio.NewTransport(r.log, r.in, r.out)
	rpc := jsonrpc.NewServer(r.log, transport)
	tools.Register(rpc)

	// The link outlives the signal so release-all can still reach the
	// coordinator after SIGTERM; Close stops it.
	if err := coordinator.Connect(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("connect coordinator: %w", err)
	}

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("Bridge started", "coordinator", coordinator.URL(), "version", Version)

	g, gCtx := errgroup.WithContext(sigCtx)
	g.Go(func() error {
		return rpc.Serve(gCtx)
	})

	err := g.Wait()

	switch {
	case err == nil:
		log.Info("Input closed, shutting down")
	case sigCtx.Err() != nil:
		log.Info("Signal received, shutting down")
	default:
		log.Error("Input failed, shutting down", "error", err)
	}

	shutdown(log, rpc, coordinator, transport, releaseAll, cfg.RequestTimeout())

	return nil
}

// shutdown cancels in-flight calls, releases held locks and closes the link.
// Each step is bounded so the process always exits.
func shutdown(
	log *slog.Logger,
	rpc *jsonrpc.Server,
	coordinator *link.Link,
	transport *stdio.Transport,
	releaseAll func(ctx context.Context),
	requestTimeout time.Duration,
) {
	if !rpc.Shutdown(drainTimeout) {
		log.Warn("Some calls did not finish before shutdown", "in_flight", rpc.InFlight())
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	releaseAll(ctx)
	cancel()

	if err := coordinator.Close(); err != nil {
		log.Warn("Closing coordinator link", "error", err)
	}

	transport.Close()

	log.Info("Bridge stopped")
}
