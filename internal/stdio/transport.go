package stdio

import (
	"bufio"
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/wagiedev/coordbridge/internal/errors"
)

// readBufferSize is the initial read buffer; longer lines grow past it.
const readBufferSize = 64 * 1024

// Transport reads request lines from in and writes response lines to out.
type Transport struct {
	log *slog.Logger
	in  io.Reader
	out io.Writer

	mu     sync.Mutex // Protects out
	closed bool
}

// NewTransport creates a line transport over the given streams.
func NewTransport(log *slog.Logger, in io.Reader, out io.Writer) *Transport {
	return &Transport{
		log: log.With("component", "stdio"),
		in:  in,
		out: out,
	}
}

// ReadLines reads newline-delimited frames from the input stream.
//
// Blank lines are skipped and lines of any length are accepted. Each
// returned slice is owned by the receiver. The lines channel is closed when
// the input reaches EOF or the context is cancelled. A read failure is
// reported on the error channel before the lines channel closes; clean EOF
// reports nothing.
func (t *Transport) ReadLines(ctx context.Context) (<-chan []byte, <-chan error) {
	lines := make(chan []byte)
	errs := make(chan error, 1)

	go func() {
		defer close(lines)
		defer close(errs)
		defer t.log.Debug("ReadLines goroutine stopped")

		reader := bufio.NewReaderSize(t.in, readBufferSize)

		for {
			raw, err := reader.ReadBytes('\n')

			// ReadBytes returns a fresh slice, so the trimmed view is owned.
			if line := bytes.TrimSpace(raw); len(line) > 0 {
				select {
				case lines <- line:
				case <-ctx.Done():
					t.log.Debug("Context cancelled during line delivery", "error", ctx.Err())

					return
				}
			}

			if err == nil {
				continue
			}

			if stderrors.Is(err, io.EOF) {
				t.log.Debug("Input stream reached EOF")

				return
			}

			t.log.Error("Failed reading input", "error", err)

			errs <- fmt.Errorf("read line: %w", err)

			return
		}
	}()

	return lines, errs
}

// WriteMessage writes one frame followed by a newline.
//
// This method is safe for concurrent use.
func (t *Transport) WriteMessage(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return errors.ErrTransportClosed
	}

	// Ensure data ends with newline
	// Use explicit copy to avoid mutating caller's backing array if slice has spare capacity
	if len(data) == 0 || data[len(data)-1] != '\n' {
		newData := make([]byte, len(data)+1)
		copy(newData, data)
		newData[len(data)] = '\n'
		data = newData
	}

	if _, err := t.out.Write(data); err != nil {
		t.log.Error("Failed to write message", "error", err)

		return fmt.Errorf("write to stdout: %w", err)
	}

	return nil
}

// Close stops further writes. It's safe to call Close multiple times.
func (t *Transport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true
}
