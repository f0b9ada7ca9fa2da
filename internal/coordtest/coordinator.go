// Package coordtest provides an in-process websocket coordinator for tests.
package coordtest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Responder computes the reply for an inbound frame. Returning nil sends nothing.
type Responder func(req map[string]any) any

// Coordinator accepts bridge connections and records every frame it receives.
type Coordinator struct {
	t   testing.TB
	srv *httptest.Server

	mu        sync.Mutex
	conn      *websocket.Conn
	connects  int
	respond   Responder
	writeMu   sync.Mutex
	received  chan map[string]any
	requestAt []time.Time
}

// New starts a coordinator that is shut down when the test ends.
func New(t testing.TB) *Coordinator {
	t.Helper()

	c := &Coordinator{
		t:        t,
		received: make(chan map[string]any, 64),
	}

	c.srv = httptest.NewServer(http.HandlerFunc(c.serve))

	t.Cleanup(func() {
		c.Drop()
		c.srv.Close()
	})

	return c
}

func (c *Coordinator) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.t.Errorf("upgrade: %v", err)

		return
	}

	c.mu.Lock()
	c.conn = conn
	c.connects++
	c.mu.Unlock()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var req map[string]any
		if json.Unmarshal(data, &req) != nil {
			continue
		}

		c.mu.Lock()
		c.requestAt = append(c.requestAt, time.Now())
		respond := c.respond
		c.mu.Unlock()

		if respond != nil {
			if reply := respond(req); reply != nil {
				c.write(conn, reply)
			}
		}

		c.received <- req
	}
}

func (c *Coordinator) write(conn *websocket.Conn, v any) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := conn.WriteJSON(v); err != nil {
		c.t.Logf("coordinator write: %v", err)
	}
}

// URL returns the ws:// address of the coordinator.
func (c *Coordinator) URL() string {
	return "ws" + strings.TrimPrefix(c.srv.URL, "http")
}

// Port returns the loopback port the coordinator listens on.
func (c *Coordinator) Port() string {
	return c.srv.URL[strings.LastIndex(c.srv.URL, ":")+1:]
}

// Respond installs an automatic responder for subsequent frames.
func (c *Coordinator) Respond(fn Responder) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.respond = fn
}

// Next returns the next frame received from the bridge.
func (c *Coordinator) Next(timeout time.Duration) map[string]any {
	c.t.Helper()

	select {
	case req := <-c.received:
		return req
	case <-time.After(timeout):
		c.t.Fatalf("coordinator received nothing within %s", timeout)

		return nil
	}
}

// Reply writes v to the most recent connection.
func (c *Coordinator) Reply(v any) {
	c.t.Helper()

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		c.t.Fatal("coordinator has no connection to reply on")
	}

	c.write(conn, v)
}

// ReplyRaw writes a raw text frame to the most recent connection.
func (c *Coordinator) ReplyRaw(data string) {
	c.t.Helper()

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		c.t.Fatal("coordinator has no connection to reply on")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = conn.WriteMessage(websocket.TextMessage, []byte(data))
}

// Drop closes the current connection from the coordinator side.
func (c *Coordinator) Drop() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
}

// Connects returns how many connections have been accepted.
func (c *Coordinator) Connects() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.connects
}

// RequestTimes returns when each frame arrived.
func (c *Coordinator) RequestTimes() []time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]time.Time, len(c.requestAt))
	copy(out, c.requestAt)

	return out
}
