// Package link maintains the bridge's one persistent connection to the
// coordinator.
//
// A Link owns the connect/reconnect state machine and a single pending
// request slot. Each application message is one JSON object per websocket
// text frame. Because the coordinator does not echo request ids, an inbound
// frame always resolves whichever request currently occupies the slot; a
// second request attempted while the slot is occupied fails fast with
// ErrRequestInFlight instead of being misrouted.
//
// Connection failures never surface from Connect. They show up as a pending
// request failing with ErrConnectionLost or ErrRequestTimeout, or as later
// requests failing fast with ErrNotConnected while the link redials.
//
// Example usage:
//
//	l := link.New(log, "ws://127.0.0.1:4100/")
//	l.Connect(ctx)
//	defer l.Close()
//
//	raw, err := l.Request(ctx, map[string]any{"action": "list"}, 30*time.Second)
package link
