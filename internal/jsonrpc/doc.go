// Package jsonrpc implements the responder half of JSON-RPC 2.0 over a
// line-delimited transport.
//
// A Server reads one message per line, routes it through a method table and
// writes at most one response per message. The presence of an "id" member is
// the only thing that separates a request from a notification: requests
// always get exactly one response, notifications never get one, regardless
// of the method name or whether the handler failed.
//
// Each request runs in its own goroutine with a cancellable context, so a
// long-running handler does not stop the server from reading further lines.
// A notifications/cancelled message naming an in-flight request id cancels
// that handler's context; the request still receives its single response.
//
// Lines that are not valid JSON are logged and dropped because they cannot
// be correlated with an id.
package jsonrpc
