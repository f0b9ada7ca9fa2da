// Package permission implements the approval side of the coordination bridge.
//
// A Bridge forwards a worker's request to run a tool to the coordinator and
// waits, without a timeout, for the allow or deny decision. Every failure
// along the way (not connected, a second approval already pending, a dropped
// connection, an unreadable reply, cancellation, even a panic) is turned into
// a deny decision carrying the error message, so the worker always receives
// a terminal answer.
package permission
