package errors

import (
	"errors"
	"fmt"
)

// BridgeError is the base interface for all bridge errors.
type BridgeError interface {
	error
	IsBridgeError() bool
}

// Compile-time verification that all error types implement BridgeError.
var (
	_ BridgeError = (*ConfigError)(nil)
	_ BridgeError = (*CoordinatorError)(nil)
	_ BridgeError = (*DecodeError)(nil)
)

// Sentinel errors for commonly checked conditions.
var (
	// ErrNotConnected indicates the coordinator link is not connected.
	ErrNotConnected = errors.New("not connected to coordinator")

	// ErrRequestTimeout indicates a coordinator round trip timed out.
	ErrRequestTimeout = errors.New("request timeout")

	// ErrRequestInFlight indicates a second coordinator request was attempted
	// while another one is still awaiting its response.
	ErrRequestInFlight = errors.New("coordinator request already in flight")

	// ErrConnectionLost indicates the link dropped while a request was pending.
	ErrConnectionLost = errors.New("coordinator connection lost")

	// ErrLinkClosed indicates the link has been closed and cannot be reused.
	ErrLinkClosed = errors.New("coordinator link closed")

	// ErrTransportClosed indicates the local stdio transport has been closed.
	ErrTransportClosed = errors.New("transport closed")

	// ErrUnknownTool indicates a tools/call named a tool that is not registered.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrRequestCancelled indicates the local caller cancelled the request.
	ErrRequestCancelled = errors.New("request cancelled")
)

// ConfigError indicates a required setting is missing or invalid.
type ConfigError struct {
	Setting string
	Err     error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration %s: %v", e.Setting, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// IsBridgeError implements BridgeError.
func (e *ConfigError) IsBridgeError() bool { return true }

// CoordinatorError indicates the coordinator answered but reported failure.
type CoordinatorError struct {
	Action  string
	Message string
}

func (e *CoordinatorError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("coordinator rejected %s", e.Action)
	}

	return fmt.Sprintf("coordinator rejected %s: %s", e.Action, e.Message)
}

// IsBridgeError implements BridgeError.
func (e *CoordinatorError) IsBridgeError() bool { return true }

// DecodeError indicates a coordinator frame could not be decoded.
// This error preserves the original raw data that failed to parse.
type DecodeError struct {
	RawData string
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode coordinator message: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// IsBridgeError implements BridgeError.
func (e *DecodeError) IsBridgeError() bool { return true }
