// Package errors defines error types for the coordination bridge.
//
// This package provides structured error types that wrap the failure
// scenarios a bridge can hit: missing configuration, coordinator transport
// faults, and malformed coordinator payloads. All error types support
// error unwrapping and can be checked using errors.Is, errors.As, and errors.AsType.
package errors
