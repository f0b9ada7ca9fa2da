// Package config loads bridge settings from the process environment.
//
// Every setting is read from a COORDBRIDGE_* variable. Only the coordinator
// port is required; a missing port is a ConfigError and the bridge exits
// before any I/O loop starts.
package config
