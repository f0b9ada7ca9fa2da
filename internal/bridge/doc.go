// Package bridge assembles one bridge process and runs it until its input
// ends or it receives SIGINT or SIGTERM.
//
// Run wires the coordinator link, the stdio transport, the JSON-RPC
// dispatcher, the tool registry and one variant's tools. On the way out it
// cancels in-flight calls, releases any locks still held by the session in a
// single bounded round trip and closes the link.
package bridge
