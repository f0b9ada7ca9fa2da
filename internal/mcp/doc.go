// Package mcp implements the tool-serving side of the Model Context Protocol
// on top of the jsonrpc server.
//
// A Server holds an ordered registry of tools and answers initialize,
// tools/list and tools/call. Tool handlers return their result object,
// which is serialized as JSON into a single text content block. A failing
// handler produces a JSON-RPC error carrying the handler's message.
package mcp
