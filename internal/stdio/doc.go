// Package stdio implements the line-delimited transport between a worker and
// its bridge.
//
// Requests arrive on the reader one JSON object per line; responses are
// written to the writer one JSON object per line. Writes are serialized so
// concurrent handlers never interleave partial lines. Diagnostics are not
// this package's concern and must go to a different stream.
package stdio
