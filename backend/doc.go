// Package backend connects the bridge to the backend engine: a single
// subprocess that speaks newline-delimited JSON-RPC over its stdin and stdout.
//
// A Link frames the byte streams. Outbound records are written atomically, one
// per line; inbound bytes are accumulated across reads so that a record split
// over several chunks is reassembled before it is parsed. A Process supervises
// the subprocess itself and exposes a Link bound to its pipes.
//
// The backend is an opaque peer. Records are forwarded exactly as received and
// only the routing fields ("id" and "method") are ever decoded.
package backend
