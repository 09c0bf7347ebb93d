// Package peer is the worker side of a line-framed pipe: it reads requests
// from an input stream, routes them through a handler.Mux and writes one
// response line per request to an output stream.
//
// Ownership boundary:
// - line decoding and request ordering for one pipe
// - serialized writes to the output stream
// - no process management; the controller side lives in package pool
package peer
