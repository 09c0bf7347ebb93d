// Package pending owns correlation id allocation and outstanding-call
// bookkeeping shared by the pipe and socket transports.
//
// Retention contract:
// - a response whose error is the progress marker is non-terminal; the
// completion runs and the entry is kept
//
// - any other response is terminal and removes the entry
package pending
