// Package session owns reconnecting socket session policy.
//
// Ownership boundary:
// - reopen backoff schedule
// - session timeouts and limits
// - interactive-call throttle threshold
package session
