// Package handler owns the method-name to handler surface consumed by the
// pipe peer and the socket connection.
//
// Ownership boundary:
// - explicit method registration (no naming-convention lookup)
// - inbound call reply path with single-shot terminal replies
// - default handshake handler
package handler
