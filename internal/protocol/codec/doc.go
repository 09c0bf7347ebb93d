// Package codec owns the request/response envelope and its two wire framings.
//
// Ownership boundary:
// - envelope shape and validation
// - line framing for pipe transports
// - binary side-channel framing for message transports
// - error value mapping and the shared error taxonomy
//
// Line wire: one JSON envelope per line, terminated by a single '\n'.
// Request `{"id","method","params"}`, response `{"id","error","result"}`.
//
// Message wire: zero or more binary frames followed by one text frame. Binary
// positional values are carried as `{"__blob":N}` placeholders indexing the
// binary frames received immediately before the text frame.
package codec
