// Package socket is the reconnecting message-framed transport. A Conn keeps
// one logical RPC session alive across channel episodes and throttles
// interactive calls when too many are outstanding.
//
// Ownership boundary:
// - episode state machine (connecting, open, closed, shutdown)
// - ordered outbound buffering and flush on open
// - binary side-channel framing over text and binary messages
// - websocket dial and accept via gorilla/websocket
// - the server half of a session (Session, Server)
package socket
