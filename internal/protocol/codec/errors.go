package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
)

var (
	ErrTransportClosed   = errors.New("rpc: transport closed")
	ErrNoSuchMethod      = errors.New("rpc: no such method")
	ErrCorrelationFault  = errors.New("rpc: correlation fault")
	ErrMalformedFrame    = errors.New("rpc: malformed frame")
	ErrHandshakeFailure  = errors.New("rpc: handshake failure")
	ErrFrameTooLarge     = errors.New("rpc: frame too large")
	ErrBinaryUnsupported = errors.New("rpc: binary attachments unsupported on line transport")
	ErrShutdown          = errors.New("rpc: connection shut down")
	ErrInvalidEnvelope   = errors.New("rpc: invalid envelope")
	ErrArgIndex          = errors.New("rpc: argument index out of range")

	// ErrProgress marks a non-terminal response. It is not a failure: the
	// pending call stays registered for further responses with the same id.
	ErrProgress = errors.New("rpc: progress")
)

// Wire spellings of the distinguished error values.
const (
	wireProgress     = "progress"
	wireNoSuchMethod = "No such method"
)

// RemoteError is an error value reported by the remote side.
type RemoteError struct {
	Message string
	Raw     json.RawMessage
}

func (e *RemoteError) Error() string {
	return "rpc: remote error: " + e.Message
}

// ErrorValue converts err into the JSON value carried in an envelope's error
// field. A nil error yields nil, which encodes as null.
func ErrorValue(err error) json.RawMessage {
	if err == nil {
		return nil
	}
	var remote *RemoteError
	switch {
	case errors.Is(err, ErrProgress):
		return quote(wireProgress)
	case errors.Is(err, ErrNoSuchMethod):
		return quote(wireNoSuchMethod)
	case errors.As(err, &remote) && len(remote.Raw) > 0:
		return remote.Raw
	default:
		return quote(err.Error())
	}
}

// DecodeError maps an envelope's error field back to a Go error. Absent, null
// and falsy values decode to nil.
func DecodeError(raw json.RawMessage) error {
	trimmed := bytes.TrimSpace(raw)
	switch string(trimmed) {
	case "", "null", "false", "0", `""`:
		return nil
	}
	var msg string
	if err := json.Unmarshal(trimmed, &msg); err == nil {
		switch msg {
		case wireProgress:
			return ErrProgress
		case wireNoSuchMethod:
			return ErrNoSuchMethod
		}
		return &RemoteError{Message: msg, Raw: append(json.RawMessage(nil), trimmed...)}
	}
	return &RemoteError{Message: string(trimmed), Raw: append(json.RawMessage(nil), trimmed...)}
}

// IsProgress reports whether raw is the progress marker.
func IsProgress(raw json.RawMessage) bool {
	return errors.Is(DecodeError(raw), ErrProgress)
}

func quote(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}

func snippet(b []byte) string {
	const max = 64
	s := strings.TrimSpace(string(b))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
