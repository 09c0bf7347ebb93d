package socket

import (
	"context"

	"github.com/danmuck/duplexrpc/internal/protocol/codec"
)

// Message kinds carried by a Channel.
const (
	MessageText   = codec.FrameText
	MessageBinary = codec.FrameBinary
)

// Channel is one open message channel. ReadMessage is called from a single
// goroutine; WriteMessage and Close may be called concurrently with it.
type Channel interface {
	ReadMessage() (codec.FrameKind, []byte, error)
	WriteMessage(kind codec.FrameKind, data []byte) error
	Close() error
}

// Dialer opens a new Channel for each connection episode.
type Dialer interface {
	Dial(ctx context.Context) (Channel, error)
}

type DialFunc func(ctx context.Context) (Channel, error)

func (f DialFunc) Dial(ctx context.Context) (Channel, error) {
	return f(ctx)
}

// State is the episode state of a Conn.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

func writeEnvelope(ch Channel, env codec.Envelope) error {
	frames, err := codec.EncodeFrames(env)
	if err != nil {
		return err
	}
	for _, f := range frames {
		if err := ch.WriteMessage(f.Kind, f.Data); err != nil {
			return err
		}
	}
	return nil
}
