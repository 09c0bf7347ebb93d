package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/danmuck/duplexrpc/internal/logging"
	"github.com/danmuck/duplexrpc/internal/protocol/codec"
)

// ErrReplied is returned when a call is answered after its terminal reply.
var ErrReplied = errors.New("handler: call already replied")

// SendFunc writes one response envelope for a call.
type SendFunc func(codec.Envelope) error

// Call is one inbound request and its reply path.
type Call struct {
	ID     int64
	Method string
	Params []json.RawMessage
	Blobs  [][]byte

	send     SendFunc
	mu       sync.Mutex
	done     bool
	finished chan struct{}
}

// NewCall binds a decoded request to the function that writes its responses.
func NewCall(env codec.Envelope, send SendFunc) *Call {
	return &Call{
		ID:       env.ID,
		Method:   env.Method,
		Params:   env.Params,
		Blobs:    env.Blobs,
		send:     send,
		finished: make(chan struct{}),
	}
}

func (c *Call) NumParams() int {
	return len(c.Params)
}

// Decode decodes the i-th positional parameter into v.
func (c *Call) Decode(i int, v any) error {
	return codec.DecodeArg(c.Params, c.Blobs, i, v)
}

// Progress sends a non-terminal response. It fails once the call is done.
func (c *Call) Progress(results ...any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return ErrReplied
	}
	env, err := codec.NewResponse(c.ID, codec.ErrProgress, results...)
	if err != nil {
		return err
	}
	return c.send(env)
}

// Reply sends the terminal response. Only the first Reply is written.
func (c *Call) Reply(err error, results ...any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		l := logging.Component("handler")
		l.Warn().Int64("id", c.ID).Str("method", c.Method).Msg("reply after terminal response dropped")
		return ErrReplied
	}
	if errors.Is(err, codec.ErrProgress) {
		return fmt.Errorf("handler: progress is not a terminal reply")
	}
	c.done = true
	defer close(c.finished)
	env, mErr := codec.NewResponse(c.ID, err, results...)
	if mErr != nil {
		env, _ = codec.NewResponse(c.ID, mErr)
	}
	return c.send(env)
}

// Done reports whether the terminal reply was sent.
func (c *Call) Done() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Finished is closed once the terminal reply has been sent.
func (c *Call) Finished() <-chan struct{} {
	return c.finished
}

// Dispatch routes call to its handler. Unknown methods get a terminal
// no-such-method reply; a panicking handler that had not replied gets an
// error reply.
func Dispatch(m *Mux, call *Call) {
	h, ok := m.Lookup(call.Method)
	if !ok {
		l := logging.Component("handler")
		l.Warn().Int64("id", call.ID).Str("method", call.Method).Msg("no such method")
		_ = call.Reply(fmt.Errorf("%w: %s", codec.ErrNoSuchMethod, call.Method))
		return
	}
	defer func() {
		if r := recover(); r != nil {
			l := logging.Component("handler")
			l.Error().Int64("id", call.ID).Str("method", call.Method).Interface("panic", r).Msg("handler panicked")
			if !call.Done() {
				_ = call.Reply(fmt.Errorf("handler %s panicked: %v", call.Method, r))
			}
		}
	}()
	h.ServeRPC(call)
}
