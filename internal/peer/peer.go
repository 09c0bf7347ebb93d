package peer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/danmuck/duplexrpc/internal/handler"
	"github.com/danmuck/duplexrpc/internal/logging"
	"github.com/danmuck/duplexrpc/internal/protocol/codec"
	"github.com/rs/zerolog"
)

// FramePolicy decides what happens to an input line that does not decode.
// Returning nil skips the line; returning an error ends Serve with it.
type FramePolicy func(raw []byte, err error) error

// FailOnMalformed is the default FramePolicy.
func FailOnMalformed(_ []byte, err error) error {
	return err
}

// SkipMalformed drops undecodable lines and keeps serving.
func SkipMalformed([]byte, error) error {
	return nil
}

type Option func(*Endpoint)

func WithFramePolicy(policy FramePolicy) Option {
	return func(e *Endpoint) {
		if policy != nil {
			e.policy = policy
		}
	}
}

func WithMaxLineBytes(n int) Option {
	return func(e *Endpoint) {
		e.maxLine = n
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(e *Endpoint) {
		e.log = l
	}
}

// Endpoint serves one request stream.
type Endpoint struct {
	r       io.Reader
	mux     *handler.Mux
	policy  FramePolicy
	maxLine int
	log     zerolog.Logger

	wmu sync.Mutex
	w   io.Writer
}

// New builds an endpoint over r and w. A handshake handler is added to mux
// unless it already has one.
func New(r io.Reader, w io.Writer, mux *handler.Mux, opts ...Option) *Endpoint {
	e := &Endpoint{
		r:       r,
		w:       w,
		mux:     handler.WithDefaultHandshake(mux),
		policy:  FailOnMalformed,
		maxLine: codec.DefaultMaxLineBytes,
		log:     logging.Component("peer"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Serve handles requests until the input ends, a frame policy fails, or ctx
// is done. A clean end of input returns nil. Requests are handled one at a
// time in arrival order: the next line is read only after the current call
// has sent its terminal reply, which a handler may do from another
// goroutine.
//
// A read blocked on r outlives a cancelled Serve until r returns; lines read
// after cancellation are discarded. Close r to release it.
func (e *Endpoint) Serve(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		errc <- e.serve(ctx)
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Endpoint) serve(ctx context.Context) error {
	lr := codec.NewLineReader(e.r, e.maxLine)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		env, raw, err := lr.ReadEnvelope()
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			e.log.Debug().Msg("input closed")
			return nil
		case errors.Is(err, codec.ErrMalformedFrame):
			if perr := e.policy(raw, err); perr != nil {
				e.log.Error().Err(perr).Msg("malformed request line")
				return perr
			}
			e.log.Warn().Err(err).Msg("skipping malformed request line")
			continue
		default:
			return fmt.Errorf("peer: read: %w", err)
		}

		if !env.IsRequest() {
			e.log.Warn().Int64("id", env.ID).Msg("ignoring non-request envelope")
			continue
		}
		call := handler.NewCall(env, e.send)
		handler.Dispatch(e.mux, call)
		select {
		case <-call.Finished():
		case <-ctx.Done():
			e.log.Warn().Int64("id", call.ID).Str("method", call.Method).Msg("abandoned call without reply")
			return ctx.Err()
		}
	}
}

func (e *Endpoint) send(env codec.Envelope) error {
	e.wmu.Lock()
	defer e.wmu.Unlock()
	line, err := codec.EncodeLine(env)
	if errors.Is(err, codec.ErrBinaryUnsupported) && !codec.IsProgress(env.Error) {
		// The caller still gets a terminal line for this id. A progress line
		// is refused outright so the id never sees two terminal lines.
		if fallback, ferr := codec.NewResponse(env.ID, err); ferr == nil {
			line, err = codec.EncodeLine(fallback)
		}
	}
	if err != nil {
		return err
	}
	if _, err := e.w.Write(line); err != nil {
		e.log.Error().Int64("id", env.ID).Err(err).Msg("write response")
		return err
	}
	return nil
}
