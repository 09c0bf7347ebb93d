package socket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/danmuck/duplexrpc/internal/handler"
	"github.com/danmuck/duplexrpc/internal/logging"
	"github.com/danmuck/duplexrpc/internal/protocol/codec"
	"github.com/danmuck/duplexrpc/internal/protocol/pending"
	"github.com/danmuck/duplexrpc/internal/protocol/session"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Session is the accepting side of one channel. It serves the mux to the
// remote and can call back into it. A Session does not reconnect; when the
// channel ends its outstanding calls fail with ErrTransportClosed.
type Session struct {
	id       string
	ch       Channel
	mux      *handler.Mux
	registry *pending.Registry
	log      zerolog.Logger

	mu     sync.Mutex
	closed bool
}

func NewSession(ch Channel, mux *handler.Mux) *Session {
	id := uuid.NewString()
	return &Session{
		id:       id,
		ch:       ch,
		mux:      handler.WithDefaultHandshake(mux),
		registry: pending.NewRegistry(),
		log:      logging.Component("socket").With().Str("session", id).Str("side", "server").Logger(),
	}
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) PendingCount() int {
	return s.registry.PendingCount()
}

// RPC calls method on the remote side.
func (s *Session) RPC(method string, done pending.Completion, params ...any) error {
	id := s.registry.NewID()
	env, err := codec.NewRequest(id, method, params...)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return codec.ErrTransportClosed
	}
	s.registry.Add(id, method, done)
	if err := writeEnvelope(s.ch, env); err != nil {
		s.registry.Get(id)
		return fmt.Errorf("%w: %v", codec.ErrTransportClosed, err)
	}
	return nil
}

// Call calls method on the remote side and waits for the terminal reply.
func (s *Session) Call(ctx context.Context, method string, params ...any) (pending.Reply, error) {
	ch := make(chan pending.Reply, 1)
	err := s.RPC(method, func(r pending.Reply) {
		if !r.Progress() {
			ch <- r
		}
	}, params...)
	if err != nil {
		return pending.Reply{}, err
	}
	select {
	case r := <-ch:
		return r, r.Err
	case <-ctx.Done():
		return pending.Reply{}, ctx.Err()
	}
}

// Serve reads until the channel ends or ctx is done. A malformed message
// ends the session with ErrMalformedFrame.
func (s *Session) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	r := router{mux: s.mux, registry: s.registry, send: s.send, log: s.log}
	var dec codec.FrameDecoder
	var result error
	for {
		kind, data, err := s.ch.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				result = ctx.Err()
			} else if !errors.Is(err, codec.ErrTransportClosed) {
				s.log.Debug().Err(err).Msg("read ended")
			}
			break
		}
		env, ok, err := dec.Push(codec.Frame{Kind: kind, Data: data})
		if err != nil {
			s.log.Error().Err(err).Msg("malformed message")
			result = err
			break
		}
		if ok {
			r.route(env)
		}
	}
	_ = s.Close()
	for _, entry := range s.registry.Drain() {
		if entry.Done != nil {
			entry.Done(pending.Reply{ID: entry.ID, Method: entry.Method, Err: codec.ErrTransportClosed})
		}
	}
	return result
}

func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.ch.Close()
}

func (s *Session) send(env codec.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return codec.ErrTransportClosed
	}
	return writeEnvelope(s.ch, env)
}

type ServerOption func(*Server)

// WithSessionHook runs f for each accepted session before it is served. f
// must not block; calls back to the remote belong on their own goroutine.
func WithSessionHook(f func(*Session)) ServerOption {
	return func(s *Server) {
		s.onSession = f
	}
}

func WithUpgrader(u websocket.Upgrader) ServerOption {
	return func(s *Server) {
		s.upgrader = u
	}
}

// Server accepts websocket sessions over HTTP and serves mux on each.
type Server struct {
	mux       *handler.Mux
	cfg       session.Config
	upgrader  websocket.Upgrader
	onSession func(*Session)
	log       zerolog.Logger
	active    atomic.Int64
}

func NewServer(mux *handler.Mux, cfg session.Config, opts ...ServerOption) *Server {
	s := &Server{
		mux: handler.WithDefaultHandshake(mux),
		cfg: cfg.WithDefaults(),
		log: logging.Component("socket").With().Str("side", "server").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Active is the number of sessions being served.
func (s *Server) Active() int {
	return int(s.active.Load())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Str("remote", r.RemoteAddr).Err(err).Msg("upgrade failed")
		return
	}
	sess := NewSession(NewWebSocketChannel(conn, s.cfg.WriteTimeout, s.cfg.MaxMessageBytes), s.mux)
	s.active.Add(1)
	defer s.active.Add(-1)
	s.log.Info().Str("remote", r.RemoteAddr).Str("session", sess.ID()).Msg("session accepted")
	if s.onSession != nil {
		s.onSession(sess)
	}
	if err := sess.Serve(r.Context()); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn().Str("session", sess.ID()).Err(err).Msg("session ended")
		return
	}
	s.log.Info().Str("session", sess.ID()).Msg("session ended")
}
