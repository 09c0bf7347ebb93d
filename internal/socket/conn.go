package socket

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/danmuck/duplexrpc/internal/handler"
	"github.com/danmuck/duplexrpc/internal/logging"
	"github.com/danmuck/duplexrpc/internal/observability"
	"github.com/danmuck/duplexrpc/internal/protocol/codec"
	"github.com/danmuck/duplexrpc/internal/protocol/pending"
	"github.com/danmuck/duplexrpc/internal/protocol/session"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type Option func(*Conn)

// WithMux serves inbound requests from the remote side.
func WithMux(m *handler.Mux) Option {
	return func(c *Conn) {
		c.mux = m
	}
}

// WithClock replaces the clock used for reopen timers.
func WithClock(clk clock.Clock) Option {
	return func(c *Conn) {
		if clk != nil {
			c.clk = clk
		}
	}
}

// WithOnOpen runs f after each episode opens and the buffer is flushed.
func WithOnOpen(f func()) Option {
	return func(c *Conn) {
		c.onOpen = f
	}
}

// WithOnClose runs f each time an episode ends, including the final one
// after Shutdown.
func WithOnClose(f func()) Option {
	return func(c *Conn) {
		c.onClose = f
	}
}

// WithReopen replaces the backoff timer. f is called after each unrequested
// close and is expected to call Reconnect when it wants a new episode.
func WithReopen(f func()) Option {
	return func(c *Conn) {
		c.reopen = f
	}
}

func WithIDSource(ids *pending.IDSource) Option {
	return func(c *Conn) {
		if ids != nil {
			c.registry = pending.NewRegistryWithIDs(ids)
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Conn) {
		c.log = l
	}
}

type deferredCall struct {
	method string
	params []any
	done   pending.Completion
}

// Conn is the client side of a reconnecting socket session. Outstanding
// calls survive channel episodes; only Shutdown is terminal.
type Conn struct {
	dialer    Dialer
	cfg       session.Config
	mux       *handler.Mux
	clk       clock.Clock
	log       zerolog.Logger
	registry  *pending.Registry
	backoff   *session.Backoff
	sessionID string
	onOpen    func()
	onClose   func()
	reopen    func()

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	state       State
	ch          Channel
	outbox      []codec.Envelope
	episode     uint64
	timer       *clock.Timer
	interactive *deferredCall
}

// Dial starts the first connection episode and returns immediately in
// StateConnecting. Calls made before the channel opens are buffered.
func Dial(ctx context.Context, dialer Dialer, cfg session.Config, opts ...Option) *Conn {
	cfg = cfg.WithDefaults()
	c := &Conn{
		dialer:    dialer,
		cfg:       cfg,
		clk:       clock.New(),
		registry:  pending.NewRegistry(),
		backoff:   session.NewBackoff(cfg.Backoff, nil),
		sessionID: uuid.NewString(),
		state:     StateConnecting,
		episode:   1,
	}
	c.log = logging.Component("socket")
	for _, opt := range opts {
		opt(c)
	}
	c.mux = handler.WithDefaultHandshake(c.mux)
	c.log = c.log.With().Str("session", c.sessionID).Logger()
	c.ctx, c.cancel = context.WithCancel(ctx)
	go c.run(c.episode)
	return c
}

func (c *Conn) SessionID() string {
	return c.sessionID
}

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// PendingCount is the number of calls awaiting a terminal response.
func (c *Conn) PendingCount() int {
	return c.registry.PendingCount()
}

// Backoff is the delay the next reopen would wait.
func (c *Conn) Backoff() time.Duration {
	return c.backoff.Current()
}

// RPC sends a call and returns without waiting. done receives progress
// replies and then the terminal reply from the read goroutine. The call is
// buffered if the channel is not open; it stays pending across reconnects
// and is never retransmitted.
func (c *Conn) RPC(method string, done pending.Completion, params ...any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rpcLocked(method, done, params)
}

// InteractiveRPC sends the call like RPC while fewer than the interactive
// threshold are outstanding. Otherwise it replaces the single deferred slot;
// a call it replaces is dropped without its completion being called. The
// slot is sent once a completion brings the count back under the threshold.
func (c *Conn) InteractiveRPC(method string, done pending.Completion, params ...any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateShutdown {
		return codec.ErrShutdown
	}
	// The registry count drops before the read loop pumps the slot, so a
	// call made from a completion may go out directly while the slot stays
	// parked until the next completion.
	if c.registry.PendingCount() < c.cfg.InteractiveThreshold {
		return c.rpcLocked(method, done, params)
	}
	if c.interactive != nil {
		observability.RecordInteractiveCoalesced()
		c.log.Debug().Str("method", c.interactive.method).Msg("interactive call replaced")
	}
	c.interactive = &deferredCall{method: method, params: params, done: done}
	return nil
}

// Call sends method and waits for its terminal reply.
func (c *Conn) Call(ctx context.Context, method string, params ...any) (pending.Reply, error) {
	ch := make(chan pending.Reply, 1)
	err := c.RPC(method, func(r pending.Reply) {
		if r.Progress() {
			return
		}
		select {
		case ch <- r:
		default:
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

// Reconnect starts a new episode if the connection is closed. It is the
// hook a WithReopen strategy calls.
func (c *Conn) Reconnect() {
	c.mu.Lock()
	if c.state != StateClosed {
		c.mu.Unlock()
		return
	}
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.episode++
	ep := c.episode
	c.state = StateConnecting
	c.mu.Unlock()
	c.log.Info().Uint64("episode", ep).Msg("reopening")
	go c.run(ep)
}

// Shutdown closes the channel and stops reconnecting. Pending calls are left
// unanswered unless FailPendingOnClose is set.
func (c *Conn) Shutdown() error {
	c.mu.Lock()
	if c.state == StateShutdown {
		c.mu.Unlock()
		return nil
	}
	c.state = StateShutdown
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	ch := c.ch
	c.outbox = nil
	c.interactive = nil
	c.mu.Unlock()

	c.log.Info().Msg("shutdown")
	c.cancel()
	if ch == nil {
		return nil
	}
	return ch.Close()
}

func (c *Conn) rpcLocked(method string, done pending.Completion, params []any) error {
	if c.state == StateShutdown {
		return codec.ErrShutdown
	}
	id := c.registry.NewID()
	env, err := codec.NewRequest(id, method, params...)
	if err != nil {
		return err
	}
	c.registry.Add(id, method, done)
	c.log.Debug().Int64("id", id).Str("method", method).Msg("tx")
	return c.sendLocked(env)
}

// send is the reply path for inbound requests.
func (c *Conn) send(env codec.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateShutdown {
		return codec.ErrShutdown
	}
	return c.sendLocked(env)
}

func (c *Conn) sendLocked(env codec.Envelope) error {
	if c.state != StateOpen || c.ch == nil {
		c.outbox = append(c.outbox, env)
		return nil
	}
	if err := writeEnvelope(c.ch, env); err != nil {
		c.log.Warn().Int64("id", env.ID).Err(err).Msg("write failed, closing channel")
		_ = c.ch.Close()
		return fmt.Errorf("%w: %v", codec.ErrTransportClosed, err)
	}
	return nil
}

func (c *Conn) run(ep uint64) {
	dctx, cancel := context.WithTimeout(c.ctx, c.cfg.HandshakeTimeout)
	ch, err := c.dialer.Dial(dctx)
	cancel()
	if err != nil {
		c.log.Warn().Uint64("episode", ep).Err(err).Msg("dial failed")
		c.closed(ep, false)
		return
	}

	c.mu.Lock()
	if c.state != StateConnecting || c.episode != ep {
		c.mu.Unlock()
		_ = ch.Close()
		return
	}
	c.ch = ch
	c.state = StateOpen
	buffered := c.outbox
	c.outbox = nil
	for i, env := range buffered {
		if err := writeEnvelope(ch, env); err != nil {
			c.log.Warn().Err(err).Int("unsent", len(buffered)-i).Msg("flush failed")
			_ = ch.Close()
			break
		}
	}
	c.backoff.Reset()
	c.mu.Unlock()

	observability.RecordSocketEpisode("open")
	c.log.Info().Uint64("episode", ep).Int("flushed", len(buffered)).Msg("opened")
	if c.onOpen != nil {
		c.onOpen()
	}
	c.readLoop(ch)
	c.closed(ep, true)
}

func (c *Conn) readLoop(ch Channel) {
	r := router{mux: c.mux, registry: c.registry, send: c.send, log: c.log}
	var dec codec.FrameDecoder
	for {
		kind, data, err := ch.ReadMessage()
		if err != nil {
			c.log.Debug().Err(err).Msg("read ended")
			break
		}
		env, ok, err := dec.Push(codec.Frame{Kind: kind, Data: data})
		if err != nil {
			// The stream position is unknown after a bad text frame, so the
			// episode is abandoned.
			c.log.Error().Err(err).Msg("malformed message, resetting channel")
			break
		}
		if !ok {
			continue
		}
		if r.route(env) {
			c.pumpInteractive()
		}
	}
	_ = ch.Close()
}

func (c *Conn) pumpInteractive() {
	c.mu.Lock()
	tip := c.interactive
	if tip == nil || c.registry.PendingCount() >= c.cfg.InteractiveThreshold {
		c.mu.Unlock()
		return
	}
	c.interactive = nil
	err := c.rpcLocked(tip.method, tip.done, tip.params)
	c.mu.Unlock()
	if err != nil && !errors.Is(err, codec.ErrTransportClosed) && tip.done != nil {
		tip.done(pending.Reply{Method: tip.method, Err: err})
	}
}

// closed ends episode ep. opened is false when the dial itself failed.
func (c *Conn) closed(ep uint64, opened bool) {
	c.mu.Lock()
	if c.episode != ep {
		c.mu.Unlock()
		return
	}
	shutdown := c.state == StateShutdown
	if !shutdown {
		c.state = StateClosed
	}
	c.ch = nil
	discarded := len(c.outbox)
	c.outbox = nil
	c.mu.Unlock()

	if opened {
		observability.RecordSocketEpisode("closed")
	} else {
		observability.RecordSocketEpisode("failed")
	}
	c.log.Info().Uint64("episode", ep).Bool("opened", opened).Int("discarded", discarded).Msg("closed")

	if c.cfg.FailPendingOnClose {
		for _, entry := range c.registry.Drain() {
			if entry.Done != nil {
				entry.Done(pending.Reply{ID: entry.ID, Method: entry.Method, Err: codec.ErrTransportClosed})
			}
		}
	}
	if shutdown && !opened {
		return
	}
	if c.onClose != nil {
		c.onClose()
	}
	if shutdown {
		return
	}
	if c.reopen != nil {
		c.reopen()
		return
	}

	delay := c.backoff.Next()
	c.mu.Lock()
	if c.state == StateClosed && c.episode == ep {
		c.timer = c.clk.AfterFunc(delay, c.Reconnect)
	}
	c.mu.Unlock()
	c.log.Info().Dur("delay", delay).Msg("reopen scheduled")
}
