package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/danmuck/duplexrpc/internal/handler"
	"github.com/danmuck/duplexrpc/internal/logging"
	"github.com/danmuck/duplexrpc/internal/observability"
	"github.com/danmuck/duplexrpc/internal/protocol/codec"
	"github.com/danmuck/duplexrpc/internal/protocol/pending"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

var ErrSpawnerRequired = errors.New("pool: spawner required")

// FrameAction tells the pool what to do with a line it could not decode.
type FrameAction int

const (
	// FrameReset kills the worker and fails its outstanding calls.
	FrameReset FrameAction = iota
	// FrameSkip drops the line and keeps reading.
	FrameSkip
)

// FramePolicy decides how a worker's malformed line is handled.
type FramePolicy func(worker int, raw []byte, err error) FrameAction

// ResetOnMalformed is the default FramePolicy.
func ResetOnMalformed(int, []byte, error) FrameAction {
	return FrameReset
}

type Option func(*Pool)

func WithFramePolicy(policy FramePolicy) Option {
	return func(p *Pool) {
		if policy != nil {
			p.policy = policy
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(p *Pool) {
		p.log = l
	}
}

// WithIDSource shares an id counter across transports.
func WithIDSource(ids *pending.IDSource) Option {
	return func(p *Pool) {
		if ids != nil {
			p.ids = ids
		}
	}
}

type worker struct {
	index int
	name  string
	proc  Process

	// Guarded by Pool.mu.
	queue   []pending.Entry
	out     [][]byte
	dead    bool
	closing bool
	cause   error

	wake    chan struct{}
	done    chan struct{}
	exitErr error
}

// Pool drives a fixed set of worker processes over line-framed pipes. Calls
// go to the live worker with the fewest outstanding calls, and each worker
// answers its calls in the order it received them.
type Pool struct {
	cfg    Config
	ids    *pending.IDSource
	policy FramePolicy
	log    zerolog.Logger
	now    func() time.Time

	mu      sync.Mutex
	workers []*worker
	closed  bool
}

// New spawns cfg.Workers workers. A nil spawner runs cfg.Command locally. If
// any spawn fails the workers already started are killed.
func New(ctx context.Context, cfg Config, spawner Spawner, opts ...Option) (*Pool, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if spawner == nil {
		if cfg.Command == "" {
			return nil, ErrSpawnerRequired
		}
		spawner = NewExecSpawner(cfg)
	}
	p := &Pool{
		cfg:    cfg,
		ids:    pending.NewIDSource(),
		policy: ResetOnMalformed,
		log:    logging.Component("pool").With().Str("pool", cfg.Name).Logger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}

	for i := 0; i < cfg.Workers; i++ {
		proc, err := spawner.Spawn(ctx, i)
		if err != nil {
			for _, w := range p.workers {
				_ = w.proc.Kill()
			}
			return nil, fmt.Errorf("pool: spawn %s%d: %w", cfg.Name, i, err)
		}
		p.workers = append(p.workers, &worker{
			index: i,
			name:  fmt.Sprintf("%s%d", cfg.Name, i),
			proc:  proc,
			wake:  make(chan struct{}, 1),
			done:  make(chan struct{}),
		})
	}
	for _, w := range p.workers {
		go p.writeLoop(w)
		go p.readLoop(w)
	}
	p.log.Info().Int("workers", cfg.Workers).Msg("pool started")
	return p, nil
}

func (p *Pool) Size() int {
	return len(p.workers)
}

// Live returns the number of workers that have not exited.
func (p *Pool) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, w := range p.workers {
		if !w.dead {
			n++
		}
	}
	return n
}

// QueueLens returns each worker's outstanding call count. Dead workers
// report 0.
func (p *Pool) QueueLens() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]int, len(p.workers))
	for i, w := range p.workers {
		out[i] = len(w.queue)
	}
	return out
}

// Dispatch sends one call and returns without waiting. done receives any
// progress replies and then exactly one terminal reply, on the worker's
// reader goroutine.
func (p *Pool) Dispatch(method string, done pending.Completion, params ...any) {
	id := p.ids.Next()
	line, err := encodeRequest(id, method, params)
	if err != nil {
		complete(done, pending.Reply{ID: id, Method: method, Err: err})
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		complete(done, pending.Reply{ID: id, Method: method, Err: fmt.Errorf("%w: %w", codec.ErrTransportClosed, codec.ErrShutdown)})
		return
	}
	w := p.chooseLocked()
	if w == nil {
		p.mu.Unlock()
		complete(done, pending.Reply{ID: id, Method: method, Err: fmt.Errorf("%w: no live worker in pool %s", codec.ErrTransportClosed, p.cfg.Name)})
		return
	}
	p.enqueueLocked(w, pending.Entry{ID: id, Method: method, IssuedAt: p.now(), Done: done}, line)
	p.mu.Unlock()
	observability.RecordPoolCall(p.cfg.Name, method)
}

// Call dispatches method and waits for the terminal reply. Progress replies
// are discarded. The returned error is the reply's error or ctx's.
func (p *Pool) Call(ctx context.Context, method string, params ...any) (pending.Reply, error) {
	ch := make(chan pending.Reply, 1)
	p.Dispatch(method, terminalOnly(ch), params...)
	return awaitReply(ctx, ch)
}

// Handshake sends a handshake call to every live worker concurrently and
// succeeds only if every worker answers without error.
func (p *Pool) Handshake(ctx context.Context) error {
	p.mu.Lock()
	live := make([]*worker, 0, len(p.workers))
	for _, w := range p.workers {
		if !w.dead && !w.closing {
			live = append(live, w)
		}
	}
	p.mu.Unlock()
	if len(live) == 0 {
		return fmt.Errorf("%w: no live worker in pool %s", codec.ErrHandshakeFailure, p.cfg.Name)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range live {
		w := w
		g.Go(func() error {
			if _, err := p.callWorker(gctx, w, handler.HandshakeMethod); err != nil {
				return fmt.Errorf("worker %s: %w", w.name, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("%w: %w", codec.ErrHandshakeFailure, err)
	}
	p.log.Debug().Int("workers", len(live)).Msg("handshake complete")
	return nil
}

// Close ends every worker's input once its queued writes are flushed and
// waits for the workers to exit. Workers still running when ctx ends are
// killed. Calls outstanding at exit fail with ErrTransportClosed.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	live := make([]*worker, 0, len(p.workers))
	for _, w := range p.workers {
		if !w.dead {
			live = append(live, w)
		}
		w.closing = true
		signal(w.wake)
	}
	p.mu.Unlock()

	var errs error
	for _, w := range live {
		select {
		case <-w.done:
		case <-ctx.Done():
			errs = multierr.Append(errs, w.proc.Kill())
			<-w.done
		}
		errs = multierr.Append(errs, w.exitErr)
	}
	p.log.Info().Err(errs).Msg("pool closed")
	return errs
}

func (p *Pool) callWorker(ctx context.Context, w *worker, method string, params ...any) (pending.Reply, error) {
	id := p.ids.Next()
	line, err := encodeRequest(id, method, params)
	if err != nil {
		return pending.Reply{}, err
	}
	ch := make(chan pending.Reply, 1)
	p.mu.Lock()
	if w.dead || w.closing {
		p.mu.Unlock()
		return pending.Reply{}, codec.ErrTransportClosed
	}
	p.enqueueLocked(w, pending.Entry{ID: id, Method: method, IssuedAt: p.now(), Done: terminalOnly(ch)}, line)
	p.mu.Unlock()
	observability.RecordPoolCall(p.cfg.Name, method)
	return awaitReply(ctx, ch)
}

// chooseLocked returns the live worker with the shortest queue, lowest index
// on ties.
func (p *Pool) chooseLocked() *worker {
	var best *worker
	for _, w := range p.workers {
		if w.dead || w.closing {
			continue
		}
		if best == nil || len(w.queue) < len(best.queue) {
			best = w
		}
	}
	return best
}

// enqueueLocked records entry and queues its line in the same critical
// section so wire order matches queue order.
func (p *Pool) enqueueLocked(w *worker, entry pending.Entry, line []byte) {
	w.queue = append(w.queue, entry)
	w.out = append(w.out, line)
	signal(w.wake)
}

func (p *Pool) writeLoop(w *worker) {
	stdin := w.proc.Stdin()
	for {
		select {
		case <-w.wake:
		case <-w.done:
			return
		}
		p.mu.Lock()
		batch := w.out
		w.out = nil
		closing := w.closing
		p.mu.Unlock()

		for _, line := range batch {
			if _, err := stdin.Write(line); err != nil {
				p.fail(w, fmt.Errorf("%w: write to %s: %v", codec.ErrTransportClosed, w.name, err))
				return
			}
		}
		if closing {
			p.mu.Lock()
			flushed := len(w.out) == 0
			p.mu.Unlock()
			if flushed {
				if err := stdin.Close(); err != nil {
					p.log.Debug().Err(err).Str("worker", w.name).Msg("close stdin")
				}
				return
			}
			signal(w.wake)
		}
	}
}

func (p *Pool) readLoop(w *worker) {
	lr := codec.NewLineReader(w.proc.Stdout(), p.cfg.MaxLineBytes)
	for {
		env, raw, err := lr.ReadEnvelope()
		if err != nil {
			if errors.Is(err, codec.ErrMalformedFrame) && p.policy(w.index, raw, err) == FrameSkip {
				p.log.Warn().Str("worker", w.name).Err(err).Msg("skipping malformed line")
				continue
			}
			if errors.Is(err, codec.ErrMalformedFrame) || errors.Is(err, codec.ErrFrameTooLarge) {
				p.log.Error().Str("worker", w.name).Err(err).Msg("resetting worker after bad frame")
				p.fail(w, fmt.Errorf("%w: %w", codec.ErrTransportClosed, err))
			} else if !errors.Is(err, io.EOF) {
				p.log.Debug().Str("worker", w.name).Err(err).Msg("worker output ended")
			}
			break
		}
		if env.IsRequest() {
			p.log.Warn().Str("worker", w.name).Str("method", env.Method).Msg("ignoring request from worker")
			continue
		}
		p.handleResponse(w, env)
	}
	p.retire(w)
}

func (p *Pool) handleResponse(w *worker, env codec.Envelope) {
	reply := pending.ReplyFromEnvelope(env)
	p.mu.Lock()
	if len(w.queue) == 0 {
		p.mu.Unlock()
		observability.RecordCorrelationFault(p.cfg.Name)
		p.log.Error().Str("worker", w.name).Int64("id", env.ID).Msg("response with no outstanding call")
		return
	}
	entry := w.queue[0]
	if !reply.Progress() {
		w.queue[0] = pending.Entry{}
		w.queue = w.queue[1:]
	}
	p.mu.Unlock()

	if entry.ID != env.ID {
		observability.RecordCorrelationFault(p.cfg.Name)
		p.log.Error().
			Str("worker", w.name).
			Int64("id", env.ID).
			Int64("expected", entry.ID).
			Str("method", entry.Method).
			Err(codec.ErrCorrelationFault).
			Msg("unknown id")
	}
	reply.Method = entry.Method
	if !reply.Progress() {
		elapsed := p.now().Sub(entry.IssuedAt)
		observability.RecordPoolCompletion(p.cfg.Name, entry.Method, reply.Err != nil, elapsed)
		if p.cfg.Verbosity >= 1 {
			ev := p.log.Info()
			if reply.Err != nil {
				ev = p.log.Error().Err(reply.Err)
			}
			ev.Str("worker", w.name).Str("method", entry.Method).Dur("latency", elapsed).Msg("rx")
		}
	}
	complete(entry.Done, reply)
}

// fail records the first failure cause for w and kills it. The reader then
// observes end of output and retires the worker.
func (p *Pool) fail(w *worker, cause error) {
	p.mu.Lock()
	if w.cause == nil {
		w.cause = cause
	}
	p.mu.Unlock()
	if err := w.proc.Kill(); err != nil {
		p.log.Debug().Str("worker", w.name).Err(err).Msg("kill")
	}
}

// retire waits for the process, marks the worker dead and fails its queue.
// Other workers are untouched and the worker is not restarted.
func (p *Pool) retire(w *worker) {
	waitErr := w.proc.Wait()

	p.mu.Lock()
	w.dead = true
	queue := w.queue
	w.queue = nil
	w.out = nil
	cause := w.cause
	closing := w.closing
	w.exitErr = waitErr
	p.mu.Unlock()
	close(w.done)

	reason := "exit"
	switch {
	case cause != nil:
		reason = "reset"
	case closing:
		reason = "close"
	}
	if cause == nil {
		cause = fmt.Errorf("%w: worker %s exited", codec.ErrTransportClosed, w.name)
		if waitErr != nil {
			cause = fmt.Errorf("%w: worker %s exited: %v", codec.ErrTransportClosed, w.name, waitErr)
		}
	}
	observability.RecordWorkerExit(p.cfg.Name, reason)
	p.log.Info().Str("worker", w.name).Str("reason", reason).Int("failed", len(queue)).AnErr("wait", waitErr).Msg("worker exited")

	for _, entry := range queue {
		complete(entry.Done, pending.Reply{ID: entry.ID, Method: entry.Method, Err: cause})
	}
}

func encodeRequest(id int64, method string, params []any) ([]byte, error) {
	env, err := codec.NewRequest(id, method, params...)
	if err != nil {
		return nil, err
	}
	return codec.EncodeLine(env)
}

func complete(done pending.Completion, reply pending.Reply) {
	if done != nil {
		done(reply)
	}
}

func terminalOnly(ch chan<- pending.Reply) pending.Completion {
	return func(r pending.Reply) {
		if r.Progress() {
			return
		}
		select {
		case ch <- r:
		default:
		}
	}
}

func awaitReply(ctx context.Context, ch <-chan pending.Reply) (pending.Reply, error) {
	select {
	case r := <-ch:
		return r, r.Err
	case <-ctx.Done():
		return pending.Reply{}, ctx.Err()
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
