package socket

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/danmuck/duplexrpc/internal/handler"
	"github.com/danmuck/duplexrpc/internal/protocol/codec"
	"github.com/danmuck/duplexrpc/internal/protocol/pending"
	"github.com/danmuck/duplexrpc/internal/protocol/session"
	"github.com/danmuck/duplexrpc/internal/testutil/testlog"
)

var errChannelClosed = errors.New("mem channel closed")

// memChannel is one end of an in-memory message channel.
type memChannel struct {
	in     chan codec.Frame
	out    chan codec.Frame
	closed chan struct{}
	once   sync.Once
	peer   *memChannel
}

func memPipe() (*memChannel, *memChannel) {
	ab := make(chan codec.Frame, 64)
	ba := make(chan codec.Frame, 64)
	a := &memChannel{in: ba, out: ab, closed: make(chan struct{})}
	b := &memChannel{in: ab, out: ba, closed: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

func (c *memChannel) ReadMessage() (codec.FrameKind, []byte, error) {
	select {
	case f := <-c.in:
		return f.Kind, f.Data, nil
	case <-c.closed:
		return 0, nil, errChannelClosed
	case <-c.peer.closed:
		return 0, nil, errChannelClosed
	}
}

func (c *memChannel) WriteMessage(kind codec.FrameKind, data []byte) error {
	select {
	case <-c.closed:
		return errChannelClosed
	case <-c.peer.closed:
		return errChannelClosed
	default:
	}
	c.out <- codec.Frame{Kind: kind, Data: append([]byte(nil), data...)}
	return nil
}

func (c *memChannel) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// remote is the test's view of the far end of one episode.
type remote struct {
	t   *testing.T
	ch  *memChannel
	dec codec.FrameDecoder
}

func (r *remote) next() codec.Envelope {
	r.t.Helper()
	for {
		select {
		case f := <-r.ch.in:
			env, ok, err := r.dec.Push(f)
			if err != nil {
				r.t.Fatalf("remote decode: %v", err)
			}
			if ok {
				return env
			}
		case <-time.After(2 * time.Second):
			r.t.Fatalf("remote timed out waiting for a message")
			return codec.Envelope{}
		}
	}
}

func (r *remote) expectQuiet() {
	r.t.Helper()
	select {
	case f := <-r.ch.in:
		r.t.Fatalf("unexpected message %s: %s", f.Kind, f.Data)
	case <-time.After(50 * time.Millisecond):
	}
}

func (r *remote) send(env codec.Envelope) {
	r.t.Helper()
	if err := writeEnvelope(r.ch, env); err != nil {
		r.t.Fatalf("remote send: %v", err)
	}
}

func (r *remote) reply(id int64, err error, results ...any) {
	r.t.Helper()
	env, mErr := codec.NewResponse(id, err, results...)
	if mErr != nil {
		r.t.Fatalf("new response: %v", mErr)
	}
	r.send(env)
}

// scriptDialer hands the far end of each opened channel to accepted. In
// manual mode every Dial waits for the test to send its outcome: nil opens
// the channel, an error fails the dial.
type scriptDialer struct {
	t        *testing.T
	manual   bool
	outcomes chan error
	accepted chan *remote

	mu    sync.Mutex
	dials int
}

func newAutoDialer(t *testing.T) *scriptDialer {
	return &scriptDialer{t: t, outcomes: make(chan error), accepted: make(chan *remote, 8)}
}

func newManualDialer(t *testing.T) *scriptDialer {
	d := newAutoDialer(t)
	d.manual = true
	return d
}

func (d *scriptDialer) Dial(ctx context.Context) (Channel, error) {
	d.mu.Lock()
	d.dials++
	d.mu.Unlock()
	if d.manual {
		select {
		case err := <-d.outcomes:
			if err != nil {
				return nil, err
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	local, far := memPipe()
	d.accepted <- &remote{t: d.t, ch: far}
	return local, nil
}

func (d *scriptDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// resolve delivers the outcome of the dial in progress.
func (d *scriptDialer) resolve(err error) {
	d.t.Helper()
	select {
	case d.outcomes <- err:
	case <-time.After(2 * time.Second):
		d.t.Fatalf("no dial waiting for an outcome")
	}
}

func (d *scriptDialer) accept() *remote {
	d.t.Helper()
	select {
	case r := <-d.accepted:
		return r
	case <-time.After(2 * time.Second):
		d.t.Fatalf("no channel accepted")
		return nil
	}
}

// recordingClock is a mock clock that remembers each AfterFunc delay.
type recordingClock struct {
	*clock.Mock
	mu     sync.Mutex
	delays []time.Duration
}

func newRecordingClock() *recordingClock {
	return &recordingClock{Mock: clock.NewMock()}
}

func (c *recordingClock) AfterFunc(d time.Duration, f func()) *clock.Timer {
	c.mu.Lock()
	c.delays = append(c.delays, d)
	c.mu.Unlock()
	return c.Mock.AfterFunc(d, f)
}

func (c *recordingClock) scheduled() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.delays...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func replyChan() (pending.Completion, chan pending.Reply) {
	ch := make(chan pending.Reply, 16)
	return func(r pending.Reply) { ch <- r }, ch
}

func waitReply(t *testing.T, ch <-chan pending.Reply) pending.Reply {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for reply")
		return pending.Reply{}
	}
}

func dialTest(t *testing.T, d Dialer, opts ...Option) (*Conn, *recordingClock) {
	t.Helper()
	return dialTestConfig(t, d, session.DefaultConfig(), opts...)
}

func dialTestConfig(t *testing.T, d Dialer, cfg session.Config, opts ...Option) (*Conn, *recordingClock) {
	t.Helper()
	clk := newRecordingClock()
	opts = append([]Option{WithClock(clk), WithIDSource(pending.NewIDSourceAt(1))}, opts...)
	c := Dial(context.Background(), d, cfg, opts...)
	t.Cleanup(func() { _ = c.Shutdown() })
	return c, clk
}

var errRefused = errors.New("connection refused")

func TestReconnectBackoffSchedule(t *testing.T) {
	testlog.Start(t)

	d := newManualDialer(t)
	c, clk := dialTest(t, d)

	for i := 1; i <= 5; i++ {
		d.resolve(errRefused)
		waitFor(t, fmt.Sprintf("failure %d scheduled", i), func() bool { return len(clk.scheduled()) == i })
		if c.State() != StateClosed {
			t.Fatalf("expected closed after failed dial, got %s", c.State())
		}
		delay := clk.scheduled()[i-1]
		clk.Add(delay - time.Millisecond)
		time.Sleep(10 * time.Millisecond)
		if got := d.dialCount(); got != i {
			t.Fatalf("reopened before %v elapsed: %d dials", delay, got)
		}
		clk.Add(time.Millisecond)
		waitFor(t, "redial", func() bool { return d.dialCount() == i+1 })
	}

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	if got := clk.scheduled(); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("backoff schedule %v, want %v", got, want)
	}
	d.resolve(nil)
	d.accept()
	waitFor(t, "open", func() bool { return c.State() == StateOpen })
	if c.Backoff() != time.Second {
		t.Fatalf("backoff should reset on open, got %v", c.Backoff())
	}
}

func TestBufferedCallsFlushInOrderOnOpen(t *testing.T) {
	testlog.Start(t)

	d := newManualDialer(t)
	opened := make(chan struct{}, 1)
	c, _ := dialTest(t, d, WithOnOpen(func() { opened <- struct{}{} }))

	done, _ := replyChan()
	for _, m := range []string{"a", "b", "c"} {
		if err := c.RPC(m, done); err != nil {
			t.Fatalf("rpc %s: %v", m, err)
		}
	}
	if c.State() != StateConnecting {
		t.Fatalf("expected connecting, got %s", c.State())
	}
	d.resolve(nil)
	r := d.accept()
	<-opened
	for _, want := range []string{"a", "b", "c"} {
		if env := r.next(); env.Method != want {
			t.Fatalf("expected %s flushed, got %s", want, env.Method)
		}
	}
	if c.PendingCount() != 3 {
		t.Fatalf("expected 3 pending, got %d", c.PendingCount())
	}
}

func TestCloseDiscardsBufferButKeepsPending(t *testing.T) {
	testlog.Start(t)

	d := newManualDialer(t)
	closes := make(chan struct{}, 4)
	c, clk := dialTest(t, d, WithOnClose(func() { closes <- struct{}{} }))

	done, replies := replyChan()
	if err := c.RPC("lost", done); err != nil {
		t.Fatalf("rpc: %v", err)
	}
	d.resolve(errRefused)
	select {
	case <-closes:
	case <-time.After(2 * time.Second):
		t.Fatalf("close hook not called")
	}
	waitFor(t, "reopen scheduled", func() bool { return len(clk.scheduled()) == 1 })

	if err := c.RPC("kept", done); err != nil {
		t.Fatalf("rpc while closed: %v", err)
	}
	clk.Add(time.Second)
	d.resolve(nil)
	r := d.accept()
	if env := r.next(); env.Method != "kept" {
		t.Fatalf("expected only the post-close call, got %s", env.Method)
	}
	r.expectQuiet()
	if c.PendingCount() != 2 {
		t.Fatalf("discarded calls stay pending, got %d", c.PendingCount())
	}
	select {
	case rep := <-replies:
		t.Fatalf("no completion expected, got %+v", rep)
	default:
	}
}

func TestProgressRetainsPendingCall(t *testing.T) {
	testlog.Start(t)

	d := newAutoDialer(t)
	c, _ := dialTest(t, d)
	r := d.accept()

	done, replies := replyChan()
	if err := c.RPC("work", done); err != nil {
		t.Fatalf("rpc: %v", err)
	}
	req := r.next()
	r.reply(req.ID, codec.ErrProgress, 50)
	if rep := waitReply(t, replies); !rep.Progress() || rep.Method != "work" {
		t.Fatalf("expected progress for work, got %+v", rep)
	}
	if c.PendingCount() != 1 {
		t.Fatalf("progress must keep the call pending")
	}
	r.reply(req.ID+1000, nil, "stray")
	r.reply(req.ID, nil, 100)
	rep := waitReply(t, replies)
	var n int
	if rep.Progress() || rep.Decode(0, &n) != nil || n != 100 {
		t.Fatalf("expected terminal 100, got %+v", rep)
	}
	if c.PendingCount() != 0 {
		t.Fatalf("terminal reply must remove the call")
	}
}

func TestInteractiveCallsCoalesce(t *testing.T) {
	testlog.Start(t)

	d := newAutoDialer(t)
	c, _ := dialTest(t, d)
	r := d.accept()

	var mu sync.Mutex
	var completed []string
	track := func(name string) pending.Completion {
		return func(rep pending.Reply) {
			mu.Lock()
			defer mu.Unlock()
			completed = append(completed, name)
		}
	}

	var reqs []codec.Envelope
	for i := 0; i < 3; i++ {
		if err := c.InteractiveRPC("busy", track(fmt.Sprint("busy", i))); err != nil {
			t.Fatalf("interactive rpc under threshold: %v", err)
		}
		reqs = append(reqs, r.next())
	}
	if err := c.InteractiveRPC("x", track("x")); err != nil {
		t.Fatalf("interactive x: %v", err)
	}
	if err := c.InteractiveRPC("y", track("y")); err != nil {
		t.Fatalf("interactive y: %v", err)
	}
	r.expectQuiet()

	r.reply(reqs[0].ID, nil)
	y := r.next()
	if y.Method != "y" {
		t.Fatalf("expected the latest interactive call, got %s", y.Method)
	}
	r.reply(y.ID, nil)
	waitFor(t, "y completed", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(completed) == 2
	})
	mu.Lock()
	defer mu.Unlock()
	if fmt.Sprint(completed) != "[busy0 y]" {
		t.Fatalf("unexpected completions %v", completed)
	}
	r.expectQuiet()
}

func TestInteractiveCallFromCompletionLeavesSlotParked(t *testing.T) {
	testlog.Start(t)

	d := newAutoDialer(t)
	c, _ := dialTest(t, d)
	r := d.accept()

	var reqs []codec.Envelope
	for i := 0; i < 3; i++ {
		var done pending.Completion
		if i == 0 {
			done = func(pending.Reply) {
				if err := c.InteractiveRPC("direct", nil); err != nil {
					t.Errorf("interactive from completion: %v", err)
				}
			}
		}
		if err := c.InteractiveRPC("busy", done); err != nil {
			t.Fatalf("interactive rpc under threshold: %v", err)
		}
		reqs = append(reqs, r.next())
	}
	if err := c.InteractiveRPC("parked", nil); err != nil {
		t.Fatalf("interactive parked: %v", err)
	}
	r.expectQuiet()

	r.reply(reqs[0].ID, nil)
	if got := r.next(); got.Method != "direct" {
		t.Fatalf("expected the completion's call to go out directly, got %s", got.Method)
	}
	r.expectQuiet()

	r.reply(reqs[1].ID, nil)
	if got := r.next(); got.Method != "parked" {
		t.Fatalf("expected parked call on the next completion, got %s", got.Method)
	}
}

func TestBinaryAttachmentsBothWays(t *testing.T) {
	testlog.Start(t)

	d := newAutoDialer(t)
	c, _ := dialTest(t, d)
	r := d.accept()

	done, replies := replyChan()
	if err := c.RPC("upload", done, "name", codec.Blob{1, 2, 3}); err != nil {
		t.Fatalf("rpc: %v", err)
	}
	req := r.next()
	var blob codec.Blob
	if err := codec.DecodeArg(req.Params, req.Blobs, 1, &blob); err != nil || string(blob) != "\x01\x02\x03" {
		t.Fatalf("blob param %v err=%v", blob, err)
	}
	r.reply(req.ID, nil, codec.Blob("sum"), 6)
	rep := waitReply(t, replies)
	var got []byte
	if err := rep.Decode(0, &got); err != nil || string(got) != "sum" {
		t.Fatalf("blob result %q err=%v", got, err)
	}
}

func TestInboundRequestsUseMux(t *testing.T) {
	testlog.Start(t)

	m := handler.NewMux()
	_ = m.HandleFunc("ping", func(call *handler.Call) {
		_ = call.Progress("half")
		_ = call.Reply(nil, "pong")
	})
	d := newAutoDialer(t)
	dialTest(t, d, WithMux(m))
	r := d.accept()

	req, _ := codec.NewRequest(5, "ping")
	r.send(req)
	if env := r.next(); env.ID != 5 || !codec.IsProgress(env.Error) {
		t.Fatalf("expected progress first, got %+v", env)
	}
	env := r.next()
	var s string
	if codec.DecodeError(env.Error) != nil || codec.DecodeArg(env.Result, nil, 0, &s) != nil || s != "pong" {
		t.Fatalf("expected pong, got %+v", env)
	}

	req, _ = codec.NewRequest(6, "nope")
	r.send(req)
	if env := r.next(); !errors.Is(codec.DecodeError(env.Error), codec.ErrNoSuchMethod) {
		t.Fatalf("expected no such method, got %+v", env)
	}
	req, _ = codec.NewRequest(7, handler.HandshakeMethod)
	r.send(req)
	if env := r.next(); env.ID != 7 || codec.DecodeError(env.Error) != nil {
		t.Fatalf("expected default handshake, got %+v", env)
	}
}

func TestMalformedTextFrameResetsEpisode(t *testing.T) {
	testlog.Start(t)

	d := newAutoDialer(t)
	c, clk := dialTest(t, d)
	r := d.accept()
	waitFor(t, "open", func() bool { return c.State() == StateOpen })

	if err := r.ch.WriteMessage(MessageText, []byte("{garbage")); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, "reopen scheduled", func() bool { return len(clk.scheduled()) == 1 })
	clk.Add(time.Second)
	d.accept()
	waitFor(t, "reopened", func() bool { return c.State() == StateOpen })
}

func TestShutdownIsTerminal(t *testing.T) {
	testlog.Start(t)

	closes := make(chan struct{}, 2)
	d := newAutoDialer(t)
	c, clk := dialTest(t, d, WithOnClose(func() { closes <- struct{}{} }))
	r := d.accept()

	done, replies := replyChan()
	if err := c.RPC("slow", done); err != nil {
		t.Fatalf("rpc: %v", err)
	}
	r.next()
	if err := c.Shutdown(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if c.State() != StateShutdown {
		t.Fatalf("expected shutdown, got %s", c.State())
	}
	select {
	case <-closes:
	case <-time.After(2 * time.Second):
		t.Fatalf("close hook not called on shutdown")
	}
	if err := c.RPC("late", done); !errors.Is(err, codec.ErrShutdown) {
		t.Fatalf("expected ErrShutdown, got %v", err)
	}
	if err := c.InteractiveRPC("late", done); !errors.Is(err, codec.ErrShutdown) {
		t.Fatalf("expected ErrShutdown, got %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if n := len(clk.scheduled()); n != 0 {
		t.Fatalf("no reopen after shutdown, got %d timers", n)
	}
	if c.PendingCount() != 1 {
		t.Fatalf("pending calls are not failed on shutdown")
	}
	select {
	case rep := <-replies:
		t.Fatalf("unexpected completion %+v", rep)
	default:
	}
	if err := c.Shutdown(); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}
}

func TestFailPendingOnClose(t *testing.T) {
	testlog.Start(t)

	cfg := session.DefaultConfig()
	cfg.FailPendingOnClose = true
	d := newAutoDialer(t)
	c, _ := dialTestConfig(t, d, cfg)
	r := d.accept()

	done, replies := replyChan()
	if err := c.RPC("slow", done); err != nil {
		t.Fatalf("rpc: %v", err)
	}
	r.next()
	_ = r.ch.Close()
	if rep := waitReply(t, replies); !errors.Is(rep.Err, codec.ErrTransportClosed) {
		t.Fatalf("expected ErrTransportClosed, got %+v", rep)
	}
	if c.PendingCount() != 0 {
		t.Fatalf("pending should be drained")
	}
}

func TestCustomReopenStrategy(t *testing.T) {
	testlog.Start(t)

	reopened := make(chan struct{}, 1)
	d := newAutoDialer(t)
	c, clk := dialTest(t, d, WithReopen(func() { reopened <- struct{}{} }))
	r := d.accept()
	waitFor(t, "open", func() bool { return c.State() == StateOpen })

	_ = r.ch.Close()
	select {
	case <-reopened:
	case <-time.After(2 * time.Second):
		t.Fatalf("reopen strategy not called")
	}
	if c.State() != StateClosed || len(clk.scheduled()) != 0 {
		t.Fatalf("custom strategy replaces the timer: state=%s timers=%d", c.State(), len(clk.scheduled()))
	}
	c.Reconnect()
	d.accept()
	waitFor(t, "reopened", func() bool { return c.State() == StateOpen })
	if c.SessionID() == "" {
		t.Fatalf("session id should be set")
	}
}
