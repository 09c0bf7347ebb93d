package handler

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	ErrHandlerExists = errors.New("handler: method already registered")
	ErrHandlerNil    = errors.New("handler: handler is nil")
	ErrInvalidMethod = errors.New("handler: invalid method name")
)

// HandshakeMethod is the method every pipe peer answers by default.
const HandshakeMethod = "handshake"

// Handler serves one inbound call. It must eventually call Reply exactly
// once, possibly from another goroutine, optionally preceded by Progress.
type Handler interface {
	ServeRPC(call *Call)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(call *Call)

func (f HandlerFunc) ServeRPC(call *Call) {
	f(call)
}

// Mux maps method names to handlers.
type Mux struct {
	mu    sync.RWMutex
	items map[string]Handler
}

func NewMux() *Mux {
	return &Mux{items: make(map[string]Handler)}
}

// Handle registers h under method.
func (m *Mux) Handle(method string, h Handler) error {
	method = strings.TrimSpace(method)
	if method == "" {
		return ErrInvalidMethod
	}
	if h == nil {
		return ErrHandlerNil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[method]; ok {
		return fmt.Errorf("%w: %s", ErrHandlerExists, method)
	}
	m.items[method] = h
	return nil
}

func (m *Mux) HandleFunc(method string, f func(call *Call)) error {
	if f == nil {
		return ErrHandlerNil
	}
	return m.Handle(method, HandlerFunc(f))
}

// Lookup resolves the handler for method. A nil Mux has no handlers.
func (m *Mux) Lookup(method string) (Handler, bool) {
	if m == nil {
		return nil, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.items[method]
	return h, ok
}

// Methods returns registered method names in sorted order.
func (m *Mux) Methods() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.items))
	for name := range m.items {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// HandshakeFunc is the default handshake handler.
func HandshakeFunc(call *Call) {
	_ = call.Reply(nil, HandshakeMethod)
}

// WithDefaultHandshake installs HandshakeFunc unless the application already
// registered its own handshake. A nil mux is replaced by a new one.
func WithDefaultHandshake(m *Mux) *Mux {
	if m == nil {
		m = NewMux()
	}
	if _, ok := m.Lookup(HandshakeMethod); !ok {
		_ = m.HandleFunc(HandshakeMethod, HandshakeFunc)
	}
	return m
}
