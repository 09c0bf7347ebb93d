package pending

import (
	"encoding/json"
	"errors"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/duplexrpc/internal/protocol/codec"
)

// Reply is one response delivered to a caller's completion.
type Reply struct {
	ID     int64
	Method string
	Result []json.RawMessage
	Blobs  [][]byte
	Err    error
}

// Progress reports whether r is a non-terminal progress response.
func (r Reply) Progress() bool {
	return errors.Is(r.Err, codec.ErrProgress)
}

// Decode decodes the i-th result value into v.
func (r Reply) Decode(i int, v any) error {
	return codec.DecodeArg(r.Result, r.Blobs, i, v)
}

// ReplyFromEnvelope converts a decoded response envelope into a Reply.
func ReplyFromEnvelope(env codec.Envelope) Reply {
	return Reply{
		ID:     env.ID,
		Result: env.Result,
		Blobs:  env.Blobs,
		Err:    codec.DecodeError(env.Error),
	}
}

// Completion receives the responses for one call: zero or more progress
// replies followed by at most one terminal reply.
type Completion func(Reply)

// IDSource allocates correlation ids from a monotonic counter seeded from a
// random base, so concurrent instances rarely share ids in logs.
type IDSource struct {
	next atomic.Int64
}

func NewIDSource() *IDSource {
	return NewIDSourceAt(rand.Int63n(1_000_000_000))
}

func NewIDSourceAt(base int64) *IDSource {
	s := &IDSource{}
	s.next.Store(base)
	return s
}

// Next returns the next id.
func (s *IDSource) Next() int64 {
	return s.next.Add(1) - 1
}

// Entry tracks one outstanding call.
type Entry struct {
	ID       int64
	Method   string
	IssuedAt time.Time
	Done     Completion
}

// Registry stores outstanding calls by correlation id. It is owned by one
// transport instance.
type Registry struct {
	ids   *IDSource
	mu    sync.Mutex
	items map[int64]Entry
	now   func() time.Time
}

func NewRegistry() *Registry {
	return NewRegistryWithIDs(NewIDSource())
}

func NewRegistryWithIDs(ids *IDSource) *Registry {
	return &Registry{
		ids:   ids,
		items: make(map[int64]Entry),
		now:   time.Now,
	}
}

func (r *Registry) NewID() int64 {
	return r.ids.Next()
}

func (r *Registry) Add(id int64, method string, done Completion) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[id] = Entry{ID: id, Method: method, IssuedAt: r.now(), Done: done}
}

// Get removes and returns the entry for id. Used for terminal responses.
func (r *Registry) Get(id int64) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	item, ok := r.items[id]
	if ok {
		delete(r.items, id)
	}
	return item, ok
}

// GetPreserve returns the entry for id without removing it. Used for
// progress responses.
func (r *Registry) GetPreserve(id int64) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	item, ok := r.items[id]
	return item, ok
}

// Resolve applies the retention contract for reply: progress keeps the entry,
// anything else removes it.
func (r *Registry) Resolve(reply Reply) (Entry, bool) {
	if reply.Progress() {
		return r.GetPreserve(reply.ID)
	}
	return r.Get(reply.ID)
}

func (r *Registry) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

// List returns a snapshot ordered by id.
func (r *Registry) List() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sortedEntries(r.items)
}

// Drain removes every entry and returns them ordered by id.
func (r *Registry) Drain() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := sortedEntries(r.items)
	r.items = make(map[int64]Entry)
	return out
}

func sortedEntries(items map[int64]Entry) []Entry {
	out := make([]Entry, 0, len(items))
	for _, item := range items {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})
	return out
}
