package socket

import (
	"github.com/danmuck/duplexrpc/internal/handler"
	"github.com/danmuck/duplexrpc/internal/protocol/codec"
	"github.com/danmuck/duplexrpc/internal/protocol/pending"
	"github.com/rs/zerolog"
)

// router applies one decoded envelope to the local side of a session:
// requests go to the mux, responses resolve the registry.
type router struct {
	mux      *handler.Mux
	registry *pending.Registry
	send     handler.SendFunc
	log      zerolog.Logger
}

// route handles env and reports whether it resolved a pending call.
// Requests are dispatched on their own goroutine so slow handlers do not
// stall the read loop.
func (r router) route(env codec.Envelope) bool {
	if env.IsRequest() {
		call := handler.NewCall(env, r.send)
		go handler.Dispatch(r.mux, call)
		return false
	}
	reply := pending.ReplyFromEnvelope(env)
	entry, ok := r.registry.Resolve(reply)
	if !ok {
		r.log.Warn().Int64("id", env.ID).Bool("progress", reply.Progress()).Msg("unknown response")
		return false
	}
	reply.Method = entry.Method
	r.log.Debug().Int64("id", env.ID).Str("method", entry.Method).Bool("progress", reply.Progress()).Msg("rx")
	if entry.Done != nil {
		entry.Done(reply)
	}
	return true
}
