package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/danmuck/duplexrpc/internal/handler"
	"github.com/danmuck/duplexrpc/internal/protocol/pending"
)

// parseParams turns command-line arguments into call parameters. Arguments
// that are valid JSON are passed as-is; anything else is sent as a string.
func parseParams(args []string) []any {
	out := make([]any, 0, len(args))
	for _, arg := range args {
		if json.Valid([]byte(arg)) {
			out = append(out, json.RawMessage(arg))
			continue
		}
		out = append(out, arg)
	}
	return out
}

// printReply writes the reply's results as one JSON array line.
func printReply(w io.Writer, reply pending.Reply) error {
	results := reply.Result
	if results == nil {
		results = []json.RawMessage{}
	}
	b, err := json.Marshal(results)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s\n", b)
	return err
}

// demoMux is the handler set served by `rpcctl worker` and `rpcctl socket
// serve`.
func demoMux() *handler.Mux {
	m := handler.NewMux()
	_ = m.HandleFunc("echo", func(c *handler.Call) {
		results := make([]any, len(c.Params))
		for i, p := range c.Params {
			results[i] = p
		}
		_ = c.Reply(nil, results...)
	})
	_ = m.HandleFunc("sum", func(c *handler.Call) {
		total := 0.0
		for i := 0; i < c.NumParams(); i++ {
			var v float64
			if err := c.Decode(i, &v); err != nil {
				_ = c.Reply(fmt.Errorf("sum: param %d: %w", i, err))
				return
			}
			total += v
		}
		_ = c.Reply(nil, total)
	})
	_ = m.HandleFunc("count", func(c *handler.Call) {
		var n int
		if err := c.Decode(0, &n); err != nil {
			_ = c.Reply(fmt.Errorf("count: %w", err))
			return
		}
		for i := 1; i < n; i++ {
			_ = c.Progress(i)
			time.Sleep(10 * time.Millisecond)
		}
		_ = c.Reply(nil, n)
	})
	return handler.WithDefaultHandshake(m)
}
