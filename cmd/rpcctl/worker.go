package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/duplexrpc/internal/peer"
	"github.com/spf13/cobra"
)

func newWorkerCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Serve the demo handlers on stdin/stdout as a pool worker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			ep := peer.New(os.Stdin, os.Stdout, demoMux(), peer.WithMaxLineBytes(opts.cfg.Pool.MaxLineBytes))
			return ep.Serve(ctx)
		},
	}
}
