package main

import (
	"context"
	"time"

	"github.com/danmuck/duplexrpc/internal/pool"
	"github.com/spf13/cobra"
)

func newPoolCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pool",
		Short: "Spawn a worker pool",
	}
	cmd.AddCommand(newPoolCallCommand(opts))
	return cmd
}

func newPoolCallCommand(opts *rootOptions) *cobra.Command {
	var (
		workers int
		command string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "call METHOD [PARAM...]",
		Short: "Spawn the configured pool, handshake, and make one call",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := opts.cfg.Pool
			if cmd.Flags().Changed("workers") {
				cfg.Workers = workers
			}
			if cmd.Flags().Changed("command") {
				cfg.Command = command
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			p, err := pool.New(ctx, cfg, nil)
			if err != nil {
				return err
			}
			defer func() {
				closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer closeCancel()
				_ = p.Close(closeCtx)
			}()

			if err := p.Handshake(ctx); err != nil {
				return err
			}
			reply, err := p.Call(ctx, args[0], parseParams(args[1:])...)
			if err != nil {
				return err
			}
			return printReply(cmd.OutOrStdout(), reply)
		},
	}
	cmd.Flags().IntVarP(&workers, "workers", "w", 1, "worker count override")
	cmd.Flags().StringVar(&command, "command", "", "worker command override")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "overall call timeout")
	return cmd
}
