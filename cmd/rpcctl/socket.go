package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/duplexrpc/internal/logging"
	"github.com/danmuck/duplexrpc/internal/observability"
	"github.com/danmuck/duplexrpc/internal/socket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

func newSocketCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "socket",
		Short: "Serve or call over a reconnecting websocket session",
	}
	cmd.AddCommand(newSocketServeCommand(opts))
	cmd.AddCommand(newSocketCallCommand(opts))
	return cmd
}

func newSocketServeCommand(opts *rootOptions) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept websocket sessions serving the demo handlers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := opts.cfg.Socket
			if cmd.Flags().Changed("listen") {
				cfg.Listen = listen
			}
			observability.RegisterMetrics()
			l := logging.Component("rpcctl")

			mux := http.NewServeMux()
			mux.Handle(cfg.Path, socket.NewServer(demoMux(), cfg.Session))
			mux.Handle("/metrics", promhttp.Handler())
			srv := &http.Server{
				Addr:              cfg.Listen,
				Handler:           observability.RequestLogger(l, mux),
				ReadHeaderTimeout: 10 * time.Second,
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			errc := make(chan error, 1)
			go func() {
				l.Info().Str("listen", cfg.Listen).Str("path", cfg.Path).Msg("socket server listening")
				errc <- srv.ListenAndServe()
			}()
			select {
			case err := <-errc:
				return err
			case <-ctx.Done():
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address override")
	return cmd
}

func newSocketCallCommand(opts *rootOptions) *cobra.Command {
	var (
		url     string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "call METHOD [PARAM...]",
		Short: "Dial the configured socket URL and make one call",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := opts.cfg.Socket
			if cmd.Flags().Changed("url") {
				cfg.URL = url
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			dialer := socket.WebSocketDialer{
				URL:          cfg.URL,
				WriteTimeout: cfg.Session.WriteTimeout,
				ReadLimit:    cfg.Session.MaxMessageBytes,
			}
			conn := socket.Dial(ctx, dialer, cfg.Session)
			defer conn.Shutdown()

			reply, err := conn.Call(ctx, args[0], parseParams(args[1:])...)
			if err != nil {
				return err
			}
			return printReply(cmd.OutOrStdout(), reply)
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "websocket URL override")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "overall call timeout")
	return cmd
}
