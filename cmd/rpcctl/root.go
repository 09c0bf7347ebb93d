package main

import (
	"fmt"
	"strings"

	"github.com/danmuck/duplexrpc/internal/config"
	"github.com/danmuck/duplexrpc/internal/logging"
	"github.com/danmuck/duplexrpc/internal/observability"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	ConfigPath string
	LogLevel   string

	cfg config.Config
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{cfg: config.Default()}

	cmd := &cobra.Command{
		Use:           "rpcctl",
		Short:         "Drive worker pools and socket sessions over duplex JSON RPC",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.ConfigPath != "" {
				cfg, err := config.Load(opts.ConfigPath)
				if err != nil {
					return err
				}
				opts.cfg = cfg
			}
			if strings.TrimSpace(opts.LogLevel) != "" {
				lvl, ok := logging.ParseLevel(opts.LogLevel)
				if !ok {
					return fmt.Errorf("invalid log level %q", opts.LogLevel)
				}
				opts.cfg.Log.Level = lvl
			}
			observability.InitLogger("rpcctl", logging.Config{
				Level:     opts.cfg.Log.Level,
				Timestamp: true,
				NoColor:   opts.cfg.Log.NoColor,
				Bypass:    opts.cfg.Log.Bypass,
			})
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to a TOML config file")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level override (trace|debug|info|warn|error|off)")

	cmd.AddCommand(newWorkerCommand(opts))
	cmd.AddCommand(newPoolCommand(opts))
	cmd.AddCommand(newSocketCommand(opts))
	return cmd
}
