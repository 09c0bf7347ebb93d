package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/duplexrpc/internal/protocol/codec"
	"github.com/danmuck/duplexrpc/internal/protocol/session"
	"github.com/danmuck/duplexrpc/internal/testutil/testlog"
	"github.com/rs/zerolog"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rpcctl.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadExampleConfig(t *testing.T) {
	testlog.Start(t)

	cfg, err := Load(filepath.Join("..", "..", "cmd", "rpcctl", "ex.config.toml"))
	if err != nil {
		t.Fatalf("load example: %v", err)
	}
	if cfg.Log.Level != zerolog.DebugLevel || !cfg.Log.NoColor {
		t.Fatalf("unexpected log config: %+v", cfg.Log)
	}
	if cfg.Pool.Name != "echo" || cfg.Pool.Command != "rpcctl" || cfg.Pool.Workers != 4 {
		t.Fatalf("unexpected pool config: %+v", cfg.Pool)
	}
	if len(cfg.Pool.Args) != 1 || cfg.Pool.Args[0] != "worker" {
		t.Fatalf("unexpected pool args: %v", cfg.Pool.Args)
	}
	if cfg.Pool.MaxLineBytes != codec.DefaultMaxLineBytes {
		t.Fatalf("unset keys keep defaults, got %d", cfg.Pool.MaxLineBytes)
	}
	s := cfg.Socket.Session
	if s.HandshakeTimeout != 3*time.Second {
		t.Fatalf("unexpected handshake timeout: %v", s.HandshakeTimeout)
	}
	if s.Backoff.InitialDelay != 500*time.Millisecond || s.Backoff.MaxDelay != 4*time.Second {
		t.Fatalf("unexpected backoff: %+v", s.Backoff)
	}
	if s.Backoff.Multiplier != 2.0 || s.WriteTimeout != session.DefaultConfig().WriteTimeout {
		t.Fatalf("unset socket keys keep defaults: %+v", s)
	}
	if cfg.Socket.Path != "/rpc" || cfg.Socket.Listen != "127.0.0.1:7420" {
		t.Fatalf("unexpected socket endpoint: %+v", cfg.Socket)
	}
}

func TestLoadEmptyFileUsesDefaults(t *testing.T) {
	testlog.Start(t)

	cfg, err := Load(writeConfig(t, ""))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	def := Default()
	if cfg.Pool.Workers != def.Pool.Workers || cfg.Socket.Session.InteractiveThreshold != 3 {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
	if cfg.Socket.Session.Backoff.InitialDelay != time.Second || cfg.Socket.Session.Backoff.MaxDelay != 5*time.Second {
		t.Fatalf("unexpected default backoff: %+v", cfg.Socket.Session.Backoff)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	testlog.Start(t)

	cases := map[string]string{
		"bad level":     "[log]\nlevel = \"loud\"\n",
		"bad duration":  "[socket]\nreopen_max = \"soon\"\n",
		"zero workers":  "[pool]\nworkers = 0\n",
		"unknown key":   "[pool]\nthreads = 2\n",
		"max below min": "[socket]\nreopen_initial = \"10s\"\nreopen_max = \"1s\"\n",
		"relative path": "[socket]\npath = \"rpc\"\n",
	}
	for name, body := range cases {
		if _, err := Load(writeConfig(t, body)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}

	_, err := Load(writeConfig(t, "[socket]\ninteractive_threshold = -1\n"))
	if !errors.Is(err, session.ErrInvalidConfig) {
		t.Fatalf("expected session.ErrInvalidConfig, got %v", err)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatalf("expected missing file error")
	}
}
