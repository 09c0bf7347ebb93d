package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/duplexrpc/internal/logging"
	"github.com/danmuck/duplexrpc/internal/pool"
	"github.com/danmuck/duplexrpc/internal/protocol/session"
	"github.com/rs/zerolog"
)

var ErrInvalidConfig = errors.New("config: invalid")

// Config is the resolved rpcctl configuration.
type Config struct {
	Log    LogConfig
	Pool   pool.Config
	Socket SocketConfig
}

type LogConfig struct {
	Level   zerolog.Level
	Bypass  bool
	NoColor bool
}

type SocketConfig struct {
	// URL is the websocket endpoint socket clients dial.
	URL string
	// Listen and Path are where the socket server accepts sessions.
	Listen  string
	Path    string
	Session session.Config
}

type fileConfig struct {
	Log    logFile    `toml:"log"`
	Pool   poolFile   `toml:"pool"`
	Socket socketFile `toml:"socket"`
}

type logFile struct {
	Level   string `toml:"level"`
	Bypass  bool   `toml:"bypass"`
	NoColor bool   `toml:"no_color"`
}

type poolFile struct {
	Name         string   `toml:"name"`
	Command      string   `toml:"command"`
	Args         []string `toml:"args"`
	Env          []string `toml:"env"`
	Dir          string   `toml:"dir"`
	Workers      int      `toml:"workers"`
	Verbosity    int      `toml:"verbosity"`
	MaxLineBytes int      `toml:"max_line_bytes"`
}

type socketFile struct {
	URL                  string  `toml:"url"`
	Listen               string  `toml:"listen"`
	Path                 string  `toml:"path"`
	HandshakeTimeout     string  `toml:"handshake_timeout"`
	WriteTimeout         string  `toml:"write_timeout"`
	MaxMessageBytes      int64   `toml:"max_message_bytes"`
	ReopenInitial        string  `toml:"reopen_initial"`
	ReopenInitialMS      int64   `toml:"reopen_initial_ms"`
	ReopenMax            string  `toml:"reopen_max"`
	ReopenMaxMS          int64   `toml:"reopen_max_ms"`
	ReopenMultiplier     float64 `toml:"reopen_multiplier"`
	ReopenJitter         bool    `toml:"reopen_jitter"`
	InteractiveThreshold int     `toml:"interactive_threshold"`
	FailPendingOnClose   bool    `toml:"fail_pending_on_close"`
}

func Default() Config {
	return Config{
		Log:  LogConfig{Level: zerolog.InfoLevel},
		Pool: pool.DefaultConfig(),
		Socket: SocketConfig{
			URL:     "ws://127.0.0.1:7420/rpc",
			Listen:  "127.0.0.1:7420",
			Path:    "/rpc",
			Session: session.DefaultConfig(),
		},
	}
}

// Load reads path and applies every key it defines over Default.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("%w: unknown key %s in %s", ErrInvalidConfig, undecoded[0], path)
	}

	if meta.IsDefined("log", "level") {
		lvl, ok := logging.ParseLevel(raw.Log.Level)
		if !ok {
			return Config{}, fmt.Errorf("%w: log.level %q", ErrInvalidConfig, raw.Log.Level)
		}
		cfg.Log.Level = lvl
	}
	if meta.IsDefined("log", "bypass") {
		cfg.Log.Bypass = raw.Log.Bypass
	}
	if meta.IsDefined("log", "no_color") {
		cfg.Log.NoColor = raw.Log.NoColor
	}

	applyPool(&cfg.Pool, meta, raw.Pool)
	if err := applySocket(&cfg.Socket, meta, raw.Socket); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyPool(cfg *pool.Config, meta toml.MetaData, raw poolFile) {
	if meta.IsDefined("pool", "name") {
		cfg.Name = strings.TrimSpace(raw.Name)
	}
	if meta.IsDefined("pool", "command") {
		cfg.Command = strings.TrimSpace(raw.Command)
	}
	if meta.IsDefined("pool", "args") {
		cfg.Args = raw.Args
	}
	if meta.IsDefined("pool", "env") {
		cfg.Env = raw.Env
	}
	if meta.IsDefined("pool", "dir") {
		cfg.Dir = strings.TrimSpace(raw.Dir)
	}
	if meta.IsDefined("pool", "workers") {
		cfg.Workers = raw.Workers
	}
	if meta.IsDefined("pool", "verbosity") {
		cfg.Verbosity = raw.Verbosity
	}
	if meta.IsDefined("pool", "max_line_bytes") {
		cfg.MaxLineBytes = raw.MaxLineBytes
	}
}

func applySocket(cfg *SocketConfig, meta toml.MetaData, raw socketFile) error {
	if meta.IsDefined("socket", "url") {
		cfg.URL = strings.TrimSpace(raw.URL)
	}
	if meta.IsDefined("socket", "listen") {
		cfg.Listen = strings.TrimSpace(raw.Listen)
	}
	if meta.IsDefined("socket", "path") {
		cfg.Path = strings.TrimSpace(raw.Path)
	}

	s := &cfg.Session
	var err error
	if s.HandshakeTimeout, err = duration(meta, "handshake_timeout", raw.HandshakeTimeout, "", 0, s.HandshakeTimeout); err != nil {
		return err
	}
	if s.WriteTimeout, err = duration(meta, "write_timeout", raw.WriteTimeout, "", 0, s.WriteTimeout); err != nil {
		return err
	}
	if s.Backoff.InitialDelay, err = duration(meta, "reopen_initial", raw.ReopenInitial, "reopen_initial_ms", raw.ReopenInitialMS, s.Backoff.InitialDelay); err != nil {
		return err
	}
	if s.Backoff.MaxDelay, err = duration(meta, "reopen_max", raw.ReopenMax, "reopen_max_ms", raw.ReopenMaxMS, s.Backoff.MaxDelay); err != nil {
		return err
	}
	if meta.IsDefined("socket", "max_message_bytes") {
		s.MaxMessageBytes = raw.MaxMessageBytes
	}
	if meta.IsDefined("socket", "reopen_multiplier") {
		s.Backoff.Multiplier = raw.ReopenMultiplier
	}
	if meta.IsDefined("socket", "reopen_jitter") {
		s.Backoff.Jitter = raw.ReopenJitter
	}
	if meta.IsDefined("socket", "interactive_threshold") {
		s.InteractiveThreshold = raw.InteractiveThreshold
	}
	if meta.IsDefined("socket", "fail_pending_on_close") {
		s.FailPendingOnClose = raw.FailPendingOnClose
	}
	return nil
}

// duration resolves a [socket] duration given as a string key, an integer
// millisecond key, or neither. The millisecond key wins when both are set.
func duration(meta toml.MetaData, key, raw, msKey string, ms int64, current time.Duration) (time.Duration, error) {
	out := current
	if meta.IsDefined("socket", key) {
		d, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return 0, fmt.Errorf("parse socket.%s: %w", key, err)
		}
		out = d
	}
	if msKey != "" && meta.IsDefined("socket", msKey) {
		out = time.Duration(ms) * time.Millisecond
	}
	return out, nil
}

func (c Config) Validate() error {
	if err := c.Pool.Validate(); err != nil {
		return err
	}
	if err := c.Socket.Session.Validate(); err != nil {
		return err
	}
	if c.Socket.Path != "" && !strings.HasPrefix(c.Socket.Path, "/") {
		return fmt.Errorf("%w: socket.path must start with /", ErrInvalidConfig)
	}
	return nil
}
