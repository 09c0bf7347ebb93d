package observability

import (
	"github.com/danmuck/duplexrpc/internal/logging"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger applies cfg as the process logger, tags it with app and
// returns it. Output goes to stderr unless cfg says otherwise; stdout is
// left to the wire.
func InitLogger(app string, cfg logging.Config) zerolog.Logger {
	logging.Apply(cfg)
	logger := log.Logger.With().Str("app", app).Logger()
	log.Logger = logger
	return logger
}
