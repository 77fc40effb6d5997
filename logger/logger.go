package logger

import (
	"os"

	"github.com/AlfredDev/alfred/services/slotproxy/config"
	"github.com/rs/zerolog"
)

// New returns a configured zerolog.Logger honoring cfg.LogLevel (info when
// it does not parse); in development, any level above debug is lowered to
// debug.
func New(cfg *config.Config) zerolog.Logger {
	out := zerolog.ConsoleWriter{Out: os.Stderr}

	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	if cfg.IsDevelopment() && lvl > zerolog.DebugLevel {
		lvl = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(lvl)

	return zerolog.New(out).With().Timestamp().Logger()
}
