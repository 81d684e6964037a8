// Package logging configures the global zerolog logger and emits the
// startup summary event.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init configures the global logger from the environment.
// CARDART_LOG_LEVEL: debug, info, warn, error (default: info).
// CARDART_LOG_FORMAT: console (default) or json.
func Init() {
	InitWith(os.Getenv("CARDART_LOG_LEVEL"), os.Getenv("CARDART_LOG_FORMAT"), os.Stderr)
}

// InitWith configures the global logger with explicit settings. Flags use it
// to override the environment.
func InitWith(level, format string, out io.Writer) {
	zerolog.SetGlobalLevel(ParseLevel(level))
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs

	if strings.EqualFold(format, "json") {
		log.Logger = zerolog.New(out).With().Timestamp().Logger()
		return
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: out})
}

// ParseLevel maps a level name onto a zerolog level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
