package logger

import (
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

// New constructs the service logger. Development environments and
// interactive terminals get the console writer, everything else JSON.
func New(env, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	log := zerolog.New(os.Stdout).
		Level(lvl).
		With().
		Timestamp().
		Logger()

	if env == "development" || isatty.IsTerminal(os.Stdout.Fd()) {
		log = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}

	return log
}
