package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zerologr"
	"github.com/rs/zerolog"
)

// NewZerolog builds the process logger: console output on a terminal, JSON
// on stderr inside Kubernetes.
func NewZerolog(level string) *zerolog.Logger {
	var output io.Writer
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		output = os.Stderr
	} else {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "2006-01-02T15:04:05.999Z07:00"}
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerologr.NameFieldName = "logger"
	zerologr.NameSeparator = "/"

	logger := zerolog.New(output).Level(ParseLevel(level)).With().Timestamp().Logger()
	return &logger
}

// New returns the process logger as a *slog.Logger.
func New(level string) *slog.Logger {
	return FromZerolog(NewZerolog(level))
}

// FromZerolog bridges zl to slog through logr. slog levels above info and
// below error are logged at info.
func FromZerolog(zl *zerolog.Logger) *slog.Logger {
	return slog.New(logr.ToSlogHandler(zerologr.New(zl)))
}

// ParseLevel maps NU_LOGLEVEL values (WARNING and CRITICAL included) to
// zerolog levels. Unknown values mean info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "warning":
		return zerolog.WarnLevel
	case "critical", "fatal":
		return zerolog.FatalLevel
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}
