// Package logging configures structured JSON logging for the agrichain
// binaries. The node daemon, the escrow gateway, and their workers all log
// through slog with a shared schema (timestamp/severity/message plus service
// and env attrs) so escrow lifecycle lines from both processes can be
// correlated in one pipeline.
package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strings"
)

// levelEnvVar optionally raises or lowers the log level per process.
const levelEnvVar = "AGRI_LOG_LEVEL"

// Setup installs the process-wide logger and returns it. The minimum level
// comes from AGRI_LOG_LEVEL (debug, info, warn, error; default info).
func Setup(service, env string) *slog.Logger {
	handler := newHandler(os.Stdout, resolveLevel(os.Getenv(levelEnvVar)))

	attrs := []slog.Attr{slog.String("service", strings.TrimSpace(service))}
	if env = strings.TrimSpace(env); env != "" {
		attrs = append(attrs, slog.String("env", env))
	}

	args := make([]any, len(attrs))
	for i, attr := range attrs {
		args[i] = attr
	}
	base := slog.New(handler).With(args...)
	slog.SetDefault(base)

	// The sqlite driver and goleveldb write through the std log package;
	// route those lines into the same JSON stream.
	bridge := slog.NewLogLogger(handler.WithAttrs(attrs), slog.LevelInfo)
	bridge.SetFlags(0)
	log.SetOutput(bridge.Writer())
	log.SetFlags(0)
	log.SetPrefix("")

	return base
}

// newHandler builds the JSON handler with the agrichain key schema.
func newHandler(w io.Writer, level slog.Level) slog.Handler {
	return slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			switch attr.Key {
			case slog.TimeKey:
				attr.Key = "timestamp"
			case slog.LevelKey:
				return slog.String("severity", strings.ToUpper(attr.Value.String()))
			case slog.MessageKey:
				attr.Key = "message"
			}
			return attr
		},
	})
}

func resolveLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
