package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

// Options selects the sinks a Manager fans records out to. File takes the
// place of stdout when set; Graylog and Provider each add a sink when
// non-nil.
type Options struct {
	Level    string
	File     io.Writer
	Graylog  io.Writer
	Provider *sdklog.LoggerProvider
}

// Manager owns the process-wide slog logger and the OTel provider used
// for flushing.
type Manager struct {
	logger      *slog.Logger
	logProvider *sdklog.LoggerProvider
}

// NewManager creates an unconfigured logging manager. Call Setup before
// Logger for anything other than the default logger.
func NewManager() *Manager {
	return &Manager{}
}

// parseLevel converts a config log level string to slog.Level.
func parseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Setup builds the logger from the given options. Times are rendered as
// UTC RFC3339 on the text sinks so file and console output stay
// comparable across hosts.
func (m *Manager) Setup(opts Options) {
	handlerOpts := &slog.HandlerOptions{
		Level: parseLevel(opts.Level),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.UTC().Format(time.RFC3339))
				}
			}
			return a
		},
	}

	var handlers []slog.Handler

	local := io.Writer(os.Stdout)
	if opts.File != nil {
		local = opts.File
	}
	handlers = append(handlers, slog.NewTextHandler(local, handlerOpts))

	// GELF expects one JSON document per write.
	if opts.Graylog != nil {
		handlers = append(handlers, slog.NewJSONHandler(opts.Graylog, handlerOpts))
	}

	if opts.Provider != nil {
		handlers = append(handlers, otelslog.NewHandler("transitd",
			otelslog.WithLoggerProvider(opts.Provider)))
	}

	m.logProvider = opts.Provider
	m.logger = slog.New(NewMultiHandler(handlers...))
	m.logger.Info("logging initialized", "level", opts.Level)
}

// Logger returns the configured logger, or slog.Default before Setup.
func (m *Manager) Logger() *slog.Logger {
	if m.logger == nil {
		return slog.Default()
	}
	return m.logger
}

// Flush forces the OTel provider to export buffered records.
func (m *Manager) Flush(ctx context.Context) error {
	if m.logProvider != nil {
		return m.logProvider.ForceFlush(ctx)
	}
	return nil
}
