package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger is the process logger. Child loggers carry the component, jid and target
// fields that session and run log lines are keyed by. A nil *Logger stands for the
// global zerolog logger, so Noop telemetry still logs.
type Logger struct {
	zlog zerolog.Logger
}

// loggerContextKey is the context key for logger instances.
type loggerContextKey struct{}

// NewLogger creates a logger writing to cfg.Output in cfg.Format.
func NewLogger(cfg LoggingConfig) (*Logger, error) {
	writer, err := logWriter(cfg.Output)
	if err != nil {
		return nil, err
	}

	switch cfg.TimeFormat {
	case "unix":
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	case "unixms":
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	case "unixmicro":
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMicro
	default:
		zerolog.TimeFieldFormat = time.RFC3339
	}

	if cfg.Format == "console" {
		writer = zerolog.ConsoleWriter{Out: writer, TimeFormat: time.RFC3339}
	}

	zctx := zerolog.New(writer).With().Timestamp()
	if cfg.EnableCaller {
		zctx = zctx.Caller()
	}
	return &Logger{zlog: zctx.Logger().Level(parseLogLevel(cfg.Level))}, nil
}

func logWriter(output string) (io.Writer, error) {
	switch output {
	case "", "stderr":
		return os.Stderr, nil
	case "stdout":
		return os.Stdout, nil
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return f, nil
}

func (l *Logger) base() zerolog.Logger {
	if l == nil {
		return log.Logger
	}
	return l.zlog
}

// WithComponent returns a child logger tagged with component.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{zlog: l.base().With().Str("component", component).Logger()}
}

// WithJID returns a child logger tagged with the job id.
func (l *Logger) WithJID(jid string) *Logger {
	return &Logger{zlog: l.base().With().Str("jid", jid).Logger()}
}

// WithTarget returns a child logger tagged with the target id and host.
func (l *Logger) WithTarget(id, host string) *Logger {
	return &Logger{zlog: l.base().With().Str("target", id).Str("host", host).Logger()}
}

// Zerolog returns the underlying zerolog logger.
func (l *Logger) Zerolog() zerolog.Logger {
	return l.base()
}

// WithContext adds the logger to the context.
func (l *Logger) WithContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, loggerContextKey{}, l)
}

// FromContext returns the logger stored in ctx, or nil, which logs through the global
// logger.
func FromContext(ctx context.Context) *Logger {
	l, _ := ctx.Value(loggerContextKey{}).(*Logger)
	return l
}

func parseLogLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		return zerolog.InfoLevel
	}
	return lvl
}
