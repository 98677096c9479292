package telemetry

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is a zerolog logger carrying tengil's run, action and resource
// fields. Every With* method returns a derived logger.
type Logger struct {
	zlog zerolog.Logger
}

type loggerContextKey struct{}

// NewLogger builds a logger from cfg. Console output to a file is written
// without colors.
func NewLogger(cfg LoggingConfig) (*Logger, error) {
	out, isFile := logOutput(cfg)
	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339, NoColor: isFile}
	}

	zctx := zerolog.New(out).Level(levelOf(cfg.Level)).With().Timestamp()
	if cfg.Caller {
		zctx = zctx.Caller()
	}
	return &Logger{zlog: zctx.Logger()}, nil
}

// logOutput opens the destination named by cfg.Output. Anything other than
// stdout or stderr is a file path rotated by lumberjack.
func logOutput(cfg LoggingConfig) (io.Writer, bool) {
	switch cfg.Output {
	case "", "stderr":
		return os.Stderr, false
	case "stdout":
		return os.Stdout, false
	}
	return &lumberjack.Logger{
		Filename:   cfg.Output,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}, true
}

// levelOf parses a level name; unknown names mean info.
func levelOf(name string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(name)
	if err != nil || name == "" {
		return zerolog.InfoLevel
	}
	return lvl
}

// NewNopLogger returns a logger that discards everything.
func NewNopLogger() *Logger {
	return &Logger{zlog: zerolog.Nop()}
}

// NewLoggerFrom wraps an existing zerolog logger, e.g. the global log.Logger.
func NewLoggerFrom(zlog zerolog.Logger) *Logger {
	return &Logger{zlog: zlog}
}

func (l *Logger) derive(fn func(zerolog.Context) zerolog.Context) *Logger {
	return &Logger{zlog: fn(l.zlog.With()).Logger()}
}

// NewComponentLogger tags events with the emitting component (planner,
// orchestrator, zfs, pct-image, ...).
func (l *Logger) NewComponentLogger(component string) *Logger {
	return l.derive(func(c zerolog.Context) zerolog.Context { return c.Str("component", component) })
}

// WithContext stores the logger in ctx.
func (l *Logger) WithContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, loggerContextKey{}, l)
}

// FromContext returns the logger stored in ctx, or a no-op logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerContextKey{}).(*Logger); ok {
		return l
	}
	return NewNopLogger()
}

// Zerolog exposes the underlying logger for event-style calls.
func (l *Logger) Zerolog() *zerolog.Logger {
	return &l.zlog
}

// WithFields adds several fields at once.
func (l *Logger) WithFields(fields map[string]any) *Logger {
	return l.derive(func(c zerolog.Context) zerolog.Context { return c.Fields(fields) })
}

// WithField adds one field.
func (l *Logger) WithField(key string, value any) *Logger {
	return l.derive(func(c zerolog.Context) zerolog.Context { return c.Interface(key, value) })
}

// WithRunID tags events with the apply run.
func (l *Logger) WithRunID(runID string) *Logger {
	return l.derive(func(c zerolog.Context) zerolog.Context { return c.Str("run_id", runID) })
}

// WithResourceID tags events with a resource key such as "dataset:tank/media".
func (l *Logger) WithResourceID(resourceID string) *Logger {
	return l.derive(func(c zerolog.Context) zerolog.Context { return c.Str("resource", resourceID) })
}

// WithActionID tags events with a plan action.
func (l *Logger) WithActionID(actionID string) *Logger {
	return l.derive(func(c zerolog.Context) zerolog.Context { return c.Str("action_id", actionID) })
}

// WithError attaches err.
func (l *Logger) WithError(err error) *Logger {
	return l.derive(func(c zerolog.Context) zerolog.Context { return c.Err(err) })
}

// Leveled shorthands for messages without extra fields.

func (l *Logger) Debug(msg string)                  { l.zlog.Debug().Msg(msg) }
func (l *Logger) Debugf(format string, args ...any) { l.zlog.Debug().Msgf(format, args...) }
func (l *Logger) Info(msg string)                   { l.zlog.Info().Msg(msg) }
func (l *Logger) Infof(format string, args ...any)  { l.zlog.Info().Msgf(format, args...) }
func (l *Logger) Warn(msg string)                   { l.zlog.Warn().Msg(msg) }
func (l *Logger) Warnf(format string, args ...any)  { l.zlog.Warn().Msgf(format, args...) }
func (l *Logger) Error(msg string)                  { l.zlog.Error().Msg(msg) }
func (l *Logger) Errorf(format string, args ...any) { l.zlog.Error().Msgf(format, args...) }
