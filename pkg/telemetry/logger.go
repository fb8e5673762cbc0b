package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is a zerolog.Logger carrying the fields of a manifest run: the
// component, run id, manifest, kind, action and environment.
type Logger struct {
	zlog zerolog.Logger
}

type loggerContextKey struct{}

var logLevels = map[string]zerolog.Level{
	"trace": zerolog.TraceLevel,
	"debug": zerolog.DebugLevel,
	"info":  zerolog.InfoLevel,
	"warn":  zerolog.WarnLevel,
	"error": zerolog.ErrorLevel,
	"fatal": zerolog.FatalLevel,
}

var timeFieldFormats = map[string]string{
	"unix":      zerolog.TimeFormatUnix,
	"unixms":    zerolog.TimeFormatUnixMs,
	"unixmicro": zerolog.TimeFormatUnixMicro,
}

// NewLogger creates a logger writing to cfg.Output: stdout, stderr (the
// default) or a file opened for appending.
func NewLogger(cfg LoggingConfig) (*Logger, error) {
	var w io.Writer = os.Stderr
	switch cfg.Output {
	case "", "stderr":
	case "stdout":
		w = os.Stdout
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log output %s: %w", cfg.Output, err)
		}
		w = f
	}
	return NewLoggerWithWriter(w, cfg), nil
}

// NewLoggerWithWriter creates a logger writing to w; cfg.Output is ignored.
//
// The time format is process wide in zerolog, so the last logger created
// decides it.
func NewLoggerWithWriter(w io.Writer, cfg LoggingConfig) *Logger {
	if f, ok := timeFieldFormats[cfg.TimeFormat]; ok {
		zerolog.TimeFieldFormat = f
	} else {
		zerolog.TimeFieldFormat = time.RFC3339
	}

	if cfg.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339, NoColor: cfg.NoColor}
	}

	level, ok := logLevels[cfg.Level]
	if !ok {
		level = zerolog.InfoLevel
	}

	zctx := zerolog.New(w).Level(level).With().Timestamp()
	if cfg.Caller {
		zctx = zctx.Caller()
	}
	zlog := zctx.Logger()

	if cfg.Sampling && cfg.SamplingBurst > 0 && cfg.SamplingEvery > 0 {
		zlog = zlog.Sample(&zerolog.BurstSampler{
			Burst:       uint32(cfg.SamplingBurst),
			Period:      time.Second,
			NextSampler: &zerolog.BasicSampler{N: uint32(cfg.SamplingEvery)},
		})
	}

	return &Logger{zlog: zlog}
}

// Zerolog returns the underlying logger for packages that take a
// zerolog.Logger.
func (l *Logger) Zerolog() zerolog.Logger {
	return l.zlog
}

func (l *Logger) with(fn func(zerolog.Context) zerolog.Context) *Logger {
	return &Logger{zlog: fn(l.zlog.With()).Logger()}
}

// NewComponentLogger returns a child logger tagged with component.
func (l *Logger) NewComponentLogger(component string) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Str("component", component) })
}

func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Interface(key, value) })
}

func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Fields(fields) })
}

func (l *Logger) WithError(err error) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Err(err) })
}

func (l *Logger) WithRunID(runID string) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Str("run_id", runID) })
}

func (l *Logger) WithManifest(name string) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Str("manifest", name) })
}

func (l *Logger) WithKind(kind, version string) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context {
		return c.Str("kind", kind).Str("version", version)
	})
}

// WithAction adds the action and its target environment.
func (l *Logger) WithAction(action, environment string) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context {
		return c.Str("action", action).Str("environment", environment)
	})
}

// WithContext stores l in ctx.
func (l *Logger) WithContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, loggerContextKey{}, l)
}

// FromContext returns the logger stored in ctx, or an info level JSON logger
// on stderr.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerContextKey{}).(*Logger); ok {
		return l
	}
	return &Logger{zlog: zerolog.New(os.Stderr).Level(zerolog.InfoLevel).With().Timestamp().Logger()}
}

func (l *Logger) Trace(msg string) { l.zlog.Trace().Msg(msg) }
func (l *Logger) Debug(msg string) { l.zlog.Debug().Msg(msg) }
func (l *Logger) Info(msg string)  { l.zlog.Info().Msg(msg) }
func (l *Logger) Warn(msg string)  { l.zlog.Warn().Msg(msg) }
func (l *Logger) Error(msg string) { l.zlog.Error().Msg(msg) }
