// Package logger wraps zerolog with service, trace and span fields.
package logger

import (
	"context"
	"io"
	"os"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

type ctxKey string

const (
	traceIDKey ctxKey = "traceID"
	spanIDKey  ctxKey = "spanID"
)

func init() {
	zerolog.TimestampFieldName = "timestamp"
}

type Logger struct {
	logger zerolog.Logger
}

func New(service string, w io.Writer) *Logger {
	if w == nil {
		w = os.Stdout
	}

	l := zerolog.New(w).With().
		Timestamp().
		Str("service", service).
		Logger()

	return &Logger{logger: l}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{logger: zerolog.Nop()}
}

// SetLevel parses level ("debug", "info", ...) and applies it; unknown levels keep the current one.
func (l *Logger) SetLevel(level string) *Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		return l
	}
	return &Logger{logger: l.logger.Level(lvl)}
}

// WithContext attaches traceID and spanID when ctx carries them, preferring
// the active span over plain context values.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	traceID, spanID := idsFromContext(ctx)
	if traceID == "" && spanID == "" {
		return l
	}
	c := l.logger.With()
	if traceID != "" {
		c = c.Str("traceID", traceID)
	}
	if spanID != "" {
		c = c.Str("spanID", spanID)
	}
	return &Logger{logger: c.Logger()}
}

func (l *Logger) Debug(msg string) {
	l.logger.Debug().Msg(msg)
}

func (l *Logger) Info(msg string) {
	l.logger.Info().Msg(msg)
}

func (l *Logger) Warn(msg string) {
	l.logger.Warn().Msg(msg)
}

func (l *Logger) Error(msg string) {
	l.logger.Error().Msg(msg)
}

// Debugf logs msg at debug level with fields.
func (l *Logger) Debugf(msg string, fields map[string]interface{}) {
	l.emit(l.logger.Debug(), msg, fields)
}

// Infof logs msg at info level with fields.
func (l *Logger) Infof(msg string, fields map[string]interface{}) {
	l.emit(l.logger.Info(), msg, fields)
}

// Warnf logs msg at warn level with fields.
func (l *Logger) Warnf(msg string, fields map[string]interface{}) {
	l.emit(l.logger.Warn(), msg, fields)
}

// Errorf logs msg at error level with fields.
func (l *Logger) Errorf(msg string, fields map[string]interface{}) {
	l.emit(l.logger.Error(), msg, fields)
}

func (l *Logger) emit(event *zerolog.Event, msg string, fields map[string]interface{}) {
	for k, v := range fields {
		if err, ok := v.(error); ok {
			event = event.AnErr(k, err)
			continue
		}
		event = event.Interface(k, v)
	}
	event.Msg(msg)
}

// WithError adds an error field.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{logger: l.logger.With().Err(err).Logger()}
}

// WithField adds a single field.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{logger: l.logger.With().Interface(key, value).Logger()}
}

// WithFields adds several fields at once.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	return &Logger{logger: l.logger.With().Fields(fields).Logger()}
}

func ContextWithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

func ContextWithSpanID(ctx context.Context, spanID string) context.Context {
	return context.WithValue(ctx, spanIDKey, spanID)
}

func TraceIDFromContext(ctx context.Context) string {
	traceID, _ := idsFromContext(ctx)
	return traceID
}

func SpanIDFromContext(ctx context.Context) string {
	_, spanID := idsFromContext(ctx)
	return spanID
}

func idsFromContext(ctx context.Context) (traceID, spanID string) {
	if ctx == nil {
		return "", ""
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		return sc.TraceID().String(), sc.SpanID().String()
	}
	traceID, _ = ctx.Value(traceIDKey).(string)
	spanID, _ = ctx.Value(spanIDKey).(string)
	return traceID, spanID
}
