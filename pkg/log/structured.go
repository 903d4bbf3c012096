package log

import (
	"context"
	"time"

	"github.com/carbontrack/docpipeline/pkg/requestid"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// StructuredLogger traces service operations as a sequence of steps sharing
// the same set of fields. The underlying logger is resolved at write time so
// that zap.ReplaceGlobals done in main applies to package-level loggers.
type StructuredLogger struct {
	name   string
	level  zapcore.Level
	fields []zap.Field
}

func NewDebugLogger(name string) *StructuredLogger {
	return &StructuredLogger{name: name, level: zapcore.DebugLevel}
}

func NewInfoLogger(name string) *StructuredLogger {
	return &StructuredLogger{name: name, level: zapcore.InfoLevel}
}

// WithContext returns a copy carrying the request id found in ctx, if any.
func (l *StructuredLogger) WithContext(ctx context.Context) *StructuredLogger {
	n := &StructuredLogger{name: l.name, level: l.level, fields: append([]zap.Field{}, l.fields...)}
	if rid := requestid.FromContext(ctx); rid != "" {
		n.fields = append(n.fields, zap.String("request_id", rid))
	}
	return n
}

func (l *StructuredLogger) Operation(name string) *OperationBuilder {
	return &OperationBuilder{logger: l, operation: name}
}

type OperationBuilder struct {
	logger    *StructuredLogger
	operation string
	fields    []zap.Field
}

func (b *OperationBuilder) WithString(key, value string) *OperationBuilder {
	b.fields = append(b.fields, zap.String(key, value))
	return b
}

func (b *OperationBuilder) WithStringPtr(key string, value *string) *OperationBuilder {
	if value != nil {
		b.fields = append(b.fields, zap.String(key, *value))
	}
	return b
}

func (b *OperationBuilder) WithInt(key string, value int) *OperationBuilder {
	b.fields = append(b.fields, zap.Int(key, value))
	return b
}

func (b *OperationBuilder) WithBool(key string, value bool) *OperationBuilder {
	b.fields = append(b.fields, zap.Bool(key, value))
	return b
}

func (b *OperationBuilder) WithUUID(key string, value uuid.UUID) *OperationBuilder {
	b.fields = append(b.fields, zap.String(key, value.String()))
	return b
}

func (b *OperationBuilder) WithUUIDPtr(key string, value *uuid.UUID) *OperationBuilder {
	if value != nil {
		b.fields = append(b.fields, zap.String(key, value.String()))
	}
	return b
}

func (b *OperationBuilder) WithParam(key string, value any) *OperationBuilder {
	b.fields = append(b.fields, zap.Any(key, value))
	return b
}

func (b *OperationBuilder) Build() *OperationTracer {
	fields := make([]zap.Field, 0, len(b.logger.fields)+len(b.fields)+1)
	fields = append(fields, b.logger.fields...)
	fields = append(fields, zap.String("operation", b.operation))
	fields = append(fields, b.fields...)
	return &OperationTracer{logger: b.logger, fields: fields, start: time.Now()}
}

type OperationTracer struct {
	logger *StructuredLogger
	fields []zap.Field
	start  time.Time
}

func (t *OperationTracer) Step(name string) *Entry {
	return t.entry(t.logger.level, "step", zap.String("step", name))
}

func (t *OperationTracer) Success() *Entry {
	return t.entry(t.logger.level, "operation succeeded", zap.Duration("duration", time.Since(t.start)))
}

func (t *OperationTracer) Error(err error) *Entry {
	return t.entry(zapcore.ErrorLevel, "operation failed", zap.Error(err), zap.Duration("duration", time.Since(t.start)))
}

func (t *OperationTracer) entry(level zapcore.Level, msg string, extra ...zap.Field) *Entry {
	fields := append(append([]zap.Field{}, t.fields...), extra...)
	return &Entry{name: t.logger.name, level: level, msg: msg, fields: fields}
}

type Entry struct {
	name   string
	level  zapcore.Level
	msg    string
	fields []zap.Field
}

func (e *Entry) WithString(key, value string) *Entry {
	e.fields = append(e.fields, zap.String(key, value))
	return e
}

func (e *Entry) WithInt(key string, value int) *Entry {
	e.fields = append(e.fields, zap.Int(key, value))
	return e
}

func (e *Entry) WithBool(key string, value bool) *Entry {
	e.fields = append(e.fields, zap.Bool(key, value))
	return e
}

func (e *Entry) WithUUID(key string, value uuid.UUID) *Entry {
	e.fields = append(e.fields, zap.String(key, value.String()))
	return e
}

func (e *Entry) WithParam(key string, value any) *Entry {
	e.fields = append(e.fields, zap.Any(key, value))
	return e
}

func (e *Entry) Log() {
	if ce := zap.L().Named(e.name).Check(e.level, e.msg); ce != nil {
		ce.Write(e.fields...)
	}
}
