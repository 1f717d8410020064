package log

import (
	"context"
	"time"

	"github.com/SDU-eScience/UCloud-sub028/pkg/requestid"
	"go.uber.org/zap"
)

// StructuredLogger logs the operations of a component at debug level. Every
// operation is traced from Build until Success or Error.
type StructuredLogger struct {
	name string
}

func NewDebugLogger(name string) *StructuredLogger {
	return &StructuredLogger{name: name}
}

type ContextLogger struct {
	logger    *zap.SugaredLogger
	requestID string
}

func (l *StructuredLogger) WithContext(ctx context.Context) *ContextLogger {
	return &ContextLogger{
		logger:    zap.S().Named(l.name),
		requestID: requestid.FromContext(ctx),
	}
}

type OperationBuilder struct {
	logger    *zap.SugaredLogger
	operation string
	fields    []any
}

func (c *ContextLogger) Operation(name string) *OperationBuilder {
	fields := []any{"operation", name}
	if c.requestID != "" {
		fields = append(fields, "request_id", c.requestID)
	}
	return &OperationBuilder{logger: c.logger, operation: name, fields: fields}
}

func (b *OperationBuilder) WithString(key string, value string) *OperationBuilder {
	b.fields = append(b.fields, key, value)
	return b
}

func (b *OperationBuilder) WithStringPtr(key string, value *string) *OperationBuilder {
	if value != nil {
		b.fields = append(b.fields, key, *value)
	}
	return b
}

func (b *OperationBuilder) WithInt(key string, value int) *OperationBuilder {
	b.fields = append(b.fields, key, value)
	return b
}

func (b *OperationBuilder) WithBool(key string, value bool) *OperationBuilder {
	b.fields = append(b.fields, key, value)
	return b
}

func (b *OperationBuilder) WithParam(key string, value any) *OperationBuilder {
	b.fields = append(b.fields, key, value)
	return b
}

func (b *OperationBuilder) Build() *Tracer {
	logger := b.logger.With(b.fields...)
	logger.Debug("operation started")
	return &Tracer{logger: logger, start: time.Now()}
}

type Tracer struct {
	logger *zap.SugaredLogger
	start  time.Time
}

type Entry struct {
	logger  *zap.SugaredLogger
	message string
	fields  []any
	isError bool
}

func (t *Tracer) Step(name string) *Entry {
	return &Entry{logger: t.logger, message: "step", fields: []any{"step", name}}
}

func (t *Tracer) Success() *Entry {
	return &Entry{logger: t.logger, message: "operation succeeded", fields: []any{"duration", time.Since(t.start)}}
}

func (t *Tracer) Error(err error) *Entry {
	return &Entry{logger: t.logger, message: "operation failed", fields: []any{"error", err, "duration", time.Since(t.start)}, isError: true}
}

func (e *Entry) WithString(key string, value string) *Entry {
	e.fields = append(e.fields, key, value)
	return e
}

func (e *Entry) WithInt(key string, value int) *Entry {
	e.fields = append(e.fields, key, value)
	return e
}

func (e *Entry) WithBool(key string, value bool) *Entry {
	e.fields = append(e.fields, key, value)
	return e
}

func (e *Entry) WithParam(key string, value any) *Entry {
	e.fields = append(e.fields, key, value)
	return e
}

func (e *Entry) Log() {
	if e.isError {
		e.logger.Errorw(e.message, e.fields...)
		return
	}
	e.logger.Debugw(e.message, e.fields...)
}
