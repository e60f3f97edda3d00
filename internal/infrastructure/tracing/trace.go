package tracing

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/HatcherDX/dx-engine-sub007/internal/shared/id"
)

// TraceID identifies one request across log lines.
type TraceID string

// Span records one traced operation.
type Span struct {
	TraceID   TraceID
	Name      string
	Service   string
	StartTime time.Time
	Duration  time.Duration
	Status    int
	Err       error
}

// Tracer assigns trace ids to requests and logs completed spans.
type Tracer struct {
	service string
	logger  *zap.Logger
	idgen   *id.Generator
	// SlowThreshold promotes a span to a warning log when exceeded.
	SlowThreshold time.Duration
}

// New creates a tracer for one service.
func New(service string, logger *zap.Logger) *Tracer {
	return &Tracer{
		service:       service,
		logger:        logger,
		idgen:         id.NewGenerator(),
		SlowThreshold: time.Second,
	}
}

// StartSpan begins a span, reusing the trace id already on ctx when a
// caller propagated one.
func (t *Tracer) StartSpan(ctx context.Context, name string) (*Span, context.Context) {
	traceID, _ := ctx.Value(traceIDKey).(TraceID)
	if traceID == "" {
		traceID = TraceID(t.idgen.NewRequestID())
	}

	span := &Span{
		TraceID:   traceID,
		Name:      name,
		Service:   t.service,
		StartTime: time.Now(),
	}
	return span, context.WithValue(ctx, traceIDKey, traceID)
}

// Finish completes the span and logs it.
func (t *Tracer) Finish(span *Span) {
	span.Duration = time.Since(span.StartTime)

	fields := []zap.Field{
		zap.String("trace_id", string(span.TraceID)),
		zap.String("operation", span.Name),
		zap.Duration("duration", span.Duration),
		zap.Int("status", span.Status),
	}

	switch {
	case span.Err != nil:
		t.logger.Error("request failed", append(fields, zap.Error(span.Err))...)
	case span.Duration >= t.SlowThreshold:
		t.logger.Warn("slow request", fields...)
	default:
		t.logger.Debug("request completed", fields...)
	}
}

type contextKey string

const traceIDKey contextKey = "trace_id"

// GetTraceID retrieves the trace id from context, empty when untraced.
func GetTraceID(ctx context.Context) TraceID {
	traceID, _ := ctx.Value(traceIDKey).(TraceID)
	return traceID
}
