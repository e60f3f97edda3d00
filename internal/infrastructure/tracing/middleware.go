package tracing

import (
	"context"

	"github.com/gin-gonic/gin"
)

// HTTPMiddleware traces each request and echoes the trace id back in
// the X-Trace-ID response header. An incoming X-Trace-ID is honored so
// callers can correlate across services.
func HTTPMiddleware(tracer *Tracer) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if incoming := c.GetHeader("X-Trace-ID"); incoming != "" {
			ctx = context.WithValue(ctx, traceIDKey, TraceID(incoming))
		}

		span, ctx := tracer.StartSpan(ctx, c.Request.Method+" "+c.FullPath())
		c.Request = c.Request.WithContext(ctx)
		c.Header("X-Trace-ID", string(span.TraceID))

		c.Next()

		span.Status = c.Writer.Status()
		if len(c.Errors) > 0 {
			span.Err = c.Errors.Last()
		}
		tracer.Finish(span)
	}
}
