/*
Package tracing assigns per-request trace ids and logs span timings.

# Usage

	tracer := tracing.New("termserver", logger)
	router.Use(tracing.HTTPMiddleware(tracer))

Completed spans log at debug level, slow ones at warn, failed ones at
error. The trace id is echoed in the X-Trace-ID response header and an
incoming X-Trace-ID header is honored for cross-service correlation.
*/
package tracing
