/*
Package tracing records lightweight spans for invocations, host calls and
diagnostics requests.

Spans are created with StartSpan, finished by the caller and handed to the
tracer with Submit. A single collector goroutine drains a buffered channel
and logs each span at debug level, so tracing costs nothing visible unless
the logger runs at debug.

# Usage

	tracer := tracing.New("evalworker", logger)
	defer tracer.Close()

	span, ctx := tracer.StartSpan(ctx, "eval")
	span.SetTag("session_id", sessionID)
	defer func() {
		span.Finish()
		tracer.Submit(span)
	}()

The HTTP middleware instruments the diagnostics router and the stream
interceptor instruments the gRPC channel service.
*/
package tracing
