package tracing

import (
	"context"
	"strconv"

	"github.com/gin-gonic/gin"
	"google.golang.org/grpc"
)

// HTTPMiddleware creates Gin middleware for HTTP tracing
func HTTPMiddleware(tracer *Tracer) gin.HandlerFunc {
	return func(c *gin.Context) {
		span, ctx := tracer.StartSpan(c.Request.Context(), "http "+c.FullPath())
		span.SetTag("http.method", c.Request.Method)

		// Update request context
		c.Request = c.Request.WithContext(ctx)
		c.Header("X-Span-ID", span.SpanID.String())

		// Process request
		c.Next()

		span.SetTag("http.status", strconv.Itoa(c.Writer.Status()))
		if len(c.Errors) > 0 {
			span.SetError(c.Errors.Last())
		}

		span.Finish()
		tracer.Submit(span)
	}
}

// GRPCStreamInterceptor traces the lifetime of each channel stream.
func GRPCStreamInterceptor(tracer *Tracer) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		span, ctx := tracer.StartSpan(ss.Context(), "grpc "+info.FullMethod)

		err := handler(srv, &tracedStream{ServerStream: ss, ctx: ctx})
		if err != nil {
			span.SetError(err)
		}

		span.Finish()
		tracer.Submit(span)
		return err
	}
}

// tracedStream carries the span context into the stream handler.
type tracedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *tracedStream) Context() context.Context {
	return s.ctx
}
