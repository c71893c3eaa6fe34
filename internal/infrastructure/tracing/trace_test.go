package tracing

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newTracer(t *testing.T) (*Tracer, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	tracer := New("evalworker", zap.New(core))
	t.Cleanup(tracer.Close)
	return tracer, logs
}

func TestStartSpanLinksParent(t *testing.T) {
	tracer, _ := newTracer(t)

	parent, ctx := tracer.StartSpan(context.Background(), "eval")
	assert.Empty(t, parent.ParentID)
	assert.Equal(t, parent.SpanID, GetSpanID(ctx))

	child, childCtx := tracer.StartSpan(ctx, "commit user")
	assert.Equal(t, parent.SpanID, child.ParentID)
	assert.Equal(t, child.SpanID, GetSpanID(childCtx))
	assert.Equal(t, "evalworker", child.Service)
}

func TestSubmitLogsSpan(t *testing.T) {
	tracer, logs := newTracer(t)

	span, _ := tracer.StartSpan(context.Background(), "eval")
	span.SetTag("session", "s1")
	span.SetError(errors.New("boom"))
	span.Finish()
	tracer.Submit(span)

	require.Eventually(t, func() bool {
		return logs.FilterMessage("span completed with error").Len() == 1
	}, time.Second, time.Millisecond)

	entry := logs.FilterMessage("span completed with error").All()[0]
	fields := entry.ContextMap()
	assert.Equal(t, "eval", fields["operation"])
	assert.Equal(t, "s1", fields["session"])
	assert.Equal(t, "boom", fields["error"])
	assert.Equal(t, "s1", span.Tag("session"))
}

func TestSubmitAfterClose(t *testing.T) {
	tracer, logs := newTracer(t)
	tracer.Close()
	tracer.Close()

	span, _ := tracer.StartSpan(context.Background(), "late")
	span.Finish()
	assert.NotPanics(t, func() { tracer.Submit(span) })
	assert.Zero(t, logs.Len())

	var none *Tracer
	assert.NotPanics(t, func() { none.Submit(span) })
}

func TestGetSpanIDEmpty(t *testing.T) {
	assert.Empty(t, GetSpanID(context.Background()))
	assert.Equal(t, "[span:abc]", FormatSpan("abc"))
}

func TestHTTPMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tracer, logs := newTracer(t)

	router := gin.New()
	router.Use(HTTPMiddleware(tracer))
	router.GET("/healthz", func(c *gin.Context) {
		assert.NotEmpty(t, GetSpanID(c.Request.Context()))
		c.Status(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.NotEmpty(t, rec.Header().Get("X-Span-ID"))

	require.Eventually(t, func() bool {
		return logs.FilterMessage("span completed").Len() == 1
	}, time.Second, time.Millisecond)
	fields := logs.FilterMessage("span completed").All()[0].ContextMap()
	assert.Equal(t, "http /healthz", fields["operation"])
	assert.Equal(t, "200", fields["http.status"])
}
