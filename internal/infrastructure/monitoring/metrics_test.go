package monitoring

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// value gathers the registry and returns the sample of name whose labels
// match, or -1 when absent.
func value(t *testing.T, m *Metrics, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)

	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metrics:
		for _, metric := range mf.GetMetric() {
			for _, lp := range metric.GetLabel() {
				if labels[lp.GetName()] != lp.GetValue() {
					continue metrics
				}
			}
			switch {
			case metric.GetCounter() != nil:
				return metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				return metric.GetGauge().GetValue()
			case metric.GetHistogram() != nil:
				return float64(metric.GetHistogram().GetSampleCount())
			}
		}
	}
	return -1
}

func TestOutcome(t *testing.T) {
	assert.Equal(t, OutcomeSuccess, Outcome(nil))
	assert.Equal(t, OutcomeError, Outcome(errors.New("x")))
	assert.Equal(t, OutcomeTimeout, Outcome(fmt.Errorf("wrapped: %w", context.DeadlineExceeded)))
	assert.Equal(t, OutcomeCanceled, Outcome(context.Canceled))
}

func TestRecorders(t *testing.T) {
	m := NewMetrics()

	m.RecordInvocation("eval", OutcomeSuccess, time.Millisecond)
	m.RecordInvocation("eval", OutcomeSuccess, time.Millisecond)
	m.RecordCommit("user", errors.New("denied"))
	m.RecordHostCall("send", time.Millisecond, nil)
	m.ObserveSlotWait(time.Microsecond)
	m.SetAddons(3)
	m.IncConnections()
	m.IncConnections()
	m.DecConnections()

	assert.Equal(t, 2.0, value(t, m, "evalworker_invocations_total", map[string]string{"kind": "eval", "outcome": "success"}))
	assert.Equal(t, 2.0, value(t, m, "evalworker_invocation_duration_seconds", map[string]string{"kind": "eval"}))
	assert.Equal(t, 1.0, value(t, m, "evalworker_commits_total", map[string]string{"record": "user", "outcome": "error"}))
	assert.Equal(t, 1.0, value(t, m, "evalworker_host_calls_total", map[string]string{"method": "send", "outcome": "success"}))
	assert.Equal(t, 1.0, value(t, m, "evalworker_sandbox_slot_wait_seconds", nil))
	assert.Equal(t, 3.0, value(t, m, "evalworker_addons", nil))
	assert.Equal(t, 1.0, value(t, m, "evalworker_connections", nil))
	assert.Greater(t, m.Uptime(), time.Duration(0))
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordInvocation("eval", OutcomeError, time.Second)
		m.RecordCommit("user", nil)
		m.RecordHostCall("send", time.Second, nil)
		m.ObserveSlotWait(time.Second)
		m.SetAddons(1)
		m.IncConnections()
		m.DecConnections()
		m.RecordHTTPRequest("GET", "/", "200")
		NewTimer(m, "eval").Stop(OutcomeSuccess)
	})
	assert.Zero(t, m.Uptime())
}

func TestTimer(t *testing.T) {
	m := NewMetrics()
	d := NewTimer(m, "addon").Stop(OutcomeError)
	assert.GreaterOrEqual(t, d, time.Duration(0))
	assert.Equal(t, 1.0, value(t, m, "evalworker_invocations_total", map[string]string{"kind": "addon", "outcome": "error"}))
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := NewMetrics()
	router := gin.New()
	router.Use(Middleware(m))
	router.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })

	for _, path := range []string{"/healthz", "/nope"} {
		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	assert.Equal(t, 1.0, value(t, m, "evalworker_http_requests_total", map[string]string{"method": "GET", "path": "/healthz", "status": "200"}))
	assert.Equal(t, 1.0, value(t, m, "evalworker_http_requests_total", map[string]string{"method": "GET", "path": "unmatched", "status": "404"}))
}

func TestHandlerExposesRegistry(t *testing.T) {
	m := NewMetrics()
	m.SetAddons(2)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "evalworker_addons 2")
	assert.Contains(t, rec.Body.String(), "evalworker_uptime_seconds")
}
