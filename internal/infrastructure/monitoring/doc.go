/*
Package monitoring exposes Prometheus metrics for the eval worker.

Metrics live on a private registry together with the Go and process
collectors. Every recording method tolerates a nil *Metrics so packages can
be used without monitoring wired in.

# Metrics

  - evalworker_invocations_total{kind,outcome} and the matching duration histogram
  - evalworker_commits_total{record,outcome}
  - evalworker_host_calls_total{method,outcome} and the matching duration histogram
  - evalworker_sandbox_slot_wait_seconds
  - evalworker_addons, evalworker_connections
  - evalworker_http_requests_total for the diagnostics router

# Usage

	metrics := monitoring.NewMetrics()
	router.Use(monitoring.Middleware(metrics))
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	timer := monitoring.NewTimer(metrics, "eval")
	// ... run ...
	timer.Stop(monitoring.Outcome(err))
*/
package monitoring
