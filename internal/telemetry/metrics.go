package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	PipelineRuns     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "outreach_pipeline_runs_total", Help: "Pipeline runs by terminal status"}, []string{"status"})
	TenantSkips      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "outreach_tenant_skips_total", Help: "Tenants skipped in a cycle by reason"}, []string{"reason"})
	PublishAttempts  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "outreach_publish_attempts_total", Help: "Publish attempts by outcome and error class"}, []string{"outcome", "class"})
	QueueTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "outreach_queue_transitions_total", Help: "Queue item status transitions"}, []string{"from", "to"})
	QueueEnqueued    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "outreach_queue_enqueued_total", Help: "Enqueue calls by result"}, []string{"result"})
	TokenRefreshes   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "outreach_token_refreshes_total", Help: "Credential refreshes by result"}, []string{"result"})
	AdminActions     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "outreach_admin_actions_total", Help: "Control-plane invocations by command and status"}, []string{"command", "status"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "outreach_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	HTTPRequests     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "outreach_http_requests_total", Help: "HTTP requests by route and status"}, []string{"route", "status"})
	KillSwitchGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "outreach_kill_switch_engaged", Help: "1 when the global kill switch was last observed engaged"})
	LocksHeldGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "outreach_pipeline_locks_held", Help: "Pipeline leases held by this process"})
	CycleDuration    = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "outreach_cycle_duration_seconds", Help: "Scheduler cycle wall time", Buckets: prometheus.DefBuckets})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			PipelineRuns,
			TenantSkips,
			PublishAttempts,
			QueueTransitions,
			QueueEnqueued,
			TokenRefreshes,
			AdminActions,
			RateLimitRejects,
			HTTPRequests,
			KillSwitchGauge,
			LocksHeldGauge,
			CycleDuration,
		)
	})
	return promhttp.Handler()
}
