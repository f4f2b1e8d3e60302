package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	ClaimsGranted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "fulfillment_claims_granted_total", Help: "Job leases granted to workers"})
	ClaimsEmpty      = prometheus.NewCounter(prometheus.CounterOpts{Name: "fulfillment_claims_empty_total", Help: "Claim calls that found no eligible job"})
	JobsCompleted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "fulfillment_jobs_completed_total", Help: "Jobs completed successfully"})
	JobsFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "fulfillment_jobs_failed_total", Help: "Job failures reported by workers"})
	JobsTerminal     = prometheus.NewCounter(prometheus.CounterOpts{Name: "fulfillment_jobs_terminal_total", Help: "Jobs that exhausted their attempts"})
	LostLeases       = prometheus.NewCounter(prometheus.CounterOpts{Name: "fulfillment_lost_leases_total", Help: "Renew/complete calls that found ownership reclaimed"})
	LeasesRepaired   = prometheus.NewCounter(prometheus.CounterOpts{Name: "fulfillment_leases_repaired_total", Help: "Expired leases freed by reconciliation"})
	OrphansRecovered = prometheus.NewCounter(prometheus.CounterOpts{Name: "fulfillment_orphans_recovered_total", Help: "Orphaned jobs recovered by reconciliation"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "fulfillment_rate_limit_rejects_total", Help: "Job submissions rejected by rate limiter"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "fulfillment_queue_depth", Help: "Jobs currently pending"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "fulfillment_inflight", Help: "Jobs currently leased"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			ClaimsGranted,
			ClaimsEmpty,
			JobsCompleted,
			JobsFailed,
			JobsTerminal,
			LostLeases,
			LeasesRepaired,
			OrphansRecovered,
			RateLimitRejects,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
