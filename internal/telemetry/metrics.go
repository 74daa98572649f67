package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the Prometheus collectors a replica publishes. They never
// influence control flow — a replica with a nil *Metrics behaves
// identically to one wired into a server's /metrics endpoint.
type Metrics struct {
	Commits       prometheus.Counter
	PacksWritten  prometheus.Counter
	BlocksWritten prometheus.Counter
	ConflictsOpen prometheus.Gauge
	Reloads       prometheus.Counter
	Refreshes     prometheus.Counter
	Melds         prometheus.Counter
	OrphansGCed   prometheus.Counter
}

// NewMetrics registers the engine's collectors against reg and returns the
// handles the rest of the code increments. Pass prometheus.NewRegistry()
// for an isolated registry (tests, multiple replicas in one process) or
// prometheus.DefaultRegisterer to expose on the process-wide /metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Commits: factory.NewCounter(prometheus.CounterOpts{
			Name: "deltacrdt_commits_total",
			Help: "Number of replica commits performed.",
		}),
		PacksWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "deltacrdt_packs_written_total",
			Help: "Number of packs written by the data store.",
		}),
		BlocksWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "deltacrdt_blocks_written_total",
			Help: "Number of delta blocks written.",
		}),
		ConflictsOpen: factory.NewGauge(prometheus.GaugeOpts{
			Name: "deltacrdt_conflicts_open",
			Help: "Number of logical objects currently in conflict.",
		}),
		Reloads: factory.NewCounter(prometheus.CounterOpts{
			Name: "deltacrdt_reloads_total",
			Help: "Number of full reloads performed.",
		}),
		Refreshes: factory.NewCounter(prometheus.CounterOpts{
			Name: "deltacrdt_refreshes_total",
			Help: "Number of incremental refreshes performed.",
		}),
		Melds: factory.NewCounter(prometheus.CounterOpts{
			Name: "deltacrdt_melds_total",
			Help: "Number of melds against another replica's adapter.",
		}),
		OrphansGCed: factory.NewCounter(prometheus.CounterOpts{
			Name: "deltacrdt_orphans_gc_total",
			Help: "Number of unreachable packs (with their index sidecars) removed by GC.",
		}),
	}
}
