package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Agent-level counters and gauges, exported on the wakeup server's /metrics.
var (
	ClaimsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vfagent_claims_total",
		Help: "Claim RPCs that returned a job.",
	})
	JobsCompletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vfagent_jobs_completed_total",
		Help: "Jobs finished with a successful complete call.",
	})
	JobsFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vfagent_jobs_failed_total",
		Help: "Jobs that ended in a fail call, by pipeline stage.",
	}, []string{"stage"})
	JobsInterruptedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vfagent_jobs_interrupted_total",
		Help: "Jobs interrupted by the RAM watchdog.",
	})
	BytesDownloadedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vfagent_bytes_downloaded_total",
		Help: "Source bytes fetched, across all jobs.",
	})
	ActiveJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vfagent_active_jobs",
		Help: "Jobs currently owned by workers.",
	})
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vfagent_queue_depth",
		Help: "Jobs waiting in the bounded queue.",
	})
	WakeupsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vfagent_wakeups_total",
		Help: "Authorized wakeup requests received.",
	})
	HeartbeatFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vfagent_heartbeat_failures_total",
		Help: "Heartbeats with no coordinator response.",
	})
)
