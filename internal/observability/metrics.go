package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	poolCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "duplexrpc",
			Subsystem: "pool",
			Name:      "calls_total",
			Help:      "Calls dispatched to pool workers.",
		},
		[]string{"pool", "method"},
	)
	poolCompletions = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "duplexrpc",
			Subsystem: "pool",
			Name:      "call_duration_seconds",
			Help:      "Time from dispatch to terminal response.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"pool", "method", "outcome"},
	)
	correlationFaults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "duplexrpc",
			Subsystem: "pool",
			Name:      "correlation_faults_total",
			Help:      "Responses whose id did not match the oldest outstanding call.",
		},
		[]string{"pool"},
	)
	workerExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "duplexrpc",
			Subsystem: "pool",
			Name:      "worker_exits_total",
			Help:      "Worker process exits and the calls they failed.",
		},
		[]string{"pool", "reason"},
	)
	socketEpisodes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "duplexrpc",
			Subsystem: "socket",
			Name:      "episodes_total",
			Help:      "Socket connection episodes by result.",
		},
		[]string{"result"},
	)
	socketCoalesced = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "duplexrpc",
			Subsystem: "socket",
			Name:      "interactive_coalesced_total",
			Help:      "Interactive calls dropped because a newer call replaced them.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(poolCalls, poolCompletions, correlationFaults, workerExits, socketEpisodes, socketCoalesced)
	})
}

func RecordPoolCall(pool, method string) {
	RegisterMetrics()
	poolCalls.WithLabelValues(pool, method).Inc()
}

func RecordPoolCompletion(pool, method string, failed bool, duration time.Duration) {
	RegisterMetrics()
	outcome := "ok"
	if failed {
		outcome = "error"
	}
	poolCompletions.WithLabelValues(pool, method, outcome).Observe(duration.Seconds())
}

func RecordCorrelationFault(pool string) {
	RegisterMetrics()
	correlationFaults.WithLabelValues(pool).Inc()
}

func RecordWorkerExit(pool, reason string) {
	RegisterMetrics()
	workerExits.WithLabelValues(pool, reason).Inc()
}

// RecordSocketEpisode counts one connection episode. result is "open",
// "failed" or "closed".
func RecordSocketEpisode(result string) {
	RegisterMetrics()
	socketEpisodes.WithLabelValues(result).Inc()
}

func RecordInteractiveCoalesced() {
	RegisterMetrics()
	socketCoalesced.Inc()
}
