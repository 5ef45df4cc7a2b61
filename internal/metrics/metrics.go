// Package metrics is the node's shared plumbing for counters and latency
// samples (spec §2, §6 "/metrics"). It wraps a Prometheus registry so the
// cache, the queue, the failure detector, and the HTTP server's lock
// handlers all publish through one place, the way the teacher's
// server.Metrics centralized counters for the whole node.
package metrics

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Registry holds every counter/histogram the node exposes plus the
// lightweight latency-sample bookkeeping needed to report percentiles on
// the JSON summary served at /metrics/summary, independent of the Prometheus
// text format served at /metrics.
type Registry struct {
	reg *prometheus.Registry

	CacheHits      prometheus.Counter
	CacheMisses    prometheus.Counter
	LockAcquires   prometheus.Counter
	LockDeadlocks  prometheus.Counter
	QueuePushes    prometheus.Counter
	QueuePops      prometheus.Counter
	QueueRedeliver prometheus.Counter
	PeerUp         *prometheus.GaugeVec

	mu        sync.Mutex
	latencies map[string][]time.Duration
}

// New builds a Registry with all node-level collectors registered.
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_hits_total", Help: "Cache get() calls that found a key.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_misses_total", Help: "Cache get() calls that missed.",
		}),
		LockAcquires: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lock_acquire_total", Help: "Completed acquire operations, any result.",
		}),
		LockDeadlocks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lock_deadlock_total", Help: "Acquire attempts rejected for deadlock.",
		}),
		QueuePushes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "queue_push_total", Help: "Messages pushed, across all topics.",
		}),
		QueuePops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "queue_pop_total", Help: "Messages popped, across all topics.",
		}),
		QueueRedeliver: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "queue_redeliver_total", Help: "Messages redelivered after a visibility timeout.",
		}),
		PeerUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "peer_up", Help: "1 if the failure detector considers the peer up, else 0.",
		}, []string{"peer"}),
		latencies: make(map[string][]time.Duration),
	}
	r.reg.MustRegister(r.CacheHits, r.CacheMisses, r.LockAcquires, r.LockDeadlocks,
		r.QueuePushes, r.QueuePops, r.QueueRedeliver, r.PeerUp)
	return r
}

// Prometheus exposes the underlying registry, for wiring promhttp.Handler.
func (r *Registry) Prometheus() *prometheus.Registry {
	return r.reg
}

// Observe records a latency sample for a named operation (e.g. "cache_get",
// "lock_acquire"). Samples are kept bounded per-operation so long-running
// nodes don't grow memory without limit.
func (r *Registry) Observe(op string, d time.Duration) {
	const maxSamples = 10000
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.latencies[op]
	if len(s) >= maxSamples {
		s = s[1:]
	}
	r.latencies[op] = append(s, d)
}

// Snapshot is the JSON-serializable summary returned by GET /metrics/summary.
// GET /metrics serves only the Prometheus text format, which carries neither
// cache_hit_rate_percent nor these latency percentiles.
type Snapshot struct {
	CacheHitRatePercent float64                  `json:"cache_hit_rate_percent"`
	Counters            map[string]float64       `json:"counters"`
	LatencyMs           map[string]LatencySample `json:"latency_ms"`
}

// LatencySample is a percentile summary of one operation's recorded latencies.
type LatencySample struct {
	Avg float64 `json:"avg"`
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

// Snapshot builds the JSON metrics summary. It does not mutate state.
func (r *Registry) Snapshot() Snapshot {
	hits := counterValue(r.CacheHits)
	misses := counterValue(r.CacheMisses)
	var hitRate float64
	if total := hits + misses; total > 0 {
		hitRate = 100 * hits / total
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	latency := make(map[string]LatencySample, len(r.latencies))
	for op, samples := range r.latencies {
		latency[op] = percentileSummary(samples)
	}

	return Snapshot{
		CacheHitRatePercent: hitRate,
		Counters: map[string]float64{
			"cache_hits":       hits,
			"cache_misses":     misses,
			"lock_acquires":    counterValue(r.LockAcquires),
			"lock_deadlocks":   counterValue(r.LockDeadlocks),
			"queue_pushes":     counterValue(r.QueuePushes),
			"queue_pops":       counterValue(r.QueuePops),
			"queue_redeliver":  counterValue(r.QueueRedeliver),
		},
		LatencyMs: latency,
	}
}

func counterValue(c prometheus.Counter) float64 {
	var m dto.Metric
	_ = c.Write(&m)
	return m.GetCounter().GetValue()
}

func percentileSummary(samples []time.Duration) LatencySample {
	if len(samples) == 0 {
		return LatencySample{}
	}
	sorted := make([]time.Duration, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var total time.Duration
	for _, d := range sorted {
		total += d
	}
	ms := func(d time.Duration) float64 { return float64(d.Microseconds()) / 1000.0 }
	idx := func(pct int) time.Duration {
		i := len(sorted) * pct / 100
		if i >= len(sorted) {
			i = len(sorted) - 1
		}
		return sorted[i]
	}
	return LatencySample{
		Avg: ms(total) / float64(len(sorted)),
		P50: ms(idx(50)),
		P95: ms(idx(95)),
		P99: ms(idx(99)),
	}
}
