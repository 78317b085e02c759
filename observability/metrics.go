package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	extractdMetricsOnce sync.Once
	extractdRegistry    *ExtractdMetrics
)

// ExtractdMetrics bundles collectors for the contribution reconciliation engine.
type ExtractdMetrics struct {
	cycles        *prometheus.CounterVec
	cycleLatency  prometheus.Histogram
	cycleRows     prometheus.Histogram
	outcomes      *prometheus.CounterVec
	probeErrors   *prometheus.CounterVec
	accrued       *prometheus.CounterVec
	lastCycleUnix prometheus.Gauge
}

// Extractd returns the lazily-initialised metrics registry for the engine.
func Extractd() *ExtractdMetrics {
	extractdMetricsOnce.Do(func() {
		extractdRegistry = &ExtractdMetrics{
			cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "validatorpass",
				Subsystem: "extractd",
				Name:      "cycles_total",
				Help:      "Count of reconciliation cycles segmented by outcome (committed, rolled_back).",
			}, []string{"outcome"}),
			cycleLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "validatorpass",
				Subsystem: "extractd",
				Name:      "cycle_duration_seconds",
				Help:      "Latency distribution for a full reconciliation cycle.",
				Buckets:   prometheus.DefBuckets,
			}),
			cycleRows: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "validatorpass",
				Subsystem: "extractd",
				Name:      "cycle_submissions",
				Help:      "Number of pending submissions locked per cycle.",
				Buckets:   []float64{0, 1, 2, 5, 10, 25, 50, 100},
			}),
			outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "validatorpass",
				Subsystem: "extractd",
				Name:      "submissions_total",
				Help:      "Count of reconciled submissions segmented by outcome and reason.",
			}, []string{"outcome", "reason"}),
			probeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "validatorpass",
				Subsystem: "extractd",
				Name:      "chain_probe_errors_total",
				Help:      "Count of failed transaction lookups per chain.",
			}, []string{"chain"}),
			accrued: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "validatorpass",
				Subsystem: "extractd",
				Name:      "accrued_seconds_total",
				Help:      "Access seconds granted per chain.",
			}, []string{"chain"}),
			lastCycleUnix: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "validatorpass",
				Subsystem: "extractd",
				Name:      "last_committed_cycle_timestamp_seconds",
				Help:      "Unix time of the last committed reconciliation cycle.",
			}),
		}
		prometheus.MustRegister(
			extractdRegistry.cycles,
			extractdRegistry.cycleLatency,
			extractdRegistry.cycleRows,
			extractdRegistry.outcomes,
			extractdRegistry.probeErrors,
			extractdRegistry.accrued,
			extractdRegistry.lastCycleUnix,
		)
	})
	return extractdRegistry
}

// ObserveCycle records a finished cycle. A non-nil err means the batch rolled back.
func (m *ExtractdMetrics) ObserveCycle(rows int, duration time.Duration, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.cycles.WithLabelValues("rolled_back").Inc()
	} else {
		m.cycles.WithLabelValues("committed").Inc()
		m.lastCycleUnix.SetToCurrentTime()
	}
	m.cycleLatency.Observe(duration.Seconds())
	m.cycleRows.Observe(float64(rows))
}

// RecordOutcome counts a submission outcome. Reasons should be the stable
// reason strings persisted on the submission.
func (m *ExtractdMetrics) RecordOutcome(outcome, reason string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(label(outcome), label(reason)).Inc()
}

// RecordProbeError increments the lookup failure counter for a chain.
func (m *ExtractdMetrics) RecordProbeError(chain string) {
	if m == nil {
		return
	}
	m.probeErrors.WithLabelValues(label(chain)).Inc()
}

// RecordAccrual adds granted access seconds for a chain.
func (m *ExtractdMetrics) RecordAccrual(chain string, seconds int64) {
	if m == nil || seconds <= 0 {
		return
	}
	m.accrued.WithLabelValues(label(chain)).Add(float64(seconds))
}

func label(value string) string {
	trimmed := strings.ToLower(strings.TrimSpace(value))
	if trimmed == "" {
		return "none"
	}
	return strings.ReplaceAll(trimmed, " ", "_")
}
