package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// TreasuryMetrics exposes Prometheus collectors for the signing, transfer,
// and distribution paths.
type TreasuryMetrics struct {
	transfers         *prometheus.CounterVec
	transferLatency   *prometheus.HistogramVec
	signingErrors     *prometheus.CounterVec
	bridgeSwaps       *prometheus.CounterVec
	distributionCents *prometheus.CounterVec
	chipsIssued       prometheus.Counter
	batchRuns         *prometheus.CounterVec
}

var (
	treasuryOnce     sync.Once
	treasuryRegistry *TreasuryMetrics
)

// Treasury returns the lazily initialised metrics registry.
func Treasury() *TreasuryMetrics {
	treasuryOnce.Do(func() {
		treasuryRegistry = &TreasuryMetrics{
			transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "treasury",
				Subsystem: "transfer",
				Name:      "submissions_total",
				Help:      "Token transfer submissions segmented by pool and outcome.",
			}, []string{"pool", "outcome"}),
			transferLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "treasury",
				Subsystem: "transfer",
				Name:      "submission_duration_seconds",
				Help:      "Latency from nonce fetch to broadcast per pool.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"pool"}),
			signingErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "treasury",
				Subsystem: "signer",
				Name:      "errors_total",
				Help:      "Remote signing failures segmented by reason.",
			}, []string{"reason"}),
			bridgeSwaps: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "treasury",
				Subsystem: "bridge",
				Name:      "swaps_total",
				Help:      "Cross-chain swap submissions segmented by outcome.",
			}, []string{"outcome"}),
			distributionCents: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "treasury",
				Subsystem: "distribution",
				Name:      "awarded_cents_total",
				Help:      "Cents awarded through the ledger segmented by kind.",
			}, []string{"kind"}),
			chipsIssued: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "treasury",
				Subsystem: "affiliate",
				Name:      "chips_issued_total",
				Help:      "Affiliate chips issued from referred-member scans.",
			}),
			batchRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "treasury",
				Subsystem: "scheduler",
				Name:      "batch_runs_total",
				Help:      "Scheduled batch executions segmented by job and outcome.",
			}, []string{"job", "outcome"}),
		}
		prometheus.MustRegister(
			treasuryRegistry.transfers,
			treasuryRegistry.transferLatency,
			treasuryRegistry.signingErrors,
			treasuryRegistry.bridgeSwaps,
			treasuryRegistry.distributionCents,
			treasuryRegistry.chipsIssued,
			treasuryRegistry.batchRuns,
		)
	})
	return treasuryRegistry
}

// RecordTransfer counts a submission outcome and its latency.
func (m *TreasuryMetrics) RecordTransfer(pool, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	pool = normalizeLabel(pool)
	m.transfers.WithLabelValues(pool, normalizeLabel(outcome)).Inc()
	m.transferLatency.WithLabelValues(pool).Observe(elapsed.Seconds())
}

// RecordSigningError counts a signing failure by reason.
func (m *TreasuryMetrics) RecordSigningError(reason string) {
	if m == nil {
		return
	}
	m.signingErrors.WithLabelValues(normalizeLabel(reason)).Inc()
}

// RecordBridgeSwap counts a bridge swap outcome.
func (m *TreasuryMetrics) RecordBridgeSwap(outcome string) {
	if m == nil {
		return
	}
	m.bridgeSwaps.WithLabelValues(normalizeLabel(outcome)).Inc()
}

// RecordDistribution accumulates awarded cents by ledger kind.
func (m *TreasuryMetrics) RecordDistribution(kind string, cents int64) {
	if m == nil || cents <= 0 {
		return
	}
	m.distributionCents.WithLabelValues(normalizeLabel(kind)).Add(float64(cents))
}

// RecordChipIssued counts a minted affiliate chip.
func (m *TreasuryMetrics) RecordChipIssued() {
	if m == nil {
		return
	}
	m.chipsIssued.Inc()
}

// RecordBatchRun counts a scheduled job execution outcome.
func (m *TreasuryMetrics) RecordBatchRun(job, outcome string) {
	if m == nil {
		return
	}
	m.batchRuns.WithLabelValues(normalizeLabel(job), normalizeLabel(outcome)).Inc()
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(strings.ToLower(value))
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
