package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// GatewayMetrics aggregates the counters and histograms of the payment
// lifecycle. Methods are nil-safe so callers need no guard.
type GatewayMetrics struct {
	paymentsSubmitted    *prometheus.CounterVec
	paymentsInvalid      *prometheus.CounterVec
	messagesIngested     *prometheus.CounterVec
	messagesQuarantined  *prometheus.CounterVec
	transactionsUpserted *prometheus.CounterVec
	syncFailures         *prometheus.CounterVec
	syncDuration         *prometheus.HistogramVec
}

var (
	gatewayOnce     sync.Once
	gatewayRegistry *GatewayMetrics
)

// Gateway returns the process-wide metrics set, registering it on first use.
func Gateway() *GatewayMetrics {
	gatewayOnce.Do(func() {
		gatewayRegistry = &GatewayMetrics{
			paymentsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "ebicsgw_payments_submitted_total",
				Help: "Count of payment initiations accepted by the bank.",
			}, []string{"connection"}),
			paymentsInvalid: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "ebicsgw_payments_invalid_total",
				Help: "Count of payment initiations rejected with a fatal code.",
			}, []string{"connection"}),
			messagesIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "ebicsgw_messages_ingested_total",
				Help: "Count of bank messages stored, including duplicates skipped.",
			}, []string{"connection", "outcome"}),
			messagesQuarantined: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "ebicsgw_messages_quarantined_total",
				Help: "Count of bank messages that failed camt parsing.",
			}, []string{"connection"}),
			transactionsUpserted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "ebicsgw_transactions_upserted_total",
				Help: "Count of normalized transactions written to the ledger.",
			}, []string{"connection"}),
			syncFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "ebicsgw_sync_failures_total",
				Help: "Count of failed sync rounds by operation.",
			}, []string{"connection", "op"}),
			syncDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "ebicsgw_sync_duration_seconds",
				Help:    "Wall time of one sync operation against the bank.",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
			}, []string{"connection", "op"}),
		}
		prometheus.MustRegister(
			gatewayRegistry.paymentsSubmitted,
			gatewayRegistry.paymentsInvalid,
			gatewayRegistry.messagesIngested,
			gatewayRegistry.messagesQuarantined,
			gatewayRegistry.transactionsUpserted,
			gatewayRegistry.syncFailures,
			gatewayRegistry.syncDuration,
		)
	})
	return gatewayRegistry
}

func (m *GatewayMetrics) PaymentSubmitted(connection string) {
	if m == nil {
		return
	}
	m.paymentsSubmitted.WithLabelValues(connection).Inc()
}

func (m *GatewayMetrics) PaymentInvalid(connection string) {
	if m == nil {
		return
	}
	m.paymentsInvalid.WithLabelValues(connection).Inc()
}

func (m *GatewayMetrics) MessageIngested(connection, outcome string) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "stored"
	}
	m.messagesIngested.WithLabelValues(connection, outcome).Inc()
}

func (m *GatewayMetrics) MessageQuarantined(connection string) {
	if m == nil {
		return
	}
	m.messagesQuarantined.WithLabelValues(connection).Inc()
}

func (m *GatewayMetrics) TransactionsUpserted(connection string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.transactionsUpserted.WithLabelValues(connection).Add(float64(n))
}

func (m *GatewayMetrics) SyncFailure(connection, op string) {
	if m == nil {
		return
	}
	m.syncFailures.WithLabelValues(connection, op).Inc()
}

func (m *GatewayMetrics) ObserveSync(connection, op string, seconds float64) {
	if m == nil {
		return
	}
	m.syncDuration.WithLabelValues(connection, op).Observe(seconds)
}
