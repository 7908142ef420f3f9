package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Incomer registry metrics
	IncomersRegistered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatcher_incomers_registered_total",
			Help: "Total number of incomers that have completed registration",
		},
	)

	IncomersEvicted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatcher_incomers_evicted_total",
			Help: "Total number of incomers removed from the registry",
		},
		[]string{"reason"}, // reason: idle, unregistered, election
	)

	ActiveIncomers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispatcher_active_incomers",
			Help: "Current number of incomers tracked in the registry",
		},
	)

	// Transaction lifecycle metrics
	TransactionsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatcher_transactions_published_total",
			Help: "Total number of transactions published to an event channel",
		},
		[]string{"event"},
	)

	TransactionsResolved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatcher_transactions_resolved_total",
			Help: "Total number of transactions resolved and removed from both transaction logs",
		},
	)

	TransactionsBackedUp = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatcher_transactions_backed_up_total",
			Help: "Total number of transactions moved into a backup store",
		},
		[]string{"store"}, // store: dispatcher, incomer
	)

	// Reconciliation and election metrics
	ReconciliationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dispatcher_reconciliation_duration_seconds",
			Help:    "Duration of a single reconciliation pass over transaction logs",
			Buckets: prometheus.DefBuckets,
		},
	)

	ElectionOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatcher_election_outcomes_total",
			Help: "Total number of leader election outcomes observed by this process",
		},
		[]string{"outcome"}, // outcome: became_active, standby, relay_won, relay_lost
	)

	PingRoundDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dispatcher_ping_round_duration_seconds",
			Help:    "Duration of a full ping round across all registered incomers",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Validation metrics
	EnvelopesValidated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatcher_envelopes_validated_total",
			Help: "Total number of inbound envelopes checked against JSON schemas",
		},
		[]string{"event", "result"}, // result: valid, invalid
	)
)

// RecordTransactionPublished increments the publish counter for an event name.
func RecordTransactionPublished(event string) {
	TransactionsPublished.WithLabelValues(event).Inc()
}

// RecordTransactionBackedUp increments the backup counter for the store side
// (dispatcher or incomer) that received the orphaned transaction.
func RecordTransactionBackedUp(store string) {
	TransactionsBackedUp.WithLabelValues(store).Inc()
}

// RecordIncomerEvicted increments the eviction counter for a given reason and
// keeps the active-incomer gauge in sync.
func RecordIncomerEvicted(reason string, remaining int) {
	IncomersEvicted.WithLabelValues(reason).Inc()
	ActiveIncomers.Set(float64(remaining))
}

// RecordElectionOutcome increments the election outcome counter.
func RecordElectionOutcome(outcome string) {
	ElectionOutcomes.WithLabelValues(outcome).Inc()
}

// RecordEnvelopeValidation increments the validation counter for an event name
// and result (valid/invalid).
func RecordEnvelopeValidation(event string, valid bool) {
	result := "valid"
	if !valid {
		result = "invalid"
	}
	EnvelopesValidated.WithLabelValues(event, result).Inc()
}
