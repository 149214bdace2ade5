// Package metrics bundles the coordinator's Prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the marketplace coordinator.
type Metrics struct {
	// Hire pipeline
	HiresTotal      *prometheus.CounterVec
	HireDuration    *prometheus.HistogramVec
	CollusionBlocks *prometheus.CounterVec

	// Selection
	SelectionsTotal *prometheus.CounterVec
	AuctionsTotal   prometheus.Counter

	// Payments
	PaymentsTotal     *prometheus.CounterVec
	MicroPayments     prometheus.Counter
	EscrowHeld        prometheus.Gauge
	DelegationReserve *prometheus.CounterVec

	// Verifiable jobs
	JobTransitions *prometheus.CounterVec

	// Quotes
	QuotesIssued   prometheus.Counter
	QuotesExecuted prometheus.Counter
	QuotesExpired  prometheus.Counter
}

// New creates and registers all coordinator metrics.
func New() *Metrics {
	return &Metrics{
		HiresTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordinator_hires_total",
				Help: "Total hire attempts by capability and outcome",
			},
			[]string{"capability", "outcome"}, // outcome: success, no_candidates, collusion, payment_failed, execute_failed, depth, cycle
		),
		HireDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "coordinator_hire_duration_seconds",
				Help:    "End-to-end duration of a single hire",
				Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"capability"},
		),
		CollusionBlocks: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordinator_collusion_blocks_total",
				Help: "Hires blocked by the collusion detector",
			},
			[]string{"alert_type"}, // same_owner, price_gouging, rapid_repeat, graph_cluster
		),
		SelectionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordinator_selections_total",
				Help: "Selector decisions by capability",
			},
			[]string{"capability"},
		),
		AuctionsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "coordinator_auctions_total",
				Help: "Attention auctions run",
			},
		),
		PaymentsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordinator_payments_total",
				Help: "Ledger transfers by status",
			},
			[]string{"status"}, // confirmed, failed
		),
		MicroPayments: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "coordinator_micropayments_total",
				Help: "Streaming micro-payments emitted",
			},
		),
		EscrowHeld: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "coordinator_escrow_held_minor",
				Help: "USDC minor units currently held by the verifiable job manager",
			},
		),
		DelegationReserve: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordinator_delegation_reservations_total",
				Help: "Delegated-budget reservation attempts",
			},
			[]string{"result"}, // ok, exhausted, released
		),
		JobTransitions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordinator_job_transitions_total",
				Help: "Verifiable job state transitions",
			},
			[]string{"to_state"},
		),
		QuotesIssued: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "coordinator_quotes_issued_total",
				Help: "Quotes generated",
			},
		),
		QuotesExecuted: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "coordinator_quotes_executed_total",
				Help: "Quotes that passed payment verification and executed",
			},
		),
		QuotesExpired: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "coordinator_quotes_expired_total",
				Help: "Quotes that expired before payment",
			},
		),
	}
}
