package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// EscrowMetrics aggregates the counters recorded as deposits, settlements and
// withdrawals flow through the ledgers.
type EscrowMetrics struct {
	deposits      *prometheus.CounterVec
	registrations *prometheus.CounterVec
	withdrawals   *prometheus.CounterVec
	rpcRequests   *prometheus.CounterVec
}

var (
	escrowOnce     sync.Once
	escrowRegistry *EscrowMetrics
)

// Escrow returns the lazily-initialised escrow metrics registry.
func Escrow() *EscrowMetrics {
	escrowOnce.Do(func() {
		escrowRegistry = &EscrowMetrics{
			deposits: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "escrow_deposits_total",
				Help: "Count of accepted deposits by asset class.",
			}, []string{"asset"}),
			registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "escrow_registrations_total",
				Help: "Count of fulfillment registrations by asset class and outcome.",
			}, []string{"asset", "outcome"}),
			withdrawals: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "escrow_withdrawals_total",
				Help: "Count of refund and beneficiary withdrawals by asset class and kind.",
			}, []string{"asset", "kind"}),
			rpcRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "escrow_rpc_requests_total",
				Help: "Total JSON-RPC requests segmented by method and outcome.",
			}, []string{"method", "outcome"}),
		}
		prometheus.MustRegister(
			escrowRegistry.deposits,
			escrowRegistry.registrations,
			escrowRegistry.withdrawals,
			escrowRegistry.rpcRequests,
		)
	})
	return escrowRegistry
}

// ObserveDeposit records an accepted deposit.
func (m *EscrowMetrics) ObserveDeposit(asset string) {
	m.deposits.WithLabelValues(asset).Inc()
}

// ObserveRegistration records a settled fulfillment.
func (m *EscrowMetrics) ObserveRegistration(asset, outcome string) {
	m.registrations.WithLabelValues(asset, outcome).Inc()
}

// ObserveWithdrawal records a refund or beneficiary payout.
func (m *EscrowMetrics) ObserveWithdrawal(asset, kind string) {
	m.withdrawals.WithLabelValues(asset, kind).Inc()
}

// ObserveRPC records a JSON-RPC request outcome.
func (m *EscrowMetrics) ObserveRPC(method, outcome string) {
	m.rpcRequests.WithLabelValues(method, outcome).Inc()
}
