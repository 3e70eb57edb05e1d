// Package metrics exposes Prometheus collectors for the credit ledger.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Operations counts ledger operations by name and outcome.
	Operations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "credits",
		Name:      "ledger_operations_total",
		Help:      "Ledger operations by operation name and outcome.",
	}, []string{"operation", "outcome"})

	// CreditsSpent totals credits debited through usage transactions.
	CreditsSpent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "credits",
		Name:      "spent_total",
		Help:      "Total credits spent on metered services.",
	})

	// CreditsGranted totals credits added through purchases, bonuses and refunds.
	CreditsGranted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "credits",
		Name:      "granted_total",
		Help:      "Total credits granted to accounts.",
	})

	// ReconcileMismatches reports how many accounts failed the replay check in
	// the latest reconciliation pass. Anything above zero needs attention.
	ReconcileMismatches = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "credits",
		Name:      "reconcile_mismatched_accounts",
		Help:      "Accounts whose transaction log no longer reproduces the stored balance.",
	})

	// ReconcileRuns counts reconciliation passes by result.
	ReconcileRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "credits",
		Name:      "reconcile_runs_total",
		Help:      "Reconciliation passes by result.",
	}, []string{"result"})
)
