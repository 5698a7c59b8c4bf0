package settlement

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	payoutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_payouts_total",
		Help: "Payout attempts by outcome",
	}, []string{"outcome"})

	feesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_fee_records_total",
		Help: "Fee reconciliation results",
	}, []string{"result"})

	refundsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_refunds_total",
		Help: "Refunds processed by policy",
	}, []string{"policy"})

	issuesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_reconciliation_issues_total",
		Help: "Reconciliation issues recorded by kind",
	}, []string{"kind"})

	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "settlement_job_duration_seconds",
		Help:    "Duration of a settlement job cycle",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 15, 60},
	}, []string{"job"})
)
