package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	bank "github.com/offlinepay/bank"
)

var (
	verifyTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bankd_verify_total",
		Help: "Ledger verification requests by outcome.",
	}, []string{"outcome"})

	settleTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bankd_settle_total",
		Help: "Ledger settlement requests by outcome.",
	}, []string{"outcome"})

	verifyDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bankd_verify_duration_seconds",
		Help:    "Wall time of ledger verification.",
		Buckets: prometheus.DefBuckets,
	})

	settleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bankd_settle_duration_seconds",
		Help:    "Wall time of ledger settlement.",
		Buckets: prometheus.DefBuckets,
	})
)

// instrument attaches the metric hooks to the bank's lifecycle.
func instrument(b *bank.Bank) {
	b.OnAfterVerify(func(rc bank.VerifyResultContext) error {
		outcome := "valid"
		if !rc.Result.Valid {
			outcome = "invalid"
		}
		verifyTotal.WithLabelValues(outcome).Inc()
		verifyDuration.Observe(rc.Duration.Seconds())
		return nil
	})
	b.OnAfterSettle(func(rc bank.SettleResultContext) error {
		outcome := "settled"
		if !rc.Result.Settled {
			outcome = "rejected"
		}
		settleTotal.WithLabelValues(outcome).Inc()
		settleDuration.Observe(rc.Duration.Seconds())
		return nil
	})
	b.OnVerifyFailure(func(fc bank.VerifyFailureContext) (*bank.VerifyFailureHookResult, error) {
		verifyTotal.WithLabelValues("error").Inc()
		return nil, nil
	})
	b.OnSettleFailure(func(fc bank.SettleFailureContext) (*bank.SettleFailureHookResult, error) {
		settleTotal.WithLabelValues("error").Inc()
		return nil, nil
	})
}
