package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sos_transitions_total",
		Help: "SOS request transitions grouped by event type.",
	}, []string{"type"})

	lockAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sos_lock_attempts_total",
		Help: "Ledger lock attempts grouped by outcome.",
	}, []string{"result"})

	acceptDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sos_accept_duration_seconds",
		Help:    "Time spent adjudicating a driver acceptance.",
		Buckets: prometheus.DefBuckets,
	})

	ledgerReleaseFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sos_ledger_release_failures_total",
		Help: "Ledger releases that failed after the transition was persisted.",
	})

	activeRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sos_active_requests",
		Help: "Requests currently pending, assigned or in pickup.",
	})
)
