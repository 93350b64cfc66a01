// Package metrics exposes the prometheus instrumentation surface for the
// softswitch core: transaction/dialog counts, registration and digest
// failures, STUN round-trip outcomes.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TransactionsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sipcore",
		Subsystem: "transaction",
		Name:      "started_total",
		Help:      "Client and server transactions started, by kind.",
	}, []string{"kind"})

	TransactionsTimedOut = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sipcore",
		Subsystem: "transaction",
		Name:      "timed_out_total",
		Help:      "Transactions that hit Timer B/F/H without reaching a final outcome.",
	}, []string{"kind"})

	DialogsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "sipcore",
		Subsystem: "dialog",
		Name:      "active",
		Help:      "Dialogs currently in the Established state.",
	})

	DialogsTerminated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sipcore",
		Subsystem: "dialog",
		Name:      "terminated_total",
		Help:      "Dialogs terminated, by reason.",
	}, []string{"reason"})

	RegistrationsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "sipcore",
		Subsystem: "registrar",
		Name:      "bindings_active",
		Help:      "Live registrar bindings across all AoRs.",
	})

	DigestFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sipcore",
		Subsystem: "auth",
		Name:      "digest_failures_total",
		Help:      "Digest verification failures, by reason.",
	}, []string{"reason"})

	STUNRoundTrips = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "sipcore",
		Subsystem: "nat",
		Name:      "stun_round_trip_seconds",
		Help:      "Time from the first STUN Binding Request until a mapped address is known, sampled at the 500ms retry interval.",
		Buckets:   prometheus.DefBuckets,
	})

	CallLimitRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sipcore",
		Subsystem: "dialog",
		Name:      "call_limit_rejections_total",
		Help:      "INVITEs rejected 486 because an account's call_limit was reached.",
	}, []string{"account"})
)
