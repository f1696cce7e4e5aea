package caseload

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	transferItems       *prometheus.CounterVec
	sessionsTransferred prometheus.Counter
	deletions           *prometheus.CounterVec
	cleanupFailures     *prometheus.CounterVec
}

var metricsSingleton = sync.OnceValue(func() *metrics {
	return &metrics{
		transferItems: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "caseload",
			Name:      "transfer_items_total",
			Help:      "Transfer entries processed, by outcome.",
		}, []string{"outcome"}),
		sessionsTransferred: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "caseload",
			Name:      "sessions_transferred_total",
			Help:      "Progress records re-pointed to a new assignment by committed transfers.",
		}),
		deletions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "caseload",
			Name:      "account_deletions_total",
			Help:      "Account deletion attempts, by result.",
		}, []string{"result"}),
		cleanupFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "caseload",
			Name:      "ancillary_cleanup_failures_total",
			Help:      "Swallowed failures while clearing ancillary rows before an account deletion.",
		}, []string{"table"}),
	}
})

func getMetrics() *metrics {
	return metricsSingleton()
}
