// Package metrics registers the Prometheus collectors shared by both services.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	CandidatesPolled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bidwatch_candidates_polled_total",
		Help: "Raw notices returned by the listing feed",
	})

	CandidatesIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bidwatch_candidates_ingested_total",
		Help: "New candidates stored",
	})

	CandidatesDuplicate = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bidwatch_candidates_duplicate_total",
		Help: "Notices skipped by the idempotency gate",
	})

	NoticesMalformed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bidwatch_feed_notices_malformed_total",
		Help: "Listing records dropped because they were not JSON objects",
	})

	MatchesRedriven = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bidwatch_matches_redriven_total",
		Help: "Undispatched match records fanned out again at poll start",
	})

	PageFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bidwatch_feed_page_failures_total",
		Help: "Listing page fetches that failed",
	})

	MatchesCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bidwatch_matches_created_total",
		Help: "Match records created",
	})

	CandidatesExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bidwatch_candidates_expired_total",
		Help: "Candidates transitioned active to expired",
	})

	DetectionsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bidwatch_detections_created_total",
		Help: "Detected events created, by rule and severity",
	}, []string{"rule", "severity"})

	RuleFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bidwatch_rule_failures_total",
		Help: "Rule evaluations that failed",
	}, []string{"rule"})

	DispatchFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bidwatch_dispatch_failures_total",
		Help: "Fan-out steps that failed after retries",
	}, []string{"step"})

	RunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bidwatch_run_duration_seconds",
		Help:    "Duration of scheduled runs",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
	}, []string{"run"})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
