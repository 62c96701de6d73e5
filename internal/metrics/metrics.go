// Package metrics holds the factory's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PipelineRuns counts finished pipeline attempts by outcome.
	PipelineRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fixfactory_pipeline_runs_total",
		Help: "Pipeline attempts by outcome.",
	}, []string{"outcome"})

	// PolicyViolations counts blocking policy violations by code.
	PolicyViolations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fixfactory_policy_violations_total",
		Help: "Blocking policy violations by code.",
	}, []string{"code"})

	// Throttled counts work deferred by the concurrency gate.
	Throttled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fixfactory_pipeline_throttled_total",
		Help: "Attempts deferred by locks, slots, or rate limits.",
	}, []string{"scope"})

	// Retries counts rescheduled attempts by reason.
	Retries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fixfactory_pipeline_retries_total",
		Help: "Rescheduled attempts by reason.",
	}, []string{"reason"})

	// WebhookDeliveries counts webhook intake by admission result.
	WebhookDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fixfactory_webhook_deliveries_total",
		Help: "Webhook deliveries by admission result.",
	}, []string{"result"})

	// PRsCreated counts opened pull requests by danger label.
	PRsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fixfactory_prs_created_total",
		Help: "Pull requests opened by danger label.",
	}, []string{"label"})
)
