// Package metrics holds the process-wide Prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ProviderAttempts counts individual model calls by provider and outcome
	// (ok, error, rate_limited).
	ProviderAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fabrica",
		Name:      "provider_attempts_total",
		Help:      "Model generation attempts by provider and outcome.",
	}, []string{"provider", "outcome"})

	// Generations counts finished generation runs by artifact type and result
	// (ok, low_quality, failed).
	Generations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fabrica",
		Name:      "generations_total",
		Help:      "Completed artifact generations by type and result.",
	}, []string{"artifact_type", "result"})

	// ValidationScore observes final validation scores per artifact type.
	ValidationScore = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "fabrica",
		Name:      "validation_score",
		Help:      "Final validation score of accepted and rejected artifacts.",
		Buckets:   prometheus.LinearBuckets(0, 10, 11),
	}, []string{"artifact_type"})

	// TrainingJobs counts fine-tuning jobs by terminal state.
	TrainingJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fabrica",
		Name:      "training_jobs_total",
		Help:      "Fine-tuning jobs by terminal state.",
	}, []string{"state"})
)
