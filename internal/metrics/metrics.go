package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebhookRequests counts incoming webhooks, labeled by outcome.
	WebhookRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "openrabbit_webhook_requests_total",
		Help: "The total number of received webhook requests",
	}, []string{"status"}) // status: accepted, skipped, duplicate, invalid_signature, error_read, enqueue_timeout

	// GatekeeperDecisions counts filter outcomes labeled by the rule that fired.
	GatekeeperDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "openrabbit_gatekeeper_decisions_total",
		Help: "Gatekeeper decisions by lane and triggering rule",
	}, []string{"lane", "rule"})

	// ReviewsTotal counts review tasks by terminal status.
	ReviewsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "openrabbit_reviews_total",
		Help: "The total number of processed reviews",
	}, []string{"status"}) // status: completed, failed, canceled

	// ReviewDuration measures end-to-end review time per lane.
	ReviewDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "openrabbit_review_duration_seconds",
		Help:    "Time taken to run one review",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 180, 300},
	}, []string{"lane"})

	// ReviewCostCents accumulates model spend across reviews.
	ReviewCostCents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "openrabbit_review_cost_cents_total",
		Help: "Accumulated model cost across all reviews, in cents",
	})

	// QueueDepth tracks the number of waiting tasks per lane.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "openrabbit_queue_depth",
		Help: "Number of tasks waiting in each lane",
	}, []string{"lane"})

	// TaskRetries counts scheduler-level retries per lane.
	TaskRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "openrabbit_task_retries_total",
		Help: "The total number of task retries",
	}, []string{"lane"})

	// DeadLetters counts tasks moved to the dead-letter sink.
	DeadLetters = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "openrabbit_dead_letters_total",
		Help: "The total number of tasks moved to dead-letter",
	}, []string{"lane", "reason"})

	// CommentPostFailures counts failed comment posts to the forge.
	CommentPostFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "openrabbit_comment_post_failures_total",
		Help: "Total number of failed comment posts",
	}, []string{"reason"}) // reason: api_error, invalid_position, summary_error

	// ForgeRateRemaining publishes the last observed rate-limit budget per installation.
	ForgeRateRemaining = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "openrabbit_forge_rate_remaining",
		Help: "Remaining forge API rate budget as observed on the last response",
	}, []string{"installation"})

	// TokenRefreshes counts installation token exchanges, labeled by trigger.
	TokenRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "openrabbit_token_refreshes_total",
		Help: "The total number of installation token exchanges",
	}, []string{"trigger"}) // trigger: miss, invalidated, cache_down

	// ModelCalls counts outbound model calls per stage and model.
	ModelCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "openrabbit_model_calls_total",
		Help: "The total number of outbound model calls",
	}, []string{"stage", "model", "status"})
)
