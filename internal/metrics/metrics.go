// Package metrics exposes the daemon's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TasksCreated counts tasks accepted by the daemon.
	TasksCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ami",
		Name:      "tasks_created_total",
		Help:      "Tasks accepted by the daemon.",
	})

	// TasksFinished counts task terminations by final status.
	TasksFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ami",
		Name:      "tasks_finished_total",
		Help:      "Tasks finished, by final status.",
	}, []string{"status"})

	// TaskDuration observes wall-clock task durations.
	TaskDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ami",
		Name:      "task_duration_seconds",
		Help:      "Wall-clock task duration.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
	})

	// ToolCalls counts tool executions by tool name and outcome.
	ToolCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ami",
		Name:      "tool_calls_total",
		Help:      "Tool executions, by tool and outcome.",
	}, []string{"tool", "outcome"})

	// LLMRequests counts provider calls by provider and outcome.
	LLMRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ami",
		Name:      "llm_requests_total",
		Help:      "LLM provider requests, by provider and outcome.",
	}, []string{"provider", "outcome"})

	// LLMTokens counts tokens by provider and direction.
	LLMTokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ami",
		Name:      "llm_tokens_total",
		Help:      "LLM tokens consumed, by provider and direction.",
	}, []string{"provider", "direction"})

	// SSEStreams gauges currently open event streams.
	SSEStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ami",
		Name:      "sse_streams_open",
		Help:      "Currently open SSE streams.",
	})

	// SteeringDropped counts rejected steering messages.
	SteeringDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ami",
		Name:      "steering_rejected_total",
		Help:      "Steering messages rejected by a full queue or finished task.",
	})
)
