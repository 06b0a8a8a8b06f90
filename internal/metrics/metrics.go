// Package metrics exposes operator-facing counters. User-visible behavior
// never depends on these; they exist for dashboards and alerting.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// InboundEvents counts webhook events by terminal state.
	InboundEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "textrelay",
		Name:      "inbound_events_total",
		Help:      "Inbound webhook events by terminal state.",
	}, []string{"state"})

	// DuplicateEvents counts idempotency-key hits from provider retries.
	DuplicateEvents = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "textrelay",
		Name:      "duplicate_events_total",
		Help:      "Webhook deliveries absorbed as duplicates.",
	})

	// QueueDrops counts messages dropped from full per-user queues.
	QueueDrops = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "textrelay",
		Name:      "session_queue_drops_total",
		Help:      "Messages dropped from full per-user queues.",
	})

	// LeaseTimeouts counts sessions reclaimed from stuck holders.
	LeaseTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "textrelay",
		Name:      "session_lease_timeouts_total",
		Help:      "Agent turns abandoned waiting on a session lease.",
	})

	// AgentTurns observes agent turn latency by outcome.
	AgentTurns = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "textrelay",
		Name:      "agent_turn_seconds",
		Help:      "Agent turn wall-clock latency.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
	}, []string{"outcome"})

	// OutboundSends counts delivery attempts by outcome.
	OutboundSends = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "textrelay",
		Name:      "outbound_sends_total",
		Help:      "Outbound SMS sends by outcome.",
	}, []string{"outcome"})

	// BreakerTransitions counts circuit state changes per provider.
	BreakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "textrelay",
		Name:      "breaker_transitions_total",
		Help:      "Circuit breaker state transitions per provider key.",
	}, []string{"key", "from", "to"})
)
