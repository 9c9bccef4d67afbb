// Package telemetry provides Prometheus metrics for the relay.
package telemetry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	MessagesPublished   prometheus.Counter
	MessagesDelivered   prometheus.Counter
	MessagesMuted       prometheus.Counter
	SessionsOpened      prometheus.Counter
	SessionsRejected    prometheus.Counter
	SlowSessionsDropped prometheus.Counter
	ModerationActions   prometheus.Counter

	// Gauges
	SessionsActive prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		MessagesPublished = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_messages_published_total", Help: "Messages accepted into the broadcast queue"})
		MessagesDelivered = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_messages_delivered_total", Help: "Per-session message deliveries"})
		MessagesMuted = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_messages_muted_total", Help: "Messages silently dropped because the author is muted"})
		SessionsOpened = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_sessions_opened_total", Help: "Sessions that reached the active state"})
		SessionsRejected = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_sessions_rejected_total", Help: "Connections rejected during authentication"})
		SlowSessionsDropped = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_slow_sessions_dropped_total", Help: "Sessions dropped because their outbound buffer overflowed"})
		ModerationActions = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_moderation_actions_total", Help: "Moderation actions applied"})
		SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{Name: "relay_sessions_active", Help: "Currently connected sessions"})
	})
}

// AddSession adjusts the active session gauge if metrics are registered.
func AddSession(delta float64) {
	if SessionsActive != nil {
		SessionsActive.Add(delta)
	}
}

// Inc increments a counter if metrics are registered.
func Inc(counter prometheus.Counter) {
	if counter != nil {
		counter.Inc()
	}
}
