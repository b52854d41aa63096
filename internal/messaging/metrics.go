// internal/messaging/metrics.go

package messaging

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_events_published_total",
			Help: "Total number of events fanned out, by type",
		},
		[]string{"type"},
	)

	inboundActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_inbound_actions_total",
			Help: "Total number of inbound socket actions, by type and result code",
		},
		[]string{"type", "result"},
	)

	actionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat_action_duration_seconds",
			Help:    "Time spent handling inbound actions",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	activeConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_active_connections",
			Help: "Number of live socket sessions",
		},
	)

	onlineUsers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_online_users",
			Help: "Number of users holding at least one live session",
		},
	)

	droppedFramesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_dropped_frames_total",
			Help: "Frames dropped because a session send queue was full",
		},
	)

	statusBackfillFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_status_backfill_failures_total",
			Help: "Sends whose pending status rows could not be created",
		},
	)

	sequencerGapsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_sequencer_gaps_total",
			Help: "Sequence gaps abandoned after the gap timeout",
		},
	)

	offlineNoticesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_offline_notices_total",
			Help: "Offline notices attempted, by result",
		},
		[]string{"result"},
	)
)

// observeAction records one inbound action
func observeAction(eventType string, started time.Time, err error) {
	result := "ok"
	if err != nil {
		result = ErrorCode(err)
	}
	inboundActionsTotal.WithLabelValues(eventType, result).Inc()
	actionDuration.WithLabelValues(eventType).Observe(time.Since(started).Seconds())
}
