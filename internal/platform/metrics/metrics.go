// Package metrics provides Prometheus metrics for clinic-server.
package metrics

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// FeedConnections tracks open per-viewer change-feed connections.
	FeedConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "clinic_feed_connections",
			Help: "Number of open per-viewer change-feed connections",
		},
	)

	FeedOpens = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "clinic_feed_opens_total",
			Help: "Total number of change-feed connections opened",
		},
	)

	FeedCloses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "clinic_feed_closes_total",
			Help: "Total number of change-feed connections closed",
		},
	)

	// FeedReconnects counts resubscriptions after a dropped feed.
	FeedReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clinic_feed_reconnects_total",
			Help: "Total number of change-feed resubscription attempts",
		},
		[]string{"result"},
	)

	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clinic_messages_sent_total",
			Help: "Total number of messages persisted",
		},
		[]string{"channel"},
	)

	MessagesFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clinic_messages_failed_total",
			Help: "Total number of message sends that failed",
		},
		[]string{"reason"},
	)

	NotificationsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clinic_notifications_created_total",
			Help: "Total number of notification rows created",
		},
		[]string{"audience", "type"},
	)

	NotificationsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clinic_notifications_failed_total",
			Help: "Total number of notification rows that failed to insert",
		},
		[]string{"audience", "type"},
	)

	// NotificationsDropped counts events rejected by a full dispatch queue.
	NotificationsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "clinic_notifications_dropped_total",
			Help: "Total number of notification events dropped because the queue was full",
		},
	)

	WebsocketSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "clinic_websocket_sessions",
			Help: "Number of open conversation websocket sessions",
		},
	)
)

// RecordFeedOpened increments feed open metrics.
func RecordFeedOpened() {
	FeedOpens.Inc()
	FeedConnections.Inc()
}

// RecordFeedClosed increments feed close metrics.
func RecordFeedClosed() {
	FeedCloses.Inc()
	FeedConnections.Dec()
}

func RecordReconnect(ok bool) {
	if ok {
		FeedReconnects.WithLabelValues("ok").Inc()
		return
	}
	FeedReconnects.WithLabelValues("error").Inc()
}

// Handler exposes the default registry for echo.
func Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.Handler())
}
