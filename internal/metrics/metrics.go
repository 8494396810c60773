package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	PositionReportsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tracker_position_reports_total",
			Help: "Position reports applied to vehicle state",
		},
	)
	RejectedReportsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tracker_rejected_reports_total",
			Help: "Malformed, out-of-range or stale position reports",
		},
	)
	DirectionChangesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tracker_direction_changes_total",
			Help: "Detected travel-direction changes",
		},
	)
	RoutingFallbacksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tracker_routing_fallbacks_total",
			Help: "Road segments degraded to straight lines",
		},
	)
	NotificationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tracker_notifications_total",
			Help: "Status-transition notifications emitted",
		},
	)
	TrackedVehicles = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tracker_tracked_vehicles",
			Help: "Vehicles with live track state",
		},
	)
	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tracker_active_sessions",
			Help: "Open rider tracking sessions",
		},
	)
	WebsocketConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tracker_websocket_connections",
			Help: "Current websocket connections",
		},
	)
	OutboxQueueSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tracker_outbox_queue_size",
			Help: "Notification outbox pending/error size",
		},
	)
)

func Init(mux *http.ServeMux) {
	prometheus.MustRegister(
		PositionReportsTotal,
		RejectedReportsTotal,
		DirectionChangesTotal,
		RoutingFallbacksTotal,
		NotificationsTotal,
		TrackedVehicles,
		ActiveSessions,
		WebsocketConnections,
		OutboxQueueSize,
	)
	mux.Handle("/metrics", promhttp.Handler())
}

// StartGauges polls the DB-backed gauges.
func StartGauges(ctx context.Context, db *pgxpool.Pool) {
	go func() {
		t := time.NewTicker(10 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				var cnt int
				_ = db.QueryRow(context.Background(), `SELECT COUNT(*) FROM websocket_sessions`).Scan(&cnt)
				WebsocketConnections.Set(float64(cnt))
			}
		}
	}()
	go func() {
		t := time.NewTicker(10 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				var cnt int
				_ = db.QueryRow(context.Background(), `SELECT COUNT(*) FROM notification_outbox WHERE status IN ('pending','error')`).Scan(&cnt)
				OutboxQueueSize.Set(float64(cnt))
			}
		}
	}()
}
