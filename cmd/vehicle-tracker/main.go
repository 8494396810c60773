package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"bustrack/services/vehicle-tracker/internal/config"
	httpserver "bustrack/services/vehicle-tracker/internal/http"
	"bustrack/services/vehicle-tracker/internal/infra/db"
	"bustrack/services/vehicle-tracker/internal/infra/kafka"
	"bustrack/services/vehicle-tracker/internal/metrics"
	"bustrack/services/vehicle-tracker/internal/outbox"
	"bustrack/services/vehicle-tracker/internal/roadroute"
	"bustrack/services/vehicle-tracker/internal/tracking"
	"bustrack/services/vehicle-tracker/internal/transit"
	whub "bustrack/services/vehicle-tracker/internal/websocket"
)

func main() {
	if os.Getenv("VT_CMD_TEST") == "1" {
		return
	}
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	setupLogger()
	shutdown := setupOTLP(cfg)
	defer shutdown()

	pool, err := db.NewPgxPool(cfg.DB.DSN)
	if err != nil {
		slog.Error("failed to connect to DB", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	if err := db.EnsureSchema(pool); err != nil {
		slog.Error("failed to ensure schema", "error", err)
		os.Exit(1)
	}
	if err := outbox.EnsureSchema(pool); err != nil {
		slog.Error("failed to ensure outbox schema", "error", err)
		os.Exit(1)
	}

	cctx, ccancel := context.WithCancel(context.Background())
	defer ccancel()

	hub := whub.NewHub(pool)
	go hub.Run(cctx)
	go outbox.StartPublisher(cctx, pool, hub)

	router := roadroute.NewOSRMRouter(cfg.Routing.OSRMBaseURL, cfg.Routing.Timeout)
	seg := roadroute.NewSegmenter(router)
	seg.OnFallback(metrics.RoutingFallbacksTotal.Inc)

	gate := tracking.NewGate()
	gate.OnEmit(metrics.NotificationsTotal.Inc)
	gate.Subscribe(func(n tracking.Notification) {
		if err := outbox.Enqueue(pool, n); err != nil {
			slog.Error("failed to enqueue notification", "event_id", n.EventID, "error", err)
		}
	})

	svc := tracking.NewService(transit.NewPGDirectory(pool), seg, gate, tracking.Config{
		DefaultCruiseKmh: cfg.Tracking.DefaultCruiseKmh,
		OfflineTimeout:   cfg.Tracking.OfflineTimeout,
		RouteDebounce:    cfg.Tracking.RouteDebounce,
		RouteRefreshKm:   cfg.Tracking.RouteRefreshKm,
	})
	go svc.Run(cctx)

	consumer := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.GroupID,
		[]string{cfg.Kafka.PositionTopic}, cfg.Kafka.Timeout)
	consumer.Start(cctx, func(topic string, key, value []byte) error {
		return svc.HandleEvent(cctx, topic, key, value)
	})

	mux := httpserver.NewServer(svc, hub, pool).Routes()
	metrics.Init(mux)
	metrics.StartGauges(cctx, pool)

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: mux,
	}
	go func() {
		slog.Info("starting vehicle-tracker", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server failed", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	<-sigCh
	slog.Info("shutting down gracefully...")
	ccancel()
	time.Sleep(2 * time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(ctx)
	consumer.Close()
	slog.Info("server stopped")
}

func setupLogger() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))
}

func setupOTLP(cfg *config.Config) func() {
	if cfg.OTLP.Endpoint == "" {
		slog.Warn("OTLP endpoint not set, tracing disabled")
		return func() {}
	}
	exporter, err := otlptracehttp.New(context.Background(),
		otlptracehttp.WithEndpoint(cfg.OTLP.Endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		slog.Error("failed to create OTLP exporter", "error", err)
		return func() {}
	}
	res, _ := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName("vehicle-tracker"),
		),
	)
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(ctx)
	}
}
