package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"

	"carwash/internal/app"
	"carwash/internal/config"
	"carwash/internal/handler"
	"carwash/internal/monitor"
	"carwash/internal/notify"
	"carwash/pkg/log"
)

func main() {
	configPath := flag.String("config", "", "path to the config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Fatal("Failed to load config")
	}
	if err := app.InitLogger(cfg); err != nil {
		log.WithError(err).Fatal("Failed to initialize logger")
	}
	app.SetGinMode(cfg)
	app.WatchConfig()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.WithError(err).Fatal("Notifier stopped with error")
	}
	log.Info("Notifier exited")
}

func run(ctx context.Context, cfg *config.Config) error {
	if cfg.Server.AuthSecret == "" {
		log.Warn("server.auth_secret is empty, notify routes are unauthenticated")
	}

	var metrics *monitor.Metrics
	if cfg.Metrics.Enabled {
		metrics = monitor.NewMetrics(cfg.Metrics.Namespace)
	}
	tracer, err := app.NewTracer(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = tracer.Shutdown(context.Background()) }()

	dialer, broker, err := app.NewDialer(cfg, nil)
	if err != nil {
		return err
	}
	if broker != nil {
		defer broker.Close()
	}

	conn := app.NewConnector(cfg, dialer, metrics, "notify_")
	if _, err := conn.Connect(app.Credentials(cfg)); err != nil {
		return err
	}
	defer conn.Disconnect()

	metricsPath := ""
	if metrics != nil {
		metricsPath = cfg.Metrics.Path
	}
	router := handler.NewEngine(conn, handler.EngineOptions{
		Metrics:      metrics,
		Tracer:       tracer,
		AllowOrigins: cfg.Server.AllowOrigins,
		MetricsPath:  metricsPath,
	})
	handler.RegisterNotifyRoutes(router, handler.NewNotifyHandler(notify.NewPublisher(conn, metrics, tracer)), handler.NotifyOptions{
		AuthSecret: cfg.Server.AuthSecret,
		Timeout:    cfg.Server.RequestTimeout,
		RateLimit:  cfg.Server.RateLimit,
		RateBurst:  cfg.Server.RateBurst,
	})

	return app.Serve(ctx, app.NewServer(cfg, router))
}
