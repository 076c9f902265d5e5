package main

import (
	"context"
	"errors"
	"flag"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"carwash/internal/api"
	"carwash/internal/app"
	"carwash/internal/config"
	"carwash/internal/coordinator"
	"carwash/internal/handler"
	"carwash/internal/monitor"
	"carwash/internal/notify"
	"carwash/internal/reconcile"
	"carwash/internal/session"
	"carwash/internal/subscription"
	"carwash/pkg/log"
)

func main() {
	configPath := flag.String("config", "", "path to the config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Fatal("Failed to load config")
	}
	if cfg.Kiosk.DeviceID == "" {
		log.Fatal("kiosk.device_id is required")
	}
	if err := app.InitLogger(cfg); err != nil {
		log.WithError(err).Fatal("Failed to initialize logger")
	}
	app.SetGinMode(cfg)
	app.WatchConfig()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.WithError(err).Fatal("Kiosk stopped with error")
	}
	log.Info("Kiosk exited")
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := log.Component("main").WithFields(logrus.Fields{
		"device_id": cfg.Kiosk.DeviceID,
		"broker":    cfg.Broker.Protocol,
		"session":   cfg.Session.Backend,
	})

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

	conn := app.NewConnector(cfg, dialer, metrics, "kiosk_")
	defer conn.Disconnect()

	subs, err := subscription.NewManager(conn, subscription.Options{
		RetainTopics:   cfg.Broker.RetainTopics,
		RequestTimeout: cfg.Broker.RequestTimeout,
		Metrics:        metrics,
	})
	if err != nil {
		return err
	}
	defer subs.Close()

	rdb, err := app.NewRedis(ctx, cfg)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer rdb.Close()
	}

	secrets, closeSecrets, err := app.NewSecretStore(ctx, cfg, rdb)
	if err != nil {
		return err
	}
	defer func() { _ = closeSecrets() }()

	// a second agent for the same device waits here until the first one stops
	lease := app.NewDeviceLease(cfg, rdb, conn.ClientID())
	if lease != nil {
		logger.WithField("lease", lease.Key()).Info("waiting for device lease")
		if err := lease.AcquireWait(ctx, cfg.Kiosk.LeaseTTL/3); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		defer func() {
			rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = lease.Release(rctx)
		}()
	}

	store := session.NewStore(secrets, session.Options{
		Key:     cfg.Session.Key,
		TTL:     cfg.Session.TTL,
		Metrics: metrics,
	})

	client, err := api.NewClient(&cfg.API, api.WithMetrics(metrics), api.WithTracer(tracer))
	if err != nil {
		return err
	}

	board := handler.NewBoard(cfg.Kiosk.DeviceID)
	kiosk, err := coordinator.NewKiosk(conn, subs, store, client, board, coordinator.KioskOptions{
		DeviceID:          cfg.Kiosk.DeviceID,
		Credentials:       app.Credentials(cfg),
		HeartbeatInterval: cfg.Kiosk.HeartbeatInterval,
		ExpiryTick:        cfg.Expiry.Tick,
		Reconcile: reconcile.Options{
			PollInterval:     cfg.Reconcile.PollInterval,
			PushPullInterval: cfg.Reconcile.PushPullInterval,
			PushBuffer:       cfg.Reconcile.PushBuffer,
		},
		Metrics: metrics,
	})
	if err != nil {
		return err
	}

	metricsPath := ""
	if metrics != nil {
		metricsPath = cfg.Metrics.Path
	}
	router := handler.NewEngine(conn, handler.EngineOptions{
		Metrics:      metrics,
		Tracer:       tracer,
		AllowOrigins: cfg.Server.AllowOrigins,
		MetricsPath:  metricsPath,
		Breakers:     client,
	})
	handler.RegisterKioskRoutes(router, handler.NewKioskHandler(board, conn, subs, kiosk))

	g, gctx := errgroup.WithContext(ctx)

	// with the in-process broker there is no backend to publish, so the
	// kiosk serves the notify API itself
	if broker != nil {
		publisherConn := app.NewConnector(cfg, broker, metrics, "notify_")
		defer publisherConn.Disconnect()
		if _, err := publisherConn.Connect(app.Credentials(cfg)); err != nil {
			return err
		}
		handler.RegisterNotifyRoutes(router, handler.NewNotifyHandler(notify.NewPublisher(publisherConn, metrics, tracer)), handler.NotifyOptions{
			AuthSecret: cfg.Server.AuthSecret,
			Timeout:    cfg.Server.RequestTimeout,
			RateLimit:  cfg.Server.RateLimit,
			RateBurst:  cfg.Server.RateBurst,
		})
		logger.Info("in-process broker enabled, notify routes mounted")
	}

	if lease != nil {
		g.Go(func() error {
			err := lease.Keep(gctx, cfg.Kiosk.LeaseTTL/3)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}
	g.Go(func() error { return kiosk.Run(gctx) })
	g.Go(func() error { return app.Serve(gctx, app.NewServer(cfg, router)) })

	logger.Info("kiosk started")
	return g.Wait()
}
