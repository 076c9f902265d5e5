// Package app wires the shared infrastructure of the kiosk and notifier
// binaries from the loaded configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"carwash/internal/config"
	"carwash/internal/monitor"
	"carwash/internal/redis"
	"carwash/internal/transport"
	"carwash/internal/transport/loopback"
	"carwash/internal/transport/mqtt"
	"carwash/pkg/lock"
	"carwash/pkg/log"
	"carwash/pkg/secretstore"
)

// InitLogger initialises the process logger from the log section
func InitLogger(cfg *config.Config) error {
	return log.Init(log.Config{
		Service:    cfg.App.Name,
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		Filename:   cfg.Log.Filename,
		MaxSize:    cfg.Log.MaxSize,
		MaxAge:     cfg.Log.MaxAge,
		MaxBackups: cfg.Log.MaxBackups,
		Compress:   cfg.Log.Compress,
	})
}

// SetGinMode maps server.mode onto gin
func SetGinMode(cfg *config.Config) {
	switch cfg.Server.Mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}
}

// NewTracer creates the tracer described by the tracing section
func NewTracer(cfg *config.Config) (*monitor.Tracer, error) {
	return monitor.NewTracer(&monitor.TracerConfig{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: cfg.App.Version,
		Environment:    cfg.App.Env,
		JaegerEndpoint: cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SampleRate,
		Enabled:        cfg.Tracing.Enabled,
	})
}

// NewDialer returns the broker dialer. The memory protocol dials the given
// in-process broker, creating one when broker is nil.
func NewDialer(cfg *config.Config, broker *loopback.Broker) (transport.Dialer, *loopback.Broker, error) {
	if cfg.Broker.Protocol == "memory" {
		if broker == nil {
			broker = loopback.NewBroker(&loopback.Config{Timeout: cfg.Broker.RequestTimeout})
		}
		return broker, broker, nil
	}

	d, err := mqtt.FromConfig(&cfg.Broker)
	if err != nil {
		return nil, nil, err
	}
	return d, nil, nil
}

// NewConnector creates a connector for the broker section
func NewConnector(cfg *config.Config, dialer transport.Dialer, metrics *monitor.Metrics, clientIDPrefix string) *transport.Connector {
	opts := transport.DefaultOptions()
	opts.ClientIDPrefix = cfg.Broker.ClientIDPrefix + clientIDPrefix
	opts.ReconnectPeriod = cfg.Broker.ReconnectPeriod
	opts.ConnectTimeout = cfg.Broker.ConnectTimeout
	opts.RequestTimeout = cfg.Broker.RequestTimeout
	opts.Metrics = metrics
	return transport.NewConnector(dialer, opts)
}

// Credentials returns the configured broker credentials
func Credentials(cfg *config.Config) transport.Credentials {
	return transport.Credentials{Username: cfg.Broker.Username, Token: cfg.Broker.Token}
}

// NewRedis connects to Redis when the session backend needs it, nil otherwise
func NewRedis(ctx context.Context, cfg *config.Config) (*goredis.Client, error) {
	if cfg.Session.Backend != "redis" {
		return nil, nil
	}
	return redis.New(ctx, &cfg.Redis)
}

// NewSecretStore builds the encrypted payment session cache. client is only
// used by the redis backend. The returned closer releases the backend.
func NewSecretStore(ctx context.Context, cfg *config.Config, client *goredis.Client) (secretstore.SecretStore, func() error, error) {
	var (
		inner  secretstore.SecretStore
		closer = func() error { return nil }
	)

	switch cfg.Session.Backend {
	case "memory":
		inner = secretstore.NewMemory()
	case "bigcache":
		bc, err := secretstore.NewBigCache(ctx, cfg.Session.TTL)
		if err != nil {
			return nil, nil, err
		}
		inner = bc
		closer = bc.Close
	case "redis":
		if client == nil {
			return nil, nil, errors.New("redis session backend requires a redis client")
		}
		inner = secretstore.NewRedis(client, cfg.Session.KeyPrefix)
	default:
		return nil, nil, fmt.Errorf("unsupported session backend: %q", cfg.Session.Backend)
	}

	enc, err := secretstore.NewEncrypted(inner, []byte(cfg.Session.EncryptionKey))
	if err != nil {
		_ = closer()
		return nil, nil, err
	}
	return enc, closer, nil
}

// NewDeviceLease returns the lease guarding deviceID, nil without Redis
func NewDeviceLease(cfg *config.Config, client *goredis.Client, owner string) *lock.Lease {
	if client == nil {
		return nil
	}
	return lock.NewLease(client, cfg.Session.KeyPrefix+"lease:"+cfg.Kiosk.DeviceID, owner, cfg.Kiosk.LeaseTTL)
}

// NewServer creates the HTTP server for the server section
func NewServer(cfg *config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:           cfg.Server.GetAddr(),
		Handler:        handler,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		IdleTimeout:    cfg.Server.IdleTimeout,
		MaxHeaderBytes: 1 << 20,
	}
}

// Serve runs server until ctx is cancelled, then shuts it down gracefully
func Serve(ctx context.Context, server *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", server.Addr).Info("Starting HTTP server")
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	log.Info("Server exited")
	return nil
}

// WatchConfig applies log level changes from the config file at runtime
func WatchConfig() {
	config.WatchConfig(func(cfg *config.Config) {
		if err := InitLogger(cfg); err != nil {
			log.WithError(err).Warn("failed to apply reloaded log config")
			return
		}
		log.WithFields(logrus.Fields{"level": cfg.Log.Level}).Info("config reloaded")
	}, func(err error) {
		log.WithError(err).Warn("ignoring invalid config change")
	})
}
