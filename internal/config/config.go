package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config represents the global configuration
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Server    ServerConfig    `mapstructure:"server"`
	Broker    BrokerConfig    `mapstructure:"broker"`
	API       APIConfig       `mapstructure:"api"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Expiry    ExpiryConfig    `mapstructure:"expiry"`
	Session   SessionConfig   `mapstructure:"session"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Kiosk     KioskConfig     `mapstructure:"kiosk"`
	Log       LogConfig       `mapstructure:"log"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

// AppConfig identifies the running instance
type AppConfig struct {
	Name    string `mapstructure:"name"`
	Env     string `mapstructure:"env"`
	Version string `mapstructure:"version"`
}

// ServerConfig represents the local HTTP API configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Mode         string        `mapstructure:"mode"` // debug, release, test
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	AllowOrigins []string      `mapstructure:"allow_origins"`

	// notifier only
	AuthSecret     string        `mapstructure:"auth_secret"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	RateLimit      float64       `mapstructure:"rate_limit"`
	RateBurst      int           `mapstructure:"rate_burst"`
}

// BrokerConfig represents the pub/sub broker connection
type BrokerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Protocol        string        `mapstructure:"protocol"` // wss, ws, tcp, ssl, memory
	Path            string        `mapstructure:"path"`
	ProtocolVersion int           `mapstructure:"protocol_version"`
	ClientIDPrefix  string        `mapstructure:"client_id_prefix"`
	Username        string        `mapstructure:"username"`
	Token           string        `mapstructure:"token"`
	Clean           bool          `mapstructure:"clean"`
	KeepAlive       time.Duration `mapstructure:"keepalive"`
	ReconnectPeriod time.Duration `mapstructure:"reconnect_period"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	RetainTopics    int           `mapstructure:"retain_topics"`
	InsecureTLS     bool          `mapstructure:"insecure_tls"`
}

// APIConfig represents the backend REST collaborator
type APIConfig struct {
	BaseURL         string        `mapstructure:"base_url"`
	Token           string        `mapstructure:"token"`
	Timeout         time.Duration `mapstructure:"timeout"`
	Retries         int           `mapstructure:"retries"`
	RetryInterval   time.Duration `mapstructure:"retry_interval"`
	BreakerFailures uint32        `mapstructure:"breaker_failures"`
	BreakerTimeout  time.Duration `mapstructure:"breaker_timeout"`
}

// ReconcileConfig represents the order status reconciliation loop
type ReconcileConfig struct {
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	PushPullInterval time.Duration `mapstructure:"push_pull_interval"`
	PushBuffer       int           `mapstructure:"push_buffer"`
}

// ExpiryConfig represents the QR/session countdown
type ExpiryConfig struct {
	Tick time.Duration `mapstructure:"tick"`
}

// SessionConfig represents the encrypted payment session cache
type SessionConfig struct {
	Backend       string        `mapstructure:"backend"` // memory, bigcache, redis
	Key           string        `mapstructure:"key"`
	TTL           time.Duration `mapstructure:"ttl"`
	EncryptionKey string        `mapstructure:"encryption_key"`
	KeyPrefix     string        `mapstructure:"key_prefix"`
}

// RedisConfig represents Redis configuration
type RedisConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// KioskConfig represents the kiosk terminal identity
type KioskConfig struct {
	DeviceID          string        `mapstructure:"device_id"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	LeaseTTL          time.Duration `mapstructure:"lease_ttl"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxAge     int    `mapstructure:"max_age"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
}

// MetricsConfig represents metrics configuration
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Path      string `mapstructure:"path"`
	Namespace string `mapstructure:"namespace"`
}

// TracingConfig represents tracing configuration
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	Endpoint    string  `mapstructure:"endpoint"`
	SampleRate  float64 `mapstructure:"sample_rate"`
}

// GetAddr returns the server address
func (s *ServerConfig) GetAddr() string {
	if s.Host == "" {
		s.Host = "0.0.0.0"
	}
	if s.Port == 0 {
		s.Port = 8090
	}
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// URL returns the broker URL, e.g. wss://broker.example.com:443/mqtt
func (b *BrokerConfig) URL() string {
	u := url.URL{
		Scheme: b.Protocol,
		Host:   fmt.Sprintf("%s:%d", b.Host, b.Port),
	}
	if b.Protocol == "ws" || b.Protocol == "wss" {
		u.Path = b.Path
	}
	return u.String()
}

// GetAddr returns the Redis address
func (r *RedisConfig) GetAddr() string {
	if r.Host == "" {
		r.Host = "localhost"
	}
	if r.Port == 0 {
		r.Port = 6379
	}
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	switch c.Broker.Protocol {
	case "wss", "ws", "tcp", "ssl", "memory":
	default:
		return fmt.Errorf("unsupported broker protocol: %q", c.Broker.Protocol)
	}
	if c.Broker.Protocol != "memory" && c.Broker.Host == "" {
		return fmt.Errorf("broker host is required")
	}
	if c.Broker.ProtocolVersion != 5 {
		return fmt.Errorf("unsupported broker protocol version: %d", c.Broker.ProtocolVersion)
	}
	if c.Broker.ReconnectPeriod <= 0 {
		return fmt.Errorf("broker reconnect period must be positive")
	}

	if c.API.BaseURL == "" {
		return fmt.Errorf("api base url is required")
	}
	if _, err := url.ParseRequestURI(c.API.BaseURL); err != nil {
		return fmt.Errorf("invalid api base url: %w", err)
	}

	switch c.Session.Backend {
	case "memory", "bigcache", "redis":
	default:
		return fmt.Errorf("unsupported session backend: %q", c.Session.Backend)
	}
	if len(strings.TrimSpace(c.Session.EncryptionKey)) < 16 {
		return fmt.Errorf("session encryption key must be at least 16 characters")
	}
	if c.Session.Backend == "redis" && c.Redis.Host == "" {
		return fmt.Errorf("redis host is required for the redis session backend")
	}

	if c.Reconcile.PollInterval <= 0 {
		return fmt.Errorf("reconcile poll interval must be positive")
	}
	if c.Expiry.Tick <= 0 {
		return fmt.Errorf("expiry tick must be positive")
	}

	return nil
}

// SetDefaults sets default values for configuration
func (c *Config) SetDefaults() {
	if c.App.Name == "" {
		c.App.Name = "carwash-kiosk"
	}
	if c.App.Env == "" {
		c.App.Env = "dev"
	}
	if c.App.Version == "" {
		c.App.Version = "1.0.0"
	}

	if c.Server.Host == "" {
		c.Server.Host = "localhost"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8090
	}
	if c.Server.Mode == "" {
		c.Server.Mode = "debug"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 15 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 60 * time.Second
	}
	if c.Server.RequestTimeout == 0 {
		c.Server.RequestTimeout = 10 * time.Second
	}
	if c.Server.RateLimit == 0 {
		c.Server.RateLimit = 5
	}
	if c.Server.RateBurst == 0 {
		c.Server.RateBurst = 10
	}

	if c.Broker.Protocol == "" {
		c.Broker.Protocol = "wss"
	}
	if c.Broker.Port == 0 {
		c.Broker.Port = 443
	}
	if c.Broker.Path == "" {
		c.Broker.Path = "/mqtt"
	}
	if c.Broker.ProtocolVersion == 0 {
		c.Broker.ProtocolVersion = 5
	}
	if c.Broker.ClientIDPrefix == "" {
		c.Broker.ClientIDPrefix = "carwash_"
	}
	if c.Broker.KeepAlive == 0 {
		c.Broker.KeepAlive = 60 * time.Second
	}
	if c.Broker.ReconnectPeriod == 0 {
		c.Broker.ReconnectPeriod = 5000 * time.Millisecond
	}
	if c.Broker.ConnectTimeout == 0 {
		c.Broker.ConnectTimeout = 30 * time.Second
	}
	if c.Broker.RequestTimeout == 0 {
		c.Broker.RequestTimeout = 10 * time.Second
	}
	if c.Broker.RetainTopics == 0 {
		c.Broker.RetainTopics = 256
	}

	if c.API.Timeout == 0 {
		c.API.Timeout = 10 * time.Second
	}
	if c.API.RetryInterval == 0 {
		c.API.RetryInterval = 500 * time.Millisecond
	}
	if c.API.BreakerFailures == 0 {
		c.API.BreakerFailures = 5
	}
	if c.API.BreakerTimeout == 0 {
		c.API.BreakerTimeout = 30 * time.Second
	}

	if c.Reconcile.PollInterval == 0 {
		c.Reconcile.PollInterval = 30 * time.Second
	}
	if c.Reconcile.PushPullInterval == 0 {
		c.Reconcile.PushPullInterval = 2 * time.Second
	}
	if c.Reconcile.PushBuffer == 0 {
		c.Reconcile.PushBuffer = 16
	}

	if c.Expiry.Tick == 0 {
		c.Expiry.Tick = time.Second
	}

	if c.Session.Backend == "" {
		c.Session.Backend = "bigcache"
	}
	if c.Session.Key == "" {
		c.Session.Key = "payment_session"
	}
	if c.Session.TTL == 0 {
		c.Session.TTL = 30 * time.Minute
	}
	if c.Session.KeyPrefix == "" {
		c.Session.KeyPrefix = "carwash:session:"
	}

	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = 10
	}
	if c.Redis.DialTimeout == 0 {
		c.Redis.DialTimeout = 5 * time.Second
	}
	if c.Redis.ReadTimeout == 0 {
		c.Redis.ReadTimeout = 3 * time.Second
	}
	if c.Redis.WriteTimeout == 0 {
		c.Redis.WriteTimeout = 3 * time.Second
	}

	if c.Kiosk.HeartbeatInterval == 0 {
		c.Kiosk.HeartbeatInterval = 30 * time.Second
	}
	if c.Kiosk.LeaseTTL == 0 {
		c.Kiosk.LeaseTTL = 30 * time.Second
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Log.Output == "" {
		c.Log.Output = "stdout"
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "carwash"
	}

	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = c.App.Name
	}
	if c.Tracing.SampleRate == 0 {
		c.Tracing.SampleRate = 1.0
	}
}
