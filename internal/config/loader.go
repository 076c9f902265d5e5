package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

const envPrefix = "CARWASH"

var (
	globalMu     sync.RWMutex
	globalConfig *Config
	globalViper  *viper.Viper
)

// envKeys are bound explicitly so they resolve from the environment even when no
// config file mentions them.
var envKeys = []string{
	"app.name", "app.env",
	"server.host", "server.port", "server.mode", "server.auth_secret",
	"broker.host", "broker.port", "broker.protocol", "broker.path", "broker.username", "broker.token",
	"broker.client_id_prefix", "broker.clean", "broker.keepalive", "broker.reconnect_period",
	"api.base_url", "api.token", "api.timeout", "api.retries",
	"reconcile.poll_interval", "expiry.tick",
	"session.backend", "session.encryption_key", "session.ttl",
	"redis.host", "redis.port", "redis.password", "redis.db",
	"kiosk.device_id", "kiosk.heartbeat_interval",
	"log.level", "log.format", "log.output", "log.filename",
	"metrics.enabled", "tracing.enabled", "tracing.endpoint",
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath("../configs")
		v.AddConfigPath("/etc/carwash")
		v.AddConfigPath("$HOME/.carwash")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind env for %s: %w", key, err)
		}
	}
	v.SetDefault("broker.clean", true)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// config.<env>.yaml next to the main file overrides it
	env := v.GetString("app.env")
	if env == "" {
		env = "dev"
	}
	if used := v.ConfigFileUsed(); used != "" {
		overlay := filepath.Join(filepath.Dir(used), fmt.Sprintf("config.%s.yaml", env))
		if _, err := os.Stat(overlay); err == nil {
			v.SetConfigFile(overlay)
			if err := v.MergeInConfig(); err != nil {
				return nil, fmt.Errorf("failed to merge env config %s: %w", overlay, err)
			}
			v.SetConfigFile(used)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	globalMu.Lock()
	globalConfig = cfg
	globalViper = v
	globalMu.Unlock()

	return cfg, nil
}

// MustLoadConfig loads configuration and panics on error
func MustLoadConfig(configPath string) *Config {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// GetConfig returns the global configuration instance
func GetConfig() *Config {
	globalMu.RLock()
	defer globalMu.RUnlock()
	if globalConfig == nil {
		panic("config not loaded, call LoadConfig first")
	}
	return globalConfig
}

// WatchConfig reloads the configuration whenever the file changes and hands the new
// value to callback. Invalid edits are reported and the previous config stays active.
func WatchConfig(callback func(*Config), onError func(error)) {
	globalMu.RLock()
	v := globalViper
	globalMu.RUnlock()
	if v == nil || v.ConfigFileUsed() == "" {
		return
	}

	path := v.ConfigFileUsed()
	v.OnConfigChange(func(e fsnotify.Event) {
		if e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
			return
		}
		cfg, err := LoadConfig(path)
		if err != nil {
			if onError != nil {
				onError(fmt.Errorf("reload %s: %w", e.Name, err))
			}
			return
		}
		if callback != nil {
			callback(cfg)
		}
	})
	v.WatchConfig()
}

// IsProduction reports whether cfg targets production
func IsProduction(cfg *Config) bool {
	return cfg.App.Env == "prod" || cfg.App.Env == "production"
}
