package config

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

const (
	DefaultPort = 8743
	DefaultHost = "0.0.0.0"

	DefaultFileWriteDelay = 150 * time.Millisecond // Small delay to ensure file write is complete

	EnvPrefix = "SENTINEL"
)

var (
	lastReload  time.Time
	reloadMutex sync.Mutex
)

// DefaultConfig returns a configuration with sensible defaults, mirroring
// the literal values used throughout the spec's end-to-end scenarios.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:              DefaultHost,
			Port:              DefaultPort,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
			ShutdownTimeout:   10 * time.Second,
			ShutdownGrace:     30 * time.Second,
			TrustProxyHeaders: false,
			TrustedProxies:    nil,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
			Theme:  "default",
		},
		Pool: PoolConfig{
			Prefix:               "2001:db8::",
			Start:                1001,
			Count:                64,
			HealthWarmupRequests: 20,
			HealthFailureRate:    0.5,
			HealthMaxLatency:     5 * time.Second,
		},
		Engine: EngineConfig{
			MaxRetries:      3,
			BaseRetryDelay:  250 * time.Millisecond,
			RequestTimeout:  10 * time.Second,
			DNTProbability:  0.5,
			IdleConnTimeout: 90 * time.Second,
			ReadIdleTimeout: 30 * time.Second,
			PingTimeout:     15 * time.Second,
		},
		Session: SessionConfig{
			RefreshTimeout:   10 * time.Second,
			MaxConcurrent:    5,
			ExpiryLeadWindow: 30 * time.Second,
			MaxRefreshAge:    10 * time.Minute,
			SessionCookieTTL: time.Hour,
			HomeOrigin:       "earth.example.invalid",
			HomePath:         "/web/",
		},
		Breaker: BreakerConfig{
			FailureRateThreshold: 0.8,
			MinRequestWindow:     20,
			RecoveryInterval:     time.Minute,
		},
		Janitor: JanitorConfig{
			CleanInterval:      5 * time.Minute,
			SessionInactiveFor: 30 * time.Minute,
		},
		Dispatch: DispatchConfig{
			WorkerConcurrency: 10,
			QueueDepth:        100,
		},
		Whitelist: WhitelistConfig{
			Hosts: []string{
				"kh.example.invalid",
				"earth.example.invalid",
				"maps.example.invalid",
			},
			SessionRequired: []string{"kh.example.invalid"},
		},
	}
}

// Load loads configuration from file and environment variables, watching
// for changes the way the teacher's viper setup does — mutable runtime
// knobs only; the pool layout and fingerprint registry are never touched
// by a reload, they're constructed once at startup.
func Load(onConfigChange func()) (*Config, error) {
	cfg := DefaultConfig()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if configFile := os.Getenv(EnvPrefix + "_CONFIG_FILE"); configFile != "" {
			viper.SetConfigFile(configFile)
			if err := viper.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
			}
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	viper.WatchConfig()

	if onConfigChange != nil {
		viper.OnConfigChange(func(e fsnotify.Event) {
			reloadMutex.Lock()
			defer reloadMutex.Unlock()

			now := time.Now()
			if now.Sub(lastReload) < 500*time.Millisecond {
				return // debounce rapid-fire fsnotify events
			}
			lastReload = now

			time.Sleep(DefaultFileWriteDelay)
			onConfigChange()
		})
	}
	return cfg, nil
}
