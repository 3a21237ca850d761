package config

import "time"

// Config holds all configuration for the fetching fleet.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Pool      PoolConfig      `yaml:"pool"`
	Engine    EngineConfig    `yaml:"engine"`
	Session   SessionConfig   `yaml:"session"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Janitor   JanitorConfig   `yaml:"janitor"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Whitelist WhitelistConfig `yaml:"whitelist"`
}

// ServerConfig holds HTTP server configuration for /health and /proxy.
type ServerConfig struct {
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	ShutdownGrace     time.Duration `yaml:"shutdown_grace"`
	TrustProxyHeaders bool          `yaml:"trust_proxy_headers"`
	TrustedProxies    []string      `yaml:"trusted_proxies"`
}

// LoggingConfig holds the knobs the styled logger consumes.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // "json" or "pretty"
	Output     string `yaml:"output"` // "stdout" or a file path
	Theme      string `yaml:"theme"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
}

// PoolConfig describes the source-IPv6 address pool (C1).
type PoolConfig struct {
	Prefix               string        `yaml:"prefix"`
	Start                int           `yaml:"start"`
	Count                int           `yaml:"count"`
	HealthWarmupRequests int64         `yaml:"health_warmup_requests"`
	HealthFailureRate    float64       `yaml:"health_failure_rate"`
	HealthMaxLatency     time.Duration `yaml:"health_max_latency"`
}

// EngineConfig configures the egress request engine (C5).
type EngineConfig struct {
	MaxRetries      int           `yaml:"max_retries"`
	BaseRetryDelay  time.Duration `yaml:"base_retry_delay"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	DNTProbability  float64       `yaml:"dnt_probability"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout"`
	ReadIdleTimeout time.Duration `yaml:"read_idle_timeout"`
	PingTimeout     time.Duration `yaml:"ping_timeout"`
}

// SessionConfig configures the cookie session manager (C4).
type SessionConfig struct {
	RefreshTimeout   time.Duration `yaml:"refresh_timeout"`
	MaxConcurrent    int           `yaml:"max_concurrent_refresh"`
	ExpiryLeadWindow time.Duration `yaml:"expiry_lead_window"`
	MaxRefreshAge    time.Duration `yaml:"max_refresh_age"`
	SessionCookieTTL time.Duration `yaml:"session_cookie_ttl"`
	HomeOrigin       string        `yaml:"home_origin"`
	HomePath         string        `yaml:"home_path"`
}

// BreakerConfig configures the per-IP circuit breaker (C3 health record).
type BreakerConfig struct {
	FailureRateThreshold float64       `yaml:"failure_rate_threshold"`
	MinRequestWindow     int64         `yaml:"min_request_window"`
	RecoveryInterval     time.Duration `yaml:"recovery_interval"`
}

// JanitorConfig configures periodic reclamation (C7).
type JanitorConfig struct {
	CleanInterval      time.Duration `yaml:"clean_interval"`
	SessionInactiveFor time.Duration `yaml:"session_inactive_for"`
}

// DispatchConfig configures the job dispatcher (C6).
type DispatchConfig struct {
	WorkerConcurrency int `yaml:"worker_concurrency"`
	QueueDepth        int `yaml:"queue_depth"`
}

// WhitelistConfig is the closed set of origin hosts the engine may contact.
type WhitelistConfig struct {
	Hosts           []string `yaml:"hosts"`
	SessionRequired []string `yaml:"session_required"`
}
