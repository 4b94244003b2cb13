// Package config provides YAML configuration loading with validation and
// environment variable substitution for the network client core and the
// operational server that hosts it.
package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration.
type Config struct {
	RateLimit      RateLimitConfig      `yaml:"rate_limit" json:"rate_limit"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker" json:"circuit_breaker"`
	RequestPool    RequestPoolConfig    `yaml:"request_pool" json:"request_pool"`
	Cache          CacheConfig          `yaml:"cache" json:"cache"`
	Retry          RetryConfig          `yaml:"retry" json:"retry"`
	Metrics        MetricsConfig        `yaml:"metrics" json:"metrics"`
	Transport      TransportConfig      `yaml:"transport" json:"transport"`
	Server         ServerConfig         `yaml:"server" json:"server"`
	Logging        LoggingConfig        `yaml:"logging" json:"logging"`
	Auth           AuthConfig           `yaml:"auth" json:"auth"`
	Admin          AdminConfig          `yaml:"admin" json:"admin"`

	// Warnings holds non-fatal config issues detected during loading.
	// Stored on the Config itself (not a package-level var) so it is
	// safe to call Load concurrently from the hot-reload goroutine.
	Warnings []string `yaml:"-" json:"-"`
}

// RateLimitConfig holds the per-host token bucket settings.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size" json:"burst_size"`
}

// CircuitBreakerConfig holds the per-host circuit breaker settings.
type CircuitBreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold" json:"failure_threshold"` // consecutive failures that open the circuit
	ResetTimeoutMs   int `yaml:"reset_timeout_ms" json:"reset_timeout_ms"`
	MinimumRequests  int `yaml:"minimum_requests" json:"minimum_requests"` // half-open successes needed to close
}

// ResetTimeout returns how long an open circuit rejects calls.
func (c CircuitBreakerConfig) ResetTimeout() time.Duration {
	return time.Duration(c.ResetTimeoutMs) * time.Millisecond
}

// RequestPoolConfig bounds concurrent transport calls.
type RequestPoolConfig struct {
	MaxConcurrentRequests int  `yaml:"max_concurrent_requests" json:"max_concurrent_requests"`
	MaxQueueSize          int  `yaml:"max_queue_size" json:"max_queue_size"`
	RequestTimeoutMs      int  `yaml:"request_timeout_ms" json:"request_timeout_ms"`
	Deduplicate           bool `yaml:"deduplicate" json:"deduplicate"` // share one execution between identical in-flight requests
}

// RequestTimeout returns the default per-attempt timeout.
func (p RequestPoolConfig) RequestTimeout() time.Duration {
	return time.Duration(p.RequestTimeoutMs) * time.Millisecond
}

// CacheConfig holds response cache settings.
type CacheConfig struct {
	TTLMs      int `yaml:"ttl_ms" json:"ttl_ms"`
	MaxEntries int `yaml:"max_entries" json:"max_entries"`
}

// TTL returns the default cache entry lifetime.
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLMs) * time.Millisecond
}

// RetryConfig controls the transport retry loop. MaxRetries defaults to 3;
// an explicit 0 disables retries.
type RetryConfig struct {
	MaxRetries  *int `yaml:"max_retries" json:"max_retries"`
	BaseDelayMs int  `yaml:"base_delay_ms" json:"base_delay_ms"`
	MaxDelayMs  int  `yaml:"max_delay_ms" json:"max_delay_ms"`
}

// Retries returns the retry limit (defaults to 3).
func (r RetryConfig) Retries() int {
	if r.MaxRetries == nil {
		return 3
	}
	return *r.MaxRetries
}

// BaseDelay returns the first backoff interval.
func (r RetryConfig) BaseDelay() time.Duration {
	return time.Duration(r.BaseDelayMs) * time.Millisecond
}

// MaxDelay returns the backoff cap.
func (r RetryConfig) MaxDelay() time.Duration {
	return time.Duration(r.MaxDelayMs) * time.Millisecond
}

// MetricsConfig holds request metric settings. Enabled defaults to true;
// set to false to stop recording request metrics.
type MetricsConfig struct {
	Enabled    *bool  `yaml:"enabled" json:"enabled"`
	BufferSize int    `yaml:"buffer_size" json:"buffer_size"`
	Path       string `yaml:"path" json:"path"`
}

// IsEnabled returns whether metrics are enabled (defaults to true).
func (m MetricsConfig) IsEnabled() bool {
	if m.Enabled == nil {
		return true
	}
	return *m.Enabled
}

// TransportConfig tunes the outbound net/http transport.
type TransportConfig struct {
	UserAgent        string             `yaml:"user_agent" json:"user_agent"`
	MaxIdleConns     int                `yaml:"max_idle_conns" json:"max_idle_conns"`
	MaxIdlePerHost   int                `yaml:"max_idle_per_host" json:"max_idle_per_host"`
	IdleTimeout      time.Duration      `yaml:"idle_timeout" json:"idle_timeout"`
	MaxResponseBytes int64              `yaml:"max_response_bytes" json:"max_response_bytes"`
	TLS              TransportTLSConfig `yaml:"tls" json:"tls"`
}

// TransportTLSConfig configures client certificates and trusted roots for
// outbound HTTPS. The certificate pair is reloaded when the files change.
type TransportTLSConfig struct {
	CertFile string `yaml:"cert_file" json:"cert_file"`
	KeyFile  string `yaml:"key_file" json:"key_file"`
	CAFile   string `yaml:"ca_file" json:"ca_file"`
}

// Enabled reports whether any TLS setting is present.
func (t TransportTLSConfig) Enabled() bool {
	return t.CertFile != "" || t.KeyFile != "" || t.CAFile != ""
}

// ServerConfig holds the operational HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port" json:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes" json:"max_body_bytes"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level      string `yaml:"level" json:"level"`             // "debug", "info", "warn", "error"; default: "info"
	Format     string `yaml:"format" json:"format"`           // "json" or "text"; default: "json"
	Output     string `yaml:"output" json:"output"`           // "stdout", "stderr", or file path; default: "stdout"
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb"` // max log file size before rotation; default: 100
	MaxBackups int    `yaml:"max_backups" json:"max_backups"` // number of rotated files to keep; default: 3
}

// AuthConfig holds JWT bearer settings for the admin API.
type AuthConfig struct {
	Enabled   bool     `yaml:"enabled" json:"enabled"`
	JWTSecret string   `yaml:"jwt_secret" json:"jwt_secret"`
	Issuer    string   `yaml:"issuer" json:"issuer"`
	Audience  string   `yaml:"audience" json:"audience"`
	Scopes    []string `yaml:"scopes" json:"scopes"`
}

// AdminConfig holds admin API settings.
type AdminConfig struct {
	Enabled     bool     `yaml:"enabled" json:"enabled"`           // default: false
	IPAllowlist []string `yaml:"ip_allowlist" json:"ip_allowlist"` // CIDR notation
}

var validLogLevels = map[string]bool{
	"":      true,
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var envVarRe = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns in s with the corresponding
// environment variable value.
func expandEnvVars(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		key := match[2 : len(match)-1]
		if val, ok := os.LookupEnv(key); ok {
			return val
		}
		return match
	})
}

// Default returns a configuration with every default applied. Library
// callers that do not read a file start from here.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads and parses a YAML configuration file, applies environment
// variable substitution, sets defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes parses configuration from raw YAML bytes. Useful for testing.
func LoadFromBytes(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	cfg.Warnings = collectWarnings(&cfg)

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.RateLimit.RequestsPerSecond == 0 {
		cfg.RateLimit.RequestsPerSecond = 10
	}
	if cfg.RateLimit.BurstSize == 0 {
		cfg.RateLimit.BurstSize = 20
	}

	cb := &cfg.CircuitBreaker
	if cb.FailureThreshold == 0 {
		cb.FailureThreshold = 5
	}
	if cb.ResetTimeoutMs == 0 {
		cb.ResetTimeoutMs = 60000
	}
	if cb.MinimumRequests == 0 {
		cb.MinimumRequests = 3
	}

	p := &cfg.RequestPool
	if p.MaxConcurrentRequests == 0 {
		p.MaxConcurrentRequests = 10
	}
	if p.MaxQueueSize == 0 {
		p.MaxQueueSize = 100
	}
	if p.RequestTimeoutMs == 0 {
		p.RequestTimeoutMs = 30000
	}

	if cfg.Cache.TTLMs == 0 {
		cfg.Cache.TTLMs = 300000
	}
	if cfg.Cache.MaxEntries == 0 {
		cfg.Cache.MaxEntries = 1000
	}

	if cfg.Retry.BaseDelayMs == 0 {
		cfg.Retry.BaseDelayMs = 100
	}
	if cfg.Retry.MaxDelayMs == 0 {
		cfg.Retry.MaxDelayMs = 5000
	}

	if cfg.Metrics.BufferSize == 0 {
		cfg.Metrics.BufferSize = 10000
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	t := &cfg.Transport
	if t.UserAgent == "" {
		t.UserAgent = "netcore/1.0"
	}
	if t.MaxIdleConns == 0 {
		t.MaxIdleConns = 100
	}
	if t.MaxIdlePerHost == 0 {
		t.MaxIdlePerHost = 10
	}
	if t.IdleTimeout == 0 {
		t.IdleTimeout = 90 * time.Second
	}
	if t.MaxResponseBytes == 0 {
		t.MaxResponseBytes = 10 << 20 // 10 MB
	}

	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 60 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 1048576 // 1 MB
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = 100
	}
	if cfg.Logging.MaxBackups == 0 {
		cfg.Logging.MaxBackups = 3
	}
}

// Validate checks a configuration for values the client cannot run with.
// Callers that build a Config in code should run it before client.New.
func Validate(cfg *Config) error {
	if cfg.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("rate_limit.requests_per_second must be positive")
	}
	if cfg.RateLimit.BurstSize <= 0 {
		return fmt.Errorf("rate_limit.burst_size must be positive")
	}

	cb := cfg.CircuitBreaker
	if cb.FailureThreshold < 1 {
		return fmt.Errorf("circuit_breaker.failure_threshold must be positive")
	}
	if cb.ResetTimeoutMs <= 0 {
		return fmt.Errorf("circuit_breaker.reset_timeout_ms must be positive")
	}
	if cb.MinimumRequests < 1 {
		return fmt.Errorf("circuit_breaker.minimum_requests must be positive")
	}

	p := cfg.RequestPool
	if p.MaxConcurrentRequests < 1 {
		return fmt.Errorf("request_pool.max_concurrent_requests must be positive")
	}
	if p.MaxQueueSize < 0 {
		return fmt.Errorf("request_pool.max_queue_size must be non-negative")
	}
	if p.RequestTimeoutMs <= 0 {
		return fmt.Errorf("request_pool.request_timeout_ms must be positive")
	}

	if cfg.Cache.TTLMs <= 0 {
		return fmt.Errorf("cache.ttl_ms must be positive")
	}
	if cfg.Cache.MaxEntries < 1 {
		return fmt.Errorf("cache.max_entries must be positive")
	}

	r := cfg.Retry
	if r.Retries() < 0 {
		return fmt.Errorf("retry.max_retries must be non-negative")
	}
	if r.BaseDelayMs < 0 || r.MaxDelayMs < 0 {
		return fmt.Errorf("retry delays must be non-negative")
	}
	if r.MaxDelayMs < r.BaseDelayMs {
		return fmt.Errorf("retry.max_delay_ms must be >= retry.base_delay_ms")
	}

	if cfg.Metrics.BufferSize < 2 {
		return fmt.Errorf("metrics.buffer_size must be at least 2")
	}
	if !strings.HasPrefix(cfg.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /")
	}

	if cfg.Transport.MaxResponseBytes < 0 {
		return fmt.Errorf("transport.max_response_bytes must be non-negative")
	}
	if cfg.Transport.MaxIdleConns < 0 || cfg.Transport.MaxIdlePerHost < 0 {
		return fmt.Errorf("transport idle connection limits must be non-negative")
	}
	if tc := cfg.Transport.TLS; (tc.CertFile == "") != (tc.KeyFile == "") {
		return fmt.Errorf("transport.tls.cert_file and transport.tls.key_file must be set together")
	}

	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}
	if cfg.Server.MaxBodyBytes < 0 {
		return fmt.Errorf("server.max_body_bytes must be positive")
	}

	if !validLogLevels[strings.ToLower(cfg.Logging.Level)] {
		return fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "json" && cfg.Logging.Format != "text" {
		return fmt.Errorf("logging.format must be json or text, got %q", cfg.Logging.Format)
	}
	if cfg.Logging.Output != "stdout" && cfg.Logging.Output != "stderr" && cfg.Logging.MaxSizeMB < 1 {
		return fmt.Errorf("logging.max_size_mb must be positive when output is a file path")
	}

	if cfg.Auth.Enabled {
		if cfg.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwt_secret is required when auth is enabled")
		}
		if cfg.Auth.Issuer == "" {
			return fmt.Errorf("auth.issuer is required when auth is enabled")
		}
		if cfg.Auth.Audience == "" {
			return fmt.Errorf("auth.audience is required when auth is enabled")
		}
	}

	if cfg.Admin.Enabled {
		if len(cfg.Admin.IPAllowlist) == 0 {
			return fmt.Errorf("admin.ip_allowlist is required when admin is enabled")
		}
		for i, cidr := range cfg.Admin.IPAllowlist {
			if _, _, err := net.ParseCIDR(cidr); err != nil {
				return fmt.Errorf("admin.ip_allowlist[%d]: invalid CIDR %q: %w", i, cidr, err)
			}
		}
	}

	return nil
}

func collectWarnings(cfg *Config) []string {
	var warnings []string
	if cfg.Auth.Enabled && strings.Contains(cfg.Auth.JWTSecret, "${") {
		warnings = append(warnings, "auth.jwt_secret contains unresolved environment variable")
	}
	if cfg.Admin.Enabled && !cfg.Auth.Enabled {
		warnings = append(warnings, "admin API is enabled without bearer authentication")
	}
	return warnings
}
