// Package proxy provides the call-creation proxy server. It sits between
// untrusted clients and the voice backend, injecting the backend API key
// server-side so it never ships inside an app binary.
package proxy

import (
	"log/slog"
	"os"
	"time"
)

// Config holds all proxy server configuration.
type Config struct {
	// Server settings
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`

	// TLS settings
	TLSEnabled  bool   `json:"tls_enabled" yaml:"tls_enabled"`
	TLSCertFile string `json:"tls_cert_file" yaml:"tls_cert_file"`
	TLSKeyFile  string `json:"tls_key_file" yaml:"tls_key_file"`

	// Upstream voice API
	UpstreamBaseURL string        `json:"upstream_base_url" yaml:"upstream_base_url"`
	UpstreamAPIKey  string        `json:"upstream_api_key" yaml:"upstream_api_key"`
	UpstreamTimeout time.Duration `json:"upstream_timeout" yaml:"upstream_timeout"`

	// Client authentication toward the proxy itself
	AuthMode string         `json:"auth_mode" yaml:"auth_mode"` // api_key, passthrough, none
	APIKeys  []APIKeyConfig `json:"api_keys" yaml:"api_keys"`

	// Rate limiting
	RateLimit RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`

	// Observability
	Observability ObservabilityConfig `json:"observability" yaml:"observability"`

	// CORS
	AllowedOrigins []string `json:"allowed_origins" yaml:"allowed_origins"`

	// Request limits
	MaxRequestBodyBytes int64 `json:"max_request_body_bytes" yaml:"max_request_body_bytes"`

	// Timeouts
	ReadTimeout     time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`

	// Logger
	Logger *slog.Logger `json:"-" yaml:"-"`
}

// APIKeyConfig defines a client API key with associated metadata.
type APIKeyConfig struct {
	Key       string `json:"key" yaml:"key"`
	Name      string `json:"name" yaml:"name"`
	UserID    string `json:"user_id" yaml:"user_id"`
	RateLimit int    `json:"rate_limit" yaml:"rate_limit"` // per-key rate limit (requests/min)
}

// RateLimitConfig configures rate limiting.
type RateLimitConfig struct {
	// Enabled toggles rate limiting on or off.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Global limit across all callers
	GlobalRequestsPerMinute int `json:"global_requests_per_minute" yaml:"global_requests_per_minute"`

	// Per-user default (can be overridden per API key)
	UserRequestsPerMinute int `json:"user_requests_per_minute" yaml:"user_requests_per_minute"`
}

// ObservabilityConfig configures metrics and logging.
type ObservabilityConfig struct {
	// Metrics
	MetricsEnabled bool   `json:"metrics_enabled" yaml:"metrics_enabled"`
	MetricsPath    string `json:"metrics_path" yaml:"metrics_path"`

	// Logging
	LogLevel  string `json:"log_level" yaml:"log_level"`
	LogFormat string `json:"log_format" yaml:"log_format"` // "json" or "text"
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Host: "0.0.0.0",
		Port: 3001,

		UpstreamBaseURL: "https://api.ultravox.ai",
		UpstreamTimeout: 30 * time.Second,

		AuthMode: "none",

		RateLimit: RateLimitConfig{
			Enabled:                 true,
			GlobalRequestsPerMinute: 600,
			UserRequestsPerMinute:   60,
		},

		Observability: ObservabilityConfig{
			MetricsEnabled: true,
			MetricsPath:    "/metrics",
			LogLevel:       "info",
			LogFormat:      "json",
		},

		ReadTimeout:     60 * time.Second,
		WriteTimeout:    60 * time.Second,
		ShutdownTimeout: 30 * time.Second,

		AllowedOrigins:      []string{"*"},
		MaxRequestBodyBytes: 1 << 20,

		Logger: slog.Default(),
	}
}

// LoadUpstreamKeyFromEnv loads the upstream API key from the environment
// when the config file left it unset. ULTRAVOX_API_KEY takes precedence
// since that is what hosted deployments already export.
func (c *Config) LoadUpstreamKeyFromEnv() {
	if c.UpstreamAPIKey != "" {
		return
	}
	for _, envKey := range []string{"ULTRAVOX_API_KEY", "PARLO_API_KEY"} {
		if key := os.Getenv(envKey); key != "" {
			c.UpstreamAPIKey = key
			return
		}
	}
}

// ConfigOption is a functional option for Config.
type ConfigOption func(*Config)

// WithHost sets the server host.
func WithHost(host string) ConfigOption {
	return func(c *Config) {
		c.Host = host
	}
}

// WithPort sets the server port.
func WithPort(port int) ConfigOption {
	return func(c *Config) {
		c.Port = port
	}
}

// WithTLS enables TLS with the given certificate and key files.
func WithTLS(certFile, keyFile string) ConfigOption {
	return func(c *Config) {
		c.TLSEnabled = true
		c.TLSCertFile = certFile
		c.TLSKeyFile = keyFile
	}
}

// WithUpstream sets the upstream voice API base URL.
func WithUpstream(baseURL string) ConfigOption {
	return func(c *Config) {
		c.UpstreamBaseURL = baseURL
	}
}

// WithUpstreamAPIKey sets the key injected into forwarded requests.
func WithUpstreamAPIKey(key string) ConfigOption {
	return func(c *Config) {
		c.UpstreamAPIKey = key
	}
}

// WithAuthMode sets the client authentication mode.
func WithAuthMode(mode string) ConfigOption {
	return func(c *Config) {
		c.AuthMode = mode
	}
}

// WithAPIKeys sets the accepted client API keys.
func WithAPIKeys(keys []APIKeyConfig) ConfigOption {
	return func(c *Config) {
		c.APIKeys = keys
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ConfigOption {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithRateLimitConfig sets rate limiting configuration.
func WithRateLimitConfig(cfg RateLimitConfig) ConfigOption {
	return func(c *Config) {
		c.RateLimit = cfg
	}
}

// WithObservability sets observability configuration.
func WithObservability(cfg ObservabilityConfig) ConfigOption {
	return func(c *Config) {
		c.Observability = cfg
	}
}

// WithAllowedOrigins sets allowed CORS origins.
func WithAllowedOrigins(origins []string) ConfigOption {
	return func(c *Config) {
		c.AllowedOrigins = origins
	}
}

// WithRequestBodyLimit sets max request body size in bytes.
func WithRequestBodyLimit(limit int64) ConfigOption {
	return func(c *Config) {
		c.MaxRequestBodyBytes = limit
	}
}

// WithTimeouts sets server timeouts.
func WithTimeouts(read, write, shutdown time.Duration) ConfigOption {
	return func(c *Config) {
		if read > 0 {
			c.ReadTimeout = read
		}
		if write > 0 {
			c.WriteTimeout = write
		}
		if shutdown > 0 {
			c.ShutdownTimeout = shutdown
		}
	}
}

// WithRateLimit configures request rate limits.
func WithRateLimit(globalRPM, userRPM int) ConfigOption {
	return func(c *Config) {
		c.RateLimit.GlobalRequestsPerMinute = globalRPM
		c.RateLimit.UserRequestsPerMinute = userRPM
	}
}

// WithMetrics enables or disables metrics.
func WithMetrics(enabled bool) ConfigOption {
	return func(c *Config) {
		c.Observability.MetricsEnabled = enabled
	}
}
