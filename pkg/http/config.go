package http

import (
	"time"

	"phoneme-recognizer/pkg/config"
	"phoneme-recognizer/pkg/ratelimit"
)

// Config holds the HTTP server configuration
type Config struct {
	// Port is the HTTP server port
	Port int `json:"port" env:"HTTP_PORT" default:"8080"`

	// Enabled determines if the HTTP server should be started
	Enabled bool `json:"enabled" env:"HTTP_ENABLED" default:"true"`

	// EnableMetrics determines if the /metrics endpoint is registered
	EnableMetrics bool `json:"enable_metrics" env:"HTTP_ENABLE_METRICS" default:"true"`

	// EnableAPI determines if the result, calibration and profile API is registered
	EnableAPI bool `json:"enable_api" env:"HTTP_ENABLE_API" default:"true"`

	// ReadTimeout is the maximum duration for reading the entire request
	ReadTimeout time.Duration `json:"read_timeout" env:"HTTP_READ_TIMEOUT" default:"10s"`

	// WriteTimeout is the maximum duration for writing the response
	WriteTimeout time.Duration `json:"write_timeout" env:"HTTP_WRITE_TIMEOUT" default:"30s"`

	// MaxIngestChannels bounds the interleaved channel count /ws/ingest accepts
	MaxIngestChannels int `json:"max_ingest_channels" env:"HTTP_MAX_INGEST_CHANNELS" default:"8"`

	// TLS
	TLSEnabled  bool   `json:"tls_enabled" env:"HTTP_TLS_ENABLED" default:"false"`
	TLSCertFile string `json:"tls_cert_file" env:"HTTP_TLS_CERT_FILE"`
	TLSKeyFile  string `json:"tls_key_file" env:"HTTP_TLS_KEY_FILE"`

	// APIKeys guard the API and ingest endpoints; empty disables the check
	APIKeys []string `json:"-" env:"HTTP_API_KEYS"`

	// RateLimit throttles the calibration, profile and ingest endpoints
	RateLimit ratelimit.Config `json:"-"`
}

// DefaultConfig returns the default HTTP server configuration
func DefaultConfig() *Config {
	return &Config{
		Port:              8080,
		Enabled:           true,
		EnableMetrics:     true,
		EnableAPI:         true,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		MaxIngestChannels: 8,
	}
}

// ConfigFromService converts the service configuration section
func ConfigFromService(c config.HTTPConfig) *Config {
	return &Config{
		Port:              c.Port,
		Enabled:           c.Enabled,
		EnableMetrics:     c.EnableMetrics,
		EnableAPI:         c.EnableAPI,
		ReadTimeout:       c.ReadTimeout,
		WriteTimeout:      c.WriteTimeout,
		MaxIngestChannels: c.MaxIngestChannels,
		TLSEnabled:        c.TLSEnabled,
		TLSCertFile:       c.TLSCertFile,
		TLSKeyFile:        c.TLSKeyFile,
		APIKeys:           append([]string(nil), c.APIKeys...),
		RateLimit: ratelimit.Config{
			Enabled:           c.RateLimitEnabled,
			RequestsPerSecond: c.RateLimitRPS,
			Burst:             c.RateLimitBurst,
			ExemptIPs:         append([]string(nil), c.RateLimitExemptIPs...),
		},
	}
}
