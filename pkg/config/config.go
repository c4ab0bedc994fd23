package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"phoneme-recognizer/pkg/errors"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Config represents the complete service configuration
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	HTTP      HTTPConfig      `json:"http"`
	Messaging MessagingConfig `json:"messaging"`
	Engine    EngineConfig    `json:"engine"`
	Analysis  AnalysisConfig  `json:"analysis"`
	Profile   ProfileConfig   `json:"profile"`
	HotReload HotReloadConfig `json:"hot_reload"`

	// ConfigFile is the YAML file the analysis section was overlaid from, if any
	ConfigFile string `json:"config_file,omitempty"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	// Log level
	Level string `json:"level" env:"LOG_LEVEL" default:"info"`

	// Log format (json or text)
	Format string `json:"format" env:"LOG_FORMAT" default:"json"`

	// Log output file (empty = stdout)
	OutputFile string `json:"output_file" env:"LOG_OUTPUT_FILE"`
}

// HTTPConfig holds HTTP server configuration
type HTTPConfig struct {
	// HTTP port
	Port int `json:"port" env:"HTTP_PORT" default:"8080"`

	// Whether HTTP server is enabled
	Enabled bool `json:"enabled" env:"HTTP_ENABLED" default:"true"`

	// Whether metrics endpoint is enabled
	EnableMetrics bool `json:"enable_metrics" env:"HTTP_ENABLE_METRICS" default:"true"`

	// Whether API endpoints are enabled
	EnableAPI bool `json:"enable_api" env:"HTTP_ENABLE_API" default:"true"`

	// Read timeout for HTTP requests
	ReadTimeout time.Duration `json:"read_timeout" env:"HTTP_READ_TIMEOUT" default:"10s"`

	// Write timeout for HTTP responses
	WriteTimeout time.Duration `json:"write_timeout" env:"HTTP_WRITE_TIMEOUT" default:"30s"`

	// Largest channel count accepted on the audio ingest socket
	MaxIngestChannels int `json:"max_ingest_channels" env:"HTTP_MAX_INGEST_CHANNELS" default:"8"`

	// Enable TLS for the HTTP server
	TLSEnabled bool `json:"tls_enabled" env:"HTTP_TLS_ENABLED" default:"false"`

	// TLS certificate path for HTTP server
	TLSCertFile string `json:"tls_cert_file" env:"HTTP_TLS_CERT_FILE"`

	// TLS key path for HTTP server
	TLSKeyFile string `json:"tls_key_file" env:"HTTP_TLS_KEY_FILE"`

	// API keys accepted on /api and /ws/ingest; empty disables authentication
	APIKeys []string `json:"api_keys" env:"HTTP_API_KEYS"`

	// Per-client rate limit on the control endpoints
	RateLimitEnabled   bool     `json:"rate_limit_enabled" env:"HTTP_RATE_LIMIT_ENABLED" default:"false"`
	RateLimitRPS       float64  `json:"rate_limit_rps" env:"HTTP_RATE_LIMIT_RPS" default:"5"`
	RateLimitBurst     int      `json:"rate_limit_burst" env:"HTTP_RATE_LIMIT_BURST" default:"20"`
	RateLimitExemptIPs []string `json:"rate_limit_exempt_ips" env:"HTTP_RATE_LIMIT_EXEMPT_IPS"`
}

// MessagingConfig holds the optional AMQP result sink configuration
type MessagingConfig struct {
	AMQPUrl        string        `json:"amqp_url" env:"AMQP_URL"`
	AMQPQueueName  string        `json:"amqp_queue_name" env:"AMQP_QUEUE_NAME" default:"phoneme_results"`
	ExchangeName   string        `json:"exchange_name" env:"AMQP_EXCHANGE_NAME"`
	RoutingKey     string        `json:"routing_key" env:"AMQP_ROUTING_KEY"`
	ConnectTimeout time.Duration `json:"connect_timeout" env:"AMQP_CONNECT_TIMEOUT" default:"10s"`
	BufferSize     int           `json:"buffer_size" env:"AMQP_BUFFER_SIZE" default:"256"`

	// Publish silent results too; off by default to keep idle sessions quiet
	PublishSilent bool `json:"publish_silent" env:"AMQP_PUBLISH_SILENT" default:"false"`
}

// Enabled reports whether results should be published over AMQP
func (m MessagingConfig) Enabled() bool {
	return m.AMQPUrl != ""
}

// EngineConfig holds the consumer cycle settings
type EngineConfig struct {
	// Interval between consumer cycles
	TickInterval time.Duration `json:"tick_interval" env:"ENGINE_TICK_INTERVAL" default:"16ms"`

	// Interval of the runtime gauge sampler
	RuntimeMetricsInterval time.Duration `json:"runtime_metrics_interval" env:"RUNTIME_METRICS_INTERVAL" default:"10s"`
}

// ProfileConfig holds where the calibrated profile lives
type ProfileConfig struct {
	// Profile document path; empty keeps the profile in memory only
	Path string `json:"path" env:"PROFILE_PATH"`

	// Name given to a freshly created profile
	Name string `json:"name" env:"PROFILE_NAME" default:"default"`

	// Entry names created when no profile document exists yet
	Entries []string `json:"entries" env:"PROFILE_ENTRIES" default:"A,I,U,E,O"`

	// Write the profile back after every applied calibration
	AutoSave bool `json:"auto_save" env:"PROFILE_AUTO_SAVE" default:"true"`
}

// HotReloadConfig holds configuration hot-reload settings
type HotReloadConfig struct {
	// Whether hot-reload is enabled
	Enabled bool `json:"enabled" env:"CONFIG_HOTRELOAD_ENABLED" default:"true"`

	// Debounce time for configuration changes
	DebounceTime time.Duration `json:"debounce_time" env:"CONFIG_HOTRELOAD_DEBOUNCE" default:"500ms"`
}

// Load loads the configuration from .env files, the YAML file named by
// PHONEME_CONFIG_FILE and environment variables
func Load(logger *logrus.Logger) (*Config, error) {
	loadEnvFile(logger)
	return LoadFrom(logger, getEnv("PHONEME_CONFIG_FILE", ""))
}

// LoadFrom is Load with an explicit YAML file; an empty path skips the overlay.
// Environment variables win over the file.
func LoadFrom(logger *logrus.Logger, configFile string) (*Config, error) {
	config := &Config{
		Analysis:   DefaultAnalysisConfig(),
		ConfigFile: configFile,
	}

	if configFile != "" {
		analysis, err := LoadAnalysisFile(configFile, config.Analysis)
		if err != nil {
			return nil, err
		}
		config.Analysis = analysis
		logger.WithField("path", configFile).Info("Loaded analysis configuration file")
	}

	// Load logging configuration
	if err := loadLoggingConfig(logger, &config.Logging); err != nil {
		return nil, errors.Wrap(err, "failed to load logging configuration")
	}

	// Load HTTP configuration
	if err := loadHTTPConfig(logger, &config.HTTP); err != nil {
		return nil, errors.Wrap(err, "failed to load HTTP configuration")
	}

	// Load messaging configuration
	if err := loadMessagingConfig(logger, &config.Messaging); err != nil {
		return nil, errors.Wrap(err, "failed to load messaging configuration")
	}

	// Load engine configuration
	if err := loadEngineConfig(logger, &config.Engine); err != nil {
		return nil, errors.Wrap(err, "failed to load engine configuration")
	}

	// Load analysis configuration
	if err := loadAnalysisConfig(logger, &config.Analysis); err != nil {
		return nil, errors.Wrap(err, "failed to load analysis configuration")
	}

	// Load profile configuration
	if err := loadProfileConfig(logger, &config.Profile); err != nil {
		return nil, errors.Wrap(err, "failed to load profile configuration")
	}

	// Load hot-reload configuration
	if err := loadHotReloadConfig(logger, &config.HotReload); err != nil {
		return nil, errors.Wrap(err, "failed to load hot-reload configuration")
	}

	// Validate the complete configuration
	result := NewConfigValidator(logger).ValidateConfig(config)
	if !result.Valid {
		return nil, errors.New("configuration validation failed", map[string]interface{}{
			"summary": result.Summary,
		}).WithCode("INVALID_CONFIG")
	}

	return config, nil
}

// loadEnvFile loads the first .env file found next to the process
func loadEnvFile(logger *logrus.Logger) {
	wd, err := os.Getwd()
	if err != nil {
		logger.WithError(err).Warn("Failed to get current working directory")
		wd = "unknown"
	}

	possibleEnvFiles := []string{
		".env",
		"../.env",
		filepath.Join(wd, ".env"),
	}

	var loadedFrom string
	for _, envFile := range possibleEnvFiles {
		if _, statErr := os.Stat(envFile); statErr != nil {
			continue
		}
		absPath, _ := filepath.Abs(envFile)
		logger.WithField("path", absPath).Debug("Attempting to load .env file")

		if err := godotenv.Load(envFile); err == nil {
			loadedFrom = absPath
			break
		}
	}

	if loadedFrom != "" {
		logger.WithFields(logrus.Fields{
			"working_dir": wd,
			"path":        loadedFrom,
		}).Info("Successfully loaded .env file")
	} else {
		logger.WithField("working_dir", wd).Warn("No .env file found, using environment variables only")
	}
}

// loadLoggingConfig loads the logging configuration section
func loadLoggingConfig(logger *logrus.Logger, config *LoggingConfig) error {
	config.Level = getEnv("LOG_LEVEL", "info")

	if _, err := logrus.ParseLevel(config.Level); err != nil {
		logger.Warnf("Invalid LOG_LEVEL '%s', defaulting to 'info'", config.Level)
		config.Level = "info"
	}

	config.Format = getEnv("LOG_FORMAT", "json")
	if config.Format != "json" && config.Format != "text" {
		logger.Warn("Invalid LOG_FORMAT, must be 'json' or 'text', defaulting to 'json'")
		config.Format = "json"
	}

	config.OutputFile = getEnv("LOG_OUTPUT_FILE", "")

	return nil
}

// loadHTTPConfig loads the HTTP configuration section
func loadHTTPConfig(logger *logrus.Logger, config *HTTPConfig) error {
	httpPortStr := getEnv("HTTP_PORT", "8080")
	httpPort, err := strconv.Atoi(httpPortStr)
	if err != nil || httpPort < 1 || httpPort > 65535 {
		logger.Warn("Invalid HTTP_PORT value, using default: 8080")
		config.Port = 8080
	} else {
		config.Port = httpPort
	}

	config.Enabled = getEnvBool("HTTP_ENABLED", true)
	config.EnableMetrics = getEnvBool("HTTP_ENABLE_METRICS", true)
	config.EnableAPI = getEnvBool("HTTP_ENABLE_API", true)

	config.ReadTimeout = getEnvDuration("HTTP_READ_TIMEOUT", 10*time.Second)
	config.WriteTimeout = getEnvDuration("HTTP_WRITE_TIMEOUT", 30*time.Second)
	config.MaxIngestChannels = getEnvInt("HTTP_MAX_INGEST_CHANNELS", 8)

	config.TLSEnabled = getEnvBool("HTTP_TLS_ENABLED", false)
	config.TLSCertFile = getEnv("HTTP_TLS_CERT_FILE", "")
	config.TLSKeyFile = getEnv("HTTP_TLS_KEY_FILE", "")

	config.APIKeys = parseList(getEnv("HTTP_API_KEYS", ""))

	config.RateLimitEnabled = getEnvBool("HTTP_RATE_LIMIT_ENABLED", false)
	config.RateLimitRPS = getEnvFloat("HTTP_RATE_LIMIT_RPS", 5)
	config.RateLimitBurst = getEnvInt("HTTP_RATE_LIMIT_BURST", 20)
	config.RateLimitExemptIPs = parseList(getEnv("HTTP_RATE_LIMIT_EXEMPT_IPS", ""))

	return nil
}

// loadMessagingConfig loads the messaging configuration section
func loadMessagingConfig(logger *logrus.Logger, config *MessagingConfig) error {
	config.AMQPUrl = getEnv("AMQP_URL", "")
	config.AMQPQueueName = getEnv("AMQP_QUEUE_NAME", "phoneme_results")
	config.ExchangeName = getEnv("AMQP_EXCHANGE_NAME", "")
	config.RoutingKey = getEnv("AMQP_ROUTING_KEY", "")
	config.ConnectTimeout = getEnvDuration("AMQP_CONNECT_TIMEOUT", 10*time.Second)
	config.BufferSize = getEnvInt("AMQP_BUFFER_SIZE", 256)
	config.PublishSilent = getEnvBool("AMQP_PUBLISH_SILENT", false)

	if config.AMQPUrl != "" && config.AMQPQueueName == "" && config.ExchangeName == "" {
		logger.Warn("Incomplete AMQP configuration: AMQP_URL needs a queue or an exchange")
	}

	return nil
}

// loadEngineConfig loads the engine configuration section
func loadEngineConfig(logger *logrus.Logger, config *EngineConfig) error {
	config.TickInterval = getEnvDuration("ENGINE_TICK_INTERVAL", 16*time.Millisecond)
	config.RuntimeMetricsInterval = getEnvDuration("RUNTIME_METRICS_INTERVAL", 10*time.Second)

	if config.TickInterval <= 0 {
		logger.Warn("Invalid ENGINE_TICK_INTERVAL value, using default: 16ms")
		config.TickInterval = 16 * time.Millisecond
	}

	return nil
}

// loadProfileConfig loads the profile configuration section
func loadProfileConfig(logger *logrus.Logger, config *ProfileConfig) error {
	config.Path = getEnv("PROFILE_PATH", "")
	config.Name = getEnv("PROFILE_NAME", "default")
	config.Entries = parseList(getEnv("PROFILE_ENTRIES", "A,I,U,E,O"))
	config.AutoSave = getEnvBool("PROFILE_AUTO_SAVE", true)

	if config.Path == "" {
		logger.Debug("PROFILE_PATH not set, calibrations are kept in memory only")
	}

	return nil
}

// loadHotReloadConfig loads the hot-reload configuration section
func loadHotReloadConfig(logger *logrus.Logger, config *HotReloadConfig) error {
	config.Enabled = getEnvBool("CONFIG_HOTRELOAD_ENABLED", true)

	debounceStr := getEnv("CONFIG_HOTRELOAD_DEBOUNCE", "500ms")
	debounce, err := time.ParseDuration(debounceStr)
	if err != nil {
		logger.Warn("Invalid CONFIG_HOTRELOAD_DEBOUNCE value, using default: 500ms")
		config.DebounceTime = 500 * time.Millisecond
	} else {
		config.DebounceTime = debounce
	}

	if config.Enabled {
		logger.WithField("debounce_time", config.DebounceTime).Debug("Configuration hot-reload enabled")
	}

	return nil
}

// ApplyLogging applies the logging configuration to the logger
func (c *Config) ApplyLogging(logger *logrus.Logger) error {
	level, err := logrus.ParseLevel(c.Logging.Level)
	if err != nil {
		return errors.Wrap(err, fmt.Sprintf("invalid log level: %s", c.Logging.Level))
	}
	logger.SetLevel(level)

	if c.Logging.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339Nano,
		})
	}

	if c.Logging.OutputFile != "" {
		f, err := os.OpenFile(c.Logging.OutputFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return errors.Wrap(err, fmt.Sprintf("failed to open log file: %s", c.Logging.OutputFile))
		}
		logger.SetOutput(f)
	} else {
		logger.SetOutput(os.Stdout)
	}

	return nil
}

// parseList splits a comma-separated list, dropping empty items
func parseList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Helper function to get an environment variable with a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// Helper function to get a boolean environment variable with a default value
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	switch strings.ToLower(value) {
	case "true", "yes", "1", "on":
		return true
	case "false", "no", "0", "off":
		return false
	default:
		return defaultValue
	}
}

// Helper function to get an integer environment variable with a default value
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	intValue, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}

	return intValue
}

// Helper function to get a duration environment variable with a default value
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	duration, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}

	return duration
}

// getEnvFloat retrieves an environment variable and converts it to float64
func getEnvFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	floatValue, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue
	}

	return floatValue
}
