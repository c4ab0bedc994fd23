package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"phoneme-recognizer/pkg/errors"
)

// ConfigValidator handles configuration validation
type ConfigValidator struct {
	logger   *logrus.Logger
	errors   []ValidationError
	warnings []ValidationWarning
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string      `json:"field"`
	Value   interface{} `json:"value"`
	Rule    string      `json:"rule"`
	Message string      `json:"message"`
}

// ValidationWarning represents a configuration validation warning
type ValidationWarning struct {
	Field      string      `json:"field"`
	Value      interface{} `json:"value"`
	Message    string      `json:"message"`
	Suggestion string      `json:"suggestion,omitempty"`
}

// ValidationResult represents the result of configuration validation
type ValidationResult struct {
	Valid    bool                `json:"valid"`
	Errors   []ValidationError   `json:"errors,omitempty"`
	Warnings []ValidationWarning `json:"warnings,omitempty"`
	Summary  string              `json:"summary"`
}

// NewConfigValidator creates a new configuration validator
func NewConfigValidator(logger *logrus.Logger) *ConfigValidator {
	return &ConfigValidator{
		logger:   logger,
		errors:   make([]ValidationError, 0),
		warnings: make([]ValidationWarning, 0),
	}
}

// ValidateConfig validates the entire configuration
func (v *ConfigValidator) ValidateConfig(config *Config) *ValidationResult {
	v.errors = make([]ValidationError, 0)
	v.warnings = make([]ValidationWarning, 0)

	v.validateAnalysisConfig(&config.Analysis)
	v.validateHTTPConfig(config)
	v.validateMessagingConfig(config)
	v.validateEngineConfig(config)
	v.validateProfileConfig(config)
	v.validateLoggingConfig(config)

	return v.result()
}

// ValidateAnalysis validates only the analysis section, as hot reload does
// before handing a new session config to the engine
func (v *ConfigValidator) ValidateAnalysis(analysis AnalysisConfig) *ValidationResult {
	v.errors = make([]ValidationError, 0)
	v.warnings = make([]ValidationWarning, 0)

	v.validateAnalysisConfig(&analysis)

	return v.result()
}

func (v *ConfigValidator) result() *ValidationResult {
	result := &ValidationResult{
		Valid:    len(v.errors) == 0,
		Errors:   v.errors,
		Warnings: v.warnings,
	}
	result.Summary = v.generateSummary()

	if len(v.errors) > 0 {
		v.logger.WithField("error_count", len(v.errors)).Error("Configuration validation failed")
		for _, err := range v.errors {
			v.logger.WithFields(logrus.Fields{
				"field": err.Field,
				"value": err.Value,
				"rule":  err.Rule,
			}).Error(err.Message)
		}
	}

	if len(v.warnings) > 0 {
		v.logger.WithField("warning_count", len(v.warnings)).Warning("Configuration validation completed with warnings")
		for _, warning := range v.warnings {
			v.logger.WithFields(logrus.Fields{
				"field": warning.Field,
				"value": warning.Value,
			}).Warning(warning.Message)
		}
	}

	return result
}

// validateAnalysisConfig turns the session config's own checks into a
// validation error and adds advisory warnings
func (v *ConfigValidator) validateAnalysisConfig(analysis *AnalysisConfig) {
	if err := analysis.Validate(); err != nil {
		fields := errors.GetErrorFields(err)
		field, _ := fields["field"].(string)
		v.addError(field, fields["value"], "analysis", err.Error())
		return
	}

	if analysis.Strategy == StrategyMFCC && analysis.SourceSampleRate%analysis.TargetSampleRate != 0 {
		v.addWarning("target_sample_rate", analysis.TargetSampleRate,
			"Source rate is not an integer multiple of the target rate", "Downsampling will interpolate between samples")
	}

	if analysis.Strategy == StrategyMFCC && analysis.CompareMethod == "cosine" && analysis.UseStandardization {
		v.addWarning("use_standardization", analysis.UseStandardization,
			"Standardized cosine scores are very sharp with few entries", "Consider l2 while calibrating")
	}

	if analysis.Strategy == StrategyLPC && analysis.LPCOrder > analysis.FrameLength/4 {
		v.addWarning("lpc_order", analysis.LPCOrder, "High LPC order for the frame length", "Envelopes may split formants")
	}

	frame := time.Duration(float64(analysis.FrameLength) / float64(analysis.TargetSampleRate) * float64(time.Second))
	if frame > 200*time.Millisecond {
		v.addWarning("frame_length", analysis.FrameLength,
			fmt.Sprintf("Analysis frame spans %s", frame), "Long frames smear phoneme transitions")
	}
}

// validateHTTPConfig validates HTTP server configuration
func (v *ConfigValidator) validateHTTPConfig(config *Config) {
	if !config.HTTP.Enabled {
		return
	}

	if !v.isValidPort(config.HTTP.Port) {
		v.addError("http_port", config.HTTP.Port, "range", "Invalid HTTP port")
	}

	if config.HTTP.Port < 1024 && os.Getuid() != 0 {
		v.addWarning("http_port", config.HTTP.Port, fmt.Sprintf("Port %d requires root privileges", config.HTTP.Port), "Consider using port 8080")
	}

	if config.HTTP.ReadTimeout < time.Second || config.HTTP.ReadTimeout > 5*time.Minute {
		v.addError("http_read_timeout", config.HTTP.ReadTimeout, "range", "HTTP read timeout must be between 1s and 5m")
	}

	if config.HTTP.WriteTimeout < time.Second || config.HTTP.WriteTimeout > 5*time.Minute {
		v.addError("http_write_timeout", config.HTTP.WriteTimeout, "range", "HTTP write timeout must be between 1s and 5m")
	}

	if config.HTTP.MaxIngestChannels < 1 {
		v.addError("http_max_ingest_channels", config.HTTP.MaxIngestChannels, "range", "At least one ingest channel must be allowed")
	}

	if config.HTTP.TLSEnabled {
		if config.HTTP.TLSCertFile == "" {
			v.addError("http_tls_cert_file", config.HTTP.TLSCertFile, "required", "HTTP TLS certificate file is required when TLS is enabled")
		} else if !v.fileExists(config.HTTP.TLSCertFile) {
			v.addError("http_tls_cert_file", config.HTTP.TLSCertFile, "exists", "HTTP TLS certificate file does not exist")
		}

		if config.HTTP.TLSKeyFile == "" {
			v.addError("http_tls_key_file", config.HTTP.TLSKeyFile, "required", "HTTP TLS key file is required when TLS is enabled")
		} else if !v.fileExists(config.HTTP.TLSKeyFile) {
			v.addError("http_tls_key_file", config.HTTP.TLSKeyFile, "exists", "HTTP TLS key file does not exist")
		}
	}
}

// validateMessagingConfig validates the AMQP sink configuration
func (v *ConfigValidator) validateMessagingConfig(config *Config) {
	m := config.Messaging
	if !m.Enabled() {
		return
	}

	if !strings.HasPrefix(m.AMQPUrl, "amqp://") && !strings.HasPrefix(m.AMQPUrl, "amqps://") {
		v.addError("amqp_url", m.AMQPUrl, "format", "AMQP URL must start with amqp:// or amqps://")
	}

	if m.AMQPQueueName == "" && m.ExchangeName == "" {
		v.addError("amqp_queue_name", m.AMQPQueueName, "required", "AMQP publishing needs a queue or an exchange")
	}

	if m.BufferSize < 1 {
		v.addError("amqp_buffer_size", m.BufferSize, "range", "AMQP buffer size must be at least 1")
	}

	if m.ConnectTimeout <= 0 {
		v.addError("amqp_connect_timeout", m.ConnectTimeout, "range", "AMQP connect timeout must be positive")
	}
}

// validateEngineConfig validates the consumer cycle configuration
func (v *ConfigValidator) validateEngineConfig(config *Config) {
	if config.Engine.TickInterval <= 0 {
		v.addError("engine_tick_interval", config.Engine.TickInterval, "range", "Tick interval must be positive")
	}

	if config.Engine.TickInterval > time.Second {
		v.addWarning("engine_tick_interval", config.Engine.TickInterval, "Very slow consumer cycle", "Results will lag the audio noticeably")
	}
}

// validateProfileConfig validates profile storage configuration
func (v *ConfigValidator) validateProfileConfig(config *Config) {
	if config.Profile.Path != "" {
		dir := filepath.Dir(config.Profile.Path)
		if !v.directoryExists(dir) {
			v.addError("profile_path", config.Profile.Path, "exists", "Profile directory does not exist")
		} else if config.Profile.AutoSave && !v.isWritableDirectory(dir) {
			v.addError("profile_path", config.Profile.Path, "writable", "Profile directory is not writable")
		}
	}

	if len(config.Profile.Entries) == 0 && config.Analysis.Strategy == StrategyMFCC {
		v.addWarning("profile_entries", config.Profile.Entries, "No profile entries configured", "Nothing can be classified until entries are added")
	}

	seen := make(map[string]bool, len(config.Profile.Entries))
	for _, name := range config.Profile.Entries {
		if seen[name] {
			v.addError("profile_entries", name, "unique", fmt.Sprintf("Duplicate profile entry %s", name))
		}
		seen[name] = true
	}
}

// validateLoggingConfig validates logging configuration
func (v *ConfigValidator) validateLoggingConfig(config *Config) {
	validLevels := []string{"trace", "debug", "info", "warn", "warning", "error", "fatal", "panic"}
	if config.Logging.Level != "" && !v.contains(validLevels, strings.ToLower(config.Logging.Level)) {
		v.addError("log_level", config.Logging.Level, "supported", "Invalid log level")
	}

	validFormats := []string{"text", "json"}
	if config.Logging.Format != "" && !v.contains(validFormats, strings.ToLower(config.Logging.Format)) {
		v.addError("log_format", config.Logging.Format, "supported", "Invalid log format")
	}

	if config.Logging.OutputFile != "" {
		logDir := filepath.Dir(config.Logging.OutputFile)
		if !v.directoryExists(logDir) {
			v.addWarning("log_file", config.Logging.OutputFile, "Log directory does not exist", "Create it before starting the service")
		}
	}
}

// Helper validation functions

func (v *ConfigValidator) isValidPort(port int) bool {
	return port > 0 && port <= 65535
}

func (v *ConfigValidator) fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

func (v *ConfigValidator) directoryExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func (v *ConfigValidator) isWritableDirectory(path string) bool {
	if path == "" {
		return false
	}

	file, err := os.CreateTemp(path, ".write_test")
	if err != nil {
		return false
	}
	name := file.Name()
	file.Close()
	os.Remove(name)
	return true
}

func (v *ConfigValidator) contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

func (v *ConfigValidator) addError(field string, value interface{}, rule, message string) {
	v.errors = append(v.errors, ValidationError{
		Field:   field,
		Value:   value,
		Rule:    rule,
		Message: message,
	})
}

func (v *ConfigValidator) addWarning(field string, value interface{}, message, suggestion string) {
	v.warnings = append(v.warnings, ValidationWarning{
		Field:      field,
		Value:      value,
		Message:    message,
		Suggestion: suggestion,
	})
}

func (v *ConfigValidator) generateSummary() string {
	if len(v.errors) == 0 && len(v.warnings) == 0 {
		return "Configuration validation passed successfully"
	}

	summary := ""
	if len(v.errors) > 0 {
		summary += fmt.Sprintf("%d validation error(s)", len(v.errors))
	}

	if len(v.warnings) > 0 {
		if summary != "" {
			summary += " and "
		}
		summary += fmt.Sprintf("%d warning(s)", len(v.warnings))
	}

	return summary + " found"
}
