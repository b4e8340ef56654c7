package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error [%s]: %s", e.Field, e.Message)
}

// ValidationResult holds the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// IsValid returns true if there are no validation errors.
func (r *ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// AddError adds a validation error.
func (r *ValidationResult) AddError(field, message string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message})
}

// AddWarning adds a validation warning.
func (r *ValidationResult) AddWarning(field, message string) {
	r.Warnings = append(r.Warnings, ValidationError{Field: field, Message: message})
}

// Validate checks every section of the configuration.
func Validate(cfg *Config) *ValidationResult {
	result := &ValidationResult{}

	validateQuery(cfg.GetQuery(), result)
	validateTargets(cfg.GetTargets(), result)
	validateAPI(cfg.GetAPI(), result)
	validateStorage(cfg.GetStorage(), result)
	validateMQTT(cfg.GetMQTT(), result)

	return result
}

func validateQuery(q QueryConfig, result *ValidationResult) {
	if q.TimeoutMs < 1 {
		result.AddError("query.timeout_ms", "timeout must be positive")
	} else if q.TimeoutMs < 100 {
		result.AddWarning("query.timeout_ms",
			fmt.Sprintf("timeout of %dms is likely to fail for remote servers", q.TimeoutMs))
	}

	if q.Retries < 0 {
		result.AddError("query.retries", "retries cannot be negative")
	}

	if q.CacheTTLSec < 0 {
		result.AddError("query.cache_ttl_sec", "cache TTL cannot be negative")
	} else if q.CacheTTLSec == 0 {
		result.AddWarning("query.cache_ttl_sec", "cache TTL is 0, cached replies never expire")
	}

	if q.CacheSize < 1 {
		result.AddError("query.cache_size", "cache must hold at least 1 entry")
	}
}

func validateTargets(t TargetsConfig, result *ValidationResult) {
	for i, addr := range t.Addresses {
		if err := ValidateAddress(addr); err != nil {
			result.AddError(fmt.Sprintf("targets.addresses[%d]", i), err.Error())
		}
	}

	if len(t.Addresses) > 0 && t.PollIntervalSec < 5 {
		result.AddWarning("targets.poll_interval_sec",
			"poll interval less than 5s may get the service rate limited by game servers")
	}
}

func validateAPI(a APIConfig, result *ValidationResult) {
	if !a.Enabled {
		return
	}
	validatePort(a.Port, "api.port", result)

	if a.RateLimitRPS < 1 {
		result.AddWarning("api.rate_limit_rps",
			"rate limit is disabled (0 RPS), this may expose the API to abuse")
	}
}

func validateStorage(s StorageConfig, result *ValidationResult) {
	if !s.Enabled {
		return
	}
	if strings.TrimSpace(s.DatabasePath) == "" {
		result.AddError("storage.database_path", "database path is required when storage is enabled")
	}
	if s.RetentionDays < 1 {
		result.AddError("storage.retention_days", "retention days must be at least 1")
	}
}

func validateMQTT(m MQTTConfig, result *ValidationResult) {
	if !m.Enabled {
		return
	}
	if strings.TrimSpace(m.BrokerURL) == "" {
		result.AddError("mqtt.broker_url", "MQTT broker URL is required when enabled")
	}
	if m.Port < 1 || m.Port > 65535 {
		result.AddError("mqtt.port", "invalid MQTT port")
	}
	if (m.CertFile == "") != (m.KeyFile == "") {
		result.AddError("mqtt.cert_file", "cert_file and key_file must be set together")
	}
}

func validatePort(port int, field string, result *ValidationResult) {
	if port < 1 || port > 65535 {
		result.AddError(field, fmt.Sprintf("invalid port number: %d (must be 1-65535)", port))
		return
	}
	if port < 1024 {
		result.AddWarning(field,
			fmt.Sprintf("port %d is a privileged port, may require elevated permissions", port))
	}
}

// ValidateAddress checks that addr is a host:port with a usable port.
func ValidateAddress(addr string) error {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid server address %q: %w", addr, err)
	}
	if host == "" {
		return fmt.Errorf("invalid server address %q: missing host", addr)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("invalid server address %q: bad port", addr)
	}
	return nil
}
