package config

import (
	"fmt"
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

// Validate checks the whole configuration.
func Validate(cfg *Config) *ValidationResult {
	result := &ValidationResult{}

	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	validateNetwork(&cfg.Network, result)
	validateServer(&cfg.Server, result)
	validateClient(&cfg.Client, result)
	validateServices(cfg, result)

	return result
}

func validateNetwork(n *NetworkConfig, result *ValidationResult) {
	if strings.TrimSpace(n.Host) == "" {
		result.AddError("network.host", "host is required")
	}
	validatePort(n.Port, "network.port", result)

	if n.MaxDatagramSize != 1024 {
		result.AddError("network.max_datagram_size",
			fmt.Sprintf("datagram size %d is not supported (wire format is fixed at 1024)", n.MaxDatagramSize))
	}
}

func validateServer(s *ServerConfig, result *ValidationResult) {
	// ids are uint16 and 0 is reserved for the server
	if s.Capacity < 1 || s.Capacity > 65534 {
		result.AddError("server.capacity", fmt.Sprintf("capacity %d out of range (1-65534)", s.Capacity))
	}
	if s.MaxUsernameLength < 1 || s.MaxUsernameLength > 255 {
		result.AddError("server.max_username_length", "must be between 1 and 255")
	}
	if s.HandshakeTimeoutSec < 1 {
		result.AddError("server.handshake_timeout_sec", "must be at least 1 second")
	}
	if s.SweepIntervalSec < 1 {
		result.AddError("server.sweep_interval_sec", "must be at least 1 second")
	} else if s.SweepIntervalSec > s.HandshakeTimeoutSec {
		result.AddWarning("server.sweep_interval_sec",
			"sweep interval is longer than the handshake timeout, stale sessions will linger")
	}
	if s.InboundRatePerSec < 1 {
		result.AddWarning("server.inbound_rate_per_sec", "inbound rate limiting is disabled")
	} else if s.InboundBurst < 1 {
		result.AddError("server.inbound_burst", "burst must be at least 1 when rate limiting is enabled")
	}
}

func validateClient(c *ClientConfig, result *ValidationResult) {
	if c.RetryAttempts < 1 {
		result.AddError("client.retry_attempts", "must send each request at least once")
	}
	if c.RetryBaseMs < 1 {
		result.AddError("client.retry_base_ms", "must be at least 1ms")
	} else if c.RetryBaseMs < 10 {
		result.AddWarning("client.retry_base_ms", "retry interval below 10ms may flood the server")
	}
	if c.RetryMaxMs < c.RetryBaseMs {
		result.AddError("client.retry_max_ms", "must not be smaller than retry_base_ms")
	}
}

func validateServices(cfg *Config, result *ValidationResult) {
	if cfg.API.Enabled {
		validatePort(cfg.API.Port, "api.port", result)
		if cfg.API.Port == cfg.Network.Port {
			result.AddWarning("api.port", "API port equals the chat port (TCP and UDP can share it, but it is confusing)")
		}
		if cfg.API.RateLimitRPS < 1 {
			result.AddWarning("api.rate_limit_rps",
				"rate limit is disabled (0 RPS), this may expose the API to abuse")
		}
		if cfg.API.TLSEnabled && (strings.TrimSpace(cfg.API.CertFile) == "" || strings.TrimSpace(cfg.API.KeyFile) == "") {
			result.AddError("api.cert_file", "certificate and key paths are required when TLS is enabled")
		}
	}

	if cfg.MQTT.Enabled {
		if strings.TrimSpace(cfg.MQTT.BrokerURL) == "" {
			result.AddError("mqtt.broker_url", "MQTT broker URL is required when enabled")
		}
		if cfg.MQTT.Port < 1 || cfg.MQTT.Port > 65535 {
			result.AddError("mqtt.port", "invalid MQTT port")
		}
		if strings.TrimSpace(cfg.MQTT.TopicPrefix) == "" {
			result.AddError("mqtt.topic_prefix", "topic prefix is required")
		}
	}

	if cfg.Audit.Enabled && strings.TrimSpace(cfg.Audit.Path) == "" {
		result.AddError("audit.path", "audit database path is required when enabled")
	}
	if cfg.Audit.RetentionDays < 0 {
		result.AddError("audit.retention_days", "must not be negative")
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
