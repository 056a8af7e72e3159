// Package config handles configuration loading, validation, and persistence
// for the group-chat server and client.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

const (
	DefaultConfigDir  = "config"
	DefaultConfigFile = "config.json"
	DefaultHost       = "localhost"
	DefaultPort       = 1212
	DefaultAPIPort    = 8080
	DefaultCapacity   = 250
)

// Config is the root configuration structure. Server and client binaries
// read the same file; each uses the sections it needs.
type Config struct {
	mu   sync.RWMutex
	path string

	Network NetworkConfig `json:"network"`
	Server  ServerConfig  `json:"server"`
	Client  ClientConfig  `json:"client"`
	API     APIConfig     `json:"api"`
	MQTT    MQTTConfig    `json:"mqtt"`
	Audit   AuditConfig   `json:"audit"`
	Metrics MetricsConfig `json:"metrics"`
	Logging LoggingConfig `json:"logging"`
}

// NetworkConfig holds the UDP endpoint shared by server and client.
type NetworkConfig struct {
	Host            string `json:"host"`
	Port            int    `json:"port"`
	MaxDatagramSize int    `json:"max_datagram_size"`
}

// ServerConfig holds engine limits and the handshake sweeper settings.
type ServerConfig struct {
	Capacity            int `json:"capacity"`
	MaxUsernameLength   int `json:"max_username_length"`
	HandshakeTimeoutSec int `json:"handshake_timeout_sec"`
	SweepIntervalSec    int `json:"sweep_interval_sec"`
	QueueWarnDepth      int `json:"queue_warn_depth"`
	InboundRatePerSec   int `json:"inbound_rate_per_sec"`
	InboundBurst        int `json:"inbound_burst"`
}

// ClientConfig holds the retransmission policy of the client session.
type ClientConfig struct {
	Username      string `json:"username"`
	RetryAttempts int    `json:"retry_attempts"`
	RetryBaseMs   int    `json:"retry_base_ms"`
	RetryMaxMs    int    `json:"retry_max_ms"`
}

// APIConfig holds the admin HTTP API settings.
type APIConfig struct {
	Enabled        bool     `json:"enabled"`
	Port           int      `json:"port"`
	AllowedOrigins []string `json:"allowed_origins"`
	RateLimitRPS   int      `json:"rate_limit_rps"`

	// A self-signed pair is generated when TLS is on and the files are missing.
	TLSEnabled bool   `json:"tls_enabled"`
	CertFile   string `json:"cert_file"`
	KeyFile    string `json:"key_file"`
}

// MQTTConfig holds MQTT telemetry settings.
type MQTTConfig struct {
	Enabled     bool   `json:"enabled"`
	BrokerURL   string `json:"broker_url"`
	Port        int    `json:"port"`
	UseTLS      bool   `json:"use_tls"`
	CertFile    string `json:"cert_file"`
	KeyFile     string `json:"key_file"`
	ClientID    string `json:"client_id"`
	TopicPrefix string `json:"topic_prefix"`
}

// AuditConfig holds the optional SQLite audit trail settings.
type AuditConfig struct {
	Enabled       bool   `json:"enabled"`
	Path          string `json:"path"`
	RetentionDays int    `json:"retention_days"`
}

// MetricsConfig toggles the Prometheus collectors.
type MetricsConfig struct {
	Enabled bool `json:"enabled"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `json:"level"`
	Directory  string `json:"directory"`
	MaxBackups int    `json:"max_backups"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Network: NetworkConfig{
			Host:            DefaultHost,
			Port:            DefaultPort,
			MaxDatagramSize: 1024,
		},
		Server: ServerConfig{
			Capacity:            DefaultCapacity,
			MaxUsernameLength:   8,
			HandshakeTimeoutSec: 30,
			SweepIntervalSec:    5,
			QueueWarnDepth:      1000,
			InboundRatePerSec:   200,
			InboundBurst:        400,
		},
		Client: ClientConfig{
			RetryAttempts: 5,
			RetryBaseMs:   250,
			RetryMaxMs:    4000,
		},
		API: APIConfig{
			Enabled:      true,
			Port:         DefaultAPIPort,
			RateLimitRPS: 20,
			CertFile:     filepath.Join(DefaultConfigDir, "tls", "admin.crt"),
			KeyFile:      filepath.Join(DefaultConfigDir, "tls", "admin.key"),
		},
		MQTT: MQTTConfig{
			Enabled:     false,
			BrokerURL:   "localhost",
			Port:        1883,
			TopicPrefix: "groupchat",
		},
		Audit: AuditConfig{
			Enabled:       false,
			Path:          filepath.Join(DefaultConfigDir, "audit.db"),
			RetentionDays: 30,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Directory:  "logs",
			MaxBackups: 5,
		},
	}
}

// Load reads configuration from a JSON file in configDir, then applies
// environment overrides. A missing file is created with defaults.
func Load(configDir string) (*Config, error) {
	configPath := filepath.Join(configDir, DefaultConfigFile)

	cfg := DefaultConfig()
	cfg.path = configPath

	data, err := os.ReadFile(configPath)
	switch {
	case os.IsNotExist(err):
		log.Info().Str("path", configPath).Msg("config file not found, creating default")
		if saveErr := cfg.Save(); saveErr != nil {
			return nil, fmt.Errorf("failed to save default config: %w", saveErr)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
		}
		log.Info().Str("path", configPath).Msg("configuration loaded")
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv loads a .env file when present and lets CHAT_* variables
// override file values. Overrides are not written back to disk.
func (c *Config) applyEnv() error {
	if err := godotenv.Load(".env"); err == nil {
		log.Debug().Msg("loaded environment from .env")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if v := os.Getenv("CHAT_HOST"); v != "" {
		c.Network.Host = v
	}
	if v := os.Getenv("CHAT_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("CHAT_MQTT_BROKER"); v != "" {
		c.MQTT.BrokerURL = v
		c.MQTT.Enabled = true
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"CHAT_PORT", &c.Network.Port},
		{"CHAT_API_PORT", &c.API.Port},
		{"CHAT_CAPACITY", &c.Server.Capacity},
	}
	for _, kv := range ints {
		v := os.Getenv(kv.key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("failed to parse %s=%q: %w", kv.key, v, err)
		}
		*kv.dst = n
	}
	return nil
}

// Save writes the current configuration to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(c.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Debug().Str("path", c.path).Msg("configuration saved")
	return nil
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}

// GetNetwork returns a copy of the network section.
func (c *Config) GetNetwork() NetworkConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Network
}

// SetNetwork replaces the network section.
func (c *Config) SetNetwork(n NetworkConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Network = n
}

// Endpoint returns the configured UDP endpoint as host:port.
func (c *Config) Endpoint() string {
	n := c.GetNetwork()
	return fmt.Sprintf("%s:%d", n.Host, n.Port)
}

// HandshakeTimeout returns the server's Connecting-state deadline.
func (s ServerConfig) HandshakeTimeout() time.Duration {
	return time.Duration(s.HandshakeTimeoutSec) * time.Second
}

// SweepInterval returns how often stale handshakes are checked.
func (s ServerConfig) SweepInterval() time.Duration {
	return time.Duration(s.SweepIntervalSec) * time.Second
}

// Retention returns how long audit entries are kept. Zero keeps them forever.
func (a AuditConfig) Retention() time.Duration {
	return time.Duration(a.RetentionDays) * 24 * time.Hour
}

// RetryBase returns the first retransmission delay.
func (c ClientConfig) RetryBase() time.Duration {
	return time.Duration(c.RetryBaseMs) * time.Millisecond
}

// RetryMax returns the retransmission delay cap.
func (c ClientConfig) RetryMax() time.Duration {
	return time.Duration(c.RetryMaxMs) * time.Millisecond
}
