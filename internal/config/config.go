// Package config handles configuration loading, validation, and persistence
// for the querycache service.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog/log"
)

const (
	DefaultConfigDir  = "config"
	DefaultConfigFile = "config.json"
	DefaultAPIPort    = 5080
	DefaultQueryPort  = 27015
)

// Config is the root configuration structure.
type Config struct {
	mu   sync.RWMutex
	path string

	Query   QueryConfig   `json:"query"`
	Targets TargetsConfig `json:"targets"`
	API     APIConfig     `json:"api"`
	Storage StorageConfig `json:"storage"`
	MQTT    MQTTConfig    `json:"mqtt"`
	Logging LoggingConfig `json:"logging"`
}

// QueryConfig controls the UDP rules query and the response cache.
type QueryConfig struct {
	TimeoutMs   int `json:"timeout_ms" env:"QUERYCACHE_QUERY_TIMEOUT_MS"`
	Retries     int `json:"retries" env:"QUERYCACHE_QUERY_RETRIES"`
	CacheTTLSec int `json:"cache_ttl_sec" env:"QUERYCACHE_CACHE_TTL"`
	CacheSize   int `json:"cache_size"`
}

// Timeout returns the per-attempt query timeout.
func (q QueryConfig) Timeout() time.Duration {
	return time.Duration(q.TimeoutMs) * time.Millisecond
}

// CacheTTL returns how long a decoded reply stays cached.
func (q QueryConfig) CacheTTL() time.Duration {
	return time.Duration(q.CacheTTLSec) * time.Second
}

// TargetsConfig lists servers polled in the background.
type TargetsConfig struct {
	Addresses       []string `json:"addresses" env:"QUERYCACHE_TARGETS" envSeparator:","`
	PollIntervalSec int      `json:"poll_interval_sec"`
}

// PollInterval returns the background poll period.
func (t TargetsConfig) PollInterval() time.Duration {
	return time.Duration(t.PollIntervalSec) * time.Second
}

// APIConfig holds REST API settings.
type APIConfig struct {
	Enabled        bool     `json:"enabled"`
	Port           int      `json:"port" env:"QUERYCACHE_API_PORT"`
	AllowedOrigins []string `json:"allowed_origins"`
	RateLimitRPS   int      `json:"rate_limit_rps"`
}

// StorageConfig holds snapshot history settings.
type StorageConfig struct {
	Enabled       bool   `json:"enabled"`
	DatabasePath  string `json:"database_path" env:"QUERYCACHE_DB_PATH"`
	RetentionDays int    `json:"retention_days"`
}

// MQTTConfig holds MQTT telemetry settings.
type MQTTConfig struct {
	Enabled     bool   `json:"enabled" env:"QUERYCACHE_MQTT_ENABLED"`
	BrokerURL   string `json:"broker_url" env:"QUERYCACHE_MQTT_BROKER"`
	Port        int    `json:"port"`
	UseTLS      bool   `json:"use_tls"`
	CertFile    string `json:"cert_file"`
	KeyFile     string `json:"key_file"`
	ClientID    string `json:"client_id"`
	TopicPrefix string `json:"topic_prefix"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `json:"level" env:"QUERYCACHE_LOG_LEVEL"`
	Directory  string `json:"directory"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Query: QueryConfig{
			TimeoutMs:   2000,
			Retries:     2,
			CacheTTLSec: 30,
			CacheSize:   1024,
		},
		Targets: TargetsConfig{
			Addresses:       []string{},
			PollIntervalSec: 60,
		},
		API: APIConfig{
			Enabled:      true,
			Port:         DefaultAPIPort,
			RateLimitRPS: 50,
		},
		Storage: StorageConfig{
			Enabled:       true,
			DatabasePath:  filepath.Join(DefaultConfigDir, "history.db"),
			RetentionDays: 14,
		},
		MQTT: MQTTConfig{
			Enabled:     false,
			Port:        8883,
			UseTLS:      true,
			TopicPrefix: "querycache",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Directory:  "logs",
			MaxSizeMB:  10,
			MaxBackups: 5,
		},
	}
}

// Load reads configuration from a JSON file, creating it with defaults when
// missing, then applies environment overrides.
func Load(configDir string) (*Config, error) {
	configPath := filepath.Join(configDir, DefaultConfigFile)

	data, err := os.ReadFile(configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
		log.Info().Str("path", configPath).Msg("config file not found, creating default")
		cfg := DefaultConfig()
		cfg.path = configPath
		if saveErr := cfg.Save(); saveErr != nil {
			return nil, fmt.Errorf("failed to save default config: %w", saveErr)
		}
		if err := cfg.ApplyEnv(); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}
	cfg.path = configPath
	log.Info().Str("path", configPath).Msg("configuration loaded")

	// Persist fields added since the file was written.
	if saveErr := cfg.Save(); saveErr != nil {
		log.Warn().Err(saveErr).Msg("failed to re-save config with updated defaults")
	}

	// Environment overrides are applied after saving so they never land on disk.
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays QUERYCACHE_* environment variables onto the configuration.
func (c *Config) ApplyEnv() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := env.Parse(c); err != nil {
		return fmt.Errorf("failed to parse environment overrides: %w", err)
	}
	return nil
}

// Save writes the current configuration to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.path == "" {
		return fmt.Errorf("config has no file path")
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0755); err != nil {
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

// GetQuery returns a copy of the query configuration.
func (c *Config) GetQuery() QueryConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Query
}

// GetTargets returns a copy of the polled targets.
func (c *Config) GetTargets() TargetsConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t := c.Targets
	t.Addresses = append([]string(nil), c.Targets.Addresses...)
	return t
}

// SetTargets replaces the polled targets.
func (c *Config) SetTargets(t TargetsConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Targets = t
}

// GetAPI returns a copy of the API configuration.
func (c *Config) GetAPI() APIConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.API
}

// GetStorage returns a copy of the storage configuration.
func (c *Config) GetStorage() StorageConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Storage
}

// GetMQTT returns a copy of the MQTT configuration.
func (c *Config) GetMQTT() MQTTConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.MQTT
}

// GetLogging returns a copy of the logging configuration.
func (c *Config) GetLogging() LoggingConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Logging
}

// sections returns the configuration as JSON objects keyed by section name.
// Caller holds mu.
func (c *Config) sections() (map[string]map[string]interface{}, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	root := make(map[string]map[string]interface{})
	if err := json.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return root, nil
}

// GetField returns the JSON value of section.key.
func (c *Config) GetField(section, key string) (interface{}, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	root, err := c.sections()
	if err != nil {
		return nil, err
	}
	fields, ok := root[section]
	if !ok {
		return nil, fmt.Errorf("unknown config section %q", section)
	}
	value, ok := fields[key]
	if !ok {
		return nil, fmt.Errorf("unknown config key %s.%s", section, key)
	}
	return value, nil
}

// UpdateField sets section.key to value by round-tripping the section through JSON.
// Section names are the JSON names of Config's fields ("query", "targets", ...).
func (c *Config) UpdateField(section, key string, value interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	root, err := c.sections()
	if err != nil {
		return err
	}

	fields, ok := root[section]
	if !ok {
		return fmt.Errorf("unknown config section %q", section)
	}
	if _, ok := fields[key]; !ok {
		return fmt.Errorf("unknown config key %s.%s", section, key)
	}
	fields[key] = value

	updated, err := json.Marshal(root)
	if err != nil {
		return fmt.Errorf("failed to marshal updated config: %w", err)
	}
	next := &Config{}
	if err := json.Unmarshal(updated, next); err != nil {
		return fmt.Errorf("failed to update field %s.%s: %w", section, key, err)
	}

	c.Query = next.Query
	c.Targets = next.Targets
	c.API = next.API
	c.Storage = next.Storage
	c.MQTT = next.MQTT
	c.Logging = next.Logging
	return nil
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}
