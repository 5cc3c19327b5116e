package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for ParcelHub Core.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
	Commands  CommandsConfig  `yaml:"commands"`
	Lockers   LockersConfig   `yaml:"lockers"`
}

// ServiceConfig identifies this core instance.
type ServiceConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
	Topics    MQTTTopicsConfig    `yaml:"topics"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
//
// InitialDelay is the fixed interval between attempts at the first connect.
// MaxDelay caps the client's reconnect backoff after a lost connection,
// which starts at 1 second and doubles (1s, 2s, 4s, 5s with the defaults).
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// MQTTTopicsConfig controls the topic namespace lockers publish into.
type MQTTTopicsConfig struct {
	// Prefix is the root of all per-locker topics: {prefix}/{locker_id}/...
	Prefix string `yaml:"prefix"`
	// System is the root for core-level topics such as the online status.
	System string `yaml:"system"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// CommandsConfig controls command dispatch to locker hardware.
type CommandsConfig struct {
	// Timeout is how long a dispatched command waits for a correlated
	// response, in seconds.
	Timeout int `yaml:"timeout"`

	// HardwareMediated makes fill and pickup dispatch a command to the box
	// first and only apply the state change on a definite device success.
	HardwareMediated bool `yaml:"hardware_mediated"`
}

// LockersConfig contains defaults applied when provisioning lockers.
type LockersConfig struct {
	DefaultBoxHeight float64 `yaml:"default_box_height"`
	DefaultBoxWidth  float64 `yaml:"default_box_width"`
	DefaultBoxLength float64 `yaml:"default_box_length"`
	HistoryLimit     int     `yaml:"history_limit"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: PARCELHUB_SECTION_KEY
// For example: PARCELHUB_DATABASE_PATH, PARCELHUB_MQTT_HOST
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			ID:   "parcelhub-001",
			Name: "ParcelHub",
		},
		Database: DatabaseConfig{
			Path:        "./data/parcelhub.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "parcelhub-core",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 5,
				MaxDelay:     5,
			},
			Topics: MQTTTopicsConfig{
				Prefix: "lockers",
				System: "parcelhub/system",
			},
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 45,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Commands: CommandsConfig{
			Timeout:          30,
			HardwareMediated: true,
		},
		Lockers: LockersConfig{
			DefaultBoxHeight: 20,
			DefaultBoxWidth:  20,
			DefaultBoxLength: 20,
			HistoryLimit:     50,
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: PARCELHUB_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PARCELHUB_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	if v := os.Getenv("PARCELHUB_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("PARCELHUB_MQTT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.MQTT.Broker.Port = port
		}
	}
	if v := os.Getenv("PARCELHUB_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("PARCELHUB_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}
	if v := os.Getenv("PARCELHUB_MQTT_TOPIC_PREFIX"); v != "" {
		cfg.MQTT.Topics.Prefix = v
	}

	if v := os.Getenv("PARCELHUB_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("PARCELHUB_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}

	if v := os.Getenv("PARCELHUB_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	if v := os.Getenv("PARCELHUB_COMMANDS_TIMEOUT"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			cfg.Commands.Timeout = secs
		}
	}
	if v := os.Getenv("PARCELHUB_COMMANDS_HARDWARE_MEDIATED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Commands.HardwareMediated = b
		}
	}

	if v := os.Getenv("PARCELHUB_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks the configuration for errors.
//
// All problems are collected and reported together so a broken deployment
// can be fixed in one pass.
func (c *Config) Validate() error {
	var errs []string

	if c.Service.ID == "" {
		errs = append(errs, "service.id is required")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.Topics.Prefix == "" {
		errs = append(errs, "mqtt.topics.prefix is required")
	} else if strings.ContainsAny(c.MQTT.Topics.Prefix, "+#") {
		errs = append(errs, "mqtt.topics.prefix must not contain wildcards")
	}
	if c.MQTT.Reconnect.InitialDelay < 1 {
		errs = append(errs, "mqtt.reconnect.initial_delay must be at least 1 second")
	}
	if c.MQTT.Reconnect.MaxDelay < c.MQTT.Reconnect.InitialDelay {
		errs = append(errs, "mqtt.reconnect.max_delay must not be less than initial_delay")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if c.Commands.Timeout < 1 {
		errs = append(errs, "commands.timeout must be at least 1 second")
	}
	// A hardware-mediated write holds the HTTP request open for the whole
	// command timeout.
	if c.Commands.HardwareMediated && c.API.Timeouts.Write > 0 && c.API.Timeouts.Write <= c.Commands.Timeout {
		errs = append(errs, "api.timeouts.write must exceed commands.timeout when commands.hardware_mediated is enabled")
	}

	if c.Lockers.DefaultBoxHeight <= 0 || c.Lockers.DefaultBoxWidth <= 0 || c.Lockers.DefaultBoxLength <= 0 {
		errs = append(errs, "lockers default box dimensions must be positive")
	}
	if c.Lockers.HistoryLimit < 1 || c.Lockers.HistoryLimit > 200 {
		errs = append(errs, "lockers.history_limit must be between 1 and 200")
	}

	if c.InfluxDB.Enabled {
		if c.InfluxDB.URL == "" {
			errs = append(errs, "influxdb.url is required when influxdb is enabled")
		}
		if c.InfluxDB.Bucket == "" {
			errs = append(errs, "influxdb.bucket is required when influxdb is enabled")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}

// GetCommandTimeout returns the command response timeout as a Duration.
func (c *Config) GetCommandTimeout() time.Duration {
	return time.Duration(c.Commands.Timeout) * time.Second
}
