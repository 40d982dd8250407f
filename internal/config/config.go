package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strings"
	"time"
	_ "time/tzdata" // timezone must resolve on hosts without zoneinfo

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/dokzlo13/motiond/internal/schedule"
)

// Config represents the application configuration
type Config struct {
	Hub             HubConfig         `yaml:"hub"`
	Stream          StreamConfig      `yaml:"stream"`
	Timezone        string            `yaml:"timezone"` // zone for schedule thresholds, "Local" by default
	Log             LogConfig         `yaml:"log"`
	Ledger          LedgerConfig      `yaml:"ledger"`
	MQTT            MQTTConfig        `yaml:"mqtt"`
	Healthcheck     HealthcheckConfig `yaml:"healthcheck"`
	EventBus        EventBusConfig    `yaml:"eventbus"`
	ShutdownTimeout Duration          `yaml:"shutdown_timeout"` // General shutdown timeout for graceful stops
	Areas           []AreaConfig      `yaml:"areas"`
}

// HubConfig contains hub connection settings
type HubConfig struct {
	Host           string   `yaml:"host"`
	RESTPort       int      `yaml:"rest_port"`
	WebsocketPort  int      `yaml:"websocket_port"`
	Credential     string   `yaml:"credential"`
	RequestTimeout Duration `yaml:"request_timeout"` // per attempt
	MaxAttempts    int      `yaml:"max_attempts"`
	RetryBackoff   Duration `yaml:"retry_backoff"`  // wait after attempt n is n*retry_backoff
	RateLimitRPS   float64  `yaml:"rate_limit_rps"` // negative disables throttling
}

// StreamConfig contains event feed reconnect settings
type StreamConfig struct {
	MaxStartupAttempts int      `yaml:"max_startup_attempts"` // give up if never connected after this many
	BackoffStep        Duration `yaml:"backoff_step"`         // wait before attempt n+1 is n*backoff_step
	HandshakeTimeout   Duration `yaml:"handshake_timeout"`
	CloseTimeout       Duration `yaml:"close_timeout"`
}

// LogConfig contains logging settings
type LogConfig struct {
	Level  string `yaml:"level"`
	JSON   bool   `yaml:"json"`
	Colors *bool  `yaml:"colors"` // default true
}

// UseColors reports whether console output is colored
func (c LogConfig) UseColors() bool {
	return c.Colors == nil || *c.Colors
}

// LedgerConfig contains audit ledger settings
type LedgerConfig struct {
	Enabled         bool     `yaml:"enabled"`
	Path            string   `yaml:"path"`
	Retention       Duration `yaml:"retention"`
	CleanupInterval Duration `yaml:"cleanup_interval"`
}

// MQTTConfig contains MQTT state publisher settings
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         *int   `yaml:"qos"` // default 1
}

// GetQoS returns the QoS level with default
func (c MQTTConfig) GetQoS() byte {
	if c.QoS == nil {
		return 1
	}
	return byte(*c.QoS)
}

// HealthcheckConfig contains health check server settings
type HealthcheckConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// EventBusConfig contains event bus settings
type EventBusConfig struct {
	Workers   int `yaml:"workers"`    // Number of worker goroutines (default: 2)
	QueueSize int `yaml:"queue_size"` // Event queue size (default: 100)
}

// AreaConfig describes one sensor-driven area
type AreaConfig struct {
	Name        string         `yaml:"name"`
	SensorID    int            `yaml:"sensor_id"`
	TargetLight *int           `yaml:"target_light"`
	TargetGroup *int           `yaml:"target_group"`
	Schedule    map[string]int `yaml:"schedule"` // "HH:MM" -> brightness 0..255
	DimAfter    Duration       `yaml:"dim_after"`
	OffAfter    Duration       `yaml:"off_after"`
	Transition  Duration       `yaml:"transition"`
	DryRun      bool           `yaml:"dry_run"`
}

// Duration is a wrapper around time.Duration for YAML unmarshalling
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// ConfigurationError reports an invalid or missing setting. Area is empty
// for settings outside the areas list.
type ConfigurationError struct {
	Area   string
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Area != "" {
		return fmt.Sprintf("configuration: area %q: %s: %s", e.Area, e.Field, e.Reason)
	}
	return fmt.Sprintf("configuration: %s: %s", e.Field, e.Reason)
}

// LoadEnvFile loads KEY=value pairs from path into the environment.
// A missing file is not an error; variables already set are kept.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

// Load reads, parses and validates the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigurationError{Field: "file", Reason: err.Error()}
	}
	return Parse(data)
}

// Parse parses YAML (or JSON) configuration, applies defaults and validates.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, &ConfigurationError{Field: "file", Reason: err.Error()}
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Timezone == "" {
		cfg.Timezone = "Local"
	}

	// Hub defaults
	if cfg.Hub.RESTPort == 0 {
		cfg.Hub.RESTPort = 80
	}
	if cfg.Hub.WebsocketPort == 0 {
		cfg.Hub.WebsocketPort = 443
	}
	if cfg.Hub.RequestTimeout == 0 {
		cfg.Hub.RequestTimeout = Duration(1 * time.Second)
	}
	if cfg.Hub.MaxAttempts == 0 {
		cfg.Hub.MaxAttempts = 10
	}
	if cfg.Hub.RetryBackoff == 0 {
		cfg.Hub.RetryBackoff = Duration(1 * time.Second)
	}
	if cfg.Hub.RateLimitRPS == 0 {
		cfg.Hub.RateLimitRPS = 10.0
	}

	// Stream defaults
	if cfg.Stream.MaxStartupAttempts == 0 {
		cfg.Stream.MaxStartupAttempts = 10
	}
	if cfg.Stream.BackoffStep == 0 {
		cfg.Stream.BackoffStep = Duration(2 * time.Second)
	}
	if cfg.Stream.HandshakeTimeout == 0 {
		cfg.Stream.HandshakeTimeout = Duration(10 * time.Second)
	}
	if cfg.Stream.CloseTimeout == 0 {
		cfg.Stream.CloseTimeout = Duration(3 * time.Second)
	}

	// Ledger defaults
	if cfg.Ledger.Path == "" {
		cfg.Ledger.Path = "./motiond.sqlite"
	}
	if cfg.Ledger.Retention == 0 {
		cfg.Ledger.Retention = Duration(30 * 24 * time.Hour)
	}
	if cfg.Ledger.CleanupInterval == 0 {
		cfg.Ledger.CleanupInterval = Duration(24 * time.Hour)
	}

	// MQTT defaults
	if cfg.MQTT.Broker == "" {
		cfg.MQTT.Broker = "tcp://localhost:1883"
	}
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "motiond"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "motiond"
	}

	// Healthcheck defaults
	if cfg.Healthcheck.Port == 0 {
		cfg.Healthcheck.Port = 9090
	}
	if cfg.Healthcheck.Host == "" {
		cfg.Healthcheck.Host = "0.0.0.0"
	}

	// Event bus defaults
	if cfg.EventBus.Workers <= 0 {
		cfg.EventBus.Workers = 2
	}
	if cfg.EventBus.QueueSize <= 0 {
		cfg.EventBus.QueueSize = 100
	}

	// General shutdown timeout
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = Duration(5 * time.Second)
	}

	// Area defaults
	for i := range cfg.Areas {
		a := &cfg.Areas[i]
		if a.DimAfter == 0 {
			a.DimAfter = Duration(2 * time.Minute)
		}
		if a.OffAfter == 0 {
			a.OffAfter = Duration(2 * time.Minute)
		}
		if a.Transition == 0 {
			a.Transition = Duration(30 * time.Second)
		}
	}
}

// Validate checks the settings the daemon cannot run without.
func (cfg *Config) Validate() error {
	if cfg.Hub.Host == "" {
		return &ConfigurationError{Field: "hub.host", Reason: "is required"}
	}
	if cfg.Hub.Credential == "" {
		return &ConfigurationError{Field: "hub.credential", Reason: "is required"}
	}
	if cfg.Hub.MaxAttempts < 1 {
		return &ConfigurationError{Field: "hub.max_attempts", Reason: "must be at least 1"}
	}
	if cfg.Stream.MaxStartupAttempts < 1 {
		return &ConfigurationError{Field: "stream.max_startup_attempts", Reason: "must be at least 1"}
	}
	if _, err := cfg.Location(); err != nil {
		return &ConfigurationError{Field: "timezone", Reason: err.Error()}
	}
	if _, err := zerolog.ParseLevel(cfg.Log.Level); err != nil {
		return &ConfigurationError{Field: "log.level", Reason: err.Error()}
	}
	if q := cfg.MQTT.QoS; q != nil && (*q < 0 || *q > 2) {
		return &ConfigurationError{Field: "mqtt.qos", Reason: "must be 0, 1 or 2"}
	}

	if len(cfg.Areas) == 0 {
		return &ConfigurationError{Field: "areas", Reason: "at least one area is required"}
	}
	seen := make(map[string]bool, len(cfg.Areas))
	for i, a := range cfg.Areas {
		if err := a.validate(); err != nil {
			if cfgErr, ok := err.(*ConfigurationError); ok && cfgErr.Area == "" {
				cfgErr.Area = fmt.Sprintf("#%d", i+1)
			}
			return err
		}
		if seen[a.Name] {
			return &ConfigurationError{Area: a.Name, Field: "name", Reason: "is not unique"}
		}
		seen[a.Name] = true
	}
	return nil
}

func (a AreaConfig) validate() error {
	if strings.TrimSpace(a.Name) == "" {
		return &ConfigurationError{Field: "name", Reason: "is required"}
	}
	if a.SensorID <= 0 {
		return &ConfigurationError{Area: a.Name, Field: "sensor_id", Reason: "must be a positive integer"}
	}
	switch {
	case a.TargetLight != nil && a.TargetGroup != nil:
		return &ConfigurationError{Area: a.Name, Field: "target", Reason: "set only one of target_light or target_group"}
	case a.TargetLight == nil && a.TargetGroup == nil:
		return &ConfigurationError{Area: a.Name, Field: "target", Reason: "one of target_light or target_group is required"}
	}
	if _, err := schedule.Parse(a.Schedule); err != nil {
		return &ConfigurationError{Area: a.Name, Field: "schedule", Reason: err.Error()}
	}
	if a.DimAfter < 0 || a.OffAfter < 0 || a.Transition < 0 {
		return &ConfigurationError{Area: a.Name, Field: "timings", Reason: "must not be negative"}
	}
	return nil
}

// Location returns the time zone schedule thresholds are evaluated in.
func (cfg *Config) Location() (*time.Location, error) {
	if cfg.Timezone == "" || cfg.Timezone == "Local" {
		return time.Local, nil
	}
	return time.LoadLocation(cfg.Timezone)
}

// expandEnvVars expands environment variables in the format ${VAR} or ${VAR:default}
func expandEnvVars(input string) string {
	// Match ${VAR} or ${VAR:default}
	re := regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

	return re.ReplaceAllStringFunc(input, func(match string) string {
		parts := re.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultVal := ""
		if len(parts) >= 3 {
			defaultVal = parts[2]
		}

		if val := os.Getenv(varName); val != "" {
			return val
		}
		return defaultVal
	})
}
