package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Device      DeviceConfig      `yaml:"device"`
	Advertising AdvertisingConfig `yaml:"advertising"`
	Notifier    NotifierConfig    `yaml:"notifier"`
	Connection  ConnectionConfig  `yaml:"connection"`
	Backend     BackendConfig     `yaml:"backend"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	LogLevel    string            `yaml:"log_level"`
	LogFormat   string            `yaml:"log_format"` // "text" or "json"
}

// DeviceConfig selects the GATT profile and its identities.
type DeviceConfig struct {
	Name        string `yaml:"name"`    // advertised local name; empty uses the profile's
	Profile     string `yaml:"profile"` // "hello", "nus" or "spp"
	ServiceUUID string `yaml:"service_uuid,omitempty"`
	CharUUID    string `yaml:"char_uuid,omitempty"`
}

// AdvertisingConfig holds advertising intervals in 0.625 ms units.
type AdvertisingConfig struct {
	IntervalMin uint16 `yaml:"interval_min"`
	IntervalMax uint16 `yaml:"interval_max"`
	ConnMode    string `yaml:"conn_mode"` // "und", "dir" or "non"
	DiscMode    string `yaml:"disc_mode"` // "gen", "ltd" or "non"
}

// NotifierConfig holds the periodic notification settings.
type NotifierConfig struct {
	Interval   time.Duration `yaml:"interval"`
	Format     string        `yaml:"format"`
	MaxPayload int           `yaml:"max_payload"`
	PoolSize   int           `yaml:"pool_size"`
}

// ConnectionConfig holds the connection parameters requested after a
// central connects. All zero means no request.
type ConnectionConfig struct {
	IntervalMin        uint16 `yaml:"interval_min"` // 1.25 ms units
	IntervalMax        uint16 `yaml:"interval_max"`
	Latency            uint16 `yaml:"latency"`
	SupervisionTimeout uint16 `yaml:"supervision_timeout"` // 10 ms units
}

// Enabled reports whether connection parameters are configured.
func (c ConnectionConfig) Enabled() bool {
	return c != ConnectionConfig{}
}

// BackendConfig selects the host stack.
type BackendConfig struct {
	Type    string `yaml:"type"`    // "bluez" or "sim"
	Adapter string `yaml:"adapter"` // HCI adapter, e.g. "hci0"
}

// MQTTConfig holds the optional state mirror settings.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	QueueSize   int    `yaml:"queue_size"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "blehello")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			Profile: "hello",
		},
		Advertising: AdvertisingConfig{
			IntervalMin: 0x20,
			IntervalMax: 0x40,
			ConnMode:    "und",
			DiscMode:    "gen",
		},
		Notifier: NotifierConfig{
			Interval:   500 * time.Millisecond,
			Format:     "Hello %d",
			MaxPayload: 20,
			PoolSize:   8,
		},
		Backend: BackendConfig{
			Type:    "bluez",
			Adapter: "hci0",
		},
		MQTT: MQTTConfig{
			Broker:      "tcp://localhost:1883",
			ClientID:    "blehello",
			TopicPrefix: "blehello",
			QueueSize:   64,
		},
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(expandTilde(path))
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault loads path, or returns the defaults when path does not
// exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.Device.Profile {
	case "hello", "nus", "spp":
	default:
		return fmt.Errorf("device.profile must be hello, nus, or spp, got %q", c.Device.Profile)
	}
	if len(c.Device.Name) > 29 {
		return fmt.Errorf("device.name must be at most 29 bytes, got %d", len(c.Device.Name))
	}
	if (c.Device.ServiceUUID == "") != (c.Device.CharUUID == "") {
		return fmt.Errorf("device.service_uuid and device.char_uuid must be set together")
	}
	for field, v := range map[string]string{
		"device.service_uuid": c.Device.ServiceUUID,
		"device.char_uuid":    c.Device.CharUUID,
	} {
		if v == "" {
			continue
		}
		if _, err := uuid.Parse(v); err != nil {
			return fmt.Errorf("%s: %w", field, err)
		}
	}

	if c.Advertising.IntervalMin < 0x20 || c.Advertising.IntervalMax > 0x4000 {
		return fmt.Errorf("advertising intervals must be within 0x20..0x4000")
	}
	if c.Advertising.IntervalMin > c.Advertising.IntervalMax {
		return fmt.Errorf("advertising.interval_min (%d) must not exceed interval_max (%d)",
			c.Advertising.IntervalMin, c.Advertising.IntervalMax)
	}
	switch c.Advertising.ConnMode {
	case "und", "dir", "non":
	default:
		return fmt.Errorf("advertising.conn_mode must be und, dir, or non, got %q", c.Advertising.ConnMode)
	}
	switch c.Advertising.DiscMode {
	case "gen", "ltd", "non":
	default:
		return fmt.Errorf("advertising.disc_mode must be gen, ltd, or non, got %q", c.Advertising.DiscMode)
	}

	if c.Notifier.Interval <= 0 {
		return fmt.Errorf("notifier.interval must be > 0")
	}
	if c.Notifier.MaxPayload <= 0 || c.Notifier.MaxPayload > 244 {
		return fmt.Errorf("notifier.max_payload must be within 1..244, got %d", c.Notifier.MaxPayload)
	}
	if c.Notifier.PoolSize <= 0 {
		return fmt.Errorf("notifier.pool_size must be > 0")
	}

	if cc := c.Connection; cc.Enabled() {
		if cc.IntervalMin == 0 || cc.IntervalMin > cc.IntervalMax {
			return fmt.Errorf("connection.interval_min must be > 0 and not exceed interval_max")
		}
		if cc.SupervisionTimeout == 0 {
			return fmt.Errorf("connection.supervision_timeout must be > 0")
		}
	}

	switch c.Backend.Type {
	case "bluez":
		if c.Backend.Adapter == "" {
			return fmt.Errorf("backend.adapter must not be empty for bluez")
		}
	case "sim":
	default:
		return fmt.Errorf("backend.type must be \"bluez\" or \"sim\", got %q", c.Backend.Type)
	}

	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker must not be empty when mqtt is enabled")
		}
		if c.MQTT.TopicPrefix == "" {
			return fmt.Errorf("mqtt.topic_prefix must not be empty when mqtt is enabled")
		}
		if c.MQTT.QueueSize <= 0 {
			return fmt.Errorf("mqtt.queue_size must be > 0")
		}
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log_format must be \"text\" or \"json\", got %q", c.LogFormat)
	}

	return nil
}

const defaultHeader = `# blehello configuration
# Intervals under advertising are in 0.625 ms units, under connection in
# 1.25 ms units; supervision_timeout is in 10 ms units.
`

// WriteDefault writes the default config to DefaultConfigPath if no file
// exists there. It returns the path written, or "" if a file was already
// present.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("checking config file: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(defaultHeader), data...), 0o644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
