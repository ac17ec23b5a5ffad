package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Device.Profile != "hello" {
		t.Errorf("Device.Profile = %q, want %q", cfg.Device.Profile, "hello")
	}
	if cfg.Advertising.IntervalMin != 0x20 || cfg.Advertising.IntervalMax != 0x40 {
		t.Errorf("Advertising intervals = %#x..%#x, want 0x20..0x40", cfg.Advertising.IntervalMin, cfg.Advertising.IntervalMax)
	}
	if cfg.Notifier.Interval != 500*time.Millisecond {
		t.Errorf("Notifier.Interval = %v, want 500ms", cfg.Notifier.Interval)
	}
	if cfg.Notifier.Format != "Hello %d" {
		t.Errorf("Notifier.Format = %q, want %q", cfg.Notifier.Format, "Hello %d")
	}
	if cfg.Backend.Type != "bluez" {
		t.Errorf("Backend.Type = %q, want %q", cfg.Backend.Type, "bluez")
	}
	if cfg.MQTT.Enabled {
		t.Error("MQTT should be disabled by default")
	}
	if cfg.Connection.Enabled() {
		t.Error("connection parameters should not be requested by default")
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
}

func TestLoad(t *testing.T) {
	yamlContent := `
device:
  name: SENSOR_1
  profile: nus
advertising:
  interval_min: 160
  interval_max: 320
  conn_mode: und
  disc_mode: gen
notifier:
  interval: 1s
  format: "tick %d"
connection:
  interval_min: 6
  interval_max: 12
  supervision_timeout: 400
backend:
  type: sim
mqtt:
  enabled: true
  broker: tcp://broker:1883
log_level: debug
log_format: json
`
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Device.Name != "SENSOR_1" || cfg.Device.Profile != "nus" {
		t.Errorf("Device = %+v, want SENSOR_1/nus", cfg.Device)
	}
	if cfg.Advertising.IntervalMin != 160 || cfg.Advertising.IntervalMax != 320 {
		t.Errorf("Advertising = %+v", cfg.Advertising)
	}
	if cfg.Notifier.Interval != time.Second {
		t.Errorf("Notifier.Interval = %v, want 1s", cfg.Notifier.Interval)
	}
	if cfg.Notifier.PoolSize != 8 {
		t.Errorf("Notifier.PoolSize = %d, want default 8", cfg.Notifier.PoolSize)
	}
	if !cfg.Connection.Enabled() || cfg.Connection.SupervisionTimeout != 400 {
		t.Errorf("Connection = %+v", cfg.Connection)
	}
	if cfg.Backend.Type != "sim" {
		t.Errorf("Backend.Type = %q, want sim", cfg.Backend.Type)
	}
	if !cfg.MQTT.Enabled || cfg.MQTT.Broker != "tcp://broker:1883" || cfg.MQTT.TopicPrefix != "blehello" {
		t.Errorf("MQTT = %+v", cfg.MQTT)
	}
	if cfg.LogFormat != "json" {
		t.Errorf("LogFormat = %q, want json", cfg.LogFormat)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestLoadExpandsTilde(t *testing.T) {
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)
	if err := os.WriteFile(filepath.Join(tmpHome, "ble.yaml"), []byte("log_level: warn\n"), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load("~/ble.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn", cfg.LogLevel)
	}
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("Load() should return error for nonexistent file")
	}
}

func TestLoadOrDefaultMissingFile(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadOrDefault() error = %v", err)
	}
	if cfg.Device.Profile != "hello" {
		t.Errorf("Device.Profile = %q, want default", cfg.Device.Profile)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("device: [unclosed"), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	if _, err := Load(cfgPath); err == nil {
		t.Error("Load() should fail on invalid YAML")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "unknown profile",
			modify:  func(c *Config) { c.Device.Profile = "hid" },
			wantErr: true,
		},
		{
			name:    "name too long",
			modify:  func(c *Config) { c.Device.Name = strings.Repeat("n", 30) },
			wantErr: true,
		},
		{
			name:    "service uuid without char uuid",
			modify:  func(c *Config) { c.Device.ServiceUUID = "12345678-90ab-cdef-1234-567890abcdef" },
			wantErr: true,
		},
		{
			name: "malformed custom uuid",
			modify: func(c *Config) {
				c.Device.ServiceUUID = "12345678-90ab-cdef-1234-567890abcdef"
				c.Device.CharUUID = "not-a-uuid"
			},
			wantErr: true,
		},
		{
			name: "valid custom uuids",
			modify: func(c *Config) {
				c.Device.ServiceUUID = "12345678-90ab-cdef-1234-567890abcdef"
				c.Device.CharUUID = "fedcba98-7654-3210-fedc-ba9876543210"
			},
			wantErr: false,
		},
		{
			name:    "advertising interval too short",
			modify:  func(c *Config) { c.Advertising.IntervalMin = 0x10 },
			wantErr: true,
		},
		{
			name:    "advertising min above max",
			modify:  func(c *Config) { c.Advertising.IntervalMin = 0x50 },
			wantErr: true,
		},
		{
			name:    "invalid conn mode",
			modify:  func(c *Config) { c.Advertising.ConnMode = "bogus" },
			wantErr: true,
		},
		{
			name:    "invalid disc mode",
			modify:  func(c *Config) { c.Advertising.DiscMode = "bogus" },
			wantErr: true,
		},
		{
			name:    "zero notifier interval",
			modify:  func(c *Config) { c.Notifier.Interval = 0 },
			wantErr: true,
		},
		{
			name:    "oversized payload",
			modify:  func(c *Config) { c.Notifier.MaxPayload = 512 },
			wantErr: true,
		},
		{
			name:    "zero pool size",
			modify:  func(c *Config) { c.Notifier.PoolSize = 0 },
			wantErr: true,
		},
		{
			name:    "connection without supervision timeout",
			modify:  func(c *Config) { c.Connection = ConnectionConfig{IntervalMin: 6, IntervalMax: 12} },
			wantErr: true,
		},
		{
			name:    "unknown backend",
			modify:  func(c *Config) { c.Backend.Type = "corebluetooth" },
			wantErr: true,
		},
		{
			name:    "bluez without adapter",
			modify:  func(c *Config) { c.Backend.Adapter = "" },
			wantErr: true,
		},
		{
			name: "mqtt without broker",
			modify: func(c *Config) {
				c.MQTT.Enabled = true
				c.MQTT.Broker = ""
			},
			wantErr: true,
		},
		{
			name:    "invalid log level",
			modify:  func(c *Config) { c.LogLevel = "invalid" },
			wantErr: true,
		},
		{
			name:    "invalid log format",
			modify:  func(c *Config) { c.LogFormat = "xml" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestWriteDefault_CreatesFile(t *testing.T) {
	// Use a temp dir as fake home to avoid touching real config
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	path, err := WriteDefault()
	if err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}

	expectedPath := filepath.Join(tmpHome, ".config", "blehello", "config.yaml")
	if path != expectedPath {
		t.Errorf("WriteDefault() path = %q, want %q", path, expectedPath)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read written config: %v", err)
	}
	if !strings.HasPrefix(string(data), "# blehello") {
		t.Error("written config should start with header comment")
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("written config is not valid YAML: %v", err)
	}
	if cfg.Notifier.Interval != 500*time.Millisecond {
		t.Errorf("written config Notifier.Interval = %v, want 500ms", cfg.Notifier.Interval)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("written config Validate() error = %v", err)
	}
}

func TestWriteDefault_NoOpIfExists(t *testing.T) {
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	configDir := filepath.Join(tmpHome, ".config", "blehello")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("failed to create config dir: %v", err)
	}
	existingContent := []byte("log_level: debug\n")
	configPath := filepath.Join(configDir, "config.yaml")
	if err := os.WriteFile(configPath, existingContent, 0644); err != nil {
		t.Fatalf("failed to write existing config: %v", err)
	}

	// WriteDefault should return ("", nil) without overwriting
	path, err := WriteDefault()
	if err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}
	if path != "" {
		t.Errorf("WriteDefault() path = %q, want empty string for existing file", path)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("failed to read config: %v", err)
	}
	if string(data) != string(existingContent) {
		t.Error("WriteDefault() should not overwrite existing config file")
	}
}
