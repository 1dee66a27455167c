// Package config loads the deployment configuration from YAML,
// filling missing fields with the AmbientNode defaults.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Device   DeviceConfig  `yaml:"device"`
	GATT     GATTConfig    `yaml:"gatt"`
	Central  CentralConfig `yaml:"central"`
	Gateway  GatewayConfig `yaml:"gateway"`
	LogLevel string        `yaml:"log_level"`
}

// DeviceConfig identifies the peripheral and how centrals find it.
type DeviceConfig struct {
	// Name is the advertised local name.
	Name string `yaml:"name"`
	// ScanPrefix is the case-insensitive substring centrals scan for.
	ScanPrefix string `yaml:"scan_prefix"`
	// PIN is the fixed numeric pairing passkey.
	PIN string `yaml:"pin"`
}

// GATTConfig holds the service and characteristic UUIDs.
type GATTConfig struct {
	ServiceUUID    string `yaml:"service_uuid"`
	WriteCharUUID  string `yaml:"write_char_uuid"`
	NotifyCharUUID string `yaml:"notify_char_uuid"`
}

// CentralConfig holds the central-role link settings. Timeouts are in
// seconds.
type CentralConfig struct {
	ScanTimeout    int `yaml:"scan_timeout"`
	ConnectTimeout int `yaml:"connect_timeout"`
	BondTimeout    int `yaml:"bond_timeout"`
	MaxAttempts    int `yaml:"max_attempts"`
	MTUBudget      int `yaml:"mtu_budget"`
	AckTimeout     int `yaml:"ack_timeout"`
	MaxRetries     int `yaml:"max_retries"`
}

// GatewayConfig holds the peripheral-role settings.
type GatewayConfig struct {
	MTUBudget      int      `yaml:"mtu_budget"`
	TransferWindow int      `yaml:"transfer_window"` // seconds
	DedupWindow    int      `yaml:"dedup_window"`
	StatusTopics   []string `yaml:"status_topics"`
}

// Default returns a Config with the deployment defaults.
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			Name:       "AmbientNode",
			ScanPrefix: "Ambient",
			PIN:        "123456",
		},
		GATT: GATTConfig{
			ServiceUUID:    "12345678-1234-5678-1234-56789abcdef0",
			WriteCharUUID:  "12345678-1234-5678-1234-56789abcdef1",
			NotifyCharUUID: "12345678-1234-5678-1234-56789abcdef2",
		},
		Central: CentralConfig{
			ScanTimeout:    10,
			ConnectTimeout: 8,
			BondTimeout:    15,
			MaxAttempts:    3,
			MTUBudget:      180,
			AckTimeout:     5,
			MaxRetries:     2,
		},
		Gateway: GatewayConfig{
			MTUBudget:      180,
			TransferWindow: 30,
			DedupWindow:    64,
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.Device.Name == "" {
		return fmt.Errorf("device.name must not be empty")
	}

	if _, err := strconv.ParseUint(c.Device.PIN, 10, 32); err != nil {
		return fmt.Errorf("device.pin must be numeric, got %q", c.Device.PIN)
	}

	if c.GATT.ServiceUUID == "" || c.GATT.WriteCharUUID == "" || c.GATT.NotifyCharUUID == "" {
		return fmt.Errorf("gatt UUIDs must not be empty")
	}

	if c.Central.MaxAttempts <= 0 {
		return fmt.Errorf("central.max_attempts must be > 0")
	}

	if c.Central.MTUBudget <= 0 || c.Gateway.MTUBudget <= 0 {
		return fmt.Errorf("mtu_budget must be > 0")
	}

	if c.Gateway.TransferWindow <= 0 {
		return fmt.Errorf("gateway.transfer_window must be > 0")
	}

	switch c.LogLevel {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be trace, debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}
