package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Device.Name != "AmbientNode" {
		t.Errorf("Device.Name = %q, want %q", cfg.Device.Name, "AmbientNode")
	}
	if cfg.Device.ScanPrefix != "Ambient" {
		t.Errorf("Device.ScanPrefix = %q, want %q", cfg.Device.ScanPrefix, "Ambient")
	}
	if cfg.Device.PIN != "123456" {
		t.Errorf("Device.PIN = %q, want %q", cfg.Device.PIN, "123456")
	}
	if cfg.GATT.ServiceUUID != "12345678-1234-5678-1234-56789abcdef0" {
		t.Errorf("GATT.ServiceUUID = %q", cfg.GATT.ServiceUUID)
	}
	if cfg.Central.MaxAttempts != 3 {
		t.Errorf("Central.MaxAttempts = %d, want 3", cfg.Central.MaxAttempts)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate, got %v", err)
	}
}

func TestLoad(t *testing.T) {
	yamlContent := `
device:
  name: LivingRoomFan
  scan_prefix: LivingRoom
  pin: "654321"
central:
  scan_timeout: 5
  max_attempts: 5
gateway:
  mtu_budget: 120
  status_topics:
    - ambient/status/#
log_level: debug
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

	if cfg.Device.Name != "LivingRoomFan" {
		t.Errorf("Device.Name = %q, want %q", cfg.Device.Name, "LivingRoomFan")
	}
	if cfg.Device.PIN != "654321" {
		t.Errorf("Device.PIN = %q, want %q", cfg.Device.PIN, "654321")
	}
	if cfg.Central.ScanTimeout != 5 {
		t.Errorf("Central.ScanTimeout = %d, want 5", cfg.Central.ScanTimeout)
	}
	if cfg.Central.MaxAttempts != 5 {
		t.Errorf("Central.MaxAttempts = %d, want 5", cfg.Central.MaxAttempts)
	}
	if cfg.Gateway.MTUBudget != 120 {
		t.Errorf("Gateway.MTUBudget = %d, want 120", cfg.Gateway.MTUBudget)
	}
	if len(cfg.Gateway.StatusTopics) != 1 || cfg.Gateway.StatusTopics[0] != "ambient/status/#" {
		t.Errorf("Gateway.StatusTopics = %v", cfg.Gateway.StatusTopics)
	}

	// Fields absent from the file keep their defaults.
	if cfg.GATT.WriteCharUUID != "12345678-1234-5678-1234-56789abcdef1" {
		t.Errorf("GATT.WriteCharUUID = %q, want default", cfg.GATT.WriteCharUUID)
	}
	if cfg.Central.BondTimeout != 15 {
		t.Errorf("Central.BondTimeout = %d, want default 15", cfg.Central.BondTimeout)
	}
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("Load() should return error for nonexistent file")
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
			name:    "empty device name",
			modify:  func(c *Config) { c.Device.Name = "" },
			wantErr: true,
		},
		{
			name:    "non-numeric pin",
			modify:  func(c *Config) { c.Device.PIN = "secret" },
			wantErr: true,
		},
		{
			name:    "empty service uuid",
			modify:  func(c *Config) { c.GATT.ServiceUUID = "" },
			wantErr: true,
		},
		{
			name:    "zero max attempts",
			modify:  func(c *Config) { c.Central.MaxAttempts = 0 },
			wantErr: true,
		},
		{
			name:    "zero mtu budget",
			modify:  func(c *Config) { c.Gateway.MTUBudget = 0 },
			wantErr: true,
		},
		{
			name:    "zero transfer window",
			modify:  func(c *Config) { c.Gateway.TransferWindow = 0 },
			wantErr: true,
		},
		{
			name:    "invalid log level",
			modify:  func(c *Config) { c.LogLevel = "verbose" },
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
