package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sweeney/channel-manager/internal/channel"
	"github.com/sweeney/channel-manager/internal/manager"
	"github.com/sweeney/channel-manager/internal/validate"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func fieldsOf(t *testing.T, err error) []string {
	t.Helper()
	var verrs *validate.Errors
	if !errors.As(err, &verrs) {
		t.Fatalf("expected *validate.Errors, got %v", err)
	}
	var fields []string
	for _, e := range verrs.Errors {
		fields = append(fields, e.Field)
	}
	return fields
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestDefaultMatchesManagerDefaults(t *testing.T) {
	got := Default().ManagerParams()
	if got != manager.DefaultConfig() {
		t.Errorf("ManagerParams:\ngot:  %+v\nwant: %+v", got, manager.DefaultConfig())
	}
}

func TestLoadWithoutFile(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Manager.Supported != channel.All {
		t.Errorf("Supported: got %v", cfg.Manager.Supported)
	}
	if cfg.HTTP.Addr != ":80" {
		t.Errorf("HTTP.Addr: got %q", cfg.HTTP.Addr)
	}
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, `
manager:
  supported_channels: "11-14,20"
  favored_channels: "{15, 20}"
  delay_seconds: 300
  auto_select: true
  auto_select_interval_seconds: 600
  thresholds:
    cca_failure_rate: 0x2000
    min_sample_count: 100
mqtt:
  broker: tcp://broker.local:1883
  topic_prefix: site/a/mesh
http:
  addr: 127.0.0.1:8080
indicator:
  enabled: true
  line: 27
simulation:
  seed: 42
logging:
  level: debug
  file: /var/log/channel-manager.log
heartbeat_ms: 60000
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	m := cfg.Manager
	if m.Supported != channel.MaskOf(11, 12, 13, 14, 20) {
		t.Errorf("Supported: got %v", m.Supported)
	}
	if m.Favored != channel.MaskOf(15, 20) {
		t.Errorf("Favored: got %v", m.Favored)
	}
	if m.DelaySeconds != 300 || !m.AutoSelect || m.AutoSelectIntervalSeconds != 600 {
		t.Errorf("manager: got %+v", m)
	}
	if m.Thresholds.CCAFailureRate != 0x2000 || m.Thresholds.MinSampleCount != 100 {
		t.Errorf("thresholds: got %+v", m.Thresholds)
	}
	// Unset keys keep their defaults.
	if m.Thresholds.SkipFavored != 0x11eb {
		t.Errorf("SkipFavored: got 0x%04x, want default", m.Thresholds.SkipFavored)
	}
	if cfg.MQTT.Broker != "tcp://broker.local:1883" || cfg.MQTT.ClientID != "channel-manager" {
		t.Errorf("mqtt: got %+v", cfg.MQTT)
	}
	if !cfg.Indicator.Enabled || cfg.Indicator.Line != 27 || cfg.Indicator.Chip != "gpiochip0" {
		t.Errorf("indicator: got %+v", cfg.Indicator)
	}
	if cfg.Simulation.Seed != 42 {
		t.Errorf("seed: got %d", cfg.Simulation.Seed)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("logging: got %+v", cfg.Logging)
	}
	if cfg.HeartbeatMs != 60000 {
		t.Errorf("HeartbeatMs: got %d", cfg.HeartbeatMs)
	}

	params := cfg.ManagerParams()
	if params.Thresholds.CCAFailureRate != 0x2000 {
		t.Errorf("params threshold: got %v", params.Thresholds.CCAFailureRate)
	}
	if params.RequestStartJitter != 10*time.Second {
		t.Errorf("params jitter: got %v", params.RequestStartJitter)
	}
}

func TestLoadEmptyFile(t *testing.T) {
	cfg, err := Load(writeFile(t, ""))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Manager.DelaySeconds != 120 {
		t.Errorf("DelaySeconds: got %d, want default", cfg.Manager.DelaySeconds)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown key", "manager:\n  delay: 300\n"},
		{"bad mask", "manager:\n  supported_channels: \"5-30\"\n"},
		{"bad yaml", "manager: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeFile(t, tt.content)); err == nil {
				t.Error("expected error")
			}
		})
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestValidateFields(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"delay below minimum", func(c *Config) { c.Manager.DelaySeconds = 60 }, "manager.delay_seconds"},
		{"interval zero", func(c *Config) { c.Manager.AutoSelectIntervalSeconds = 0 }, "manager.auto_select_interval_seconds"},
		{"interval too long", func(c *Config) { c.Manager.AutoSelectIntervalSeconds = 2147484 }, "manager.auto_select_interval_seconds"},
		{"no jitter", func(c *Config) { c.Manager.StartJitterMs = 0 }, "manager.start_jitter_ms"},
		{"broker missing", func(c *Config) { c.MQTT.Broker = "" }, "mqtt.broker"},
		{"broker not url", func(c *Config) { c.MQTT.Broker = "not a url" }, "mqtt.broker"},
		{"buffer zero", func(c *Config) { c.MQTT.BufferSize = 0 }, "mqtt.buffer_size"},
		{"indicator without chip", func(c *Config) { c.Indicator.Enabled = true; c.Indicator.Chip = "" }, "indicator.chip"},
		{"initial channel", func(c *Config) { c.Simulation.InitialChannel = 27 }, "simulation.initial_channel"},
		{"log level", func(c *Config) { c.Logging.Level = "trace" }, "logging.level"},
		{"heartbeat negative", func(c *Config) { c.HeartbeatMs = -1 }, "heartbeat_ms"},
		{"supported empty", func(c *Config) { c.Manager.Supported = 0 }, "manager.supported_channels"},
		{"favored outside range", func(c *Config) { c.Manager.Favored = 1 << 5 }, "manager.favored_channels"},
		{"initial not simulated", func(c *Config) { c.Simulation.Supported = channel.MaskOf(20) }, "simulation.initial_channel"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			fields := fieldsOf(t, err)
			if len(fields) != 1 || fields[0] != tt.want {
				t.Errorf("fields: got %v, want [%s]", fields, tt.want)
			}
		})
	}
}

func TestIndicatorChipOptionalWhenDisabled(t *testing.T) {
	cfg := Default()
	cfg.Indicator.Chip = ""
	if err := cfg.Validate(); err != nil {
		t.Errorf("chip should be optional while disabled: %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CHANNEL_MANAGER_MQTT_BROKER", "tcp://10.0.0.1:1883")
	t.Setenv("CHANNEL_MANAGER_HTTP_ADDR", ":8080")
	t.Setenv("CHANNEL_MANAGER_SUPPORTED_CHANNELS", "15-20")
	t.Setenv("CHANNEL_MANAGER_FAVORED_CHANNELS", "15")
	t.Setenv("CHANNEL_MANAGER_DELAY_SECONDS", "500")
	t.Setenv("CHANNEL_MANAGER_AUTO_SELECT", "true")
	t.Setenv("CHANNEL_MANAGER_INDICATOR_ENABLED", "1")

	// Environment wins over the file.
	cfg, err := Load(writeFile(t, "http:\n  addr: \":9090\"\nmanager:\n  delay_seconds: 200\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MQTT.Broker != "tcp://10.0.0.1:1883" {
		t.Errorf("Broker: got %q", cfg.MQTT.Broker)
	}
	if cfg.HTTP.Addr != ":8080" {
		t.Errorf("Addr: got %q", cfg.HTTP.Addr)
	}
	if cfg.Manager.Supported != channel.MaskOf(15, 16, 17, 18, 19, 20) {
		t.Errorf("Supported: got %v", cfg.Manager.Supported)
	}
	if cfg.Manager.Favored != channel.MaskOf(15) {
		t.Errorf("Favored: got %v", cfg.Manager.Favored)
	}
	if cfg.Manager.DelaySeconds != 500 || !cfg.Manager.AutoSelect || !cfg.Indicator.Enabled {
		t.Errorf("overrides not applied: %+v %+v", cfg.Manager, cfg.Indicator)
	}
}

func TestEnvOverrideErrors(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"DELAY_SECONDS", "soon"},
		{"DELAY_SECONDS", "70000"},
		{"AUTO_SELECT", "maybe"},
		{"SUPPORTED_CHANNELS", "1-5"},
		{"HEARTBEAT_MS", "1m"},
	}
	for _, tt := range tests {
		cfg := Default()
		env := map[string]string{EnvPrefix + tt.key: tt.value}
		err := applyEnvOverrides(cfg, func(k string) string { return env[k] })
		if err == nil || !strings.Contains(err.Error(), tt.key) {
			t.Errorf("%s=%s: expected error naming the variable, got %v", tt.key, tt.value, err)
		}
	}
}

func TestYAMLRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Manager.Favored = channel.MaskOf(15, 20, 25)

	data, err := cfg.YAML()
	if err != nil {
		t.Fatalf("YAML: %v", err)
	}
	if !strings.Contains(string(data), "supported_channels: 11-26") {
		t.Errorf("expected mask rendered as range:\n%s", data)
	}

	back := Default()
	if err := decode(back, data); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if *back != *cfg {
		t.Errorf("round trip mismatch:\ngot:  %+v\nwant: %+v", back, cfg)
	}
}
