// Package config loads the daemon configuration: built-in defaults, then an
// optional YAML file, then CHANNEL_MANAGER_* environment overrides, then
// validation.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sweeney/channel-manager/internal/channel"
	"github.com/sweeney/channel-manager/internal/gpio"
	"github.com/sweeney/channel-manager/internal/manager"
	"github.com/sweeney/channel-manager/internal/mqtt"
	"github.com/sweeney/channel-manager/internal/sim"
	"github.com/sweeney/channel-manager/internal/validate"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CHANNEL_MANAGER_"

// Config is the complete daemon configuration.
type Config struct {
	Manager     ManagerConfig    `yaml:"manager"`
	MQTT        MQTTConfig       `yaml:"mqtt"`
	HTTP        HTTPConfig       `yaml:"http"`
	Indicator   IndicatorConfig  `yaml:"indicator"`
	Simulation  SimulationConfig `yaml:"simulation"`
	Logging     LoggingConfig    `yaml:"logging"`
	HeartbeatMs int64            `yaml:"heartbeat_ms" validate:"gte=0"`
}

// ManagerConfig holds the channel manager policy and timings.
type ManagerConfig struct {
	Supported                 channel.Mask     `yaml:"supported_channels"`
	Favored                   channel.Mask     `yaml:"favored_channels"`
	DelaySeconds              uint16           `yaml:"delay_seconds" validate:"gtefield=MinDelaySeconds"`
	MinDelaySeconds           uint16           `yaml:"min_delay_seconds" validate:"min=1"`
	AutoSelect                bool             `yaml:"auto_select"`
	AutoSelectIntervalSeconds uint32           `yaml:"auto_select_interval_seconds" validate:"min=1,max=2147483"`
	StartJitterMs             int64            `yaml:"start_jitter_ms" validate:"min=1"`
	RetryIntervalMs           int64            `yaml:"retry_interval_ms" validate:"min=1"`
	CheckWaitMs               int64            `yaml:"check_wait_ms" validate:"gte=0"`
	Thresholds                ThresholdsConfig `yaml:"thresholds"`
}

// ThresholdsConfig holds occupancy thresholds (0..0xffff) and the minimum
// sample count.
type ThresholdsConfig struct {
	CCAFailureRate uint16 `yaml:"cca_failure_rate"`
	SkipFavored    uint16 `yaml:"skip_favored"`
	ChangeChannel  uint16 `yaml:"change_channel"`
	MinSampleCount uint32 `yaml:"min_sample_count"`
}

// MQTTConfig configures event publishing.
type MQTTConfig struct {
	Broker      string `yaml:"broker" validate:"required,url"`
	ClientID    string `yaml:"client_id" validate:"required"`
	TopicPrefix string `yaml:"topic_prefix" validate:"required"`
	BufferSize  int    `yaml:"buffer_size" validate:"min=1"`
}

// HTTPConfig configures the status and API server. An empty Addr disables it.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// IndicatorConfig configures the GPIO change indicator.
type IndicatorConfig struct {
	Enabled bool   `yaml:"enabled"`
	Chip    string `yaml:"chip" validate:"required_if=Enabled true"`
	Line    int    `yaml:"line" validate:"gte=0"`
}

// SimulationConfig configures the simulated mesh.
type SimulationConfig struct {
	Seed           uint64       `yaml:"seed"`
	InitialChannel uint8        `yaml:"initial_channel" validate:"min=11,max=26"`
	Supported      channel.Mask `yaml:"supported_channels"`
	MaxStep        uint16       `yaml:"max_step"`
	SampleMs       int64        `yaml:"sample_ms" validate:"min=1"`
}

// LoggingConfig configures the logger. An empty level silences it.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	File  string `yaml:"file"`
}

// Default returns the built-in configuration.
func Default() *Config {
	mc := manager.DefaultConfig()
	sc := sim.DefaultConfig()
	return &Config{
		Manager: ManagerConfig{
			Supported:                 channel.All,
			DelaySeconds:              mc.MinDelay,
			MinDelaySeconds:           mc.MinDelay,
			AutoSelectIntervalSeconds: mc.DefaultAutoSelectInterval,
			StartJitterMs:             mc.RequestStartJitter.Milliseconds(),
			RetryIntervalMs:           mc.PendingDatasetRetry.Milliseconds(),
			CheckWaitMs:               mc.ChangeCheckWait.Milliseconds(),
			Thresholds: ThresholdsConfig{
				CCAFailureRate: uint16(mc.Thresholds.CCAFailureRate),
				SkipFavored:    uint16(mc.Thresholds.SkipFavored),
				ChangeChannel:  uint16(mc.Thresholds.ChangeChannel),
				MinSampleCount: mc.Thresholds.MinSampleCount,
			},
		},
		MQTT: MQTTConfig{
			Broker:      "tcp://192.168.1.200:1883",
			ClientID:    "channel-manager",
			TopicPrefix: mqtt.DefaultTopicPrefix,
			BufferSize:  mqtt.DefaultBufferSize,
		},
		HTTP: HTTPConfig{Addr: ":80"},
		Indicator: IndicatorConfig{
			Chip: gpio.DefaultChip,
			Line: gpio.DefaultLine,
		},
		Simulation: SimulationConfig{
			Seed:           sc.Seed,
			InitialChannel: sc.InitialChannel,
			Supported:      sc.Supported,
			MaxStep:        sc.MaxStep,
			SampleMs:       1000,
		},
		Logging:     LoggingConfig{Level: "info"},
		HeartbeatMs: 15 * 60 * 1000,
	}
}

// Load builds the configuration from defaults, the YAML file at path (skipped
// when path is empty) and environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadFromFile(cfg, path); err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg, os.Getenv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return decode(cfg, data)
}

// decode overlays YAML onto cfg. Unknown keys are rejected.
func decode(cfg *Config, data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// applyEnvOverrides applies CHANNEL_MANAGER_* variables.
func applyEnvOverrides(cfg *Config, getenv func(string) string) error {
	str := func(name string, dst *string) {
		if v := getenv(EnvPrefix + name); v != "" {
			*dst = v
		}
	}
	str("MQTT_BROKER", &cfg.MQTT.Broker)
	str("MQTT_CLIENT_ID", &cfg.MQTT.ClientID)
	str("MQTT_TOPIC_PREFIX", &cfg.MQTT.TopicPrefix)
	str("HTTP_ADDR", &cfg.HTTP.Addr)
	str("LOG_LEVEL", &cfg.Logging.Level)
	str("LOG_FILE", &cfg.Logging.File)
	str("INDICATOR_CHIP", &cfg.Indicator.Chip)

	for _, o := range []struct {
		name  string
		apply func(string) error
	}{
		{"SUPPORTED_CHANNELS", func(v string) error { return cfg.Manager.Supported.UnmarshalText([]byte(v)) }},
		{"FAVORED_CHANNELS", func(v string) error { return cfg.Manager.Favored.UnmarshalText([]byte(v)) }},
		{"DELAY_SECONDS", func(v string) error {
			n, err := strconv.ParseUint(v, 10, 16)
			cfg.Manager.DelaySeconds = uint16(n)
			return err
		}},
		{"AUTO_SELECT", func(v string) error {
			b, err := strconv.ParseBool(v)
			cfg.Manager.AutoSelect = b
			return err
		}},
		{"AUTO_SELECT_INTERVAL_SECONDS", func(v string) error {
			n, err := strconv.ParseUint(v, 10, 32)
			cfg.Manager.AutoSelectIntervalSeconds = uint32(n)
			return err
		}},
		{"INDICATOR_ENABLED", func(v string) error {
			b, err := strconv.ParseBool(v)
			cfg.Indicator.Enabled = b
			return err
		}},
		{"HEARTBEAT_MS", func(v string) error {
			n, err := strconv.ParseInt(v, 10, 64)
			cfg.HeartbeatMs = n
			return err
		}},
	} {
		v := getenv(EnvPrefix + o.name)
		if v == "" {
			continue
		}
		if err := o.apply(v); err != nil {
			return fmt.Errorf("%s%s=%q: %w", EnvPrefix, o.name, v, err)
		}
	}
	return nil
}

// Validate checks field constraints and channel masks.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}

	var errs validate.Errors
	check := func(field string, m channel.Mask) {
		if m&^channel.All != 0 {
			errs.Errors = append(errs.Errors, validate.FieldError{
				Field:   field,
				Message: fmt.Sprintf("%s must only contain channels %d-%d", field, channel.Min, channel.Max),
			})
		}
	}
	check("manager.supported_channels", c.Manager.Supported)
	check("manager.favored_channels", c.Manager.Favored)
	check("simulation.supported_channels", c.Simulation.Supported)
	if c.Manager.Supported.IsEmpty() {
		errs.Errors = append(errs.Errors, validate.FieldError{
			Field:   "manager.supported_channels",
			Message: "manager.supported_channels must not be empty",
		})
	}
	if !c.Simulation.Supported.Contains(c.Simulation.InitialChannel) {
		errs.Errors = append(errs.Errors, validate.FieldError{
			Field:   "simulation.initial_channel",
			Message: fmt.Sprintf("simulation.initial_channel %d is not in simulation.supported_channels", c.Simulation.InitialChannel),
		})
	}
	if len(errs.Errors) > 0 {
		return &errs
	}
	return nil
}

// ManagerParams converts the manager section into manager.Config.
func (c *Config) ManagerParams() manager.Config {
	m := c.Manager
	return manager.Config{
		MinDelay:                  m.MinDelaySeconds,
		DefaultAutoSelectInterval: m.AutoSelectIntervalSeconds,
		RequestStartJitter:        time.Duration(m.StartJitterMs) * time.Millisecond,
		PendingDatasetRetry:       time.Duration(m.RetryIntervalMs) * time.Millisecond,
		ChangeCheckWait:           time.Duration(m.CheckWaitMs) * time.Millisecond,
		MaxTimerDelay:             manager.DefaultConfig().MaxTimerDelay,
		Thresholds: manager.Thresholds{
			CCAFailureRate: manager.Occupancy(m.Thresholds.CCAFailureRate),
			SkipFavored:    manager.Occupancy(m.Thresholds.SkipFavored),
			ChangeChannel:  manager.Occupancy(m.Thresholds.ChangeChannel),
			MinSampleCount: m.Thresholds.MinSampleCount,
		},
	}
}

// SimParams converts the simulation section into sim.Config.
func (c *Config) SimParams() sim.Config {
	s := c.Simulation
	return sim.Config{
		Seed:           s.Seed,
		InitialChannel: s.InitialChannel,
		Supported:      s.Supported,
		MaxStep:        s.MaxStep,
	}
}

// YAML renders the configuration.
func (c *Config) YAML() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
