// Package config loads and validates the YAML configuration document.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration with YAML support for "30s"-style strings.
type Duration time.Duration

// UnmarshalYAML accepts Go duration strings and bare integers (seconds).
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw any
	if err := value.Decode(&raw); err != nil {
		return err
	}
	switch typed := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(typed)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", typed, err)
		}
		*d = Duration(parsed)
		return nil
	case int:
		*d = Duration(time.Duration(typed) * time.Second)
		return nil
	default:
		return fmt.Errorf("invalid duration value %v", raw)
	}
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the root configuration document.
type Config struct {
	Connection ConnectionConfig `yaml:"connection" validate:"required"`
	Bulk       BulkConfig       `yaml:"bulk"`
	Monitor    MonitorConfig    `yaml:"monitor"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ConnectionConfig controls the Exchange Online session.
type ConnectionConfig struct {
	Organization      string   `yaml:"organization" validate:"required,hostname"`
	UserPrincipalName string   `yaml:"user_principal_name" validate:"omitempty,upn"`
	MaxRetries        int      `yaml:"max_retries" validate:"gte=0,lte=10"`
	ConnectTimeout    Duration `yaml:"connect_timeout"`
	CommandTimeout    Duration `yaml:"command_timeout"`
	ShellPath         string   `yaml:"shell_path"`
}

// BulkConfig controls batch orchestration.
type BulkConfig struct {
	BatchSize   int      `yaml:"batch_size" validate:"gte=1,lte=1000"`
	ItemDelay   Duration `yaml:"item_delay"`
	BatchDelay  Duration `yaml:"batch_delay"`
	StopOnError bool     `yaml:"stop_on_error"`
	RetryFailed bool     `yaml:"retry_failed"`
	MaxRetries  int      `yaml:"max_retries" validate:"gte=0,lte=10"`
}

// MonitorConfig controls the restore status poller.
type MonitorConfig struct {
	PollInterval Duration `yaml:"poll_interval"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level         string `yaml:"level" validate:"omitempty,oneof=trace debug info warn error fatal panic"`
	HumanReadable bool   `yaml:"human_readable"`
}

// Default returns the configuration used when a section or field is absent.
func Default() *Config {
	return &Config{
		Connection: ConnectionConfig{
			MaxRetries:     2,
			ConnectTimeout: Duration(60 * time.Second),
			CommandTimeout: Duration(60 * time.Second),
		},
		Bulk: BulkConfig{
			BatchSize:  10,
			ItemDelay:  Duration(time.Second),
			BatchDelay: Duration(5 * time.Second),
			MaxRetries: 1,
		},
		Monitor: MonitorConfig{
			PollInterval: Duration(30 * time.Second),
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// applyDefaults fills zero-valued fields after unmarshalling.
func (c *Config) applyDefaults() {
	defaults := Default()
	if c.Connection.MaxRetries == 0 {
		c.Connection.MaxRetries = defaults.Connection.MaxRetries
	}
	if c.Connection.ConnectTimeout == 0 {
		c.Connection.ConnectTimeout = defaults.Connection.ConnectTimeout
	}
	if c.Connection.CommandTimeout == 0 {
		c.Connection.CommandTimeout = defaults.Connection.CommandTimeout
	}
	if c.Bulk.BatchSize == 0 {
		c.Bulk.BatchSize = defaults.Bulk.BatchSize
	}
	if c.Bulk.ItemDelay == 0 {
		c.Bulk.ItemDelay = defaults.Bulk.ItemDelay
	}
	if c.Bulk.BatchDelay == 0 {
		c.Bulk.BatchDelay = defaults.Bulk.BatchDelay
	}
	if c.Bulk.MaxRetries == 0 {
		c.Bulk.MaxRetries = defaults.Bulk.MaxRetries
	}
	if c.Monitor.PollInterval == 0 {
		c.Monitor.PollInterval = defaults.Monitor.PollInterval
	}
	if c.Logging.Level == "" {
		c.Logging.Level = defaults.Logging.Level
	}
}
