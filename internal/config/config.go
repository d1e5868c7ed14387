// Package config defines service configuration and its layered loading.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`
	// LogFormat is text or json.
	LogFormat string `koanf:"log_format"`

	// Addr configures the HTTP listen address, e.g. ":9080".
	Addr string `koanf:"addr"`

	// DBPath is the SQLite file. Empty keeps data in memory.
	DBPath string `koanf:"db_path"`

	MQTTBroker      string `koanf:"mqtt_broker"`
	MQTTClientID    string `koanf:"mqtt_client_id"`
	MQTTTopicPrefix string `koanf:"mqtt_topic_prefix"`

	// Identifiers are the rotation-eligible identifiers this device advertises.
	Identifiers      []string      `koanf:"identifiers"`
	RotationInterval time.Duration `koanf:"rotation_interval"`

	SweepInterval  time.Duration `koanf:"sweep_interval"`
	MissingAfter   time.Duration `koanf:"missing_after"`
	RemoveAfter    time.Duration `koanf:"remove_after"`
	RetryInterval  time.Duration `koanf:"retry_interval"`
	ConnectTimeout time.Duration `koanf:"connect_timeout"`
	MaxRetries     int           `koanf:"max_retries"`
	UpdatesNeeded  int           `koanf:"updates_needed"`
	MaxConnections int           `koanf:"max_connections"`
	SampleCap      int           `koanf:"sample_cap"`

	// KeyServerURL is the key export bucket. Empty disables detection.
	KeyServerURL    string        `koanf:"key_server_url"`
	UploadURL       string        `koanf:"upload_url"`
	HealthAuthority string        `koanf:"health_authority"`
	HTTPTimeout     time.Duration `koanf:"http_timeout"`
	HTTPRetries     int           `koanf:"http_retries"`

	// DetectionInterval schedules background detection. Zero disables it.
	DetectionInterval    time.Duration `koanf:"detection_interval"`
	PersistInterval      time.Duration `koanf:"persist_interval"`
	QueueSize            int           `koanf:"queue_size"`
	WorkerCount          int           `koanf:"worker_count"`
	ProcessedBatchesSize int           `koanf:"processed_batches_size"`
}

// New returns a Config with defaults.
func New() *Config {
	return &Config{
		LogLevel:             "info",
		LogFormat:            "text",
		Addr:                 ":9080",
		MQTTBroker:           "tcp://localhost:1883",
		MQTTClientID:         "proxitrace",
		MQTTTopicPrefix:      "proxitrace/radio",
		RotationInterval:     15 * time.Minute,
		SweepInterval:        5 * time.Second,
		MissingAfter:         60 * time.Second,
		RemoveAfter:          108 * time.Second,
		RetryInterval:        60 * time.Second,
		ConnectTimeout:       30 * time.Second,
		MaxRetries:           3,
		UpdatesNeeded:        3,
		MaxConnections:       1,
		SampleCap:            2000,
		HealthAuthority:      "cz.covid19cz.erouska",
		HTTPTimeout:          30 * time.Second,
		HTTPRetries:          3,
		DetectionInterval:    0,
		PersistInterval:      30 * time.Second,
		QueueSize:            4096,
		WorkerCount:          2,
		ProcessedBatchesSize: 10_000,
	}
}

// Validate reports the first invalid field, wrapped in ErrInvalidConfig.
func (c *Config) Validate() error {
	switch {
	case c.Addr == "":
		return invalid("addr must not be empty")
	case !oneOf(c.LogLevel, "debug", "info", "warn", "warning", "error"):
		return invalid("log_level %q is not one of debug, info, warn, error", c.LogLevel)
	case !oneOf(c.LogFormat, "text", "json"):
		return invalid("log_format %q is not text or json", c.LogFormat)
	case c.RotationInterval <= 0, c.SweepInterval <= 0, c.RetryInterval <= 0, c.ConnectTimeout <= 0, c.PersistInterval <= 0:
		return invalid("intervals must be positive")
	case c.MissingAfter <= 0 || c.RemoveAfter <= c.MissingAfter:
		return invalid("remove_after (%s) must exceed missing_after (%s)", c.RemoveAfter, c.MissingAfter)
	case c.MaxRetries < 1, c.UpdatesNeeded < 1, c.MaxConnections < 1, c.SampleCap < 1:
		return invalid("max_retries, updates_needed, max_connections and sample_cap must be at least 1")
	case c.QueueSize < 1, c.WorkerCount < 1, c.ProcessedBatchesSize < 1:
		return invalid("queue_size, worker_count and processed_batches_size must be at least 1")
	case c.HTTPTimeout <= 0 || c.HTTPRetries < 0:
		return invalid("http_timeout must be positive and http_retries non-negative")
	case c.DetectionInterval < 0:
		return invalid("detection_interval must not be negative")
	case c.DetectionInterval > 0 && c.KeyServerURL == "":
		return invalid("detection_interval requires key_server_url")
	}
	for _, id := range c.Identifiers {
		if strings.TrimSpace(id) == "" {
			return invalid("identifiers must not contain empty values")
		}
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if strings.EqualFold(v, a) {
			return true
		}
	}
	return false
}
