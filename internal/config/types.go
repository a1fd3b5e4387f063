// Package config resolves, parses, validates, and defaults murmur
// configuration from a YAML file.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration parses Go duration strings ("3s", "250ms") from YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", node.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the plain time.Duration value.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the fully materialized runtime configuration.
type Config struct {
	Audio   AudioConfig   `yaml:"audio"`
	Sink    SinkConfig    `yaml:"sink"`
	Level   LevelConfig   `yaml:"level"`
	Session SessionConfig `yaml:"session"`
}

// AudioConfig controls preferred and fallback input-source selection.
type AudioConfig struct {
	Input    string `yaml:"input"`
	Fallback string `yaml:"fallback"`
}

// SinkConfig controls the chunk sink stream: where to dial and how
// hard to push.
type SinkConfig struct {
	Endpoint        string   `yaml:"endpoint"`
	DialTimeout     Duration `yaml:"dial_timeout"`
	FinalizeTimeout Duration `yaml:"finalize_timeout"`
	QueueSize       int      `yaml:"queue_size"`
	SendRetries     int      `yaml:"send_retries"`
}

// LevelConfig controls the RMS meter window.
type LevelConfig struct {
	WindowMS int `yaml:"window_ms"`
}

// SessionConfig controls controller timing.
type SessionConfig struct {
	TickIntervalMS int `yaml:"tick_interval_ms"`
}

// Warning is a non-fatal load/validation message.
type Warning struct {
	Message string
}
