package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateDefaults(t *testing.T) {
	warnings, err := Validate(Default())
	require.NoError(t, err)
	require.Empty(t, warnings)
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"empty endpoint", func(c *Config) { c.Sink.Endpoint = " " }, "sink.endpoint"},
		{"zero dial timeout", func(c *Config) { c.Sink.DialTimeout = 0 }, "sink.dial_timeout"},
		{"zero finalize timeout", func(c *Config) { c.Sink.FinalizeTimeout = 0 }, "sink.finalize_timeout"},
		{"zero queue", func(c *Config) { c.Sink.QueueSize = 0 }, "sink.queue_size"},
		{"negative retries", func(c *Config) { c.Sink.SendRetries = -1 }, "sink.send_retries"},
		{"empty input", func(c *Config) { c.Audio.Input = "" }, "audio.input"},
		{"window too small", func(c *Config) { c.Level.WindowMS = 5 }, "level.window_ms"},
		{"window too large", func(c *Config) { c.Level.WindowMS = 1500 }, "level.window_ms"},
		{"zero tick", func(c *Config) { c.Session.TickIntervalMS = 0 }, "session.tick_interval_ms"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			_, err := Validate(cfg)
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateWarnings(t *testing.T) {
	cfg := Default()
	cfg.Sink.SendRetries = 0
	cfg.Audio.Fallback = ""

	warnings, err := Validate(cfg)
	require.NoError(t, err)
	require.Len(t, warnings, 2)
}
