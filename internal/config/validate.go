package config

import (
	"fmt"
	"strings"
)

// Validate enforces config invariants and returns non-fatal warnings.
func Validate(cfg Config) ([]Warning, error) {
	if strings.TrimSpace(cfg.Sink.Endpoint) == "" {
		return nil, fmt.Errorf("sink.endpoint must not be empty")
	}
	if cfg.Sink.DialTimeout <= 0 {
		return nil, fmt.Errorf("sink.dial_timeout must be > 0")
	}
	if cfg.Sink.FinalizeTimeout <= 0 {
		return nil, fmt.Errorf("sink.finalize_timeout must be > 0")
	}
	if cfg.Sink.QueueSize <= 0 {
		return nil, fmt.Errorf("sink.queue_size must be > 0")
	}
	if cfg.Sink.SendRetries < 0 {
		return nil, fmt.Errorf("sink.send_retries must be >= 0")
	}
	if strings.TrimSpace(cfg.Audio.Input) == "" {
		return nil, fmt.Errorf("audio.input must not be empty")
	}
	if cfg.Level.WindowMS < 10 || cfg.Level.WindowMS > 1000 {
		return nil, fmt.Errorf("level.window_ms must be within [10, 1000]")
	}
	if cfg.Session.TickIntervalMS <= 0 {
		return nil, fmt.Errorf("session.tick_interval_ms must be > 0")
	}

	warnings := make([]Warning, 0)
	if cfg.Sink.SendRetries == 0 {
		warnings = append(warnings, Warning{Message: "sink.send_retries is 0; chunk sends will not be retried"})
	}
	if strings.TrimSpace(cfg.Audio.Fallback) == "" {
		warnings = append(warnings, Warning{Message: "audio.fallback is empty; no fallback source will be tried"})
	}
	return warnings, nil
}
