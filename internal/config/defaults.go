package config

import "time"

// Default returns the canonical runtime configuration used when no
// file is present.
func Default() Config {
	return Config{
		Audio: AudioConfig{
			Input:    "default",
			Fallback: "default",
		},
		Sink: SinkConfig{
			Endpoint:        "127.0.0.1:50551",
			DialTimeout:     Duration(3 * time.Second),
			FinalizeTimeout: Duration(10 * time.Second),
			QueueSize:       64,
			SendRetries:     3,
		},
		Level: LevelConfig{
			WindowMS: 100,
		},
		Session: SessionConfig{
			TickIntervalMS: 250,
		},
	}
}
