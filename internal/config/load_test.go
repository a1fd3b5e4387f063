package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	loaded, err := Load(filepath.Join(t.TempDir(), "config.yaml"))
	require.NoError(t, err)
	require.False(t, loaded.Exists)
	require.Equal(t, Default(), loaded.Config)
	require.Len(t, loaded.Warnings, 1)
	require.Contains(t, loaded.Warnings[0].Message, "using defaults")
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
sink:
  endpoint: "10.0.0.7:6000"
  dial_timeout: 5s
  queue_size: 16
audio:
  input: "usb-mic"
level:
  window_ms: 50
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.True(t, loaded.Exists)

	cfg := loaded.Config
	require.Equal(t, "10.0.0.7:6000", cfg.Sink.Endpoint)
	require.Equal(t, 5*time.Second, cfg.Sink.DialTimeout.Std())
	require.Equal(t, 16, cfg.Sink.QueueSize)
	require.Equal(t, "usb-mic", cfg.Audio.Input)
	require.Equal(t, 50, cfg.Level.WindowMS)

	// Absent keys keep their defaults.
	require.Equal(t, 10*time.Second, cfg.Sink.FinalizeTimeout.Std())
	require.Equal(t, 3, cfg.Sink.SendRetries)
	require.Equal(t, "default", cfg.Audio.Fallback)
	require.Equal(t, 250, cfg.Session.TickIntervalMS)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sink: [unclosed"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "parse config")
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sink:\n  dial_timeout: fast\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid duration")
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("level:\n  window_ms: 5\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "window_ms")
}

func TestResolvePath(t *testing.T) {
	t.Run("explicit wins", func(t *testing.T) {
		path, err := ResolvePath("/tmp/custom.yaml")
		require.NoError(t, err)
		require.Equal(t, "/tmp/custom.yaml", path)
	})

	t.Run("xdg config home", func(t *testing.T) {
		t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")
		path, err := ResolvePath("")
		require.NoError(t, err)
		require.Equal(t, "/tmp/xdg/murmur/config.yaml", path)
	})

	t.Run("home fallback", func(t *testing.T) {
		t.Setenv("XDG_CONFIG_HOME", "")
		t.Setenv("HOME", "/home/someone")
		path, err := ResolvePath("")
		require.NoError(t, err)
		require.Equal(t, "/home/someone/.config/murmur/config.yaml", path)
	})
}
