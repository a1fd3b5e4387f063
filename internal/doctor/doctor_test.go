package doctor

import (
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/murmurapp/murmur/internal/config"
)

func TestReportOKAndString(t *testing.T) {
	report := Report{Checks: []Check{
		{Name: "one", Pass: true, Message: "good"},
		{Name: "two", Pass: false, Message: "bad"},
	}}

	require.False(t, report.OK())
	text := report.String()
	require.Contains(t, text, "[OK] one: good")
	require.Contains(t, text, "[FAIL] two: bad")
}

func TestReportOKAllPassing(t *testing.T) {
	report := Report{Checks: []Check{{Name: "one", Pass: true}, {Name: "two", Pass: true}}}
	require.True(t, report.OK())
}

func TestCheckEnv(t *testing.T) {
	t.Setenv("TEST_DOCTOR_ENV", "/run/user/1000")

	check := checkEnv(
		"TEST_DOCTOR_ENV",
		func(v string) bool { return strings.TrimSpace(v) != "" },
		"looks good",
		"unexpected",
	)

	require.True(t, check.Pass)
	require.Equal(t, "looks good", check.Message)
}

func TestCheckSinkReachable(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = listener.Close() })

	go func() {
		for {
			conn, acceptErr := listener.Accept()
			if acceptErr != nil {
				return
			}
			_ = conn.Close()
		}
	}()

	cfg := config.Default()
	cfg.Sink.Endpoint = listener.Addr().String()

	check := checkSinkReachable(cfg)
	require.True(t, check.Pass)
	require.Contains(t, check.Message, "reachable at")
}

func TestCheckSinkUnreachable(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	endpoint := listener.Addr().String()
	require.NoError(t, listener.Close())

	cfg := config.Default()
	cfg.Sink.Endpoint = endpoint

	check := checkSinkReachable(cfg)
	require.False(t, check.Pass)
	require.Contains(t, check.Message, "dial failed")
}

func TestCheckSinkEmptyEndpoint(t *testing.T) {
	cfg := config.Default()
	cfg.Sink.Endpoint = ""

	check := checkSinkReachable(cfg)
	require.False(t, check.Pass)
	require.Contains(t, check.Message, "sink.endpoint is empty")
}

func TestCheckAudioSelectionFailureWithInvalidPulseServer(t *testing.T) {
	t.Setenv("PULSE_SERVER", "unix:/tmp/definitely-missing-pulse-server")

	check := checkAudioSelection(config.Default())
	require.False(t, check.Pass)
	require.Contains(t, check.Name, "audio.device")
}

func TestRunSurfacesConfigWarnings(t *testing.T) {
	t.Setenv("PULSE_SERVER", "unix:/tmp/definitely-missing-pulse-server")
	t.Setenv("XDG_RUNTIME_DIR", t.TempDir())

	loaded := config.Loaded{
		Path:     "/tmp/config.yaml",
		Config:   config.Default(),
		Warnings: []config.Warning{{Message: "audio.fallback is empty"}},
	}

	report := Run(loaded)
	require.NotEmpty(t, report.Checks)

	var sawWarning bool
	for _, check := range report.Checks {
		if check.Name == "config.warning" {
			sawWarning = true
			require.True(t, check.Pass)
			require.Contains(t, check.Message, "audio.fallback")
		}
	}
	require.True(t, sawWarning)
}
