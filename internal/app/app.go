// Package app dispatches CLI commands and wires the session owner.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/murmurapp/murmur/internal/audio"
	"github.com/murmurapp/murmur/internal/cli"
	"github.com/murmurapp/murmur/internal/config"
	"github.com/murmurapp/murmur/internal/doctor"
	"github.com/murmurapp/murmur/internal/event"
	"github.com/murmurapp/murmur/internal/fsm"
	"github.com/murmurapp/murmur/internal/ipc"
	"github.com/murmurapp/murmur/internal/level"
	"github.com/murmurapp/murmur/internal/logging"
	"github.com/murmurapp/murmur/internal/session"
	"github.com/murmurapp/murmur/internal/sink"
	"github.com/murmurapp/murmur/internal/version"
)

const forwardTimeout = 220 * time.Millisecond

type Runner struct {
	Stdout io.Writer
	Stderr io.Writer
	Logger *slog.Logger
}

func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	r := Runner{Stdout: stdout, Stderr: stderr}
	return r.Execute(ctx, args)
}

func (r Runner) Execute(ctx context.Context, args []string) int {
	parsed, err := cli.Parse(args)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n\n", err)
		fmt.Fprint(r.Stderr, cli.HelpText("murmur"))
		return 2
	}

	if parsed.ShowHelp {
		fmt.Fprint(r.Stdout, cli.HelpText("murmur"))
		return 0
	}

	if parsed.Command == cli.CommandVersion {
		fmt.Fprintln(r.Stdout, version.String())
		return 0
	}

	logRuntime, err := logging.New()
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: setup logging: %v\n", err)
		return 1
	}
	defer func() { _ = logRuntime.Close() }()

	logger := r.Logger
	if logger == nil {
		logger = logRuntime.Logger
	}

	cfgLoaded, err := config.Load(parsed.ConfigPath)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		logger.Error("load config failed", "error", err.Error())
		return 1
	}
	for _, w := range cfgLoaded.Warnings {
		fmt.Fprintf(r.Stderr, "warning: %s\n", w.Message)
		logger.Warn("config warning", "message", w.Message)
	}

	logger.Info("command start",
		"command", parsed.Command,
		"config", cfgLoaded.Path,
		"log", logRuntime.Path,
	)

	switch parsed.Command {
	case cli.CommandDoctor:
		report := doctor.Run(cfgLoaded)
		fmt.Fprintln(r.Stdout, report.String())
		if report.OK() {
			return 0
		}
		return 1
	case cli.CommandDevices:
		return r.commandDevices(ctx)
	case cli.CommandStatus:
		return r.commandStatus(ctx)
	case cli.CommandPause:
		return r.forwardOrFail(ctx, ipc.CommandPause, forwardTimeout)
	case cli.CommandResume:
		return r.forwardOrFail(ctx, ipc.CommandResume, forwardTimeout)
	case cli.CommandStop:
		// The owner's stop handler blocks through drain and finalize,
		// so this forward cannot share the instant-command deadline.
		return r.forwardOrFail(ctx, ipc.CommandStop, stopForwardTimeout(cfgLoaded.Config))
	case cli.CommandRecord:
		return r.commandRecord(ctx, cfgLoaded.Config, logger)
	default:
		fmt.Fprintf(r.Stderr, "error: unsupported command %q\n", parsed.Command)
		return 2
	}
}

func (r Runner) commandDevices(ctx context.Context) int {
	devices, err := audio.ListDevices(ctx)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	if len(devices) == 0 {
		fmt.Fprintln(r.Stdout, "no audio devices found")
		return 1
	}

	for _, device := range devices {
		defaultMark := " "
		if device.Default {
			defaultMark = "*"
		}
		availability := "yes"
		if !device.Available {
			availability = "no"
		}
		muted := "no"
		if device.Muted {
			muted = "yes"
		}
		fmt.Fprintf(
			r.Stdout,
			"%s id=%s | description=%q | state=%s | available=%s | muted=%s\n",
			defaultMark,
			device.ID,
			device.Description,
			device.State,
			availability,
			muted,
		)
	}

	return 0
}

func (r Runner) commandStatus(ctx context.Context) int {
	socketPath, err := ipc.RuntimeSocketPath()
	if err != nil {
		fmt.Fprintln(r.Stdout, "idle")
		return 0
	}

	resp, handled, err := tryForward(ctx, socketPath, ipc.CommandStatus, forwardTimeout)
	if handled {
		if err != nil {
			fmt.Fprintf(r.Stderr, "error: %v\n", err)
			return 1
		}
		state := resp.State
		if state == "" {
			state = "idle"
		}
		if resp.SessionID != "" {
			fmt.Fprintf(r.Stdout, "%s session=%s elapsed=%s\n", state, resp.SessionID, (time.Duration(resp.ElapsedMS) * time.Millisecond).String())
			return 0
		}
		fmt.Fprintln(r.Stdout, state)
		return 0
	}

	fmt.Fprintln(r.Stdout, "idle")
	return 0
}

func (r Runner) forwardOrFail(ctx context.Context, command string, timeout time.Duration) int {
	socketPath, err := ipc.RuntimeSocketPath()
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}

	resp, handled, err := tryForward(ctx, socketPath, command, timeout)
	if !handled {
		fmt.Fprintf(r.Stderr, "error: no active murmur session\n")
		return 1
	}
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	if resp.Message != "" {
		fmt.Fprintln(r.Stdout, resp.Message)
	}
	return 0
}

// commandRecord acquires the control socket, runs one session as its
// owner, and serves pause/resume/stop/status for other invocations
// until the session reaches idle.
func (r Runner) commandRecord(ctx context.Context, cfg config.Config, logger *slog.Logger) int {
	socketPath, err := ipc.RuntimeSocketPath()
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}

	listener, err := ipc.Acquire(ctx, socketPath, 180*time.Millisecond, 8)
	if err != nil {
		if errors.Is(err, ipc.ErrAlreadyRunning) {
			fmt.Fprintln(r.Stderr, "error: a murmur session is already running")
			return 1
		}
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	defer func() {
		_ = listener.Close()
		_ = os.Remove(socketPath)
	}()

	bus := event.NewBus()
	defer bus.Close()
	attachLogObserver(bus, logger)

	watch := newSessionWatch()
	bus.Subscribe(watch.observe)

	controller := session.NewController(session.Deps{
		Logger:        logger,
		Bus:           bus,
		OpenDevice:    deviceOpener(cfg, logger),
		DialTransport: transportDialer(cfg),
		NewMeter:      meterFactory(cfg),
		Completion: session.CompletionFunc(func(_ context.Context, summary session.Summary) error {
			fmt.Fprintf(r.Stdout, "session %s complete: %s recorded, %d chunks delivered\n",
				summary.SessionID,
				summary.Duration.Round(time.Millisecond),
				summary.ChunkCount,
			)
			return nil
		}),
	}, session.Config{
		TickInterval:    time.Duration(cfg.Session.TickIntervalMS) * time.Millisecond,
		FinalizeTimeout: cfg.Sink.FinalizeTimeout.Std(),
	})

	serverCtx, serverCancel := context.WithCancel(context.Background())
	defer serverCancel()
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- ipc.Serve(serverCtx, listener, controller)
	}()

	if err := controller.Start(ctx); err != nil {
		serverCancel()
		<-serverErrCh
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	fmt.Fprintln(r.Stdout, "recording")

	exitCode := 0
	select {
	case <-ctx.Done():
		// Signal arrived; flush before exit. The stop may race a
		// concurrent IPC stop, in which case the rejection is benign.
		if _, stopErr := controller.Stop(context.Background()); stopErr != nil &&
			!errors.Is(stopErr, session.ErrInvalidTransition) {
			fmt.Fprintf(r.Stderr, "error: %v\n", stopErr)
			exitCode = 1
		}
		<-watch.done
	case <-watch.done:
	}

	serverCancel()
	if serverErr := <-serverErrCh; serverErr != nil {
		fmt.Fprintf(r.Stderr, "error: ipc server failed: %v\n", serverErr)
		return 1
	}

	if failure := watch.failure(); failure != "" {
		fmt.Fprintf(r.Stderr, "error: session failed: %s\n", failure)
		return 1
	}
	return exitCode
}

// sessionWatch tracks the bus for the terminal idle transition and any
// published session fault.
type sessionWatch struct {
	done chan struct{}
	once sync.Once

	mu      sync.Mutex
	lastErr string
}

func newSessionWatch() *sessionWatch {
	return &sessionWatch{done: make(chan struct{})}
}

func (w *sessionWatch) observe(evt event.Event) {
	switch e := evt.(type) {
	case event.StateChanged:
		if e.To == fsm.StateIdle {
			w.once.Do(func() { close(w.done) })
		}
	case event.Error:
		w.mu.Lock()
		w.lastErr = e.Message
		w.mu.Unlock()
	case event.Completed:
		w.mu.Lock()
		w.lastErr = ""
		w.mu.Unlock()
	}
}

func (w *sessionWatch) failure() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

func deviceOpener(cfg config.Config, logger *slog.Logger) session.DeviceOpener {
	return func(ctx context.Context) (session.Capture, error) {
		selection, err := audio.SelectDevice(ctx, cfg.Audio.Input, cfg.Audio.Fallback)
		if err != nil {
			return nil, err
		}
		if selection.Warning != "" {
			logger.Warn("audio device fallback", "warning", selection.Warning)
		}
		logger.Info("audio device selected", "device", audio.Describe(selection.Device))
		// The controller stops the capture itself; a signal must not
		// tear the device down mid-flush.
		capture, err := audio.StartCapture(context.WithoutCancel(ctx), selection.Device)
		if err != nil {
			return nil, err
		}
		return capture, nil
	}
}

func transportDialer(cfg config.Config) session.TransportDialer {
	return func(ctx context.Context, onDelivered func(uint64)) (session.Transport, error) {
		transport, err := sink.Dial(ctx, sink.Config{
			Endpoint:    cfg.Sink.Endpoint,
			DialTimeout: cfg.Sink.DialTimeout.Std(),
			QueueSize:   cfg.Sink.QueueSize,
			SendRetries: cfg.Sink.SendRetries,
		}, onDelivered)
		if err != nil {
			return nil, err
		}
		return transport, nil
	}
}

func meterFactory(cfg config.Config) session.MeterFactory {
	return func(emit func(level.Sample)) session.Meter {
		window := time.Duration(cfg.Level.WindowMS) * time.Millisecond
		return level.NewMonitor(audio.SampleRate, window, emit)
	}
}

// attachLogObserver mirrors the session event stream into the JSONL
// log at debug/info granularity.
func attachLogObserver(bus *event.Bus, logger *slog.Logger) {
	bus.Subscribe(func(evt event.Event) {
		switch e := evt.(type) {
		case event.StateChanged:
			logger.Info("state changed", "from", string(e.From), "to", string(e.To))
		case event.LevelUpdated:
			logger.Debug("level", "value", e.Level)
		case event.DurationTick:
			logger.Debug("duration", "elapsed_ms", e.Elapsed.Milliseconds())
		case event.ChunkDelivered:
			logger.Debug("chunk delivered", "seq", e.Seq)
		case event.Error:
			logger.Error("session error", "kind", e.ErrKind, "message", e.Message, "retryable", e.Retryable)
		case event.Completed:
			logger.Info("session completed",
				"session_id", e.SessionID,
				"duration_ms", e.Duration.Milliseconds(),
				"chunks", e.ChunkCount,
			)
		}
	})
}

// stopForwardTimeout bounds a forwarded stop by the owner's finalize
// deadline plus dial and scheduling slack.
func stopForwardTimeout(cfg config.Config) time.Duration {
	return cfg.Sink.FinalizeTimeout.Std() + 2*time.Second
}

func tryForward(ctx context.Context, socketPath string, command string, timeout time.Duration) (ipc.Response, bool, error) {
	resp, err := ipc.Send(ctx, socketPath, ipc.Request{Command: command}, timeout)
	if err == nil {
		if resp.OK {
			return resp, true, nil
		}
		return resp, true, errors.New(resp.Error)
	}

	if isSocketMissing(err) || isConnectionRefused(err) {
		return ipc.Response{}, false, nil
	}

	return ipc.Response{}, true, fmt.Errorf("forward command %q: %w", command, err)
}

func isSocketMissing(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, os.ErrNotExist) ||
		strings.Contains(err.Error(), "no such file or directory")
}

func isConnectionRefused(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, syscall.ECONNREFUSED)
}
