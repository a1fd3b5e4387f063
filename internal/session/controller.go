// Package session owns the recording-session lifecycle: one state
// machine sequencing start/pause/resume/stop, fanning captured frames
// out to the level meter and the sink transport, and collapsing every
// failure into a single forced return to idle.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/murmurapp/murmur/internal/event"
	"github.com/murmurapp/murmur/internal/fsm"
	"github.com/murmurapp/murmur/internal/level"
	"github.com/murmurapp/murmur/internal/sink"
)

// ErrPipelineUnavailable means the controller has no device or
// transport wiring.
var ErrPipelineUnavailable = errors.New("session pipeline unavailable")

// Chosen bounds (the protocol leaves these to the implementation).
const (
	defaultTickInterval    = 250 * time.Millisecond
	defaultFinalizeTimeout = 10 * time.Second
)

// Config bounds the controller's periodic and terminal behavior.
type Config struct {
	TickInterval    time.Duration
	FinalizeTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = defaultTickInterval
	}
	if c.FinalizeTimeout <= 0 {
		c.FinalizeTimeout = defaultFinalizeTimeout
	}
	return c
}

// Deps wires the controller's collaborators. Nil ambient fields fall
// back to safe no-ops; a controller without device and transport
// wiring rejects Start with ErrPipelineUnavailable.
type Deps struct {
	Logger        *slog.Logger
	Bus           *event.Bus
	OpenDevice    DeviceOpener
	DialTransport TransportDialer
	NewMeter      MeterFactory
	Completion    CompletionHandler
}

// Controller owns at most one active session. All state mutations run
// under one mutex, so subscribers observe transitions in command
// order; commands arriving while a start or stop is mid-flight are
// rejected, never queued.
type Controller struct {
	logger        *slog.Logger
	bus           *event.Bus
	openDevice    DeviceOpener
	dialTransport TransportDialer
	newMeter      MeterFactory
	completion    CompletionHandler
	cfg           Config

	mu    sync.Mutex
	state fsm.State
	busy  bool
	sess  *activeSession
}

// activeSession is the mutable record of one recording attempt.
type activeSession struct {
	id        string
	startedAt time.Time
	capture   Capture
	transport Transport
	meter     Meter

	// accumulated and resumedAt are guarded by Controller.mu.
	// resumedAt is zero while paused, so duration only advances
	// while recording.
	accumulated time.Duration
	resumedAt   time.Time

	chunkSeq atomic.Uint64

	stopping atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once

	group *errgroup.Group
}

func (s *activeSession) beginStop() {
	s.stopping.Store(true)
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *activeSession) elapsedLocked(now time.Time) time.Duration {
	total := s.accumulated
	if !s.resumedAt.IsZero() {
		total += now.Sub(s.resumedAt)
	}
	return total
}

// NewController constructs a session controller with safe default
// fallbacks for ambient collaborators.
func NewController(deps Deps, cfg Config) *Controller {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	bus := deps.Bus
	if bus == nil {
		bus = event.NewBus()
	}
	newMeter := deps.NewMeter
	if newMeter == nil {
		newMeter = func(func(level.Sample)) Meter { return noopMeter{} }
	}
	completion := deps.Completion
	if completion == nil {
		completion = CompletionFunc(func(context.Context, Summary) error { return nil })
	}

	return &Controller{
		logger:        logger,
		bus:           bus,
		openDevice:    deps.OpenDevice,
		dialTransport: deps.DialTransport,
		newMeter:      newMeter,
		completion:    completion,
		cfg:           cfg.withDefaults(),
		state:         fsm.StateIdle,
	}
}

// State returns the current state snapshot.
func (c *Controller) State() fsm.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status returns the state plus active-session identity and elapsed
// active duration.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	status := Status{State: string(c.state)}
	if c.sess != nil {
		status.SessionID = c.sess.id
		status.Elapsed = c.sess.elapsedLocked(time.Now())
	}
	return status
}

// Start allocates a session, opens the transport and then the capture
// device, and begins frame fan-out. Either open failing leaves the
// controller idle with exactly one Error event published and no
// session allocated.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.busy {
		state := c.state
		c.mu.Unlock()
		return rejection(string(state), "start")
	}
	if _, err := fsm.Transition(c.state, fsm.EventStart); err != nil {
		state := c.state
		c.mu.Unlock()
		return rejection(string(state), "start")
	}
	c.busy = true
	c.mu.Unlock()

	if c.openDevice == nil || c.dialTransport == nil {
		c.clearBusy()
		return ErrPipelineUnavailable
	}

	transport, err := c.dialTransport(ctx, func(seq uint64) {
		c.bus.Publish(event.ChunkDelivered{Seq: seq})
	})
	if err != nil {
		c.clearBusy()
		return c.startFailure(KindTransportInitFailed, err)
	}

	capture, err := c.openDevice(ctx)
	if err != nil {
		transport.Abort()
		c.clearBusy()
		return c.startFailure(KindDeviceUnavailable, err)
	}

	now := time.Now()
	sess := &activeSession{
		id:        uuid.NewString(),
		startedAt: now,
		resumedAt: now,
		capture:   capture,
		transport: transport,
		stopCh:    make(chan struct{}),
	}
	sess.meter = c.newMeter(func(sample level.Sample) {
		c.bus.Publish(event.LevelUpdated{Level: sample.Level, At: sample.At})
	})

	c.mu.Lock()
	from := c.state
	c.state = fsm.StateRecording
	c.sess = sess
	c.busy = false
	c.bus.Publish(event.StateChanged{From: from, To: c.state})
	c.mu.Unlock()

	c.logger.Info("session started", "session_id", sess.id)

	group := &errgroup.Group{}
	sess.group = group
	// The first goroutine to fail begins the stop sequence so its
	// siblings can exit: stopCh releases the transport watcher and the
	// ticker, and stopping the capture closes the frame channel under
	// fanOut. Wait then funnels the primary error into failAsync.
	supervise := func(run func() error) {
		group.Go(func() error {
			err := run()
			if err != nil {
				sess.beginStop()
				_ = sess.capture.Stop()
			}
			return err
		})
	}
	supervise(func() error { return c.fanOut(sess) })
	supervise(func() error { return watchTransport(sess) })
	supervise(func() error { return c.tickDuration(sess) })
	go func() {
		if err := group.Wait(); err != nil {
			c.failAsync(sess, err)
		}
	}()

	return nil
}

// Pause freezes duration accumulation and suspends device delivery.
// Synchronous; valid only while recording.
func (c *Controller) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.busy {
		return rejection(string(c.state), "pause")
	}
	next, err := fsm.Transition(c.state, fsm.EventPause)
	if err != nil {
		return rejection(string(c.state), "pause")
	}

	now := time.Now()
	c.sess.accumulated += now.Sub(c.sess.resumedAt)
	c.sess.resumedAt = time.Time{}
	c.sess.capture.Suspend()

	from := c.state
	c.state = next
	c.bus.Publish(event.StateChanged{From: from, To: next})
	return nil
}

// Resume restarts duration accumulation and device delivery.
// Synchronous; valid only while paused.
func (c *Controller) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.busy {
		return rejection(string(c.state), "resume")
	}
	next, err := fsm.Transition(c.state, fsm.EventResume)
	if err != nil {
		return rejection(string(c.state), "resume")
	}

	c.sess.resumedAt = time.Now()
	c.sess.capture.Resume()

	from := c.state
	c.state = next
	c.bus.Publish(event.StateChanged{From: from, To: next})
	return nil
}

// Stop drains remaining frames through the transport, awaits durable
// acknowledgement of every chunk, and returns the terminal summary.
// The controller reaches idle on every path, including flush timeout.
func (c *Controller) Stop(ctx context.Context) (Summary, error) {
	c.mu.Lock()
	if c.busy {
		state := c.state
		c.mu.Unlock()
		return Summary{}, rejection(string(state), "stop")
	}
	next, err := fsm.Transition(c.state, fsm.EventStop)
	if err != nil {
		state := c.state
		c.mu.Unlock()
		return Summary{}, rejection(string(state), "stop")
	}

	sess := c.sess
	now := time.Now()
	if !sess.resumedAt.IsZero() {
		sess.accumulated += now.Sub(sess.resumedAt)
		sess.resumedAt = time.Time{}
	}
	from := c.state
	c.state = next
	c.busy = true
	c.bus.Publish(event.StateChanged{From: from, To: next})
	c.mu.Unlock()

	// No chunk is produced past this point.
	sess.beginStop()
	_ = sess.capture.Stop()

	drainErr := sess.group.Wait()
	sess.meter.Close()

	var finalErr error
	if drainErr != nil {
		sess.transport.Abort()
		finalErr = drainErr
	} else {
		finalizeCtx, cancel := context.WithTimeout(ctx, c.cfg.FinalizeTimeout)
		finalErr = sess.transport.Finalize(finalizeCtx)
		cancel()
	}

	summary := Summary{
		SessionID:     sess.id,
		StartedAt:     sess.startedAt,
		Duration:      sess.accumulated,
		ChunkCount:    sess.transport.Delivered(),
		BytesCaptured: sess.capture.BytesCaptured(),
	}

	if finalErr != nil {
		kind := KindTransportFailure
		if errors.Is(finalErr, sink.ErrFlushTimeout) {
			kind = KindFlushTimeout
		} else if known, ok := KindOf(finalErr); ok {
			kind = known
		}
		serr := kindError(kind, finalErr)

		c.mu.Lock()
		c.bus.Publish(event.Error{ErrKind: string(kind), Message: serr.Error(), Retryable: kind.Retryable()})
		c.state = fsm.StateIdle
		c.sess = nil
		c.busy = false
		c.bus.Publish(event.StateChanged{From: fsm.StateStopping, To: fsm.StateIdle})
		c.mu.Unlock()

		c.logger.Error("session stop failed",
			"session_id", summary.SessionID,
			"kind", string(kind),
			"delivered", summary.ChunkCount,
			"error", finalErr.Error(),
		)
		return summary, serr
	}

	c.mu.Lock()
	c.state = fsm.StateIdle
	c.sess = nil
	c.busy = false
	c.bus.Publish(event.StateChanged{From: fsm.StateStopping, To: fsm.StateIdle})
	c.bus.Publish(event.Completed{
		SessionID:  summary.SessionID,
		Duration:   summary.Duration,
		ChunkCount: summary.ChunkCount,
	})
	c.mu.Unlock()

	if err := c.completion.SessionComplete(ctx, summary); err != nil {
		c.logger.Error("completion handoff failed", "session_id", summary.SessionID, "error", err.Error())
	}

	c.logger.Info("session complete",
		"session_id", summary.SessionID,
		"duration_ms", summary.Duration.Milliseconds(),
		"chunks", summary.ChunkCount,
		"bytes_captured", summary.BytesCaptured,
	)
	return summary, nil
}

// fanOut wraps each captured frame into a sequenced chunk and hands it
// to the transport (backpressure) and the meter (best effort).
func (c *Controller) fanOut(sess *activeSession) error {
	for frame := range sess.capture.Frames() {
		if len(frame) == 0 {
			continue
		}
		sess.meter.Offer(frame)

		chunk := sink.Chunk{
			Seq:        sess.chunkSeq.Add(1) - 1,
			Data:       frame,
			CapturedAt: time.Now(),
		}
		if err := sess.transport.Enqueue(chunk); err != nil {
			if errors.Is(err, sink.ErrClosed) {
				return nil
			}
			return kindError(KindTransportFailure, err)
		}
	}

	if !sess.stopping.Load() {
		return kindError(KindDeviceFailure, errors.New("capture stream ended unexpectedly"))
	}
	return nil
}

// watchTransport surfaces asynchronous transport failure until stop
// takes over error handling.
func watchTransport(sess *activeSession) error {
	select {
	case <-sess.transport.Failed():
		return kindError(KindTransportFailure, sess.transport.Err())
	case <-sess.stopCh:
		return nil
	}
}

// tickDuration publishes elapsed active duration while recording.
func (c *Controller) tickDuration(sess *activeSession) error {
	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sess.stopCh:
			return nil
		case now := <-ticker.C:
			c.mu.Lock()
			if c.sess == sess && c.state == fsm.StateRecording {
				c.bus.Publish(event.DurationTick{Elapsed: sess.elapsedLocked(now)})
			}
			c.mu.Unlock()
		}
	}
}

// failAsync is the single funnel for mid-session device/transport
// faults: force idle, publish one Error, best-effort cleanup. A stop
// already in flight owns error handling instead.
func (c *Controller) failAsync(sess *activeSession, err error) {
	kind := KindTransportFailure
	if known, ok := KindOf(err); ok {
		kind = known
	}

	c.mu.Lock()
	if c.sess != sess || c.busy {
		c.mu.Unlock()
		return
	}
	from := c.state
	next, terr := fsm.Transition(c.state, fsm.EventFail)
	if terr != nil {
		c.mu.Unlock()
		return
	}
	c.state = next
	c.sess = nil
	serr := kindError(kind, err)
	c.bus.Publish(event.Error{ErrKind: string(kind), Message: serr.Error(), Retryable: kind.Retryable()})
	c.bus.Publish(event.StateChanged{From: from, To: next})
	c.mu.Unlock()

	// Best-effort cleanup; secondary failures are swallowed so the
	// primary cause is the one surfaced.
	sess.beginStop()
	_ = sess.capture.Stop()
	sess.transport.Abort()
	sess.meter.Close()

	c.logger.Error("session aborted",
		"session_id", sess.id,
		"kind", string(kind),
		"error", err.Error(),
	)
}

func (c *Controller) clearBusy() {
	c.mu.Lock()
	c.busy = false
	c.mu.Unlock()
}

func (c *Controller) startFailure(kind ErrorKind, err error) error {
	serr := kindError(kind, err)
	c.bus.Publish(event.Error{ErrKind: string(kind), Message: serr.Error(), Retryable: kind.Retryable()})
	c.logger.Error("session start failed", "kind", string(kind), "error", err.Error())
	return serr
}
