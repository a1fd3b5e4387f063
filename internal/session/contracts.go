package session

import (
	"context"
	"time"

	"github.com/murmurapp/murmur/internal/level"
	"github.com/murmurapp/murmur/internal/sink"
)

// Capture is the session-facing subset of an open capture device.
// Frames closes exactly once when the device stops; no frame is
// delivered after Stop returns.
type Capture interface {
	Frames() <-chan []byte
	Suspend()
	Resume()
	Stop() error
	BytesCaptured() int64
}

// DeviceOpener acquires the capture device for one session.
type DeviceOpener func(ctx context.Context) (Capture, error)

// Transport delivers sequenced chunks to the sink with durable
// acknowledgement. Enqueue applies backpressure, never drops.
type Transport interface {
	Enqueue(sink.Chunk) error
	Finalize(ctx context.Context) error
	Abort()
	Delivered() uint64
	Failed() <-chan struct{}
	Err() error
}

// TransportDialer opens the sink transport for one session. The
// onDelivered hook runs once per acknowledged chunk in ack order.
type TransportDialer func(ctx context.Context, onDelivered func(seq uint64)) (Transport, error)

// Meter consumes frames for level feedback without ever blocking the
// frame producer.
type Meter interface {
	Offer(frame []byte)
	Close()
}

// MeterFactory builds one fresh meter per session so smoothing state
// never leaks across sessions.
type MeterFactory func(emit func(level.Sample)) Meter

// noopMeter preserves session flow when no meter is wired.
type noopMeter struct{}

func (noopMeter) Offer([]byte) {}
func (noopMeter) Close()       {}

// Summary is the terminal record of one completed session, handed to
// the storage collaborator.
type Summary struct {
	SessionID     string
	StartedAt     time.Time
	Duration      time.Duration
	ChunkCount    uint64
	BytesCaptured int64
}

// CompletionHandler receives the completion handoff after every chunk
// is acknowledged durable.
type CompletionHandler interface {
	SessionComplete(context.Context, Summary) error
}

// CompletionFunc adapts a function to the CompletionHandler interface.
type CompletionFunc func(context.Context, Summary) error

func (f CompletionFunc) SessionComplete(ctx context.Context, summary Summary) error {
	return f(ctx, summary)
}

// Status is a point-in-time controller snapshot for command surfaces.
type Status struct {
	State     string
	SessionID string
	Elapsed   time.Duration
}
