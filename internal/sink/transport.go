package sink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
)

const deliverMethod = "/murmur.sink.v1.ChunkSink/Deliver"

var deliverStreamDesc = &grpc.StreamDesc{
	StreamName:    "Deliver",
	ClientStreams: true,
	ServerStreams: true,
}

var (
	// ErrFlushTimeout means finalize did not see every chunk
	// acknowledged within its bound. The session up to the last
	// acknowledged chunk is still durable on the sink.
	ErrFlushTimeout = errors.New("finalize timed out awaiting sink acknowledgements")

	// ErrSequenceGap means a chunk arrived out of order. Gaps are a
	// transport-integrity violation and fail the session.
	ErrSequenceGap = errors.New("chunk sequence gap")

	// ErrClosed means the transport no longer accepts chunks.
	ErrClosed = errors.New("transport closed")
)

// Chosen bounds. The queue depth trades producer stall latency against
// memory; retries cover transient stream hiccups before escalation.
const (
	defaultDialTimeout = 3 * time.Second
	defaultQueueSize   = 64
	defaultSendRetries = 3
	sendRetryDelay     = 20 * time.Millisecond
)

// Config controls dialing and delivery behavior.
type Config struct {
	Endpoint    string
	DialTimeout time.Duration
	QueueSize   int
	SendRetries int

	// DialOptions are appended to the defaults, letting tests target
	// an in-process listener.
	DialOptions []grpc.DialOption
}

func (c Config) withDefaults() Config {
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.SendRetries <= 0 {
		c.SendRetries = defaultSendRetries
	}
	return c
}

// Transport owns one Deliver stream to the sink. Enqueue applies
// backpressure through a bounded queue and never drops; acknowledgement
// order mirrors send order.
type Transport struct {
	cfg         Config
	conn        *grpc.ClientConn
	stream      grpc.ClientStream
	cancel      context.CancelFunc
	onDelivered func(seq uint64)

	queue chan Chunk

	sendDone chan struct{}
	recvDone chan struct{}
	allAcked chan struct{}
	failed   chan struct{}

	ackedOnce sync.Once
	failOnce  sync.Once
	connOnce  sync.Once

	mu         sync.Mutex
	nextSeq    uint64
	sent       uint64
	acked      uint64
	closed     bool
	sendClosed bool
	failErr    error
}

// Dial connects to the sink, waits for channel readiness, and opens
// the Deliver stream. onDelivered, when non-nil, runs once per
// acknowledged chunk in ack order.
func Dial(ctx context.Context, cfg Config, onDelivered func(seq uint64)) (*Transport, error) {
	cfg = cfg.withDefaults()
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, errors.New("sink endpoint is empty")
	}

	opts := append(
		[]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())},
		cfg.DialOptions...,
	)
	conn, err := grpc.NewClient(endpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial sink %q: %w", endpoint, err)
	}

	readyCtx, readyCancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer readyCancel()
	conn.Connect()
	if err := waitForReady(readyCtx, conn); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("wait for sink readiness: %w", err)
	}

	// The stream must outlive the dialing call so stop can drain
	// in-flight chunks after the original command context ends.
	streamCtx, streamCancel := context.WithCancel(context.WithoutCancel(ctx))
	stream, err := conn.NewStream(streamCtx, deliverStreamDesc, deliverMethod, grpc.ForceCodec(rawCodec{}))
	if err != nil {
		streamCancel()
		_ = conn.Close()
		return nil, fmt.Errorf("open deliver stream: %w", err)
	}

	t := &Transport{
		cfg:         cfg,
		conn:        conn,
		stream:      stream,
		cancel:      streamCancel,
		onDelivered: onDelivered,
		queue:       make(chan Chunk, cfg.QueueSize),
		sendDone:    make(chan struct{}),
		recvDone:    make(chan struct{}),
		allAcked:    make(chan struct{}),
		failed:      make(chan struct{}),
	}
	go t.sendLoop()
	go t.recvLoop()
	return t, nil
}

// Enqueue accepts the next chunk for delivery. It blocks while the
// queue is full and returns the transport's failure once one occurred.
// Sequence numbers must be contiguous from zero.
func (t *Transport) Enqueue(chunk Chunk) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if t.failErr != nil {
		err := t.failErr
		t.mu.Unlock()
		return err
	}
	if chunk.Seq != t.nextSeq {
		want := t.nextSeq
		t.mu.Unlock()
		err := fmt.Errorf("%w: got seq %d, want %d", ErrSequenceGap, chunk.Seq, want)
		t.fail(err)
		return err
	}
	t.nextSeq++
	t.sent++
	t.mu.Unlock()

	select {
	case t.queue <- chunk:
		return nil
	case <-t.failed:
		return t.Err()
	}
}

// Finalize half-closes the stream after the queue drains and blocks
// until the sink has acknowledged every accepted chunk, the context
// expires (ErrFlushTimeout), or the transport fails. The connection is
// released in every case.
func (t *Transport) Finalize(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	t.closed = true
	t.mu.Unlock()
	close(t.queue)

	defer t.release()

	select {
	case <-t.sendDone:
	case <-ctx.Done():
		return ErrFlushTimeout
	}
	if err := t.Err(); err != nil {
		return err
	}

	select {
	case <-t.allAcked:
		return nil
	case <-t.failed:
		return t.Err()
	case <-t.recvDone:
		// Server closed the ack stream early.
		if t.remaining() == 0 {
			return nil
		}
		return fmt.Errorf("sink closed with %d chunks unacknowledged", t.remaining())
	case <-ctx.Done():
		return ErrFlushTimeout
	}
}

// Abort tears the stream down immediately, abandoning in-flight
// chunks. Idempotent.
func (t *Transport) Abort() {
	t.mu.Lock()
	wasClosed := t.closed
	t.closed = true
	t.mu.Unlock()
	if !wasClosed {
		close(t.queue)
	}
	t.release()
}

// Delivered reports how many chunks the sink has acknowledged durable.
func (t *Transport) Delivered() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.acked
}

// Failed signals asynchronous transport failure. Err holds the cause
// once Failed is closed.
func (t *Transport) Failed() <-chan struct{} {
	return t.failed
}

// Err returns the first transport failure, if any.
func (t *Transport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failErr
}

func (t *Transport) remaining() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sent - t.acked
}

func (t *Transport) fail(err error) {
	t.mu.Lock()
	if t.failErr == nil {
		t.failErr = err
	}
	t.mu.Unlock()
	t.failOnce.Do(func() { close(t.failed) })
	t.release()
}

func (t *Transport) release() {
	t.connOnce.Do(func() {
		t.cancel()
		_ = t.conn.Close()
	})
}

// sendLoop drains the queue onto the stream, half-closing when the
// queue ends.
func (t *Transport) sendLoop() {
	defer close(t.sendDone)

	for chunk := range t.queue {
		if err := t.sendWithRetry(chunk); err != nil {
			t.fail(fmt.Errorf("send chunk %d: %w", chunk.Seq, err))
			return
		}
	}

	_ = t.stream.CloseSend()

	t.mu.Lock()
	t.sendClosed = true
	done := t.acked == t.sent
	t.mu.Unlock()
	if done {
		t.ackedOnce.Do(func() { close(t.allAcked) })
	}
}

// sendWithRetry retries one idempotent frame send a fixed number of
// times before escalating.
func (t *Transport) sendWithRetry(chunk Chunk) error {
	frame := encodeChunk(chunk)

	var lastErr error
	for attempt := 0; attempt <= t.cfg.SendRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-t.failed:
				return t.Err()
			case <-time.After(sendRetryDelay):
			}
		}
		if lastErr = t.stream.SendMsg(frame); lastErr == nil {
			return nil
		}
	}
	return lastErr
}

// recvLoop consumes acknowledgements until the stream ends. Acks must
// mirror send order; anything else fails the transport.
func (t *Transport) recvLoop() {
	defer close(t.recvDone)

	for {
		var raw []byte
		if err := t.stream.RecvMsg(&raw); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			t.mu.Lock()
			clean := t.sendClosed && t.acked == t.sent
			t.mu.Unlock()
			if !clean {
				t.fail(fmt.Errorf("receive ack: %w", err))
			}
			return
		}

		seq, err := decodeAck(raw)
		if err != nil {
			t.fail(err)
			return
		}

		t.mu.Lock()
		if seq != t.acked {
			want := t.acked
			t.mu.Unlock()
			t.fail(fmt.Errorf("%w: sink acked seq %d, want %d", ErrSequenceGap, seq, want))
			return
		}
		t.acked++
		done := t.sendClosed && t.acked == t.sent
		t.mu.Unlock()

		if t.onDelivered != nil {
			t.onDelivered(seq)
		}
		if done {
			t.ackedOnce.Do(func() { close(t.allAcked) })
		}
	}
}

// waitForReady blocks until the gRPC channel enters Ready or fails.
func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Shutdown:
			return errors.New("grpc connection entered shutdown state")
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("grpc readiness wait timed out in state %s", state.String())
		}
	}
}
