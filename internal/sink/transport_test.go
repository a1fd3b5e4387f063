package sink

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
)

// fakeSink is an in-process Deliver server. ackLimit < 0 acks every
// chunk; otherwise acking stops after ackLimit chunks.
type fakeSink struct {
	lis *bufconn.Listener
	srv *grpc.Server

	ackLimit int

	mu       sync.Mutex
	received []Chunk
}

func startFakeSink(t *testing.T, ackLimit int) *fakeSink {
	t.Helper()

	f := &fakeSink{
		lis:      bufconn.Listen(1 << 20),
		ackLimit: ackLimit,
	}
	f.srv = grpc.NewServer(
		grpc.ForceServerCodec(rawCodec{}),
		grpc.UnknownServiceHandler(f.deliver),
	)

	go func() { _ = f.srv.Serve(f.lis) }()
	t.Cleanup(func() {
		f.srv.Stop()
		_ = f.lis.Close()
	})
	return f
}

func (f *fakeSink) deliver(_ any, stream grpc.ServerStream) error {
	acked := 0
	for {
		var raw []byte
		if err := stream.RecvMsg(&raw); err != nil {
			if errors.Is(err, io.EOF) {
				if f.ackLimit >= 0 {
					// A sink withholding acks holds the stream open so
					// the client observes a flush timeout, not a close.
					<-stream.Context().Done()
				}
				return nil
			}
			return err
		}

		chunk, err := decodeChunk(raw)
		if err != nil {
			return err
		}
		f.mu.Lock()
		f.received = append(f.received, chunk)
		f.mu.Unlock()

		if f.ackLimit >= 0 && acked >= f.ackLimit {
			continue
		}
		if err := stream.SendMsg(encodeAck(chunk.Seq)); err != nil {
			return err
		}
		acked++
	}
}

func (f *fakeSink) chunks() []Chunk {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Chunk(nil), f.received...)
}

func (f *fakeSink) dialConfig() Config {
	return Config{
		Endpoint: "passthrough:///bufnet",
		DialOptions: []grpc.DialOption{
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return f.lis.DialContext(ctx)
			}),
		},
	}
}

func TestTransportDeliversAndFinalizes(t *testing.T) {
	sinkSrv := startFakeSink(t, -1)

	var mu sync.Mutex
	var delivered []uint64
	transport, err := Dial(context.Background(), sinkSrv.dialConfig(), func(seq uint64) {
		mu.Lock()
		delivered = append(delivered, seq)
		mu.Unlock()
	})
	require.NoError(t, err)

	const total = 10
	for seq := uint64(0); seq < total; seq++ {
		require.NoError(t, transport.Enqueue(Chunk{Seq: seq, Data: []byte{byte(seq)}, CapturedAt: time.Now()}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, transport.Finalize(ctx))
	require.Equal(t, uint64(total), transport.Delivered())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, delivered, total)
	for i, seq := range delivered {
		require.Equal(t, uint64(i), seq)
	}

	received := sinkSrv.chunks()
	require.Len(t, received, total)
	for i, chunk := range received {
		require.Equal(t, uint64(i), chunk.Seq)
		require.Equal(t, []byte{byte(i)}, chunk.Data)
	}
}

func TestTransportFinalizeEmptySession(t *testing.T) {
	sinkSrv := startFakeSink(t, -1)

	transport, err := Dial(context.Background(), sinkSrv.dialConfig(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, transport.Finalize(ctx))
	require.Equal(t, uint64(0), transport.Delivered())
}

func TestTransportFinalizeFlushTimeout(t *testing.T) {
	sinkSrv := startFakeSink(t, 3)

	transport, err := Dial(context.Background(), sinkSrv.dialConfig(), nil)
	require.NoError(t, err)

	for seq := uint64(0); seq < 6; seq++ {
		require.NoError(t, transport.Enqueue(Chunk{Seq: seq, Data: []byte("x"), CapturedAt: time.Now()}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 400*time.Millisecond)
	defer cancel()
	err = transport.Finalize(ctx)
	require.ErrorIs(t, err, ErrFlushTimeout)
	require.Equal(t, uint64(3), transport.Delivered())
}

func TestTransportEnqueueRejectsSequenceGap(t *testing.T) {
	sinkSrv := startFakeSink(t, -1)

	transport, err := Dial(context.Background(), sinkSrv.dialConfig(), nil)
	require.NoError(t, err)
	defer transport.Abort()

	require.NoError(t, transport.Enqueue(Chunk{Seq: 0, Data: []byte("a"), CapturedAt: time.Now()}))

	err = transport.Enqueue(Chunk{Seq: 2, Data: []byte("c"), CapturedAt: time.Now()})
	require.ErrorIs(t, err, ErrSequenceGap)

	select {
	case <-transport.Failed():
	case <-time.After(time.Second):
		t.Fatal("transport did not report failure")
	}
	require.ErrorIs(t, transport.Err(), ErrSequenceGap)
}

func TestTransportEnqueueAfterFinalize(t *testing.T) {
	sinkSrv := startFakeSink(t, -1)

	transport, err := Dial(context.Background(), sinkSrv.dialConfig(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, transport.Finalize(ctx))

	err = transport.Enqueue(Chunk{Seq: 0, Data: []byte("late"), CapturedAt: time.Now()})
	require.ErrorIs(t, err, ErrClosed)
}

func TestTransportAbortIdempotent(t *testing.T) {
	sinkSrv := startFakeSink(t, -1)

	transport, err := Dial(context.Background(), sinkSrv.dialConfig(), nil)
	require.NoError(t, err)

	require.NoError(t, transport.Enqueue(Chunk{Seq: 0, Data: []byte("a"), CapturedAt: time.Now()}))
	transport.Abort()
	transport.Abort()

	err = transport.Enqueue(Chunk{Seq: 1, Data: []byte("b"), CapturedAt: time.Now()})
	require.ErrorIs(t, err, ErrClosed)
}

func TestDialRequiresEndpoint(t *testing.T) {
	_, err := Dial(context.Background(), Config{}, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "endpoint is empty")
}

func TestDialFailsWhenSinkUnreachable(t *testing.T) {
	cfg := Config{Endpoint: "127.0.0.1:1", DialTimeout: 200 * time.Millisecond}
	_, err := Dial(context.Background(), cfg, nil)
	require.Error(t, err)
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	require.Equal(t, defaultDialTimeout, cfg.DialTimeout)
	require.Equal(t, defaultQueueSize, cfg.QueueSize)
	require.Equal(t, defaultSendRetries, cfg.SendRetries)
}
