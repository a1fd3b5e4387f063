package level

import (
	"encoding/binary"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// pcmSine renders n s16le mono samples of a sine at the given amplitude.
func pcmSine(n int, amplitude float64) []byte {
	buf := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := amplitude * math.Sin(2*math.Pi*float64(i)/64)
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(int16(v*32767)))
	}
	return buf
}

func pcmSilence(n int) []byte {
	return make([]byte, n*2)
}

type sampleSink struct {
	mu      sync.Mutex
	samples []Sample
}

func (s *sampleSink) record(sample Sample) {
	s.mu.Lock()
	s.samples = append(s.samples, sample)
	s.mu.Unlock()
}

func (s *sampleSink) wait(t *testing.T, want int) []Sample {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		got := append([]Sample(nil), s.samples...)
		s.mu.Unlock()
		if len(got) >= want {
			return got
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d level samples", want)
	return nil
}

func TestMonitorEmitsOneSamplePerWindow(t *testing.T) {
	sink := &sampleSink{}
	m := NewMonitor(16000, 100*time.Millisecond, sink.record)
	defer m.Close()

	// 100ms at 16kHz is 1600 samples; feed three windows worth.
	m.Offer(pcmSine(4800, 0.5))

	samples := sink.wait(t, 3)
	require.GreaterOrEqual(t, len(samples), 3)
	for _, sample := range samples {
		require.GreaterOrEqual(t, sample.Level, 0.0)
		require.LessOrEqual(t, sample.Level, 1.0)
		require.False(t, sample.At.IsZero())
	}
}

func TestMonitorLouderInputMetersHigher(t *testing.T) {
	quietSink := &sampleSink{}
	quiet := NewMonitor(16000, 100*time.Millisecond, quietSink.record)
	defer quiet.Close()
	quiet.Offer(pcmSine(1600, 0.05))

	loudSink := &sampleSink{}
	loud := NewMonitor(16000, 100*time.Millisecond, loudSink.record)
	defer loud.Close()
	loud.Offer(pcmSine(1600, 0.9))

	quietLevel := quietSink.wait(t, 1)[0].Level
	loudLevel := loudSink.wait(t, 1)[0].Level
	require.Greater(t, loudLevel, quietLevel)
}

func TestMonitorDecaysOnSilence(t *testing.T) {
	sink := &sampleSink{}
	m := NewMonitor(16000, 100*time.Millisecond, sink.record)
	defer m.Close()

	m.Offer(pcmSine(1600, 0.9))
	loud := sink.wait(t, 1)[0].Level

	m.Offer(pcmSilence(3200))
	samples := sink.wait(t, 3)

	require.Less(t, samples[2].Level, loud)
	require.Less(t, samples[2].Level, samples[1].Level)
	require.Greater(t, samples[2].Level, 0.0)
}

func TestOfferNeverBlocksWhenBehind(t *testing.T) {
	// No drain: a closed monitor keeps Offer non-blocking even with a
	// full queue.
	m := NewMonitor(16000, 100*time.Millisecond, nil)
	m.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < queueDepth*4; i++ {
			m.Offer(pcmSilence(1600))
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Offer blocked on a saturated monitor")
	}
}

func TestOfferIgnoresEmptyFrames(t *testing.T) {
	sink := &sampleSink{}
	m := NewMonitor(16000, time.Millisecond, sink.record)
	defer m.Close()

	m.Offer(nil)
	m.Offer([]byte{})
	time.Sleep(10 * time.Millisecond)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Empty(t, sink.samples)
}
