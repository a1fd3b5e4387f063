// Package level derives a normalized input-level signal from live PCM.
package level

import (
	"encoding/binary"
	"math"
	"sync"
	"time"
)

const (
	// decay smooths the meter between windows so it falls instead of
	// snapping to zero on a quiet window.
	decay = 0.72

	queueDepth = 32
)

// Sample is the latest meter reading. Values are normalized to [0, 1].
type Sample struct {
	Level float64
	At    time.Time
}

// Monitor computes one RMS-derived level per fixed window of s16le
// mono samples. It never applies backpressure to the producer: frames
// offered while the meter is behind are dropped, not queued.
type Monitor struct {
	samplesPerWindow int
	emit             func(Sample)

	frames chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

// NewMonitor starts a meter emitting one sample per window duration of
// audio at the given rate. Smoothing state is fresh per monitor, so a
// new session gets a new monitor.
func NewMonitor(sampleRate int, window time.Duration, emit func(Sample)) *Monitor {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	if window <= 0 {
		window = 100 * time.Millisecond
	}
	samples := int(float64(sampleRate) * window.Seconds())
	if samples < 1 {
		samples = 1
	}

	m := &Monitor{
		samplesPerWindow: samples,
		emit:             emit,
		frames:           make(chan []byte, queueDepth),
		done:             make(chan struct{}),
	}
	go m.run()
	return m
}

// Offer hands one PCM frame to the meter without blocking. The frame
// is copied; callers may reuse the buffer.
func (m *Monitor) Offer(frame []byte) {
	if len(frame) == 0 {
		return
	}
	buf := make([]byte, len(frame))
	copy(buf, frame)
	select {
	case m.frames <- buf:
	case <-m.done:
	default:
		// dropped: metering must not block capture
	}
}

// Close stops the meter. Idempotent.
func (m *Monitor) Close() {
	m.closeOnce.Do(func() { close(m.done) })
}

func (m *Monitor) run() {
	var (
		sumSquares float64
		count      int
		smoothed   float64
	)

	for {
		select {
		case <-m.done:
			return
		case frame := <-m.frames:
			for i := 0; i+1 < len(frame); i += 2 {
				s := float64(int16(binary.LittleEndian.Uint16(frame[i:]))) / 32768.0
				sumSquares += s * s
				count++

				if count < m.samplesPerWindow {
					continue
				}

				rms := math.Sqrt(sumSquares / float64(count))
				sumSquares = 0
				count = 0

				smoothed *= decay
				if rms > smoothed {
					smoothed = rms
				}
				if smoothed > 1 {
					smoothed = 1
				}
				if m.emit != nil {
					m.emit(Sample{Level: smoothed, At: time.Now()})
				}
			}
		}
	}
}
