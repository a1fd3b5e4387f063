// Package event carries session lifecycle notifications to observers.
package event

import (
	"time"

	"github.com/murmurapp/murmur/internal/fsm"
)

// Kind discriminates session event payloads.
type Kind string

const (
	KindStateChanged   Kind = "state_changed"
	KindLevelUpdated   Kind = "level_updated"
	KindDurationTick   Kind = "duration_tick"
	KindChunkDelivered Kind = "chunk_delivered"
	KindError          Kind = "error"
	KindCompleted      Kind = "completed"
)

// Event is one immutable session notification. Exactly one of the
// payload implementations below backs each value.
type Event interface {
	Kind() Kind
}

// StateChanged reports one controller transition.
type StateChanged struct {
	From fsm.State
	To   fsm.State
}

func (StateChanged) Kind() Kind { return KindStateChanged }

// LevelUpdated reports the latest normalized input level in [0, 1].
// Observers only need the most recent value.
type LevelUpdated struct {
	Level float64
	At    time.Time
}

func (LevelUpdated) Kind() Kind { return KindLevelUpdated }

// DurationTick reports accumulated active recording time.
type DurationTick struct {
	Elapsed time.Duration
}

func (DurationTick) Kind() Kind { return KindDurationTick }

// ChunkDelivered reports one chunk acknowledged durable by the sink.
type ChunkDelivered struct {
	Seq uint64
}

func (ChunkDelivered) Kind() Kind { return KindChunkDelivered }

// Error reports a session failure. Retryable is true when a fresh
// start may succeed (device/transport faults), false when there is
// nothing for the user to do (flush timeout after a requested stop).
type Error struct {
	ErrKind   string
	Message   string
	Retryable bool
}

func (Error) Kind() Kind { return KindError }

// Completed reports the terminal summary of one successful session.
type Completed struct {
	SessionID  string
	Duration   time.Duration
	ChunkCount uint64
}

func (Completed) Kind() Kind { return KindCompleted }
