package transcribe

import (
	"fmt"
	"strings"
	"time"

	"github.com/MrWong99/babelcast/pkg/provider/stt"
)

// slotState is the lifecycle state of one utterance slot.
//
//	idle --interim--> provisional --interim--> provisional
//	idle/provisional --final--> idle (utterance emitted)
//	idle/provisional --drop--> idle (nothing emitted)
type slotState int

const (
	slotIdle slotState = iota
	slotProvisional
)

func (s slotState) String() string {
	switch s {
	case slotIdle:
		return "idle"
	case slotProvisional:
		return "provisional"
	default:
		return fmt.Sprintf("slotState(%d)", int(s))
	}
}

// slotEvent is what the caller must do after feeding a transcript.
type slotEvent int

const (
	// slotNone: nothing visible changed.
	slotNone slotEvent = iota
	// slotInterimUpdated: the provisional text changed.
	slotInterimUpdated
	// slotInterimCleared: the provisional text was withdrawn.
	slotInterimCleared
	// slotFinalized: a final utterance is ready.
	slotFinalized
)

// slot coalesces the backend's interleaved interim/final events into one
// provisional text and at most one final per slot. Later interims overwrite
// earlier ones; a final closes the slot and the next event opens a new one.
//
// A slot is owned by a single goroutine.
type slot struct {
	state   slotState
	interim stt.Transcript
	seq     int // number of finals emitted
}

// observe feeds one backend event. For slotFinalized the final transcript is
// returned with whitespace trimmed.
func (s *slot) observe(t stt.Transcript) (slotEvent, stt.Transcript) {
	t.Text = strings.TrimSpace(t.Text)

	if !t.IsFinal {
		if t.Text == "" {
			if s.state == slotProvisional {
				s.reset()
				return slotInterimCleared, stt.Transcript{}
			}
			return slotNone, stt.Transcript{}
		}
		s.state = slotProvisional
		s.interim = t
		return slotInterimUpdated, t
	}

	// Empty finals close the slot without producing an utterance; backends
	// send them at the end of silence.
	had := s.state == slotProvisional
	s.reset()
	if t.Text == "" {
		if had {
			return slotInterimCleared, stt.Transcript{}
		}
		return slotNone, stt.Transcript{}
	}
	s.seq++
	return slotFinalized, t
}

// drop abandons a provisional slot. It reports whether anything was pending.
func (s *slot) drop() bool {
	had := s.state == slotProvisional
	s.reset()
	return had
}

func (s *slot) reset() {
	s.state = slotIdle
	s.interim = stt.Transcript{}
}

// offsetClamp keeps final offsets non-decreasing across a connection.
type offsetClamp struct {
	base      time.Duration
	lastStart int64
	lastEnd   int64
}

// apply converts backend-relative offsets to content milliseconds and clamps
// them so that start never precedes the previous final's end and end never
// precedes start.
func (c *offsetClamp) apply(start, end time.Duration) (startMs, endMs int64) {
	startMs = (c.base + start).Milliseconds()
	endMs = (c.base + end).Milliseconds()
	if startMs < c.lastEnd {
		startMs = c.lastEnd
	}
	if startMs < c.lastStart {
		startMs = c.lastStart
	}
	if endMs < startMs {
		endMs = startMs
	}
	c.lastStart, c.lastEnd = startMs, endMs
	return startMs, endMs
}
