package transcribe

import (
	"testing"
	"time"

	"github.com/MrWong99/babelcast/pkg/provider/stt"
)

func TestSlot_InterimsOverwriteFinalAppends(t *testing.T) {
	t.Parallel()

	var s slot
	steps := []struct {
		in      stt.Transcript
		want    slotEvent
		state   slotState
		text    string
		seqWant int
	}{
		{stt.Transcript{Text: "hel"}, slotInterimUpdated, slotProvisional, "hel", 0},
		{stt.Transcript{Text: "hello wor"}, slotInterimUpdated, slotProvisional, "hello wor", 0},
		{stt.Transcript{Text: " hello world ", IsFinal: true}, slotFinalized, slotIdle, "hello world", 1},
		{stt.Transcript{Text: "next"}, slotInterimUpdated, slotProvisional, "next", 1},
		{stt.Transcript{Text: ""}, slotInterimCleared, slotIdle, "", 1},
		{stt.Transcript{Text: "", IsFinal: true}, slotNone, slotIdle, "", 1},
		{stt.Transcript{Text: "again", IsFinal: true}, slotFinalized, slotIdle, "again", 2},
	}
	for i, st := range steps {
		ev, out := s.observe(st.in)
		if ev != st.want {
			t.Fatalf("step %d: event = %d, want %d", i, ev, st.want)
		}
		if s.state != st.state {
			t.Errorf("step %d: state = %v, want %v", i, s.state, st.state)
		}
		if out.Text != st.text {
			t.Errorf("step %d: text = %q, want %q", i, out.Text, st.text)
		}
		if s.seq != st.seqWant {
			t.Errorf("step %d: seq = %d, want %d", i, s.seq, st.seqWant)
		}
	}
}

func TestSlot_EmptyFinalClearsProvisional(t *testing.T) {
	t.Parallel()

	var s slot
	s.observe(stt.Transcript{Text: "uh"})
	if ev, _ := s.observe(stt.Transcript{IsFinal: true}); ev != slotInterimCleared {
		t.Fatalf("event = %d, want slotInterimCleared", ev)
	}
	if s.seq != 0 {
		t.Errorf("seq = %d, empty final must not count", s.seq)
	}
}

func TestSlot_Drop(t *testing.T) {
	t.Parallel()

	var s slot
	if s.drop() {
		t.Error("drop on idle slot reported pending work")
	}
	s.observe(stt.Transcript{Text: "pending"})
	if !s.drop() {
		t.Error("drop on provisional slot reported nothing pending")
	}
	if s.state != slotIdle {
		t.Errorf("state after drop = %v", s.state)
	}
}

func TestOffsetClamp(t *testing.T) {
	t.Parallel()

	c := offsetClamp{}
	tests := []struct {
		start, end         time.Duration
		wantStart, wantEnd int64
	}{
		{0, time.Second, 0, 1000},
		{2 * time.Second, 3 * time.Second, 2000, 3000},
		// Overlaps the previous final: start moves up to its end.
		{2500 * time.Millisecond, 4 * time.Second, 3000, 4000},
		// Backend timing went backwards entirely.
		{time.Second, 2 * time.Second, 4000, 4000},
		// End before start.
		{5 * time.Second, 4 * time.Second, 5000, 5000},
	}
	for i, tc := range tests {
		s, e := c.apply(tc.start, tc.end)
		if s != tc.wantStart || e != tc.wantEnd {
			t.Errorf("case %d: got %d-%d, want %d-%d", i, s, e, tc.wantStart, tc.wantEnd)
		}
	}
}

func TestOffsetClamp_Base(t *testing.T) {
	t.Parallel()

	c := offsetClamp{base: 10 * time.Second, lastStart: 10000, lastEnd: 10000}
	s, e := c.apply(500*time.Millisecond, time.Second)
	if s != 10500 || e != 11000 {
		t.Errorf("got %d-%d, want 10500-11000", s, e)
	}
}
