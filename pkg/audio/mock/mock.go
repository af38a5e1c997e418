// Package mock provides scripted implementations of [audio.Source] and
// [audio.Stream] for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments.
//
// Typical usage:
//
//	stream := mock.NewStream(audio.TrackAudio)
//	src := &mock.Source{Stream: stream}
//	h, _ := capture.NewManager(src).Start(ctx, false)
//	stream.Push(audio.AudioFrame{Data: pcm, SampleRate: 16000, Channels: 1})
//	stream.End(nil)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/babelcast/pkg/audio"
)

// ─── Source ───────────────────────────────────────────────────────────────────

// Source is a mock implementation of [audio.Source].
type Source struct {
	mu sync.Mutex

	// Stream is returned by Open. When nil, Open builds a fresh audio-only
	// stream per call.
	Stream *Stream

	// OpenErr, if non-nil, is returned by Open.
	OpenErr error

	// OpenCalls records the options of every Open call.
	OpenCalls []audio.OpenOptions

	opened []*Stream
}

// Open implements [audio.Source].
func (s *Source) Open(_ context.Context, opts audio.OpenOptions) (audio.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.OpenCalls = append(s.OpenCalls, opts)
	if s.OpenErr != nil {
		return nil, s.OpenErr
	}
	st := s.Stream
	if st == nil {
		st = NewStream(audio.TrackAudio)
	}
	s.opened = append(s.opened, st)
	return st, nil
}

// Opened returns every stream handed out by Open, in order.
func (s *Source) Opened() []*Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Stream(nil), s.opened...)
}

// ─── Stream ───────────────────────────────────────────────────────────────────

// Stream is a mock implementation of [audio.Stream]. Tests feed it with Push
// and end it with End (source-side) or let the consumer Close it.
type Stream struct {
	mu sync.Mutex

	tracks []audio.TrackKind
	frames chan audio.AudioFrame
	ended  bool
	err    error

	// StoppedTracks records every StopTrack call.
	StoppedTracks []audio.TrackKind

	// CloseCallCount is the number of Close calls.
	CloseCallCount int
}

var _ audio.Stream = (*Stream)(nil)

// NewStream returns a stream carrying tracks, with a generous frame buffer.
func NewStream(tracks ...audio.TrackKind) *Stream {
	return &Stream{tracks: tracks, frames: make(chan audio.AudioFrame, 256)}
}

// Push delivers a frame. It is a no-op once the stream has ended.
func (s *Stream) Push(f audio.AudioFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.frames <- f
}

// End finishes the stream from the source side. err becomes Err().
func (s *Stream) End(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endLocked(err)
}

func (s *Stream) endLocked(err error) {
	if s.ended {
		return
	}
	s.ended = true
	s.err = err
	close(s.frames)
}

// Tracks implements [audio.Stream].
func (s *Stream) Tracks() []audio.TrackKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audio.TrackKind(nil), s.tracks...)
}

// Frames implements [audio.Stream].
func (s *Stream) Frames() <-chan audio.AudioFrame { return s.frames }

// Err implements [audio.Stream].
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// StopTrack implements [audio.Stream]. Stopping the audio track ends the
// stream.
func (s *Stream) StopTrack(kind audio.TrackKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.StoppedTracks = append(s.StoppedTracks, kind)
	kept := s.tracks[:0]
	for _, t := range s.tracks {
		if t != kind {
			kept = append(kept, t)
		}
	}
	s.tracks = kept
	if kind == audio.TrackAudio {
		s.endLocked(nil)
	}
}

// Close implements [audio.Stream].
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	s.endLocked(nil)
	return nil
}

// Closes returns the number of Close calls. Thread-safe.
func (s *Stream) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCallCount
}

// Stopped returns a copy of StoppedTracks. Thread-safe.
func (s *Stream) Stopped() []audio.TrackKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audio.TrackKind(nil), s.StoppedTracks...)
}
