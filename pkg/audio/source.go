// Package audio defines the media source abstraction consumed by the capture
// manager, plus PCM helpers shared by every source.
//
// A [Source] acquires a media stream (a file, a voice channel, a captured
// system mix) and returns a [Stream] exposing its tracks and a channel of
// [AudioFrame] values. Sources are the only place platform specifics live;
// everything downstream sees plain PCM.
//
// Implementations live in sub-packages (audio/wav, audio/discord, audio/mock).
// This package lives under pkg/ because external code is expected to provide
// additional sources.
package audio

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrPermissionDenied is returned by Open when the platform refuses
	// access to the media.
	ErrPermissionDenied = errors.New("audio: permission denied")

	// ErrUserCancelled is returned by Open when the user dismissed the
	// source selection.
	ErrUserCancelled = errors.New("audio: selection cancelled")

	// ErrNoAudioTrack reports an acquired stream that carries no audio.
	ErrNoAudioTrack = errors.New("audio: stream has no audio track")
)

// TrackKind classifies the tracks of a [Stream].
type TrackKind int

const (
	TrackAudio TrackKind = iota
	TrackVideo
)

// String returns the human-readable name of the track kind.
func (k TrackKind) String() string {
	switch k {
	case TrackAudio:
		return "audio"
	case TrackVideo:
		return "video"
	default:
		return fmt.Sprintf("TrackKind(%d)", int(k))
	}
}

// OpenOptions tunes a single acquisition.
type OpenOptions struct {
	// WantVideo requests a video track alongside audio. Some platforms only
	// offer their selection dialog when video is requested; the track is not
	// otherwise used.
	WantVideo bool
}

// Stream is an acquired media stream.
//
// Implementations must be safe for concurrent use.
type Stream interface {
	// Tracks lists the tracks the stream carries.
	Tracks() []TrackKind

	// Frames delivers audio frames in order. It is closed when the stream
	// ends, either because the source finished or after Close.
	Frames() <-chan AudioFrame

	// Err reports why Frames closed: nil for a normal end or Close.
	Err() error

	// StopTrack releases a single track early. Stopping the audio track ends
	// the stream.
	StopTrack(kind TrackKind)

	// Close releases every track. It is safe to call more than once.
	Close() error
}

// Source acquires media streams.
type Source interface {
	// Open acquires a stream. ctx bounds the acquisition only. Errors wrap
	// ErrPermissionDenied or ErrUserCancelled where the platform reports them.
	Open(ctx context.Context, opts OpenOptions) (Stream, error)
}

// HasTrack reports whether tracks contains kind.
func HasTrack(tracks []TrackKind, kind TrackKind) bool {
	for _, t := range tracks {
		if t == kind {
			return true
		}
	}
	return false
}
