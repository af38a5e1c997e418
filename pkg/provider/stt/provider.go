// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a real-time recognition service (e.g., Deepgram,
// Google Cloud Speech, or a local Whisper server) and exposes a uniform
// streaming interface. The central abstraction is SessionHandle: once opened,
// a session accepts raw PCM audio chunks and emits one ordered stream of
// Transcript values, interim and final interleaved exactly as the backend
// produced them.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"
)

var (
	// ErrAuthFailure is returned by StartStream when the backend rejects the
	// credentials. Retrying with the same configuration will not help.
	ErrAuthFailure = errors.New("stt: authentication failed")

	// ErrConnectFailure is returned by StartStream when the backend cannot be
	// reached or refuses the session for a non-credential reason.
	ErrConnectFailure = errors.New("stt: connect failed")

	// ErrStreamClosed is reported by SessionHandle.Err when the backend ended
	// the stream without the caller asking for it.
	ErrStreamClosed = errors.New("stt: stream closed unexpectedly")

	// ErrSessionClosed is returned by SendAudio after Close.
	ErrSessionClosed = errors.New("stt: session is closed")
)

// StreamConfig describes the audio format and recognition hints for a new STT
// session. All fields must be compatible with what the underlying provider
// supports; see each provider's documentation for valid ranges.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. Babelcast always sends 16000.
	SampleRate int

	// Channels is the number of audio channels. 1 = mono.
	Channels int

	// Language is the BCP-47 language hint (e.g., "en", "ko"). Empty lets the
	// provider pick its default or auto-detect, if supported.
	Language string

	// Diarize requests speaker separation. Providers that support it label
	// transcripts with [SpeakerLabel] values.
	Diarize bool

	// Keywords is a list of vocabulary hints that raise recognition
	// probability for uncommon words such as product or person names.
	Keywords []KeywordBoost
}

// SessionHandle represents an open STT streaming session.
//
// Callers must call Close when the session is no longer needed. Failing to do
// so may leak goroutines and network connections inside the provider.
type SessionHandle interface {
	// SendAudio delivers a chunk of raw PCM audio bytes. The chunk must match
	// the format agreed in StreamConfig. After Close it returns
	// ErrSessionClosed and discards the chunk.
	SendAudio(chunk []byte) error

	// Results returns the ordered stream of interim and final transcripts.
	// The channel is closed when the session ends for any reason.
	Results() <-chan Transcript

	// Err reports why the session ended. It is nil while the session is
	// running and after a caller-initiated Close; otherwise it wraps
	// ErrStreamClosed. Only meaningful after Results is closed.
	Err() error

	// Close stops accepting audio, asks the backend to finish, and waits for
	// the backend to close the stream before releasing resources. Audio still
	// queued is dropped. Calling Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any STT backend.
type Provider interface {
	// StartStream opens a new streaming transcription session. The returned
	// SessionHandle is ready to accept audio immediately. ctx bounds only the
	// connection attempt; the session lives until Close or a backend drop.
	//
	// Errors wrap ErrAuthFailure or ErrConnectFailure.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}

// SpeakerLabel maps a zero-based speaker index to a symbolic label: 0 -> "A",
// 1 -> "B", ..., 25 -> "Z", 26 -> "AA". Negative indexes yield "".
func SpeakerLabel(index int) string {
	if index < 0 {
		return ""
	}
	label := ""
	for n := index + 1; n > 0; n = (n - 1) / 26 {
		label = string(rune('A'+(n-1)%26)) + label
	}
	return label
}
