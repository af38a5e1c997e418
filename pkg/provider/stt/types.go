package stt

import "time"

// Transcript represents a speech-to-text result from an STT provider.
// Both interim and final results use this type.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// IsFinal indicates whether the result is final (immutable) or interim
	// (superseded by the next result for the same utterance).
	IsFinal bool

	// Confidence is the overall confidence score (0.0–1.0). May be zero if
	// the provider does not report confidence.
	Confidence float64

	// Words contains per-word detail when available (Deepgram, Google).
	Words []WordDetail

	// Speaker is a symbolic speaker label when diarization is active.
	Speaker string

	// Start and End are offsets of the utterance relative to the start of
	// the stream. Zero when the provider does not report timing.
	Start time.Duration
	End   time.Duration
}

// WordDetail holds per-word metadata from STT providers that support it.
type WordDetail struct {
	Word       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
	Speaker    string
}

// KeywordBoost represents a keyword to boost in STT recognition.
type KeywordBoost struct {
	// Keyword is the text to boost (e.g., "Kubernetes").
	Keyword string

	// Boost is the intensity of the boost (provider-specific scale).
	Boost float64
}
