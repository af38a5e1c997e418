package audio

import "time"

// AudioFrame is one block of little-endian int16 PCM produced by a [Stream].
// Frames are the atomic unit between a source and the capture manager; the
// manager converts them to the recogniser format (16 kHz mono) before
// chunking.
type AudioFrame struct {
	// PCM audio data, interleaved when Channels > 1.
	Data []byte

	// SampleRate in Hz (e.g., 48000 for Discord Opus, 16000 for STT).
	SampleRate int

	// Channels is the number of interleaved channels.
	Channels int

	// Timestamp marks the frame position relative to stream start.
	Timestamp time.Duration
}

// Duration returns the playback length of the frame.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	samples := len(f.Data) / 2 / f.Channels
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}
