package audio

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// RecognizerFormat is what every transcription backend receives: 16 kHz mono
// s16le.
var RecognizerFormat = Format{SampleRate: 16000, Channels: 1}

// BytesPerSecond returns the PCM byte rate of f.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * 2
}

func (f Format) String() string {
	ch := "mono"
	switch {
	case f.Channels == 2:
		ch = "stereo"
	case f.Channels > 2:
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// FormatConverter converts frames to a mono or source-channel target format.
// It logs once on the first format mismatch and once on the first misaligned
// frame. Create one per stream; it is not meant for concurrent use.
type FormatConverter struct {
	Target         Format
	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

// Convert converts a frame to the target format. A frame already in the
// target format is returned unchanged. Multi-channel input is downmixed before
// resampling so the resampler only touches the target channel count.
// Misaligned frames are dropped (returned with nil Data).
func (c *FormatConverter) Convert(frame AudioFrame) AudioFrame {
	channels := max(frame.Channels, 1)
	if len(frame.Data)%(2*channels) != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audio: misaligned PCM frame, dropping",
				"bytes", len(frame.Data),
				"format", Format{frame.SampleRate, channels}.String(),
			)
		})
		return AudioFrame{SampleRate: c.Target.SampleRate, Channels: c.Target.Channels, Timestamp: frame.Timestamp}
	}

	if frame.SampleRate == c.Target.SampleRate && channels == c.Target.Channels {
		return frame
	}

	c.warnedMismatch.Do(func() {
		slog.Debug("audio: converting frames",
			"from", Format{frame.SampleRate, channels}.String(),
			"to", c.Target.String(),
		)
	})

	pcm := frame.Data
	outChannels := channels
	if c.Target.Channels == 1 && channels > 1 {
		pcm = Downmix(pcm, channels)
		outChannels = 1
	}
	if frame.SampleRate != c.Target.SampleRate {
		pcm = Resample16(pcm, outChannels, frame.SampleRate, c.Target.SampleRate)
	}

	return AudioFrame{
		Data:       pcm,
		SampleRate: c.Target.SampleRate,
		Channels:   outChannels,
		Timestamp:  frame.Timestamp,
	}
}

// Downmix averages interleaved multi-channel int16 PCM into mono. Partial
// trailing frames are ignored.
func Downmix(pcm []byte, channels int) []byte {
	if channels <= 1 {
		return pcm
	}
	frameBytes := 2 * channels
	frames := len(pcm) / frameBytes
	out := make([]byte, frames*2)
	for i := range frames {
		var sum int32
		for ch := range channels {
			off := i*frameBytes + ch*2
			sum += int32(int16(pcm[off]) | int16(pcm[off+1])<<8)
		}
		avg := sum / int32(channels)
		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}

// Resample16 resamples interleaved int16 PCM with the given channel count from
// srcRate to dstRate using linear interpolation. Invalid rates or equal rates
// return the input unchanged.
func Resample16(pcm []byte, channels, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate {
		return pcm
	}
	channels = max(channels, 1)
	frameBytes := 2 * channels
	srcFrames := len(pcm) / frameBytes
	if srcFrames == 0 {
		return pcm
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]byte, dstFrames*frameBytes)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstFrames {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		next := min(idx+1, srcFrames-1)
		for ch := range channels {
			s0 := sampleAt(pcm, idx*frameBytes+ch*2)
			s1 := sampleAt(pcm, next*frameBytes+ch*2)
			v := int16(float64(s0)*(1-frac) + float64(s1)*frac)
			off := i*frameBytes + ch*2
			out[off] = byte(v)
			out[off+1] = byte(v >> 8)
		}
	}
	return out
}

// Level returns the RMS level of mono or interleaved int16 PCM normalised to
// [0, 1], where 1 is a full-scale square wave.
func Level(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		s := float64(sampleAt(pcm, i*2))
		sum += s * s
	}
	return math.Min(math.Sqrt(sum/float64(n))/32768, 1)
}

func sampleAt(pcm []byte, off int) int16 {
	return int16(pcm[off]) | int16(pcm[off+1])<<8
}
