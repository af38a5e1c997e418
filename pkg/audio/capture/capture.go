// Package capture turns an [audio.Source] into fixed-duration PCM chunks
// ready for a transcription connection, plus a polled input level for
// metering.
//
// A [Handle] ends exactly once, either because the caller stopped it or
// because the source ended on its own. Any partial trailing chunk is delivered
// first, then the terminal event is published and every channel is closed.
// After Stop, pending sends are abandoned and the trailing chunk is delivered
// only if the consumer takes it promptly.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/MrWong99/babelcast/pkg/audio"
)

var (
	// ErrNoAudioTrack is returned by Start when the acquired stream carries
	// no audio. It is the same value as [audio.ErrNoAudioTrack].
	ErrNoAudioTrack = audio.ErrNoAudioTrack

	// ErrPermissionDenied is the same value as [audio.ErrPermissionDenied].
	ErrPermissionDenied = audio.ErrPermissionDenied

	// ErrUserCancelled is the same value as [audio.ErrUserCancelled].
	ErrUserCancelled = audio.ErrUserCancelled
)

const (
	DefaultChunkDuration = 1000 * time.Millisecond
	DefaultLevelInterval = 100 * time.Millisecond

	// stopFlushTimeout bounds delivery of the trailing partial chunk after
	// Stop.
	stopFlushTimeout = 250 * time.Millisecond
)

// Option configures a [Manager].
type Option func(*Manager)

// WithChunkDuration sets the length of each emitted chunk. Values <= 0 are
// ignored.
func WithChunkDuration(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.chunkDuration = d
		}
	}
}

// WithLevelInterval sets the level polling cadence. Values <= 0 are ignored.
func WithLevelInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.levelInterval = d
		}
	}
}

// Manager starts captures from one source.
type Manager struct {
	source        audio.Source
	chunkDuration time.Duration
	levelInterval time.Duration
}

// NewManager returns a Manager for source.
func NewManager(source audio.Source, opts ...Option) *Manager {
	m := &Manager{
		source:        source,
		chunkDuration: DefaultChunkDuration,
		levelInterval: DefaultLevelInterval,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Start acquires a stream and begins chunking. wantsVideoTrack is forwarded to
// the source for platforms whose selection dialog requires it; the video track
// is released immediately and never read. ctx bounds the acquisition only.
func (m *Manager) Start(ctx context.Context, wantsVideoTrack bool) (*Handle, error) {
	stream, err := m.source.Open(ctx, audio.OpenOptions{WantVideo: wantsVideoTrack})
	if err != nil {
		return nil, fmt.Errorf("capture: start: %w", err)
	}

	tracks := stream.Tracks()
	if !audio.HasTrack(tracks, audio.TrackAudio) {
		_ = stream.Close()
		return nil, fmt.Errorf("capture: start: %w", ErrNoAudioTrack)
	}
	if audio.HasTrack(tracks, audio.TrackVideo) {
		stream.StopTrack(audio.TrackVideo)
	}

	chunkBytes := int(m.chunkDuration.Seconds() * float64(audio.RecognizerFormat.BytesPerSecond()))
	chunkBytes -= chunkBytes % 2

	h := &Handle{
		stream:     stream,
		chunkBytes: chunkBytes,
		interval:   m.levelInterval,
		chunks:     make(chan Chunk, 8),
		levels:     make(chan float64, 1),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go h.run()
	return h, nil
}

// Chunk is a block of 16 kHz mono s16le PCM.
type Chunk struct {
	// Seq numbers chunks from 0.
	Seq int
	// Start is the chunk's position in the captured timeline.
	Start time.Duration
	Data  []byte
}

// Duration returns the chunk's playback length.
func (c Chunk) Duration() time.Duration {
	return time.Duration(len(c.Data)) * time.Second / time.Duration(audio.RecognizerFormat.BytesPerSecond())
}

// TerminalKind distinguishes how a capture ended.
type TerminalKind int

const (
	// Ended: the caller stopped the capture or the source finished cleanly.
	Ended TerminalKind = iota
	// Failed: the source ended with an error.
	Failed
)

func (k TerminalKind) String() string {
	if k == Failed {
		return "error"
	}
	return "ended"
}

// Terminal is the single terminal event of a capture.
type Terminal struct {
	Kind TerminalKind
	// Err is the source's reason when Kind is Failed.
	Err error
}

// Handle is a running capture.
//
// Callers must drain Chunks until it is closed or call Stop. Levels may be
// ignored.
type Handle struct {
	stream     audio.Stream
	chunkBytes int
	interval   time.Duration

	chunks chan Chunk
	levels chan float64

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	mu       sync.Mutex
	terminal Terminal
}

// Chunks yields fixed-duration chunks; the last one may be shorter. Closed
// after the terminal event.
func (h *Handle) Chunks() <-chan Chunk { return h.chunks }

// Levels yields the normalised RMS input level in [0, 1] once per polling
// interval. A slow reader sees the most recent value only.
func (h *Handle) Levels() <-chan float64 { return h.levels }

// Done is closed once the terminal event has been published.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Terminal returns the terminal event. Only meaningful after Done is closed.
func (h *Handle) Terminal() Terminal {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.terminal
}

// Stop ends the capture. It does not wait; use Done. Idempotent.
func (h *Handle) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
}

func (h *Handle) run() {
	defer close(h.done)
	defer close(h.levels)
	defer close(h.chunks)

	conv := audio.FormatConverter{Target: audio.RecognizerFormat}
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	var (
		buf      []byte
		seq      int
		emitted  time.Duration
		sumSq    float64
		nSamples int
		frames   = h.stream.Frames()
	)

	next := func(data []byte) Chunk {
		c := Chunk{Seq: seq, Start: emitted, Data: data}
		seq++
		emitted += c.Duration()
		return c
	}
	// emit delivers a chunk unless the capture is stopped first.
	emit := func(data []byte) bool {
		select {
		case h.chunks <- next(data):
			return true
		case <-h.stop:
			return false
		}
	}

	finish := func(t Terminal, afterStop bool) {
		if len(buf) > 0 {
			if afterStop {
				// Best effort: a consumer that is no longer reading must not
				// keep the capture alive.
				timer := time.NewTimer(stopFlushTimeout)
				select {
				case h.chunks <- next(buf):
				case <-timer.C:
					slog.Debug("capture: trailing chunk dropped after stop")
				}
				timer.Stop()
			} else {
				emit(buf)
			}
			buf = nil
		}
		h.mu.Lock()
		h.terminal = t
		h.mu.Unlock()
		if t.Kind == Failed {
			slog.Warn("capture ended with error", "err", t.Err)
		} else {
			slog.Debug("capture ended", "chunks", seq)
		}
	}
	stopped := func() {
		_ = h.stream.Close()
		finish(Terminal{Kind: Ended}, true)
	}

	for {
		select {
		case <-h.stop:
			stopped()
			return

		case frame, ok := <-frames:
			if !ok {
				// The source ended on its own. A Stop during the final
				// flush still cancels it.
				err := h.stream.Err()
				_ = h.stream.Close()
				if err != nil {
					finish(Terminal{Kind: Failed, Err: err}, false)
				} else {
					finish(Terminal{Kind: Ended}, false)
				}
				return
			}
			converted := conv.Convert(frame)
			if len(converted.Data) == 0 {
				continue
			}
			for i := 0; i+1 < len(converted.Data); i += 2 {
				s := float64(int16(converted.Data[i]) | int16(converted.Data[i+1])<<8)
				sumSq += s * s
			}
			nSamples += len(converted.Data) / 2

			buf = append(buf, converted.Data...)
			for len(buf) >= h.chunkBytes {
				data := make([]byte, h.chunkBytes)
				copy(data, buf)
				buf = append(buf[:0], buf[h.chunkBytes:]...)
				if !emit(data) {
					// Stopped while the consumer was not reading.
					stopped()
					return
				}
			}

		case <-ticker.C:
			var level float64
			if nSamples > 0 {
				level = math.Min(math.Sqrt(sumSq/float64(nSamples))/32768, 1)
			}
			sumSq, nSamples = 0, 0
			select {
			case h.levels <- level:
			default:
				// Replace the stale value.
				select {
				case <-h.levels:
				default:
				}
				select {
				case h.levels <- level:
				default:
				}
			}
		}
	}
}

// IsSourceRefusal reports whether err is one of the acquisition errors a user
// can fix by retrying (permission or cancelled selection).
func IsSourceRefusal(err error) bool {
	return errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrUserCancelled)
}
