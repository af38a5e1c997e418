package discord

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/babelcast/pkg/audio"
)

var _ audio.Stream = (*stream)(nil)

const frameBuffer = 64

// errVoiceClosed reports that Discord closed the voice connection under us.
var errVoiceClosed = errors.New("discord: voice connection closed")

type stream struct {
	link *voiceLink
	gap  time.Duration
	now  func() time.Time

	frames chan audio.AudioFrame
	done   chan struct{}

	closeOnce sync.Once
	closeErr  error

	mu  sync.Mutex
	err error
}

func newStream(link *voiceLink, gap time.Duration) *stream {
	s := &stream{
		link:   link,
		gap:    gap,
		now:    time.Now,
		frames: make(chan audio.AudioFrame, frameBuffer),
		done:   make(chan struct{}),
	}
	go s.recvLoop()
	return s
}

func (s *stream) Tracks() []audio.TrackKind { return []audio.TrackKind{audio.TrackAudio} }

func (s *stream) Frames() <-chan audio.AudioFrame { return s.frames }

func (s *stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// StopTrack ends the stream when the audio track is stopped. There is no
// other track to stop.
func (s *stream) StopTrack(kind audio.TrackKind) {
	if kind == audio.TrackAudio {
		_ = s.Close()
	}
}

// Close leaves the voice channel. Safe to call more than once.
func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.link.disconnect != nil {
			s.closeErr = s.link.disconnect()
		}
	})
	return s.closeErr
}

// recvLoop decodes packets of the followed SSRC. Packets of other speakers
// are dropped until the followed one has been silent for the hand-over gap.
func (s *stream) recvLoop() {
	defer close(s.frames)

	var (
		followed  uint32
		following bool
		lastHeard time.Time
		dec       *opusDecoder
		elapsed   time.Duration
	)

	for {
		select {
		case <-s.done:
			return
		case pkt, ok := <-s.link.packets:
			if !ok {
				select {
				case <-s.done:
				default:
					s.mu.Lock()
					s.err = errVoiceClosed
					s.mu.Unlock()
				}
				return
			}
			if pkt == nil {
				continue
			}

			now := s.now()
			if following && pkt.SSRC != followed && now.Sub(lastHeard) < s.gap {
				continue
			}
			if !following || pkt.SSRC != followed {
				d, err := newOpusDecoder()
				if err != nil {
					slog.Error("discord: failed to create opus decoder", "ssrc", pkt.SSRC, "error", err)
					continue
				}
				if following {
					slog.Debug("discord: following new speaker", "from", followed, "to", pkt.SSRC)
				}
				dec, followed, following = d, pkt.SSRC, true
			}
			lastHeard = now

			pcm, err := dec.decode(pkt.Opus)
			if err != nil {
				slog.Warn("discord: opus decode error", "ssrc", pkt.SSRC, "error", err)
				continue
			}
			frame := audio.AudioFrame{
				Data:       pcm,
				SampleRate: opusSampleRate,
				Channels:   opusChannels,
				Timestamp:  elapsed,
			}
			elapsed += frame.Duration()
			select {
			case s.frames <- frame:
			case <-s.done:
				return
			}
		}
	}
}
