// Package wav provides an [audio.Source] that plays a RIFF/WAVE file of
// 16-bit PCM. It backs offline transcription of recorded content and the
// end-to-end tests of the capture pipeline.
//
// A file whose RIFF container lacks a data chunk yields a stream with no audio
// track, which the capture manager reports as [audio.ErrNoAudioTrack].
package wav

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/MrWong99/babelcast/pkg/audio"
)

var _ audio.Source = (*Source)(nil)

// ErrUnsupportedFormat is returned for WAVE files that are not 16-bit PCM.
var ErrUnsupportedFormat = errors.New("wav: unsupported format")

const (
	formatPCM        = 1
	formatExtensible = 0xFFFE

	frameDuration = 20 * time.Millisecond
	frameBuffer   = 16
)

// Header is the parsed fmt chunk of a WAVE file.
type Header struct {
	SampleRate int
	Channels   int
	// DataSize is the declared length of the data chunk in bytes. Zero when
	// the file has no data chunk.
	DataSize int64
	hasData  bool
}

// Option configures a [Source].
type Option func(*Source)

// WithRealtime paces frames at playback speed, as a live source would.
func WithRealtime(enabled bool) Option {
	return func(s *Source) { s.realtime = enabled }
}

// Source opens a WAVE file per Open.
type Source struct {
	open     func() (io.ReadCloser, error)
	realtime bool
}

// New returns a Source reading the file at path.
func New(path string, opts ...Option) *Source {
	return NewFromOpener(func() (io.ReadCloser, error) { return os.Open(path) }, opts...)
}

// NewFromOpener returns a Source reading whatever open yields on each Open.
func NewFromOpener(open func() (io.ReadCloser, error), opts ...Option) *Source {
	s := &Source{open: open}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Open parses the header and starts streaming. An unreadable file due to
// file-system permissions wraps [audio.ErrPermissionDenied].
func (s *Source) Open(ctx context.Context, _ audio.OpenOptions) (audio.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("wav: open: %w", err)
	}
	rc, err := s.open()
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			return nil, fmt.Errorf("wav: open: %w: %w", audio.ErrPermissionDenied, err)
		}
		return nil, fmt.Errorf("wav: open: %w", err)
	}
	br := bufio.NewReader(rc)
	hdr, err := ReadHeader(br)
	if err != nil {
		_ = rc.Close()
		return nil, err
	}

	st := &stream{
		rc:     rc,
		r:      br,
		hdr:    hdr,
		pace:   s.realtime,
		frames: make(chan audio.AudioFrame, frameBuffer),
		done:   make(chan struct{}),
	}
	if !hdr.hasData {
		close(st.frames)
		return st, nil
	}
	st.tracks = []audio.TrackKind{audio.TrackAudio}
	go st.run()
	return st, nil
}

// ReadHeader walks RIFF chunks up to the start of the data chunk and leaves r
// positioned at the first sample.
func ReadHeader(r io.Reader) (Header, error) {
	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return Header{}, fmt.Errorf("wav: read RIFF header: %w", err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return Header{}, errors.New("wav: not a RIFF/WAVE file")
	}

	var (
		hdr      Header
		foundFmt bool
	)
	for {
		var chunk [8]byte
		if _, err := io.ReadFull(r, chunk[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				// No data chunk: a valid container without audio.
				return hdr, nil
			}
			return Header{}, fmt.Errorf("wav: read chunk header: %w", err)
		}
		id := string(chunk[0:4])
		size := int64(binary.LittleEndian.Uint32(chunk[4:8]))

		switch id {
		case "fmt ":
			if size < 16 {
				return Header{}, fmt.Errorf("wav: fmt chunk too short (%d bytes)", size)
			}
			buf := make([]byte, size)
			if _, err := io.ReadFull(r, buf); err != nil {
				return Header{}, fmt.Errorf("wav: read fmt chunk: %w", err)
			}
			format := binary.LittleEndian.Uint16(buf[0:2])
			bits := binary.LittleEndian.Uint16(buf[14:16])
			if (format != formatPCM && format != formatExtensible) || bits != 16 {
				return Header{}, fmt.Errorf("%w: format tag %#x, %d bits", ErrUnsupportedFormat, format, bits)
			}
			hdr.Channels = int(binary.LittleEndian.Uint16(buf[2:4]))
			hdr.SampleRate = int(binary.LittleEndian.Uint32(buf[4:8]))
			if hdr.Channels <= 0 || hdr.SampleRate <= 0 {
				return Header{}, fmt.Errorf("%w: %d channels at %d Hz", ErrUnsupportedFormat, hdr.Channels, hdr.SampleRate)
			}
			foundFmt = true
			if size%2 != 0 {
				if _, err := io.CopyN(io.Discard, r, 1); err != nil {
					return Header{}, fmt.Errorf("wav: skip pad: %w", err)
				}
			}
		case "data":
			if !foundFmt {
				return Header{}, errors.New("wav: data chunk before fmt chunk")
			}
			hdr.DataSize = size
			hdr.hasData = true
			return hdr, nil
		default:
			// Chunks are word-aligned.
			if _, err := io.CopyN(io.Discard, r, size+size%2); err != nil {
				return Header{}, fmt.Errorf("wav: skip %q chunk: %w", id, err)
			}
		}
	}
}

type stream struct {
	rc     io.ReadCloser
	r      io.Reader
	hdr    Header
	pace   bool
	tracks []audio.TrackKind

	frames chan audio.AudioFrame
	done   chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	err       error
}

func (s *stream) Tracks() []audio.TrackKind { return s.tracks }

func (s *stream) Frames() <-chan audio.AudioFrame { return s.frames }

func (s *stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *stream) StopTrack(kind audio.TrackKind) {
	if kind == audio.TrackAudio {
		_ = s.Close()
	}
}

func (s *stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.rc.Close()
	})
	return err
}

func (s *stream) run() {
	defer close(s.frames)

	frameBytes := s.hdr.SampleRate * s.hdr.Channels * 2 * int(frameDuration/time.Millisecond) / 1000
	remaining := s.hdr.DataSize
	var (
		ts    time.Duration
		start = time.Now()
	)
	for remaining > 0 {
		n := int64(frameBytes)
		if n > remaining {
			n = remaining
		}
		buf := make([]byte, n)
		read, err := io.ReadFull(s.r, buf)
		if read > 0 {
			frame := audio.AudioFrame{
				Data:       buf[:read-read%(2*s.hdr.Channels)],
				SampleRate: s.hdr.SampleRate,
				Channels:   s.hdr.Channels,
				Timestamp:  ts,
			}
			ts += frame.Duration()
			if s.pace {
				if wait := time.Until(start.Add(ts - frame.Duration())); wait > 0 {
					select {
					case <-time.After(wait):
					case <-s.done:
						return
					}
				}
			}
			select {
			case s.frames <- frame:
			case <-s.done:
				return
			}
		}
		if err != nil {
			select {
			case <-s.done:
				// Closed by the consumer.
			default:
				if !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
					s.mu.Lock()
					s.err = fmt.Errorf("wav: read samples: %w", err)
					s.mu.Unlock()
				}
			}
			return
		}
		remaining -= int64(read)
	}
}
