// Package googlestt provides an STT provider backed by Google Cloud
// Speech-to-Text streaming recognition (gRPC, v1 API).
//
// Credentials follow the usual Google client rules: Application Default
// Credentials unless client options say otherwise. One gRPC client is shared
// by all sessions; each session is one StreamingRecognize call.
package googlestt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/MrWong99/babelcast/pkg/provider/stt"
)

const (
	defaultLanguage   = "en-US"
	defaultSampleRate = 16000
	maxSpeakers       = 6
	closeTimeout      = 5 * time.Second
)

var _ stt.Provider = (*Provider)(nil)

// recognizeStream is the subset of speechpb.Speech_StreamingRecognizeClient
// used by a session.
type recognizeStream interface {
	Send(*speechpb.StreamingRecognizeRequest) error
	Recv() (*speechpb.StreamingRecognizeResponse, error)
	CloseSend() error
}

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithModel selects the recognition model (e.g., "latest_long", "video").
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the default language used when a stream has no hint.
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// Provider implements stt.Provider using cloud.google.com/go/speech.
type Provider struct {
	client   io.Closer
	open     func(ctx context.Context) (recognizeStream, error)
	model    string
	language string
}

// New creates a Provider. clientOpts are passed to speech.NewClient
// (credentials file, endpoint, ...).
func New(ctx context.Context, clientOpts []option.ClientOption, opts ...Option) (*Provider, error) {
	c, err := speech.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("googlestt: create client: %w", err)
	}
	p := newWithOpener(func(ctx context.Context) (recognizeStream, error) {
		return c.StreamingRecognize(ctx)
	}, opts...)
	p.client = c
	return p, nil
}

func newWithOpener(open func(ctx context.Context) (recognizeStream, error), opts ...Option) *Provider {
	p := &Provider{open: open, language: defaultLanguage}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Close releases the shared gRPC client.
func (p *Provider) Close() error {
	if p.client == nil {
		return nil
	}
	return p.client.Close()
}

// StartStream opens a StreamingRecognize call and sends the recognition
// config. ctx bounds only the setup.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("googlestt: %w: %w", stt.ErrConnectFailure, err)
	}

	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stream, err := p.open(sctx)
	if err != nil {
		cancel()
		return nil, classify("open stream", err)
	}
	if err := stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: p.streamingConfig(cfg),
		},
	}); err != nil {
		cancel()
		return nil, classify("send config", err)
	}

	s := &session{
		stream:  stream,
		cancel:  cancel,
		results: make(chan stt.Transcript, 64),
		audio:   make(chan []byte, 256),
		closing: make(chan struct{}),
		readEnd: make(chan struct{}),
	}
	s.wg.Add(2)
	go s.readLoop(sctx)
	go s.writeLoop()
	return s, nil
}

func (p *Provider) streamingConfig(cfg stt.StreamConfig) *speechpb.StreamingRecognitionConfig {
	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	sr := cfg.SampleRate
	if sr == 0 {
		sr = defaultSampleRate
	}
	channels := cfg.Channels
	if channels == 0 {
		channels = 1
	}

	rc := &speechpb.RecognitionConfig{
		Encoding:                   speechpb.RecognitionConfig_LINEAR16,
		SampleRateHertz:            int32(sr),
		AudioChannelCount:          int32(channels),
		LanguageCode:               lang,
		Model:                      p.model,
		EnableAutomaticPunctuation: true,
		EnableWordTimeOffsets:      true,
	}
	if cfg.Diarize {
		rc.DiarizationConfig = &speechpb.SpeakerDiarizationConfig{
			EnableSpeakerDiarization: true,
			MinSpeakerCount:          1,
			MaxSpeakerCount:          maxSpeakers,
		}
	}
	if len(cfg.Keywords) > 0 {
		// One context per boost value; Google applies a single boost per context.
		byBoost := map[float64][]string{}
		var order []float64
		for _, kw := range cfg.Keywords {
			if _, ok := byBoost[kw.Boost]; !ok {
				order = append(order, kw.Boost)
			}
			byBoost[kw.Boost] = append(byBoost[kw.Boost], kw.Keyword)
		}
		for _, b := range order {
			rc.SpeechContexts = append(rc.SpeechContexts, &speechpb.SpeechContext{
				Phrases: byBoost[b],
				Boost:   float32(b),
			})
		}
	}

	return &speechpb.StreamingRecognitionConfig{
		Config:         rc,
		InterimResults: true,
	}
}

// classify maps a gRPC error to the stt sentinel errors.
func classify(op string, err error) error {
	switch status.Code(err) {
	case codes.Unauthenticated, codes.PermissionDenied:
		return fmt.Errorf("googlestt: %s: %w: %w", op, stt.ErrAuthFailure, err)
	default:
		return fmt.Errorf("googlestt: %s: %w: %w", op, stt.ErrConnectFailure, err)
	}
}

// ---- session ----

type session struct {
	stream  recognizeStream
	cancel  context.CancelFunc
	results chan stt.Transcript
	audio   chan []byte

	closing   chan struct{}
	readEnd   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	mu  sync.Mutex
	err error
}

func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.closing:
		return stt.ErrSessionClosed
	case <-s.readEnd:
		return stt.ErrSessionClosed
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.closing:
		return stt.ErrSessionClosed
	case <-s.readEnd:
		return stt.ErrSessionClosed
	}
}

func (s *session) Results() <-chan stt.Transcript { return s.results }

func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close half-closes the stream so Google returns its remaining results, then
// waits (bounded) for the server to end the call.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		close(s.closing)
		select {
		case <-s.readEnd:
		case <-time.After(closeTimeout):
		}
		s.cancel()
		s.wg.Wait()
	})
	return nil
}

// writeLoop owns every Send and the final CloseSend; gRPC forbids concurrent
// senders on one stream.
func (s *session) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.closing:
			_ = s.stream.CloseSend()
			return
		case <-s.readEnd:
			return
		case chunk := <-s.audio:
			err := s.stream.Send(&speechpb.StreamingRecognizeRequest{
				StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{AudioContent: chunk},
			})
			if err != nil {
				// The read side reports the cause.
				return
			}
		}
	}
}

func (s *session) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.results)
	defer close(s.readEnd)

	var lastEnd time.Duration
	for {
		resp, err := s.stream.Recv()
		if err == nil && resp.GetError() != nil && resp.GetError().GetCode() != 0 {
			err = status.ErrorProto(resp.GetError())
		}
		if err != nil {
			s.finish(err)
			return
		}

		for _, r := range resp.GetResults() {
			t, ok := toTranscript(r, lastEnd)
			if !ok {
				continue
			}
			if t.IsFinal {
				lastEnd = t.End
			}
			select {
			case s.results <- t:
			case <-ctx.Done():
				return
			}
		}
	}
}

// finish records why the stream ended. EOF after Close is the normal end.
func (s *session) finish(err error) {
	select {
	case <-s.closing:
		if errors.Is(err, io.EOF) || status.Code(err) == codes.Canceled {
			return
		}
	default:
	}
	s.mu.Lock()
	s.err = fmt.Errorf("googlestt: recv: %w: %w", stt.ErrStreamClosed, err)
	s.mu.Unlock()
}

// toTranscript converts one streaming result. prevEnd is the end offset of the
// previous final, used as start when the result carries no word timing.
func toTranscript(r *speechpb.StreamingRecognitionResult, prevEnd time.Duration) (stt.Transcript, bool) {
	alts := r.GetAlternatives()
	if len(alts) == 0 {
		return stt.Transcript{}, false
	}
	alt := alts[0]

	t := stt.Transcript{
		Text:       alt.GetTranscript(),
		IsFinal:    r.GetIsFinal(),
		Confidence: float64(alt.GetConfidence()),
		Start:      prevEnd,
		End:        r.GetResultEndTime().AsDuration(),
	}
	votes := map[int32]int{}
	for i, w := range alt.GetWords() {
		wd := stt.WordDetail{
			Word:       w.GetWord(),
			Start:      w.GetStartTime().AsDuration(),
			End:        w.GetEndTime().AsDuration(),
			Confidence: float64(w.GetConfidence()),
		}
		if tag := w.GetSpeakerTag(); tag > 0 {
			wd.Speaker = stt.SpeakerLabel(int(tag) - 1)
			votes[tag]++
		}
		if i == 0 {
			t.Start = wd.Start
		}
		t.Words = append(t.Words, wd)
	}
	var best int32
	for tag, n := range votes {
		if n > votes[best] || (n == votes[best] && tag < best) {
			best = tag
		}
	}
	if best > 0 {
		t.Speaker = stt.SpeakerLabel(int(best) - 1)
	}
	if t.End < t.Start {
		t.End = t.Start
	}
	return t, true
}
