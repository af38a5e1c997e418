// Package transcribe turns a streaming [stt.Provider] session into an ordered
// sequence of final [subtitle.Utterance] values plus a single, continuously
// overwritten interim text for display.
//
// A [Client] is a shared, stateless factory. Each [Client.Connect] yields a
// [Conn] that walks the connection state machine
//
//	Disconnected -> Connecting -> Open -> Closing -> Disconnected
//
// with an error edge back to Disconnected from any state. Connect never
// retries; retry policy belongs to the caller.
package transcribe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/babelcast/internal/observe"
	"github.com/MrWong99/babelcast/pkg/provider/stt"
	"github.com/MrWong99/babelcast/pkg/subtitle"
)

var (
	// ErrAuthFailure is returned by Connect when the backend rejects the
	// credentials. It is the same value as [stt.ErrAuthFailure].
	ErrAuthFailure = stt.ErrAuthFailure

	// ErrConnectFailure is returned by Connect when the backend cannot be
	// reached or the connect timeout expires. It is the same value as
	// [stt.ErrConnectFailure].
	ErrConnectFailure = stt.ErrConnectFailure

	// ErrStreamClosedUnexpectedly is reported by [Conn.Err] when the backend
	// ended the stream without Close being called.
	ErrStreamClosedUnexpectedly = errors.New("transcribe: stream closed unexpectedly")
)

const (
	// DefaultConnectTimeout bounds a connection attempt.
	DefaultConnectTimeout = 10 * time.Second

	sampleRate = 16000
	channels   = 1
)

// State is the connection lifecycle state.
type State int

const (
	Disconnected State = iota
	Connecting
	Open
	Closing
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Corrector rewrites the text of final utterances, e.g. to fix the spelling
// of glossary terms. Implementations must be safe for concurrent use.
type Corrector interface {
	Apply(text string) string
}

// Option configures a [Client].
type Option func(*Client)

// WithConnectTimeout bounds each connection attempt. Values <= 0 are ignored.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.connectTimeout = d
		}
	}
}

// WithName labels metrics for this client's backend. Default: "stt".
func WithName(name string) Option {
	return func(c *Client) { c.name = name }
}

// WithDiarization asks the backend to label speakers.
func WithDiarization(enabled bool) Option {
	return func(c *Client) { c.diarize = enabled }
}

// WithKeywords passes vocabulary boosts to backends that support them.
func WithKeywords(kw []stt.KeywordBoost) Option {
	return func(c *Client) { c.keywords = kw }
}

// WithCorrector applies corr to the text of every final utterance.
func WithCorrector(corr Corrector) Option {
	return func(c *Client) { c.corrector = corr }
}

// WithMetrics overrides the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// Client opens transcription connections against one backend.
// It is safe for concurrent use.
type Client struct {
	provider       stt.Provider
	name           string
	connectTimeout time.Duration
	diarize        bool
	keywords       []stt.KeywordBoost
	corrector      Corrector
	metrics        *observe.Metrics
}

// New returns a Client for provider.
func New(provider stt.Provider, opts ...Option) *Client {
	c := &Client{
		provider:       provider,
		name:           "stt",
		connectTimeout: DefaultConnectTimeout,
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// ConnectTimeout returns the configured connect bound.
func (c *Client) ConnectTimeout() time.Duration { return c.connectTimeout }

// ConnOption configures a single connection.
type ConnOption func(*connConfig)

type connConfig struct {
	base time.Duration
}

// StartingAt shifts every offset of the connection by base. Used when a
// session reconnects part way through the content.
func StartingAt(base time.Duration) ConnOption {
	return func(cc *connConfig) { cc.base = base }
}

// Connect opens a streaming connection. languageHint may be empty. The attempt
// is bounded by the connect timeout; ctx cancellation and timeouts are reported
// as [ErrConnectFailure]. ctx does not bound the lifetime of the returned Conn.
func (c *Client) Connect(ctx context.Context, languageHint string, opts ...ConnOption) (*Conn, error) {
	var cc connConfig
	for _, o := range opts {
		o(&cc)
	}

	conn := &Conn{
		id:         uuid.NewString(),
		client:     c,
		state:      Connecting,
		utterances: make(chan subtitle.Utterance, 64),
		done:       make(chan struct{}),
		clamp:      offsetClamp{base: cc.base, lastStart: cc.base.Milliseconds(), lastEnd: cc.base.Milliseconds()},
	}

	ctx, span := observe.StartSpan(ctx, "transcribe.connect")
	defer span.End()

	cctx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()

	start := time.Now()
	handle, err := c.provider.StartStream(cctx, stt.StreamConfig{
		SampleRate: sampleRate,
		Channels:   channels,
		Language:   languageHint,
		Diarize:    c.diarize,
		Keywords:   c.keywords,
	})
	c.metrics.STTConnectDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("provider", c.name)))
	if err != nil {
		conn.setState(Disconnected)
		c.metrics.RecordProviderRequest(ctx, c.name, "stt", "error")
		c.metrics.RecordProviderError(ctx, c.name, "stt")
		observe.Fail(span, err)
		if errors.Is(err, ErrAuthFailure) || errors.Is(err, ErrConnectFailure) {
			return nil, fmt.Errorf("transcribe: connect: %w", err)
		}
		return nil, fmt.Errorf("transcribe: connect: %w: %w", ErrConnectFailure, err)
	}
	c.metrics.RecordProviderRequest(ctx, c.name, "stt", "ok")

	conn.handle = handle
	conn.setState(Open)
	go conn.receive()

	slog.Debug("transcription connection open", "conn_id", conn.id, "provider", c.name, "language", languageHint)
	return conn, nil
}

// Conn is one open transcription connection.
//
// Callers must drain [Conn.Utterances] until it is closed.
type Conn struct {
	id     string
	client *Client
	handle stt.SessionHandle

	utterances chan subtitle.Utterance
	done       chan struct{} // closed when the receive loop exits
	closeOnce  sync.Once

	// Owned by the receive goroutine.
	slot  slot
	clamp offsetClamp

	mu      sync.Mutex
	state   State
	interim string
	err     error
}

// ID returns the connection identifier used in logs.
func (c *Conn) ID() string { return c.id }

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Send forwards a PCM chunk (16 kHz mono s16le). Once Close has begun or the
// connection is gone, Send silently discards the chunk.
func (c *Conn) Send(chunk []byte) error {
	if c.State() != Open {
		return nil
	}
	if err := c.handle.SendAudio(chunk); err != nil {
		if errors.Is(err, stt.ErrSessionClosed) {
			return nil
		}
		return fmt.Errorf("transcribe: send: %w", err)
	}
	return nil
}

// Interim returns the latest provisional text, or "" when no utterance is in
// progress.
func (c *Conn) Interim() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interim
}

// Utterances yields final utterances in order. The channel is closed when the
// connection ends.
func (c *Conn) Utterances() <-chan subtitle.Utterance { return c.utterances }

// Done is closed once the connection has fully ended.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err reports why the connection ended: nil after Close, otherwise an error
// wrapping [ErrStreamClosedUnexpectedly].
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close stops sending, waits for the backend to deliver its remaining finals
// and close the stream, then releases resources. Idempotent.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		if c.state == Open {
			c.state = Closing
		}
		c.mu.Unlock()

		if cerr := c.handle.Close(); cerr != nil {
			err = fmt.Errorf("transcribe: close: %w", cerr)
		}
		<-c.done
		c.setState(Disconnected)
	})
	return err
}

func (c *Conn) receive() {
	defer close(c.done)
	defer close(c.utterances)

	ctx := context.Background()
	for t := range c.handle.Results() {
		ev, final := c.slot.observe(t)
		switch ev {
		case slotInterimUpdated:
			c.setInterim(final.Text)
		case slotInterimCleared:
			c.setInterim("")
		case slotFinalized:
			c.setInterim("")
			u := c.toUtterance(final)
			c.client.metrics.UtterancesFinalized.Add(ctx, 1,
				metric.WithAttributes(attribute.String("provider", c.client.name)))
			c.utterances <- u
		}
	}

	if c.slot.drop() {
		c.setInterim("")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Closing || c.state == Disconnected {
		return
	}
	// The backend went away on its own.
	if herr := c.handle.Err(); herr != nil {
		c.err = fmt.Errorf("transcribe: %w: %w", ErrStreamClosedUnexpectedly, herr)
	} else {
		c.err = fmt.Errorf("transcribe: %w", ErrStreamClosedUnexpectedly)
	}
	c.state = Disconnected
	slog.Warn("transcription stream closed unexpectedly", "conn_id", c.id, "provider", c.client.name, "err", c.err)
	go c.handle.Close()
}

func (c *Conn) setInterim(text string) {
	c.mu.Lock()
	c.interim = text
	c.mu.Unlock()
}

func (c *Conn) toUtterance(t stt.Transcript) subtitle.Utterance {
	text := t.Text
	if c.client.corrector != nil {
		text = c.client.corrector.Apply(text)
	}
	startMs, endMs := c.clamp.apply(t.Start, t.End)
	conf := t.Confidence
	if conf < 0 {
		conf = 0
	} else if conf > 1 {
		conf = 1
	}
	return subtitle.Utterance{
		ID:         uuid.NewString(),
		Speaker:    t.Speaker,
		Text:       text,
		StartMs:    startMs,
		EndMs:      endMs,
		Confidence: conf,
	}
}
