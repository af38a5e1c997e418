package events

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/babelcast/internal/observe"
	"github.com/MrWong99/babelcast/pkg/subtitle"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestLogOnlyMode(t *testing.T) {
	t.Parallel()

	for _, cfg := range []Config{{}, {Enabled: true}, {Brokers: []string{"localhost:9092"}}} {
		p := New(cfg, WithMetrics(testMetrics(t)))
		if p.Enabled() {
			t.Errorf("%+v: Enabled = true", cfg)
		}
		if err := p.UtteranceFinalized(context.Background(), UtteranceFinalized{ContentID: "c"}); err != nil {
			t.Errorf("publish in log-only mode: %v", err)
		}
		if err := p.Check(context.Background()); err != nil {
			t.Errorf("Check in log-only mode: %v", err)
		}
		if err := p.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	}
}

func TestPublish_KeyedByContent(t *testing.T) {
	t.Parallel()

	utt, warmed := &fakeWriter{}, &fakeWriter{}
	p := &Publisher{
		cfg:        Config{UtteranceTopic: "utts", WarmedTopic: "warm"},
		utterances: utt,
		warmed:     warmed,
		metrics:    testMetrics(t),
	}
	ctx := context.Background()

	err := p.UtteranceFinalized(ctx, UtteranceFinalized{
		ContentID:        "vid-1",
		OriginalLanguage: "en",
		Utterance:        subtitle.Utterance{ID: "u1", Text: "hi", EndMs: 400},
		TargetLanguage:   "ko",
		Translation:      "안녕",
	})
	if err != nil {
		t.Fatalf("UtteranceFinalized: %v", err)
	}
	if err := p.TranslationsWarmed(ctx, TranslationsWarmed{ContentID: "vid-1", Languages: []string{"zh"}}); err != nil {
		t.Fatalf("TranslationsWarmed: %v", err)
	}

	if len(utt.msgs) != 1 || len(warmed.msgs) != 1 {
		t.Fatalf("messages = %d/%d, want 1/1", len(utt.msgs), len(warmed.msgs))
	}
	msg := utt.msgs[0]
	if string(msg.Key) != "vid-1" {
		t.Errorf("key = %q", msg.Key)
	}
	if len(msg.Headers) != 1 || string(msg.Headers[0].Value) != TypeUtteranceFinalized {
		t.Errorf("headers = %+v", msg.Headers)
	}
	var got UtteranceFinalized
	if err := json.Unmarshal(msg.Value, &got); err != nil {
		t.Fatal(err)
	}
	if got.Utterance.ID != "u1" || got.Translation != "안녕" || got.At.IsZero() {
		t.Errorf("payload = %+v", got)
	}

	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
	if !utt.closed || !warmed.closed {
		t.Error("writers not closed")
	}
}

func TestPublish_WriteError(t *testing.T) {
	t.Parallel()

	boom := errors.New("leader not available")
	p := &Publisher{utterances: &fakeWriter{err: boom}, warmed: &fakeWriter{}, metrics: testMetrics(t)}
	err := p.UtteranceFinalized(context.Background(), UtteranceFinalized{ContentID: "c"})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
}

func TestCheck(t *testing.T) {
	t.Parallel()

	refused := errors.New("connection refused")
	p := &Publisher{
		cfg:        Config{Brokers: []string{"a:9092", "b:9092"}},
		utterances: &fakeWriter{},
		dial: func(_ context.Context, _, addr string) (net.Conn, error) {
			if addr == "b:9092" {
				c1, c2 := net.Pipe()
				_ = c2.Close()
				return c1, nil
			}
			return nil, refused
		},
	}
	if err := p.Check(context.Background()); err != nil {
		t.Errorf("Check with one reachable broker: %v", err)
	}

	p.cfg.Brokers = []string{"a:9092"}
	if err := p.Check(context.Background()); !errors.Is(err, refused) {
		t.Errorf("Check = %v, want %v", err, refused)
	}
}

func TestNew_KafkaEnabled(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	p := New(Config{
		Enabled:        true,
		Brokers:        []string{addr},
		UtteranceTopic: "utts",
		WarmedTopic:    "warm",
	}, WithMetrics(testMetrics(t)))
	t.Cleanup(func() { _ = p.Close() })

	if !p.Enabled() {
		t.Fatal("Enabled = false with brokers configured")
	}
	if p.dial == nil {
		t.Fatal("no readiness dialer")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Check(ctx); err == nil {
		t.Error("Check succeeded against a closed port")
	}
}
