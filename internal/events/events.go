// Package events publishes pipeline events to Kafka: one message per
// finalized utterance and one per warmed content. With Kafka disabled the
// publisher runs in log-only mode and every publish succeeds.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/MrWong99/babelcast/internal/observe"
	"github.com/MrWong99/babelcast/pkg/subtitle"
)

// Event types, also sent as the "event_type" header.
const (
	TypeUtteranceFinalized = "utterance.finalized"
	TypeTranslationsWarmed = "translations.warmed"
)

// UtteranceFinalized is published for every final utterance of a live
// session.
type UtteranceFinalized struct {
	ContentID        string             `json:"content_id"`
	OriginalLanguage string             `json:"original_language"`
	Utterance        subtitle.Utterance `json:"utterance"`

	// TargetLanguage and Translation are empty when the session does not
	// translate.
	TargetLanguage string    `json:"target_language,omitempty"`
	Translation    string    `json:"translation,omitempty"`
	At             time.Time `json:"at"`
}

// TranslationsWarmed is published when background work merged languages.
type TranslationsWarmed struct {
	ContentID string    `json:"content_id"`
	Languages []string  `json:"languages"`
	At        time.Time `json:"at"`
}

// Config configures the publisher.
type Config struct {
	Enabled        bool
	Brokers        []string
	UtteranceTopic string
	WarmedTopic    string
	WriteTimeout   time.Duration
}

type writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes events. It is safe for concurrent use.
type Publisher struct {
	cfg        Config
	utterances writer
	warmed     writer
	metrics    *observe.Metrics
	dial       func(ctx context.Context, network, addr string) (net.Conn, error)
}

// Option configures a [Publisher].
type Option func(*Publisher)

// WithMetrics overrides the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Publisher) { p.metrics = m }
}

// New returns a Publisher. A disabled config or one without brokers yields a
// log-only publisher.
func New(cfg Config, opts ...Option) *Publisher {
	p := &Publisher{cfg: cfg}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	if !cfg.Enabled || len(cfg.Brokers) == 0 {
		slog.Info("events: kafka disabled, using log-only mode")
		return p
	}
	if p.cfg.WriteTimeout <= 0 {
		p.cfg.WriteTimeout = 10 * time.Second
	}
	dialer := &kafka.Dialer{Timeout: 10 * time.Second, DualStack: true}
	p.dial = func(ctx context.Context, network, addr string) (net.Conn, error) {
		return dialer.DialContext(ctx, network, addr)
	}
	transport := &kafka.Transport{Dial: (&net.Dialer{Timeout: 10 * time.Second}).DialContext}
	newWriter := func(topic string) *kafka.Writer {
		return &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 10 * time.Millisecond,
			WriteTimeout: p.cfg.WriteTimeout,
			RequiredAcks: kafka.RequireOne,
			Transport:    transport,
		}
	}
	p.utterances = newWriter(cfg.UtteranceTopic)
	p.warmed = newWriter(cfg.WarmedTopic)
	slog.Info("events: kafka publisher initialised",
		"brokers", cfg.Brokers, "utterance_topic", cfg.UtteranceTopic, "warmed_topic", cfg.WarmedTopic)
	return p
}

// Enabled reports whether events reach Kafka.
func (p *Publisher) Enabled() bool { return p.utterances != nil }

// UtteranceFinalized publishes ev keyed by content id, so one content's
// utterances stay ordered within a partition.
func (p *Publisher) UtteranceFinalized(ctx context.Context, ev UtteranceFinalized) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	return p.publish(ctx, p.utterances, p.cfg.UtteranceTopic, TypeUtteranceFinalized, ev.ContentID, ev)
}

// TranslationsWarmed publishes ev keyed by content id.
func (p *Publisher) TranslationsWarmed(ctx context.Context, ev TranslationsWarmed) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	return p.publish(ctx, p.warmed, p.cfg.WarmedTopic, TypeTranslationsWarmed, ev.ContentID, ev)
}

func (p *Publisher) publish(ctx context.Context, w writer, topic, eventType, key string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("events: marshal %s: %w", eventType, err)
	}
	slog.Debug("events: publish", "type", eventType, "topic", topic, "key", key, "bytes", len(payload))
	if w == nil {
		return nil
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(eventType)},
		},
	}
	if err := w.WriteMessages(ctx, msg); err != nil {
		p.metrics.RecordProviderRequest(ctx, "kafka", "events", "error")
		p.metrics.RecordProviderError(ctx, "kafka", "events")
		return fmt.Errorf("events: write %s: %w", eventType, err)
	}
	p.metrics.RecordProviderRequest(ctx, "kafka", "events", "ok")
	return nil
}

// Check dials the first reachable broker. It is a no-op in log-only mode.
func (p *Publisher) Check(ctx context.Context) error {
	if !p.Enabled() || p.dial == nil {
		return nil
	}
	var errs []error
	for _, b := range p.cfg.Brokers {
		conn, err := p.dial(ctx, "tcp", b)
		if err == nil {
			return conn.Close()
		}
		errs = append(errs, err)
	}
	return fmt.Errorf("events: no broker reachable: %w", errors.Join(errs...))
}

// Close flushes and closes the writers.
func (p *Publisher) Close() error {
	var errs []error
	for _, w := range []writer{p.utterances, p.warmed} {
		if w == nil {
			continue
		}
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
