// Package translator turns a [translate.Provider] into the two translation
// modes the pipeline needs.
//
// [Translator.TranslateOne] serves live captions: it never fails and returns
// the source text whenever the backend is unavailable. [Translator.TranslateBatch]
// serves bulk work: it partitions input into bounded sub-batches, substitutes
// source text for any sub-batch that fails, and always returns a slice whose
// length equals the input length.
//
// Every backend call is bounded by a per-call timeout. A timeout counts as
// unavailability, exactly like any other backend error.
package translator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/babelcast/internal/observe"
	"github.com/MrWong99/babelcast/pkg/provider/translate"
)

// ErrTranslationUnavailable marks a backend call whose result was replaced by
// source text. It is reported in [BatchResult.Err] and counted in metrics but
// never returned from [Translator.TranslateOne] or [Translator.TranslateBatch].
var ErrTranslationUnavailable = errors.New("translator: translation unavailable")

// NoTranslation is the target language value that disables translation.
const NoTranslation = "none"

const (
	defaultBatchSize   = 100
	defaultCallTimeout = 10 * time.Second

	modeOne   = "one"
	modeBatch = "batch"
)

// Option is a functional option for [New].
type Option func(*Translator)

// WithBatchSize caps the number of texts per backend call. Values < 1 are
// ignored. Default: 100.
func WithBatchSize(n int) Option {
	return func(t *Translator) {
		if n > 0 {
			t.batchSize = n
		}
	}
}

// WithSubBatchDelay inserts a pause between consecutive sub-batches of one
// [Translator.TranslateBatch] call. Default: no pause.
func WithSubBatchDelay(d time.Duration) Option {
	return func(t *Translator) { t.subBatchDelay = d }
}

// WithCallTimeout bounds every backend call. Values <= 0 are ignored.
// Default: 10s.
func WithCallTimeout(d time.Duration) Option {
	return func(t *Translator) {
		if d > 0 {
			t.callTimeout = d
		}
	}
}

// WithMetrics overrides the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(t *Translator) { t.metrics = m }
}

// Translator applies batching, timeouts and fallback policy on top of a
// translation backend. It is safe for concurrent use.
type Translator struct {
	provider      translate.Provider
	batchSize     int
	subBatchDelay time.Duration
	callTimeout   time.Duration
	metrics       *observe.Metrics
}

// New returns a Translator over p.
func New(p translate.Provider, opts ...Option) *Translator {
	t := &Translator{
		provider:    p,
		batchSize:   defaultBatchSize,
		callTimeout: defaultCallTimeout,
	}
	for _, o := range opts {
		o(t)
	}
	if t.metrics == nil {
		t.metrics = observe.DefaultMetrics()
	}
	return t
}

// BatchSize reports the configured sub-batch cap.
func (t *Translator) BatchSize() int { return t.batchSize }

// BatchResult is the detailed outcome of [Translator.TranslateBatchResult].
type BatchResult struct {
	// Texts is index-aligned with the input. Always the same length.
	Texts []string

	// Fallbacks counts the non-empty inputs served as source text.
	Fallbacks int

	// Err joins one error per failed sub-batch, each wrapping
	// [ErrTranslationUnavailable]. Nil when every sub-batch succeeded.
	Err error
}

// Failed reports whether nothing at all was translated: every non-empty
// input fell back to its source text.
func (r BatchResult) Failed() bool {
	nonEmpty := countNonEmpty(r.Texts)
	return nonEmpty > 0 && r.Fallbacks >= nonEmpty
}

// Passthrough reports whether translating from src to tgt is a plain copy.
func Passthrough(src, tgt string) bool {
	tgt = strings.TrimSpace(tgt)
	if tgt == "" || strings.EqualFold(tgt, NoTranslation) {
		return true
	}
	return src != "" && strings.EqualFold(translate.BackendCode(src), translate.BackendCode(tgt))
}

// TranslateOne translates a single text. Any error or timeout yields text
// unchanged; the failure is logged and counted, never returned.
func (t *Translator) TranslateOne(ctx context.Context, text, src, tgt string) string {
	if Passthrough(src, tgt) || strings.TrimSpace(text) == "" {
		return text
	}

	out, err := t.call(ctx, modeOne, []string{text}, src, tgt)
	if err != nil {
		t.metrics.RecordTranslationFallback(ctx, modeOne, 1)
		slog.Warn("translator: live translation unavailable, showing source text",
			"provider", t.provider.Name(), "target", tgt, "err", err)
		return text
	}
	if out[0] == "" {
		t.metrics.RecordTranslationFallback(ctx, modeOne, 1)
		return text
	}
	return out[0]
}

// TranslateBatch translates texts and always returns a slice of the same
// length. Failed sub-batches and empty per-item results are replaced by
// source text.
func (t *Translator) TranslateBatch(ctx context.Context, texts []string, src, tgt string) []string {
	return t.TranslateBatchResult(ctx, texts, src, tgt).Texts
}

// TranslateBatchResult is [Translator.TranslateBatch] with fallback details
// for callers that decide what to persist.
func (t *Translator) TranslateBatchResult(ctx context.Context, texts []string, src, tgt string) BatchResult {
	out := make([]string, len(texts))
	copy(out, texts)
	if len(texts) == 0 || Passthrough(src, tgt) {
		return BatchResult{Texts: out}
	}

	ctx, span := observe.StartSpan(ctx, "translator.batch")
	defer span.End()
	span.SetAttributes(
		attribute.String("target", tgt),
		attribute.Int("texts", len(texts)),
	)

	var (
		errs      []error
		fallbacks int
	)
	for start := 0; start < len(texts); start += t.batchSize {
		end := min(start+t.batchSize, len(texts))

		if start > 0 && t.subBatchDelay > 0 {
			if err := sleep(ctx, t.subBatchDelay); err != nil {
				// Remaining sub-batches keep their source text.
				errs = append(errs, fmt.Errorf("%w: texts %d-%d: %w", ErrTranslationUnavailable, start, len(texts)-1, err))
				fallbacks += countNonEmpty(texts[start:])
				break
			}
		}

		res, err := t.call(ctx, modeBatch, texts[start:end], src, tgt)
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: texts %d-%d: %w", ErrTranslationUnavailable, start, end-1, err))
			fallbacks += countNonEmpty(texts[start:end])
			slog.Warn("translator: sub-batch failed, keeping source text",
				"provider", t.provider.Name(), "target", tgt, "from", start, "to", end-1, "err", err)
			continue
		}
		for i, s := range res {
			if s != "" {
				out[start+i] = s
			} else if texts[start+i] != "" {
				fallbacks++
			}
		}
	}

	t.metrics.RecordTranslationFallback(ctx, modeBatch, fallbacks)
	return BatchResult{Texts: out, Fallbacks: fallbacks, Err: errors.Join(errs...)}
}

// call performs one bounded backend request and validates the response
// length.
func (t *Translator) call(ctx context.Context, mode string, texts []string, src, tgt string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, t.callTimeout)
	defer cancel()

	name := t.provider.Name()
	start := time.Now()
	res, err := t.provider.Translate(ctx, texts, src, tgt)
	t.metrics.TranslationDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("mode", mode)))

	if err == nil && len(res) != len(texts) {
		err = fmt.Errorf("translator: backend returned %d texts for %d inputs", len(res), len(texts))
	}
	if err != nil {
		t.metrics.RecordProviderRequest(ctx, name, "translate", "error")
		t.metrics.RecordProviderError(ctx, name, "translate")
		return nil, err
	}
	t.metrics.RecordProviderRequest(ctx, name, "translate", "ok")
	return res, nil
}

func countNonEmpty(texts []string) int {
	n := 0
	for _, s := range texts {
		if s != "" {
			n++
		}
	}
	return n
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
