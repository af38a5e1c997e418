// Package subtitles serves cached subtitles to readers: the HTTP API and the
// MCP tools both go through [Service].
//
// A lookup never triggers recognition. When the requested language is not
// cached the caller may ask for synthesis: the original is batch-translated,
// merged into the cache and returned, and the remaining pre-warm languages are
// handed to the background scheduler.
package subtitles

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/babelcast/internal/observe"
	"github.com/MrWong99/babelcast/internal/scheduler"
	"github.com/MrWong99/babelcast/internal/translator"
	"github.com/MrWong99/babelcast/pkg/subtitle"
)

var _ scheduler.BatchTranslator = (*translator.Translator)(nil)

// Result is a lookup outcome enriched with background state.
type Result struct {
	subtitle.LookupResult

	// Pending lists languages the scheduler is translating right now.
	Pending []string

	// Synthesized is set when the translation was produced by this call.
	Synthesized bool

	// Warming is the background task triggered by this call, if any.
	Warming *scheduler.Task
}

// Service combines the cache, the translator and the scheduler.
type Service struct {
	store      subtitle.Store
	translator scheduler.BatchTranslator
	sched      *scheduler.Scheduler
	metrics    *observe.Metrics
}

// Option configures a [Service].
type Option func(*Service)

// WithMetrics overrides the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// New returns a Service.
func New(store subtitle.Store, tr scheduler.BatchTranslator, sched *scheduler.Scheduler, opts ...Option) *Service {
	s := &Service{store: store, translator: tr, sched: sched}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Get looks up contentID in lang. With synthesize set, a PartialHit is
// translated on the spot and upgraded to a TranslatedHit. Any hit on frozen
// content queues the still missing pre-warm languages.
func (s *Service) Get(ctx context.Context, contentID, lang string, synthesize bool) (Result, error) {
	ctx, span := observe.StartSpan(ctx, "subtitles.get", trace.WithAttributes(
		observe.ContentIDKey.String(contentID),
		observe.LanguageKey.String(lang),
	))
	defer span.End()

	lr, err := s.store.Lookup(ctx, contentID, lang)
	if err != nil {
		s.metrics.RecordCacheLookup(ctx, "error")
		return Result{}, fmt.Errorf("subtitles: lookup %q: %w", contentID, err)
	}
	s.metrics.RecordCacheLookup(ctx, lr.Kind.String())
	res := Result{LookupResult: lr}

	switch lr.Kind {
	case subtitle.Miss:
		return res, nil
	case subtitle.PartialHit:
		if synthesize {
			if err := s.synthesize(ctx, contentID, lang, &res); err != nil {
				return Result{}, err
			}
		}
	}
	res.Pending = s.sched.Pending(contentID)
	if res.Warming == nil && s.needsWarm(res.AvailableLanguages, res.OriginalLanguage) {
		res.Warming = s.warmIfFrozen(ctx, contentID, res.OriginalLanguage)
	}
	return res, nil
}

// synthesize translates the record into lang. A backend that translated
// nothing leaves res as a PartialHit: source text is never served or cached
// as a translation.
func (s *Service) synthesize(ctx context.Context, contentID, lang string, res *Result) error {
	rec, err := s.store.Get(ctx, contentID)
	if err != nil {
		return fmt.Errorf("subtitles: load %q: %w", contentID, err)
	}
	if rec.Has(lang) {
		// Merged by someone else since the lookup.
		lr := subtitle.Classify(rec, lang)
		res.LookupResult = lr
		return nil
	}

	br := s.translator.TranslateBatchResult(ctx, rec.Texts(), rec.OriginalLanguage, lang)
	if br.Failed() {
		slog.Warn("subtitles: synthesis unavailable", "content_id", contentID, "language", lang, "err", br.Err)
		return nil
	}

	if rec.Frozen {
		var exclude []string
		merged, err := s.store.MergeTranslations(ctx, contentID, lang, subtitle.TranslationSet(br.Texts))
		switch {
		case err != nil:
			slog.Warn("subtitles: merge synthesized translation", "content_id", contentID, "language", lang, "err", err)
			rec.Translations = cloneWith(rec.Translations, lang, br.Texts)
		case !merged:
			// First writer won; serve what is stored.
			if lr, err := s.store.Lookup(ctx, contentID, lang); err == nil && lr.Kind == subtitle.TranslatedHit {
				res.LookupResult = lr
				res.Synthesized = true
				return nil
			}
		default:
			rec.Translations = cloneWith(rec.Translations, lang, br.Texts)
			exclude = []string{lang}
		}
		res.Warming = s.sched.Submit(scheduler.Request{
			ContentID:        contentID,
			OriginalLanguage: rec.OriginalLanguage,
			ExcludeLanguages: exclude,
		})
	} else {
		// Live content still grows: serve without caching.
		rec.Translations = cloneWith(rec.Translations, lang, br.Texts)
	}

	lr := subtitle.Classify(rec, lang)
	res.LookupResult = lr
	res.Synthesized = true
	return nil
}

func (s *Service) needsWarm(available []string, original string) bool {
	for _, l := range s.sched.Languages() {
		if l != original && !slices.Contains(available, l) {
			return true
		}
	}
	return false
}

// warmIfFrozen queues every missing pre-warm language. The requested
// language is not excluded: nothing else would translate it.
func (s *Service) warmIfFrozen(ctx context.Context, contentID, original string) *scheduler.Task {
	rec, err := s.store.Get(ctx, contentID)
	if err != nil || !rec.Frozen {
		return nil
	}
	return s.sched.Submit(scheduler.Request{
		ContentID:        contentID,
		OriginalLanguage: original,
	})
}

// Warm queues a background pre-translation. Unknown content returns
// [subtitle.ErrNotFound] and content still being recorded returns
// [subtitle.ErrRecordOpen]; nothing is queued in either case.
func (s *Service) Warm(ctx context.Context, req scheduler.Request) (*scheduler.Task, error) {
	rec, err := s.store.Get(ctx, req.ContentID)
	if err != nil {
		return nil, fmt.Errorf("subtitles: warm %q: %w", req.ContentID, err)
	}
	if !rec.Frozen {
		return nil, fmt.Errorf("subtitles: warm %q: %w", req.ContentID, subtitle.ErrRecordOpen)
	}
	return s.sched.Submit(req), nil
}

// Transcript is a completed transcript supplied by a client.
type Transcript struct {
	OriginalLanguage string
	Utterances       []subtitle.Utterance
	Title            string
	DurationMs       int64
}

// Ingested reports the outcome of [Service.Ingest].
type Ingested struct {
	// Created is false when the content was already finalized; the stored
	// record is left untouched.
	Created bool

	Warming *scheduler.Task
}

// Ingest stores tr as the finalized original of contentID and queues the
// pre-warm languages. Content that is already finalized is a benign no-op.
// Content still being recorded returns [subtitle.ErrRecordOpen].
func (s *Service) Ingest(ctx context.Context, contentID string, tr Transcript) (Ingested, error) {
	ctx, span := observe.StartSpan(ctx, "subtitles.ingest",
		trace.WithAttributes(observe.ContentIDKey.String(contentID)))
	defer span.End()

	rec, err := s.store.Get(ctx, contentID)
	switch {
	case err == nil && rec.Frozen:
		slog.Debug("subtitles: ingest of finalized content ignored", "content_id", contentID)
		return Ingested{}, nil
	case err == nil:
		return Ingested{}, fmt.Errorf("subtitles: ingest %q: %w", contentID, subtitle.ErrRecordOpen)
	case !errors.Is(err, subtitle.ErrNotFound):
		return Ingested{}, fmt.Errorf("subtitles: ingest %q: %w", contentID, err)
	}

	if err := s.store.CreateOrAppendOriginal(ctx, contentID, tr.OriginalLanguage, tr.Utterances); err != nil {
		if errors.Is(err, subtitle.ErrAlreadyFinalized) {
			slog.Debug("subtitles: ingest lost race to finalized content", "content_id", contentID)
			return Ingested{}, nil
		}
		return Ingested{}, fmt.Errorf("subtitles: ingest %q: %w", contentID, err)
	}
	if err := s.store.Freeze(ctx, contentID); err != nil {
		return Ingested{}, fmt.Errorf("subtitles: ingest %q: freeze: %w", contentID, err)
	}
	if tr.Title != "" || tr.DurationMs > 0 {
		if err := s.store.SetMetadata(ctx, contentID, tr.Title, tr.DurationMs); err != nil {
			slog.Warn("subtitles: set metadata", "content_id", contentID, "err", err)
		}
	}
	return Ingested{
		Created: true,
		Warming: s.sched.Submit(scheduler.Request{ContentID: contentID, OriginalLanguage: tr.OriginalLanguage}),
	}, nil
}

// Translate batch-translates free text. It never fails; untranslatable
// entries come back unchanged.
func (s *Service) Translate(ctx context.Context, texts []string, src, tgt string) []string {
	return s.translator.TranslateBatchResult(ctx, texts, src, tgt).Texts
}

func cloneWith(m map[string]subtitle.TranslationSet, lang string, texts []string) map[string]subtitle.TranslationSet {
	out := make(map[string]subtitle.TranslationSet, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	out[lang] = subtitle.TranslationSet(texts)
	return out
}
