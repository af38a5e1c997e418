// Package scheduler pre-translates cached content into additional languages
// in the background.
//
// A [Request] names a content id; the scheduler computes which of its
// configured pre-warm languages are still missing, translates each one with a
// single batch call and merges the result into the [subtitle.Store]
// immediately, pausing between languages. A second run over the same content
// therefore finds nothing to do and makes no translation calls.
//
// Work runs on a bounded pool of workers detached from request contexts.
// Identical pending requests coalesce into one [Task], and a per-(content,
// language) guard ensures two tasks never translate the same pair at once.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/MrWong99/babelcast/internal/observe"
	"github.com/MrWong99/babelcast/internal/translator"
	"github.com/MrWong99/babelcast/pkg/subtitle"
)

var (
	// ErrClosed is reported by tasks submitted after [Scheduler.Close].
	ErrClosed = errors.New("scheduler: closed")

	// ErrQueueFull is reported by tasks rejected because the queue is full.
	ErrQueueFull = errors.New("scheduler: queue full")

	// ErrCancelled is reported by tasks stopped via [Scheduler.CancelContent].
	ErrCancelled = errors.New("scheduler: cancelled")
)

// Language statuses recorded in metrics.
const (
	statusWarmed  = "warmed"
	statusFailed  = "failed"
	statusSkipped = "skipped"
)

// DefaultLanguages is the default pre-warm list, in priority order.
var DefaultLanguages = []string{"zh", "th", "ja", "vi"}

const (
	DefaultPacing    = time.Second
	DefaultWorkers   = 2
	DefaultQueueSize = 256
)

// BatchTranslator is the part of [translator.Translator] the scheduler uses.
type BatchTranslator interface {
	TranslateBatchResult(ctx context.Context, texts []string, src, tgt string) translator.BatchResult
}

// WarmedFunc is called after a task merged at least one language.
type WarmedFunc func(ctx context.Context, contentID string, langs []string)

// Request asks for content to be pre-translated.
type Request struct {
	ContentID string `json:"content_id"`

	// OriginalLanguage is advisory; the stored record's language wins.
	OriginalLanguage string `json:"original_language"`

	// ExcludeLanguages are skipped, typically because the caller is already
	// translating into them.
	ExcludeLanguages []string `json:"exclude_languages,omitempty"`
}

func (r Request) key() string {
	ex := slices.Clone(r.ExcludeLanguages)
	slices.Sort(ex)
	return r.ContentID + "\x00" + r.OriginalLanguage + "\x00" + strings.Join(slices.Compact(ex), ",")
}

// Result lists the languages a task merged and the ones that failed.
type Result struct {
	Warmed []string `json:"warmed"`
	Failed []string `json:"failed"`
}

// Task is a submitted request.
type Task struct {
	ID  string
	Req Request

	ctx    context.Context
	cancel context.CancelCauseFunc
	done   chan struct{}
	res    Result
	err    error
}

func newTask(parent context.Context, req Request) *Task {
	ctx, cancel := context.WithCancelCause(parent)
	return &Task{
		ID:     uuid.NewString(),
		Req:    req,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

func (t *Task) finish(res Result, err error) {
	t.res, t.err = res, err
	t.cancel(nil)
	close(t.done)
}

// Done is closed when the task has finished.
func (t *Task) Done() <-chan struct{} { return t.done }

// Wait blocks until the task finishes or ctx ends. A ctx expiry does not
// cancel the task.
func (t *Task) Wait(ctx context.Context) (Result, error) {
	select {
	case <-t.done:
		return t.res, t.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Option configures a [Scheduler].
type Option func(*Scheduler)

// WithLanguages sets the pre-warm list in priority order.
func WithLanguages(langs ...string) Option {
	return func(s *Scheduler) { s.languages = slices.Clone(langs) }
}

// WithPacing sets the pause between two languages of one task.
func WithPacing(d time.Duration) Option {
	return func(s *Scheduler) { s.pacing = d }
}

// WithWorkers bounds the number of tasks running at once. Values < 1 are
// ignored.
func WithWorkers(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithQueueSize bounds the number of queued tasks. Values < 1 are ignored.
func WithQueueSize(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.queueSize = n
		}
	}
}

// WithOnWarmed registers a callback run after each task that merged
// languages.
func WithOnWarmed(fn WarmedFunc) Option {
	return func(s *Scheduler) { s.onWarmed = fn }
}

// WithMetrics overrides the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// Scheduler runs background translation tasks.
type Scheduler struct {
	store      subtitle.Store
	translator BatchTranslator

	workers   int
	queueSize int
	onWarmed  WarmedFunc
	metrics   *observe.Metrics

	base     context.Context
	stopBase context.CancelFunc
	queue    chan *Task
	group    errgroup.Group
	flight   singleflight.Group

	mu        sync.Mutex
	languages []string
	pacing    time.Duration
	closed    bool
	pending   map[string]*Task            // request key -> queued or running task
	byContent map[string]map[*Task]struct{}
	inFlight  map[string]int // content\x00lang -> running translations
}

// New starts a Scheduler with its worker pool.
func New(store subtitle.Store, tr BatchTranslator, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:      store,
		translator: tr,
		workers:    DefaultWorkers,
		queueSize:  DefaultQueueSize,
		languages:  slices.Clone(DefaultLanguages),
		pacing:     DefaultPacing,
		pending:    make(map[string]*Task),
		byContent:  make(map[string]map[*Task]struct{}),
		inFlight:   make(map[string]int),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	s.base, s.stopBase = context.WithCancel(context.Background())
	s.queue = make(chan *Task, s.queueSize)
	for range s.workers {
		s.group.Go(func() error {
			for t := range s.queue {
				s.run(t)
			}
			return nil
		})
	}
	return s
}

// SetLanguages replaces the pre-warm list for tasks that start afterwards.
func (s *Scheduler) SetLanguages(langs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.languages = slices.Clone(langs)
}

// SetPacing replaces the inter-language pause for tasks that start afterwards.
func (s *Scheduler) SetPacing(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pacing = d
}

// Languages returns the current pre-warm list.
func (s *Scheduler) Languages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.languages)
}

// Submit queues req and returns immediately. A request identical to one still
// pending returns the pending task.
func (s *Scheduler) Submit(req Request) *Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := req.key()
	if t, ok := s.pending[key]; ok {
		return t
	}
	t := newTask(s.base, req)
	if s.closed {
		t.finish(Result{}, ErrClosed)
		return t
	}
	select {
	case s.queue <- t:
	default:
		t.finish(Result{}, ErrQueueFull)
		return t
	}
	s.pending[key] = t
	set := s.byContent[req.ContentID]
	if set == nil {
		set = make(map[*Task]struct{})
		s.byContent[req.ContentID] = set
	}
	set[t] = struct{}{}
	slog.Debug("scheduler: task queued", "task", t.ID, "content_id", req.ContentID)
	return t
}

// InFlight reports whether a translation of contentID into lang is running.
func (s *Scheduler) InFlight(contentID, lang string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight[contentID+"\x00"+lang] > 0
}

// Pending lists the languages of contentID currently being translated, in
// sorted order.
func (s *Scheduler) Pending(contentID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	prefix := contentID + "\x00"
	for k, n := range s.inFlight {
		if n > 0 && strings.HasPrefix(k, prefix) {
			out = append(out, strings.TrimPrefix(k, prefix))
		}
	}
	slices.Sort(out)
	return out
}

// CancelContent cancels queued and running tasks for contentID unless its
// record is frozen: finalized content keeps warming. It returns the number of
// tasks cancelled.
func (s *Scheduler) CancelContent(ctx context.Context, contentID string) (int, error) {
	rec, err := s.store.Get(ctx, contentID)
	switch {
	case err == nil && rec.Frozen:
		return 0, nil
	case err != nil && !errors.Is(err, subtitle.ErrNotFound):
		return 0, fmt.Errorf("scheduler: cancel %q: %w", contentID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for t := range s.byContent[contentID] {
		t.cancel(ErrCancelled)
		n++
	}
	return n, nil
}

// Close stops accepting work and waits for queued tasks to drain. If ctx ends
// first, running tasks are cancelled and ctx's error is returned.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		_ = s.group.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		s.stopBase()
		return nil
	case <-ctx.Done():
		s.stopBase()
		<-drained
		return fmt.Errorf("scheduler: close: %w", ctx.Err())
	}
}

func (s *Scheduler) forget(t *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending[t.Req.key()] == t {
		delete(s.pending, t.Req.key())
	}
	if set := s.byContent[t.Req.ContentID]; set != nil {
		delete(set, t)
		if len(set) == 0 {
			delete(s.byContent, t.Req.ContentID)
		}
	}
}

func (s *Scheduler) run(t *Task) {
	defer s.forget(t)

	if err := t.ctx.Err(); err != nil {
		t.finish(Result{}, taskErr(t.ctx))
		return
	}
	ctx, span := observe.StartSpan(t.ctx, "scheduler.task", trace.WithAttributes(
		observe.TaskIDKey.String(t.ID),
		observe.ContentIDKey.String(t.Req.ContentID),
	))
	defer span.End()
	log := observe.Logger(ctx, "task", t.ID, "content_id", t.Req.ContentID)

	res, err := s.warm(ctx, t.Req, log)
	if err != nil {
		observe.Fail(span, err)
		log.Warn("scheduler: task failed", "err", err)
	} else {
		log.Info("scheduler: task finished", "warmed", res.Warmed, "failed", res.Failed)
	}
	if len(res.Warmed) > 0 && s.onWarmed != nil {
		s.onWarmed(context.WithoutCancel(ctx), t.Req.ContentID, res.Warmed)
	}
	t.finish(res, err)
}

func (s *Scheduler) warm(ctx context.Context, req Request, log *slog.Logger) (Result, error) {
	res := Result{Warmed: []string{}, Failed: []string{}}

	rec, err := s.store.Get(ctx, req.ContentID)
	if err != nil {
		return res, fmt.Errorf("scheduler: load %q: %w", req.ContentID, err)
	}
	if !rec.Frozen {
		return res, fmt.Errorf("scheduler: warm %q: %w", req.ContentID, subtitle.ErrRecordOpen)
	}
	if req.OriginalLanguage != "" && req.OriginalLanguage != rec.OriginalLanguage {
		log.Warn("scheduler: requested original language differs from record",
			"requested", req.OriginalLanguage, "stored", rec.OriginalLanguage)
	}

	s.mu.Lock()
	langs, pacing := slices.Clone(s.languages), s.pacing
	s.mu.Unlock()

	missing := Missing(langs, rec, req.ExcludeLanguages)
	if len(missing) == 0 {
		return res, nil
	}
	texts := rec.Texts()

	for i, lang := range missing {
		if i > 0 && pacing > 0 {
			select {
			case <-time.After(pacing):
			case <-ctx.Done():
			}
		}
		if ctx.Err() != nil {
			return res, taskErr(ctx)
		}

		v, _, _ := s.flight.Do(req.ContentID+"\x00"+lang, func() (any, error) {
			return s.warmLanguage(ctx, rec, texts, lang, log), nil
		})
		status := v.(string)
		s.metrics.RecordSchedulerLanguage(ctx, lang, status)
		switch status {
		case statusWarmed:
			res.Warmed = append(res.Warmed, lang)
		case statusFailed:
			res.Failed = append(res.Failed, lang)
		}
	}
	if ctx.Err() != nil {
		return res, taskErr(ctx)
	}
	return res, nil
}

// warmLanguage translates and merges one language. It never returns an error:
// failures are logged and reported as statusFailed so siblings continue.
func (s *Scheduler) warmLanguage(ctx context.Context, rec subtitle.Record, texts []string, lang string, log *slog.Logger) string {
	key := rec.ContentID + "\x00" + lang
	s.mu.Lock()
	s.inFlight[key]++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		if s.inFlight[key]--; s.inFlight[key] <= 0 {
			delete(s.inFlight, key)
		}
		s.mu.Unlock()
	}()

	// Another task may have merged it since the plan was computed.
	if lr, err := s.store.Lookup(ctx, rec.ContentID, lang); err == nil && lr.Kind == subtitle.TranslatedHit {
		return statusSkipped
	}

	br := s.translator.TranslateBatchResult(ctx, texts, rec.OriginalLanguage, lang)
	if ctx.Err() != nil {
		return statusFailed
	}
	if br.Failed() {
		log.Warn("scheduler: translation unavailable", "language", lang, "err", br.Err)
		return statusFailed
	}
	if br.Err != nil {
		log.Info("scheduler: partial translation fallback", "language", lang, "fallbacks", br.Fallbacks)
	}
	merged, err := s.store.MergeTranslations(ctx, rec.ContentID, lang, subtitle.TranslationSet(br.Texts))
	if err != nil {
		log.Warn("scheduler: merge failed", "language", lang, "err", err)
		return statusFailed
	}
	if !merged {
		return statusSkipped
	}
	return statusWarmed
}

// Missing returns the entries of langs, in order and without duplicates, that
// are neither rec's original language, excluded, nor already cached.
func Missing(langs []string, rec subtitle.Record, exclude []string) []string {
	var out []string
	for _, l := range langs {
		l = strings.TrimSpace(l)
		if l == "" || rec.Has(l) || slices.Contains(exclude, l) || slices.Contains(out, l) {
			continue
		}
		out = append(out, l)
	}
	return out
}

func taskErr(ctx context.Context) error {
	if cause := context.Cause(ctx); errors.Is(cause, ErrCancelled) {
		return cause
	}
	return fmt.Errorf("scheduler: %w", ctx.Err())
}
