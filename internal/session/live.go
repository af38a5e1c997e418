// Package session runs live capture sessions: audio capture feeding a
// streaming transcription connection, per-utterance live translation, and
// incremental writes to the subtitle cache.
//
// A [Live] session owns one capture handle and one transcription connection.
// Chunks are pumped to the recogniser on their own goroutine; finals are
// appended to the cache as they arrive and translated on a bounded worker
// pool, so a slow translation backend never holds up chunk ingestion. When the
// session stops, the record is frozen, a complete live translation set is
// merged, and the background scheduler is asked to warm further languages.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/babelcast/internal/events"
	"github.com/MrWong99/babelcast/internal/observe"
	"github.com/MrWong99/babelcast/internal/scheduler"
	"github.com/MrWong99/babelcast/internal/transcribe"
	"github.com/MrWong99/babelcast/internal/translator"
	"github.com/MrWong99/babelcast/pkg/audio/capture"
	"github.com/MrWong99/babelcast/pkg/subtitle"
)

// ErrNotIdle is returned by Start on a session that already ran.
var ErrNotIdle = errors.New("session: not idle")

const (
	defaultTranslateWorkers = 4
	defaultTranslateQueue   = 256
	defaultDrainTimeout     = 2 * time.Second
)

// State is the capture state of a [Live] session.
type State int

const (
	Idle State = iota
	Capturing
	Stopping
)

// String returns the wire name of s.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Capturing:
		return "capturing"
	case Stopping:
		return "stopping"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Capturer starts audio captures. Satisfied by [capture.Manager].
type Capturer interface {
	Start(ctx context.Context, wantsVideoTrack bool) (*capture.Handle, error)
}

// Translator translates single utterances. Satisfied by
// [translator.Translator].
type Translator interface {
	TranslateOne(ctx context.Context, text, src, tgt string) string
}

// Warmer triggers and cancels background translation. Satisfied by
// [scheduler.Scheduler].
type Warmer interface {
	Submit(req scheduler.Request) *scheduler.Task
	CancelContent(ctx context.Context, contentID string) (int, error)
}

// Publisher receives finalized utterances. Satisfied by [events.Publisher].
type Publisher interface {
	UtteranceFinalized(ctx context.Context, ev events.UtteranceFinalized) error
}

// Deps are the collaborators of a session.
type Deps struct {
	Capture     Capturer
	Transcriber *transcribe.Client
	Translator  Translator
	Store       subtitle.Store

	// Optional.
	Scheduler Warmer
	Events    Publisher
	Metrics   *observe.Metrics

	// TranslateWorkers bounds concurrent live translations. Default 4.
	TranslateWorkers int

	// DrainTimeout is how long Stop waits for pending live translations
	// before abandoning them. Default 2s.
	DrainTimeout time.Duration
}

// Config describes one session.
type Config struct {
	// ContentID keys the cache record. A new UUID when empty. An existing
	// open record is resumed: new utterances continue after its last one.
	ContentID string

	// Language is the spoken language, used as recognition hint and as the
	// record's original language.
	Language string

	// TargetLanguage enables live translation. Empty or "none" disables it.
	TargetLanguage string

	Title     string
	WantVideo bool
}

// Summary describes a stopped session.
type Summary struct {
	ContentID  string
	Utterances int

	// Finalized is set when the record was frozen.
	Finalized bool

	// Merged is set when the live translation set was stored.
	Merged bool

	// Warming is the background task triggered on stop, if any.
	Warming *scheduler.Task

	// Err is the cause when the session ended on its own because capture or
	// transcription failed. Nil after a requested stop.
	Err error
}

// Live is one capture session. A Live runs once: after Stop a new session is
// needed.
type Live struct {
	id   string
	cfg  Config
	deps Deps

	handle *capture.Handle
	conn   *transcribe.Conn

	startedAt time.Time
	level     atomic.Uint64 // math.Float64bits

	pumpDone    chan struct{}
	receiveDone chan struct{}

	jobs       chan job
	workers    errgroup.Group
	transCtx   context.Context
	stopTrans  context.CancelFunc
	translated []string // index-aligned with utts; guarded by mu
	have       []bool

	mu      sync.Mutex
	state   State
	ran     bool
	utts    []subtitle.Utterance
	base    int // utterances already in the record before this session
	failure error

	stopOnce sync.Once
	stopped  chan struct{}
	summary  Summary
}

type job struct {
	index int
	utt   subtitle.Utterance
}

// NewLive prepares a session. Call Start to begin capturing.
func NewLive(cfg Config, deps Deps) *Live {
	if cfg.ContentID == "" {
		cfg.ContentID = uuid.NewString()
	}
	if deps.TranslateWorkers <= 0 {
		deps.TranslateWorkers = defaultTranslateWorkers
	}
	if deps.DrainTimeout <= 0 {
		deps.DrainTimeout = defaultDrainTimeout
	}
	if deps.Metrics == nil {
		deps.Metrics = observe.DefaultMetrics()
	}
	return &Live{
		id:          uuid.NewString(),
		cfg:         cfg,
		deps:        deps,
		pumpDone:    make(chan struct{}),
		receiveDone: make(chan struct{}),
		stopped:     make(chan struct{}),
	}
}

// ID returns the session id (distinct from the content id).
func (l *Live) ID() string { return l.id }

// ContentID returns the cache key the session writes to.
func (l *Live) ContentID() string { return l.cfg.ContentID }

// Config returns the session configuration.
func (l *Live) Config() Config { return l.cfg }

// StartedAt returns when capture began.
func (l *Live) StartedAt() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.startedAt
}

// State returns the capture state.
func (l *Live) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Level returns the latest input level in [0, 1].
func (l *Live) Level() float64 { return math.Float64frombits(l.level.Load()) }

// Interim returns the provisional text of the utterance in progress.
func (l *Live) Interim() string {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return ""
	}
	return conn.Interim()
}

// UtteranceCount returns the number of finals written by this session.
func (l *Live) UtteranceCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.utts)
}

// Utterances returns a copy of the finals written by this session, with live
// translations where available.
func (l *Live) Utterances() (original []subtitle.Utterance, translated []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]subtitle.Utterance(nil), l.utts...), append([]string(nil), l.translated...)
}

// Stopped is closed once the session has fully stopped.
func (l *Live) Stopped() <-chan struct{} { return l.stopped }

// Summary returns the stop summary. Only meaningful after Stopped is closed.
func (l *Live) Summary() Summary {
	<-l.stopped
	return l.summary
}

// Start acquires audio and connects to the recogniser. On failure nothing is
// left running and the error wraps the capture or transcription sentinel, so
// the caller can retry immediately with a new session.
func (l *Live) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.state != Idle || l.handle != nil || l.ran {
		l.mu.Unlock()
		return ErrNotIdle
	}
	l.ran = true
	l.state = Capturing
	l.mu.Unlock()

	fail := func(err error) error {
		l.stopOnce.Do(func() {
			l.summary = Summary{ContentID: l.cfg.ContentID, Err: err}
			close(l.stopped)
		})
		l.setIdle()
		return err
	}

	ctx, span := observe.StartSpan(ctx, "session.start")
	defer span.End()

	offset, base, err := l.resumePoint(ctx)
	if err != nil {
		return fail(err)
	}

	handle, err := l.deps.Capture.Start(ctx, l.cfg.WantVideo)
	if err != nil {
		observe.Fail(span, err)
		return fail(fmt.Errorf("session: start capture: %w", err))
	}
	conn, err := l.deps.Transcriber.Connect(ctx, l.cfg.Language, transcribe.StartingAt(offset))
	if err != nil {
		handle.Stop()
		for range handle.Chunks() {
		}
		observe.Fail(span, err)
		return fail(fmt.Errorf("session: connect transcription: %w", err))
	}

	l.mu.Lock()
	if l.state != Capturing {
		// Stopped while starting.
		l.mu.Unlock()
		handle.Stop()
		for range handle.Chunks() {
		}
		_ = conn.Close()
		return ErrNotIdle
	}
	l.handle, l.conn, l.base = handle, conn, base
	l.startedAt = time.Now()
	l.mu.Unlock()
	l.transCtx, l.stopTrans = context.WithCancel(context.Background())
	l.jobs = make(chan job, defaultTranslateQueue)
	if l.translating() {
		for range l.deps.TranslateWorkers {
			l.workers.Go(l.translateWorker)
		}
	}

	go l.pump()
	go l.watchLevels()
	go l.receive()

	l.deps.Metrics.ActiveSessions.Add(ctx, 1)
	slog.Info("session started", "session_id", l.id, "content_id", l.cfg.ContentID,
		"language", l.cfg.Language, "target", l.cfg.TargetLanguage, "resume_at", offset)
	return nil
}

// resumePoint returns the timeline offset and utterance count of an existing
// open record. A frozen record cannot be captured into again.
func (l *Live) resumePoint(ctx context.Context) (time.Duration, int, error) {
	rec, err := l.deps.Store.Get(ctx, l.cfg.ContentID)
	switch {
	case errors.Is(err, subtitle.ErrNotFound):
		return 0, 0, nil
	case err != nil:
		return 0, 0, fmt.Errorf("session: load %q: %w", l.cfg.ContentID, err)
	case rec.Frozen:
		return 0, 0, fmt.Errorf("session: content %q: %w", l.cfg.ContentID, subtitle.ErrAlreadyFinalized)
	case rec.OriginalLanguage != l.cfg.Language:
		return 0, 0, fmt.Errorf("session: content %q is %q, not %q: %w",
			l.cfg.ContentID, rec.OriginalLanguage, l.cfg.Language, subtitle.ErrLanguageMismatch)
	}
	var last int64
	if n := len(rec.Utterances); n > 0 {
		last = rec.Utterances[n-1].EndMs
	}
	return time.Duration(last) * time.Millisecond, len(rec.Utterances), nil
}

func (l *Live) translating() bool {
	return l.deps.Translator != nil && !translator.Passthrough(l.cfg.Language, l.cfg.TargetLanguage)
}

// pump forwards chunks until capture ends. A capture that ends on its own
// ends the session.
func (l *Live) pump() {
	defer close(l.pumpDone)
	for c := range l.handle.Chunks() {
		if err := l.conn.Send(c.Data); err != nil {
			slog.Warn("session: send chunk", "session_id", l.id, "seq", c.Seq, "err", err)
		}
	}
	if l.State() != Capturing {
		return
	}
	term := l.handle.Terminal()
	if term.Kind == capture.Failed {
		l.fail(fmt.Errorf("session: capture ended: %w", term.Err))
	} else {
		slog.Info("session: audio source ended", "session_id", l.id)
	}
	go l.Stop(context.Background())
}

func (l *Live) watchLevels() {
	for lvl := range l.handle.Levels() {
		l.level.Store(math.Float64bits(lvl))
	}
	l.level.Store(0)
}

// receive appends finals to the cache and queues their translation.
func (l *Live) receive() {
	defer close(l.receiveDone)
	ctx := context.Background()
	for u := range l.conn.Utterances() {
		err := l.deps.Store.CreateOrAppendOriginal(ctx, l.cfg.ContentID, l.cfg.Language, []subtitle.Utterance{u})
		switch {
		case errors.Is(err, subtitle.ErrAlreadyFinalized):
			slog.Debug("session: record already finalized", "content_id", l.cfg.ContentID)
		case err != nil:
			slog.Error("session: append utterance", "content_id", l.cfg.ContentID, "err", err)
		}

		l.mu.Lock()
		idx := len(l.utts)
		l.utts = append(l.utts, u)
		l.translated = append(l.translated, u.Text)
		l.have = append(l.have, false)
		l.mu.Unlock()

		if !l.translating() {
			l.publish(ctx, u, "")
			continue
		}
		select {
		case l.jobs <- job{index: idx, utt: u}:
		default:
			slog.Warn("session: translation queue full, showing original", "session_id", l.id, "utterance", u.ID)
			l.publish(ctx, u, "")
		}
	}
	if err := l.conn.Err(); err != nil && l.State() == Capturing {
		l.fail(fmt.Errorf("session: transcription ended: %w", err))
		go l.Stop(context.Background())
	}
}

func (l *Live) translateWorker() error {
	for j := range l.jobs {
		text := l.deps.Translator.TranslateOne(l.transCtx, j.utt.Text, l.cfg.Language, l.cfg.TargetLanguage)
		if l.transCtx.Err() != nil {
			// Abandoned at session end.
			continue
		}
		l.mu.Lock()
		l.translated[j.index] = text
		l.have[j.index] = true
		l.mu.Unlock()
		l.publish(l.transCtx, j.utt, text)
	}
	return nil
}

func (l *Live) publish(ctx context.Context, u subtitle.Utterance, translation string) {
	if l.deps.Events == nil {
		return
	}
	ev := events.UtteranceFinalized{
		ContentID:        l.cfg.ContentID,
		OriginalLanguage: l.cfg.Language,
		Utterance:        u,
	}
	if translation != "" {
		ev.TargetLanguage, ev.Translation = l.cfg.TargetLanguage, translation
	}
	if err := l.deps.Events.UtteranceFinalized(ctx, ev); err != nil {
		slog.Warn("session: publish utterance", "content_id", l.cfg.ContentID, "err", err)
	}
}

func (l *Live) fail(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failure == nil {
		l.failure = err
	}
}

// Stop ends capture, waits for the recogniser's last finals, freezes the
// record, merges a complete live translation set, and triggers background
// warming. Idempotent; concurrent callers all receive the same summary.
func (l *Live) Stop(ctx context.Context) Summary {
	l.finish(ctx, true)
	return l.Summary()
}

// Abandon ends capture without finalizing: the record stays open and
// outstanding background work for it is cancelled. Used when the viewer
// navigates away from content that may be resumed.
func (l *Live) Abandon(ctx context.Context) Summary {
	l.finish(ctx, false)
	return l.Summary()
}

func (l *Live) finish(ctx context.Context, finalize bool) {
	l.stopOnce.Do(func() {
		defer close(l.stopped)

		l.mu.Lock()
		started := l.handle != nil
		l.state = Stopping
		l.mu.Unlock()

		if !started {
			l.summary = Summary{ContentID: l.cfg.ContentID}
			l.setIdle()
			return
		}

		// Capture first: no more chunks are sent once the recogniser closes.
		l.handle.Stop()
		<-l.pumpDone
		if err := l.conn.Close(); err != nil {
			slog.Warn("session: close transcription", "session_id", l.id, "err", err)
		}
		<-l.receiveDone

		close(l.jobs)
		drained := make(chan struct{})
		go func() {
			_ = l.workers.Wait()
			close(drained)
		}()
		select {
		case <-drained:
		case <-time.After(l.deps.DrainTimeout):
			slog.Info("session: abandoning pending live translations", "session_id", l.id)
			l.stopTrans()
			<-drained
		}
		l.stopTrans()

		l.mu.Lock()
		sum := Summary{ContentID: l.cfg.ContentID, Utterances: len(l.utts), Err: l.failure}
		l.mu.Unlock()

		if finalize {
			l.finalize(ctx, &sum)
		} else if l.deps.Scheduler != nil {
			if _, err := l.deps.Scheduler.CancelContent(ctx, l.cfg.ContentID); err != nil {
				slog.Warn("session: cancel background work", "content_id", l.cfg.ContentID, "err", err)
			}
		}

		l.summary = sum
		l.deps.Metrics.ActiveSessions.Add(ctx, -1)
		l.setIdle()
		slog.Info("session stopped", "session_id", l.id, "content_id", l.cfg.ContentID,
			"utterances", sum.Utterances, "finalized", sum.Finalized, "merged", sum.Merged, "err", sum.Err)
	})
}

func (l *Live) finalize(ctx context.Context, sum *Summary) {
	err := l.deps.Store.Freeze(ctx, l.cfg.ContentID)
	switch {
	case errors.Is(err, subtitle.ErrNotFound):
		// Nothing was said.
		return
	case err != nil:
		slog.Error("session: freeze record", "content_id", l.cfg.ContentID, "err", err)
		return
	}
	sum.Finalized = true

	l.mu.Lock()
	var durationMs int64
	if n := len(l.utts); n > 0 {
		durationMs = l.utts[n-1].EndMs
	}
	l.mu.Unlock()
	if err := l.deps.Store.SetMetadata(ctx, l.cfg.ContentID, l.cfg.Title, durationMs); err != nil {
		slog.Warn("session: set metadata", "content_id", l.cfg.ContentID, "err", err)
	}

	if set, ok := l.liveSet(); ok {
		merged, err := l.deps.Store.MergeTranslations(ctx, l.cfg.ContentID, l.cfg.TargetLanguage, set)
		if err != nil {
			slog.Warn("session: merge live translations", "content_id", l.cfg.ContentID, "err", err)
		}
		sum.Merged = merged
	}

	if l.deps.Scheduler != nil {
		var exclude []string
		if sum.Merged {
			exclude = []string{l.cfg.TargetLanguage}
		}
		sum.Warming = l.deps.Scheduler.Submit(scheduler.Request{
			ContentID:        l.cfg.ContentID,
			OriginalLanguage: l.cfg.Language,
			ExcludeLanguages: exclude,
		})
	}
}

// liveSet returns the full translation set for the record when every
// utterance, including those written before a resume, has a live translation
// and at least one of them differs from the source text.
func (l *Live) liveSet() (subtitle.TranslationSet, bool) {
	if !l.translating() {
		return nil, false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.base > 0 || len(l.utts) == 0 {
		return nil, false
	}
	changed := false
	for i, ok := range l.have {
		if !ok {
			return nil, false
		}
		if l.translated[i] != l.utts[i].Text {
			changed = true
		}
	}
	if !changed {
		// The backend was unavailable throughout.
		return nil, false
	}
	return append(subtitle.TranslationSet(nil), l.translated...), true
}

func (l *Live) setIdle() {
	l.mu.Lock()
	l.state = Idle
	l.mu.Unlock()
}
