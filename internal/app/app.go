// Package app wires all Babelcast subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP and background loops until the context ends,
// and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithStore,
// WithMetrics, ...). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/babelcast/internal/api"
	"github.com/MrWong99/babelcast/internal/config"
	"github.com/MrWong99/babelcast/internal/events"
	"github.com/MrWong99/babelcast/internal/glossary"
	"github.com/MrWong99/babelcast/internal/health"
	"github.com/MrWong99/babelcast/internal/mcpserver"
	"github.com/MrWong99/babelcast/internal/observe"
	"github.com/MrWong99/babelcast/internal/resilience"
	"github.com/MrWong99/babelcast/internal/scheduler"
	"github.com/MrWong99/babelcast/internal/session"
	"github.com/MrWong99/babelcast/internal/subtitles"
	"github.com/MrWong99/babelcast/internal/transcribe"
	"github.com/MrWong99/babelcast/internal/translator"
	"github.com/MrWong99/babelcast/pkg/audio"
	"github.com/MrWong99/babelcast/pkg/audio/capture"
	"github.com/MrWong99/babelcast/pkg/provider/stt"
	"github.com/MrWong99/babelcast/pkg/provider/translate"
	"github.com/MrWong99/babelcast/pkg/subtitle"
	pgstore "github.com/MrWong99/babelcast/pkg/subtitle/postgres"
)

const (
	defaultMCPPath  = "/mcp"
	pruneInterval   = time.Hour
	shutdownTimeout = 10 * time.Second
)

// errNoTranslation is reported for every translation when no backend is
// configured, so subtitles are served in the original language.
var errNoTranslation = errors.New("app: no translation provider configured")

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	STT       stt.Provider
	Translate translate.Provider

	// Sources maps configured source names to audio sources.
	Sources map[string]audio.Source
}

// breakerStates is implemented by the failover wrappers in
// [resilience].
type breakerStates interface {
	States() map[string]resilience.State
}

// pruner is implemented by stores that can drop stale records.
type pruner interface {
	Prune(ctx context.Context, maxAge time.Duration) (int64, error)
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers
	version   string

	store     subtitle.Store
	publisher *events.Publisher
	trans     *translator.Translator
	sched     *scheduler.Scheduler
	subtitles *subtitles.Service
	sessions  *session.Manager
	health    *health.Handler
	handler   http.Handler
	watcher   *config.Watcher

	metrics        *observe.Metrics
	metricsHandler http.Handler
	logLevel       *slog.LevelVar
	configPath     string

	// closers are called in reverse order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
	stopErr  error
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a subtitle store instead of creating one from config.
func WithStore(s subtitle.Store) Option {
	return func(a *App) { a.store = s }
}

// WithMetrics overrides the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler serves h on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithLogLevel lets configuration reloads adjust the log level.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = v }
}

// WithConfigPath enables hot reload of the file at path.
func WithConfigPath(path string) Option {
	return func(a *App) { a.configPath = path }
}

// WithVersion sets the version reported to MCP clients.
func WithVersion(v string) Option {
	return func(a *App) { a.version = v }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{cfg: cfg, providers: providers, version: "dev"}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Subtitle store ────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 2. Events ────────────────────────────────────────────────────────
	a.publisher = events.New(events.Config{
		Enabled:        cfg.Events.Enabled,
		Brokers:        cfg.Events.Brokers,
		UtteranceTopic: defaultString(cfg.Events.UtteranceTopic, "babelcast.utterances"),
		WarmedTopic:    defaultString(cfg.Events.WarmedTopic, "babelcast.translations"),
		WriteTimeout:   cfg.Events.WriteTimeout,
	}, events.WithMetrics(a.metrics))
	a.closers = append(a.closers, a.publisher.Close)

	// ── 3. Translation + scheduler ───────────────────────────────────────
	a.initTranslation()

	// ── 4. Live sessions ─────────────────────────────────────────────────
	if err := a.initSessions(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init sessions: %w", err)
	}

	// ── 5. Config watcher ────────────────────────────────────────────────
	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, a.Reload)
		if err != nil {
			a.closeAll()
			return nil, fmt.Errorf("app: init watcher: %w", err)
		}
		a.watcher = w
	}

	// ── 6. HTTP surfaces ─────────────────────────────────────────────────
	a.initHTTP()
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStore connects to PostgreSQL or falls back to the in-memory store.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	dsn := a.cfg.Storage.PostgresDSN
	if dsn == "" {
		a.store = subtitle.NewMemStore()
		return nil
	}
	pg, err := pgstore.NewStore(ctx, dsn)
	if err != nil {
		return err
	}
	a.store = pg
	a.closers = append(a.closers, func() error {
		pg.Close()
		return nil
	})
	return nil
}

func (a *App) initTranslation() {
	tc := a.cfg.Translation
	var provider translate.Provider = unavailableProvider{}
	if a.providers.Translate != nil {
		provider = a.providers.Translate
	}
	a.trans = translator.New(provider,
		translator.WithBatchSize(tc.BatchSize),
		translator.WithSubBatchDelay(tc.SubBatchDelay),
		translator.WithCallTimeout(tc.CallTimeout),
		translator.WithMetrics(a.metrics),
	)

	sc := a.cfg.Scheduler
	opts := []scheduler.Option{
		scheduler.WithWorkers(sc.Workers),
		scheduler.WithQueueSize(sc.QueueSize),
		scheduler.WithMetrics(a.metrics),
		scheduler.WithOnWarmed(a.onWarmed),
	}
	if len(sc.Languages) > 0 {
		opts = append(opts, scheduler.WithLanguages(sc.Languages...))
	}
	if sc.Pacing != nil {
		opts = append(opts, scheduler.WithPacing(*sc.Pacing))
	}
	a.sched = scheduler.New(a.store, a.trans, opts...)
	a.subtitles = subtitles.New(a.store, a.trans, a.sched, subtitles.WithMetrics(a.metrics))
}

func (a *App) onWarmed(ctx context.Context, contentID string, langs []string) {
	err := a.publisher.TranslationsWarmed(ctx, events.TranslationsWarmed{ContentID: contentID, Languages: langs})
	if err != nil {
		slog.Warn("app: publish warmed event", "content_id", contentID, "err", err)
	}
}

// initSessions builds the session manager when recognition and at least one
// source are configured.
func (a *App) initSessions() error {
	if a.providers.STT == nil || len(a.providers.Sources) == 0 {
		if len(a.cfg.Sources) > 0 {
			slog.Warn("live sessions disabled: no STT provider or source available")
		}
		return nil
	}

	tc := a.cfg.Transcription
	topts := []transcribe.Option{
		transcribe.WithName(defaultString(a.cfg.Providers.STT.Name, "stt")),
		transcribe.WithConnectTimeout(tc.ConnectTimeout),
		transcribe.WithDiarization(tc.Diarize),
		transcribe.WithMetrics(a.metrics),
	}
	if len(tc.Glossary) > 0 {
		g := glossary.New(tc.Glossary)
		topts = append(topts, transcribe.WithKeywords(g.Keywords()), transcribe.WithCorrector(g))
	}
	client := transcribe.New(a.providers.STT, topts...)

	chunk := make(map[string]time.Duration, len(a.cfg.Sources))
	for _, s := range a.cfg.Sources {
		chunk[s.Name] = s.ChunkDuration
	}
	capturers := make(map[string]session.Capturer, len(a.providers.Sources))
	for name, src := range a.providers.Sources {
		if src == nil {
			return fmt.Errorf("source %q is nil", name)
		}
		var copts []capture.Option
		if d := chunk[name]; d > 0 {
			copts = append(copts, capture.WithChunkDuration(d))
		}
		capturers[name] = capture.NewManager(src, copts...)
	}

	a.sessions = session.NewManager(session.Deps{
		Transcriber:      client,
		Translator:       a.trans,
		Store:            a.store,
		Scheduler:        a.sched,
		Events:           a.publisher,
		Metrics:          a.metrics,
		TranslateWorkers: a.cfg.Translation.LiveWorkers,
	}, capturers)
	slog.Info("live sessions enabled", "sources", a.sessions.Sources())
	return nil
}

func (a *App) initHTTP() {
	checkers := []health.Checker{{Name: "events", Check: a.publisher.Check}}
	if p, ok := a.store.(health.Pinger); ok {
		checkers = append(checkers, health.Ping("storage", p))
	}
	if b, ok := a.providers.Translate.(breakerStates); ok {
		checkers = append(checkers, health.Breakers("translate", b.States))
	}
	if b, ok := a.providers.STT.(breakerStates); ok {
		checkers = append(checkers, health.Breakers("stt", b.States))
	}
	a.health = health.New(checkers...)

	apiOpts := []api.Option{api.WithCanceller(a.sched)}
	if a.sessions != nil {
		apiOpts = append(apiOpts, api.WithSessions(a.sessions))
	}

	mux := http.NewServeMux()
	api.New(a.subtitles, apiOpts...).Register(mux)
	a.health.Register(mux)
	if a.metricsHandler != nil {
		mux.Handle("GET /metrics", a.metricsHandler)
	}
	if a.cfg.MCP.Enabled {
		path := defaultString(a.cfg.MCP.Path, defaultMCPPath)
		mux.Handle(path, mcpserver.New(a.subtitles, a.version, mcpserver.WithMetrics(a.metrics)).Handler())
		slog.Info("mcp server enabled", "path", path)
	}
	a.handler = observe.Middleware(a.metrics)(mux)
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Store returns the subtitle store.
func (a *App) Store() subtitle.Store { return a.store }

// Scheduler returns the background translation scheduler.
func (a *App) Scheduler() *scheduler.Scheduler { return a.sched }

// Sessions returns the live session manager, or nil when live sessions are
// not configured.
func (a *App) Sessions() *session.Manager { return a.sessions }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP on cfg.Server.ListenAddr and runs the background loops
// until ctx is cancelled. It returns nil after a clean stop.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if addr := a.cfg.Server.ListenAddr; addr != "" {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("app: listen %q: %w", addr, err)
		}
		g.Go(func() error { return a.serve(ctx, ln) })
	}
	if p, ok := a.store.(pruner); ok && a.cfg.Storage.RetainFor > 0 {
		g.Go(func() error {
			a.pruneLoop(ctx, p, pruneInterval)
			return nil
		})
	}
	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(ctx) })
	}

	slog.Info("app running", "listen_addr", a.cfg.Server.ListenAddr, "languages", a.sched.Languages())
	<-ctx.Done()
	return g.Wait()
}

// serve runs the HTTP server on ln until ctx ends.
func (a *App) serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}
	errc := make(chan error, 1)
	go func() {
		if tls := a.cfg.Server.TLS; tls != nil {
			errc <- srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
			return
		}
		errc <- srv.Serve(ln)
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("app: http server: %w", err)
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return fmt.Errorf("app: http shutdown: %w", err)
	}
	return nil
}

func (a *App) pruneLoop(ctx context.Context, p pruner, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		n, err := p.Prune(ctx, a.cfg.Storage.RetainFor)
		switch {
		case err != nil && ctx.Err() == nil:
			slog.Warn("app: prune subtitle cache", "err", err)
		case n > 0:
			slog.Info("app: pruned subtitle cache", "records", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Reload applies the hot-reloadable parts of a new configuration. It is the
// [config.ChangeFunc] of the app's watcher.
func (a *App) Reload(_, _ *config.Config, diff config.ConfigDiff) {
	if diff.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(SlogLevel(diff.NewLogLevel))
		slog.Info("log level changed", "level", diff.NewLogLevel)
	}
	if diff.LanguagesChanged {
		langs := diff.NewLanguages
		if len(langs) == 0 {
			langs = scheduler.DefaultLanguages
		}
		a.sched.SetLanguages(langs)
		slog.Info("background languages changed", "languages", langs)
	}
	if diff.PacingChanged {
		pacing := scheduler.DefaultPacing
		if diff.NewPacing != nil {
			pacing = *diff.NewPacing
		}
		a.sched.SetPacing(pacing)
		slog.Info("background pacing changed", "pacing", pacing)
	}
}

// SlogLevel maps a config log level to a [slog.Level]. Unknown values map
// to Info.
func SlogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown finalizes running sessions, drains the scheduler and closes every
// subsystem. It is safe to call more than once; later calls return the
// first result.
func (a *App) Shutdown(ctx context.Context) error {
	a.stopOnce.Do(func() {
		var errs []error
		if a.sessions != nil {
			if err := a.sessions.Close(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		if err := a.sched.Close(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := a.closeAll(); err != nil {
			errs = append(errs, err)
		}
		a.stopErr = errors.Join(errs...)
	})
	return a.stopErr
}

func (a *App) closeAll() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// unavailableProvider is the translation backend used when none is
// configured.
type unavailableProvider struct{}

func (unavailableProvider) Translate(context.Context, []string, string, string) ([]string, error) {
	return nil, errNoTranslation
}

func (unavailableProvider) Name() string { return "none" }

func defaultString(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
