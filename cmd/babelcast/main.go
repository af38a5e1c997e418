// Command babelcast is the main entry point for the Babelcast live
// transcription and subtitle translation server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"
	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"google.golang.org/api/option"

	"github.com/MrWong99/babelcast/internal/app"
	"github.com/MrWong99/babelcast/internal/config"
	"github.com/MrWong99/babelcast/internal/observe"
	"github.com/MrWong99/babelcast/internal/resilience"
	"github.com/MrWong99/babelcast/pkg/audio"
	"github.com/MrWong99/babelcast/pkg/audio/discord"
	"github.com/MrWong99/babelcast/pkg/audio/wav"
	"github.com/MrWong99/babelcast/pkg/provider/llm"
	"github.com/MrWong99/babelcast/pkg/provider/llm/anyllm"
	"github.com/MrWong99/babelcast/pkg/provider/llm/openai"
	"github.com/MrWong99/babelcast/pkg/provider/stt"
	"github.com/MrWong99/babelcast/pkg/provider/stt/deepgram"
	"github.com/MrWong99/babelcast/pkg/provider/stt/googlestt"
	"github.com/MrWong99/babelcast/pkg/provider/stt/whisper"
	"github.com/MrWong99/babelcast/pkg/provider/translate"
	googletranslate "github.com/MrWong99/babelcast/pkg/provider/translate/google"
	"github.com/MrWong99/babelcast/pkg/provider/translate/llmtranslate"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "babelcast: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "babelcast: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(app.SlogLevel(cfg.Server.LogLevel))
	slog.SetDefault(newLogger(&level))

	slog.Info("babelcast starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Observability ─────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "babelcast", ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	dc := &discordConn{token: cfg.Discord.Token}
	defer dc.Close()

	reg := config.NewRegistry()
	registerBuiltinProviders(ctx, reg, cfg, dc)

	providers, closers, err := buildProviders(cfg, reg)
	defer closeAll(closers)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers,
		app.WithMetricsHandler(tel.MetricsHandler),
		app.WithLogLevel(&level),
		app.WithConfigPath(*configPath),
		app.WithVersion(version),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready; press Ctrl+C to shut down")

	code := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		code = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return code
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// builtinProviders maps provider category names to the implementations that
// ship with Babelcast. Used for startup logging.
var builtinProviders = map[string][]string{
	"stt":       {"deepgram", "google", "whisper"},
	"translate": {"google", "llm"},
	"llm":       {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"source":    {string(config.SourceWAV), string(config.SourceDiscord)},
}

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config entry and constructs the provider from the
// real implementation packages.
func registerBuiltinProviders(ctx context.Context, reg *config.Registry, cfg *config.Config, dc *discordConn) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	})

	// anthropic, gemini, deepseek, mistral, groq, llamacpp, llamafile share
	// the same pattern: optional APIKey + optional BaseURL.
	for _, providerName := range []string{
		"anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("google", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []googlestt.Option
		if entry.Model != "" {
			opts = append(opts, googlestt.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, googlestt.WithLanguage(lang))
		}
		return googlestt.New(ctx, googleClientOptions(entry), opts...)
	})

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	// ── Translation ───────────────────────────────────────────────────────────

	reg.RegisterTranslate("google", func(entry config.ProviderEntry) (translate.Provider, error) {
		var opts []googletranslate.Option
		if entry.Model != "" {
			opts = append(opts, googletranslate.WithModel(entry.Model))
		}
		var clientOpts []option.ClientOption
		if entry.BaseURL != "" {
			clientOpts = append(clientOpts, option.WithEndpoint(entry.BaseURL))
		}
		return googletranslate.New(ctx, entry.APIKey, clientOpts, opts...)
	})

	// llm translates through the providers.llm backend.
	reg.RegisterTranslate("llm", func(config.ProviderEntry) (translate.Provider, error) {
		backend, err := reg.CreateLLM(cfg.Providers.LLM)
		if err != nil {
			return nil, fmt.Errorf("create llm backend %q: %w", cfg.Providers.LLM.Name, err)
		}
		return llmtranslate.New(backend)
	})

	// ── Audio sources ─────────────────────────────────────────────────────────

	reg.RegisterSource(config.SourceWAV, func(src config.SourceConfig) (audio.Source, error) {
		return wav.New(src.Path, wav.WithRealtime(src.Realtime)), nil
	})

	reg.RegisterSource(config.SourceDiscord, func(src config.SourceConfig) (audio.Source, error) {
		session, err := dc.Session()
		if err != nil {
			return nil, err
		}
		return discord.New(session, src.GuildID, src.ChannelID, discord.WithHandoverGap(src.HandoverGap)), nil
	})

	// Debug log of all registered providers.
	for kind, names := range builtinProviders {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// buildProviders instantiates all providers named in cfg using the registry
// and returns them in an [app.Providers] struct for the application to
// consume. The returned closers release provider clients; they are valid
// even when err is non-nil.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, []io.Closer, error) {
	ps := &app.Providers{Sources: make(map[string]audio.Source, len(cfg.Sources))}
	var closers []io.Closer
	keep := func(p any) {
		if c, ok := p.(io.Closer); ok {
			closers = append(closers, c)
		}
	}
	fbCfg := resilience.FallbackConfig{CircuitBreaker: resilience.CircuitBreakerConfig{
		OnStateChange: func(name string, from, to resilience.State) {
			slog.Warn("provider circuit breaker changed state", "provider", name, "from", from, "to", to)
		},
	}}

	if entry := cfg.Providers.STT; entry.Name != "" {
		p, err := reg.CreateSTT(entry)
		if err != nil {
			return nil, closers, fmt.Errorf("create stt provider %q: %w", entry.Name, err)
		}
		keep(p)
		group := resilience.NewSTTFallback(p, entry.Name, fbCfg)
		for _, fb := range cfg.Providers.STTFallbacks {
			fp, err := reg.CreateSTT(fb)
			if err != nil {
				return nil, closers, fmt.Errorf("create stt fallback %q: %w", fb.Name, err)
			}
			keep(fp)
			group.AddFallback(fb.Name, fp)
		}
		ps.STT = group
		slog.Info("provider created", "kind", "stt", "name", group.Name())
	}

	if entry := cfg.Providers.Translate; entry.Name != "" {
		p, err := reg.CreateTranslate(entry)
		if err != nil {
			return nil, closers, fmt.Errorf("create translate provider %q: %w", entry.Name, err)
		}
		keep(p)
		group := resilience.NewTranslateFallback(p, entry.Name, fbCfg)
		for _, fb := range cfg.Providers.TranslateFallbacks {
			fp, err := reg.CreateTranslate(fb)
			if err != nil {
				return nil, closers, fmt.Errorf("create translate fallback %q: %w", fb.Name, err)
			}
			keep(fp)
			group.AddFallback(fb.Name, fp)
		}
		ps.Translate = group
		slog.Info("provider created", "kind", "translate", "name", group.Name())
	}

	for _, src := range cfg.Sources {
		s, err := reg.CreateSource(src)
		if err != nil {
			return nil, closers, fmt.Errorf("create source %q: %w", src.Name, err)
		}
		ps.Sources[src.Name] = s
		slog.Info("source created", "name", src.Name, "type", src.Type)
	}
	return ps, closers, nil
}

// googleClientOptions builds Google Cloud client options from an entry:
// an API key, or a service account file in options.credentials_file.
func googleClientOptions(entry config.ProviderEntry) []option.ClientOption {
	var opts []option.ClientOption
	if entry.APIKey != "" {
		opts = append(opts, option.WithAPIKey(entry.APIKey))
	}
	if f := optString(entry.Options, "credentials_file"); f != "" {
		opts = append(opts, option.WithCredentialsFile(f))
	}
	if entry.BaseURL != "" {
		opts = append(opts, option.WithEndpoint(entry.BaseURL))
	}
	return opts
}

func closeAll(closers []io.Closer) {
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].Close(); err != nil {
			slog.Warn("provider close error", "err", err)
		}
	}
}

// ── Discord ───────────────────────────────────────────────────────────────────

// discordConn opens one bot session on first use. All Discord sources share
// it.
type discordConn struct {
	token string

	once    sync.Once
	session *discordgo.Session
	err     error
}

// Session returns the shared open session.
func (d *discordConn) Session() (*discordgo.Session, error) {
	d.once.Do(func() {
		if d.token == "" {
			d.err = errors.New("discord: token is required")
			return
		}
		session, err := discordgo.New("Bot " + d.token)
		if err != nil {
			d.err = fmt.Errorf("discord: create session: %w", err)
			return
		}
		session.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates
		if err := session.Open(); err != nil {
			d.err = fmt.Errorf("discord: open session: %w", err)
			return
		}
		d.session = session
		slog.Info("discord session connected")
	})
	return d.session, d.err
}

// Close closes the session if one was opened.
func (d *discordConn) Close() {
	if d.session == nil {
		return
	}
	if err := d.session.Close(); err != nil {
		slog.Warn("discord session close error", "err", err)
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        Babelcast startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
	printProvider("Translate", cfg.Providers.Translate.Name, cfg.Providers.Translate.Model)
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	storage := "memory"
	if cfg.Storage.PostgresDSN != "" {
		storage = "postgres"
	}
	fmt.Printf("║  Storage         : %-19s ║\n", storage)
	fmt.Printf("║  Sources         : %-19d ║\n", len(cfg.Sources))
	if cfg.Events.Enabled {
		fmt.Printf("║  Events          : %-19s ║\n", "kafka")
	} else {
		fmt.Printf("║  Events          : %-19s ║\n", "(log only)")
	}
	if cfg.MCP.Enabled {
		fmt.Printf("║  MCP             : %-19s ║\n", "enabled")
	}
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	s, _ := opts[key].(string)
	return s
}
