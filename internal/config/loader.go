package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt":       {"deepgram", "google", "whisper"},
	"translate": {"google", "llm"},
	"llm":       {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	validateProviderName("stt", cfg.Providers.STT.Name)
	for _, e := range cfg.Providers.STTFallbacks {
		validateProviderName("stt", e.Name)
	}
	validateProviderName("translate", cfg.Providers.Translate.Name)
	for _, e := range cfg.Providers.TranslateFallbacks {
		validateProviderName("translate", e.Name)
	}
	validateProviderName("llm", cfg.Providers.LLM.Name)

	if cfg.Providers.STT.Name == "" && len(cfg.Sources) > 0 {
		errs = append(errs, errors.New("sources are configured but providers.stt is not"))
	}
	usesLLM := cfg.Providers.Translate.Name == "llm" ||
		slices.ContainsFunc(cfg.Providers.TranslateFallbacks, func(e ProviderEntry) bool { return e.Name == "llm" })
	if usesLLM && cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New(`translation provider "llm" requires providers.llm`))
	}
	if cfg.Providers.Translate.Name == "" {
		slog.Warn("providers.translate is empty; subtitles are served in the original language only")
	}

	names := make(map[string]int, len(cfg.Sources))
	for i, src := range cfg.Sources {
		prefix := fmt.Sprintf("sources[%d]", i)
		if src.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := names[src.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of sources[%d]", prefix, src.Name, prev))
			}
			names[src.Name] = i
		}
		switch src.Type {
		case SourceWAV:
			if src.Path == "" {
				errs = append(errs, fmt.Errorf("%s.path is required for type wav", prefix))
			}
		case SourceDiscord:
			if src.GuildID == "" || src.ChannelID == "" {
				errs = append(errs, fmt.Errorf("%s: type discord requires guild_id and channel_id", prefix))
			}
			if cfg.Discord.Token == "" {
				errs = append(errs, fmt.Errorf("%s: type discord requires discord.token", prefix))
			}
		default:
			errs = append(errs, fmt.Errorf("%s.type %q is invalid; valid values: wav, discord", prefix, src.Type))
		}
		if src.ChunkDuration < 0 {
			errs = append(errs, fmt.Errorf("%s.chunk_duration must not be negative", prefix))
		}
	}

	if cfg.Storage.PostgresDSN == "" {
		slog.Warn("storage.postgres_dsn is empty; the subtitle cache is in-memory only")
	}
	if cfg.Storage.RetainFor < 0 {
		errs = append(errs, errors.New("storage.retain_for must not be negative"))
	}

	if cfg.Translation.BatchSize < 0 {
		errs = append(errs, errors.New("translation.batch_size must not be negative"))
	}
	if cfg.Translation.LiveWorkers < 0 {
		errs = append(errs, errors.New("translation.live_workers must not be negative"))
	}

	for i, lang := range cfg.Scheduler.Languages {
		if strings.TrimSpace(lang) == "" {
			errs = append(errs, fmt.Errorf("scheduler.languages[%d] is empty", i))
		}
	}
	if p := cfg.Scheduler.Pacing; p != nil && *p < 0 {
		errs = append(errs, errors.New("scheduler.pacing must not be negative"))
	}

	if cfg.Events.Enabled && len(cfg.Events.Brokers) == 0 {
		errs = append(errs, errors.New("events.enabled requires at least one broker"))
	}
	if cfg.MCP.Path != "" && !strings.HasPrefix(cfg.MCP.Path, "/") {
		errs = append(errs, fmt.Errorf("mcp.path %q must start with /", cfg.MCP.Path))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
