package config_test

import (
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/babelcast/internal/config"
)

func TestValidate(t *testing.T) {
	t.Parallel()

	neg := -time.Second
	tests := []struct {
		name    string
		cfg     config.Config
		wantErr []string
	}{
		{
			name: "minimal valid",
			cfg:  config.Config{},
		},
		{
			name:    "invalid log level",
			cfg:     config.Config{Server: config.ServerConfig{LogLevel: "verbose"}},
			wantErr: []string{"server.log_level"},
		},
		{
			name:    "partial tls",
			cfg:     config.Config{Server: config.ServerConfig{TLS: &config.TLSConfig{CertFile: "c.pem"}}},
			wantErr: []string{"server.tls"},
		},
		{
			name: "sources without stt",
			cfg: config.Config{Sources: []config.SourceConfig{
				{Name: "a", Type: config.SourceWAV, Path: "a.wav"},
			}},
			wantErr: []string{"providers.stt"},
		},
		{
			name: "llm translation without llm",
			cfg: config.Config{Providers: config.ProvidersConfig{
				Translate: config.ProviderEntry{Name: "google"},
				TranslateFallbacks: []config.ProviderEntry{{Name: "llm"}},
			}},
			wantErr: []string{"providers.llm"},
		},
		{
			name: "source problems",
			cfg: config.Config{
				Providers: config.ProvidersConfig{STT: config.ProviderEntry{Name: "deepgram"}},
				Sources: []config.SourceConfig{
					{Name: "a", Type: config.SourceWAV},
					{Name: "a", Type: config.SourceDiscord, GuildID: "1"},
					{Type: "mic"},
				},
			},
			wantErr: []string{
				"sources[0].path",
				`sources[1].name "a" is a duplicate`,
				"guild_id and channel_id",
				"discord.token",
				"sources[2].name is required",
				`sources[2].type "mic"`,
			},
		},
		{
			name: "negative durations",
			cfg: config.Config{
				Storage:   config.StorageConfig{RetainFor: -time.Hour},
				Scheduler: config.SchedulerConfig{Pacing: &neg},
			},
			wantErr: []string{"storage.retain_for", "scheduler.pacing"},
		},
		{
			name:    "blank scheduler language",
			cfg:     config.Config{Scheduler: config.SchedulerConfig{Languages: []string{"zh", " "}}},
			wantErr: []string{"scheduler.languages[1]"},
		},
		{
			name:    "events without brokers",
			cfg:     config.Config{Events: config.EventsConfig{Enabled: true}},
			wantErr: []string{"events.enabled"},
		},
		{
			name:    "relative mcp path",
			cfg:     config.Config{MCP: config.MCPConfig{Path: "mcp"}},
			wantErr: []string{"mcp.path"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := config.Validate(&tc.cfg)
			if len(tc.wantErr) == 0 {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected an error")
			}
			for _, want := range tc.wantErr {
				if !strings.Contains(err.Error(), want) {
					t.Errorf("error %q does not mention %q", err, want)
				}
			}
		})
	}
}

func TestValidProviderNames(t *testing.T) {
	t.Parallel()

	for _, kind := range []string{"stt", "translate", "llm"} {
		if len(config.ValidProviderNames[kind]) == 0 {
			t.Errorf("no known names for %q", kind)
		}
	}
}
