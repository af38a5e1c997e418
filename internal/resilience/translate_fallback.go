package resilience

import (
	"context"
	"strings"

	"github.com/MrWong99/babelcast/pkg/provider/translate"
)

// TranslateFallback implements [translate.Provider] with failover across
// translation backends, e.g. a machine translation API backed by an LLM.
type TranslateFallback struct {
	group *FallbackGroup[translate.Provider]
}

var _ translate.Provider = (*TranslateFallback)(nil)

// NewTranslateFallback creates a [TranslateFallback] with primary as the
// preferred backend.
func NewTranslateFallback(primary translate.Provider, primaryName string, cfg FallbackConfig) *TranslateFallback {
	return &TranslateFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional translation backend.
func (f *TranslateFallback) AddFallback(name string, provider translate.Provider) {
	f.group.AddFallback(name, provider)
}

// Name lists the backends in failover order, e.g. "google>llm".
func (f *TranslateFallback) Name() string { return strings.Join(f.group.Names(), ">") }

// States reports each backend's breaker state.
func (f *TranslateFallback) States() map[string]State { return f.group.States() }

// Translate sends texts to the first healthy backend.
func (f *TranslateFallback) Translate(ctx context.Context, texts []string, source, target string) ([]string, error) {
	return ExecuteWithResult(ctx, f.group, func(p translate.Provider) ([]string, error) {
		return p.Translate(ctx, texts, source, target)
	})
}
