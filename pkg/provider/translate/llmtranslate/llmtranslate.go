// Package llmtranslate implements a translation provider on top of any
// [llm.Provider].
//
// Texts are sent as a JSON array inside a strict system prompt; the model
// must answer with a JSON object holding an index-aligned "translations"
// array. A reply that cannot be parsed, or that has the wrong length, is an
// error so the caller's fallback policy applies.
package llmtranslate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/language/display"

	"github.com/MrWong99/babelcast/pkg/provider/llm"
	"github.com/MrWong99/babelcast/pkg/provider/translate"
)

var _ translate.Provider = (*Provider)(nil)

const defaultTemperature = 0.1

const systemPromptTemplate = `You are a professional subtitle translator.
Translate every string of the JSON array in the user message %s into %s.

Rules:
- Keep the number and order of items exactly as given. Never merge or split items.
- Translate meaning naturally for on-screen subtitles; keep them concise.
- Keep names, numbers and punctuation style where appropriate.
- If an item is empty, return an empty string for it.

Respond with ONLY a JSON object in this exact format (no markdown, no prose):
{"translations": ["<item 1>", "<item 2>", ...]}`

// Option is a functional option for configuring a [Provider].
type Option func(*Provider)

// WithTemperature sets the sampling temperature. Default: 0.1.
func WithTemperature(temp float64) Option {
	return func(p *Provider) { p.temperature = temp }
}

// Provider translates through a language model. It is safe for concurrent
// use.
type Provider struct {
	llm         llm.Provider
	temperature float64
}

// New returns a Provider backed by the given [llm.Provider].
func New(provider llm.Provider, opts ...Option) (*Provider, error) {
	if provider == nil {
		return nil, errors.New("llmtranslate: llm provider must not be nil")
	}
	p := &Provider{llm: provider, temperature: defaultTemperature}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Name implements translate.Provider.
func (p *Provider) Name() string { return "llm:" + p.llm.Model() }

// Translate implements translate.Provider.
func (p *Provider) Translate(ctx context.Context, texts []string, source, target string) ([]string, error) {
	if len(texts) == 0 {
		return []string{}, nil
	}

	payload, err := json.Marshal(texts)
	if err != nil {
		return nil, fmt.Errorf("llmtranslate: encode texts: %w", err)
	}

	resp, err := p.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: buildSystemPrompt(source, target),
		Temperature:  p.temperature,
		JSONObject:   true,
		Messages:     []llm.Message{{Role: "user", Content: string(payload)}},
	})
	if err != nil {
		return nil, fmt.Errorf("llmtranslate: complete: %w", err)
	}
	if resp == nil {
		return nil, errors.New("llmtranslate: empty response")
	}
	return parseResponse(resp.Content, len(texts))
}

// buildSystemPrompt renders the prompt with human-readable language names.
func buildSystemPrompt(source, target string) string {
	from := "from the detected language"
	if source != "" {
		from = "from " + languageName(source)
	}
	return fmt.Sprintf(systemPromptTemplate, from, languageName(target))
}

// languageName returns the English name of code, or the code itself when it
// does not parse.
func languageName(code string) string {
	tag, err := language.Parse(translate.BackendCode(code))
	if err != nil {
		return code
	}
	if name := display.English.Tags().Name(tag); name != "" {
		return fmt.Sprintf("%s (%s)", name, code)
	}
	return code
}

type llmResponse struct {
	Translations []string `json:"translations"`
}

// parseResponse decodes the model output and checks its length.
func parseResponse(content string, want int) ([]string, error) {
	var r llmResponse
	if err := json.Unmarshal([]byte(stripMarkdown(content)), &r); err != nil {
		return nil, fmt.Errorf("llmtranslate: parse response: %w", err)
	}
	if len(r.Translations) != want {
		return nil, fmt.Errorf("llmtranslate: got %d translations for %d texts", len(r.Translations), want)
	}
	return r.Translations, nil
}

// stripMarkdown removes optional markdown code fences (```json ... ```) that
// some models wrap around JSON output.
func stripMarkdown(s string) string {
	s = strings.TrimSpace(s)
	for _, prefix := range []string{"```json", "```"} {
		if after, ok := strings.CutPrefix(s, prefix); ok {
			s = after
			break
		}
	}
	if before, ok := strings.CutSuffix(s, "```"); ok {
		s = before
	}
	return strings.TrimSpace(s)
}
