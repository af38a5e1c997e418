// Package google provides a translation provider backed by the Google Cloud
// Translation API (v2, API-key authentication).
package google

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/translate"
	"golang.org/x/text/language"
	"google.golang.org/api/option"

	translator "github.com/MrWong99/babelcast/pkg/provider/translate"
)

var _ translator.Provider = (*Provider)(nil)

// maxSegments is the API's per-request limit on input strings.
const maxSegments = 128

// client is the subset of *translate.Client used by Provider.
type client interface {
	Translate(ctx context.Context, inputs []string, target language.Tag, opts *translate.Options) ([]translate.Translation, error)
	Close() error
}

// Provider implements translate.Provider using cloud.google.com/go/translate.
type Provider struct {
	client client
	model  string
}

// Option is a functional option for Provider.
type Option func(*Provider)

// WithModel selects the translation model ("nmt" or "base"). Empty uses the
// API default.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// New constructs a Provider authenticated with apiKey. Extra client options
// (endpoint overrides, custom HTTP clients) are passed through.
func New(ctx context.Context, apiKey string, clientOpts []option.ClientOption, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("google translate: apiKey must not be empty")
	}
	c, err := translate.NewClient(ctx, append([]option.ClientOption{option.WithAPIKey(apiKey)}, clientOpts...)...)
	if err != nil {
		return nil, fmt.Errorf("google translate: create client: %w", err)
	}
	return newWithClient(c, opts...), nil
}

func newWithClient(c client, opts ...Option) *Provider {
	p := &Provider{client: c}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Name implements translate.Provider.
func (p *Provider) Name() string { return "google" }

// Translate implements translate.Provider.
func (p *Provider) Translate(ctx context.Context, texts []string, source, target string) ([]string, error) {
	if len(texts) == 0 {
		return []string{}, nil
	}
	if len(texts) > maxSegments {
		return nil, fmt.Errorf("google translate: %d texts exceeds request limit %d", len(texts), maxSegments)
	}

	tgt, err := language.Parse(translator.BackendCode(target))
	if err != nil {
		return nil, fmt.Errorf("google translate: target %q: %w", target, err)
	}
	opts := &translate.Options{Format: translate.Text, Model: p.model}
	if source != "" {
		src, err := language.Parse(translator.BackendCode(source))
		if err != nil {
			return nil, fmt.Errorf("google translate: source %q: %w", source, err)
		}
		opts.Source = src
	}

	resp, err := p.client.Translate(ctx, texts, tgt, opts)
	if err != nil {
		return nil, fmt.Errorf("google translate: %w", err)
	}
	if len(resp) != len(texts) {
		return nil, fmt.Errorf("google translate: got %d translations for %d texts", len(resp), len(texts))
	}

	out := make([]string, len(resp))
	for i, tr := range resp {
		out[i] = tr.Text
	}
	return out, nil
}

// Close releases the underlying client.
func (p *Provider) Close() error {
	return p.client.Close()
}
