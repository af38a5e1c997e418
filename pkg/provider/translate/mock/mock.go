// Package mock provides a test double for the translate.Provider interface.
//
// By default the mock returns every text prefixed with "[target] ", which is
// enough to tell translated output apart from the source in assertions.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/babelcast/pkg/provider/translate"
)

var _ translate.Provider = (*Provider)(nil)

// TranslateCall records a single invocation of Translate.
type TranslateCall struct {
	Texts  []string
	Source string
	Target string
}

// Provider is a mock implementation of translate.Provider.
type Provider struct {
	mu sync.Mutex

	// NameValue is returned by Name. Defaults to "mock".
	NameValue string

	// TranslateFunc, when set, computes the result and takes precedence over
	// the other fields.
	TranslateFunc func(ctx context.Context, texts []string, source, target string) ([]string, error)

	// TranslateErr, if non-nil, is returned from every call.
	TranslateErr error

	// ErrFor maps a target language to an error returned only for that target.
	ErrFor map[string]error

	calls []TranslateCall
}

// Translate implements translate.Provider.
func (p *Provider) Translate(ctx context.Context, texts []string, source, target string) ([]string, error) {
	p.mu.Lock()
	p.calls = append(p.calls, TranslateCall{Texts: append([]string(nil), texts...), Source: source, Target: target})
	fn, err := p.TranslateFunc, p.TranslateErr
	if e, ok := p.ErrFor[target]; ok {
		err = e
	}
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, texts, source, target)
	}
	if err != nil {
		return nil, err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	out := make([]string, len(texts))
	for i, t := range texts {
		out[i] = Prefix(target) + t
	}
	return out, nil
}

// Name implements translate.Provider.
func (p *Provider) Name() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.NameValue == "" {
		return "mock"
	}
	return p.NameValue
}

// Calls returns a copy of all recorded Translate invocations.
func (p *Provider) Calls() []TranslateCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]TranslateCall(nil), p.calls...)
}

// CallCount returns the number of Translate invocations.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

// CallsFor returns the number of Translate invocations for target.
func (p *Provider) CallsFor(target string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.calls {
		if c.Target == target {
			n++
		}
	}
	return n
}

// Reset clears recorded calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = nil
}

// Prefix returns the marker the default behaviour prepends for target.
func Prefix(target string) string { return "[" + target + "] " }
