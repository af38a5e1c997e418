package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/babelcast/pkg/audio"
	"github.com/MrWong99/babelcast/pkg/provider/llm"
	"github.com/MrWong99/babelcast/pkg/provider/stt"
	"github.com/MrWong99/babelcast/pkg/provider/translate"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider type, and source types to audio source constructors. It is safe
// for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	stt       map[string]func(ProviderEntry) (stt.Provider, error)
	translate map[string]func(ProviderEntry) (translate.Provider, error)
	llm       map[string]func(ProviderEntry) (llm.Provider, error)
	sources   map[SourceType]func(SourceConfig) (audio.Source, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		stt:       make(map[string]func(ProviderEntry) (stt.Provider, error)),
		translate: make(map[string]func(ProviderEntry) (translate.Provider, error)),
		llm:       make(map[string]func(ProviderEntry) (llm.Provider, error)),
		sources:   make(map[SourceType]func(SourceConfig) (audio.Source, error)),
	}
}

// RegisterSTT registers an STT provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterSTT(name string, factory func(ProviderEntry) (stt.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stt[name] = factory
}

// RegisterTranslate registers a translation provider factory under name.
func (r *Registry) RegisterTranslate(name string, factory func(ProviderEntry) (translate.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.translate[name] = factory
}

// RegisterLLM registers an LLM provider factory under name.
func (r *Registry) RegisterLLM(name string, factory func(ProviderEntry) (llm.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[name] = factory
}

// RegisterSource registers an audio source factory for a source type.
func (r *Registry) RegisterSource(typ SourceType, factory func(SourceConfig) (audio.Source, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[typ] = factory
}

// CreateSTT instantiates an STT provider using the factory registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Provider, error) {
	return create(r, r.stt, "stt", entry.Name, entry)
}

// CreateTranslate instantiates a translation provider using the factory
// registered under entry.Name.
func (r *Registry) CreateTranslate(entry ProviderEntry) (translate.Provider, error) {
	return create(r, r.translate, "translate", entry.Name, entry)
}

// CreateLLM instantiates an LLM provider using the factory registered under entry.Name.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	return create(r, r.llm, "llm", entry.Name, entry)
}

// CreateSource instantiates the audio source described by src.
func (r *Registry) CreateSource(src SourceConfig) (audio.Source, error) {
	return create(r, r.sources, "source", src.Type, src)
}

// Names returns the registered provider names of kind ("stt", "translate",
// "llm") in sorted order.
func (r *Registry) Names(kind string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	switch kind {
	case "stt":
		names = keys(r.stt)
	case "translate":
		names = keys(r.translate)
	case "llm":
		names = keys(r.llm)
	}
	slices.Sort(names)
	return names
}

func create[K ~string, A, T any](r *Registry, m map[K]func(A) (T, error), kind string, name K, arg A) (T, error) {
	r.mu.RLock()
	factory, ok := m[name]
	r.mu.RUnlock()
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s/%q", ErrProviderNotRegistered, kind, name)
	}
	return factory(arg)
}

func keys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
