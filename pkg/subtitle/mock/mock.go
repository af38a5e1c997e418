// Package mock provides a recording test double for [subtitle.Store].
//
// The mock delegates to an embedded [subtitle.MemStore] so behaviour stays
// realistic, records every call for assertions, and lets tests inject
// failures per method.
//
//	store := mock.NewStore()
//	store.MergeErr = subtitle.ErrStorageUnavailable
//
//	// inject store into the system under test …
//
//	if got := store.CallCount("MergeTranslations"); got != 2 {
//	    t.Errorf("expected 2 merges, got %d", got)
//	}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/babelcast/pkg/subtitle"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

var _ subtitle.Store = (*Store)(nil)

// Store is a configurable test double for [subtitle.Store].
type Store struct {
	inner *subtitle.MemStore

	mu    sync.Mutex
	calls []Call

	// LookupErr is returned by Lookup when non-nil.
	LookupErr error

	// CreateErr is returned by CreateOrAppendOriginal when non-nil.
	CreateErr error

	// MergeErr is returned by MergeTranslations when non-nil.
	MergeErr error

	// MergeErrFor is returned by MergeTranslations for the given language
	// when present. Takes precedence over MergeErr.
	MergeErrFor map[string]error
}

// NewStore returns a Store backed by an empty [subtitle.MemStore].
func NewStore() *Store {
	return &Store{inner: subtitle.NewMemStore()}
}

func (m *Store) record(method string, args ...any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: method, Args: args})
}

// Calls returns a copy of all recorded method invocations.
func (m *Store) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (m *Store) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Reset clears all recorded calls without altering stored data or
// configured errors.
func (m *Store) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

// Lookup implements [subtitle.Store].
func (m *Store) Lookup(ctx context.Context, contentID, lang string) (subtitle.LookupResult, error) {
	m.record("Lookup", contentID, lang)
	if m.LookupErr != nil {
		return subtitle.LookupResult{}, m.LookupErr
	}
	return m.inner.Lookup(ctx, contentID, lang)
}

// Get implements [subtitle.Store].
func (m *Store) Get(ctx context.Context, contentID string) (subtitle.Record, error) {
	m.record("Get", contentID)
	if m.LookupErr != nil {
		return subtitle.Record{}, m.LookupErr
	}
	return m.inner.Get(ctx, contentID)
}

// CreateOrAppendOriginal implements [subtitle.Store].
func (m *Store) CreateOrAppendOriginal(ctx context.Context, contentID, originalLanguage string, utts []subtitle.Utterance) error {
	m.record("CreateOrAppendOriginal", contentID, originalLanguage, utts)
	if m.CreateErr != nil {
		return m.CreateErr
	}
	return m.inner.CreateOrAppendOriginal(ctx, contentID, originalLanguage, utts)
}

// SetMetadata implements [subtitle.Store].
func (m *Store) SetMetadata(ctx context.Context, contentID, title string, durationMs int64) error {
	m.record("SetMetadata", contentID, title, durationMs)
	return m.inner.SetMetadata(ctx, contentID, title, durationMs)
}

// Freeze implements [subtitle.Store].
func (m *Store) Freeze(ctx context.Context, contentID string) error {
	m.record("Freeze", contentID)
	return m.inner.Freeze(ctx, contentID)
}

// MergeTranslations implements [subtitle.Store].
func (m *Store) MergeTranslations(ctx context.Context, contentID, lang string, set subtitle.TranslationSet) (bool, error) {
	m.record("MergeTranslations", contentID, lang, set)
	if err, ok := m.MergeErrFor[lang]; ok {
		return false, err
	}
	if m.MergeErr != nil {
		return false, m.MergeErr
	}
	return m.inner.MergeTranslations(ctx, contentID, lang, set)
}
