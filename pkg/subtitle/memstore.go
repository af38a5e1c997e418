package subtitle

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"
)

// Compile-time assertion that MemStore satisfies the Store interface.
var _ Store = (*MemStore)(nil)

// MemStore is a thread-safe, in-memory implementation of [Store]. It does not
// survive a restart and is intended for single-process deployments and tests.
// The zero value is ready to use.
type MemStore struct {
	mu      sync.RWMutex
	records map[string]*Record

	// now is overridable in tests.
	now func() time.Time
}

// NewMemStore returns an initialised [MemStore].
func NewMemStore() *MemStore {
	return &MemStore{records: make(map[string]*Record)}
}

func (s *MemStore) timeNow() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now().UTC()
}

// Lookup implements [Store.Lookup].
func (s *MemStore) Lookup(_ context.Context, contentID, lang string) (LookupResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[contentID]
	if !ok {
		return LookupResult{Kind: Miss}, nil
	}
	return Classify(*rec, lang), nil
}

// Get implements [Store.Get].
func (s *MemStore) Get(_ context.Context, contentID string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[contentID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec.Clone(), nil
}

// CreateOrAppendOriginal implements [Store.CreateOrAppendOriginal].
func (s *MemStore) CreateOrAppendOriginal(_ context.Context, contentID, originalLanguage string, utts []Utterance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.records == nil {
		s.records = make(map[string]*Record)
	}

	rec, ok := s.records[contentID]
	if !ok {
		if err := ValidateUtterances(0, utts); err != nil {
			return err
		}
		s.records[contentID] = &Record{
			ContentID:        contentID,
			OriginalLanguage: originalLanguage,
			Utterances:       slices.Clone(utts),
			Translations:     make(map[string]TranslationSet),
			UpdatedAt:        s.timeNow(),
		}
		return nil
	}

	if rec.Frozen {
		return ErrAlreadyFinalized
	}
	if rec.OriginalLanguage != originalLanguage {
		return fmt.Errorf("%w: have %q, got %q", ErrLanguageMismatch, rec.OriginalLanguage, originalLanguage)
	}
	var prev int64
	if n := len(rec.Utterances); n > 0 {
		prev = rec.Utterances[n-1].StartMs
	}
	if err := ValidateUtterances(prev, utts); err != nil {
		return err
	}
	rec.Utterances = append(rec.Utterances, utts...)
	rec.UpdatedAt = s.timeNow()
	return nil
}

// SetMetadata implements [Store.SetMetadata].
func (s *MemStore) SetMetadata(_ context.Context, contentID, title string, durationMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[contentID]
	if !ok {
		return ErrNotFound
	}
	if title != "" {
		rec.Title = title
	}
	if durationMs > 0 {
		rec.DurationMs = durationMs
	}
	rec.UpdatedAt = s.timeNow()
	return nil
}

// Freeze implements [Store.Freeze].
func (s *MemStore) Freeze(_ context.Context, contentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[contentID]
	if !ok {
		return ErrNotFound
	}
	if !rec.Frozen {
		rec.Frozen = true
		rec.UpdatedAt = s.timeNow()
	}
	return nil
}

// MergeTranslations implements [Store.MergeTranslations].
func (s *MemStore) MergeTranslations(_ context.Context, contentID, lang string, set TranslationSet) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[contentID]
	if !ok {
		return false, ErrNotFound
	}
	if lang == rec.OriginalLanguage {
		return false, nil
	}
	if _, exists := rec.Translations[lang]; exists {
		return false, nil
	}
	if !rec.Frozen {
		return false, ErrRecordOpen
	}
	if len(set) != len(rec.Utterances) {
		return false, fmt.Errorf("%w: %d translations for %d utterances", ErrMisaligned, len(set), len(rec.Utterances))
	}
	if rec.Translations == nil {
		rec.Translations = make(map[string]TranslationSet)
	}
	rec.Translations[lang] = slices.Clone(set)
	rec.UpdatedAt = s.timeNow()
	return true, nil
}

func sortedKeys(m map[string]TranslationSet) []string {
	return slices.Sorted(maps.Keys(m))
}
