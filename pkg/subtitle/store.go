package subtitle

import (
	"context"
	"errors"
	"slices"
)

var (
	// ErrNotFound is returned by [Store.Get] for an unknown content id.
	ErrNotFound = errors.New("subtitle: record not found")

	// ErrAlreadyFinalized is returned when original utterances are written to
	// a frozen record. Callers racing on duplicate requests should treat it as
	// a benign no-op.
	ErrAlreadyFinalized = errors.New("subtitle: record already finalized")

	// ErrMisaligned is returned when a translation set does not have exactly
	// one entry per original utterance.
	ErrMisaligned = errors.New("subtitle: translation set not aligned with utterances")

	// ErrRecordOpen is returned when translations are merged into a record
	// whose original sequence may still grow.
	ErrRecordOpen = errors.New("subtitle: record still open")

	// ErrLanguageMismatch is returned when appending to a record with a
	// different original language.
	ErrLanguageMismatch = errors.New("subtitle: original language mismatch")

	// ErrStorageUnavailable wraps backend failures.
	ErrStorageUnavailable = errors.New("subtitle: storage unavailable")
)

// LookupKind classifies the outcome of [Store.Lookup].
type LookupKind int

const (
	// Miss means no record exists for the content id.
	Miss LookupKind = iota

	// OriginalHit means the requested language is the original language.
	OriginalHit

	// TranslatedHit means a translation set exists for the requested language.
	TranslatedHit

	// PartialHit means the record exists but the requested language is
	// neither original nor cached.
	PartialHit
)

// String returns the wire name of k.
func (k LookupKind) String() string {
	switch k {
	case Miss:
		return "miss"
	case OriginalHit:
		return "original"
	case TranslatedHit:
		return "translated"
	case PartialHit:
		return "partial"
	default:
		return "unknown"
	}
}

// LookupResult is returned by [Store.Lookup].
type LookupResult struct {
	Kind LookupKind

	// OriginalLanguage is empty on a Miss.
	OriginalLanguage string

	// Utterances is populated for OriginalHit and TranslatedHit. For a
	// TranslatedHit the Text fields carry the translation.
	Utterances []Utterance

	// AvailableLanguages lists the original language followed by every
	// cached translation. Populated for every non-Miss outcome.
	AvailableLanguages []string
}

// Classify computes the lookup outcome for lang against rec. It is shared by
// every [Store] implementation so they agree on the rules.
func Classify(rec Record, lang string) LookupResult {
	res := LookupResult{
		OriginalLanguage:   rec.OriginalLanguage,
		AvailableLanguages: rec.Languages(),
	}
	switch {
	case lang == "" || lang == rec.OriginalLanguage:
		res.Kind = OriginalHit
		res.Utterances = slices.Clone(rec.Utterances)
	default:
		if utts, ok := rec.Translated(lang); ok {
			res.Kind = TranslatedHit
			res.Utterances = utts
		} else {
			res.Kind = PartialHit
		}
	}
	return res
}

// Store persists subtitle records.
//
// Implementations must be safe for concurrent use. All mutations are additive
// so they may be applied concurrently without external locking.
type Store interface {
	// Lookup classifies the record for contentID against lang. An empty lang
	// is treated as the original language. A missing record yields a
	// LookupResult with Kind Miss and a nil error.
	Lookup(ctx context.Context, contentID, lang string) (LookupResult, error)

	// Get returns the full record or [ErrNotFound].
	Get(ctx context.Context, contentID string) (Record, error)

	// CreateOrAppendOriginal creates the record on first write, or appends
	// utts to an open record. Writing to a frozen record returns
	// [ErrAlreadyFinalized]. Appending with a different original language
	// returns [ErrLanguageMismatch].
	CreateOrAppendOriginal(ctx context.Context, contentID, originalLanguage string, utts []Utterance) error

	// SetMetadata updates the descriptive title and duration of an existing
	// record. Empty or zero values leave the stored fields unchanged.
	SetMetadata(ctx context.Context, contentID, title string, durationMs int64) error

	// Freeze marks the record final. Freezing a frozen record is a no-op.
	Freeze(ctx context.Context, contentID string) error

	// MergeTranslations stores set for lang unless one already exists (first
	// writer wins). merged reports whether this call stored the set. A set
	// for the original language is never stored. Merging into a record that
	// is not frozen returns [ErrRecordOpen]; a set whose length differs from
	// the record's utterance count returns [ErrMisaligned].
	MergeTranslations(ctx context.Context, contentID, lang string, set TranslationSet) (merged bool, err error)
}
