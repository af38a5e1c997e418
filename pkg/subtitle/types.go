// Package subtitle defines the multilingual subtitle cache used by Babelcast.
//
// A [Record] holds the original-language [Utterance] sequence for one content
// identity (a video id, a live session id, ...) together with any number of
// per-language [TranslationSet] values. Records are created once, appended to
// while a live session is open, frozen when it ends, and afterwards only ever
// grow by additive translation merges.
//
// All interfaces are public so that alternative backends can be supplied
// without depending on babelcast internals. Every implementation must be safe
// for concurrent use.
package subtitle

import (
	"fmt"
	"time"
)

// Utterance is one finalized unit of recognised speech.
type Utterance struct {
	// ID is an opaque unique identifier.
	ID string `json:"id"`

	// Speaker is an optional symbolic tag such as "A". It never identifies a
	// real person.
	Speaker string `json:"speaker,omitempty"`

	// Text is the original-language text.
	Text string `json:"text"`

	// StartMs and EndMs are offsets within the content timeline.
	StartMs int64 `json:"start_ms"`
	EndMs   int64 `json:"end_ms"`

	// Confidence is the recogniser's score in [0, 1]. Informational only.
	Confidence float64 `json:"confidence"`
}

// TranslationSet is the complete, index-aligned list of translated strings for
// one content identity and one target language.
type TranslationSet []string

// Record is the unit of durable storage.
type Record struct {
	ContentID        string
	OriginalLanguage string
	Utterances       []Utterance
	Translations     map[string]TranslationSet

	// Frozen is set once the producing session has ended. A frozen record
	// rejects further original writes.
	Frozen bool

	// Title and DurationMs are optional descriptive metadata.
	Title      string
	DurationMs int64

	UpdatedAt time.Time
}

// Languages returns the original language followed by every cached
// translation language in sorted order.
func (r Record) Languages() []string {
	langs := make([]string, 0, len(r.Translations)+1)
	langs = append(langs, r.OriginalLanguage)
	return append(langs, sortedKeys(r.Translations)...)
}

// Has reports whether lang is available without translation work.
func (r Record) Has(lang string) bool {
	if lang == r.OriginalLanguage {
		return true
	}
	_, ok := r.Translations[lang]
	return ok
}

// Translated returns a copy of the utterance sequence with the text replaced
// by the cached translation for lang. ok is false when no set exists.
func (r Record) Translated(lang string) (utts []Utterance, ok bool) {
	set, ok := r.Translations[lang]
	if !ok {
		return nil, false
	}
	utts = make([]Utterance, len(r.Utterances))
	copy(utts, r.Utterances)
	for i := range utts {
		if i < len(set) {
			utts[i].Text = set[i]
		}
	}
	return utts, true
}

// Texts returns the original text of every utterance, in order.
func (r Record) Texts() []string {
	texts := make([]string, len(r.Utterances))
	for i, u := range r.Utterances {
		texts[i] = u.Text
	}
	return texts
}

// Clone returns a deep copy of r.
func (r Record) Clone() Record {
	out := r
	out.Utterances = append([]Utterance(nil), r.Utterances...)
	out.Translations = make(map[string]TranslationSet, len(r.Translations))
	for lang, set := range r.Translations {
		out.Translations[lang] = append(TranslationSet(nil), set...)
	}
	return out
}

// ValidateUtterances checks that offsets are non-decreasing and that every
// utterance ends no earlier than it starts. prevStart is the start offset of
// the utterance preceding utts (or 0).
func ValidateUtterances(prevStart int64, utts []Utterance) error {
	for i, u := range utts {
		if u.EndMs < u.StartMs {
			return fmt.Errorf("subtitle: utterance %d: end %d before start %d", i, u.EndMs, u.StartMs)
		}
		if u.StartMs < prevStart {
			return fmt.Errorf("subtitle: utterance %d: start %d before previous start %d", i, u.StartMs, prevStart)
		}
		prevStart = u.StartMs
	}
	return nil
}
