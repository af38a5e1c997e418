// Package glossary corrects the spelling of custom vocabulary in final
// utterances and exposes the same vocabulary as recognition keyword boosts.
//
// Recognisers routinely mangle product names, people and jargon ("babel
// cast" for "Babelcast"). A [Glossary] scans each utterance with n-gram
// windows up to the longest term's word count and replaces windows that sound
// like a term. Matching uses Double Metaphone codes to shortlist candidates
// and Jaro-Winkler similarity to rank them; when no candidate shares a
// phonetic code, a stricter pure Jaro-Winkler threshold applies.
package glossary

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/antzucaro/matchr"

	"github.com/MrWong99/babelcast/pkg/provider/stt"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
	defaultBoost             = 2
)

// Term is one glossary entry.
type Term struct {
	// Text is the canonical spelling, e.g. "Babelcast".
	Text string `yaml:"text"`

	// Boost is the recognition boost passed to backends that support keyword
	// hints. Zero means the default (2).
	Boost float64 `yaml:"boost"`
}

// Correction records a single substitution.
type Correction struct {
	Original   string
	Corrected  string
	Confidence float64
}

// Option is a functional option for [New].
type Option func(*Glossary)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score for a candidate
// that shares a phonetic code with the input. Default: 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(g *Glossary) { g.phoneticThreshold = threshold }
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score for a candidate with
// no phonetic overlap. Default: 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(g *Glossary) { g.fuzzyThreshold = threshold }
}

type entry struct {
	term   Term
	lower  string
	tokens []string
	codes  map[string]struct{}
}

// Glossary is immutable after construction and safe for concurrent use.
type Glossary struct {
	entries           []entry
	maxWords          int
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// New prepares terms for matching. Blank terms are ignored.
func New(terms []Term, opts ...Option) *Glossary {
	g := &Glossary{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(g)
	}
	for _, t := range terms {
		lower := strings.ToLower(strings.TrimSpace(t.Text))
		if lower == "" {
			continue
		}
		tokens := strings.Fields(lower)
		g.entries = append(g.entries, entry{
			term:   t,
			lower:  lower,
			tokens: tokens,
			codes:  codesForTokens(tokens),
		})
		if len(tokens) > g.maxWords {
			g.maxWords = len(tokens)
		}
	}
	return g
}

// Len returns the number of usable terms.
func (g *Glossary) Len() int { return len(g.entries) }

// Keywords returns the terms as recognition boosts.
func (g *Glossary) Keywords() []stt.KeywordBoost {
	out := make([]stt.KeywordBoost, 0, len(g.entries))
	for _, e := range g.entries {
		boost := e.term.Boost
		if boost == 0 {
			boost = defaultBoost
		}
		out = append(out, stt.KeywordBoost{Keyword: strings.TrimSpace(e.term.Text), Boost: boost})
	}
	return out
}

// Apply returns text with glossary corrections applied.
func (g *Glossary) Apply(text string) string {
	out, _ := g.Correct(text)
	return out
}

// Correct scans text left to right. At each position the window with the
// highest score wins; ties go to the longer window. Punctuation around a
// window is preserved. Windows that already spell a term exactly are left
// alone and not reported.
func (g *Glossary) Correct(text string) (string, []Correction) {
	tokens := strings.Fields(text)
	if len(tokens) == 0 || len(g.entries) == 0 {
		return text, nil
	}

	var (
		out         []string
		corrections []Correction
	)
	for i := 0; i < len(tokens); {
		maxN := min(g.maxWords+1, len(tokens)-i)
		var (
			bestN               int
			bestScore           float64
			bestLead, bestCore  string
			bestTerm, bestTrail string
		)
		for n := maxN; n >= 1; n-- {
			lead, core, trail := splitPunct(tokens[i : i+n])
			if core == "" {
				continue
			}
			term, score, ok := g.match(core)
			if ok && score > bestScore {
				bestN, bestScore = n, score
				bestLead, bestCore, bestTerm, bestTrail = lead, core, term, trail
			}
		}
		if bestN == 0 {
			out = append(out, tokens[i])
			i++
			continue
		}
		out = append(out, strings.Fields(bestLead+bestTerm+bestTrail)...)
		if bestCore != bestTerm {
			corrections = append(corrections, Correction{Original: bestCore, Corrected: bestTerm, Confidence: bestScore})
		}
		i += bestN
	}
	if len(corrections) == 0 {
		return text, nil
	}
	return strings.Join(out, " "), corrections
}

// match finds the best term for phrase. A candidate must cover a similar
// number of words and letters as the phrase, and the phrase's first word must
// resemble the term's first word, so short terms never swallow neighbours.
// A phrase with as many words as the term must match it word for word; a
// phrase that splits or merges words is judged on the whole string with the
// stricter fuzzy threshold.
func (g *Glossary) match(phrase string) (term string, confidence float64, ok bool) {
	lower := strings.ToLower(phrase)
	tokens := strings.Fields(lower)
	codes := codesForTokens(tokens)
	letters := len([]rune(strings.Join(tokens, "")))

	var (
		best         *entry
		bestScore    float64
		bestPhonetic bool
	)
	for i := range g.entries {
		e := &g.entries[i]
		if len(tokens) < len(e.tokens)-1 || len(tokens) > len(e.tokens)+1 {
			continue
		}
		if !similarLength(letters, len([]rune(strings.Join(e.tokens, "")))) {
			continue
		}
		if !g.alike(tokens[0], e.tokens[0]) {
			continue
		}
		aligned := len(tokens) == len(e.tokens)
		if aligned && !g.wordsAlike(tokens, e.tokens) {
			continue
		}
		score := bestJaroWinkler(tokens, e.tokens, lower, e.lower)
		if aligned && overlap(codes, e.codes) {
			if score >= g.phoneticThreshold && (!bestPhonetic || score > bestScore) {
				best, bestScore, bestPhonetic = e, score, true
			}
		} else if !bestPhonetic && score >= g.fuzzyThreshold && score > bestScore {
			best, bestScore = e, score
		}
	}
	if best == nil {
		return phrase, 0, false
	}
	return strings.TrimSpace(best.term.Text), bestScore, true
}

// alike reports whether two words sound or look alike.
func (g *Glossary) alike(a, b string) bool {
	if overlap(codesForTokens([]string{a}), codesForTokens([]string{b})) {
		return true
	}
	return matchr.JaroWinkler(a, b, false) >= g.fuzzyThreshold
}

// wordsAlike reports whether every word of a is alike its counterpart in b.
func (g *Glossary) wordsAlike(a, b []string) bool {
	for i := range a {
		if !g.alike(a[i], b[i]) {
			return false
		}
	}
	return true
}

func similarLength(a, b int) bool {
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	return float64(diff) <= 0.3*float64(max(a, b))
}

// splitPunct separates leading punctuation of the first token and trailing
// punctuation of the last token from the joined window.
func splitPunct(window []string) (lead, core, trail string) {
	joined := strings.Join(window, " ")
	start := strings.IndexFunc(joined, func(r rune) bool { return !unicode.IsPunct(r) })
	if start < 0 {
		return joined, "", ""
	}
	end := strings.LastIndexFunc(joined, func(r rune) bool { return !unicode.IsPunct(r) })
	_, size := utf8.DecodeRuneInString(joined[end:])
	return joined[:start], joined[start : end+size], joined[end+size:]
}

func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

func overlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// bestJaroWinkler compares the full strings and, for multi-word input or
// terms, the space-stripped forms.
func bestJaroWinkler(inTokens, termTokens []string, in, term string) float64 {
	score := matchr.JaroWinkler(in, term, false)
	if len(inTokens) > 1 || len(termTokens) > 1 {
		if s := matchr.JaroWinkler(strings.Join(inTokens, ""), strings.Join(termTokens, ""), false); s > score {
			score = s
		}
	}
	return score
}
