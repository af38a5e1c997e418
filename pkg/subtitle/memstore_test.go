package subtitle_test

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"

	"github.com/MrWong99/babelcast/pkg/subtitle"
)

func sampleUtterances() []subtitle.Utterance {
	return []subtitle.Utterance{
		{ID: "u1", Speaker: "A", Text: "Hello", StartMs: 0, EndMs: 900, Confidence: 0.98},
		{ID: "u2", Speaker: "A", Text: "How are you", StartMs: 1000, EndMs: 2100, Confidence: 0.95},
		{ID: "u3", Speaker: "B", Text: "Goodbye", StartMs: 2500, EndMs: 3000, Confidence: 0.91},
	}
}

// seedFrozen creates a frozen "v1" record in English with an optional Korean set.
func seedFrozen(t *testing.T, s subtitle.Store, withKorean bool) {
	t.Helper()
	ctx := context.Background()
	if err := s.CreateOrAppendOriginal(ctx, "v1", "en", sampleUtterances()); err != nil {
		t.Fatalf("CreateOrAppendOriginal: %v", err)
	}
	if err := s.Freeze(ctx, "v1"); err != nil {
		t.Fatalf("Freeze: %v", err)
	}
	if withKorean {
		merged, err := s.MergeTranslations(ctx, "v1", "ko", subtitle.TranslationSet{"안녕하세요", "어떻게 지내세요", "안녕히 가세요"})
		if err != nil || !merged {
			t.Fatalf("MergeTranslations: merged=%v err=%v", merged, err)
		}
	}
}

func TestLookup(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		exists     bool
		withKorean bool
		lang       string
		want       subtitle.LookupKind
		wantLangs  []string
	}{
		{name: "unknown content is a miss", exists: false, lang: "en", want: subtitle.Miss},
		{name: "unknown content with other lang is a miss", exists: false, lang: "ko", want: subtitle.Miss},
		{name: "original language", exists: true, lang: "en", want: subtitle.OriginalHit, wantLangs: []string{"en"}},
		{name: "empty lang means original", exists: true, lang: "", want: subtitle.OriginalHit, wantLangs: []string{"en"}},
		{name: "cached translation", exists: true, withKorean: true, lang: "ko", want: subtitle.TranslatedHit, wantLangs: []string{"en", "ko"}},
		{name: "neither original nor cached", exists: true, withKorean: true, lang: "ja", want: subtitle.PartialHit, wantLangs: []string{"en", "ko"}},
		{name: "no translations at all", exists: true, lang: "ja", want: subtitle.PartialHit, wantLangs: []string{"en"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			s := subtitle.NewMemStore()
			if tc.exists {
				seedFrozen(t, s, tc.withKorean)
			}
			res, err := s.Lookup(context.Background(), "v1", tc.lang)
			if err != nil {
				t.Fatalf("Lookup: unexpected error: %v", err)
			}
			if res.Kind != tc.want {
				t.Fatalf("Lookup kind: want %v, got %v", tc.want, res.Kind)
			}
			if !slices.Equal(res.AvailableLanguages, tc.wantLangs) {
				t.Errorf("AvailableLanguages: want %v, got %v", tc.wantLangs, res.AvailableLanguages)
			}
		})
	}
}

func TestLookup_TranslatedHitCarriesTranslatedText(t *testing.T) {
	t.Parallel()
	s := subtitle.NewMemStore()
	seedFrozen(t, s, true)

	res, err := s.Lookup(context.Background(), "v1", "ko")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if len(res.Utterances) != 3 {
		t.Fatalf("want 3 utterances, got %d", len(res.Utterances))
	}
	if res.Utterances[2].Text != "안녕히 가세요" {
		t.Errorf("utterance 2 text: got %q", res.Utterances[2].Text)
	}
	if res.Utterances[2].StartMs != 2500 {
		t.Errorf("utterance 2 start: want 2500, got %d", res.Utterances[2].StartMs)
	}

	// The stored original must be untouched by the translated view.
	orig, _ := s.Lookup(context.Background(), "v1", "en")
	if orig.Utterances[2].Text != "Goodbye" {
		t.Errorf("original text mutated: %q", orig.Utterances[2].Text)
	}
}

func TestCreateOrAppendOriginal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("appends while open", func(t *testing.T) {
		t.Parallel()
		s := subtitle.NewMemStore()
		utts := sampleUtterances()
		if err := s.CreateOrAppendOriginal(ctx, "live-1", "en", utts[:1]); err != nil {
			t.Fatalf("create: %v", err)
		}
		if err := s.CreateOrAppendOriginal(ctx, "live-1", "en", utts[1:]); err != nil {
			t.Fatalf("append: %v", err)
		}
		rec, err := s.Get(ctx, "live-1")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if len(rec.Utterances) != 3 {
			t.Fatalf("want 3 utterances, got %d", len(rec.Utterances))
		}
	})

	t.Run("frozen record rejects writes", func(t *testing.T) {
		t.Parallel()
		s := subtitle.NewMemStore()
		seedFrozen(t, s, false)
		err := s.CreateOrAppendOriginal(ctx, "v1", "en", sampleUtterances()[:1])
		if !errors.Is(err, subtitle.ErrAlreadyFinalized) {
			t.Fatalf("want ErrAlreadyFinalized, got %v", err)
		}
		rec, _ := s.Get(ctx, "v1")
		if len(rec.Utterances) != 3 {
			t.Errorf("frozen record was modified: %d utterances", len(rec.Utterances))
		}
	})

	t.Run("language mismatch", func(t *testing.T) {
		t.Parallel()
		s := subtitle.NewMemStore()
		if err := s.CreateOrAppendOriginal(ctx, "c", "en", nil); err != nil {
			t.Fatalf("create: %v", err)
		}
		err := s.CreateOrAppendOriginal(ctx, "c", "de", sampleUtterances())
		if !errors.Is(err, subtitle.ErrLanguageMismatch) {
			t.Fatalf("want ErrLanguageMismatch, got %v", err)
		}
	})

	t.Run("out of order append is rejected", func(t *testing.T) {
		t.Parallel()
		s := subtitle.NewMemStore()
		utts := sampleUtterances()
		if err := s.CreateOrAppendOriginal(ctx, "c", "en", utts[2:]); err != nil {
			t.Fatalf("create: %v", err)
		}
		if err := s.CreateOrAppendOriginal(ctx, "c", "en", utts[:1]); err == nil {
			t.Fatal("expected error for earlier start offset, got nil")
		}
	})
}

func TestMergeTranslations(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("original language is never stored", func(t *testing.T) {
		t.Parallel()
		s := subtitle.NewMemStore()
		seedFrozen(t, s, false)
		merged, err := s.MergeTranslations(ctx, "v1", "en", subtitle.TranslationSet{"a", "b", "c"})
		if err != nil || merged {
			t.Fatalf("want no-op, got merged=%v err=%v", merged, err)
		}
		rec, _ := s.Get(ctx, "v1")
		if _, ok := rec.Translations["en"]; ok {
			t.Error("translations contain the original language")
		}
	})

	t.Run("misaligned set", func(t *testing.T) {
		t.Parallel()
		s := subtitle.NewMemStore()
		seedFrozen(t, s, false)
		_, err := s.MergeTranslations(ctx, "v1", "ko", subtitle.TranslationSet{"only one"})
		if !errors.Is(err, subtitle.ErrMisaligned) {
			t.Fatalf("want ErrMisaligned, got %v", err)
		}
	})

	t.Run("open record", func(t *testing.T) {
		t.Parallel()
		s := subtitle.NewMemStore()
		if err := s.CreateOrAppendOriginal(ctx, "live", "en", sampleUtterances()); err != nil {
			t.Fatalf("create: %v", err)
		}
		_, err := s.MergeTranslations(ctx, "live", "ko", subtitle.TranslationSet{"a", "b", "c"})
		if !errors.Is(err, subtitle.ErrRecordOpen) {
			t.Fatalf("want ErrRecordOpen, got %v", err)
		}
	})

	t.Run("unknown content", func(t *testing.T) {
		t.Parallel()
		s := subtitle.NewMemStore()
		_, err := s.MergeTranslations(ctx, "nope", "ko", nil)
		if !errors.Is(err, subtitle.ErrNotFound) {
			t.Fatalf("want ErrNotFound, got %v", err)
		}
	})
}

func TestMergeTranslations_FirstWriterWinsConcurrently(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := subtitle.NewMemStore()
	seedFrozen(t, s, false)

	const writers = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []int
	)
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			set := subtitle.TranslationSet{fmt.Sprint("a", i), fmt.Sprint("b", i), fmt.Sprint("c", i)}
			merged, err := s.MergeTranslations(ctx, "v1", "ja", set)
			if err != nil {
				t.Errorf("writer %d: %v", i, err)
				return
			}
			if merged {
				mu.Lock()
				winners = append(winners, i)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(winners) != 1 {
		t.Fatalf("want exactly one winning writer, got %v", winners)
	}
	rec, _ := s.Get(ctx, "v1")
	want := fmt.Sprint("a", winners[0])
	if rec.Translations["ja"][0] != want {
		t.Errorf("stored set is not the winner's: want %q, got %q", want, rec.Translations["ja"][0])
	}
}

func TestFreeze_Unknown(t *testing.T) {
	t.Parallel()
	s := subtitle.NewMemStore()
	if err := s.Freeze(context.Background(), "missing"); !errors.Is(err, subtitle.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestValidateUtterances(t *testing.T) {
	t.Parallel()
	bad := []subtitle.Utterance{{StartMs: 500, EndMs: 100}}
	if err := subtitle.ValidateUtterances(0, bad); err == nil {
		t.Error("expected error for end before start")
	}
	if err := subtitle.ValidateUtterances(0, sampleUtterances()); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
