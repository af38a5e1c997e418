package resilience

import (
	"context"
	"errors"
	"slices"
	"testing"

	trmock "github.com/MrWong99/babelcast/pkg/provider/translate/mock"
)

func TestTranslateFallback(t *testing.T) {
	t.Parallel()

	primary := &trmock.Provider{TranslateErr: errors.New("quota exceeded")}
	secondary := &trmock.Provider{}
	fb := NewTranslateFallback(primary, "google", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1},
	})
	fb.AddFallback("llm", secondary)

	for range 2 {
		got, err := fb.Translate(context.Background(), []string{"hello"}, "en", "ja")
		if err != nil {
			t.Fatalf("Translate: %v", err)
		}
		if !slices.Equal(got, []string{trmock.Prefix("ja") + "hello"}) {
			t.Errorf("got %v", got)
		}
	}
	if primary.CallCount() != 1 {
		t.Errorf("primary called %d times, want 1 before its breaker opened", primary.CallCount())
	}
	if secondary.CallCount() != 2 {
		t.Errorf("secondary called %d times, want 2", secondary.CallCount())
	}
	if fb.States()["google"] != StateOpen {
		t.Errorf("States = %v", fb.States())
	}
	if fb.Name() != "google>llm" {
		t.Errorf("Name = %q", fb.Name())
	}
}
