package scheduler_test

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/babelcast/internal/observe"
	"github.com/MrWong99/babelcast/internal/scheduler"
	"github.com/MrWong99/babelcast/internal/translator"
	"github.com/MrWong99/babelcast/pkg/provider/translate/mock"
	"github.com/MrWong99/babelcast/pkg/subtitle"
	submock "github.com/MrWong99/babelcast/pkg/subtitle/mock"
)

func newMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func seed(t *testing.T, store subtitle.Store, id string, frozen bool) {
	t.Helper()
	ctx := context.Background()
	utts := []subtitle.Utterance{
		{ID: "u1", Text: "hello", StartMs: 0, EndMs: 900},
		{ID: "u2", Text: "world", StartMs: 1000, EndMs: 1800},
	}
	if err := store.CreateOrAppendOriginal(ctx, id, "en", utts); err != nil {
		t.Fatalf("CreateOrAppendOriginal: %v", err)
	}
	if frozen {
		if err := store.Freeze(ctx, id); err != nil {
			t.Fatalf("Freeze: %v", err)
		}
	}
}

func newScheduler(t *testing.T, store subtitle.Store, p *mock.Provider, opts ...scheduler.Option) *scheduler.Scheduler {
	t.Helper()
	m := newMetrics(t)
	tr := translator.New(p, translator.WithMetrics(m))
	s := scheduler.New(store, tr, append([]scheduler.Option{scheduler.WithPacing(0), scheduler.WithMetrics(m)}, opts...)...)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func wait(t *testing.T, task *scheduler.Task) (scheduler.Result, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return task.Wait(ctx)
}

func TestMissing(t *testing.T) {
	t.Parallel()

	rec := subtitle.Record{
		OriginalLanguage: "en",
		Translations:     map[string]subtitle.TranslationSet{"ja": {"x"}},
	}
	tests := []struct {
		name    string
		langs   []string
		exclude []string
		want    []string
	}{
		{"priority order kept", []string{"zh", "th", "ja", "vi"}, nil, []string{"zh", "th", "vi"}},
		{"original dropped", []string{"en", "zh"}, nil, []string{"zh"}},
		{"excluded dropped", []string{"zh", "th", "vi"}, []string{"th"}, []string{"zh", "vi"}},
		{"duplicates and blanks", []string{"zh", " ", "zh"}, nil, []string{"zh"}},
		{"all cached", []string{"ja"}, nil, nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := scheduler.Missing(tc.langs, rec, tc.exclude); !slices.Equal(got, tc.want) {
				t.Errorf("Missing = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestSubmit_WarmsThenSecondRunIsFree(t *testing.T) {
	t.Parallel()

	store := subtitle.NewMemStore()
	seed(t, store, "vid-1", true)
	p := &mock.Provider{}
	s := newScheduler(t, store, p)

	res, err := wait(t, s.Submit(scheduler.Request{ContentID: "vid-1", OriginalLanguage: "en", ExcludeLanguages: []string{"ko"}}))
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if want := []string{"zh", "th", "ja", "vi"}; !slices.Equal(res.Warmed, want) {
		t.Errorf("Warmed = %v, want %v", res.Warmed, want)
	}
	var targets []string
	for _, c := range p.Calls() {
		targets = append(targets, c.Target)
	}
	if want := []string{"zh", "th", "ja", "vi"}; !slices.Equal(targets, want) {
		t.Errorf("call order = %v, want %v", targets, want)
	}

	lr, err := store.Lookup(context.Background(), "vid-1", "th")
	if err != nil || lr.Kind != subtitle.TranslatedHit {
		t.Fatalf("Lookup th = %v, %v; want TranslatedHit", lr.Kind, err)
	}
	if lr.Utterances[1].Text != mock.Prefix("th")+"world" {
		t.Errorf("th text = %q", lr.Utterances[1].Text)
	}

	before := p.CallCount()
	res, err = wait(t, s.Submit(scheduler.Request{ContentID: "vid-1", OriginalLanguage: "en"}))
	if err != nil {
		t.Fatalf("second Wait: %v", err)
	}
	if len(res.Warmed) != 0 || len(res.Failed) != 0 {
		t.Errorf("second run result = %+v, want empty", res)
	}
	if p.CallCount() != before {
		t.Errorf("second run made %d translation calls", p.CallCount()-before)
	}
}

func TestSubmit_FailedLanguageDoesNotStopSiblings(t *testing.T) {
	t.Parallel()

	store := subtitle.NewMemStore()
	seed(t, store, "vid-2", true)
	p := &mock.Provider{ErrFor: map[string]error{"th": errors.New("quota exceeded")}}
	s := newScheduler(t, store, p)

	res, err := wait(t, s.Submit(scheduler.Request{ContentID: "vid-2"}))
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if want := []string{"zh", "ja", "vi"}; !slices.Equal(res.Warmed, want) {
		t.Errorf("Warmed = %v, want %v", res.Warmed, want)
	}
	if want := []string{"th"}; !slices.Equal(res.Failed, want) {
		t.Errorf("Failed = %v, want %v", res.Failed, want)
	}
	rec, _ := store.Get(context.Background(), "vid-2")
	if rec.Has("th") {
		t.Error("a fully failed language must not be cached as source text")
	}
}

func TestSubmit_PartialFallbackIsMerged(t *testing.T) {
	t.Parallel()

	store := subtitle.NewMemStore()
	seed(t, store, "vid-p", true)
	p := &mock.Provider{TranslateFunc: func(_ context.Context, texts []string, _, target string) ([]string, error) {
		if texts[0] == "world" {
			return nil, errors.New("segment rejected")
		}
		return []string{mock.Prefix(target) + texts[0]}, nil
	}}
	m := newMetrics(t)
	tr := translator.New(p, translator.WithBatchSize(1), translator.WithSubBatchDelay(0), translator.WithMetrics(m))
	s := scheduler.New(store, tr, scheduler.WithPacing(0), scheduler.WithLanguages("zh"), scheduler.WithMetrics(m))
	t.Cleanup(func() { _ = s.Close(context.Background()) })

	res, err := wait(t, s.Submit(scheduler.Request{ContentID: "vid-p"}))
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if !slices.Equal(res.Warmed, []string{"zh"}) || len(res.Failed) != 0 {
		t.Fatalf("res = %+v, want zh warmed", res)
	}
	rec, _ := store.Get(context.Background(), "vid-p")
	want := subtitle.TranslationSet{mock.Prefix("zh") + "hello", "world"}
	if got := rec.Translations["zh"]; !slices.Equal(got, want) {
		t.Errorf("zh = %q, want %q", got, want)
	}
}

func TestSubmit_MergeFailureIsPerLanguage(t *testing.T) {
	t.Parallel()

	store := submock.NewStore()
	seed(t, store, "vid-3", true)
	store.MergeErrFor = map[string]error{"zh": subtitle.ErrStorageUnavailable}
	s := newScheduler(t, store, &mock.Provider{}, scheduler.WithLanguages("zh", "ja"))

	res, err := wait(t, s.Submit(scheduler.Request{ContentID: "vid-3"}))
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if !slices.Equal(res.Failed, []string{"zh"}) || !slices.Equal(res.Warmed, []string{"ja"}) {
		t.Errorf("result = %+v", res)
	}
}

func TestSubmit_OpenRecordIsRejected(t *testing.T) {
	t.Parallel()

	store := subtitle.NewMemStore()
	seed(t, store, "live-1", false)
	p := &mock.Provider{}
	s := newScheduler(t, store, p)

	_, err := wait(t, s.Submit(scheduler.Request{ContentID: "live-1"}))
	if !errors.Is(err, subtitle.ErrRecordOpen) {
		t.Fatalf("err = %v, want ErrRecordOpen", err)
	}
	if p.CallCount() != 0 {
		t.Errorf("translation calls = %d, want 0", p.CallCount())
	}

	_, err = wait(t, s.Submit(scheduler.Request{ContentID: "missing"}))
	if !errors.Is(err, subtitle.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

// blockingProvider holds every call until released.
func blockingProvider() (*mock.Provider, chan struct{}, chan string) {
	release := make(chan struct{})
	started := make(chan string, 16)
	p := &mock.Provider{}
	p.TranslateFunc = func(ctx context.Context, texts []string, _, target string) ([]string, error) {
		started <- target
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		out := make([]string, len(texts))
		for i, s := range texts {
			out[i] = mock.Prefix(target) + s
		}
		return out, nil
	}
	return p, release, started
}

func TestSubmit_CoalescesAndGuardsPairs(t *testing.T) {
	t.Parallel()

	store := subtitle.NewMemStore()
	seed(t, store, "vid-4", true)
	p, release, started := blockingProvider()
	s := newScheduler(t, store, p, scheduler.WithLanguages("zh"), scheduler.WithWorkers(4))

	req := scheduler.Request{ContentID: "vid-4", OriginalLanguage: "en"}
	a := s.Submit(req)
	if b := s.Submit(req); b != a {
		t.Error("identical pending request did not coalesce")
	}
	// A different request for the same content shares the in-flight pair.
	c := s.Submit(scheduler.Request{ContentID: "vid-4", ExcludeLanguages: []string{"ko"}})
	if c == a {
		t.Fatal("distinct requests must not share a task")
	}

	<-started
	if !s.InFlight("vid-4", "zh") {
		t.Error("InFlight(vid-4, zh) = false while translating")
	}
	if got := s.Pending("vid-4"); !slices.Equal(got, []string{"zh"}) {
		t.Errorf("Pending = %v", got)
	}
	close(release)

	for _, task := range []*scheduler.Task{a, c} {
		if _, err := wait(t, task); err != nil {
			t.Fatalf("Wait: %v", err)
		}
	}
	if n := p.CallsFor("zh"); n != 1 {
		t.Errorf("zh translated %d times, want 1", n)
	}
	if s.InFlight("vid-4", "zh") {
		t.Error("InFlight still true after completion")
	}
}

func TestCancelContent(t *testing.T) {
	t.Parallel()

	store := subtitle.NewMemStore()
	seed(t, store, "open-1", false)
	s := newScheduler(t, store, &mock.Provider{})

	// Frozen content keeps warming.
	p, release, started := blockingProvider()
	defer close(release)
	frozen := subtitle.NewMemStore()
	seed(t, frozen, "done-1", true)
	sf := newScheduler(t, frozen, p, scheduler.WithLanguages("zh"))

	task := sf.Submit(scheduler.Request{ContentID: "done-1"})
	<-started
	n, err := sf.CancelContent(context.Background(), "done-1")
	if err != nil || n != 0 {
		t.Errorf("CancelContent(frozen) = %d, %v; want 0, nil", n, err)
	}
	select {
	case <-task.Done():
		t.Fatal("frozen content task was cancelled")
	case <-time.After(30 * time.Millisecond):
	}

	// Open content: work is cancelled or rejected, never completed.
	openTask := s.Submit(scheduler.Request{ContentID: "open-1"})
	if _, err := s.CancelContent(context.Background(), "open-1"); err != nil {
		t.Fatalf("CancelContent: %v", err)
	}
	if _, err := wait(t, openTask); err == nil {
		t.Error("open content task finished without error")
	}
}

func TestClose_RejectsNewWork(t *testing.T) {
	t.Parallel()

	store := subtitle.NewMemStore()
	seed(t, store, "vid-5", true)
	p := &mock.Provider{}
	s := newScheduler(t, store, p)

	queued := s.Submit(scheduler.Request{ContentID: "vid-5"})
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := wait(t, queued); err != nil {
		t.Errorf("queued task not drained: %v", err)
	}
	_, err := wait(t, s.Submit(scheduler.Request{ContentID: "vid-5"}))
	if !errors.Is(err, scheduler.ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
}

func TestPacing_AndHotReload(t *testing.T) {
	t.Parallel()

	store := subtitle.NewMemStore()
	seed(t, store, "vid-6", true)
	s := newScheduler(t, store, &mock.Provider{}, scheduler.WithLanguages("zh"))
	s.SetLanguages([]string{"th", "vi"})
	s.SetPacing(40 * time.Millisecond)

	start := time.Now()
	res, err := wait(t, s.Submit(scheduler.Request{ContentID: "vid-6"}))
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if !slices.Equal(res.Warmed, []string{"th", "vi"}) {
		t.Errorf("Warmed = %v", res.Warmed)
	}
	if el := time.Since(start); el < 40*time.Millisecond {
		t.Errorf("two languages finished in %v, want at least one pacing delay", el)
	}
}

func TestOnWarmed(t *testing.T) {
	t.Parallel()

	store := subtitle.NewMemStore()
	seed(t, store, "vid-7", true)
	got := make(chan []string, 1)
	s := newScheduler(t, store, &mock.Provider{}, scheduler.WithLanguages("ja"),
		scheduler.WithOnWarmed(func(_ context.Context, id string, langs []string) {
			if id == "vid-7" {
				got <- langs
			}
		}))

	if _, err := wait(t, s.Submit(scheduler.Request{ContentID: "vid-7"})); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	select {
	case langs := <-got:
		if !slices.Equal(langs, []string{"ja"}) {
			t.Errorf("langs = %v", langs)
		}
	case <-time.After(time.Second):
		t.Fatal("OnWarmed not called")
	}
}
