package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"slices"
	"sync"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/babelcast/internal/api"
	"github.com/MrWong99/babelcast/internal/observe"
	"github.com/MrWong99/babelcast/internal/scheduler"
	"github.com/MrWong99/babelcast/internal/session"
	"github.com/MrWong99/babelcast/internal/subtitles"
	"github.com/MrWong99/babelcast/internal/transcribe"
	"github.com/MrWong99/babelcast/internal/translator"
	"github.com/MrWong99/babelcast/pkg/audio/capture"
	"github.com/MrWong99/babelcast/pkg/provider/translate/mock"
	"github.com/MrWong99/babelcast/pkg/subtitle"
)

// fakeSessions is a hand-written [api.Sessions] that records calls.
type fakeSessions struct {
	mu       sync.Mutex
	startErr error
	started  []session.Config
	infos    map[string]session.Info
	stops    map[string]bool // id -> finalize
	summary  session.Summary
}

func (f *fakeSessions) Sources() []string { return []string{"mic", "tab"} }

func (f *fakeSessions) Start(_ context.Context, source string, cfg session.Config) (*session.Live, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, cfg)
	if f.startErr != nil {
		return nil, f.startErr
	}
	live := session.NewLive(cfg, session.Deps{})
	f.infos[live.ID()] = session.Info{ID: live.ID(), ContentID: live.ContentID(), Source: source, Language: cfg.Language, State: "capturing"}
	return live, nil
}

func (f *fakeSessions) Get(id string) (session.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.infos[id]
	if !ok {
		return session.Info{}, fmt.Errorf("%w: %q", session.ErrNotFound, id)
	}
	return info, nil
}

func (f *fakeSessions) List() []session.Info {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]session.Info, 0, len(f.infos))
	for _, i := range f.infos {
		out = append(out, i)
	}
	return out
}

func (f *fakeSessions) Stop(_ context.Context, id string, finalize bool) (session.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.infos[id]; !ok {
		return session.Summary{}, fmt.Errorf("%w: %q", session.ErrNotFound, id)
	}
	delete(f.infos, id)
	f.stops[id] = finalize
	return f.summary, nil
}

type fixture struct {
	store    *subtitle.MemStore
	provider *mock.Provider
	sched    *scheduler.Scheduler
	sessions *fakeSessions
	srv      *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	f := &fixture{
		store:    subtitle.NewMemStore(),
		provider: &mock.Provider{},
		sessions: &fakeSessions{infos: map[string]session.Info{}, stops: map[string]bool{}},
	}
	tr := translator.New(f.provider, translator.WithMetrics(m))
	f.sched = scheduler.New(f.store, tr, scheduler.WithPacing(0), scheduler.WithLanguages("zh", "ja"), scheduler.WithMetrics(m))
	t.Cleanup(func() { _ = f.sched.Close(context.Background()) })
	svc := subtitles.New(f.store, tr, f.sched, subtitles.WithMetrics(m))

	srv := api.New(svc, api.WithSessions(f.sessions), api.WithCanceller(f.sched))
	f.srv = httptest.NewServer(srv.Handler())
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) seed(t *testing.T, id string, frozen bool) {
	t.Helper()
	ctx := context.Background()
	utts := []subtitle.Utterance{
		{ID: "1", Text: "hello", StartMs: 0, EndMs: 900},
		{ID: "2", Text: "world", StartMs: 1000, EndMs: 1800},
	}
	if err := f.store.CreateOrAppendOriginal(ctx, id, "en", utts); err != nil {
		t.Fatal(err)
	}
	if frozen {
		if err := f.store.Freeze(ctx, id); err != nil {
			t.Fatal(err)
		}
	}
}

func (f *fixture) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("%s %s: Content-Type = %q", method, path, ct)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("%s %s: decode: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

type subtitlesBody struct {
	Status             string               `json:"status"`
	OriginalLanguage   string               `json:"original_language"`
	AvailableLanguages []string             `json:"available_languages"`
	Utterances         []subtitle.Utterance `json:"utterances"`
	Synthesized        bool                 `json:"synthesized"`
	WarmingTask        string               `json:"warming_task"`
}

func TestGetSubtitles(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.seed(t, "v1", true)
	if _, err := f.store.MergeTranslations(context.Background(), "v1", "ko", subtitle.TranslationSet{"안녕", "세계"}); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name      string
		path      string
		status    string
		wantTexts []string
	}{
		{"miss", "/v1/subtitles/nope?lang=ko", "miss", nil},
		{"original", "/v1/subtitles/v1?lang=en", "original", []string{"hello", "world"}},
		{"default language", "/v1/subtitles/v1", "original", []string{"hello", "world"}},
		{"translated", "/v1/subtitles/v1?lang=ko", "translated", []string{"안녕", "세계"}},
		{"partial", "/v1/subtitles/v1?lang=fr", "partial", nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var body subtitlesBody
			if code := f.do(t, http.MethodGet, tc.path, nil, &body); code != http.StatusOK {
				t.Fatalf("status code = %d", code)
			}
			if body.Status != tc.status {
				t.Errorf("status = %q, want %q", body.Status, tc.status)
			}
			var texts []string
			for _, u := range body.Utterances {
				texts = append(texts, u.Text)
			}
			if !slices.Equal(texts, tc.wantTexts) {
				t.Errorf("texts = %v, want %v", texts, tc.wantTexts)
			}
			// Lookups warm further languages in the background, so only the
			// leading original and the seeded translation are stable.
			if tc.status != "miss" && (body.AvailableLanguages[0] != "en" || !slices.Contains(body.AvailableLanguages, "ko")) {
				t.Errorf("available_languages = %v", body.AvailableLanguages)
			}
		})
	}
}

func TestGetSubtitles_Synthesize(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.seed(t, "v1", true)

	var body subtitlesBody
	if code := f.do(t, http.MethodGet, "/v1/subtitles/v1?lang=ko&synthesize=true", nil, &body); code != http.StatusOK {
		t.Fatalf("status code = %d", code)
	}
	if body.Status != "translated" || !body.Synthesized {
		t.Fatalf("body = %+v", body)
	}
	if got := body.Utterances[1].Text; got != mock.Prefix("ko")+"world" {
		t.Errorf("utterance 1 = %q", got)
	}
	if body.WarmingTask == "" {
		t.Error("no background warm-up after synthesis")
	}

	if code := f.do(t, http.MethodGet, "/v1/subtitles/v1?synthesize=maybe", nil, nil); code != http.StatusBadRequest {
		t.Errorf("bad synthesize flag: status = %d", code)
	}
}

func TestWarm(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.seed(t, "v1", true)

	var out struct {
		Task   string   `json:"task"`
		Warmed []string `json:"warmed"`
		Failed []string `json:"failed"`
	}
	req := map[string]any{"original_language": "en", "exclude_languages": []string{"ja"}}
	if code := f.do(t, http.MethodPost, "/v1/subtitles/v1/warm?wait=true", req, &out); code != http.StatusOK {
		t.Fatalf("status code = %d", code)
	}
	if out.Task == "" || !slices.Equal(out.Warmed, []string{"zh"}) || len(out.Failed) != 0 {
		t.Errorf("result = %+v", out)
	}

	out.Task = ""
	if code := f.do(t, http.MethodPost, "/v1/subtitles/v1/warm", nil, &out); code != http.StatusAccepted {
		t.Fatalf("async: status code = %d", code)
	}
	if out.Task == "" {
		t.Error("async warm returned no task id")
	}
}

func TestWarm_OpenRecordConflicts(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.seed(t, "live", false)

	var out map[string]string
	if code := f.do(t, http.MethodPost, "/v1/subtitles/live/warm?wait=true", nil, &out); code != http.StatusConflict {
		t.Errorf("status code = %d, body %v", code, out)
	}

	var cancelled map[string]int
	if code := f.do(t, http.MethodDelete, "/v1/subtitles/live/warm", nil, &cancelled); code != http.StatusOK {
		t.Errorf("cancel: status code = %d", code)
	}
}

func TestWarm_RejectedWithoutQueueing(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.seed(t, "live", false)

	tests := []struct {
		name string
		path string
		want int
	}{
		{"open record", "/v1/subtitles/live/warm", http.StatusConflict},
		{"unknown content", "/v1/subtitles/nosuch/warm", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out map[string]string
			if code := f.do(t, http.MethodPost, tt.path, nil, &out); code != tt.want {
				t.Errorf("status code = %d, want %d (body %v)", code, tt.want, out)
			}
			if out["task"] != "" {
				t.Errorf("task queued: %v", out)
			}
		})
	}
	if f.provider.CallCount() != 0 {
		t.Error("rejected warm requests made translation calls")
	}
}

func TestPutSubtitles(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	body := map[string]any{
		"original_language": "en",
		"title":             "Opening talk",
		"duration_ms":       4000,
		"utterances": []map[string]any{
			{"id": "1", "text": "Hello", "start_ms": 0, "end_ms": 800},
			{"id": "2", "text": "How are you", "start_ms": 900, "end_ms": 1900},
			{"id": "3", "text": "Goodbye", "start_ms": 2500, "end_ms": 3100},
		},
	}

	var out struct {
		Status      string `json:"status"`
		WarmingTask string `json:"warming_task"`
	}
	if code := f.do(t, http.MethodPut, "/v1/subtitles/v1", body, &out); code != http.StatusCreated {
		t.Fatalf("status code = %d", code)
	}
	if out.Status != "created" || out.WarmingTask == "" {
		t.Errorf("response = %+v", out)
	}

	rec, err := f.store.Get(context.Background(), "v1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !rec.Frozen || len(rec.Utterances) != 3 || rec.Title != "Opening talk" || rec.DurationMs != 4000 {
		t.Errorf("record = %+v", rec)
	}

	body["original_language"] = "de"
	out = struct {
		Status      string `json:"status"`
		WarmingTask string `json:"warming_task"`
	}{}
	if code := f.do(t, http.MethodPut, "/v1/subtitles/v1", body, &out); code != http.StatusOK {
		t.Fatalf("repeat: status code = %d", code)
	}
	if out.Status != "exists" {
		t.Errorf("repeat: status = %q", out.Status)
	}
	rec, _ = f.store.Get(context.Background(), "v1")
	if rec.OriginalLanguage != "en" {
		t.Error("repeat upload overwrote finalized content")
	}
}

func TestPutSubtitles_Rejected(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.seed(t, "live", false)
	utts := []map[string]any{{"id": "1", "text": "hi", "start_ms": 0, "end_ms": 500}}

	tests := []struct {
		name string
		path string
		body any
		want int
	}{
		{"open record", "/v1/subtitles/live", map[string]any{"original_language": "en", "utterances": utts}, http.StatusConflict},
		{"no language", "/v1/subtitles/x", map[string]any{"utterances": utts}, http.StatusBadRequest},
		{"no utterances", "/v1/subtitles/x", map[string]any{"original_language": "en"}, http.StatusBadRequest},
		{"end before start", "/v1/subtitles/x", map[string]any{
			"original_language": "en",
			"utterances":        []map[string]any{{"id": "1", "text": "hi", "start_ms": 900, "end_ms": 100}},
		}, http.StatusBadRequest},
		{"unknown field", "/v1/subtitles/x", map[string]any{"original_language": "en", "utterances": utts, "lang": "en"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code := f.do(t, http.MethodPut, tt.path, tt.body, nil); code != tt.want {
				t.Errorf("status code = %d, want %d", code, tt.want)
			}
		})
	}
	if _, err := f.store.Get(context.Background(), "x"); !errors.Is(err, subtitle.ErrNotFound) {
		t.Errorf("invalid upload was stored: err = %v", err)
	}
}

func TestTranslate(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	var out struct {
		Translations []string `json:"translations"`
	}
	req := map[string]any{"texts": []string{"a", "b"}, "source_language": "en", "target_language": "th"}
	if code := f.do(t, http.MethodPost, "/v1/translate", req, &out); code != http.StatusOK {
		t.Fatalf("status code = %d", code)
	}
	want := []string{mock.Prefix("th") + "a", mock.Prefix("th") + "b"}
	if !slices.Equal(out.Translations, want) {
		t.Errorf("translations = %v, want %v", out.Translations, want)
	}

	f.provider.TranslateErr = errors.New("quota exceeded")
	if code := f.do(t, http.MethodPost, "/v1/translate", req, &out); code != http.StatusOK {
		t.Fatalf("outage: status code = %d", code)
	}
	if !slices.Equal(out.Translations, []string{"a", "b"}) {
		t.Errorf("outage: translations = %v, want the originals", out.Translations)
	}

	bad := []struct {
		name string
		body any
	}{
		{"no target", map[string]any{"texts": []string{"a"}}},
		{"unknown field", map[string]any{"texts": []string{"a"}, "target_language": "th", "model": "x"}},
	}
	for _, tc := range bad {
		if code := f.do(t, http.MethodPost, "/v1/translate", tc.body, nil); code != http.StatusBadRequest {
			t.Errorf("%s: status code = %d", tc.name, code)
		}
	}
}

func TestSessions_Lifecycle(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	var sources map[string][]string
	f.do(t, http.MethodGet, "/v1/sources", nil, &sources)
	if !slices.Equal(sources["sources"], []string{"mic", "tab"}) {
		t.Errorf("sources = %v", sources)
	}

	var info session.Info
	start := map[string]any{"source": "mic", "content_id": "c1", "language": "en", "target_language": "ko"}
	if code := f.do(t, http.MethodPost, "/v1/sessions", start, &info); code != http.StatusCreated {
		t.Fatalf("start: status code = %d", code)
	}
	if info.ContentID != "c1" || info.Source != "mic" {
		t.Errorf("info = %+v", info)
	}
	if got := f.sessions.started[0]; got.TargetLanguage != "ko" || got.Language != "en" {
		t.Errorf("started with %+v", got)
	}

	var got session.Info
	if code := f.do(t, http.MethodGet, "/v1/sessions/"+info.ID, nil, &got); code != http.StatusOK || got.ID != info.ID {
		t.Errorf("get: %d %+v", code, got)
	}
	var list map[string][]session.Info
	f.do(t, http.MethodGet, "/v1/sessions", nil, &list)
	if len(list["sessions"]) != 1 {
		t.Errorf("list = %v", list)
	}

	f.sessions.summary = session.Summary{ContentID: "c1", Utterances: 3, Finalized: true}
	var stop struct {
		ContentID  string `json:"content_id"`
		Utterances int    `json:"utterances"`
		Finalized  bool   `json:"finalized"`
	}
	if code := f.do(t, http.MethodDelete, "/v1/sessions/"+info.ID+"?finalize=false", nil, &stop); code != http.StatusOK {
		t.Fatalf("stop: status code = %d", code)
	}
	if stop.Utterances != 3 || !stop.Finalized {
		t.Errorf("stop = %+v", stop)
	}
	if finalize, ok := f.sessions.stops[info.ID]; !ok || finalize {
		t.Errorf("Stop called with finalize=%v (called %v)", finalize, ok)
	}

	if code := f.do(t, http.MethodGet, "/v1/sessions/"+info.ID, nil, nil); code != http.StatusNotFound {
		t.Errorf("get after stop: status code = %d", code)
	}
}

func TestSessions_StartErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"unknown source", fmt.Errorf("%w: %q", session.ErrUnknownSource, "radio"), http.StatusNotFound},
		{"busy", session.ErrContentBusy, http.StatusConflict},
		{"frozen", fmt.Errorf("session: %w", subtitle.ErrAlreadyFinalized), http.StatusConflict},
		{"permission", fmt.Errorf("session: start capture: %w", capture.ErrPermissionDenied), http.StatusForbidden},
		{"cancelled", capture.ErrUserCancelled, http.StatusForbidden},
		{"no audio", fmt.Errorf("capture: start: %w", capture.ErrNoAudioTrack), http.StatusUnprocessableEntity},
		{"auth", fmt.Errorf("session: connect transcription: %w", transcribe.ErrAuthFailure), http.StatusBadGateway},
		{"connect", transcribe.ErrConnectFailure, http.StatusBadGateway},
		{"storage", subtitle.ErrStorageUnavailable, http.StatusServiceUnavailable},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			f.sessions.startErr = tc.err

			var out map[string]string
			start := map[string]any{"source": "mic", "language": "en"}
			if code := f.do(t, http.MethodPost, "/v1/sessions", start, &out); code != tc.want {
				t.Errorf("status code = %d, want %d", code, tc.want)
			}
			if out["error"] == "" {
				t.Error("missing error message")
			}
		})
	}
}

func TestSessions_Validation(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	if code := f.do(t, http.MethodPost, "/v1/sessions", map[string]any{"source": "mic"}, nil); code != http.StatusBadRequest {
		t.Errorf("missing language: status code = %d", code)
	}
	if code := f.do(t, http.MethodDelete, "/v1/sessions/x?finalize=perhaps", nil, nil); code != http.StatusBadRequest {
		t.Errorf("bad finalize: status code = %d", code)
	}
	if len(f.sessions.started) != 0 {
		t.Error("invalid request reached the session manager")
	}
}

func TestSessions_NotConfigured(t *testing.T) {
	t.Parallel()

	store := subtitle.NewMemStore()
	tr := translator.New(&mock.Provider{})
	sched := scheduler.New(store, tr)
	defer sched.Close(context.Background())
	srv := httptest.NewServer(api.New(subtitles.New(store, tr, sched)).Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/sessions", "application/json", bytes.NewReader([]byte(`{"source":"mic","language":"en"}`)))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status code = %d", resp.StatusCode)
	}
}
