package session_test

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/MrWong99/babelcast/internal/session"
	"github.com/MrWong99/babelcast/pkg/audio/capture"
	audiomock "github.com/MrWong99/babelcast/pkg/audio/mock"
)

func newManager(t *testing.T) (*session.Manager, *env, map[string]*audiomock.Source) {
	t.Helper()
	e := newEnv(t)
	e.stt.Session = nil // a fresh recognition session per Start

	srcs := map[string]*audiomock.Source{"mic": {}, "tab": {}}
	capturers := make(map[string]session.Capturer, len(srcs))
	for name, s := range srcs {
		capturers[name] = capture.NewManager(s)
	}
	return session.NewManager(e.deps, capturers), e, srcs
}

func TestManager_Sources(t *testing.T) {
	t.Parallel()

	m, _, _ := newManager(t)
	if got := m.Sources(); !slices.Equal(got, []string{"mic", "tab"}) {
		t.Errorf("Sources = %v", got)
	}
}

func TestManager_StartErrors(t *testing.T) {
	t.Parallel()

	m, _, srcs := newManager(t)
	ctx := context.Background()

	if _, err := m.Start(ctx, "radio", session.Config{Language: "en"}); !errors.Is(err, session.ErrUnknownSource) {
		t.Errorf("unknown source: err = %v", err)
	}

	live, err := m.Start(ctx, "mic", session.Config{ContentID: "c1", Language: "en"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer live.Stop(ctx)
	if _, err := m.Start(ctx, "tab", session.Config{ContentID: "c1", Language: "en"}); !errors.Is(err, session.ErrContentBusy) {
		t.Errorf("busy content: err = %v", err)
	}
	if len(srcs["tab"].OpenCalls) != 0 {
		t.Error("busy content still opened the second source")
	}
}

func TestManager_FailedStartIsForgotten(t *testing.T) {
	t.Parallel()

	m, _, srcs := newManager(t)
	srcs["mic"].OpenErr = capture.ErrUserCancelled

	_, err := m.Start(context.Background(), "mic", session.Config{ContentID: "c1", Language: "en"})
	if !capture.IsSourceRefusal(err) {
		t.Fatalf("err = %v, want a source refusal", err)
	}
	if n := len(m.List()); n != 0 {
		t.Errorf("List has %d sessions after a failed start", n)
	}
}

func TestManager_GetListStop(t *testing.T) {
	t.Parallel()

	m, e, _ := newManager(t)
	ctx := context.Background()

	a, err := m.Start(ctx, "mic", session.Config{ContentID: "a", Language: "en", TargetLanguage: "ko"})
	if err != nil {
		t.Fatal(err)
	}
	b, err := m.Start(ctx, "tab", session.Config{ContentID: "b", Language: "en"})
	if err != nil {
		t.Fatal(err)
	}

	info, err := m.Get(a.ID())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if info.ContentID != "a" || info.Source != "mic" || info.State != "capturing" || info.TargetLanguage != "ko" {
		t.Errorf("Info = %+v", info)
	}
	if got := m.List(); len(got) != 2 {
		t.Errorf("List = %d sessions, want 2", len(got))
	}

	sum, err := m.Stop(ctx, a.ID(), false)
	if err != nil || sum.Finalized {
		t.Errorf("Stop(no finalize) = %+v, %v", sum, err)
	}
	eventually(t, "a forgotten", func() bool {
		_, err := m.Get(a.ID())
		return errors.Is(err, session.ErrNotFound)
	})
	if _, err := m.Stop(ctx, a.ID(), true); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("Stop of a stopped session: err = %v", err)
	}

	if err := m.Close(ctx); err != nil {
		t.Fatal(err)
	}
	select {
	case <-b.Stopped():
	default:
		t.Error("Close left a session running")
	}
	if e.stt.CallCount() != 2 {
		t.Errorf("recogniser connected %d times, want 2", e.stt.CallCount())
	}
}

func TestManager_NaturalEndIsForgotten(t *testing.T) {
	t.Parallel()

	m, _, srcs := newManager(t)
	live, err := m.Start(context.Background(), "mic", session.Config{Language: "en"})
	if err != nil {
		t.Fatal(err)
	}
	srcs["mic"].Opened()[0].End(nil)

	<-live.Stopped()
	eventually(t, "session forgotten", func() bool { return len(m.List()) == 0 })
	if live.ContentID() == "" {
		t.Error("content id not generated")
	}
}
