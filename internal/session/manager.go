package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"
)

var (
	// ErrUnknownSource is returned by [Manager.Start] for a source name that
	// was not configured.
	ErrUnknownSource = errors.New("session: unknown source")

	// ErrContentBusy is returned when a session is already capturing into
	// the requested content id.
	ErrContentBusy = errors.New("session: content already capturing")

	// ErrNotFound is returned for an unknown session id.
	ErrNotFound = errors.New("session: not found")
)

// Info is a snapshot of a running session.
type Info struct {
	ID             string    `json:"id"`
	ContentID      string    `json:"content_id"`
	Source         string    `json:"source"`
	Language       string    `json:"language"`
	TargetLanguage string    `json:"target_language,omitempty"`
	State          string    `json:"state"`
	Level          float64   `json:"level"`
	Interim        string    `json:"interim"`
	Utterances     int       `json:"utterances"`
	StartedAt      time.Time `json:"started_at"`
}

type entry struct {
	live   *Live
	source string
}

// Manager runs live sessions against a fixed set of named audio sources.
// All exported methods are safe for concurrent use.
type Manager struct {
	deps    Deps
	sources map[string]Capturer

	mu       sync.Mutex
	sessions map[string]entry
}

// NewManager returns a Manager. deps.Capture is ignored; each session uses
// the capturer registered under its source name.
func NewManager(deps Deps, sources map[string]Capturer) *Manager {
	return &Manager{
		deps:     deps,
		sources:  sources,
		sessions: make(map[string]entry),
	}
}

// Sources lists the configured source names in sorted order.
func (m *Manager) Sources() []string {
	names := make([]string, 0, len(m.sources))
	for n := range m.sources {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Start begins a session on source. The session is forgotten once it stops,
// whether by request or because its audio ended.
func (m *Manager) Start(ctx context.Context, source string, cfg Config) (*Live, error) {
	capturer, ok := m.sources[source]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSource, source)
	}

	m.mu.Lock()
	if cfg.ContentID != "" {
		for _, e := range m.sessions {
			if e.live.ContentID() == cfg.ContentID {
				m.mu.Unlock()
				return nil, fmt.Errorf("%w: %q", ErrContentBusy, cfg.ContentID)
			}
		}
	}
	deps := m.deps
	deps.Capture = capturer
	live := NewLive(cfg, deps)
	m.sessions[live.ID()] = entry{live: live, source: source}
	m.mu.Unlock()

	if err := live.Start(ctx); err != nil {
		m.forget(live.ID())
		return nil, err
	}
	go func() {
		<-live.Stopped()
		m.forget(live.ID())
	}()
	return live, nil
}

func (m *Manager) forget(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// Get returns a snapshot of session id.
func (m *Manager) Get(id string) (Info, error) {
	m.mu.Lock()
	e, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return Info{}, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return info(e), nil
}

// List returns snapshots of every running session, oldest first.
func (m *Manager) List() []Info {
	m.mu.Lock()
	out := make([]Info, 0, len(m.sessions))
	for _, e := range m.sessions {
		out = append(out, info(e))
	}
	m.mu.Unlock()
	slices.SortFunc(out, func(a, b Info) int { return a.StartedAt.Compare(b.StartedAt) })
	return out
}

// Stop stops session id. With finalize unset the record stays open (see
// [Live.Abandon]).
func (m *Manager) Stop(ctx context.Context, id string, finalize bool) (Summary, error) {
	m.mu.Lock()
	e, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return Summary{}, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	if finalize {
		return e.live.Stop(ctx), nil
	}
	return e.live.Abandon(ctx), nil
}

// Close finalizes every running session.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	lives := make([]*Live, 0, len(m.sessions))
	for _, e := range m.sessions {
		lives = append(lives, e.live)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, l := range lives {
		wg.Go(func() {
			sum := l.Stop(ctx)
			slog.Info("session closed on shutdown", "session_id", l.ID(), "utterances", sum.Utterances)
		})
	}
	wg.Wait()
	return nil
}

func info(e entry) Info {
	l := e.live
	return Info{
		ID:             l.ID(),
		ContentID:      l.ContentID(),
		Source:         e.source,
		Language:       l.cfg.Language,
		TargetLanguage: l.cfg.TargetLanguage,
		State:          l.State().String(),
		Level:          l.Level(),
		Interim:        l.Interim(),
		Utterances:     l.UtteranceCount(),
		StartedAt:      l.StartedAt(),
	}
}
