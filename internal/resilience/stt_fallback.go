package resilience

import (
	"context"
	"strings"

	"github.com/MrWong99/babelcast/pkg/provider/stt"
)

// STTFallback implements [stt.Provider] with failover across streaming
// recognisers. Only opening a stream is covered: once a session is running,
// its failures end the session as usual.
type STTFallback struct {
	group *FallbackGroup[stt.Provider]
}

var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback creates an [STTFallback] with primary as the preferred backend.
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *STTFallback {
	return &STTFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional recogniser.
func (f *STTFallback) AddFallback(name string, provider stt.Provider) {
	f.group.AddFallback(name, provider)
}

// Name lists the backends in failover order, e.g. "deepgram>google".
func (f *STTFallback) Name() string { return strings.Join(f.group.Names(), ">") }

// States reports each backend's breaker state.
func (f *STTFallback) States() map[string]State { return f.group.States() }

// StartStream opens a stream on the first healthy backend. When every backend
// fails, the error wraps both [ErrAllFailed] and the last backend's error, so
// [stt.ErrAuthFailure] is still detectable.
func (f *STTFallback) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	return ExecuteWithResult(ctx, f.group, func(p stt.Provider) (stt.SessionHandle, error) {
		return p.StartStream(ctx, cfg)
	})
}
