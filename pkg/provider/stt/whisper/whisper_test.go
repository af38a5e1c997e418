package whisper_test

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/babelcast/pkg/provider/stt"
	"github.com/MrWong99/babelcast/pkg/provider/stt/whisper"
)

// ---- helpers ----------------------------------------------------------------

// newMockServer creates a test server that responds to POST /inference with a
// JSON body containing responseText. It increments *callCount on every
// inference request.
func newMockServer(t *testing.T, responseText string, callCount *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/inference" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if callCount != nil {
			callCount.Add(1)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"text": responseText})
	}))
	t.Cleanup(srv.Close)
	return srv
}

// makeSpeechPCM generates a 440 Hz sine wave whose RMS (~7071) is well above
// the silence threshold.
func makeSpeechPCM(samples int) []byte {
	const amplitude = 10_000.0
	buf := make([]byte, samples*2)
	for i := range samples {
		v := int16(amplitude * math.Sin(2*math.Pi*440*float64(i)/16000))
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(v))
	}
	return buf
}

// makeSilencePCM generates zero-valued PCM.
func makeSilencePCM(samples int) []byte {
	return make([]byte, samples*2)
}

func mustStartStream(t *testing.T, p *whisper.Provider) stt.SessionHandle {
	t.Helper()
	h, err := p.StartStream(context.Background(), stt.StreamConfig{SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	return h
}

func waitResult(t *testing.T, h stt.SessionHandle) stt.Transcript {
	t.Helper()
	select {
	case tr, ok := <-h.Results():
		if !ok {
			t.Fatal("results channel closed before a transcript arrived")
		}
		return tr
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for transcript")
	}
	return stt.Transcript{}
}

// ---- provider construction --------------------------------------------------

func TestNew_EmptyServerURL_ReturnsError(t *testing.T) {
	if _, err := whisper.New(""); err == nil {
		t.Fatal("expected error for empty serverURL")
	}
}

func TestStartStream_UnreachableServer(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	p, _ := whisper.New(url)
	_, err := p.StartStream(context.Background(), stt.StreamConfig{})
	if !errors.Is(err, stt.ErrConnectFailure) {
		t.Fatalf("expected ErrConnectFailure, got %v", err)
	}
}

func TestStartStream_Unauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	p, _ := whisper.New(srv.URL)
	_, err := p.StartStream(context.Background(), stt.StreamConfig{})
	if !errors.Is(err, stt.ErrAuthFailure) {
		t.Fatalf("expected ErrAuthFailure, got %v", err)
	}
}

// ---- silence detection / buffering ------------------------------------------

func TestSilenceAloneDoesNotTriggerInference(t *testing.T) {
	var calls atomic.Int32
	srv := newMockServer(t, "unexpected", &calls)

	p, _ := whisper.New(srv.URL, whisper.WithSilenceThresholdMs(50))
	h := mustStartStream(t, p)

	_ = h.SendAudio(makeSilencePCM(16000))
	time.Sleep(150 * time.Millisecond)
	h.Close()

	if n := calls.Load(); n != 0 {
		t.Errorf("inference called %d time(s) for silence-only audio; want 0", n)
	}
}

func TestSpeechFollowedBySilenceEmitsFinalWithOffsets(t *testing.T) {
	const wantText = "Hello, how are you?"
	srv := newMockServer(t, " "+wantText+"\n", nil)

	p, _ := whisper.New(srv.URL, whisper.WithSilenceThresholdMs(100))
	h := mustStartStream(t, p)
	defer h.Close()

	// 200 ms leading silence, 100 ms speech, 100 ms silence.
	_ = h.SendAudio(makeSilencePCM(3200))
	_ = h.SendAudio(makeSpeechPCM(1600))
	_ = h.SendAudio(makeSilencePCM(1600))

	tr := waitResult(t, h)
	if tr.Text != wantText {
		t.Errorf("Text = %q; want %q", tr.Text, wantText)
	}
	if !tr.IsFinal {
		t.Error("whisper results must be final")
	}
	if tr.Start != 200*time.Millisecond {
		t.Errorf("Start = %v, want 200ms", tr.Start)
	}
	if tr.End != 400*time.Millisecond {
		t.Errorf("End = %v, want 400ms", tr.End)
	}
}

func TestMaxBufferExceededForcesFlush(t *testing.T) {
	const wantText = "continuous speech"
	srv := newMockServer(t, wantText, nil)

	p, _ := whisper.New(srv.URL,
		whisper.WithSilenceThresholdMs(10_000),
		whisper.WithMaxBufferDurationMs(200),
	)
	h := mustStartStream(t, p)
	defer h.Close()

	// 210 ms of continuous speech.
	if err := h.SendAudio(makeSpeechPCM(3360)); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	if tr := waitResult(t, h); tr.Text != wantText {
		t.Errorf("Text = %q; want %q", tr.Text, wantText)
	}
}

// ---- session close ----------------------------------------------------------

func TestClose_ClosesResultsAndIsIdempotent(t *testing.T) {
	srv := newMockServer(t, "", nil)

	p, _ := whisper.New(srv.URL)
	h := mustStartStream(t, p)

	if err := h.Close(); err != nil {
		t.Fatalf("first Close() returned error: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("second Close() returned error: %v", err)
	}
	select {
	case _, open := <-h.Results():
		if open {
			t.Error("Results channel should be closed after Close()")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Results channel to close")
	}
	if err := h.Err(); err != nil {
		t.Errorf("Err() = %v after graceful close", err)
	}
	if err := h.SendAudio(makeSpeechPCM(100)); !errors.Is(err, stt.ErrSessionClosed) {
		t.Fatalf("SendAudio after Close() = %v, want ErrSessionClosed", err)
	}
}

func TestClose_TranscribesBufferedSpeech(t *testing.T) {
	const wantText = "last words"
	srv := newMockServer(t, wantText, nil)

	p, _ := whisper.New(srv.URL, whisper.WithSilenceThresholdMs(60_000))
	h := mustStartStream(t, p)

	_ = h.SendAudio(makeSpeechPCM(1600))
	time.Sleep(50 * time.Millisecond)
	h.Close()

	var got []string
	for tr := range h.Results() {
		got = append(got, tr.Text)
	}
	if len(got) != 1 || got[0] != wantText {
		t.Errorf("results after close = %v, want [%q]", got, wantText)
	}
}

// ---- error handling ---------------------------------------------------------

func TestInference_ServerError_KeepsSessionAlive(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/inference" {
			return
		}
		if fail.Load() {
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"text": "recovered"})
	}))
	defer srv.Close()

	p, _ := whisper.New(srv.URL, whisper.WithSilenceThresholdMs(100))
	h := mustStartStream(t, p)
	defer h.Close()

	_ = h.SendAudio(makeSpeechPCM(1600))
	_ = h.SendAudio(makeSilencePCM(1600))
	time.Sleep(200 * time.Millisecond)

	fail.Store(false)
	_ = h.SendAudio(makeSpeechPCM(1600))
	_ = h.SendAudio(makeSilencePCM(1600))

	if tr := waitResult(t, h); tr.Text != "recovered" {
		t.Errorf("Text = %q, want recovered", tr.Text)
	}
}

func TestInference_EmptyResponse_ProducesNoTranscript(t *testing.T) {
	srv := newMockServer(t, "", nil)

	p, _ := whisper.New(srv.URL, whisper.WithSilenceThresholdMs(100))
	h := mustStartStream(t, p)

	_ = h.SendAudio(makeSpeechPCM(1600))
	_ = h.SendAudio(makeSilencePCM(1600))
	time.Sleep(200 * time.Millisecond)
	h.Close()

	for tr := range h.Results() {
		t.Errorf("unexpected transcript %+v", tr)
	}
}

// ---- concurrent use ---------------------------------------------------------

func TestConcurrentSendAudio_DoesNotRace(t *testing.T) {
	srv := newMockServer(t, "hello", nil)

	p, _ := whisper.New(srv.URL, whisper.WithSilenceThresholdMs(100))
	h := mustStartStream(t, p)
	defer h.Close()

	done := make(chan struct{})
	for range 4 {
		go func() {
			for range 10 {
				_ = h.SendAudio(makeSpeechPCM(160))
			}
			done <- struct{}{}
		}()
	}
	for range 4 {
		<-done
	}
}
