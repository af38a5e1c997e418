// Package api serves the Babelcast HTTP API: subtitle retrieval and upload,
// on-demand warm-up, free-text translation and live session control.
//
//	GET    /v1/subtitles/{contentID}?lang=xx&synthesize=bool
//	PUT    /v1/subtitles/{contentID}
//	POST   /v1/subtitles/{contentID}/warm[?wait=true]
//	DELETE /v1/subtitles/{contentID}/warm
//	POST   /v1/translate
//	GET    /v1/sources
//	GET    /v1/sessions
//	POST   /v1/sessions
//	GET    /v1/sessions/{id}
//	DELETE /v1/sessions/{id}[?finalize=false]
//
// Errors are JSON objects of the form {"error": "..."}.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/MrWong99/babelcast/internal/scheduler"
	"github.com/MrWong99/babelcast/internal/session"
	"github.com/MrWong99/babelcast/internal/subtitles"
	"github.com/MrWong99/babelcast/internal/transcribe"
	"github.com/MrWong99/babelcast/pkg/audio/capture"
	"github.com/MrWong99/babelcast/pkg/subtitle"
)

// maxTranslateTexts caps the number of texts accepted by /v1/translate.
const maxTranslateTexts = 1000

// maxBodyBytes caps request bodies.
const maxBodyBytes = 4 << 20

// defaultWaitTimeout bounds ?wait=true warm requests.
const defaultWaitTimeout = 5 * time.Minute

// Sessions is the session control surface. Satisfied by [session.Manager].
type Sessions interface {
	Sources() []string
	Start(ctx context.Context, source string, cfg session.Config) (*session.Live, error)
	Get(id string) (session.Info, error)
	List() []session.Info
	Stop(ctx context.Context, id string, finalize bool) (session.Summary, error)
}

// Canceller cancels background work for open content. Satisfied by
// [scheduler.Scheduler].
type Canceller interface {
	CancelContent(ctx context.Context, contentID string) (int, error)
}

var (
	_ Sessions  = (*session.Manager)(nil)
	_ Canceller = (*scheduler.Scheduler)(nil)
)

// Server holds the API handlers.
type Server struct {
	subtitles   *subtitles.Service
	sessions    Sessions
	canceller   Canceller
	waitTimeout time.Duration
}

// Option configures a [Server].
type Option func(*Server)

// WithSessions enables the session endpoints. Without it they answer 503.
func WithSessions(s Sessions) Option {
	return func(srv *Server) { srv.sessions = s }
}

// WithCanceller enables DELETE /v1/subtitles/{contentID}/warm.
func WithCanceller(c Canceller) Option {
	return func(srv *Server) { srv.canceller = c }
}

// WithWaitTimeout bounds how long ?wait=true blocks.
func WithWaitTimeout(d time.Duration) Option {
	return func(srv *Server) {
		if d > 0 {
			srv.waitTimeout = d
		}
	}
}

// New returns a Server backed by svc.
func New(svc *subtitles.Service, opts ...Option) *Server {
	s := &Server{subtitles: svc, waitTimeout: defaultWaitTimeout}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register adds the API routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/subtitles/{contentID}", s.handleGetSubtitles)
	mux.HandleFunc("PUT /v1/subtitles/{contentID}", s.handlePutSubtitles)
	mux.HandleFunc("POST /v1/subtitles/{contentID}/warm", s.handleWarm)
	mux.HandleFunc("DELETE /v1/subtitles/{contentID}/warm", s.handleCancelWarm)
	mux.HandleFunc("POST /v1/translate", s.handleTranslate)
	mux.HandleFunc("GET /v1/sources", s.handleSources)
	mux.HandleFunc("GET /v1/sessions", s.handleListSessions)
	mux.HandleFunc("POST /v1/sessions", s.handleStartSession)
	mux.HandleFunc("GET /v1/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /v1/sessions/{id}", s.handleStopSession)
}

// Handler returns a mux serving only the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Register(mux)
	return mux
}

type subtitlesResponse struct {
	ContentID          string               `json:"content_id"`
	Status             string               `json:"status"`
	OriginalLanguage   string               `json:"original_language,omitempty"`
	AvailableLanguages []string             `json:"available_languages"`
	Utterances         []subtitle.Utterance `json:"utterances"`
	Pending            []string             `json:"pending,omitempty"`
	Synthesized        bool                 `json:"synthesized,omitempty"`
	WarmingTask        string               `json:"warming_task,omitempty"`
}

func (s *Server) handleGetSubtitles(w http.ResponseWriter, r *http.Request) {
	contentID := r.PathValue("contentID")
	q := r.URL.Query()
	synth, err := boolParam(q.Get("synthesize"), false)
	if err != nil {
		writeError(w, http.StatusBadRequest, "synthesize: "+err.Error())
		return
	}

	res, err := s.subtitles.Get(r.Context(), contentID, q.Get("lang"), synth)
	if err != nil {
		writeErr(w, err)
		return
	}
	resp := subtitlesResponse{
		ContentID:          contentID,
		Status:             res.Kind.String(),
		OriginalLanguage:   res.OriginalLanguage,
		AvailableLanguages: res.AvailableLanguages,
		Utterances:         res.Utterances,
		Pending:            res.Pending,
		Synthesized:        res.Synthesized,
	}
	if resp.AvailableLanguages == nil {
		resp.AvailableLanguages = []string{}
	}
	if resp.Utterances == nil {
		resp.Utterances = []subtitle.Utterance{}
	}
	if res.Warming != nil {
		resp.WarmingTask = res.Warming.ID
	}
	writeJSON(w, http.StatusOK, resp)
}

type putRequest struct {
	OriginalLanguage string               `json:"original_language"`
	Utterances       []subtitle.Utterance `json:"utterances"`
	Title            string               `json:"title"`
	DurationMs       int64                `json:"duration_ms"`
}

type putResponse struct {
	Status      string `json:"status"`
	WarmingTask string `json:"warming_task,omitempty"`
}

// handlePutSubtitles stores a completed transcript. A transcript for content
// that is already finalized leaves the stored record as is.
func (s *Server) handlePutSubtitles(w http.ResponseWriter, r *http.Request) {
	var req putRequest
	if !decode(w, r, &req) {
		return
	}
	switch {
	case req.OriginalLanguage == "":
		writeError(w, http.StatusBadRequest, "original_language is required")
		return
	case len(req.Utterances) == 0:
		writeError(w, http.StatusBadRequest, "utterances must not be empty")
		return
	case req.DurationMs < 0:
		writeError(w, http.StatusBadRequest, "duration_ms must not be negative")
		return
	}
	if err := subtitle.ValidateUtterances(0, req.Utterances); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.subtitles.Ingest(r.Context(), r.PathValue("contentID"), subtitles.Transcript{
		OriginalLanguage: req.OriginalLanguage,
		Utterances:       req.Utterances,
		Title:            req.Title,
		DurationMs:       req.DurationMs,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	if !res.Created {
		writeJSON(w, http.StatusOK, putResponse{Status: "exists"})
		return
	}
	resp := putResponse{Status: "created"}
	if res.Warming != nil {
		resp.WarmingTask = res.Warming.ID
	}
	writeJSON(w, http.StatusCreated, resp)
}

type warmRequest struct {
	OriginalLanguage string   `json:"original_language"`
	ExcludeLanguages []string `json:"exclude_languages"`
}

type warmResponse struct {
	Task   string   `json:"task"`
	Warmed []string `json:"warmed,omitempty"`
	Failed []string `json:"failed,omitempty"`
}

func (s *Server) handleWarm(w http.ResponseWriter, r *http.Request) {
	var req warmRequest
	if r.ContentLength != 0 {
		if !decode(w, r, &req) {
			return
		}
	}
	wait, err := boolParam(r.URL.Query().Get("wait"), false)
	if err != nil {
		writeError(w, http.StatusBadRequest, "wait: "+err.Error())
		return
	}

	task, err := s.subtitles.Warm(r.Context(), scheduler.Request{
		ContentID:        r.PathValue("contentID"),
		OriginalLanguage: req.OriginalLanguage,
		ExcludeLanguages: req.ExcludeLanguages,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	if !wait {
		writeJSON(w, http.StatusAccepted, warmResponse{Task: task.ID})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.waitTimeout)
	defer cancel()
	res, err := task.Wait(ctx)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, warmResponse{Task: task.ID, Warmed: res.Warmed, Failed: res.Failed})
}

func (s *Server) handleCancelWarm(w http.ResponseWriter, r *http.Request) {
	if s.canceller == nil {
		writeError(w, http.StatusServiceUnavailable, "cancellation is not available")
		return
	}
	n, err := s.canceller.CancelContent(r.Context(), r.PathValue("contentID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cancelled": n})
}

type translateRequest struct {
	Texts          []string `json:"texts"`
	SourceLanguage string   `json:"source_language"`
	TargetLanguage string   `json:"target_language"`
}

type translateResponse struct {
	Translations []string `json:"translations"`
}

func (s *Server) handleTranslate(w http.ResponseWriter, r *http.Request) {
	var req translateRequest
	if !decode(w, r, &req) {
		return
	}
	switch {
	case req.TargetLanguage == "":
		writeError(w, http.StatusBadRequest, "target_language is required")
		return
	case len(req.Texts) > maxTranslateTexts:
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("at most %d texts per request", maxTranslateTexts))
		return
	}
	out := s.subtitles.Translate(r.Context(), req.Texts, req.SourceLanguage, req.TargetLanguage)
	if out == nil {
		out = []string{}
	}
	writeJSON(w, http.StatusOK, translateResponse{Translations: out})
}

func (s *Server) handleSources(w http.ResponseWriter, _ *http.Request) {
	if s.sessions == nil {
		writeJSON(w, http.StatusOK, map[string][]string{"sources": {}})
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"sources": s.sessions.Sources()})
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	if !s.requireSessions(w) {
		return
	}
	writeJSON(w, http.StatusOK, map[string][]session.Info{"sessions": s.sessions.List()})
}

type startRequest struct {
	Source         string `json:"source"`
	ContentID      string `json:"content_id"`
	Language       string `json:"language"`
	TargetLanguage string `json:"target_language"`
	Title          string `json:"title"`
	WantVideo      bool   `json:"want_video"`
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	if !s.requireSessions(w) {
		return
	}
	var req startRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Source == "" || req.Language == "" {
		writeError(w, http.StatusBadRequest, "source and language are required")
		return
	}

	// The session outlives the request.
	ctx := context.WithoutCancel(r.Context())
	live, err := s.sessions.Start(ctx, req.Source, session.Config{
		ContentID:      req.ContentID,
		Language:       req.Language,
		TargetLanguage: req.TargetLanguage,
		Title:          req.Title,
		WantVideo:      req.WantVideo,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	info, err := s.sessions.Get(live.ID())
	if err != nil {
		// Ended before we could look at it.
		info = session.Info{ID: live.ID(), ContentID: live.ContentID(), Source: req.Source, State: live.State().String()}
	}
	writeJSON(w, http.StatusCreated, info)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	if !s.requireSessions(w) {
		return
	}
	info, err := s.sessions.Get(r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

type stopResponse struct {
	ContentID   string `json:"content_id"`
	Utterances  int    `json:"utterances"`
	Finalized   bool   `json:"finalized"`
	Merged      bool   `json:"merged"`
	WarmingTask string `json:"warming_task,omitempty"`
	Error       string `json:"error,omitempty"`
}

func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	if !s.requireSessions(w) {
		return
	}
	finalize, err := boolParam(r.URL.Query().Get("finalize"), true)
	if err != nil {
		writeError(w, http.StatusBadRequest, "finalize: "+err.Error())
		return
	}
	sum, err := s.sessions.Stop(context.WithoutCancel(r.Context()), r.PathValue("id"), finalize)
	if err != nil {
		writeErr(w, err)
		return
	}
	resp := stopResponse{
		ContentID:  sum.ContentID,
		Utterances: sum.Utterances,
		Finalized:  sum.Finalized,
		Merged:     sum.Merged,
	}
	if sum.Warming != nil {
		resp.WarmingTask = sum.Warming.ID
	}
	if sum.Err != nil {
		resp.Error = sum.Err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) requireSessions(w http.ResponseWriter) bool {
	if s.sessions == nil {
		writeError(w, http.StatusServiceUnavailable, "live sessions are not configured")
		return false
	}
	return true
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrUnknownSource),
		errors.Is(err, session.ErrNotFound),
		errors.Is(err, subtitle.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrContentBusy),
		errors.Is(err, subtitle.ErrAlreadyFinalized),
		errors.Is(err, subtitle.ErrLanguageMismatch),
		errors.Is(err, subtitle.ErrRecordOpen):
		return http.StatusConflict
	case capture.IsSourceRefusal(err):
		return http.StatusForbidden
	case errors.Is(err, capture.ErrNoAudioTrack):
		return http.StatusUnprocessableEntity
	case errors.Is(err, transcribe.ErrAuthFailure),
		errors.Is(err, transcribe.ErrConnectFailure),
		errors.Is(err, transcribe.ErrStreamClosedUnexpectedly):
		return http.StatusBadGateway
	case errors.Is(err, subtitle.ErrStorageUnavailable),
		errors.Is(err, scheduler.ErrQueueFull),
		errors.Is(err, scheduler.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeErr(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		slog.Warn("api: request failed", "status", status, "err", err)
	}
	writeError(w, status, err.Error())
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decode reads a JSON body into v. On failure it writes a 400 and returns
// false.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func boolParam(v string, def bool) (bool, error) {
	if v == "" {
		return def, nil
	}
	return strconv.ParseBool(v)
}
