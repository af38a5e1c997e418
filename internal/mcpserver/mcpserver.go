// Package mcpserver exposes the subtitle cache to MCP clients over the
// streamable HTTP transport.
//
// Tools:
//   - lookup_subtitles: cached subtitles for a content id, optionally
//     translated on the spot.
//   - warm_translations: queue (or run to completion) background
//     pre-translation.
//   - translate_texts: translate free text with the configured backend.
package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/babelcast/internal/observe"
	"github.com/MrWong99/babelcast/internal/scheduler"
	"github.com/MrWong99/babelcast/internal/subtitles"
	"github.com/MrWong99/babelcast/pkg/subtitle"
)

const (
	ToolLookup    = "lookup_subtitles"
	ToolWarm      = "warm_translations"
	ToolTranslate = "translate_texts"
)

// maxTexts caps translate_texts input.
const maxTexts = 500

// waitTimeout bounds warm_translations with wait set.
const waitTimeout = 2 * time.Minute

// LookupInput is the argument of lookup_subtitles.
type LookupInput struct {
	ContentID  string `json:"content_id" jsonschema:"the content identity, e.g. a video id or live session content id"`
	Language   string `json:"language,omitempty" jsonschema:"requested language code; empty means the original language"`
	Synthesize bool   `json:"synthesize,omitempty" jsonschema:"translate on the spot when the language is not cached"`
}

// LookupOutput is the result of lookup_subtitles.
type LookupOutput struct {
	Status             string               `json:"status" jsonschema:"miss, original, translated or partial"`
	OriginalLanguage   string               `json:"original_language,omitempty"`
	AvailableLanguages []string             `json:"available_languages"`
	Pending            []string             `json:"pending,omitempty" jsonschema:"languages being translated in the background"`
	Utterances         []subtitle.Utterance `json:"utterances"`
}

// WarmInput is the argument of warm_translations.
type WarmInput struct {
	ContentID        string   `json:"content_id"`
	OriginalLanguage string   `json:"original_language,omitempty"`
	ExcludeLanguages []string `json:"exclude_languages,omitempty"`
	Wait             bool     `json:"wait,omitempty" jsonschema:"block until the task finished"`
}

// WarmOutput is the result of warm_translations.
type WarmOutput struct {
	Task   string   `json:"task"`
	Done   bool     `json:"done"`
	Warmed []string `json:"warmed,omitempty"`
	Failed []string `json:"failed,omitempty"`
}

// TranslateInput is the argument of translate_texts.
type TranslateInput struct {
	Texts          []string `json:"texts"`
	SourceLanguage string   `json:"source_language,omitempty" jsonschema:"source language code; empty lets the backend detect it"`
	TargetLanguage string   `json:"target_language"`
}

// TranslateOutput is the result of translate_texts.
type TranslateOutput struct {
	Translations []string `json:"translations" jsonschema:"index-aligned with texts; untranslatable entries are returned unchanged"`
}

// Server wraps an MCP server bound to a [subtitles.Service].
type Server struct {
	svc     *subtitles.Service
	metrics *observe.Metrics
	mcp     *mcpsdk.Server
}

// Option configures a [Server].
type Option func(*Server)

// WithMetrics overrides the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// New builds the MCP server and registers the tools.
func New(svc *subtitles.Service, version string, opts ...Option) *Server {
	s := &Server{svc: svc}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}

	s.mcp = mcpsdk.NewServer(&mcpsdk.Implementation{Name: "babelcast", Version: version}, nil)
	mcpsdk.AddTool(s.mcp, &mcpsdk.Tool{
		Name:        ToolLookup,
		Description: "Look up cached subtitles for a content id in a language.",
	}, instrument(s, ToolLookup, s.lookup))
	mcpsdk.AddTool(s.mcp, &mcpsdk.Tool{
		Name:        ToolWarm,
		Description: "Pre-translate finalized content into the configured background languages.",
	}, instrument(s, ToolWarm, s.warm))
	mcpsdk.AddTool(s.mcp, &mcpsdk.Tool{
		Name:        ToolTranslate,
		Description: "Translate a list of texts into a target language.",
	}, instrument(s, ToolTranslate, s.translate))
	return s
}

// MCP returns the underlying SDK server.
func (s *Server) MCP() *mcpsdk.Server { return s.mcp }

// Handler returns the streamable HTTP handler.
func (s *Server) Handler() http.Handler {
	return mcpsdk.NewStreamableHTTPHandler(func(*http.Request) *mcpsdk.Server { return s.mcp }, nil)
}

func instrument[In, Out any](s *Server, name string, fn func(context.Context, In) (Out, error)) mcpsdk.ToolHandlerFor[In, Out] {
	return func(ctx context.Context, _ *mcpsdk.CallToolRequest, in In) (*mcpsdk.CallToolResult, Out, error) {
		ctx, span := observe.StartSpan(ctx, "mcp."+name,
			trace.WithAttributes(observe.ToolKey.String(name)))
		defer span.End()

		start := time.Now()
		out, err := fn(ctx, in)
		s.metrics.ToolExecutionDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(attribute.String("tool", name)))
		status := "ok"
		if err != nil {
			status = "error"
			observe.Fail(span, err)
		}
		s.metrics.RecordToolCall(ctx, name, status)
		return nil, out, err
	}
}

func (s *Server) lookup(ctx context.Context, in LookupInput) (LookupOutput, error) {
	if in.ContentID == "" {
		return LookupOutput{}, errors.New("content_id is required")
	}
	res, err := s.svc.Get(ctx, in.ContentID, in.Language, in.Synthesize)
	if err != nil {
		return LookupOutput{}, err
	}
	out := LookupOutput{
		Status:             res.Kind.String(),
		OriginalLanguage:   res.OriginalLanguage,
		AvailableLanguages: res.AvailableLanguages,
		Pending:            res.Pending,
		Utterances:         res.Utterances,
	}
	if out.AvailableLanguages == nil {
		out.AvailableLanguages = []string{}
	}
	if out.Utterances == nil {
		out.Utterances = []subtitle.Utterance{}
	}
	return out, nil
}

func (s *Server) warm(ctx context.Context, in WarmInput) (WarmOutput, error) {
	if in.ContentID == "" {
		return WarmOutput{}, errors.New("content_id is required")
	}
	task, err := s.svc.Warm(ctx, scheduler.Request{
		ContentID:        in.ContentID,
		OriginalLanguage: in.OriginalLanguage,
		ExcludeLanguages: in.ExcludeLanguages,
	})
	if err != nil {
		return WarmOutput{}, err
	}
	out := WarmOutput{Task: task.ID}
	if !in.Wait {
		return out, nil
	}

	ctx, cancel := context.WithTimeout(ctx, waitTimeout)
	defer cancel()
	res, err := task.Wait(ctx)
	if err != nil {
		return out, fmt.Errorf("warm %q: %w", in.ContentID, err)
	}
	out.Done, out.Warmed, out.Failed = true, res.Warmed, res.Failed
	return out, nil
}

func (s *Server) translate(ctx context.Context, in TranslateInput) (TranslateOutput, error) {
	switch {
	case in.TargetLanguage == "":
		return TranslateOutput{}, errors.New("target_language is required")
	case len(in.Texts) > maxTexts:
		return TranslateOutput{}, fmt.Errorf("at most %d texts per call", maxTexts)
	}
	out := s.svc.Translate(ctx, in.Texts, in.SourceLanguage, in.TargetLanguage)
	if out == nil {
		out = []string{}
	}
	return TranslateOutput{Translations: out}, nil
}
