// Package translate defines the Provider interface for text-translation
// backends.
//
// A provider receives an ordered list of texts and returns an index-aligned
// list of translations. Batching policy, fallback to source text and timeouts
// are the caller's concern (see internal/translator); providers simply report
// errors.
//
// Implementations must be safe for concurrent use.
package translate

import (
	"context"
	"strings"
)

// Provider is the abstraction over any translation backend.
type Provider interface {
	// Translate translates texts from source to target. source may be empty
	// to request auto-detection. On success the returned slice has the same
	// length as texts. A backend that cannot translate an individual item may
	// return "" at that index.
	Translate(ctx context.Context, texts []string, source, target string) ([]string, error)

	// Name identifies the backend in logs and metrics.
	Name() string
}

// backendCodes maps the short codes used throughout babelcast to the codes
// most translation backends expect. Unlisted codes pass through unchanged.
var backendCodes = map[string]string{
	"zh":      "zh-CN",
	"zh-hans": "zh-CN",
	"zh-cn":   "zh-CN",
	"zh-hant": "zh-TW",
	"zh-tw":   "zh-TW",
	"pt-br":   "pt-BR",
	"iw":      "he",
}

// BackendCode normalizes a language code for a backend request. The empty
// string stays empty (auto-detect).
func BackendCode(code string) string {
	code = strings.TrimSpace(code)
	if code == "" {
		return ""
	}
	if mapped, ok := backendCodes[strings.ToLower(code)]; ok {
		return mapped
	}
	return code
}
