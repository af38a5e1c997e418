// Package llm defines the Provider interface for Large Language Model backends.
//
// Babelcast uses language models as one of its translation backends (see
// package translate/llmtranslate). A provider wraps a remote or local model API
// and exposes a single blocking completion call, so the translation layer does
// not couple to any specific SDK.
//
// Implementors must be safe for concurrent use.
package llm

import "context"

// Message represents a single message in an LLM conversation.
type Message struct {
	// Role is one of "system", "user" or "assistant".
	Role string

	// Content is the text content of the message.
	Content string
}

// Usage holds token accounting information returned by the backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the model needs to produce a response.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	// SystemPrompt is an optional instruction injected before Messages.
	SystemPrompt string

	// Messages is the ordered conversation. The last message is typically
	// from the "user" role.
	Messages []Message

	// Temperature controls output randomness. Zero requests the provider
	// default.
	Temperature float64

	// MaxTokens caps the completion length. Zero means provider default.
	MaxTokens int

	// JSONObject asks the backend to constrain the reply to a single JSON
	// object when it supports that. Backends without native support ignore
	// it and rely on the prompt.
	JSONObject bool
}

// CompletionResponse is returned by [Provider.Complete].
type CompletionResponse struct {
	// Content is the full text of the assistant's reply.
	Content string

	// Usage contains token accounting for this request.
	Usage Usage
}

// Provider is the abstraction over any LLM backend.
type Provider interface {
	// Complete sends req to the model and waits for the full response.
	// Returns an error if the request fails or ctx is cancelled first.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// Model returns the configured model name, for logging and metrics.
	Model() string
}
