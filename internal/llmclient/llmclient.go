// Package llmclient defines the Language Model Client interface the Task
// Planner and the agent roles use to request completions, plus a
// genai-backed adapter and an in-memory fake for tests.
package llmclient

import (
	"context"
	"fmt"
)

// Request is a single prompt-with-context call to a language model.
type Request struct {
	// SystemPrompt establishes the agent role and its constraints.
	SystemPrompt string
	// Prompt is the user-facing request text.
	Prompt string
	// Context is the serialized WorldContext digest attached to the call.
	Context string
	// MaxOutputTokens bounds the response length; 0 means provider default.
	MaxOutputTokens int
}

// Response is a single model completion. Exactly one of JSON or Text is
// meaningful, matching the spec's "returning either a JSON intent or
// source text" contract: callers that expect structured output read JSON,
// callers that expect generated source read Text.
type Response struct {
	JSON       string
	Text       string
	TokensUsed int
}

// Client is the Language Model Client interface consumed by C3 (planning)
// and by agent roles generating scripts.
type Client interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// ErrNotConfigured is returned by adapters missing required setup (API key,
// model name) when Complete is called.
var ErrNotConfigured = fmt.Errorf("llmclient: client not configured")
