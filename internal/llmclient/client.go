// Package llmclient talks to the language-model capability: given a prompt
// pair and generation options it returns raw text. Everything above it (the
// planner) deals in validated plan fragments, never in transport details.
package llmclient

import "context"

// GenerationOptions tune a single generation call.
type GenerationOptions struct {
	Temperature float32
	// ForceJSONFormat asks the provider for a JSON-only response body.
	ForceJSONFormat bool
}

// GenerationRequest is the provider-agnostic input of one generation call.
type GenerationRequest struct {
	SystemPrompt string
	UserPrompt   string
	Options      GenerationOptions
}

// Client is the minimal capability the planner depends on.
type Client interface {
	GenerateResponse(ctx context.Context, req GenerationRequest) (string, error)
}
