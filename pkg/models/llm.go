package models

import "context"

// LLMProvider is the capability interface for invoking a language model.
// Callers inject this interface rather than a concrete backend.
type LLMProvider interface {
	// Generate runs a rendered prompt against the named model and returns
	// the model's text response, or a typed failure.
	Generate(ctx context.Context, model, prompt string) (string, error)
	// Name returns the backend identifier (e.g., "ollama", "openai").
	Name() string
}
