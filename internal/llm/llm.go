// Package llm provides the structured (JSON schema constrained) LLM client used
// by query analysis and reranking, and the bounded pipeline that turns its raw
// output into validated values.
package llm

import (
	"context"
	"encoding/json"
)

// GenerateOptions configures the LLM generation request.
type GenerateOptions struct {
	// Model specifies the LLM model to use (e.g., "llama3.2", "mistral").
	Model string

	// SystemPrompt sets the system-level instructions for the model.
	SystemPrompt string

	// Temperature controls randomness in generation (0.0 = deterministic, 1.0 = creative).
	Temperature float32

	// MaxTokens limits the maximum number of tokens in the response.
	MaxTokens int

	// Format is an optional JSON schema the response must follow.
	Format json.RawMessage
}

// LLM defines the interface for Large Language Model clients.
type LLM interface {
	// Generate sends a prompt to the LLM and returns the complete response.
	// It blocks until the full response is received or an error occurs.
	Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error)
}

// StructuredRequest is one schema-constrained generation.
type StructuredRequest struct {
	SystemPrompt string
	UserPrompt   string
	Schema       json.RawMessage
	Model        string
	Temperature  float32
	MaxTokens    int
}

// StructuredLLM returns raw text that is expected, but not guaranteed, to be
// JSON matching the request schema. Use Decode before trusting it.
type StructuredLLM interface {
	GenerateStructured(ctx context.Context, req StructuredRequest) (string, error)
}
