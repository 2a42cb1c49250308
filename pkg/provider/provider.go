// Package provider adapts external model APIs to the narrow interfaces the
// runtime consumes: speech transcription, reply generation, scene analysis,
// embedding, and tool execution.
package provider

import (
	"context"
	"errors"
)

var (
	ErrNoProvider = errors.New("provider: not configured")
	ErrNoChoices  = errors.New("provider: response carried no choices")
)

// ChatMessage is one turn of conversation history.
type ChatMessage struct {
	Role string `json:"role"` // "user" or "assistant"
	Text string `json:"text"`
}

// ChatRequest carries everything a reply generation needs.
type ChatRequest struct {
	System      string
	Messages    []ChatMessage
	Temperature float64
	MaxTokens   int
}

// Responder generates an assistant reply from conversation context.
type Responder interface {
	Respond(ctx context.Context, req ChatRequest) (string, error)
}

// Transcriber converts captured speech audio into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, mime string) (string, error)
}

// Embedder turns text into a dense vector, matching vecstore's contract.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ToolSpec describes one callable tool.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

// ToolExecutor runs named tools with JSON-encoded arguments. Implementations
// return the tool output as text; application-level tool failures come back
// as (output, nil) with the failure described in the output, transport
// failures as a non-nil error.
type ToolExecutor interface {
	Tools() []ToolSpec
	ExecuteTool(ctx context.Context, name, argsJSON string) (string, error)
	Close() error
}
