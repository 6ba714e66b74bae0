// Package ai abstracts the streaming LLM engine behind scheduled task execution.
package ai

import "context"

// PermissionMode controls how much the model may do without asking.
// Scheduled runs always force autonomous since nobody is watching.
type PermissionMode string

const (
	PermissionModeDefault    PermissionMode = "default"
	PermissionModeAutonomous PermissionMode = "autonomous"
)

// Turn is one prior exchange in a conversation, oldest first.
type Turn struct {
	Role    string // "user", "assistant" or "system"
	Content string
}

// Request carries everything an engine needs for one generation.
type Request struct {
	Prompt         string
	SystemPrompt   string
	History        []Turn
	PermissionMode PermissionMode
}

// Settings selects the provider and model for an engine.
type Settings struct {
	// Provider is the LLM provider: "google", "anthropic", "openai", "openai_compatible".
	Provider string
	Model    string
	APIKey   string
	// BaseURL overrides the provider endpoint for openai_compatible setups.
	BaseURL string
}

// Engine streams a reply for a request. Chunks of assistant text arrive
// through onChunk in order; the full reply is returned once the stream
// completes. onChunk returning an error aborts the stream.
type Engine interface {
	Stream(ctx context.Context, req Request, onChunk func(text string) error) (string, error)
}
