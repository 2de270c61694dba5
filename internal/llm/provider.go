// Package llm provides unified LLM provider interfaces and implementations.
package llm

import (
	"context"
)

// Provider is the unified interface for all LLM backends.
// Implementations: AnthropicProvider, OpenAIProvider, OllamaProvider, XAIProvider
type Provider interface {
	// Identity
	Name() string  // Provider instance name (e.g., "anthropic", "ollama-local")
	Type() string  // Provider type (e.g., "anthropic", "openai", "ollama", "xai")
	Model() string // Current model name

	// Cloning with overrides
	WithModel(model string) Provider // Clone with different model
	WithMaxTokens(max int) Provider  // Clone with output limit override

	// Availability
	IsAvailable() bool  // Ready to accept requests
	IsLocal() bool      // True if inference never leaves the host boundary
	ContextTokens() int // Model's context window size
	MaxTokens() int     // Current output limit

	// Complete sends a conversation and returns the assistant's reply text.
	// messages carries the history oldest-first, ending with the current user turn.
	Complete(ctx context.Context, messages []Message, systemPrompt string) (string, error)

	// SimpleMessage sends a single user message without history.
	SimpleMessage(ctx context.Context, userMessage, systemPrompt string) (string, error)
}

// Message represents a conversation message (provider-agnostic).
type Message struct {
	Role    string `json:"role"` // "user", "assistant", "system"
	Content string `json:"content"`
}

// Message roles
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ErrNotSupported is returned when a provider doesn't support an operation
type ErrNotSupported struct {
	Provider  string
	Operation string
}

func (e ErrNotSupported) Error() string {
	return e.Provider + " does not support " + e.Operation
}

// ErrUnavailable is returned when a provider is not available
type ErrUnavailable struct {
	Provider string
	Reason   string
}

func (e ErrUnavailable) Error() string {
	if e.Reason != "" {
		return e.Provider + " is unavailable: " + e.Reason
	}
	return e.Provider + " is unavailable"
}

// ProviderConfig is the configuration for a single provider instance
type ProviderConfig struct {
	Type           string `json:"type"`           // "anthropic", "openai", "ollama", "xai"
	APIKey         string `json:"apiKey"`         // For cloud providers
	BaseURL        string `json:"baseURL"`        // For OpenAI/Anthropic-compatible endpoints
	URL            string `json:"url"`            // For Ollama
	MaxTokens      int    `json:"maxTokens"`      // Output limit override
	ContextTokens  int    `json:"contextTokens"`  // Context window size override (0 = auto-detect)
	TimeoutSeconds int    `json:"timeoutSeconds"` // Request timeout
	PromptCaching  bool   `json:"promptCaching"`  // Anthropic-specific
	Local          *bool  `json:"local"`          // Overrides type-based local inference detection
	Trace          *bool  `json:"trace"`          // Per-provider trace logging
}

// IsLocalType reports whether a provider config describes a local backend.
// Ollama is local by default; anything else must be declared local explicitly
// (e.g. an openai-compatible server on localhost).
func (c ProviderConfig) IsLocalType() bool {
	if c.Local != nil {
		return *c.Local
	}
	return c.Type == "ollama"
}
