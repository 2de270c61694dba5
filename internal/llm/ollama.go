package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	. "github.com/tablesage/tablesage/internal/logging"
)

// OllamaProvider implements the Provider interface for a local Ollama server.
// This is the only provider type allowed to see raw query results.
type OllamaProvider struct {
	name          string // Provider instance name (e.g., "local")
	url           string
	model         string
	maxTokens     int  // Output limit (0 = use model default)
	contextTokens int  // Model's context window in tokens (queried from Ollama)
	ctxOverride   bool // True if context window was set explicitly in config
	client        *http.Client
	available     bool
	mu            sync.RWMutex
}

// ollamaShowRequest is the request body for /api/show
type ollamaShowRequest struct {
	Model string `json:"model"`
}

// ollamaShowResponse is the response from /api/show (partial - we only need model_info)
type ollamaShowResponse struct {
	ModelInfo map[string]interface{} `json:"model_info"`
}

// ollamaChatRequest is the request body for Ollama chat API
type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Stream   bool                `json:"stream"`
	Options  *ollamaOptions      `json:"options,omitempty"`
}

// ollamaOptions contains model options like context size
type ollamaOptions struct {
	NumCtx int `json:"num_ctx,omitempty"` // Context window size
}

// ollamaChatMessage represents a message in Ollama chat format
type ollamaChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ollamaChatResponse is the response from Ollama chat API
type ollamaChatResponse struct {
	Message ollamaChatMessage `json:"message"`
	Done    bool              `json:"done"`
}

// NewOllamaProvider creates a new Ollama provider from ProviderConfig.
func NewOllamaProvider(name string, cfg ProviderConfig) (*OllamaProvider, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("ollama URL not configured")
	}

	url := strings.TrimSuffix(cfg.URL, "/")

	timeoutSeconds := cfg.TimeoutSeconds
	if timeoutSeconds <= 0 {
		timeoutSeconds = 300 // 5 minutes default
	}

	// Conservative default, updated by queryModelInfo unless overridden
	contextTokens := 4096
	ctxOverride := false
	if cfg.ContextTokens > 0 {
		contextTokens = cfg.ContextTokens
		ctxOverride = true
	}

	p := &OllamaProvider{
		name:          name,
		url:           url,
		model:         "", // Model set via WithModel()
		maxTokens:     cfg.MaxTokens,
		contextTokens: contextTokens,
		ctxOverride:   ctxOverride,
		client: &http.Client{
			Timeout: time.Duration(timeoutSeconds) * time.Second,
		},
		available: false,
	}

	L_debug("ollama provider created", "name", name, "url", url, "timeout", timeoutSeconds)

	return p, nil
}

// initializeModel queries model info and checks availability
func (p *OllamaProvider) initializeModel() {
	if !p.ctxOverride {
		p.queryModelInfo()
	}
	p.checkAvailability()
}

// queryModelInfo fetches model metadata from Ollama to get context window size
func (p *OllamaProvider) queryModelInfo() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	reqBody := ollamaShowRequest{Model: p.model}
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		L_warn("ollama: failed to marshal show request", "error", err)
		return
	}

	url := p.url + "/api/show"
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(jsonData))
	if err != nil {
		L_warn("ollama: failed to create show request", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		L_warn("ollama: show request failed", "error", err, "model", p.model)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		L_warn("ollama: show request returned error", "status", resp.StatusCode, "body", string(body))
		return
	}

	var result ollamaShowResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		L_warn("ollama: failed to decode show response", "error", err)
		return
	}

	// Look for context_length in model_info.
	// Different models use different keys, try common patterns.
	contextLength := 0
	for key, value := range result.ModelInfo {
		keyLower := strings.ToLower(key)
		if strings.Contains(keyLower, "context_length") {
			if v, ok := value.(float64); ok {
				contextLength = int(v)
				break
			}
		}
	}

	if contextLength > 0 {
		p.mu.Lock()
		p.contextTokens = contextLength
		p.mu.Unlock()
		L_info("ollama: detected model context window", "model", p.model, "contextTokens", contextLength)
	} else {
		L_warn("ollama: could not detect context window, using default", "model", p.model, "default", p.contextTokens)
	}
}

// checkAvailability tests if Ollama is reachable and the model is available
func (p *OllamaProvider) checkAvailability() {
	// Use client's configured timeout - large models can take minutes to load
	timeout := p.client.Timeout
	if timeout < 120*time.Second {
		timeout = 120 * time.Second // Minimum 2 minutes for model loading
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	L_info("ollama: checking availability", "url", p.url, "model", p.model, "timeout", timeout)

	// SimpleMessage doesn't check IsAvailable, safe to call here
	_, err := p.SimpleMessage(ctx, "hi", "respond with 'ok'")
	if err != nil {
		L_warn("ollama: not available", "error", err, "url", p.url, "model", p.model)
		p.mu.Lock()
		p.available = false
		p.mu.Unlock()
		return
	}

	p.mu.Lock()
	p.available = true
	p.mu.Unlock()

	L_info("ollama: client ready", "url", p.url, "model", p.model)
}

// Name returns the provider instance name
func (p *OllamaProvider) Name() string {
	return p.name
}

// Type returns the provider type
func (p *OllamaProvider) Type() string {
	return "ollama"
}

// Model returns the configured model name
func (p *OllamaProvider) Model() string {
	return p.model
}

// WithModel returns a clone of the provider configured with a specific model
func (p *OllamaProvider) WithModel(model string) Provider {
	clone := *p
	clone.model = model
	// Initialize model in background
	go clone.initializeModel()
	return &clone
}

// WithMaxTokens returns a clone of the provider with a different output limit
func (p *OllamaProvider) WithMaxTokens(max int) Provider {
	clone := *p
	clone.maxTokens = max
	return &clone
}

// IsAvailable returns true if the server answered the last probe or request
func (p *OllamaProvider) IsAvailable() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.available
}

// IsLocal returns true - Ollama runs on the host
func (p *OllamaProvider) IsLocal() bool {
	return true
}

// ContextTokens returns the model's context window size in tokens
func (p *OllamaProvider) ContextTokens() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.contextTokens
}

// MaxTokens returns the current output limit
func (p *OllamaProvider) MaxTokens() int {
	return p.maxTokens
}

// SimpleMessage sends a single user message and returns the response text.
func (p *OllamaProvider) SimpleMessage(ctx context.Context, userMessage, systemPrompt string) (string, error) {
	return p.Complete(ctx, []Message{{Role: RoleUser, Content: userMessage}}, systemPrompt)
}

// Complete sends a conversation to Ollama and returns the response text.
// If the input exceeds the model's context window, oldest messages are
// dropped with a warning until it fits.
func (p *OllamaProvider) Complete(ctx context.Context, messages []Message, systemPrompt string) (string, error) {
	startTime := time.Now()

	p.mu.RLock()
	contextTokens := p.contextTokens
	p.mu.RUnlock()

	// Estimate char limit from tokens (rough: 1 token is about 3 chars).
	// Reserve 20% of the window for response generation.
	maxInputTokens := int(float64(contextTokens) * 0.8)
	maxInputChars := maxInputTokens * 3

	totalChars := len(systemPrompt)
	for _, m := range messages {
		totalChars += len(m.Content)
	}

	L_info("llm: request started", "provider", p.name, "model", p.model, "messages", len(messages), "chars", totalChars)

	// Drop oldest messages until the input fits. The most recent message
	// always survives, truncated if it alone exceeds the limit.
	dropped := 0
	for totalChars > maxInputChars && len(messages) > 1 {
		totalChars -= len(messages[0].Content)
		messages = messages[1:]
		dropped++
	}
	if dropped > 0 {
		L_warn("ollama: dropped oldest messages to fit context",
			"dropped", dropped,
			"remaining", len(messages),
			"contextTokens", contextTokens,
			"maxInputChars", maxInputChars,
			"model", p.model)
	}
	if totalChars > maxInputChars && len(messages) == 1 {
		maxLast := maxInputChars - len(systemPrompt) - 500
		if maxLast < 1000 {
			maxLast = 1000 // Minimum useful content
		}
		if len(messages[0].Content) > maxLast {
			truncated := messages[0].Content[:maxLast]
			// Try to truncate at a sentence boundary
			if lastPeriod := strings.LastIndex(truncated, ". "); lastPeriod > maxLast/2 {
				truncated = truncated[:lastPeriod+1]
			}
			truncated += "\n\n[... input truncated due to context limit ...]"

			L_warn("ollama: truncating input to fit context",
				"originalChars", len(messages[0].Content),
				"truncatedChars", len(truncated),
				"contextTokens", contextTokens,
				"model", p.model)

			messages = []Message{{Role: messages[0].Role, Content: truncated}}
		}
	}

	chatMessages := make([]ollamaChatMessage, 0, len(messages)+1)
	if systemPrompt != "" {
		chatMessages = append(chatMessages, ollamaChatMessage{
			Role:    "system",
			Content: systemPrompt,
		})
	}
	for _, m := range messages {
		chatMessages = append(chatMessages, ollamaChatMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	reqBody := ollamaChatRequest{
		Model:    p.model,
		Messages: chatMessages,
		Stream:   false,
		Options: &ollamaOptions{
			NumCtx: contextTokens, // Use detected context window
		},
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		L_error("ollama: failed to marshal request", "error", err)
		return "", fmt.Errorf("marshal request: %w", err)
	}

	url := p.url + "/api/chat"
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(jsonData))
	if err != nil {
		L_error("ollama: failed to create request", "error", err)
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	L_trace("ollama: request prepared", "url", url, "model", p.model, "messageCount", len(chatMessages))

	resp, err := p.client.Do(req)
	if err != nil {
		// Mark unavailable on connection failures so fallback kicks in
		p.mu.Lock()
		p.available = false
		p.mu.Unlock()
		L_error("ollama: request failed, marking unavailable", "error", err)
		return "", fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		L_error("ollama: request failed", "status", resp.StatusCode, "body", string(body))
		return "", fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, string(body))
	}

	var result ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		L_error("ollama: failed to decode response", "error", err)
		return "", fmt.Errorf("decode response: %w", err)
	}

	responseText := result.Message.Content
	duration := time.Since(startTime)
	L_info("llm: request completed", "provider", p.name, "duration", duration.Round(time.Millisecond), "responseChars", len(responseText))

	// Update availability on successful request
	p.mu.Lock()
	p.available = true
	p.mu.Unlock()

	return responseText, nil
}
