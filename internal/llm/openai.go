package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	. "github.com/tablesage/tablesage/internal/logging"
	. "github.com/tablesage/tablesage/internal/metrics"
)

// OpenAIProvider implements the Provider interface for OpenAI-compatible APIs.
// Works with OpenAI, LM Studio, OpenRouter, vLLM, and other compatible APIs
// via BaseURL. Local OpenAI-compatible servers can be marked local explicitly
// in the provider config.
type OpenAIProvider struct {
	name          string // Provider instance name (e.g., "openai", "lmstudio")
	client        *openai.Client
	model         string
	maxTokens     int
	contextTokens int    // Context window size override (0 = auto-detect from model name)
	apiKey        string // Stored for cloning
	baseURL       string // Custom API base URL
	local         bool   // True when the server runs on the host
	metricPrefix  string // e.g., "llm/openai/cloud/gpt-4o"
	traceEnabled  bool   // Per-provider trace logging control

	// Model metadata cache (context_length from /v1/models endpoint)
	// Populated at startup if the provider supports extended model metadata
	modelContextCache map[string]int

	// HTTP transport for capturing request/response bodies on errors
	transport *CapturingTransport
}

// NewOpenAIProvider creates a new OpenAI-compatible provider from ProviderConfig.
// Supports both "baseUrl" (standard) and "url" (for Ollama-style configs).
// API key is optional for local servers like LM Studio.
func NewOpenAIProvider(name string, cfg ProviderConfig) (*OpenAIProvider, error) {
	// Determine the base URL - accept both "baseUrl" and "url" fields
	baseURL := cfg.BaseURL
	if baseURL == "" && cfg.URL != "" {
		baseURL = cfg.URL
	}

	// API key is optional for local servers (LM Studio, LocalAI, etc.)
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = "not-needed" // Placeholder for local servers that don't require auth
	}

	// Build client config
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		// Ensure the URL ends with /v1 for OpenAI-compatible APIs
		if !strings.HasSuffix(baseURL, "/v1") && !strings.HasSuffix(baseURL, "/v1/") {
			baseURL = strings.TrimSuffix(baseURL, "/") + "/v1"
		}
		config.BaseURL = baseURL
	}

	// Create capturing transport for request/response debugging
	transport := &CapturingTransport{Base: http.DefaultTransport}
	config.HTTPClient = &http.Client{Transport: transport}

	client := openai.NewClientWithConfig(config)

	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = 8192
	}

	displayURL := baseURL
	if displayURL == "" {
		displayURL = "(default)"
	}

	// Determine trace enabled - default to true if not explicitly set to false
	traceEnabled := true
	if cfg.Trace != nil && !*cfg.Trace {
		traceEnabled = false
	}

	L_debug("openai provider created", "name", name, "baseURL", displayURL, "maxTokens", maxTokens, "contextTokens", cfg.ContextTokens, "local", cfg.IsLocalType(), "trace", traceEnabled)

	p := &OpenAIProvider{
		name:          name,
		client:        client,
		model:         "", // Model set via WithModel()
		maxTokens:     maxTokens,
		contextTokens: cfg.ContextTokens,
		apiKey:        cfg.APIKey,
		baseURL:       baseURL,
		local:         cfg.IsLocalType(),
		traceEnabled:  traceEnabled,
		transport:     transport,
	}

	// Fetch model metadata from /v1/models endpoint (if supported)
	// This populates context_length for accurate context window detection
	if baseURL != "" {
		p.fetchModelMetadata(baseURL, apiKey)
	}

	return p, nil
}

// fetchModelMetadata fetches model metadata from the /v1/models endpoint.
// This is an OpenAI-compatible endpoint that some providers (like OpenRouter)
// extend with additional fields like context_length.
// The fetch has a 10s timeout and failures are logged but don't block startup.
func (p *OpenAIProvider) fetchModelMetadata(baseURL, apiKey string) {
	modelsURL := strings.TrimSuffix(baseURL, "/") + "/models"

	client := &http.Client{Timeout: 10 * time.Second}

	req, err := http.NewRequest("GET", modelsURL, nil)
	if err != nil {
		L_debug("openai: failed to create models request", "provider", p.name, "error", err)
		return
	}

	// Add auth header if API key is provided and not a placeholder
	if apiKey != "" && apiKey != "not-needed" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	req.Header.Set("Accept", "application/json")

	L_debug("openai: fetching model metadata", "provider", p.name, "url", modelsURL)

	resp, err := client.Do(req)
	if err != nil {
		L_debug("openai: model metadata fetch failed", "provider", p.name, "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		L_debug("openai: model metadata fetch returned non-200", "provider", p.name, "status", resp.StatusCode)
		return
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		L_debug("openai: failed to read models response", "provider", p.name, "error", err)
		return
	}

	// Different providers use different field names for context length
	var result struct {
		Data []struct {
			ID               string `json:"id"`
			ContextLength    *int   `json:"context_length"`     // OpenRouter
			MaxContextLength *int   `json:"max_context_length"` // LM Studio, others
			ContextWindow    *int   `json:"context_window"`     // Some providers
			NCtx             *int   `json:"n_ctx"`              // llama.cpp style
			MaxModelLen      *int   `json:"max_model_len"`      // vLLM
		} `json:"data"`
	}

	if err := json.Unmarshal(body, &result); err != nil {
		L_debug("openai: failed to parse models response", "provider", p.name, "error", err)
		return
	}

	// Build the cache - coalesce all possible context length fields
	cache := make(map[string]int)
	for _, model := range result.Data {
		if model.ID == "" {
			continue
		}
		var ctx int
		switch {
		case model.ContextLength != nil && *model.ContextLength > 0:
			ctx = *model.ContextLength
		case model.MaxContextLength != nil && *model.MaxContextLength > 0:
			ctx = *model.MaxContextLength
		case model.ContextWindow != nil && *model.ContextWindow > 0:
			ctx = *model.ContextWindow
		case model.NCtx != nil && *model.NCtx > 0:
			ctx = *model.NCtx
		case model.MaxModelLen != nil && *model.MaxModelLen > 0:
			ctx = *model.MaxModelLen
		}
		if ctx > 0 {
			cache[model.ID] = ctx
		}
	}

	if len(cache) > 0 {
		p.modelContextCache = cache
		L_info("openai: cached model context windows", "provider", p.name, "models", len(cache))
	} else {
		L_debug("openai: no context_length data in models response",
			"provider", p.name,
			"modelsReturned", len(result.Data))
	}
}

// trace logs a trace message if tracing is enabled for this provider.
func (p *OpenAIProvider) trace(msg string, args ...any) {
	if p.traceEnabled {
		L_trace(msg, args...)
	}
}

// Name returns the provider instance name
func (p *OpenAIProvider) Name() string {
	return p.name
}

// Type returns the provider type
func (p *OpenAIProvider) Type() string {
	return "openai"
}

// Model returns the configured model name
func (p *OpenAIProvider) Model() string {
	return p.model
}

// WithModel returns a clone of the provider configured with a specific model
func (p *OpenAIProvider) WithModel(model string) Provider {
	clone := *p
	clone.model = model
	clone.metricPrefix = fmt.Sprintf("llm/%s/%s/%s", p.Type(), p.Name(), model)
	return &clone
}

// WithMaxTokens returns a clone of the provider with a different output limit
func (p *OpenAIProvider) WithMaxTokens(max int) Provider {
	clone := *p
	clone.maxTokens = max
	return &clone
}

// IsAvailable returns true if the provider is configured and ready
func (p *OpenAIProvider) IsAvailable() bool {
	return p != nil && p.client != nil && p.model != ""
}

// IsLocal reports whether the server runs on the host (set via config)
func (p *OpenAIProvider) IsLocal() bool {
	return p.local
}

// ContextTokens returns the model's context window size in tokens.
// Priority: 1) Config override, 2) Cached from /v1/models, 3) Hardcoded patterns, 4) Default
func (p *OpenAIProvider) ContextTokens() int {
	if p.contextTokens > 0 {
		return p.contextTokens
	}

	if p.modelContextCache != nil {
		if ctx, ok := p.modelContextCache[p.model]; ok && ctx > 0 {
			return ctx
		}
	}

	return getOpenAIModelContextWindow(p.model)
}

// MaxTokens returns the current output limit
func (p *OpenAIProvider) MaxTokens() int {
	return p.maxTokens
}

// getOpenAIModelContextWindow returns the context window size for a given model
func getOpenAIModelContextWindow(model string) int {
	model = strings.ToLower(model)

	// Claude models via OpenRouter (e.g., "anthropic/claude-sonnet-4-5")
	if strings.Contains(model, "claude") {
		return 200000
	}
	// DeepSeek models
	if strings.Contains(model, "deepseek") {
		return 128000
	}
	// GPT-4 variants
	if strings.Contains(model, "gpt-4") {
		if strings.Contains(model, "turbo") || strings.Contains(model, "o") {
			return 128000 // 128K for GPT-4 Turbo and GPT-4o
		}
		return 8192 // Original GPT-4
	}
	// GPT-3.5
	if strings.Contains(model, "gpt-3.5") {
		return 16385 // GPT-3.5 Turbo
	}
	// Default: conservative limit for unknown/local models
	// Use contextTokens in provider config to override for specific models
	return 4096
}

// SimpleMessage sends a single user message and returns the response text.
func (p *OpenAIProvider) SimpleMessage(ctx context.Context, userMessage, systemPrompt string) (string, error) {
	return p.Complete(ctx, []Message{{Role: RoleUser, Content: userMessage}}, systemPrompt)
}

// Complete sends a conversation to the LLM and returns the accumulated
// response text. Streams internally with usage reporting enabled.
func (p *OpenAIProvider) Complete(ctx context.Context, messages []Message, systemPrompt string) (string, error) {
	startTime := time.Now()
	L_info("llm: request started", "provider", p.name, "model", p.model, "messages", len(messages))

	openaiMessages := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if systemPrompt != "" {
		openaiMessages = append(openaiMessages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: systemPrompt,
		})
		p.trace("system prompt set", "length", len(systemPrompt))
	}
	for _, m := range messages {
		if m.Content == "" {
			continue
		}
		role := openai.ChatMessageRoleUser
		if m.Role == RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		openaiMessages = append(openaiMessages, openai.ChatCompletionMessage{
			Role:    role,
			Content: m.Content,
		})
	}

	req := openai.ChatCompletionRequest{
		Model:     p.model,
		MaxTokens: p.maxTokens,
		Messages:  openaiMessages,
		Stream:    true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true, // Get token counts in stream
		},
	}

	p.trace("openai: sending request",
		"provider", p.name,
		"model", p.model,
		"baseURL", p.baseURL,
		"maxTokens", p.maxTokens,
		"messageCount", len(openaiMessages))

	p.transport.ClearCapture()
	stream, err := p.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		p.logStreamError("stream creation failed", err)
		_, respBody, _, _ := p.transport.GetLastCapture()
		err = CheckResponseBody(err, respBody)
		if p.metricPrefix != "" {
			MetricDuration(p.metricPrefix, "request", time.Since(startTime))
			MetricFailWithReason(p.metricPrefix, "request_status", "stream_creation_error")
		}
		return "", fmt.Errorf("stream error: %w", err)
	}
	defer stream.Close()

	var text string
	inputTokens := 0
	outputTokens := 0
	var firstTokenTime time.Time

	for {
		chunk, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			p.logStreamError("stream recv failed", err)
			_, respBody, _, _ := p.transport.GetLastCapture()
			err = CheckResponseBody(err, respBody)
			if p.metricPrefix != "" {
				MetricDuration(p.metricPrefix, "request", time.Since(startTime))
				MetricFailWithReason(p.metricPrefix, "request_status", "stream_error")
			}
			return "", fmt.Errorf("stream error: %w", err)
		}

		// Usage arrives in a trailing chunk with include_usage
		if chunk.Usage != nil {
			inputTokens = chunk.Usage.PromptTokens
			outputTokens = chunk.Usage.CompletionTokens
		}

		if len(chunk.Choices) == 0 {
			continue
		}
		if delta := chunk.Choices[0].Delta.Content; delta != "" {
			if firstTokenTime.IsZero() {
				firstTokenTime = time.Now()
			}
			text += delta
		}
	}

	// If API didn't provide token counts, estimate them
	if outputTokens == 0 && text != "" {
		// Rough estimate: ~4 chars per token
		outputTokens = len(text) / 4
	}

	duration := time.Since(startTime)
	L_info("llm: request completed", "provider", p.name, "duration", duration.Round(time.Millisecond),
		"inputTokens", inputTokens, "outputTokens", outputTokens)

	if p.metricPrefix != "" {
		MetricDuration(p.metricPrefix, "request", duration)
		MetricAdd(p.metricPrefix, "input_tokens", int64(inputTokens))
		MetricAdd(p.metricPrefix, "output_tokens", int64(outputTokens))
		MetricSuccess(p.metricPrefix, "request_status")
		if !firstTokenTime.IsZero() {
			MetricDuration(p.metricPrefix, "time_to_first_token", firstTokenTime.Sub(startTime))
		}
	}

	return text, nil
}

// logStreamError extracts structured detail from go-openai errors before logging.
// Providers that return non-JSON bodies surface as plain parse errors here.
func (p *OpenAIProvider) logStreamError(msg string, err error) {
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	if errors.As(err, &apiErr) {
		L_error(msg+" (APIError)",
			"provider", p.name,
			"model", p.model,
			"statusCode", apiErr.HTTPStatusCode,
			"code", apiErr.Code,
			"message", apiErr.Message,
			"type", apiErr.Type)
	} else if errors.As(err, &reqErr) {
		L_error(msg+" (RequestError)",
			"provider", p.name,
			"model", p.model,
			"statusCode", reqErr.HTTPStatusCode,
			"error", reqErr.Error())
	} else {
		L_error(msg, "provider", p.name, "model", p.model, "error", err, "errorType", fmt.Sprintf("%T", err))
	}
}
