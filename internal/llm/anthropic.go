// Package llm provides LLM client implementations.
package llm

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	. "github.com/tablesage/tablesage/internal/logging"
	. "github.com/tablesage/tablesage/internal/metrics"
	"github.com/tablesage/tablesage/internal/tokens"
)

// AnthropicProvider implements the Provider interface for Anthropic's Claude API.
// Supports streaming and prompt caching. Also works with Anthropic-compatible
// APIs via BaseURL.
type AnthropicProvider struct {
	name          string // Provider instance name (e.g., "anthropic")
	client        *anthropic.Client
	model         string
	maxTokens     int
	promptCaching bool
	apiKey        string // Stored for cloning
	baseURL       string // Custom API base URL
	metricPrefix  string // e.g., "llm/anthropic/cloud/claude-sonnet-4-5"
	traceEnabled  bool   // Per-provider trace logging control

	// HTTP transport for capturing request/response bodies on errors
	transport *CapturingTransport
}

// NewAnthropicProvider creates a new Anthropic provider from ProviderConfig.
// Supports custom BaseURL for Anthropic-compatible APIs.
func NewAnthropicProvider(name string, cfg ProviderConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic API key not configured")
	}

	// Create capturing transport for request/response debugging
	transport := &CapturingTransport{Base: http.DefaultTransport}
	httpClient := &http.Client{Transport: transport}

	// Build client options
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(httpClient),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := anthropic.NewClient(opts...)

	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = 8192
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "(default)"
	}

	// Determine trace enabled - default to true if not explicitly set to false
	traceEnabled := true
	if cfg.Trace != nil && !*cfg.Trace {
		traceEnabled = false
	}

	L_debug("anthropic provider created", "name", name, "baseURL", baseURL, "maxTokens", maxTokens, "promptCaching", cfg.PromptCaching, "trace", traceEnabled)

	return &AnthropicProvider{
		name:          name,
		client:        &client,
		model:         "", // Model set via WithModel()
		maxTokens:     maxTokens,
		promptCaching: cfg.PromptCaching,
		apiKey:        cfg.APIKey,
		baseURL:       cfg.BaseURL,
		traceEnabled:  traceEnabled,
		transport:     transport,
	}, nil
}

// trace logs a trace message if tracing is enabled for this provider.
// Use this instead of L_trace for per-provider trace control.
func (p *AnthropicProvider) trace(msg string, args ...any) {
	if p.traceEnabled {
		L_trace(msg, args...)
	}
}

// Name returns the provider instance name
func (p *AnthropicProvider) Name() string {
	return p.name
}

// Type returns the provider type
func (p *AnthropicProvider) Type() string {
	return "anthropic"
}

// Model returns the configured model name
func (p *AnthropicProvider) Model() string {
	return p.model
}

// WithModel returns a clone of the provider configured with a specific model
func (p *AnthropicProvider) WithModel(model string) Provider {
	clone := *p
	clone.model = model
	clone.metricPrefix = fmt.Sprintf("llm/%s/%s/%s", p.Type(), p.Name(), model)
	return &clone
}

// WithMaxTokens returns a clone of the provider with a different output limit
func (p *AnthropicProvider) WithMaxTokens(max int) Provider {
	clone := *p
	clone.maxTokens = max
	return &clone
}

// IsAvailable returns true if the provider is configured and ready
func (p *AnthropicProvider) IsAvailable() bool {
	return p != nil && p.client != nil && p.model != ""
}

// IsLocal returns false - Anthropic is a hosted API
func (p *AnthropicProvider) IsLocal() bool {
	return false
}

// ContextTokens returns the model's context window size in tokens.
// Standard context window is 200k for all Claude models.
func (p *AnthropicProvider) ContextTokens() int {
	return 200000
}

// MaxTokens returns the current output limit
func (p *AnthropicProvider) MaxTokens() int {
	return p.maxTokens
}

// SimpleMessage sends a single user message and returns the response text.
func (p *AnthropicProvider) SimpleMessage(ctx context.Context, userMessage, systemPrompt string) (string, error) {
	return p.Complete(ctx, []Message{{Role: RoleUser, Content: userMessage}}, systemPrompt)
}

// Complete sends a conversation to the LLM and returns the accumulated
// response text. The response is streamed internally so long generations
// don't trip intermediate read timeouts.
func (p *AnthropicProvider) Complete(ctx context.Context, messages []Message, systemPrompt string) (string, error) {
	startTime := time.Now()
	contextWindow := p.ContextTokens()

	L_info("llm: request started", "provider", p.name, "model", p.model, "messages", len(messages))

	anthropicMessages := convertAnthropicMessages(messages)

	// Estimate input tokens and cap max_tokens to fit within context window
	estimator := tokens.Get()
	estimatedInput := 0
	for _, m := range messages {
		estimatedInput += estimator.CountWithOverhead(m.Content, tokens.MessageOverhead)
	}
	estimatedInput += estimator.Count(systemPrompt)
	maxTokens := tokens.CapMaxTokens(p.maxTokens, contextWindow, estimatedInput, 100)
	if maxTokens != p.maxTokens {
		L_debug("anthropic: capped max_tokens to fit context",
			"provider", p.name,
			"original", p.maxTokens,
			"capped", maxTokens,
			"contextWindow", contextWindow,
			"estimatedInput", estimatedInput)
	}

	// Build request params
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: int64(maxTokens),
		Messages:  anthropicMessages,
	}

	// Add system prompt if provided
	if systemPrompt != "" {
		block := anthropic.TextBlockParam{Text: systemPrompt}
		if p.promptCaching {
			// System prompt is stable across a session and benefits from caching.
			// Cache expires after 5 minutes of inactivity.
			block.CacheControl = anthropic.NewCacheControlEphemeralParam()
			p.trace("system prompt set with caching", "length", len(systemPrompt))
		} else {
			p.trace("system prompt set (caching disabled)", "length", len(systemPrompt))
		}
		params.System = []anthropic.TextBlockParam{block}
	}

	L_debug("sending request to Anthropic", "model", p.model)
	p.transport.ClearCapture()

	// Stream the response
	stream := p.client.Messages.NewStreaming(ctx, params)

	var text string
	message := anthropic.Message{}
	var firstTokenTime time.Time

	for stream.Next() {
		event := stream.Current()

		// Accumulate the message
		if err := message.Accumulate(event); err != nil {
			_, respBody, _, _ := p.transport.GetLastCapture()
			err = CheckResponseBody(err, respBody)
			return "", fmt.Errorf("accumulate error: %w", err)
		}

		// Handle different event types
		switch eventVariant := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			switch deltaVariant := eventVariant.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				// Capture time to first token
				if firstTokenTime.IsZero() {
					firstTokenTime = time.Now()
				}
				text += deltaVariant.Text
			}
		}
	}

	if err := stream.Err(); err != nil {
		L_error("stream error", "error", err)
		// Check if response body contains the real error (e.g., context overflow)
		_, respBody, _, _ := p.transport.GetLastCapture()
		err = CheckResponseBody(err, respBody)
		if p.metricPrefix != "" {
			MetricDuration(p.metricPrefix, "request", time.Since(startTime))
			MetricFailWithReason(p.metricPrefix, "request_status", "stream_error")
		}
		return "", fmt.Errorf("stream error: %w", err)
	}

	inputTokens := int(message.Usage.InputTokens)
	outputTokens := int(message.Usage.OutputTokens)
	cacheCreated := int(message.Usage.CacheCreationInputTokens)
	cacheRead := int(message.Usage.CacheReadInputTokens)

	// Log request completion with timing and token stats
	duration := time.Since(startTime)
	if cacheRead > 0 || cacheCreated > 0 {
		L_info("llm: request completed", "provider", p.name, "duration", duration.Round(time.Millisecond),
			"inputTokens", inputTokens, "outputTokens", outputTokens,
			"cacheRead", cacheRead, "cacheCreated", cacheCreated)
	} else {
		L_info("llm: request completed", "provider", p.name, "duration", duration.Round(time.Millisecond),
			"inputTokens", inputTokens, "outputTokens", outputTokens)
	}

	// Record metrics
	if p.metricPrefix != "" {
		MetricDuration(p.metricPrefix, "request", duration)
		MetricAdd(p.metricPrefix, "input_tokens", int64(inputTokens))
		MetricAdd(p.metricPrefix, "output_tokens", int64(outputTokens))
		MetricOutcome(p.metricPrefix, "stop_reason", string(message.StopReason))
		MetricSuccess(p.metricPrefix, "request_status")

		// Time to first token (streaming latency)
		if !firstTokenTime.IsZero() {
			MetricDuration(p.metricPrefix, "time_to_first_token", firstTokenTime.Sub(startTime))
		}

		// Cache hit/miss tracking (only when caching is enabled)
		if p.promptCaching {
			if cacheRead > 0 {
				MetricHit(p.metricPrefix, "prompt_cache")
			} else {
				MetricMiss(p.metricPrefix, "prompt_cache")
			}
		}

		if contextWindow > 0 {
			MetricSet(p.metricPrefix, "context_window", int64(contextWindow))
			MetricSet(p.metricPrefix, "context_used", int64(inputTokens))
		}
	}

	return text, nil
}

// convertAnthropicMessages converts dialog messages to Anthropic format.
// System-role messages are skipped; the system prompt travels separately.
func convertAnthropicMessages(messages []Message) []anthropic.MessageParam {
	var result []anthropic.MessageParam
	for _, msg := range messages {
		if msg.Content == "" {
			L_trace("skipping empty message", "role", msg.Role)
			continue
		}
		switch msg.Role {
		case RoleUser:
			result = append(result, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		case RoleAssistant:
			result = append(result, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}
	return result
}
