package llm

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	. "github.com/tablesage/tablesage/internal/logging"
	. "github.com/tablesage/tablesage/internal/metrics"
	"github.com/roelfdiedericks/xai-go"
)

// safeInt32 converts int to int32 with bounds checking to prevent overflow.
func safeInt32(n int) int32 {
	if n > math.MaxInt32 {
		return math.MaxInt32
	}
	if n < math.MinInt32 {
		return math.MinInt32
	}
	return int32(n)
}

// XAIProvider implements the Provider interface for xAI's Grok API.
type XAIProvider struct {
	name         string         // Provider instance name (e.g., "xai")
	config       ProviderConfig // Full provider configuration
	model        string         // Current model (e.g., "grok-4-1-fast-non-reasoning")
	maxTokens    int            // Output token limit
	metricPrefix string         // e.g., "llm/xai/xai/grok-3-mini"

	// Client management (lazy initialization)
	client   *xai.Client
	clientMu sync.Mutex
}

// xaiModelInfo holds cached model information from the API.
type xaiModelInfo struct {
	ContextTokens int // MaxPromptLength from API
}

var (
	// xaiModelInfoCache holds model info fetched from API (model name -> info)
	xaiModelInfoCache   = make(map[string]*xaiModelInfo)
	xaiModelInfoCacheMu sync.RWMutex
	xaiModelInfoFetched bool // true once we've attempted to fetch from API
)

// xaiModelContextFallback contains hardcoded context sizes as fallback
// Source: https://console.x.ai/ model availability page
var xaiModelContextFallback = map[string]int{
	// Grok-4-1 series: 2M context
	"grok-4-1-fast-reasoning":     2000000,
	"grok-4-1-fast-non-reasoning": 2000000,
	"grok-4-1":                    2000000,
	// Grok-4 series: 2M for fast, 256K for dated
	"grok-4-fast-reasoning":     2000000,
	"grok-4-fast-non-reasoning": 2000000,
	"grok-4-0709":               256000,
	"grok-4":                    256000,
	// Grok-3 series: 131K context
	"grok-3":           131072,
	"grok-3-fast":      131072,
	"grok-3-mini":      131072,
	"grok-3-mini-fast": 131072,
}

// Default context size for unknown models
const defaultXAIContextSize = 2000000

// fetchXAIModelInfo queries the xAI API for model context sizes and caches
// them. Called once on first provider creation. If it fails, hardcoded
// fallback values are used. Thread-safe.
func fetchXAIModelInfo(apiKey string) {
	xaiModelInfoCacheMu.Lock()
	defer xaiModelInfoCacheMu.Unlock()

	if xaiModelInfoFetched {
		return // Already fetched (or attempted)
	}
	xaiModelInfoFetched = true

	// Create temporary client for model listing
	client, err := xai.New(xai.Config{
		APIKey:  xai.NewSecureString(apiKey),
		Timeout: 10 * time.Second, // Short timeout for startup
	})
	if err != nil {
		L_warn("xai: failed to create client for model info", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	models, err := client.ListModels(ctx)
	if err != nil {
		L_warn("xai: failed to fetch model info from API, using fallback", "error", err)
		return
	}

	for _, m := range models {
		xaiModelInfoCache[m.Name] = &xaiModelInfo{
			ContextTokens: int(m.MaxPromptLength),
		}
		for _, alias := range m.Aliases {
			xaiModelInfoCache[alias] = xaiModelInfoCache[m.Name]
		}
	}

	L_info("xai: fetched model info from API", "models", len(models))
}

// getXAIModelContextTokens returns the context window size for a model.
// Priority: API cache, then hardcoded map, then default.
func getXAIModelContextTokens(model string) int {
	xaiModelInfoCacheMu.RLock()
	if info, ok := xaiModelInfoCache[model]; ok {
		xaiModelInfoCacheMu.RUnlock()
		return info.ContextTokens
	}
	xaiModelInfoCacheMu.RUnlock()

	if size, ok := xaiModelContextFallback[model]; ok {
		return size
	}
	return defaultXAIContextSize
}

// NewXAIProvider creates a new xAI provider from ProviderConfig.
// The client is lazily initialized on first use.
func NewXAIProvider(name string, cfg ProviderConfig) (*XAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("xai API key not configured")
	}

	// Fetch model info from API on first provider creation (only runs once)
	go fetchXAIModelInfo(cfg.APIKey)

	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = 8192
	}

	L_debug("xai provider created", "name", name, "maxTokens", maxTokens)

	return &XAIProvider{
		name:      name,
		config:    cfg,
		model:     "", // Model set via WithModel()
		maxTokens: maxTokens,
	}, nil
}

// getClient returns the xAI client, creating it lazily on first call.
// Thread-safe via mutex.
func (p *XAIProvider) getClient() (*xai.Client, error) {
	p.clientMu.Lock()
	defer p.clientMu.Unlock()

	if p.client != nil {
		return p.client, nil
	}

	cfg := xai.Config{
		APIKey: xai.NewSecureString(p.config.APIKey),
	}
	if p.config.TimeoutSeconds > 0 {
		cfg.Timeout = time.Duration(p.config.TimeoutSeconds) * time.Second
	}

	client, err := xai.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create xai client: %w", err)
	}

	p.client = client
	L_debug("xai client: initialized", "name", p.name)

	return p.client, nil
}

// Name returns the provider instance name
func (p *XAIProvider) Name() string {
	return p.name
}

// Type returns the provider type
func (p *XAIProvider) Type() string {
	return "xai"
}

// Model returns the current model name
func (p *XAIProvider) Model() string {
	return p.model
}

// WithModel returns a new provider instance configured for the specified model
func (p *XAIProvider) WithModel(model string) Provider {
	normalizedModel := strings.ToLower(strings.TrimSpace(model))
	normalizedModel = strings.TrimPrefix(normalizedModel, "xai/")
	normalizedModel = strings.ReplaceAll(normalizedModel, "grok-4.1", "grok-4-1")
	return &XAIProvider{
		name:         p.name,
		config:       p.config,
		model:        normalizedModel,
		maxTokens:    p.maxTokens,
		metricPrefix: fmt.Sprintf("llm/%s/%s/%s", p.Type(), p.Name(), normalizedModel),
		// client is shared - no need to recreate
		client:   p.client,
		clientMu: sync.Mutex{},
	}
}

// WithMaxTokens returns a new provider instance with the specified output limit
func (p *XAIProvider) WithMaxTokens(max int) Provider {
	return &XAIProvider{
		name:         p.name,
		config:       p.config,
		model:        p.model,
		maxTokens:    max,
		metricPrefix: p.metricPrefix,
		client:       p.client,
		clientMu:     sync.Mutex{},
	}
}

// IsAvailable returns true if the provider is configured and ready
func (p *XAIProvider) IsAvailable() bool {
	return p.config.APIKey != "" && p.model != ""
}

// IsLocal returns false - Grok is a hosted API
func (p *XAIProvider) IsLocal() bool {
	return false
}

// ContextTokens returns the model's context window size
func (p *XAIProvider) ContextTokens() int {
	if p.config.ContextTokens > 0 {
		return p.config.ContextTokens
	}
	return getXAIModelContextTokens(p.model)
}

// MaxTokens returns the current output limit
func (p *XAIProvider) MaxTokens() int {
	return p.maxTokens
}

// SimpleMessage sends a single user message and returns the response text.
func (p *XAIProvider) SimpleMessage(ctx context.Context, userMessage, systemPrompt string) (string, error) {
	return p.Complete(ctx, []Message{{Role: RoleUser, Content: userMessage}}, systemPrompt)
}

// Complete sends a conversation to Grok and returns the response text.
// Non-streaming; Grok responses for this workload are short.
func (p *XAIProvider) Complete(ctx context.Context, messages []Message, systemPrompt string) (string, error) {
	startTime := time.Now()

	client, err := p.getClient()
	if err != nil {
		return "", err
	}

	L_info("llm: request started", "provider", p.name, "model", p.model, "messages", len(messages))

	req := xai.NewChatRequest().
		WithModel(p.model).
		WithMaxTokens(safeInt32(p.maxTokens))

	if systemPrompt != "" {
		req.SystemMessage(xai.SystemContent{Text: systemPrompt})
	}
	for _, m := range messages {
		if m.Content == "" {
			continue
		}
		switch m.Role {
		case RoleAssistant:
			req.AssistantMessage(xai.AssistantContent{Text: m.Content})
		default:
			req.UserMessage(xai.UserContent{Text: m.Content})
		}
	}

	resp, err := client.CompleteChat(ctx, req)
	if err != nil {
		if p.metricPrefix != "" {
			MetricDuration(p.metricPrefix, "request", time.Since(startTime))
			MetricFailWithReason(p.metricPrefix, "request_status", "complete_error")
		}
		return "", err
	}

	duration := time.Since(startTime)
	L_info("llm: request completed", "provider", p.name, "duration", duration.Round(time.Millisecond),
		"inputTokens", resp.Usage.PromptTokens, "outputTokens", resp.Usage.CompletionTokens)

	if p.metricPrefix != "" {
		MetricDuration(p.metricPrefix, "request", duration)
		MetricAdd(p.metricPrefix, "input_tokens", int64(resp.Usage.PromptTokens))
		MetricAdd(p.metricPrefix, "output_tokens", int64(resp.Usage.CompletionTokens))
		if resp.Usage.CachedPromptTokens > 0 {
			MetricAdd(p.metricPrefix, "cache_read_tokens", int64(resp.Usage.CachedPromptTokens))
		}
		MetricSuccess(p.metricPrefix, "request_status")
	}

	return resp.Content, nil
}
