package llm

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	. "github.com/tablesage/tablesage/internal/logging"
)

// Registry purposes. Intent classification and SQL generation run on cloud
// models against sanitized context; analysis sees raw query results and is
// restricted to local providers; summarization condenses the already
// sanitized cloud history and may ride either.
const (
	PurposeIntent        = "intent"
	PurposeSQLGen        = "sqlgen"
	PurposeAnalysis      = "analysis"
	PurposeSummarization = "summarization"
)

// localOnlyPurposes lists purposes whose prompts carry raw business data.
// A cloud provider configured for one of these is a configuration error,
// rejected at load time and again at resolve time.
var localOnlyPurposes = map[string]bool{
	PurposeAnalysis: true,
}

// PurposeConfig defines the model chain for one purpose.
type PurposeConfig struct {
	Models    []string `json:"models"`    // First = primary, rest = fallbacks ("alias/model")
	MaxTokens int      `json:"maxTokens"` // Output limit override (0 = provider default)
}

// RegistryConfig is the configuration for the model registry.
type RegistryConfig struct {
	Providers     map[string]ProviderConfig `json:"providers"`
	Intent        PurposeConfig             `json:"intent"`
	SQLGen        PurposeConfig             `json:"sqlgen"`
	Analysis      PurposeConfig             `json:"analysis"`
	Summarization PurposeConfig             `json:"summarization"`
}

// ValidateLocalPurposes rejects configurations that would route raw data
// to a cloud model. Every model reference in a local-only purpose chain
// must name a configured provider whose type keeps inference on the host.
func (c RegistryConfig) ValidateLocalPurposes() error {
	chains := map[string]PurposeConfig{
		PurposeIntent:        c.Intent,
		PurposeSQLGen:        c.SQLGen,
		PurposeAnalysis:      c.Analysis,
		PurposeSummarization: c.Summarization,
	}
	for purpose := range localOnlyPurposes {
		for _, ref := range chains[purpose].Models {
			parts := strings.SplitN(ref, "/", 2)
			if len(parts) != 2 {
				return fmt.Errorf("llm: invalid model reference %q in %s chain (expected provider/model)", ref, purpose)
			}
			alias := parts[0]
			prov, ok := c.Providers[alias]
			if !ok {
				return fmt.Errorf("llm: unknown provider %q in %s chain", alias, purpose)
			}
			if !prov.IsLocalType() {
				return fmt.Errorf("llm: provider %q (type %s) is not local; the %s purpose sees raw query results and must stay on local models", alias, prov.Type, purpose)
			}
		}
	}
	return nil
}

// providerCooldown tracks backoff state for a provider after errors.
type providerCooldown struct {
	until      time.Time
	errorCount int // Consecutive errors, drives the exponential window
	reason     ErrorType
}

// ProviderStatus is one provider's cooldown state for status surfaces.
type ProviderStatus struct {
	Alias      string
	InCooldown bool
	Until      time.Time
	Reason     ErrorType
	ErrorCount int
}

// Registry manages provider instances, purpose-keyed model chains, and
// provider cooldowns.
type Registry struct {
	providers  map[string]providerInstance
	purposes   map[string]PurposeConfig
	resolved   map[string]Provider // "alias/model" -> initialized clone
	cooldowns  map[string]*providerCooldown
	mu         sync.RWMutex
	cooldownMu sync.RWMutex
}

// providerInstance holds a base provider (no model bound yet) and its config.
type providerInstance struct {
	config   ProviderConfig
	provider Provider
}

// NewRegistry creates a provider registry from configuration.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if err := cfg.ValidateLocalPurposes(); err != nil {
		return nil, err
	}

	r := &Registry{
		providers: make(map[string]providerInstance),
		purposes: map[string]PurposeConfig{
			PurposeIntent:        cfg.Intent,
			PurposeSQLGen:        cfg.SQLGen,
			PurposeAnalysis:      cfg.Analysis,
			PurposeSummarization: cfg.Summarization,
		},
		resolved:  make(map[string]Provider),
		cooldowns: make(map[string]*providerCooldown),
	}

	for name, provCfg := range cfg.Providers {
		if err := r.initProvider(name, provCfg); err != nil {
			return nil, fmt.Errorf("provider %s: %w", name, err)
		}
	}

	L_info("llm: registry created",
		"providers", len(r.providers),
		"intentModels", len(cfg.Intent.Models),
		"sqlgenModels", len(cfg.SQLGen.Models),
		"analysisModels", len(cfg.Analysis.Models),
		"summarizationModels", len(cfg.Summarization.Models))

	return r, nil
}

// initProvider constructs one provider instance.
func (r *Registry) initProvider(name string, cfg ProviderConfig) error {
	var provider Provider
	var err error

	switch cfg.Type {
	case "anthropic":
		provider, err = NewAnthropicProvider(name, cfg)
	case "ollama":
		provider, err = NewOllamaProvider(name, cfg)
	case "openai":
		provider, err = NewOpenAIProvider(name, cfg)
	case "xai":
		provider, err = NewXAIProvider(name, cfg)
	default:
		return fmt.Errorf("unknown provider type: %s", cfg.Type)
	}
	if err != nil {
		return err
	}

	r.providers[name] = providerInstance{config: cfg, provider: provider}
	L_debug("llm: provider initialized", "name", name, "type", cfg.Type, "local", provider.IsLocal())
	return nil
}

// Resolve returns the provider for a "alias/model" reference, without a
// fallback chain or purpose fencing.
func (r *Registry) Resolve(ref string) (Provider, error) {
	return r.resolveForPurpose(ref, "")
}

// resolveForPurpose resolves a model reference and enforces the local
// boundary for local-only purposes. Resolved clones are cached so model
// probing (availability, context window) survives across calls.
func (r *Registry) resolveForPurpose(ref, purpose string) (Provider, error) {
	parts := strings.SplitN(ref, "/", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid model reference: %s (expected provider/model)", ref)
	}
	alias, model := parts[0], parts[1]

	r.mu.RLock()
	instance, ok := r.providers[alias]
	cached := r.resolved[ref]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown provider: %s", alias)
	}

	p := cached
	if p == nil {
		p = instance.provider.WithModel(model)
		r.mu.Lock()
		if r.resolved == nil {
			r.resolved = make(map[string]Provider)
		}
		if prior := r.resolved[ref]; prior != nil {
			p = prior
		} else {
			r.resolved[ref] = p
		}
		r.mu.Unlock()
	}

	if localOnlyPurposes[purpose] && !p.IsLocal() {
		return nil, fmt.Errorf("provider %s is not local; refusing to use it for %s", alias, purpose)
	}
	return p, nil
}

// ==================== Provider cooldown management ====================

// calculateCooldownDuration returns the cooldown window for an error count.
// Non-billing: 1min -> 5min -> 25min, capped at 1hr.
// Billing: 5hr -> 10hr -> 20hr, capped (credit top-ups are slow).
func calculateCooldownDuration(errorCount int, isBilling bool) time.Duration {
	if errorCount < 1 {
		errorCount = 1
	}

	if isBilling {
		base := 5 * time.Hour
		maxDur := 24 * time.Hour
		exponent := min(errorCount-1, 2)
		dur := time.Duration(float64(base) * math.Pow(2, float64(exponent)))
		if dur > maxDur {
			return maxDur
		}
		return dur
	}

	base := time.Minute
	maxDur := time.Hour
	exponent := min(errorCount-1, 3)
	dur := time.Duration(float64(base) * math.Pow(5, float64(exponent)))
	if dur > maxDur {
		return maxDur
	}
	return dur
}

// isProviderInCooldown checks whether a provider is currently cooling down.
func (r *Registry) isProviderInCooldown(alias string) bool {
	r.cooldownMu.RLock()
	defer r.cooldownMu.RUnlock()

	cd := r.cooldowns[alias]
	return cd != nil && time.Now().Before(cd.until)
}

// markProviderCooldown puts a provider into cooldown with exponential backoff.
func (r *Registry) markProviderCooldown(alias string, errType ErrorType) {
	r.cooldownMu.Lock()
	defer r.cooldownMu.Unlock()

	cd := r.cooldowns[alias]
	if cd == nil {
		cd = &providerCooldown{}
		r.cooldowns[alias] = cd
	}

	cd.errorCount++
	cd.reason = errType
	cd.until = time.Now().Add(calculateCooldownDuration(cd.errorCount, errType == ErrorTypeBilling))

	L_warn("llm: provider cooldown",
		"provider", alias,
		"until", cd.until.Format("15:04:05"),
		"reason", errType,
		"errorCount", cd.errorCount)
}

// clearProviderCooldown removes cooldown state for a provider, reporting
// whether it was cooling down and why.
func (r *Registry) clearProviderCooldown(alias string) (wasInCooldown bool, reason ErrorType) {
	r.cooldownMu.Lock()
	defer r.cooldownMu.Unlock()

	if cd := r.cooldowns[alias]; cd != nil {
		wasInCooldown = true
		reason = cd.reason
		delete(r.cooldowns, alias)
		L_info("llm: provider cooldown cleared", "provider", alias, "wasReason", reason)
	}
	return
}

// ClearAllCooldowns removes every provider cooldown and returns the count.
func (r *Registry) ClearAllCooldowns() int {
	r.cooldownMu.Lock()
	defer r.cooldownMu.Unlock()

	count := len(r.cooldowns)
	r.cooldowns = make(map[string]*providerCooldown)
	if count > 0 {
		L_info("llm: all cooldowns cleared", "count", count)
	}
	return count
}

// GetProviderStatus reports the cooldown state of every provider.
func (r *Registry) GetProviderStatus() []ProviderStatus {
	r.mu.RLock()
	aliases := make([]string, 0, len(r.providers))
	for name := range r.providers {
		aliases = append(aliases, name)
	}
	r.mu.RUnlock()

	r.cooldownMu.RLock()
	defer r.cooldownMu.RUnlock()

	now := time.Now()
	statuses := make([]ProviderStatus, 0, len(aliases))
	for _, alias := range aliases {
		status := ProviderStatus{Alias: alias}
		if cd := r.cooldowns[alias]; cd != nil && now.Before(cd.until) {
			status.InCooldown = true
			status.Until = cd.until
			status.Reason = cd.reason
			status.ErrorCount = cd.errorCount
		}
		statuses = append(statuses, status)
	}
	return statuses
}

// ==================== Failover completion ====================

// FailoverAttempt records a single attempt in a failover chain.
type FailoverAttempt struct {
	Model   string    // Model reference that was tried
	Reason  ErrorType // Classification of the failure, if it got that far
	Skipped bool      // True if skipped due to cooldown (no network call)
}

// RecoveryInfo records a provider coming back from cooldown.
type RecoveryInfo struct {
	Provider  string
	WasReason ErrorType
}

// FailoverResult is the outcome of a failover-enabled completion call.
// Attempts is populated even when every model failed.
type FailoverResult struct {
	Text       string
	ModelUsed  string
	Attempts   []FailoverAttempt
	FailedOver bool          // True if a fallback model answered
	Recovered  *RecoveryInfo // Non-nil if the answering provider left cooldown
}

// CompleteWithFailover walks the model chain for a purpose: skip providers
// in cooldown, call the first that resolves, classify failures, and either
// stop (non-failover errors travel with the request) or mark a cooldown
// and try the next model.
func (r *Registry) CompleteWithFailover(ctx context.Context, purpose string, messages []Message, systemPrompt string) (*FailoverResult, error) {
	r.mu.RLock()
	cfg, ok := r.purposes[purpose]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown purpose: %s", purpose)
	}
	if len(cfg.Models) == 0 {
		return nil, fmt.Errorf("no models configured for purpose: %s", purpose)
	}

	result := &FailoverResult{
		Attempts: make([]FailoverAttempt, 0, len(cfg.Models)),
	}

	var lastErr error
	primary := cfg.Models[0]

	for _, ref := range cfg.Models {
		parts := strings.SplitN(ref, "/", 2)
		if len(parts) != 2 {
			L_debug("failover: invalid model ref", "ref", ref)
			continue
		}
		alias := parts[0]

		if r.isProviderInCooldown(alias) {
			result.Attempts = append(result.Attempts, FailoverAttempt{Model: ref, Skipped: true})
			L_debug("failover: provider in cooldown, skipping", "model", ref)
			continue
		}

		p, err := r.resolveForPurpose(ref, purpose)
		if err != nil {
			L_debug("failover: model unavailable", "model", ref, "error", err)
			lastErr = err
			continue
		}
		if cfg.MaxTokens > 0 {
			p = p.WithMaxTokens(cfg.MaxTokens)
		}

		text, err := p.Complete(ctx, messages, systemPrompt)
		if err == nil {
			result.Text = text
			result.ModelUsed = ref
			result.FailedOver = ref != primary
			if wasIn, wasReason := r.clearProviderCooldown(alias); wasIn {
				result.Recovered = &RecoveryInfo{Provider: alias, WasReason: wasReason}
			}
			if result.FailedOver {
				L_info("failover: using fallback model", "purpose", purpose, "model", ref, "primary", primary)
			}
			return result, nil
		}

		errType := Classify(err)
		result.Attempts = append(result.Attempts, FailoverAttempt{Model: ref, Reason: errType})

		if !IsFailoverError(errType) {
			result.ModelUsed = ref
			L_warn("failover: non-failover error, stopping",
				"purpose", purpose, "model", ref, "errType", errType, "error", err)
			return result, err
		}

		r.markProviderCooldown(alias, errType)
		L_warn("failover: trying next model",
			"purpose", purpose, "failed", ref, "reason", errType, "error", err)
		lastErr = err
	}

	if lastErr == nil {
		return result, fmt.Errorf("no available model for %s (tried: %v)", purpose, cfg.Models)
	}
	return result, fmt.Errorf("all models failed for %s (last: %w)", purpose, lastErr)
}
