package llm

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestCalculateCooldownDuration(t *testing.T) {
	tests := []struct {
		name       string
		errorCount int
		isBilling  bool
		want       time.Duration
	}{
		{"first error", 1, false, time.Minute},
		{"second error", 2, false, 5 * time.Minute},
		{"third error", 3, false, 25 * time.Minute},
		{"fourth error capped", 4, false, time.Hour},
		{"many errors capped", 10, false, time.Hour},
		{"zero treated as first", 0, false, time.Minute},

		{"billing first", 1, true, 5 * time.Hour},
		{"billing second", 2, true, 10 * time.Hour},
		{"billing third", 3, true, 20 * time.Hour},
		{"billing capped", 10, true, 20 * time.Hour},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := calculateCooldownDuration(tt.errorCount, tt.isBilling)
			if got != tt.want {
				t.Errorf("calculateCooldownDuration(%d, %v) = %v, want %v", tt.errorCount, tt.isBilling, got, tt.want)
			}
		})
	}
}

func TestValidateLocalPurposes(t *testing.T) {
	localTrue := true

	tests := []struct {
		name    string
		cfg     RegistryConfig
		wantErr string // substring, "" means no error
	}{
		{
			name: "analysis on ollama ok",
			cfg: RegistryConfig{
				Providers: map[string]ProviderConfig{
					"local": {Type: "ollama", URL: "http://127.0.0.1:11434"},
				},
				Analysis: PurposeConfig{Models: []string{"local/qwen2.5:14b"}},
			},
		},
		{
			name: "analysis on explicitly local openai ok",
			cfg: RegistryConfig{
				Providers: map[string]ProviderConfig{
					"lmstudio": {Type: "openai", URL: "http://127.0.0.1:1234", Local: &localTrue},
				},
				Analysis: PurposeConfig{Models: []string{"lmstudio/qwen2.5-14b-instruct"}},
			},
		},
		{
			name: "analysis on cloud rejected",
			cfg: RegistryConfig{
				Providers: map[string]ProviderConfig{
					"cloud": {Type: "anthropic", APIKey: "sk-test"},
				},
				Analysis: PurposeConfig{Models: []string{"cloud/claude-sonnet-4-5"}},
			},
			wantErr: "not local",
		},
		{
			name: "analysis on unknown provider rejected",
			cfg: RegistryConfig{
				Providers: map[string]ProviderConfig{},
				Analysis:  PurposeConfig{Models: []string{"mystery/model"}},
			},
			wantErr: "unknown provider",
		},
		{
			name: "analysis with malformed ref rejected",
			cfg: RegistryConfig{
				Providers: map[string]ProviderConfig{},
				Analysis:  PurposeConfig{Models: []string{"no-slash-here"}},
			},
			wantErr: "invalid model reference",
		},
		{
			name: "summarization on cloud allowed",
			cfg: RegistryConfig{
				Providers: map[string]ProviderConfig{
					"cloud": {Type: "anthropic", APIKey: "sk-test"},
				},
				Summarization: PurposeConfig{Models: []string{"cloud/claude-haiku-4-5"}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.ValidateLocalPurposes()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("ValidateLocalPurposes() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("ValidateLocalPurposes() error = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestNewRegistryRejectsCloudAnalysis(t *testing.T) {
	cfg := RegistryConfig{
		Providers: map[string]ProviderConfig{
			"cloud": {Type: "anthropic", APIKey: "sk-test"},
		},
		Intent:   PurposeConfig{Models: []string{"cloud/claude-sonnet-4-5"}},
		Analysis: PurposeConfig{Models: []string{"cloud/claude-sonnet-4-5"}},
	}

	if _, err := NewRegistry(cfg); err == nil {
		t.Fatal("NewRegistry accepted a cloud provider for analysis")
	}
}

func TestRegistryResolve(t *testing.T) {
	cfg := RegistryConfig{
		Providers: map[string]ProviderConfig{
			"local": {Type: "ollama", URL: "http://127.0.0.1:1"},
		},
		Analysis: PurposeConfig{Models: []string{"local/qwen2.5:14b"}},
	}

	r, err := NewRegistry(cfg)
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}

	p, err := r.Resolve("local/qwen2.5:14b")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if p.Model() != "qwen2.5:14b" {
		t.Errorf("Model() = %q, want %q", p.Model(), "qwen2.5:14b")
	}
	if p.Type() != "ollama" {
		t.Errorf("Type() = %q, want %q", p.Type(), "ollama")
	}
	if !p.IsLocal() {
		t.Error("IsLocal() = false for ollama provider")
	}

	if _, err := r.Resolve("missing/model"); err == nil {
		t.Error("Resolve accepted an unknown provider alias")
	}
	if _, err := r.Resolve("bare-model-name"); err == nil {
		t.Error("Resolve accepted a reference without a provider alias")
	}
}

func TestCooldownLifecycle(t *testing.T) {
	r := &Registry{
		providers: map[string]providerInstance{},
		purposes:  map[string]PurposeConfig{},
		cooldowns: map[string]*providerCooldown{},
	}

	if r.isProviderInCooldown("cloud") {
		t.Fatal("fresh registry reports provider in cooldown")
	}

	r.markProviderCooldown("cloud", ErrorTypeRateLimit)
	if !r.isProviderInCooldown("cloud") {
		t.Fatal("provider not in cooldown after markProviderCooldown")
	}

	wasIn, reason := r.clearProviderCooldown("cloud")
	if !wasIn {
		t.Error("clearProviderCooldown reported no prior cooldown")
	}
	if reason != ErrorTypeRateLimit {
		t.Errorf("cleared cooldown reason = %v, want %v", reason, ErrorTypeRateLimit)
	}
	if r.isProviderInCooldown("cloud") {
		t.Error("provider still in cooldown after clear")
	}

	// Consecutive errors escalate the cooldown window
	r.markProviderCooldown("cloud", ErrorTypeOverloaded)
	r.markProviderCooldown("cloud", ErrorTypeOverloaded)
	cd := r.cooldowns["cloud"]
	if cd.errorCount != 2 {
		t.Errorf("errorCount = %d, want 2", cd.errorCount)
	}
	if until := time.Until(cd.until); until < 4*time.Minute {
		t.Errorf("second cooldown expires in %v, want about 5 minutes", until)
	}

	if n := r.ClearAllCooldowns(); n != 1 {
		t.Errorf("ClearAllCooldowns() = %d, want 1", n)
	}
}

func TestGetProviderStatus(t *testing.T) {
	cfg := RegistryConfig{
		Providers: map[string]ProviderConfig{
			"local": {Type: "ollama", URL: "http://127.0.0.1:1"},
		},
	}

	r, err := NewRegistry(cfg)
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}

	statuses := r.GetProviderStatus()
	if len(statuses) != 1 {
		t.Fatalf("got %d statuses, want 1", len(statuses))
	}
	if statuses[0].InCooldown {
		t.Error("fresh provider reported in cooldown")
	}

	r.markProviderCooldown("local", ErrorTypeTimeout)
	statuses = r.GetProviderStatus()
	if !statuses[0].InCooldown {
		t.Error("provider not reported in cooldown after mark")
	}
	if statuses[0].Reason != ErrorTypeTimeout {
		t.Errorf("cooldown reason = %v, want %v", statuses[0].Reason, ErrorTypeTimeout)
	}
}

func TestCompleteWithFailoverUnknownPurpose(t *testing.T) {
	r := &Registry{
		providers: map[string]providerInstance{},
		purposes:  map[string]PurposeConfig{},
		cooldowns: map[string]*providerCooldown{},
	}

	if _, err := r.CompleteWithFailover(context.Background(), "nonsense", nil, ""); err == nil {
		t.Fatal("CompleteWithFailover accepted an unknown purpose")
	}
}

func TestCompleteWithFailoverSkipsCooldown(t *testing.T) {
	cfg := RegistryConfig{
		Providers: map[string]ProviderConfig{
			"local": {Type: "ollama", URL: "http://127.0.0.1:1"},
		},
		Analysis: PurposeConfig{Models: []string{"local/qwen2.5:14b"}},
	}

	r, err := NewRegistry(cfg)
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}

	r.markProviderCooldown("local", ErrorTypeRateLimit)

	result, err := r.CompleteWithFailover(context.Background(), PurposeAnalysis, []Message{{Role: RoleUser, Content: "hi"}}, "")
	if err == nil {
		t.Fatal("CompleteWithFailover succeeded with every provider in cooldown")
	}
	if len(result.Attempts) != 1 || !result.Attempts[0].Skipped {
		t.Errorf("attempts = %+v, want one skipped attempt", result.Attempts)
	}
}
