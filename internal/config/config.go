// Package config provides tablesage configuration loading and persistence.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"dario.cat/mergo"

	"github.com/tablesage/tablesage/internal/llm"
	"github.com/tablesage/tablesage/internal/paths"
)

// Config represents the merged tablesage configuration.
type Config struct {
	Logging  LoggingConfig      `json:"logging"`
	Gateway  GatewayConfig      `json:"gateway"`
	LLM      llm.RegistryConfig `json:"llm"`
	Session  SessionConfig      `json:"session"`
	Dialog   DialogConfig       `json:"dialog"`
	Sanitize SanitizeConfig     `json:"sanitize"`
	Database DatabaseConfig     `json:"database"`
	Schema   SchemaConfig       `json:"schema"`
}

// LoggingConfig controls the global logger.
type LoggingConfig struct {
	Level      string `json:"level"`      // trace|debug|info|warn|error
	ShowCaller *bool  `json:"showCaller"` // nil = default true
}

// GatewayConfig controls the HTTP/websocket gateway.
type GatewayConfig struct {
	Listen         string `json:"listen"`         // host:port
	AuditTokenHash string `json:"auditTokenHash"` // argon2id hash guarding local-history access
}

// SessionConfig controls session lifetime and the cloud-history budget.
type SessionConfig struct {
	StorePath        string `json:"storePath"`        // sqlite path ("" = ~/.tablesage/sessions.db, "none" = memory only)
	TTLMinutes       int    `json:"ttlMinutes"`       // idle minutes before eviction
	SweepSpec        string `json:"sweepSpec"`        // cron spec for the eviction sweep
	CloudTokenBudget int    `json:"cloudTokenBudget"` // compress cloud history above this estimate
	KeepPercent      int    `json:"keepPercent"`      // percent of budget kept as recent messages on compress
	MinMessages      int    `json:"minMessages"`      // never compress below this many cloud messages
}

// DialogConfig controls orchestration thresholds and retry bounds.
type DialogConfig struct {
	ConfidenceThreshold float64 `json:"confidenceThreshold"` // minimum intent confidence
	SelectionEpsilon    float64 `json:"selectionEpsilon"`    // top-2 table score gap that triggers clarification
	MaxClarifications   int     `json:"maxClarifications"`   // clarification round-trips per turn
	MaxSelfHeals        int     `json:"maxSelfHeals"`        // SQL regeneration attempts after execution errors
	MaxAttempts         int     `json:"maxAttempts"`         // transient-error attempts per external call
	StageTimeoutSeconds int     `json:"stageTimeoutSeconds"` // per external call
	BackoffBaseMillis   int     `json:"backoffBaseMillis"`   // first retry delay
	AnalysisMaxRows     int     `json:"analysisMaxRows"`     // rows handed to the local analyzer
}

// SanitizeConfig controls the redaction boundary.
type SanitizeConfig struct {
	RulesPath  string `json:"rulesPath"`  // TOML rules file ("" = ~/.tablesage/redaction.toml)
	WatchRules *bool  `json:"watchRules"` // hot reload on rules file change (nil = default true)
}

// DatabaseConfig describes the analytics database queries run against.
type DatabaseConfig struct {
	Driver              string `json:"driver"` // "sqlite3"
	DSN                 string `json:"dsn"`
	MaxRows             int    `json:"maxRows"`             // hard cap on returned rows
	QueryTimeoutSeconds int    `json:"queryTimeoutSeconds"` // per statement
}

// SchemaConfig describes where table metadata comes from.
type SchemaConfig struct {
	CatalogPath string `json:"catalogPath"` // YAML catalog ("" = ~/.tablesage/catalog.yaml)
	Introspect  *bool  `json:"introspect"`  // merge live DB introspection (nil = default true)
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	t := true
	return &Config{
		Logging: LoggingConfig{
			Level:      "info",
			ShowCaller: &t,
		},
		Gateway: GatewayConfig{
			Listen: "127.0.0.1:8390",
		},
		LLM: llm.RegistryConfig{
			Providers: map[string]llm.ProviderConfig{},
		},
		Session: SessionConfig{
			TTLMinutes:       30,
			SweepSpec:        "@every 1m",
			CloudTokenBudget: 6000,
			KeepPercent:      50,
			MinMessages:      8,
		},
		Dialog: DialogConfig{
			ConfidenceThreshold: 0.6,
			SelectionEpsilon:    0.1,
			MaxClarifications:   2,
			MaxSelfHeals:        2,
			MaxAttempts:         3,
			StageTimeoutSeconds: 60,
			BackoffBaseMillis:   500,
			AnalysisMaxRows:     50,
		},
		Sanitize: SanitizeConfig{
			WatchRules: &t,
		},
		Database: DatabaseConfig{
			Driver:              "sqlite3",
			MaxRows:             1000,
			QueryTimeoutSeconds: 30,
		},
		Schema: SchemaConfig{
			Introspect: &t,
		},
	}
}

// Load reads the active config file and merges it over the defaults.
// A missing config file is valid: defaults apply.
func Load() (*Config, error) {
	path, err := paths.ConfigPath()
	if err != nil {
		return nil, err
	}
	return LoadFrom(path)
}

// LoadFrom reads a specific config file over the defaults. Fields present in
// the file win, including explicit zeros; fields the file omits keep their
// default.
func LoadFrom(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		} else {
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Apply merges a sparse override config (typically built from CLI flags) over
// this config. Non-zero override fields win.
func (c *Config) Apply(overrides *Config) error {
	if overrides == nil {
		return nil
	}
	if err := mergo.Merge(c, overrides, mergo.WithOverride); err != nil {
		return fmt.Errorf("failed to apply overrides: %w", err)
	}
	return c.Validate()
}

// Validate rejects configurations that would leave the orchestrator without
// usable bounds or route a local-only purpose to a cloud provider.
func (c *Config) Validate() error {
	if c.Dialog.ConfidenceThreshold < 0 || c.Dialog.ConfidenceThreshold > 1 {
		return fmt.Errorf("dialog.confidenceThreshold must be in [0,1], got %v", c.Dialog.ConfidenceThreshold)
	}
	if c.Dialog.SelectionEpsilon < 0 {
		return fmt.Errorf("dialog.selectionEpsilon must be >= 0")
	}
	if c.Dialog.MaxClarifications < 0 {
		return fmt.Errorf("dialog.maxClarifications must be >= 0")
	}
	if c.Dialog.MaxSelfHeals < 0 {
		return fmt.Errorf("dialog.maxSelfHeals must be >= 0")
	}
	if c.Dialog.MaxAttempts < 1 {
		return fmt.Errorf("dialog.maxAttempts must be >= 1")
	}
	if c.Session.TTLMinutes < 1 {
		return fmt.Errorf("session.ttlMinutes must be >= 1")
	}
	if c.Session.CloudTokenBudget < 100 {
		return fmt.Errorf("session.cloudTokenBudget must be >= 100")
	}
	if c.Session.KeepPercent < 0 || c.Session.KeepPercent > 100 {
		return fmt.Errorf("session.keepPercent must be in [0,100]")
	}

	if err := c.LLM.ValidateLocalPurposes(); err != nil {
		return err
	}

	return nil
}

// Save writes the config with backup rotation.
func (c *Config) Save(path string) error {
	if path == "" {
		var err error
		path, err = paths.DefaultConfigPath()
		if err != nil {
			return err
		}
	}
	return BackupAndWriteJSON(path, c, DefaultBackupCount)
}
