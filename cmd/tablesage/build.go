package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/tablesage/tablesage/internal/config"
	"github.com/tablesage/tablesage/internal/dbexec"
	"github.com/tablesage/tablesage/internal/dialog"
	"github.com/tablesage/tablesage/internal/llm"
	. "github.com/tablesage/tablesage/internal/logging"
	"github.com/tablesage/tablesage/internal/paths"
	"github.com/tablesage/tablesage/internal/sanitize"
	"github.com/tablesage/tablesage/internal/schema"
	"github.com/tablesage/tablesage/internal/session"
)

// pipeline bundles the running stack and owns its teardown order.
type pipeline struct {
	sanitizer *sanitize.Sanitizer
	watcher   *sanitize.RulesWatcher
	registry  *llm.Registry
	sessions  *session.Manager
	executor  *dbexec.SQLiteExecutor
	catalog   schema.Catalog
	orch      *dialog.Orchestrator
}

// buildPipeline wires the full query stack from the configuration.
func buildPipeline(cfg *config.Config) (*pipeline, error) {
	if len(cfg.LLM.Providers) == 0 {
		return nil, errors.New("no model providers configured; add at least one under llm.providers")
	}
	if cfg.Database.DSN == "" {
		return nil, errors.New("database.dsn is not configured; point it at the business database")
	}

	p := &pipeline{}
	ok := false
	defer func() {
		if !ok {
			p.Close()
		}
	}()

	san, watcher, err := buildSanitizer(cfg)
	if err != nil {
		return nil, err
	}
	p.sanitizer = san
	p.watcher = watcher

	reg, err := llm.NewRegistry(cfg.LLM)
	if err != nil {
		return nil, err
	}
	p.registry = reg

	mgr, err := buildSessions(cfg, san, reg)
	if err != nil {
		return nil, err
	}
	p.sessions = mgr

	exec, err := dbexec.NewSQLiteExecutor(dbexec.ExecutorConfig{
		DSN:          cfg.Database.DSN,
		MaxRows:      cfg.Database.MaxRows,
		QueryTimeout: time.Duration(cfg.Database.QueryTimeoutSeconds) * time.Second,
	})
	if err != nil {
		return nil, err
	}
	p.executor = exec

	catalog, err := buildCatalog(cfg, exec)
	if err != nil {
		return nil, err
	}
	p.catalog = catalog

	orch, err := dialog.NewOrchestrator(dialogConfig(cfg), dialog.NewRegistryCompleter(reg), catalog, exec, mgr, san)
	if err != nil {
		return nil, err
	}
	p.orch = orch

	ok = true
	return p, nil
}

// Close tears down whatever buildPipeline managed to construct.
func (p *pipeline) Close() {
	if p.watcher != nil {
		if err := p.watcher.Stop(); err != nil {
			L_warn("rules watcher stop failed", "error", err)
		}
	}
	if p.executor != nil {
		if err := p.executor.Close(); err != nil {
			L_warn("executor close failed", "error", err)
		}
	}
	if p.sessions != nil {
		if err := p.sessions.Close(); err != nil {
			L_warn("session manager close failed", "error", err)
		}
	}
}

// buildSanitizer loads redaction rules and optionally watches the file.
// A missing rules file means the built-in defaults.
func buildSanitizer(cfg *config.Config) (*sanitize.Sanitizer, *sanitize.RulesWatcher, error) {
	rulesPath := cfg.Sanitize.RulesPath
	if rulesPath == "" {
		var err error
		rulesPath, err = paths.DefaultRulesPath()
		if err != nil {
			return nil, nil, err
		}
	}

	rules, err := sanitize.LoadRules(rulesPath)
	if err != nil {
		return nil, nil, err
	}
	san, err := sanitize.New(rules)
	if err != nil {
		return nil, nil, err
	}

	if cfg.Sanitize.WatchRules != nil && !*cfg.Sanitize.WatchRules {
		return san, nil, nil
	}
	watcher, err := sanitize.NewRulesWatcher(rulesPath, san)
	if err != nil {
		// The rules directory may not exist yet; defaults still apply.
		L_debug("rules watcher unavailable", "path", rulesPath, "error", err)
		return san, nil, nil
	}
	watcher.Start()
	return san, watcher, nil
}

// buildSessions opens the session store and starts the eviction sweeper.
func buildSessions(cfg *config.Config, san *sanitize.Sanitizer, reg *llm.Registry) (*session.Manager, error) {
	storePath, err := resolveStorePath(cfg)
	if err != nil {
		return nil, err
	}

	mgr, err := session.NewManager(session.ManagerConfig{
		StorePath:        storePath,
		TTL:              time.Duration(cfg.Session.TTLMinutes) * time.Minute,
		SweepSpec:        cfg.Session.SweepSpec,
		CloudTokenBudget: cfg.Session.CloudTokenBudget,
		KeepPercent:      cfg.Session.KeepPercent,
		MinMessages:      cfg.Session.MinMessages,
	}, san, session.NewRegistrySummarizer(reg))
	if err != nil {
		return nil, err
	}
	if err := mgr.Start(); err != nil {
		mgr.Close()
		return nil, err
	}
	return mgr, nil
}

func resolveStorePath(cfg *config.Config) (string, error) {
	storePath := cfg.Session.StorePath
	if storePath == session.MemoryPath {
		return storePath, nil
	}
	if storePath == "" {
		var err error
		storePath, err = paths.DefaultSessionDBPath()
		if err != nil {
			return "", err
		}
	}
	if err := paths.EnsureParentDir(storePath); err != nil {
		return "", err
	}
	return storePath, nil
}

// buildCatalog assembles the table metadata source: live introspection of
// the business database, annotated by the YAML catalog when one exists.
func buildCatalog(cfg *config.Config, exec *dbexec.SQLiteExecutor) (schema.Catalog, error) {
	catalogPath := cfg.Schema.CatalogPath
	if catalogPath == "" {
		var err error
		catalogPath, err = paths.DefaultCatalogPath()
		if err != nil {
			return nil, err
		}
	}

	annotations, err := schema.LoadCatalog(catalogPath)
	if err != nil {
		if cfg.Schema.CatalogPath != "" {
			// An explicitly configured catalog has to load.
			return nil, err
		}
		L_debug("schema: no annotation catalog", "path", catalogPath)
		annotations = nil
	}

	if cfg.Schema.Introspect == nil || *cfg.Schema.Introspect {
		return schema.NewMergedCatalog(schema.NewSQLiteCatalog(exec.DB()), annotations), nil
	}
	if annotations == nil {
		return nil, fmt.Errorf("schema introspection is disabled and no catalog file exists at %s", catalogPath)
	}
	return annotations, nil
}

func dialogConfig(cfg *config.Config) dialog.OrchestratorConfig {
	d := cfg.Dialog
	return dialog.OrchestratorConfig{
		ConfidenceThreshold: d.ConfidenceThreshold,
		SelectionEpsilon:    d.SelectionEpsilon,
		MaxClarifications:   d.MaxClarifications,
		MaxSelfHeals:        d.MaxSelfHeals,
		MaxAttempts:         d.MaxAttempts,
		StageTimeout:        time.Duration(d.StageTimeoutSeconds) * time.Second,
		BackoffBase:         time.Duration(d.BackoffBaseMillis) * time.Millisecond,
		AnalysisMaxRows:     d.AnalysisMaxRows,
	}
}

// openSessions builds just enough to read history: the sanitizer and the
// session store, no sweeper, no model registry.
func openSessions(cfg *config.Config) (*session.Manager, error) {
	san, _, err := buildSanitizer(&config.Config{Sanitize: config.SanitizeConfig{
		RulesPath:  cfg.Sanitize.RulesPath,
		WatchRules: boolPtr(false),
	}})
	if err != nil {
		return nil, err
	}

	storePath, err := resolveStorePath(cfg)
	if err != nil {
		return nil, err
	}
	return session.NewManager(session.ManagerConfig{StorePath: storePath}, san, nil)
}

func boolPtr(b bool) *bool { return &b }
