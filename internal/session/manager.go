package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	cronlib "github.com/robfig/cron/v3"

	. "github.com/tablesage/tablesage/internal/logging"
	. "github.com/tablesage/tablesage/internal/metrics"
	"github.com/tablesage/tablesage/internal/sanitize"
)

// ManagerConfig holds session lifecycle settings.
type ManagerConfig struct {
	// StorePath is the SQLite database path, or MemoryPath to keep
	// sessions in process memory only.
	StorePath string
	// TTL is how long a session may sit idle before eviction.
	TTL time.Duration
	// SweepSpec is the cron schedule for the eviction sweep.
	SweepSpec string
	// CloudTokenBudget triggers compression when the cloud history
	// estimate exceeds it.
	CloudTokenBudget int
	// KeepPercent is the share of the budget kept as recent messages
	// when compressing.
	KeepPercent int
	// MinMessages is the floor below which cloud history is never
	// compressed.
	MinMessages int
}

func (c ManagerConfig) withDefaults() ManagerConfig {
	if c.StorePath == "" {
		c.StorePath = MemoryPath
	}
	if c.TTL <= 0 {
		c.TTL = 30 * time.Minute
	}
	if c.SweepSpec == "" {
		c.SweepSpec = "@every 1m"
	}
	if c.CloudTokenBudget <= 0 {
		c.CloudTokenBudget = 6000
	}
	if c.KeepPercent <= 0 || c.KeepPercent > 100 {
		c.KeepPercent = 50
	}
	if c.MinMessages <= 0 {
		c.MinMessages = 8
	}
	return c
}

// Manager maintains all active sessions and is the only writer to both
// history layers. Every cloud-bound byte passes through the sanitizer here,
// so the fixed-point invariant on the cloud layer holds no matter what the
// callers hand in.
//
// The mutating methods commit one stage boundary each and expect the caller
// to hold the session turn lock.
type Manager struct {
	sessions   map[string]*Session
	store      Store
	sanitizer  *sanitize.Sanitizer
	summarizer Summarizer
	cfg        ManagerConfig
	sweeper    *cronlib.Cron
	mu         sync.RWMutex
}

// NewManager creates a session manager. The summarizer may be nil, in which
// case compression falls back to rule-based summaries.
func NewManager(cfg ManagerConfig, san *sanitize.Sanitizer, summarizer Summarizer) (*Manager, error) {
	if san == nil {
		return nil, fmt.Errorf("session manager requires a sanitizer")
	}
	cfg = cfg.withDefaults()

	store, err := NewStore(cfg.StorePath)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}

	return &Manager{
		sessions:   make(map[string]*Session),
		store:      store,
		sanitizer:  san,
		summarizer: summarizer,
		cfg:        cfg,
	}, nil
}

// Start launches the TTL eviction sweeper.
func (m *Manager) Start() error {
	sweeper := cronlib.New()
	if _, err := sweeper.AddFunc(m.cfg.SweepSpec, m.sweepExpired); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", m.cfg.SweepSpec, err)
	}
	sweeper.Start()
	m.sweeper = sweeper
	L_info("session: eviction sweeper started", "spec", m.cfg.SweepSpec, "ttl", m.cfg.TTL)
	return nil
}

// Close stops the sweeper and the store.
func (m *Manager) Close() error {
	if m.sweeper != nil {
		m.sweeper.Stop()
	}
	return m.store.Close()
}

// Store exposes the underlying store for inspection commands.
func (m *Manager) Store() Store {
	return m.store
}

// Get returns an existing session, loading it from the store if it isn't
// resident. Returns ErrSessionNotFound for unknown IDs.
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if ok {
		return s, nil
	}
	return m.load(ctx, id)
}

func (m *Manager) load(ctx context.Context, id string) (*Session, error) {
	sess, err := m.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	local, err := m.store.GetMessages(ctx, id, LayerLocal)
	if err != nil {
		return nil, fmt.Errorf("failed to load local history: %w", err)
	}
	cloud, err := m.store.GetMessages(ctx, id, LayerCloud)
	if err != nil {
		return nil, fmt.Errorf("failed to load cloud history: %w", err)
	}
	sess.LocalHistory = local
	sess.CloudHistory = cloud

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.sessions[id]; ok {
		// Another goroutine loaded it first; keep that copy.
		return existing, nil
	}
	m.sessions[id] = sess
	L_debug("session: loaded from store", "id", id, "local", len(local), "cloud", len(cloud))
	return sess, nil
}

// GetOrCreate returns the session with the given ID, creating it on first
// use. An empty ID asks for a fresh session with a generated ID.
func (m *Manager) GetOrCreate(ctx context.Context, id string) (*Session, bool, error) {
	if id == "" {
		id = uuid.New().String()
	}

	s, err := m.Get(ctx, id)
	if err == nil {
		return s, false, nil
	}
	if !errors.Is(err, ErrSessionNotFound) {
		return nil, false, err
	}

	s = NewSession(id)
	if err := m.store.CreateSession(ctx, s); err != nil {
		// A concurrent creator may have won the insert.
		if existing, getErr := m.Get(ctx, id); getErr == nil {
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("failed to create session: %w", err)
	}

	m.mu.Lock()
	if existing, ok := m.sessions[id]; ok {
		m.mu.Unlock()
		return existing, false, nil
	}
	m.sessions[id] = s
	m.mu.Unlock()

	MetricInc("session", "created")
	L_info("session: created", "id", id)
	return s, true, nil
}

// AddUserMessage commits the inbound user text: full text to the local
// layer, the sanitized form to the cloud layer. The returned report carries
// the placeholder values needed to rehydrate generated SQL.
func (m *Manager) AddUserMessage(ctx context.Context, sessionID, turnID, text string) (sanitize.Report, error) {
	s, err := m.Get(ctx, sessionID)
	if err != nil {
		return sanitize.Report{}, err
	}

	report := m.sanitizer.Sanitize(text)
	now := time.Now()
	local := Message{ID: uuid.New().String(), TurnID: turnID, Role: RoleUser, Kind: KindText, Content: text, Timestamp: now}
	cloud := Message{ID: uuid.New().String(), TurnID: turnID, Role: RoleUser, Kind: KindText, Content: report.SafeText, Timestamp: now}

	if err := m.commit(ctx, s, []Message{local}, []Message{cloud}); err != nil {
		return sanitize.Report{}, err
	}
	return report, nil
}

// AddIntent records the recognized intent on the local layer only.
func (m *Manager) AddIntent(ctx context.Context, sessionID, turnID, intent string, confidence float64) error {
	s, err := m.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	msg := Message{
		ID:        uuid.New().String(),
		TurnID:    turnID,
		Role:      RoleAssistant,
		Kind:      KindIntent,
		Content:   fmt.Sprintf("%s (confidence %.2f)", intent, confidence),
		Timestamp: time.Now(),
	}
	return m.commit(ctx, s, []Message{msg}, nil)
}

// AddClarification commits a disambiguation question to both layers and
// marks it pending on the session.
func (m *Manager) AddClarification(ctx context.Context, sessionID, turnID string, c *Clarification) error {
	s, err := m.Get(ctx, sessionID)
	if err != nil {
		return err
	}

	text := renderClarification(c)
	now := time.Now()
	local := Message{ID: uuid.New().String(), TurnID: turnID, Role: RoleAssistant, Kind: KindClarification, Content: text, Timestamp: now}
	cloud := Message{ID: uuid.New().String(), TurnID: turnID, Role: RoleAssistant, Kind: KindClarification, Content: m.sanitizer.Sanitize(text).SafeText, Timestamp: now}

	if err := m.store.SaveClarification(ctx, s.ID, c); err != nil {
		return fmt.Errorf("failed to persist clarification: %w", err)
	}
	if err := m.commit(ctx, s, []Message{local}, []Message{cloud}); err != nil {
		return err
	}

	s.mu.Lock()
	s.PendingClarification = c
	s.mu.Unlock()
	return nil
}

// ClearClarification removes the pending clarification.
func (m *Manager) ClearClarification(ctx context.Context, sessionID string) error {
	s, err := m.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := m.store.SaveClarification(ctx, s.ID, nil); err != nil {
		return fmt.Errorf("failed to clear clarification: %w", err)
	}
	s.mu.Lock()
	s.PendingClarification = nil
	s.mu.Unlock()
	return nil
}

// AddSQLResponse commits generated SQL to both layers. Well-formed SQL is
// its own sanitizer fixed point, so the cloud copy normally matches the
// executed statement exactly.
func (m *Manager) AddSQLResponse(ctx context.Context, sessionID, turnID, sqlText string) error {
	s, err := m.Get(ctx, sessionID)
	if err != nil {
		return err
	}

	now := time.Now()
	local := Message{ID: uuid.New().String(), TurnID: turnID, Role: RoleAssistant, Kind: KindSQL, Content: sqlText, Timestamp: now}
	cloud := Message{ID: uuid.New().String(), TurnID: turnID, Role: RoleAssistant, Kind: KindSQL, Content: m.sanitizer.Sanitize(sqlText).SafeText, Timestamp: now}

	return m.commit(ctx, s, []Message{local}, []Message{cloud})
}

// AddAnalysisResponse commits the analysis: the full text and result rows to
// the local layer, and only a generic execution status to the cloud layer.
// Row data never reaches the cloud history.
func (m *Manager) AddAnalysisResponse(ctx context.Context, sessionID, turnID, analysisText string, resultRows [][]string) error {
	s, err := m.Get(ctx, sessionID)
	if err != nil {
		return err
	}

	now := time.Now()
	local := []Message{
		{ID: uuid.New().String(), TurnID: turnID, Role: RoleAssistant, Kind: KindAnalysis, Content: analysisText, Timestamp: now},
	}
	if len(resultRows) > 0 {
		local = append(local, Message{
			ID: uuid.New().String(), TurnID: turnID, Role: RoleAssistant, Kind: KindText,
			Content: formatRows(resultRows), Timestamp: now,
		})
	}

	status := fmt.Sprintf("query executed, %d rows returned", len(resultRows))
	cloud := []Message{
		{ID: uuid.New().String(), TurnID: turnID, Role: RoleAssistant, Kind: KindStatus,
			Content: m.sanitizer.Sanitize(status).SafeText, Timestamp: now},
	}

	return m.commit(ctx, s, local, cloud)
}

// AddFailure records a failed turn: the full failure detail goes to the
// local layer for audit, the cloud layer gets only a generic status line.
func (m *Manager) AddFailure(ctx context.Context, sessionID, turnID, detail string) error {
	s, err := m.Get(ctx, sessionID)
	if err != nil {
		return err
	}

	now := time.Now()
	local := Message{ID: uuid.New().String(), TurnID: turnID, Role: RoleAssistant, Kind: KindStatus, Content: detail, Timestamp: now}
	cloud := Message{ID: uuid.New().String(), TurnID: turnID, Role: RoleAssistant, Kind: KindStatus,
		Content: m.sanitizer.Sanitize("query failed, no result produced").SafeText, Timestamp: now}

	return m.commit(ctx, s, []Message{local}, []Message{cloud})
}

// commit persists first and mutates memory only on success, so a storage
// failure leaves the in-memory session at the previous stage boundary.
func (m *Manager) commit(ctx context.Context, s *Session, local, cloud []Message) error {
	if err := m.store.AppendMessages(ctx, s.ID, local, cloud); err != nil {
		return fmt.Errorf("failed to persist messages: %w", err)
	}

	s.mu.Lock()
	s.LocalHistory = append(s.LocalHistory, local...)
	s.CloudHistory = append(s.CloudHistory, cloud...)
	s.LastActiveAt = time.Now()
	s.mu.Unlock()

	MetricAdd("session", "messages", int64(len(local)+len(cloud)))
	return nil
}

// History returns a read-only copy of one history layer.
func (m *Manager) History(ctx context.Context, sessionID, layer string) ([]Message, error) {
	s, err := m.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	switch layer {
	case LayerCloud:
		return s.CloudSnapshot(), nil
	case LayerLocal:
		return s.LocalSnapshot(), nil
	default:
		return nil, fmt.Errorf("unknown history layer: %q", layer)
	}
}

// List returns summaries of all stored sessions.
func (m *Manager) List(ctx context.Context) ([]SessionInfo, error) {
	return m.store.ListSessions(ctx)
}

// Count returns the number of resident sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// sweepExpired evicts idle sessions from memory and the store. Sessions
// with a turn in flight are skipped regardless of their timestamps.
func (m *Manager) sweepExpired() {
	if IsShuttingDown() {
		return
	}
	cutoff := time.Now().Add(-m.cfg.TTL)

	m.mu.Lock()
	var evicted []string
	for id, s := range m.sessions {
		if !s.TryBeginTurn() {
			continue
		}
		idle := s.IdleSince().Before(cutoff)
		s.EndTurn()
		if idle {
			delete(m.sessions, id)
			evicted = append(evicted, id)
		}
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	removed, err := m.store.DeleteIdleSessions(ctx, cutoff)
	if err != nil {
		L_warn("session: sweep failed to prune store", "error", err)
	}

	if len(evicted) > 0 || removed > 0 {
		MetricAdd("session", "evicted", int64(removed))
		L_info("session: swept idle sessions", "resident", len(evicted), "stored", removed)
	}
}

func renderClarification(c *Clarification) string {
	if len(c.Options) == 0 {
		return c.Question
	}
	return c.Question + "\nOptions: " + strings.Join(c.Options, ", ")
}

func formatRows(rows [][]string) string {
	var b strings.Builder
	for i, row := range rows {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(strings.Join(row, " | "))
	}
	return b.String()
}
