package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrSessionNotFound is returned when a session doesn't exist.
var ErrSessionNotFound = errors.New("session not found")

// MemoryPath selects the in-memory store instead of SQLite.
const MemoryPath = "none"

// Store persists sessions and their history layers.
type Store interface {
	CreateSession(ctx context.Context, sess *Session) error
	// GetSession returns the session row without its messages.
	GetSession(ctx context.Context, id string) (*Session, error)
	ListSessions(ctx context.Context) ([]SessionInfo, error)
	DeleteSession(ctx context.Context, id string) error
	// DeleteIdleSessions removes sessions last active before cutoff,
	// including their messages, returning how many were removed.
	DeleteIdleSessions(ctx context.Context, cutoff time.Time) (int, error)

	GetMessages(ctx context.Context, sessionID, layer string) ([]Message, error)
	// AppendMessages commits one stage boundary: both layers land together
	// or not at all, and the session activity timestamp advances.
	AppendMessages(ctx context.Context, sessionID string, local, cloud []Message) error

	SaveClarification(ctx context.Context, sessionID string, c *Clarification) error

	// CommitCompression swaps the cloud layer for its compressed form and
	// records the compression event. The local layer is untouched.
	CommitCompression(ctx context.Context, sessionID string, newCloud []Message, rec Compression) error
	GetCompressions(ctx context.Context, sessionID string) ([]Compression, error)

	Close() error
}

// NewStore creates the storage backend for the given path. MemoryPath keeps
// everything in process memory; anything else is a SQLite database path.
func NewStore(path string) (Store, error) {
	if path == MemoryPath {
		return NewMemoryStore(), nil
	}
	return NewSQLiteStore(path)
}

// MemoryStore keeps sessions in process memory. Used when persistence is
// disabled and in tests.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*memorySession
}

type memorySession struct {
	row          Session
	local        []Message
	cloud        []Message
	compressions []Compression
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*memorySession)}
}

func (m *MemoryStore) CreateSession(ctx context.Context, sess *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[sess.ID]; exists {
		return errors.New("session already exists")
	}
	m.sessions[sess.ID] = &memorySession{row: Session{
		ID:                   sess.ID,
		CreatedAt:            sess.CreatedAt,
		LastActiveAt:         sess.LastActiveAt,
		PendingClarification: sess.PendingClarification,
		CompressionCount:     sess.CompressionCount,
	}}
	return nil
}

func (m *MemoryStore) GetSession(ctx context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	row := ms.row
	return &row, nil
}

func (m *MemoryStore) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	infos := make([]SessionInfo, 0, len(m.sessions))
	for _, ms := range m.sessions {
		infos = append(infos, SessionInfo{
			ID:               ms.row.ID,
			CreatedAt:        ms.row.CreatedAt,
			LastActiveAt:     ms.row.LastActiveAt,
			CompressionCount: ms.row.CompressionCount,
			LocalMessages:    len(ms.local),
			CloudMessages:    len(ms.cloud),
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].LastActiveAt.After(infos[j].LastActiveAt)
	})
	return infos, nil
}

func (m *MemoryStore) DeleteSession(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	delete(m.sessions, id)
	return nil
}

func (m *MemoryStore) DeleteIdleSessions(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, ms := range m.sessions {
		if ms.row.LastActiveAt.Before(cutoff) {
			delete(m.sessions, id)
			removed++
		}
	}
	return removed, nil
}

func (m *MemoryStore) GetMessages(ctx context.Context, sessionID, layer string) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	switch layer {
	case LayerLocal:
		return copyMessages(ms.local), nil
	case LayerCloud:
		return copyMessages(ms.cloud), nil
	default:
		return nil, errors.New("unknown history layer: " + layer)
	}
}

func (m *MemoryStore) AppendMessages(ctx context.Context, sessionID string, local, cloud []Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms, ok := m.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	ms.local = append(ms.local, local...)
	ms.cloud = append(ms.cloud, cloud...)
	ms.row.LastActiveAt = time.Now()
	return nil
}

func (m *MemoryStore) SaveClarification(ctx context.Context, sessionID string, c *Clarification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms, ok := m.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	ms.row.PendingClarification = c
	return nil
}

func (m *MemoryStore) CommitCompression(ctx context.Context, sessionID string, newCloud []Message, rec Compression) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms, ok := m.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	ms.cloud = copyMessages(newCloud)
	ms.row.CompressionCount++
	ms.compressions = append(ms.compressions, rec)
	return nil
}

func (m *MemoryStore) GetCompressions(ctx context.Context, sessionID string) ([]Compression, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	out := make([]Compression, len(ms.compressions))
	copy(out, ms.compressions)
	return out, nil
}

func (m *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
