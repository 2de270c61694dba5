package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	. "github.com/tablesage/tablesage/internal/logging"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// Schema version for migrations
const currentSchemaVersion = 1

// NewSQLiteStore opens or creates the session database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	L_info("sqlite: session store opened", "path", path)
	return store, nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate() error {
	var version int
	err := s.db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if err != nil {
		// Table doesn't exist, start from scratch
		version = 0
	}

	if version >= currentSchemaVersion {
		L_debug("sqlite: schema up to date", "version", version)
		return nil
	}

	L_info("sqlite: migrating schema", "from", version, "to", currentSchemaVersion)

	migrations := []func(*sql.DB) error{
		migrateV1,
	}

	for i := version; i < len(migrations); i++ {
		if err := migrations[i](s.db); err != nil {
			return fmt.Errorf("migration v%d failed: %w", i+1, err)
		}
		L_debug("sqlite: applied migration", "version", i+1)
	}

	return nil
}

// migrateV1 creates the initial schema
func migrateV1(db *sql.DB) error {
	schema := `
	-- Schema version tracking
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL
	);
	INSERT INTO schema_version (version, applied_at) VALUES (1, ?);

	-- Sessions table
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		created_at INTEGER NOT NULL,
		last_active_at INTEGER NOT NULL,
		compression_count INTEGER DEFAULT 0,
		clarification_json TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_active ON sessions(last_active_at);

	-- Messages table, one row per message per layer
	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		turn_id TEXT,
		layer TEXT NOT NULL,
		role TEXT NOT NULL,
		kind TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		timestamp INTEGER NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, layer, timestamp);

	-- Compressions table
	CREATE TABLE IF NOT EXISTS compressions (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		summary TEXT NOT NULL,
		tokens_before INTEGER NOT NULL,
		tokens_after INTEGER DEFAULT 0,
		messages_removed INTEGER DEFAULT 0,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_compressions_session ON compressions(session_id, timestamp);
	`

	_, err := db.Exec(schema, time.Now().Unix())
	return err
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateSession inserts a new session row.
func (s *SQLiteStore) CreateSession(ctx context.Context, sess *Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, created_at, last_active_at, compression_count, clarification_json)
		VALUES (?, ?, ?, ?, ?)
	`,
		sess.ID, sess.CreatedAt.Unix(), sess.LastActiveAt.Unix(),
		sess.CompressionCount, clarificationJSON(sess.PendingClarification),
	)
	if err != nil {
		return fmt.Errorf("insert failed: %w", err)
	}

	L_debug("sqlite: session created", "id", sess.ID)
	return nil
}

// GetSession returns the session row without its messages.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	var sess Session
	var createdAt, lastActiveAt int64
	var clarification sql.NullString

	err := s.db.QueryRowContext(ctx, `
		SELECT id, created_at, last_active_at, compression_count, clarification_json
		FROM sessions WHERE id = ?
	`, id).Scan(&sess.ID, &createdAt, &lastActiveAt, &sess.CompressionCount, &clarification)

	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}

	sess.CreatedAt = time.Unix(createdAt, 0)
	sess.LastActiveAt = time.Unix(lastActiveAt, 0)
	if clarification.Valid && clarification.String != "" {
		var c Clarification
		if err := json.Unmarshal([]byte(clarification.String), &c); err != nil {
			L_warn("sqlite: failed to unmarshal clarification", "session", sess.ID, "error", err)
		} else {
			sess.PendingClarification = &c
		}
	}

	return &sess, nil
}

// ListSessions returns all sessions, most recently active first.
func (s *SQLiteStore) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.created_at, s.last_active_at, s.compression_count,
		       (SELECT COUNT(*) FROM messages WHERE session_id = s.id AND layer = 'local') as local_count,
		       (SELECT COUNT(*) FROM messages WHERE session_id = s.id AND layer = 'cloud') as cloud_count
		FROM sessions s
		ORDER BY s.last_active_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var infos []SessionInfo
	for rows.Next() {
		var si SessionInfo
		var createdAt, lastActiveAt int64
		if err := rows.Scan(&si.ID, &createdAt, &lastActiveAt, &si.CompressionCount, &si.LocalMessages, &si.CloudMessages); err != nil {
			return nil, err
		}
		si.CreatedAt = time.Unix(createdAt, 0)
		si.LastActiveAt = time.Unix(lastActiveAt, 0)
		infos = append(infos, si)
	}

	return infos, rows.Err()
}

// DeleteSession removes a session and everything attached to it.
func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin failed: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE session_id = ?", id); err != nil {
		return fmt.Errorf("delete messages failed: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM compressions WHERE session_id = ?", id); err != nil {
		return fmt.Errorf("delete compressions failed: %w", err)
	}
	result, err := tx.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete session failed: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrSessionNotFound
	}

	return tx.Commit()
}

// DeleteIdleSessions removes sessions last active before cutoff.
func (s *SQLiteStore) DeleteIdleSessions(ctx context.Context, cutoff time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin failed: %w", err)
	}
	defer tx.Rollback()

	cut := cutoff.Unix()
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM messages WHERE session_id IN (SELECT id FROM sessions WHERE last_active_at < ?)", cut); err != nil {
		return 0, fmt.Errorf("delete messages failed: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM compressions WHERE session_id IN (SELECT id FROM sessions WHERE last_active_at < ?)", cut); err != nil {
		return 0, fmt.Errorf("delete compressions failed: %w", err)
	}
	result, err := tx.ExecContext(ctx, "DELETE FROM sessions WHERE last_active_at < ?", cut)
	if err != nil {
		return 0, fmt.Errorf("delete sessions failed: %w", err)
	}
	removed, _ := result.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return int(removed), nil
}

// GetMessages retrieves one history layer in insertion order.
func (s *SQLiteStore) GetMessages(ctx context.Context, sessionID, layer string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, turn_id, role, kind, content, timestamp
		FROM messages
		WHERE session_id = ? AND layer = ?
		ORDER BY timestamp, rowid
	`, sessionID, layer)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var msg Message
		var turnID sql.NullString
		var ts int64
		if err := rows.Scan(&msg.ID, &turnID, &msg.Role, &msg.Kind, &msg.Content, &ts); err != nil {
			return nil, err
		}
		msg.TurnID = turnID.String
		msg.Timestamp = time.Unix(ts, 0)
		msgs = append(msgs, msg)
	}

	return msgs, rows.Err()
}

// AppendMessages commits both layers of one stage boundary in a single
// transaction and advances the session activity timestamp.
func (s *SQLiteStore) AppendMessages(ctx context.Context, sessionID string, local, cloud []Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin failed: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		"UPDATE sessions SET last_active_at = ? WHERE id = ?", time.Now().Unix(), sessionID)
	if err != nil {
		return fmt.Errorf("touch session failed: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrSessionNotFound
	}

	if err := insertMessages(ctx, tx, sessionID, LayerLocal, local); err != nil {
		return err
	}
	if err := insertMessages(ctx, tx, sessionID, LayerCloud, cloud); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit failed: %w", err)
	}

	L_trace("sqlite: messages appended", "session", sessionID, "local", len(local), "cloud", len(cloud))
	return nil
}

func insertMessages(ctx context.Context, tx *sql.Tx, sessionID, layer string, msgs []Message) error {
	for _, msg := range msgs {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO messages (id, session_id, turn_id, layer, role, kind, content, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, msg.ID, sessionID, nullString(msg.TurnID), layer, msg.Role, msg.Kind, msg.Content, msg.Timestamp.Unix())
		if err != nil {
			return fmt.Errorf("insert message failed: %w", err)
		}
	}
	return nil
}

// SaveClarification stores or clears the pending clarification.
func (s *SQLiteStore) SaveClarification(ctx context.Context, sessionID string, c *Clarification) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET clarification_json = ? WHERE id = ?", clarificationJSON(c), sessionID)
	if err != nil {
		return fmt.Errorf("update failed: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// CommitCompression atomically replaces the cloud layer with its compressed
// form and records the compression event.
func (s *SQLiteStore) CommitCompression(ctx context.Context, sessionID string, newCloud []Message, rec Compression) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin failed: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM messages WHERE session_id = ? AND layer = ?", sessionID, LayerCloud); err != nil {
		return fmt.Errorf("delete cloud messages failed: %w", err)
	}
	if err := insertMessages(ctx, tx, sessionID, LayerCloud, newCloud); err != nil {
		return err
	}

	result, err := tx.ExecContext(ctx,
		"UPDATE sessions SET compression_count = compression_count + 1 WHERE id = ?", sessionID)
	if err != nil {
		return fmt.Errorf("update session failed: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrSessionNotFound
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO compressions (id, session_id, timestamp, summary, tokens_before, tokens_after, messages_removed)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, sessionID, rec.Timestamp.Unix(), rec.Summary, rec.TokensBefore, rec.TokensAfter, rec.MessagesRemoved); err != nil {
		return fmt.Errorf("insert compression failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit failed: %w", err)
	}

	L_debug("sqlite: compression committed", "session", sessionID, "removed", rec.MessagesRemoved)
	return nil
}

// GetCompressions returns compression events for a session, oldest first.
func (s *SQLiteStore) GetCompressions(ctx context.Context, sessionID string) ([]Compression, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp, summary, tokens_before, tokens_after, messages_removed
		FROM compressions
		WHERE session_id = ?
		ORDER BY timestamp, rowid
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var comps []Compression
	for rows.Next() {
		var c Compression
		var ts int64
		if err := rows.Scan(&c.ID, &ts, &c.Summary, &c.TokensBefore, &c.TokensAfter, &c.MessagesRemoved); err != nil {
			return nil, err
		}
		c.Timestamp = time.Unix(ts, 0)
		comps = append(comps, c)
	}

	return comps, rows.Err()
}

// nullString converts an empty string to nil for nullable columns.
func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func clarificationJSON(c *Clarification) interface{} {
	if c == nil {
		return nil
	}
	data, err := json.Marshal(c)
	if err != nil {
		L_warn("sqlite: failed to marshal clarification", "error", err)
		return nil
	}
	return string(data)
}

var _ Store = (*SQLiteStore)(nil)
