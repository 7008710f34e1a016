package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/mgalvez/vera-agent/internal/conversation"
)

// SQLiteStore is a SQLite-backed Store.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dbPath and applies
// the schema.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	store := &SQLiteStore{db: db}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return store, nil
}

// migrate creates the database schema.
func (s *SQLiteStore) migrate() error {
	schema := `
	-- Conversation turns, one row per turn, fragments as ordered JSON
	CREATE TABLE IF NOT EXISTS turns (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL,
		fragments TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		seq INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id, seq);

	-- Tool invocation audit records (immutable)
	CREATE TABLE IF NOT EXISTS tool_invocations (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		tool_name TEXT NOT NULL,
		arguments TEXT NOT NULL,
		result TEXT,
		error TEXT,
		extra_calls TEXT,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_invocations_session ON tool_invocations(session_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_invocations_tool ON tool_invocations(tool_name);

	-- Append-only preference corrections
	CREATE TABLE IF NOT EXISTS preference_rules (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		rule TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		seq INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_rules_session ON preference_rules(session_id, seq);

	-- Customer activity log
	CREATE TABLE IF NOT EXISTS activity_log (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		detail TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_activity_session ON activity_log(session_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// AppendTurn persists one turn at the end of the session's history.
func (s *SQLiteStore) AppendTurn(sessionID string, turn conversation.Turn) error {
	fragments, err := json.Marshal(turn.Fragments)
	if err != nil {
		return fmt.Errorf("marshal fragments: %w", err)
	}

	created := turn.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	_, err = s.db.Exec(`
		INSERT INTO turns (id, session_id, role, fragments, created_at, seq)
		VALUES (?, ?, ?, ?, ?,
			(SELECT COALESCE(MAX(seq), 0) + 1 FROM turns WHERE session_id = ?))
	`, uuid.NewString(), sessionID, string(turn.Role), string(fragments), created, sessionID)
	if err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	return nil
}

// History returns the session's turns in append order.
func (s *SQLiteStore) History(sessionID string) ([]conversation.Turn, error) {
	rows, err := s.db.Query(`
		SELECT role, fragments, created_at FROM turns
		WHERE session_id = ? ORDER BY seq
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var history []conversation.Turn
	for rows.Next() {
		var role, fragments string
		var created time.Time
		if err := rows.Scan(&role, &fragments, &created); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		turn := conversation.Turn{Role: conversation.Role(role), CreatedAt: created}
		if err := json.Unmarshal([]byte(fragments), &turn.Fragments); err != nil {
			return nil, fmt.Errorf("unmarshal fragments: %w", err)
		}
		history = append(history, turn)
	}
	return history, rows.Err()
}

// ClearHistory removes every turn for a session.
func (s *SQLiteStore) ClearHistory(sessionID string) error {
	if _, err := s.db.Exec(`DELETE FROM turns WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	return nil
}

// RecordInvocation persists a tool invocation audit record.
func (s *SQLiteStore) RecordInvocation(inv Invocation) error {
	args, err := json.Marshal(inv.Arguments)
	if err != nil {
		return fmt.Errorf("marshal arguments: %w", err)
	}

	var result sql.NullString
	if inv.Result != nil {
		data, err := json.Marshal(inv.Result)
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
		result = sql.NullString{String: string(data), Valid: true}
	}

	var extra sql.NullString
	if len(inv.ExtraCalls) > 0 {
		extra = sql.NullString{String: strings.Join(inv.ExtraCalls, ","), Valid: true}
	}

	id := inv.ID
	if id == "" {
		id = uuid.NewString()
	}
	created := inv.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	_, err = s.db.Exec(`
		INSERT INTO tool_invocations (id, session_id, tool_name, arguments, result, error, extra_calls, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, id, inv.SessionID, inv.Tool, string(args), result, inv.Error, extra, created)
	if err != nil {
		return fmt.Errorf("record invocation: %w", err)
	}
	return nil
}

// Invocations returns the session's most recent invocation records.
func (s *SQLiteStore) Invocations(sessionID string, limit int) ([]Invocation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, tool_name, arguments, result, error, extra_calls, created_at
		FROM tool_invocations
		WHERE session_id = ? ORDER BY created_at DESC LIMIT ?
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query invocations: %w", err)
	}
	defer rows.Close()

	var invs []Invocation
	for rows.Next() {
		inv := Invocation{SessionID: sessionID}
		var args string
		var result, extra sql.NullString
		if err := rows.Scan(&inv.ID, &inv.Tool, &args, &result, &inv.Error, &extra, &inv.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan invocation: %w", err)
		}
		if err := json.Unmarshal([]byte(args), &inv.Arguments); err != nil {
			return nil, fmt.Errorf("unmarshal arguments: %w", err)
		}
		if result.Valid {
			if err := json.Unmarshal([]byte(result.String), &inv.Result); err != nil {
				return nil, fmt.Errorf("unmarshal result: %w", err)
			}
		}
		if extra.Valid && extra.String != "" {
			inv.ExtraCalls = strings.Split(extra.String, ",")
		}
		invs = append(invs, inv)
	}
	return invs, rows.Err()
}

// AddRule appends a preference rule for a session.
func (s *SQLiteStore) AddRule(sessionID, text string) error {
	_, err := s.db.Exec(`
		INSERT INTO preference_rules (id, session_id, rule, created_at, seq)
		VALUES (?, ?, ?, ?,
			(SELECT COALESCE(MAX(seq), 0) + 1 FROM preference_rules WHERE session_id = ?))
	`, uuid.NewString(), sessionID, text, time.Now(), sessionID)
	if err != nil {
		return fmt.Errorf("add rule: %w", err)
	}
	return nil
}

// Rules returns the session's rules in creation order.
func (s *SQLiteStore) Rules(sessionID string) ([]Rule, error) {
	rows, err := s.db.Query(`
		SELECT rule, created_at FROM preference_rules
		WHERE session_id = ? ORDER BY seq
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	defer rows.Close()

	var rules []Rule
	for rows.Next() {
		r := Rule{SessionID: sessionID}
		if err := rows.Scan(&r.Text, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// AppendActivity records an activity log entry.
func (s *SQLiteStore) AppendActivity(sessionID, kind, detail string) error {
	_, err := s.db.Exec(`
		INSERT INTO activity_log (id, session_id, kind, detail, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, uuid.NewString(), sessionID, kind, detail, time.Now())
	if err != nil {
		return fmt.Errorf("append activity: %w", err)
	}
	return nil
}
