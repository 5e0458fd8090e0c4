// Package store persists sessions, transcripts, and processed-activity
// ids in SQLite so activity reconciliation survives process restarts.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"github.com/joss/relay/internal/chat"
)

type Store struct {
	db   *sql.DB
	path string
}

// Verify Store satisfies the recorder contract backends rely on.
var _ chat.Recorder = (*Store)(nil)

// New opens (creating if needed) the session database under dataDir.
func New(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "relay.db")
	db, err := sql.Open("sqlite3", dbPath+"?_journal=WAL&_timeout=5000&_fk=1")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db, path: dbPath}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		remote_id TEXT,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_created ON sessions(created_at DESC);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		sender TEXT NOT NULL,
		text TEXT NOT NULL,
		actions_json TEXT,
		timestamp DATETIME NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id);

	CREATE TABLE IF NOT EXISTS processed_activities (
		session_id TEXT NOT NULL,
		activity_id TEXT NOT NULL,
		PRIMARY KEY (session_id, activity_id),
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SaveSession upserts the session row, its transcript, and its
// processed-activity ids. The transcript is append-only so messages are
// written with INSERT OR IGNORE; the tail message additionally gets an
// UPDATE because stream coalescing can grow its text in place.
func (s *Store) SaveSession(ctx context.Context, sess *chat.Session) error {
	sess = sess.Snapshot()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (id, title, remote_id, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET title = excluded.title, remote_id = excluded.remote_id
	`, sess.ID, sess.Title, sess.RemoteID, sess.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}

	for i, msg := range sess.Messages {
		actionsJSON, _ := json.Marshal(msg.Actions)
		_, err = tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO messages (id, session_id, sender, text, actions_json, timestamp)
			VALUES (?, ?, ?, ?, ?, ?)
		`, msg.ID, sess.ID, msg.Sender, msg.Text, string(actionsJSON), msg.Timestamp)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		if i == len(sess.Messages)-1 {
			_, err = tx.ExecContext(ctx, `UPDATE messages SET text = ? WHERE id = ?`, msg.Text, msg.ID)
			if err != nil {
				return fmt.Errorf("update tail message: %w", err)
			}
		}
	}

	for _, id := range sess.ProcessedActivityIDs {
		_, err = tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO processed_activities (session_id, activity_id) VALUES (?, ?)
		`, sess.ID, id)
		if err != nil {
			return fmt.Errorf("insert processed id: %w", err)
		}
	}

	return tx.Commit()
}

// GetSession loads a session with its transcript and processed ids.
// Returns nil when the session does not exist.
func (s *Store) GetSession(ctx context.Context, id string) (*chat.Session, error) {
	sess := &chat.Session{}
	var remoteID sql.NullString

	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, remote_id, created_at FROM sessions WHERE id = ?
	`, id).Scan(&sess.ID, &sess.Title, &remoteID, &sess.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if remoteID.Valid {
		sess.RemoteID = remoteID.String
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sender, text, actions_json, timestamp
		FROM messages WHERE session_id = ? ORDER BY id ASC
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var msg chat.Message
		var actionsJSON sql.NullString
		if err := rows.Scan(&msg.ID, &msg.Sender, &msg.Text, &actionsJSON, &msg.Timestamp); err != nil {
			return nil, err
		}
		if actionsJSON.Valid && actionsJSON.String != "" && actionsJSON.String != "null" {
			json.Unmarshal([]byte(actionsJSON.String), &msg.Actions)
		}
		sess.Messages = append(sess.Messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	ids, err := s.db.QueryContext(ctx, `
		SELECT activity_id FROM processed_activities WHERE session_id = ?
	`, id)
	if err != nil {
		return nil, err
	}
	defer ids.Close()

	for ids.Next() {
		var activityID string
		if err := ids.Scan(&activityID); err != nil {
			return nil, err
		}
		sess.ProcessedActivityIDs = append(sess.ProcessedActivityIDs, activityID)
	}
	return sess, ids.Err()
}

// ListSessions returns sessions newest first, without transcripts.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]*chat.Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, remote_id, created_at
		FROM sessions ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*chat.Session
	for rows.Next() {
		sess := &chat.Session{}
		var remoteID sql.NullString
		if err := rows.Scan(&sess.ID, &sess.Title, &remoteID, &sess.CreatedAt); err != nil {
			return nil, err
		}
		if remoteID.Valid {
			sess.RemoteID = remoteID.String
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// DeleteSession removes a session and its dependent rows.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	return err
}
