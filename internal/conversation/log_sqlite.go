package conversation

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteLog persists conversation turns in a local SQLite database.
type SQLiteLog struct {
	db *sql.DB
}

func NewSQLiteLog(path string) (*SQLiteLog, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	l := &SQLiteLog{db: db}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return l, nil
}

func (l *SQLiteLog) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS conversation_turns (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			media_ref TEXT NOT NULL DEFAULT '',
			pii_redacted INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_conversation_turns_seq ON conversation_turns(conversation_id, seq)`,
	}
	for _, m := range migrations {
		if _, err := l.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

func (l *SQLiteLog) Append(ctx context.Context, entry Entry) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO conversation_turns (id, conversation_id, session_id, seq, role, content, media_ref, pii_redacted, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.ConversationID, entry.SessionID, entry.Seq, string(entry.Role),
		entry.Content, string(entry.MediaRef), entry.PIIRedacted, entry.Timestamp.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save turn: %w", err)
	}
	return nil
}

func (l *SQLiteLog) Load(ctx context.Context, conversationID string) ([]Turn, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, seq, role, content, media_ref, created_at
		 FROM conversation_turns WHERE conversation_id = ? ORDER BY seq ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var (
			t                       Turn
			role, mediaRef, created string
		)
		if err := rows.Scan(&t.ID, &t.Seq, &role, &t.Content, &mediaRef, &created); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		ts, err := time.Parse(time.RFC3339Nano, created)
		if err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		t.Role = Role(role)
		t.MediaRef = MediaRef(mediaRef)
		t.Timestamp = ts
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

func (l *SQLiteLog) Close() error {
	return l.db.Close()
}
