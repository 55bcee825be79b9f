package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/deepgram/sigpull/internal/domain/chat/models"
	_ "modernc.org/sqlite"
)

// SQLiteBackend keeps messages in a local database file
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLiteBackend opens (or creates) the database at path
func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite does not support concurrent writers
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteBackend{db: db}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		context_id TEXT NOT NULL,
		role TEXT NOT NULL,
		phase TEXT NOT NULL,
		sequence INTEGER NOT NULL DEFAULT 0,
		body TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_messages_context_id ON messages(context_id);
	`

	_, err := db.Exec(schema)
	return err
}

func (sb *SQLiteBackend) Name() string { return "sqlite" }

func (sb *SQLiteBackend) Save(ctx context.Context, msg models.Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	_, err = sb.db.ExecContext(ctx, `
		INSERT INTO messages (id, context_id, role, phase, sequence, body, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			role = excluded.role,
			phase = excluded.phase,
			sequence = excluded.sequence,
			body = excluded.body,
			updated_at = excluded.updated_at
	`, msg.ID, msg.ContextID, string(msg.Role), string(msg.Phase), int64(msg.Sequence), string(body),
		msg.CreatedAt.UnixNano(), time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}
	return nil
}

// Load returns messages in insertion order. An upsert keeps the original rowid.
func (sb *SQLiteBackend) Load(ctx context.Context, contextID string) ([]models.Message, error) {
	rows, err := sb.db.QueryContext(ctx, `SELECT body FROM messages WHERE context_id = ? ORDER BY rowid`, contextID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		var msg models.Message
		if err := json.Unmarshal([]byte(body), &msg); err != nil {
			return nil, fmt.Errorf("failed to decode message: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (sb *SQLiteBackend) Close() error {
	return sb.db.Close()
}
