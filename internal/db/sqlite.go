package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/RichardoC/relaychat/internal/models"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/multierr"
)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS messages_session_idx ON messages (session_id, id);`

// Database is a sqlite backed history store. With the default
// file::memory:?cache=shared DSN nothing outlives the process.
type Database struct {
	db *sql.DB
}

func New(dsn string) (*Database, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	// An in-memory database lives only as long as one of its connections does.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		return nil, multierr.Append(fmt.Errorf("failed to apply schema: %w", err), db.Close())
	}

	return &Database{db: db}, nil
}

func (db *Database) History(ctx context.Context, sessionID string) ([]models.Message, error) {
	query := `
        SELECT role, content, created_at
        FROM messages
        WHERE session_id = ?
        ORDER BY id ASC`

	rows, err := db.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		var msg models.Message
		if err := rows.Scan(&msg.Role, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (db *Database) Append(ctx context.Context, sessionID string, msgs ...models.Message) error {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
        INSERT INTO messages (session_id, role, content, created_at)
        VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, msg := range msgs {
		if _, err := stmt.ExecContext(ctx, sessionID, string(msg.Role), msg.Content, msg.CreatedAt); err != nil {
			return fmt.Errorf("failed to insert %s message: %w", msg.Role, err)
		}
	}

	return tx.Commit()
}

func (db *Database) Clear(ctx context.Context, sessionID string) error {
	_, err := db.db.ExecContext(ctx, "DELETE FROM messages WHERE session_id = ?", sessionID)
	return err
}

func (db *Database) Close() error {
	return db.db.Close()
}
