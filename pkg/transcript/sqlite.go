package transcript

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS conversations (
	id         TEXT PRIMARY KEY,
	title      TEXT NOT NULL,
	model      TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	body       TEXT NOT NULL
)`

// SQLiteStore keeps conversation documents in a single SQLite table.
// The full document lives in the body column; the other columns back List.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (creating if needed) the database at path.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps writes ordered and avoids SQLITE_BUSY between pool members.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Load reads the conversation with the given id.
func (s *SQLiteStore) Load(id string) (*Conversation, error) {
	if !ValidID(id) {
		return nil, ErrInvalidID
	}
	var body string
	err := s.db.QueryRow(`SELECT body FROM conversations WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	var conv Conversation
	if err := json.Unmarshal([]byte(body), &conv); err != nil {
		return nil, fmt.Errorf("failed to parse conversation %s: %w", id, err)
	}
	return &conv, nil
}

// Save upserts the whole conversation document.
func (s *SQLiteStore) Save(conv *Conversation) error {
	if conv == nil || !ValidID(conv.ID) {
		return ErrInvalidID
	}
	body, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("failed to marshal conversation: %w", err)
	}
	_, err = s.db.Exec(`
INSERT INTO conversations (id, title, model, updated_at, body) VALUES (?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET title = excluded.title, model = excluded.model,
	updated_at = excluded.updated_at, body = excluded.body`,
		conv.ID, conv.Title, conv.Model, conv.UpdatedAt.UTC().Format(time.RFC3339Nano), string(body))
	if err != nil {
		return fmt.Errorf("failed to save conversation %s: %w", conv.ID, err)
	}
	return nil
}

// Delete removes a conversation. Deleting a missing conversation is not an error.
func (s *SQLiteStore) Delete(id string) error {
	if !ValidID(id) {
		return ErrInvalidID
	}
	if _, err := s.db.Exec(`DELETE FROM conversations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete conversation %s: %w", id, err)
	}
	return nil
}

// List returns summaries of all conversations, newest first.
func (s *SQLiteStore) List() ([]Summary, error) {
	rows, err := s.db.Query(`SELECT id, title, model, updated_at FROM conversations`)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var list []Summary
	for rows.Next() {
		var sum Summary
		var updated string
		if err := rows.Scan(&sum.ID, &sum.Title, &sum.Model, &updated); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		if sum.UpdatedAt, err = time.Parse(time.RFC3339Nano, updated); err != nil {
			slog.Debug("Conversation has unreadable timestamp", "id", sum.ID, "updated_at", updated, "error", err)
		}
		if sum.Title == "" {
			sum.Title = "Untitled"
		}
		list = append(list, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	sortSummaries(list)
	return list, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
