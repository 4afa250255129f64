package durable

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/astromechza/holoboard/pkg/board"
)

var ErrNotFound = errors.New("no saved state for room")

// Store is the on-device mirror of board documents. Each room is one row keyed by board.StateKey so rooms never
// share or clobber each other's offline cache.
type Store struct {
	db *sql.DB
}

// Open creates or opens the SQLite database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := s.db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	if _, err := s.db.Exec(
		`CREATE TABLE IF NOT EXISTS room_states (
    	key text not null primary key,
        content text not null,
        updated_at timestamp not null default current_timestamp
		)`,
	); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Load returns the saved document bytes for a room.
func (s *Store) Load(ctx context.Context, roomID string) ([]byte, error) {
	var rawContent string
	if err := s.db.QueryRowContext(
		ctx, `SELECT content FROM room_states WHERE key = ?`, board.StateKey(roomID),
	).Scan(&rawContent); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	raw, err := base64.StdEncoding.DecodeString(rawContent)
	if err != nil {
		return nil, fmt.Errorf("failed to decode: %w", err)
	}
	return raw, nil
}

// Save upserts the document bytes for a room. It reports whether the stored content actually changed.
func (s *Store) Save(ctx context.Context, roomID string, raw []byte) (bool, error) {
	newContent := base64.StdEncoding.EncodeToString(raw)
	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO room_states (key, content) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET content = excluded.content, updated_at = current_timestamp
		WHERE room_states.content != excluded.content`,
		board.StateKey(roomID), newContent,
	)
	if err != nil {
		return false, fmt.Errorf("failed to save room state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to count rows affected: %w", err)
	}
	return n > 0, nil
}

// Rooms lists every room with saved state.
func (s *Store) Rooms(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM room_states ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer func(rows *sql.Rows) {
		if err := rows.Close(); err != nil {
			slog.Error("failed to close rows", "err", err)
		}
	}(rows)
	prefix := board.StateKey("")
	var out []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan: %w", err)
		}
		out = append(out, strings.TrimPrefix(key, prefix))
	}
	return out, rows.Err()
}

// Forget deletes the saved state for a room.
func (s *Store) Forget(ctx context.Context, roomID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM room_states WHERE key = ?`, board.StateKey(roomID)); err != nil {
		return fmt.Errorf("failed to delete room state: %w", err)
	}
	return nil
}
