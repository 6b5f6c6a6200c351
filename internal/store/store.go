// Package store provides PostgreSQL-backed persistence for room message
// history. It is a thin CRUD adapter: upsert with duplicate-ignore, ordered
// fetch with optional pagination, substring search, delete, count, and room
// listing. Schema is owned by embedded migrations applied at startup.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"

	"github.com/huddle/chat-app/internal/message"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DefaultSearchLimit caps search results when the caller does not specify
// a limit.
const DefaultSearchLimit = 50

// defaultPageSize is used for offset pagination when no limit is given.
const defaultPageSize = 50

// Store manages persisted messages in PostgreSQL.
type Store struct {
	db *sql.DB
}

// Open connects to PostgreSQL, verifies the connection, and applies any
// pending migrations.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: postgres connection failed: %w", err)
	}

	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// NewStore wraps an existing database handle without running migrations.
// Used by tests that manage their own schema lifecycle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("store: load migrations: %w", err)
	}
	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("store: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("store: migrate setup: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("store: migrate up: %w", err)
	}
	log.Printf("[store] schema up to date")
	return nil
}

// Store upserts messages for a room. Rows whose id already exists are left
// untouched, so re-persisting a merged view after every send is safe.
func (s *Store) Store(ctx context.Context, msgs []message.Message, room string) error {
	if len(msgs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO messages (id, room_name, author, content, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("store: prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, m := range msgs {
		row := message.ToRow(m, room)
		if _, err := stmt.ExecContext(ctx, row.ID, row.RoomName, row.Author, row.Content, row.CreatedAt); err != nil {
			return fmt.Errorf("store: upsert message %s: %w", row.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// Fetch returns a room's messages ordered ascending by created_at. A limit
// of 0 means unbounded unless an offset is set, in which case the default
// page size applies.
func (s *Store) Fetch(ctx context.Context, room string, limit, offset int) ([]message.Message, error) {
	query := `
		SELECT id, room_name, author, content, created_at
		FROM messages
		WHERE room_name = $1
		ORDER BY created_at ASC`
	args := []interface{}{room}

	if limit == 0 && offset > 0 {
		limit = defaultPageSize
	}
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if offset > 0 {
		args = append(args, offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	return s.queryMessages(ctx, query, args...)
}

// Search returns messages whose content contains term, case-insensitively,
// newest first. A non-positive limit falls back to DefaultSearchLimit.
func (s *Store) Search(ctx context.Context, room, term string, limit int) ([]message.Message, error) {
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	return s.queryMessages(ctx, `
		SELECT id, room_name, author, content, created_at
		FROM messages
		WHERE room_name = $1 AND content ILIKE '%' || $2 || '%'
		ORDER BY created_at DESC
		LIMIT $3`, room, term, limit)
}

// Delete removes one message by id. Deleting an unknown id is not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = $1`, id); err != nil {
		return fmt.Errorf("store: delete message %s: %w", id, err)
	}
	return nil
}

// DeleteRoom removes every message persisted for a room.
func (s *Store) DeleteRoom(ctx context.Context, room string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE room_name = $1`, room); err != nil {
		return fmt.Errorf("store: delete room %s: %w", room, err)
	}
	return nil
}

// Count returns the number of persisted messages in a room.
func (s *Store) Count(ctx context.Context, room string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE room_name = $1`, room).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count room %s: %w", room, err)
	}
	return n, nil
}

// ListRooms returns the set of room names that have persisted messages.
func (s *Store) ListRooms(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT room_name FROM messages ORDER BY room_name`)
	if err != nil {
		return nil, fmt.Errorf("store: list rooms: %w", err)
	}
	defer rows.Close()

	var rooms []string
	for rows.Next() {
		var room string
		if err := rows.Scan(&room); err != nil {
			return nil, fmt.Errorf("store: scan room: %w", err)
		}
		rooms = append(rooms, room)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list rooms: %w", err)
	}
	return rooms, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) queryMessages(ctx context.Context, query string, args ...interface{}) ([]message.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query messages: %w", err)
	}
	defer rows.Close()

	var msgs []message.Message
	for rows.Next() {
		var r message.Row
		if err := rows.Scan(&r.ID, &r.RoomName, &r.Author, &r.Content, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		msgs = append(msgs, message.FromRow(r))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: query messages: %w", err)
	}
	return msgs, nil
}
