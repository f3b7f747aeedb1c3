// Package store persists tool descriptions in SQLite and notifies subscribers after every
// write.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"github.com/MegaGrindStone/signeo-mcp/registry"
)

const sqliteStoreSchema = `
CREATE TABLE IF NOT EXISTS tools (
	name TEXT PRIMARY KEY,
	description TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);`

const subscriberBuffer = 16

// ErrInvalidEntry is returned by Upsert when the name or description is blank.
var ErrInvalidEntry = errors.New("store: name and description are required")

// Option represents the options for the store.
type Option func(*SQLiteStore)

// SQLiteStore is the persistence layer behind the registry. It implements
// registry.Source and registry.ChangeNotifier.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger

	mu          sync.Mutex
	subscribers map[int]chan registry.Change
	nextSubID   int
}

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *SQLiteStore) {
		s.logger = logger.With(
			slog.String("package", "signeo-mcp"),
			slog.String("component", "store"),
		)
	}
}

// Open opens (or creates) the SQLite database at dsn.
func Open(dsn string, options ...Option) (*SQLiteStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("store: sqlite dsn is required")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: sqlite open: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: sqlite set WAL mode: %w", err)
	}

	if _, err := db.Exec(sqliteStoreSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: sqlite create schema: %w", err)
	}

	s := &SQLiteStore{
		db:          db,
		logger:      slog.Default(),
		subscribers: make(map[int]chan registry.Change),
	}
	for _, opt := range options {
		opt(s)
	}
	return s, nil
}

// ListAll returns every entry in name order.
func (s *SQLiteStore) ListAll(ctx context.Context) ([]registry.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT name, description, created_at, updated_at
FROM tools
ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: sqlite list tools: %w", err)
	}
	defer rows.Close()

	var entries []registry.Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: sqlite tool rows: %w", err)
	}

	return entries, nil
}

// Get returns the entry named name.
func (s *SQLiteStore) Get(ctx context.Context, name string) (registry.Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return registry.Entry{}, false, err
	}

	row := s.db.QueryRowContext(ctx, `
SELECT name, description, created_at, updated_at
FROM tools
WHERE name = ?`, name)

	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return registry.Entry{}, false, nil
		}
		return registry.Entry{}, false, err
	}
	return entry, true, nil
}

// Upsert creates or replaces the description of name. Both values are trimmed and must
// be non-empty. The original creation time survives an update. Subscribers receive a
// Change once the write is committed.
func (s *SQLiteStore) Upsert(ctx context.Context, name, description string) (registry.Entry, error) {
	if err := ctx.Err(); err != nil {
		return registry.Entry{}, err
	}

	name = strings.TrimSpace(name)
	description = strings.TrimSpace(description)
	if name == "" || description == "" {
		return registry.Entry{}, ErrInvalidEntry
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	row := s.db.QueryRowContext(ctx, `
INSERT INTO tools (name, description, created_at, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(name) DO UPDATE SET
	description = excluded.description,
	updated_at = excluded.updated_at
RETURNING name, description, created_at, updated_at`,
		name, description, now, now)

	entry, err := scanEntry(row)
	if err != nil {
		return registry.Entry{}, fmt.Errorf("store: sqlite upsert tool: %w", err)
	}

	change := registry.Change{ID: ulid.Make().String(), Entry: entry}
	s.publish(change)

	s.logger.Info("tool upserted",
		slog.String("tool", entry.Name),
		slog.String("changeID", change.ID))

	return entry, nil
}

// Subscribe implements registry.ChangeNotifier. A subscriber that falls behind misses
// changes beyond its buffer; every Change triggers a full reload, so the pending one
// covers the rest.
func (s *SQLiteStore) Subscribe() (<-chan registry.Change, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSubID
	s.nextSubID++
	ch := make(chan registry.Change, subscriberBuffer)
	s.subscribers[id] = ch

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		// Close may have ended the subscription already.
		if _, ok := s.subscribers[id]; ok {
			delete(s.subscribers, id)
			close(ch)
		}
	}
}

// Close closes the underlying database connection and ends every subscription.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	for id, ch := range s.subscribers {
		delete(s.subscribers, id)
		close(ch)
	}
	s.mu.Unlock()

	return s.db.Close()
}

func (s *SQLiteStore) publish(change registry.Change) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ch := range s.subscribers {
		select {
		case ch <- change:
		default:
			s.logger.Warn("subscriber is behind, dropping change", slog.String("changeID", change.ID))
		}
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (registry.Entry, error) {
	var (
		entry              registry.Entry
		createdAt, updated string
	)
	if err := row.Scan(&entry.Name, &entry.Description, &createdAt, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return registry.Entry{}, err
		}
		return registry.Entry{}, fmt.Errorf("store: sqlite scan tool: %w", err)
	}

	var err error
	if entry.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return registry.Entry{}, fmt.Errorf("store: sqlite parse created_at: %w", err)
	}
	if entry.UpdatedAt, err = time.Parse(time.RFC3339Nano, updated); err != nil {
		return registry.Entry{}, fmt.Errorf("store: sqlite parse updated_at: %w", err)
	}
	return entry, nil
}
