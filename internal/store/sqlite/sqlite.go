// Package sqlite persists expenses in a local SQLite file and serves live
// feeds from it. Other processes on the same file are kept in step through
// an optional change Notifier.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"spendwise/internal/cache"
	"spendwise/internal/core"
	"spendwise/internal/store"
)

// Notifier publishes that a user's collection changed.
type Notifier interface {
	PublishChange(ctx context.Context, userID string) error
}

type Options struct {
	CacheSize int
	CacheTTL  time.Duration
	Notifier  Notifier
}

type Store struct {
	db        *sql.DB
	hub       *store.Hub
	snapshots cache.Cache[[]core.Expense]
	notifier  Notifier
	stopSweep context.CancelFunc
}

var _ store.Store = (*Store)(nil)

// Open creates dbPath if needed, migrates it and starts sweeping the
// snapshot cache.
func Open(dbPath string, opts Options) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := RunMigrations(dbPath); err != nil {
		db.Close()
		return nil, err
	}

	if opts.CacheSize <= 0 {
		opts.CacheSize = 100
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 5 * time.Minute
	}
	snapshots := cache.NewLRUCache[[]core.Expense](opts.CacheSize, opts.CacheTTL)

	ctx, cancel := context.WithCancel(context.Background())
	go cache.NewJanitor(snapshots).Run(ctx, opts.CacheTTL)

	return &Store{
		db:        db,
		hub:       store.NewHub(),
		snapshots: snapshots,
		notifier:  opts.Notifier,
		stopSweep: cancel,
	}, nil
}

func (s *Store) Close() error {
	s.stopSweep()
	s.hub.Close()
	slog.Debug("Dropping snapshot cache", "entries", s.snapshots.Size())
	s.snapshots.Purge()
	return s.db.Close()
}

func (s *Store) Create(ctx context.Context, userID string, e core.Expense) (string, error) {
	if userID == "" {
		return "", core.ErrAuthRequired
	}
	e.ID = uuid.NewString()
	d := store.Encode(e)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO expenses (id, user_id, title, description, amount, category, date, notes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, userID, d.Title, d.Description, d.Amount, d.Category, d.Date, d.Notes)
	if err != nil {
		return "", &core.WriteError{Op: "create", Err: err}
	}

	slog.InfoContext(ctx, "Expense saved to SQLite", "user_id", userID, "id", d.ID, "category", d.Category)
	s.changed(ctx, userID)
	return d.ID, nil
}

func (s *Store) Update(ctx context.Context, userID string, e core.Expense) error {
	if userID == "" {
		return core.ErrAuthRequired
	}
	d := store.Encode(e)

	res, err := s.db.ExecContext(ctx, `
		UPDATE expenses
		SET title = ?, description = ?, amount = ?, category = ?, date = ?, notes = ?,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND user_id = ?`,
		d.Title, d.Description, d.Amount, d.Category, d.Date, d.Notes, d.ID, userID)
	if err != nil {
		return &core.WriteError{Op: "update", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return &core.WriteError{Op: "update", Err: err}
	}
	if n == 0 {
		return core.NotFound(d.ID)
	}

	slog.InfoContext(ctx, "Expense updated in SQLite", "user_id", userID, "id", d.ID)
	s.changed(ctx, userID)
	return nil
}

func (s *Store) Delete(ctx context.Context, userID, id string) error {
	if userID == "" {
		return core.ErrAuthRequired
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM expenses WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return &core.WriteError{Op: "delete", Err: err}
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil
	}

	slog.InfoContext(ctx, "Expense deleted from SQLite", "user_id", userID, "id", id)
	s.changed(ctx, userID)
	return nil
}

func (s *Store) Subscribe(ctx context.Context, userID string) (*store.Feed, error) {
	if userID == "" {
		return nil, core.ErrAuthRequired
	}
	f, err := s.hub.Open(ctx, userID, s.loader(userID), nil)
	if err != nil {
		return nil, &core.SubscriptionError{UserID: userID, Err: err}
	}
	return f, nil
}

// Invalidate drops the cached snapshot for userID and pushes a fresh one to
// its feeds. It is the receiving end of change notifications.
func (s *Store) Invalidate(ctx context.Context, userID string) error {
	s.snapshots.Delete(userID)
	return s.hub.Refresh(ctx, userID, s.reload(userID))
}

func (s *Store) changed(ctx context.Context, userID string) {
	if err := s.Invalidate(ctx, userID); err != nil {
		slog.WarnContext(ctx, "Failed to refresh SQLite feeds", "user_id", userID, "error", err)
	}
	if s.notifier == nil {
		return
	}
	if err := s.notifier.PublishChange(ctx, userID); err != nil {
		slog.WarnContext(ctx, "Failed to publish expense change", "user_id", userID, "error", err)
	}
}

// loader serves a cached snapshot when one is held.
func (s *Store) loader(userID string) store.Loader {
	reload := s.reload(userID)
	return func(ctx context.Context) ([]core.Expense, error) {
		if records, ok := s.snapshots.Get(userID); ok {
			return records, nil
		}
		return reload(ctx)
	}
}

// reload always reads the table and refills the cache.
func (s *Store) reload(userID string) store.Loader {
	return func(ctx context.Context) ([]core.Expense, error) {
		records, err := s.list(ctx, userID)
		if err != nil {
			return nil, err
		}
		s.snapshots.Set(userID, records)
		return records, nil
	}
}

func (s *Store) list(ctx context.Context, userID string) ([]core.Expense, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, description, amount, category, date, notes
		FROM expenses
		WHERE user_id = ?
		ORDER BY date DESC, seq ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list expenses: %w", err)
	}
	defer rows.Close()

	var docs []store.Document
	for rows.Next() {
		var d store.Document
		if err := rows.Scan(&d.ID, &d.Title, &d.Description, &d.Amount, &d.Category, &d.Date, &d.Notes); err != nil {
			return nil, fmt.Errorf("scan expense: %w", err)
		}
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expenses: %w", err)
	}

	records, err := store.DecodeAll(docs)
	if err != nil {
		return nil, errors.Join(errCorrupt, err)
	}
	return core.SortedByDateDescending(records), nil
}

var errCorrupt = errors.New("stored expense is malformed")
