// Package postgres stores expenses in PostgreSQL. Every committed write
// raises a NOTIFY carrying the user id; a dedicated listener connection
// turns those into fresh snapshots for the open feeds, whichever process
// made the change.
package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"spendwise/internal/core"
	"spendwise/internal/store"
)

// NotifyChannel is the LISTEN/NOTIFY channel writes announce changes on.
const NotifyChannel = "expenses_changed"

const maxListenBackoff = 30 * time.Second

type Store struct {
	pool *pgxpool.Pool
	hub  *store.Hub

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ store.Store = (*Store)(nil)

// Open connects to dsn, applies migrations and starts listening for changes.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := RunMigrations(pool); err != nil {
		pool.Close()
		return nil, err
	}

	listenCtx, cancel := context.WithCancel(context.Background())
	s := &Store{pool: pool, hub: store.NewHub(), cancel: cancel}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.listen(listenCtx)
	}()
	return s, nil
}

func (s *Store) Close() error {
	s.cancel()
	s.wg.Wait()
	s.hub.Close()
	s.pool.Close()
	return nil
}

func (s *Store) Create(ctx context.Context, userID string, e core.Expense) (string, error) {
	if userID == "" {
		return "", core.ErrAuthRequired
	}
	e.ID = uuid.NewString()
	err := s.write(ctx, "create", userID, func(tx pgx.Tx) (bool, error) {
		_, err := tx.Exec(ctx, `
			INSERT INTO expenses (id, user_id, title, description, amount, category, date, notes)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			e.ID, userID, e.Title, e.Description, e.Amount, string(e.Category), e.Date.UTC(), e.Notes)
		return true, err
	})
	if err != nil {
		return "", err
	}
	slog.InfoContext(ctx, "Expense saved to Postgres", "user_id", userID, "id", e.ID)
	return e.ID, nil
}

func (s *Store) Update(ctx context.Context, userID string, e core.Expense) error {
	if userID == "" {
		return core.ErrAuthRequired
	}
	var found bool
	err := s.write(ctx, "update", userID, func(tx pgx.Tx) (bool, error) {
		tag, err := tx.Exec(ctx, `
			UPDATE expenses
			SET title = $3, description = $4, amount = $5, category = $6, date = $7, notes = $8,
			    updated_at = now()
			WHERE id = $1 AND user_id = $2`,
			e.ID, userID, e.Title, e.Description, e.Amount, string(e.Category), e.Date.UTC(), e.Notes)
		found = tag.RowsAffected() > 0
		return found, err
	})
	if err != nil {
		return err
	}
	if !found {
		return core.NotFound(e.ID)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, userID, id string) error {
	if userID == "" {
		return core.ErrAuthRequired
	}
	return s.write(ctx, "delete", userID, func(tx pgx.Tx) (bool, error) {
		tag, err := tx.Exec(ctx, `DELETE FROM expenses WHERE id = $1 AND user_id = $2`, id, userID)
		return tag.RowsAffected() > 0, err
	})
}

// write runs fn in a transaction and, when fn reports a change, queues the
// change notification so it is delivered only on commit.
func (s *Store) write(ctx context.Context, op, userID string, fn func(pgx.Tx) (bool, error)) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		changed, err := fn(tx)
		if err != nil || !changed {
			return err
		}
		_, err = tx.Exec(ctx, `SELECT pg_notify($1, $2)`, NotifyChannel, userID)
		return err
	})
	if err != nil {
		return &core.WriteError{Op: op, Err: err}
	}
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

func (s *Store) loader(userID string) store.Loader {
	return func(ctx context.Context) ([]core.Expense, error) {
		rows, err := s.pool.Query(ctx, `
			SELECT id, title, description, amount, category, date, notes
			FROM expenses
			WHERE user_id = $1
			ORDER BY date DESC, seq ASC`, userID)
		if err != nil {
			return nil, fmt.Errorf("list expenses: %w", err)
		}
		records, err := pgx.CollectRows(rows, pgx.RowToStructByPos[row])
		if err != nil {
			return nil, fmt.Errorf("scan expenses: %w", err)
		}
		return toExpenses(records)
	}
}

// listen holds one connection in LISTEN mode. When it breaks, every open
// feed fails and the listener reconnects with backoff.
func (s *Store) listen(ctx context.Context) {
	for attempt := 0; ; attempt++ {
		err := s.listenOnce(ctx, func() { attempt = 0 })
		if ctx.Err() != nil {
			return
		}
		slog.ErrorContext(ctx, "Postgres listener failed", "error", err, "attempt", attempt+1)
		s.hub.FailAll(err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(listenBackoff(attempt)):
		}
	}
}

func (s *Store) listenOnce(ctx context.Context, connected func()) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listener connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{NotifyChannel}.Sanitize()); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	connected()
	slog.InfoContext(ctx, "Listening for expense changes", "channel", NotifyChannel)

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		if n.Payload == "" {
			continue
		}
		if err := s.hub.Refresh(ctx, n.Payload, s.loader(n.Payload)); err != nil {
			slog.WarnContext(ctx, "Failed to refresh Postgres feeds", "user_id", n.Payload, "error", err)
		}
	}
}

func listenBackoff(attempt int) time.Duration {
	if attempt >= 5 {
		return maxListenBackoff
	}
	return time.Second << attempt
}
