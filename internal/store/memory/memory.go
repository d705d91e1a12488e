// Package memory is an in-process expense store with live feeds. It keeps
// documents in their stored form so every read goes through the codec.
package memory

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/google/uuid"

	"spendwise/internal/core"
	"spendwise/internal/store"
)

type Store struct {
	mu       sync.Mutex
	docs     map[string][]store.Document // per user, insertion order
	writeErr error
	closed   bool

	hub *store.Hub
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		docs: make(map[string][]store.Document),
		hub:  store.NewHub(),
	}
}

// Create stores e and returns a fresh id.
func (s *Store) Create(ctx context.Context, userID string, e core.Expense) (string, error) {
	if userID == "" {
		return "", core.ErrAuthRequired
	}
	s.mu.Lock()
	if err := s.rejectLocked("create"); err != nil {
		s.mu.Unlock()
		return "", err
	}
	e.ID = uuid.NewString()
	s.docs[userID] = append(s.docs[userID], store.Encode(e))
	s.mu.Unlock()

	slog.DebugContext(ctx, "Expense stored in memory", "user_id", userID, "id", e.ID)
	s.publish(ctx, userID)
	return e.ID, nil
}

// Update replaces the document with e.ID.
func (s *Store) Update(ctx context.Context, userID string, e core.Expense) error {
	if userID == "" {
		return core.ErrAuthRequired
	}
	s.mu.Lock()
	if err := s.rejectLocked("update"); err != nil {
		s.mu.Unlock()
		return err
	}
	docs := s.docs[userID]
	i := slices.IndexFunc(docs, func(d store.Document) bool { return d.ID == e.ID })
	if i < 0 {
		s.mu.Unlock()
		return core.NotFound(e.ID)
	}
	docs[i] = store.Encode(e)
	s.mu.Unlock()

	s.publish(ctx, userID)
	return nil
}

// Delete removes id when present.
func (s *Store) Delete(ctx context.Context, userID, id string) error {
	if userID == "" {
		return core.ErrAuthRequired
	}
	s.mu.Lock()
	if err := s.rejectLocked("delete"); err != nil {
		s.mu.Unlock()
		return err
	}
	docs := s.docs[userID]
	i := slices.IndexFunc(docs, func(d store.Document) bool { return d.ID == id })
	if i < 0 {
		s.mu.Unlock()
		return nil
	}
	s.docs[userID] = slices.Delete(docs, i, i+1)
	s.mu.Unlock()

	s.publish(ctx, userID)
	return nil
}

// Subscribe opens a feed on userID's collection.
func (s *Store) Subscribe(ctx context.Context, userID string) (*store.Feed, error) {
	if userID == "" {
		return nil, core.ErrAuthRequired
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, &core.SubscriptionError{UserID: userID, Err: errClosed}
	}
	f, err := s.hub.Open(ctx, userID, s.loader(userID), nil)
	if err != nil {
		return nil, &core.SubscriptionError{UserID: userID, Err: err}
	}
	return f, nil
}

// SetWriteError makes every later mutation fail with err wrapped in a
// WriteError. Pass nil to accept writes again.
func (s *Store) SetWriteError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeErr = err
}

// Disconnect simulates a transport failure: every open feed ends with a
// SubscriptionError wrapping err. Stored data is kept.
func (s *Store) Disconnect(err error) {
	s.hub.FailAll(err)
}

// Feeds returns the number of open feeds for userID.
func (s *Store) Feeds(userID string) int {
	return s.hub.Count(userID)
}

func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.hub.Close()
	return nil
}

func (s *Store) rejectLocked(op string) error {
	if s.closed {
		return &core.WriteError{Op: op, Err: errClosed}
	}
	if s.writeErr != nil {
		return &core.WriteError{Op: op, Err: s.writeErr}
	}
	return nil
}

func (s *Store) publish(ctx context.Context, userID string) {
	if err := s.hub.Refresh(ctx, userID, s.loader(userID)); err != nil {
		slog.WarnContext(ctx, "Failed to refresh memory feeds", "user_id", userID, "error", err)
	}
}

func (s *Store) loader(userID string) store.Loader {
	return func(context.Context) ([]core.Expense, error) {
		s.mu.Lock()
		docs := slices.Clone(s.docs[userID])
		s.mu.Unlock()

		records, err := store.DecodeAll(docs)
		if err != nil {
			return nil, err
		}
		return core.SortedByDateDescending(records), nil
	}
}
