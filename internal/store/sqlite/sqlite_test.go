package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spendwise/internal/core"
	"spendwise/internal/store"
)

type recordingNotifier struct {
	mu    sync.Mutex
	users []string
	err   error
}

func (n *recordingNotifier) PublishChange(_ context.Context, userID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.users = append(n.users, userID)
	return n.err
}

func (n *recordingNotifier) published() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.users...)
}

func openTestStore(t *testing.T, opts Options) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nested", "spendwise.db")
	s, err := Open(path, opts)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, path
}

func next(t *testing.T, f *store.Feed) store.Event {
	t.Helper()
	select {
	case ev, ok := <-f.C():
		require.True(t, ok, "feed closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot")
		return store.Event{}
	}
}

func waitFor(t *testing.T, f *store.Feed, n int) []core.Expense {
	t.Helper()
	for {
		ev := next(t, f)
		require.NoError(t, ev.Err)
		if len(ev.Records) == n {
			return ev.Records
		}
	}
}

func expense(title string, amount float64, c core.Category, date time.Time) core.Expense {
	return core.Expense{Title: title, Amount: amount, Category: c, Date: date}
}

func TestCreateAndSubscribe(t *testing.T) {
	ctx := context.Background()
	n := &recordingNotifier{}
	s, _ := openTestStore(t, Options{Notifier: n})

	f, err := s.Subscribe(ctx, "u1")
	require.NoError(t, err)
	defer f.Stop()
	assert.Empty(t, next(t, f).Records)

	date := time.Date(2024, 3, 15, 8, 30, 0, 0, time.FixedZone("CET", 3600))
	e := expense("Coffee", 3.5, core.Food, date)
	e.Description = "espresso"
	id, err := s.Create(ctx, "u1", e)
	require.NoError(t, err)

	records := waitFor(t, f, 1)
	got := records[0]
	assert.Equal(t, id, got.ID)
	assert.Equal(t, "espresso", got.Description)
	assert.Empty(t, got.Notes)
	assert.True(t, date.Equal(got.Date))
	assert.Equal(t, []string{"u1"}, n.published())
}

func TestSnapshotOrderAndIsolation(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t, Options{})

	day := func(d int) time.Time { return time.Date(2024, 3, d, 0, 0, 0, 0, time.UTC) }
	for _, e := range []core.Expense{
		expense("mid", 1, core.Food, day(10)),
		expense("old", 1, core.Food, day(1)),
		expense("same-a", 1, core.Food, day(20)),
		expense("same-b", 1, core.Food, day(20)),
	} {
		_, err := s.Create(ctx, "u1", e)
		require.NoError(t, err)
	}
	_, err := s.Create(ctx, "u2", expense("other", 1, core.Bills, day(5)))
	require.NoError(t, err)

	f, err := s.Subscribe(ctx, "u1")
	require.NoError(t, err)
	defer f.Stop()

	var titles []string
	for _, e := range next(t, f).Records {
		titles = append(titles, e.Title)
	}
	assert.Equal(t, []string{"same-a", "same-b", "mid", "old"}, titles)
}

func TestUpdate(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t, Options{})

	e := expense("Taxi", 20, core.Transport, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))
	id, err := s.Create(ctx, "u1", e)
	require.NoError(t, err)

	e.ID = id
	e.Amount = 25
	e.Notes = "tip included"
	require.NoError(t, s.Update(ctx, "u1", e))

	t.Run("other user cannot update", func(t *testing.T) {
		assert.ErrorIs(t, s.Update(ctx, "u2", e), core.ErrNotFound)
	})
	t.Run("missing id", func(t *testing.T) {
		missing := e
		missing.ID = "missing"
		assert.ErrorIs(t, s.Update(ctx, "u1", missing), core.ErrNotFound)
	})

	f, err := s.Subscribe(ctx, "u1")
	require.NoError(t, err)
	defer f.Stop()
	records := next(t, f).Records
	require.Len(t, records, 1)
	assert.Equal(t, 25.0, records[0].Amount)
	assert.Equal(t, "tip included", records[0].Notes)
}

func TestDeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	n := &recordingNotifier{}
	s, _ := openTestStore(t, Options{Notifier: n})

	id, err := s.Create(ctx, "u1", expense("Rent", 900, core.Bills, time.Now()))
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, "u1", id))
	require.NoError(t, s.Delete(ctx, "u1", id))

	assert.Equal(t, []string{"u1", "u1"}, n.published(), "a no-op delete publishes nothing")
}

func TestPublishFailureDoesNotFailWrite(t *testing.T) {
	n := &recordingNotifier{err: errors.New("broker down")}
	s, _ := openTestStore(t, Options{Notifier: n})

	_, err := s.Create(context.Background(), "u1", expense("Book", 12, core.Shopping, time.Now()))
	assert.NoError(t, err)
}

func TestEmptyUserRequiresAuth(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t, Options{})

	_, err := s.Create(ctx, "", expense("x", 1, core.Food, time.Now()))
	assert.ErrorIs(t, err, core.ErrAuthRequired)
	_, err = s.Subscribe(ctx, "")
	assert.ErrorIs(t, err, core.ErrAuthRequired)
}

func TestInvalidatePicksUpForeignWrites(t *testing.T) {
	ctx := context.Background()
	s, path := openTestStore(t, Options{CacheTTL: time.Hour})

	f, err := s.Subscribe(ctx, "u1")
	require.NoError(t, err)
	defer f.Stop()
	assert.Empty(t, next(t, f).Records)

	// a second process writing to the same file
	other, err := Open(path, Options{})
	require.NoError(t, err)
	defer other.Close()
	_, err = other.Create(ctx, "u1", expense("Cinema", 9, core.Others, time.Now()))
	require.NoError(t, err)

	require.NoError(t, s.Invalidate(ctx, "u1"))
	assert.Len(t, waitFor(t, f, 1), 1)
}

func TestMalformedRowFailsSubscribe(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t, Options{})

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO expenses (id, user_id, title, amount, category, date)
		VALUES ('bad', 'u1', 'Mystery', 1, 'Gadgets', '2024-03-01T00:00:00.000Z')`)
	require.NoError(t, err)

	_, err = s.Subscribe(ctx, "u1")
	assert.ErrorIs(t, err, core.ErrSubscription)
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestMigrationsAreRepeatable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "twice.db")
	require.NoError(t, RunMigrations(path))
	require.NoError(t, RunMigrations(path))
}
