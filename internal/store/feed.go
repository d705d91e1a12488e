package store

import (
	"context"
	"slices"
	"sync"

	"spendwise/internal/core"
)

// Event is one delivery on a Feed: either a complete snapshot or the
// terminal error that ended the feed.
type Event struct {
	Records []core.Expense
	Err     error
}

// Feed delivers complete snapshots of one user's collection in the order
// they were emitted. A slow consumer only ever sees the newest pending
// snapshot; an error event is always delivered and closes the feed.
type Feed struct {
	userID string
	out    chan Event
	notify chan struct{}
	done   chan struct{}

	mu      sync.Mutex
	pending *Event
	failed  bool

	stopOnce sync.Once
	release  func()
}

func newFeed(userID string, release func()) *Feed {
	f := &Feed{
		userID:  userID,
		out:     make(chan Event),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		release: release,
	}
	go f.pump()
	return f
}

// UserID returns the user the feed is scoped to.
func (f *Feed) UserID() string {
	return f.userID
}

// C returns the delivery channel. It is closed once the feed stops.
func (f *Feed) C() <-chan Event {
	return f.out
}

// Stop ends delivery and releases backend resources. Safe to call repeatedly.
func (f *Feed) Stop() {
	f.stopOnce.Do(func() {
		close(f.done)
		if f.release != nil {
			f.release()
		}
	})
}

func (f *Feed) push(records []core.Expense) {
	f.mu.Lock()
	if f.failed {
		f.mu.Unlock()
		return
	}
	snapshot := slices.Clone(records)
	if snapshot == nil {
		snapshot = []core.Expense{}
	}
	f.pending = &Event{Records: snapshot}
	f.mu.Unlock()
	f.signal()
}

func (f *Feed) fail(err error) {
	f.mu.Lock()
	if f.failed {
		f.mu.Unlock()
		return
	}
	f.failed = true
	f.pending = &Event{Err: err}
	f.mu.Unlock()
	f.signal()
}

func (f *Feed) signal() {
	select {
	case f.notify <- struct{}{}:
	default:
	}
}

func (f *Feed) pump() {
	defer close(f.out)
	for {
		select {
		case <-f.done:
			return
		case <-f.notify:
		}

		f.mu.Lock()
		ev := f.pending
		f.pending = nil
		f.mu.Unlock()
		if ev == nil {
			continue
		}

		select {
		case f.out <- *ev:
		case <-f.done:
			return
		}
		if ev.Err != nil {
			f.Stop()
			return
		}
	}
}

// Loader reads the complete, ordered snapshot for one user.
type Loader func(ctx context.Context) ([]core.Expense, error)

// Hub fans snapshots out to every open feed of a user. Loads and pushes are
// serialized so feeds never observe an older snapshot after a newer one.
type Hub struct {
	pubMu sync.Mutex

	mu    sync.Mutex
	feeds map[string]map[*Feed]struct{}
}

func NewHub() *Hub {
	return &Hub{feeds: make(map[string]map[*Feed]struct{})}
}

// Open registers a feed for userID and seeds it with the current snapshot.
// onRelease, when set, runs after the feed is stopped and unregistered.
func (h *Hub) Open(ctx context.Context, userID string, load Loader, onRelease func()) (*Feed, error) {
	h.pubMu.Lock()
	defer h.pubMu.Unlock()

	records, err := load(ctx)
	if err != nil {
		return nil, err
	}

	var f *Feed
	f = newFeed(userID, func() {
		h.remove(f)
		if onRelease != nil {
			onRelease()
		}
	})

	h.mu.Lock()
	set, ok := h.feeds[userID]
	if !ok {
		set = make(map[*Feed]struct{})
		h.feeds[userID] = set
	}
	set[f] = struct{}{}
	h.mu.Unlock()

	f.push(records)
	return f, nil
}

// Refresh reloads userID's snapshot and pushes it to each of its feeds.
// A load failure ends those feeds with a SubscriptionError.
func (h *Hub) Refresh(ctx context.Context, userID string, load Loader) error {
	h.pubMu.Lock()
	defer h.pubMu.Unlock()

	feeds := h.snapshotFeeds(userID)
	if len(feeds) == 0 {
		return nil
	}

	records, err := load(ctx)
	if err != nil {
		for _, f := range feeds {
			f.fail(&core.SubscriptionError{UserID: userID, Err: err})
		}
		return err
	}
	for _, f := range feeds {
		f.push(records)
	}
	return nil
}

// Fail ends every feed of userID with a SubscriptionError wrapping err.
func (h *Hub) Fail(userID string, err error) {
	for _, f := range h.snapshotFeeds(userID) {
		f.fail(&core.SubscriptionError{UserID: userID, Err: err})
	}
}

// FailAll ends every open feed with a SubscriptionError wrapping err.
func (h *Hub) FailAll(err error) {
	for _, userID := range h.Users() {
		h.Fail(userID, err)
	}
}

// Users returns the users with at least one open feed.
func (h *Hub) Users() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.feeds))
	for userID := range h.feeds {
		out = append(out, userID)
	}
	return out
}

// Count returns the number of open feeds for userID.
func (h *Hub) Count(userID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.feeds[userID])
}

// Close stops every open feed.
func (h *Hub) Close() {
	h.mu.Lock()
	var all []*Feed
	for _, set := range h.feeds {
		for f := range set {
			all = append(all, f)
		}
	}
	h.mu.Unlock()

	for _, f := range all {
		f.Stop()
	}
}

func (h *Hub) snapshotFeeds(userID string) []*Feed {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.feeds[userID]
	out := make([]*Feed, 0, len(set))
	for f := range set {
		out = append(out, f)
	}
	return out
}

func (h *Hub) remove(f *Feed) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.feeds[f.userID]
	delete(set, f)
	if len(set) == 0 {
		delete(h.feeds, f.userID)
	}
}
