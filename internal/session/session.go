// Package session keeps the signed-in user's expenses in memory, in step
// with the store, and exposes the derived views the UI renders.
//
// One goroutine owns the cache. It reacts to identity changes, snapshot
// events and explicit resubscribe requests; readers see immutable copies.
package session

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"spendwise/internal/auth"
	"spendwise/internal/core"
	"spendwise/internal/log"
	"spendwise/internal/store"
)

// Phase is where the manager is in its subscription lifecycle.
type Phase string

const (
	Unauthenticated Phase = "unauthenticated"
	Subscribing     Phase = "subscribing"
	Synced          Phase = "synced"
	Failed          Phase = "error"
)

// View is everything the UI shows, derived from one cache state.
type View struct {
	UserID         string
	Phase          Phase
	Records        []core.Expense
	Recent         []core.Expense
	SortedAll      []core.Expense
	MonthlyTotal   float64
	CategoryTotals map[core.Category]float64
	Loading        bool
	Err            error
}

type state struct {
	identity auth.Identity
	phase    Phase
	records  []core.Expense
	err      error
}

func (s *state) loading() bool {
	return s.phase == Subscribing
}

type Manager struct {
	store  store.Store
	logger *log.Logger

	current atomic.Pointer[state]
	updates chan struct{}
	errs    chan error

	requests  chan request
	quit      chan struct{}
	done      chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	// loop-owned
	identities <-chan auth.Identity
	feed       *store.Feed
	events     <-chan store.Event
}

// request is a call served by the loop after it has applied every identity
// already waiting on the stream, so it never acts for a stale user.
type request struct {
	resubscribe bool
	reply       chan reply
}

type reply struct {
	identity auth.Identity
	err      error
}

// New starts a manager bound to st and driven by identities. A zero
// Identity on the stream means signed out.
func New(st store.Store, identities <-chan auth.Identity, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.Discard()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		store:      st,
		identities: identities,
		logger:     logger.WithComponent(log.ComponentSession),
		updates:    make(chan struct{}, 1),
		errs:       make(chan error, 1),
		requests:   make(chan request),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
	m.current.Store(&state{phase: Unauthenticated, records: []core.Expense{}})
	go m.run()
	return m
}

// View derives every view from the current cache at now.
func (m *Manager) View(now time.Time) View {
	s := m.current.Load()
	return View{
		UserID:         s.identity.UserID,
		Phase:          s.phase,
		Records:        slices.Clone(s.records),
		Recent:         core.RecentWindow(s.records, now),
		SortedAll:      core.SortedByDateDescending(s.records),
		MonthlyTotal:   core.MonthlyTotal(s.records, now),
		CategoryTotals: core.CategoryTotals(s.records, now),
		Loading:        s.loading(),
		Err:            s.err,
	}
}

// Identity returns the identity the cache is bound to.
func (m *Manager) Identity() auth.Identity {
	return m.current.Load().identity
}

// Updates receives a value after state changes. Bursts collapse into one.
func (m *Manager) Updates() <-chan struct{} {
	return m.updates
}

// Errors receives subscription errors as they happen. Only the newest
// unread error is kept.
func (m *Manager) Errors() <-chan error {
	return m.errs
}

// Resubscribe retries the subscription for the bound user. It fails with
// core.ErrAuthRequired when nobody is signed in.
func (m *Manager) Resubscribe(ctx context.Context) error {
	_, err := m.call(ctx, true)
	return err
}

// AddExpense validates e and asks the store to create it. The cache only
// changes when the resulting snapshot arrives.
func (m *Manager) AddExpense(ctx context.Context, e core.Expense) (string, error) {
	e = e.Normalize()
	if err := e.Validate(); err != nil {
		return "", err
	}
	userID, err := m.boundUser(ctx)
	if err != nil {
		return "", err
	}
	id, err := m.store.Create(ctx, userID, e)
	if err != nil {
		m.logMutation(ctx, log.OpCreate, userID, e, err)
		return "", err
	}
	e.ID = id
	m.logMutation(ctx, log.OpCreate, userID, e, nil)
	return id, nil
}

// UpdateExpense replaces the record with e.ID.
func (m *Manager) UpdateExpense(ctx context.Context, e core.Expense) error {
	e = e.Normalize()
	if e.ID == "" {
		return &core.ValidationError{Field: core.FieldID, Reason: "must not be empty"}
	}
	if err := e.Validate(); err != nil {
		return err
	}
	userID, err := m.boundUser(ctx)
	if err != nil {
		return err
	}
	err = m.store.Update(ctx, userID, e)
	m.logMutation(ctx, log.OpUpdate, userID, e, err)
	return err
}

// DeleteExpense removes id. Deleting a missing record succeeds.
func (m *Manager) DeleteExpense(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return &core.ValidationError{Field: core.FieldID, Reason: "must not be empty"}
	}
	userID, err := m.boundUser(ctx)
	if err != nil {
		return err
	}
	err = m.store.Delete(ctx, userID, id)
	m.logMutation(ctx, log.OpDelete, userID, core.Expense{ID: id}, err)
	return err
}

// Close stops the feed and the event loop. Safe to call repeatedly.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.cancel()
		close(m.quit)
	})
	<-m.done
	return nil
}

// boundUser asks the loop which user mutations act for.
func (m *Manager) boundUser(ctx context.Context) (string, error) {
	id, err := m.call(ctx, false)
	if err != nil {
		return "", err
	}
	return id.UserID, nil
}

func (m *Manager) call(ctx context.Context, resubscribe bool) (auth.Identity, error) {
	req := request{resubscribe: resubscribe, reply: make(chan reply, 1)}
	select {
	case m.requests <- req:
	case <-m.done:
		return auth.Identity{}, errClosed
	case <-ctx.Done():
		return auth.Identity{}, ctx.Err()
	}

	select {
	case r := <-req.reply:
		return r.identity, r.err
	case <-ctx.Done():
		return auth.Identity{}, ctx.Err()
	}
}

func (m *Manager) logMutation(ctx context.Context, op, userID string, e core.Expense, err error) {
	fields := log.NewFields().WithUser(userID).WithExpense(e)
	if err != nil {
		m.logger.LogError(ctx, "Expense mutation failed", err, op, fields)
		return
	}
	m.logger.InfoContext(ctx, "Expense mutation accepted", fields.WithOperation(op).ToSlice()...)
}

func (m *Manager) run() {
	defer close(m.done)

	for {
		select {
		case <-m.quit:
			m.teardown()
			m.set(&state{phase: Unauthenticated, records: []core.Expense{}})
			return

		case id, ok := <-m.identities:
			if !ok {
				m.identities = nil
				continue
			}
			m.bind(id)

		case ev, ok := <-m.events:
			if !ok {
				m.events = nil
				continue
			}
			m.apply(ev)

		case req := <-m.requests:
			m.drainIdentities()
			req.reply <- m.serve(req)
		}
	}
}

// drainIdentities applies identity changes that are already queued.
func (m *Manager) drainIdentities() {
	for {
		select {
		case id, ok := <-m.identities:
			if !ok {
				m.identities = nil
				return
			}
			m.bind(id)
		default:
			return
		}
	}
}

func (m *Manager) serve(req request) reply {
	id := m.current.Load().identity
	if !id.SignedIn() {
		return reply{err: core.ErrAuthRequired}
	}
	if req.resubscribe {
		m.logger.InfoContext(m.ctx, "Resubscribing", log.FieldUserID, id.UserID)
		return reply{identity: id, err: m.subscribe(id)}
	}
	return reply{identity: id}
}

func (m *Manager) bind(id auth.Identity) {
	prev := m.current.Load()
	if id.UserID == prev.identity.UserID {
		if id != prev.identity {
			next := *prev
			next.identity = id
			m.set(&next)
		}
		return
	}

	m.teardown()
	if !id.SignedIn() {
		m.logger.InfoContext(m.ctx, "Signed out, cache cleared", log.FieldUserID, prev.identity.UserID)
		m.set(&state{phase: Unauthenticated, records: []core.Expense{}})
		return
	}
	m.subscribe(id)
}

// subscribe replaces any current feed with a new one for id. The cache is
// emptied when the user changes and kept on a retry for the same user.
func (m *Manager) subscribe(id auth.Identity) error {
	m.teardown()

	prev := m.current.Load()
	records := []core.Expense{}
	if prev.identity.UserID == id.UserID {
		records = prev.records
	}
	m.set(&state{identity: id, phase: Subscribing, records: records})

	feed, err := m.store.Subscribe(m.ctx, id.UserID)
	if err != nil {
		if errors.Is(err, context.Canceled) && m.ctx.Err() != nil {
			return errClosed
		}
		m.logger.LogError(m.ctx, "Subscription failed", err, log.OpSubscribe, log.NewFields().WithUser(id.UserID))
		m.fail(err)
		return err
	}
	m.feed = feed
	m.events = feed.C()
	m.logger.InfoContext(m.ctx, "Subscribed", log.FieldUserID, id.UserID)
	return nil
}

func (m *Manager) apply(ev store.Event) {
	if ev.Err != nil {
		m.logger.LogError(m.ctx, "Subscription broke", ev.Err, log.OpSnapshot, log.NewFields().WithUser(m.current.Load().identity.UserID))
		m.fail(ev.Err)
		return
	}
	prev := m.current.Load()
	m.set(&state{identity: prev.identity, phase: Synced, records: ev.Records})
	m.logger.DebugContext(m.ctx, "Snapshot applied", log.FieldUserID, prev.identity.UserID, log.FieldRecords, len(ev.Records))
}

func (m *Manager) fail(err error) {
	prev := m.current.Load()
	m.set(&state{identity: prev.identity, phase: Failed, records: prev.records, err: err})
	select {
	case <-m.errs:
	default:
	}
	m.errs <- err
}

func (m *Manager) teardown() {
	if m.feed == nil {
		return
	}
	m.feed.Stop()
	m.logger.DebugContext(m.ctx, "Feed released", log.FieldUserID, m.feed.UserID())
	m.feed = nil
	m.events = nil
}

func (m *Manager) set(s *state) {
	m.current.Store(s)
	select {
	case m.updates <- struct{}{}:
	default:
	}
}

var errClosed = errors.New("session closed")
