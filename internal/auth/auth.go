// Package auth is the local identity provider. It tracks one signed-in
// identity per process and streams changes to it.
package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/mail"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"spendwise/internal/core"
)

// MinPasswordLength is the shortest password SignUp and ChangePassword accept.
const MinPasswordLength = 6

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrEmailTaken         = errors.New("email already in use")
	ErrWeakPassword       = errors.New("password too short")
	ErrInvalidEmail       = errors.New("invalid email address")
	ErrInvalidResetToken  = errors.New("invalid or expired reset token")
)

// Identity is the signed-in user. The zero value means nobody is signed in.
type Identity struct {
	UserID      string `json:"user_id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name,omitempty"`
	Verified    bool   `json:"verified"`
}

func (i Identity) SignedIn() bool {
	return i.UserID != ""
}

type account struct {
	id          string
	email       string
	displayName string
	verified    bool
	hash        []byte
	resetToken  string
}

func (a *account) identity() Identity {
	return Identity{UserID: a.id, Email: a.email, DisplayName: a.displayName, Verified: a.verified}
}

// ResetNotifier delivers password reset tokens.
type ResetNotifier func(ctx context.Context, email, token string)

// Local keeps accounts in memory with bcrypt-hashed passwords.
type Local struct {
	mu       sync.Mutex
	byEmail  map[string]*account
	current  *account
	watchers map[chan Identity]struct{}
	cost     int
	onReset  ResetNotifier
}

type Option func(*Local)

// WithBcryptCost overrides bcrypt.DefaultCost.
func WithBcryptCost(cost int) Option {
	return func(l *Local) { l.cost = cost }
}

// WithResetNotifier sets where reset tokens go. By default they are logged.
func WithResetNotifier(fn ResetNotifier) Option {
	return func(l *Local) { l.onReset = fn }
}

func NewLocal(opts ...Option) *Local {
	l := &Local{
		byEmail:  make(map[string]*account),
		watchers: make(map[chan Identity]struct{}),
		cost:     bcrypt.DefaultCost,
		onReset: func(ctx context.Context, email, token string) {
			slog.InfoContext(ctx, "Password reset requested", "email", email, "token", token)
		},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// SignUp creates an account and signs it in.
func (l *Local) SignUp(ctx context.Context, email, password, displayName string) (Identity, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return Identity{}, err
	}
	if len(password) < MinPasswordLength {
		return Identity{}, ErrWeakPassword
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), l.cost)
	if err != nil {
		return Identity{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.byEmail[email]; ok {
		return Identity{}, ErrEmailTaken
	}
	a := &account{
		id:          uuid.NewString(),
		email:       email,
		displayName: strings.TrimSpace(displayName),
		hash:        hash,
	}
	l.byEmail[email] = a
	l.setCurrentLocked(a)

	slog.InfoContext(ctx, "Account created", "user_id", a.id)
	return a.identity(), nil
}

// Login signs in an existing account, replacing any current identity.
func (l *Local) Login(ctx context.Context, email, password string) (Identity, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return Identity{}, ErrInvalidCredentials
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.byEmail[email]
	if !ok || bcrypt.CompareHashAndPassword(a.hash, []byte(password)) != nil {
		return Identity{}, ErrInvalidCredentials
	}
	l.setCurrentLocked(a)

	slog.InfoContext(ctx, "Signed in", "user_id", a.id)
	return a.identity(), nil
}

func (l *Local) Logout(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current != nil {
		slog.InfoContext(ctx, "Signed out", "user_id", l.current.id)
	}
	l.setCurrentLocked(nil)
	return nil
}

// ResetPassword issues a reset token for email. Unknown addresses succeed
// silently.
func (l *Local) ResetPassword(ctx context.Context, email string) error {
	email, err := normalizeEmail(email)
	if err != nil {
		return err
	}

	l.mu.Lock()
	a, ok := l.byEmail[email]
	var token string
	if ok {
		token = uuid.NewString()
		a.resetToken = token
	}
	l.mu.Unlock()

	if ok {
		l.onReset(ctx, email, token)
	}
	return nil
}

// ConfirmReset sets a new password using a token from ResetPassword.
func (l *Local) ConfirmReset(ctx context.Context, token, newPassword string) error {
	if len(newPassword) < MinPasswordLength {
		return ErrWeakPassword
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), l.cost)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, a := range l.byEmail {
		if token != "" && a.resetToken == token {
			a.hash = hash
			a.resetToken = ""
			slog.InfoContext(ctx, "Password reset", "user_id", a.id)
			return nil
		}
	}
	return ErrInvalidResetToken
}

// VerifyEmail marks the current account's address as confirmed.
func (l *Local) VerifyEmail(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current == nil {
		return core.ErrAuthRequired
	}
	l.current.verified = true
	l.broadcastLocked()
	return nil
}

func (l *Local) UpdateProfile(ctx context.Context, displayName string) (Identity, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current == nil {
		return Identity{}, core.ErrAuthRequired
	}
	l.current.displayName = strings.TrimSpace(displayName)
	l.broadcastLocked()
	return l.current.identity(), nil
}

func (l *Local) ChangePassword(ctx context.Context, current, next string) error {
	if err := l.VerifyCredential(ctx, current); err != nil {
		return err
	}
	if len(next) < MinPasswordLength {
		return ErrWeakPassword
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(next), l.cost)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current == nil {
		return core.ErrAuthRequired
	}
	l.current.hash = hash
	slog.InfoContext(ctx, "Password changed", "user_id", l.current.id)
	return nil
}

// VerifyCredential re-authenticates the signed-in user without changing
// any state.
func (l *Local) VerifyCredential(ctx context.Context, password string) error {
	l.mu.Lock()
	a := l.current
	var hash []byte
	if a != nil {
		hash = a.hash
	}
	l.mu.Unlock()

	if a == nil {
		return core.ErrAuthRequired
	}
	if bcrypt.CompareHashAndPassword(hash, []byte(password)) != nil {
		return ErrInvalidCredentials
	}
	return nil
}

// DeleteAccount removes the signed-in account after re-authentication and
// signs out. Stored expenses are left to the caller.
func (l *Local) DeleteAccount(ctx context.Context, password string) error {
	if err := l.VerifyCredential(ctx, password); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current == nil {
		return core.ErrAuthRequired
	}
	delete(l.byEmail, l.current.email)
	slog.InfoContext(ctx, "Account deleted", "user_id", l.current.id)
	l.setCurrentLocked(nil)
	return nil
}

func (l *Local) Current() Identity {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current == nil {
		return Identity{}
	}
	return l.current.identity()
}

// Watch streams the current identity followed by every change. A slow
// reader only sees the latest identity. cancel closes the channel.
func (l *Local) Watch() (<-chan Identity, func()) {
	ch := make(chan Identity, 1)

	l.mu.Lock()
	l.watchers[ch] = struct{}{}
	if l.current != nil {
		ch <- l.current.identity()
	} else {
		ch <- Identity{}
	}
	l.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.watchers, ch)
			close(ch)
			l.mu.Unlock()
		})
	}
}

func (l *Local) setCurrentLocked(a *account) {
	l.current = a
	l.broadcastLocked()
}

func (l *Local) broadcastLocked() {
	id := Identity{}
	if l.current != nil {
		id = l.current.identity()
	}
	for ch := range l.watchers {
		select {
		case <-ch:
		default:
		}
		ch <- id
	}
}

func normalizeEmail(s string) (string, error) {
	addr, err := mail.ParseAddress(strings.TrimSpace(s))
	if err != nil || addr.Name != "" {
		return "", ErrInvalidEmail
	}
	return strings.ToLower(addr.Address), nil
}
