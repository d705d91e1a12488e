// Package http serves the JSON API over one session: authentication, the
// derived expense views and the three mutations.
package http

import (
	"context"
	"net/http"
	"time"

	"spendwise/internal/auth"
	"spendwise/internal/cache"
	"spendwise/internal/core"
	"spendwise/internal/log"
	"spendwise/internal/session"
)

// Session is the part of session.Manager the API drives.
type Session interface {
	View(now time.Time) session.View
	AddExpense(ctx context.Context, e core.Expense) (string, error)
	UpdateExpense(ctx context.Context, e core.Expense) error
	DeleteExpense(ctx context.Context, id string) error
	Resubscribe(ctx context.Context) error
}

// Authenticator is the identity provider behind the /auth routes.
type Authenticator interface {
	SignUp(ctx context.Context, email, password, displayName string) (auth.Identity, error)
	Login(ctx context.Context, email, password string) (auth.Identity, error)
	Logout(ctx context.Context) error
	ResetPassword(ctx context.Context, email string) error
	ConfirmReset(ctx context.Context, token, newPassword string) error
	VerifyEmail(ctx context.Context) error
	UpdateProfile(ctx context.Context, displayName string) (auth.Identity, error)
	ChangePassword(ctx context.Context, current, next string) error
	VerifyCredential(ctx context.Context, password string) error
	DeleteAccount(ctx context.Context, password string) error
	Current() auth.Identity
}

type Server struct {
	http.Server
	session Session
	auth    Authenticator
	logger  *log.Logger

	limiter  *rateLimiter
	janitor  *cache.Janitor
	now      func() time.Time
	location *time.Location
}

type Option func(*Server)

// WithClock replaces time.Now for view derivation and default dates.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// WithLocation sets the zone bare calendar dates are read in.
func WithLocation(loc *time.Location) Option {
	return func(s *Server) { s.location = loc }
}

// WithRateLimit caps mutating requests per client IP per minute.
func WithRateLimit(perMinute int) Option {
	return func(s *Server) { s.limiter = newRateLimiter(perMinute) }
}

func NewServer(addr string, sess Session, authn Authenticator, logger *log.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = log.Discard()
	}
	s := &Server{
		session:  sess,
		auth:     authn,
		logger:   logger,
		limiter:  newRateLimiter(rateLimitPerIP),
		now:      time.Now,
		location: time.Local,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.janitor = cache.NewJanitor(s.limiter)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
	mux.HandleFunc("GET /categories", handleCategories)

	mux.HandleFunc("POST /auth/signup", s.handleSignUp)
	mux.HandleFunc("POST /auth/login", s.handleLogin)
	mux.HandleFunc("POST /auth/logout", s.handleLogout)
	mux.HandleFunc("POST /auth/reset", s.handleResetPassword)
	mux.HandleFunc("POST /auth/reset/confirm", s.handleConfirmReset)
	mux.HandleFunc("POST /auth/verify-email", s.handleVerifyEmail)
	mux.HandleFunc("POST /auth/verify-credential", s.handleVerifyCredential)
	mux.HandleFunc("POST /auth/password", s.handleChangePassword)
	mux.HandleFunc("PUT /auth/profile", s.handleUpdateProfile)
	mux.HandleFunc("DELETE /auth/account", s.handleDeleteAccount)
	mux.HandleFunc("GET /auth/me", s.handleMe)

	mux.HandleFunc("GET /view", s.handleView)
	mux.HandleFunc("POST /expenses", s.handleCreateExpense)
	mux.HandleFunc("PUT /expenses/{id}", s.handleUpdateExpense)
	mux.HandleFunc("DELETE /expenses/{id}", s.handleDeleteExpense)
	mux.HandleFunc("POST /session/resubscribe", s.handleResubscribe)

	var handler http.Handler = mux
	handler = s.withGuards(handler)
	handler = log.RequestLogger(extractClientIP)(handler)
	handler = log.Middleware(logger)(handler)

	s.Server = http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go s.janitor.Run(sweepCtx, 5*time.Minute)

	errCh := make(chan error, 1)
	go func() {
		s.logger.InfoContext(ctx, "HTTP server listening", "addr", s.Addr)
		if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.logger.InfoContext(shutdownCtx, "HTTP server shutting down",
		log.FieldOperation, log.OpShutdown,
		"rate_limited", s.limiter.rejected(),
	)
	return s.Shutdown(shutdownCtx)
}

// withGuards sets security headers and rate-limits mutating requests.
func (s *Server) withGuards(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setSecurityHeaders(w.Header())

		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			clientIP := extractClientIP(r)
			if !s.limiter.allow(clientIP) {
				log.FromContext(r.Context()).WarnContext(r.Context(), "Rate limit exceeded", log.FieldClientIP, clientIP)
				w.Header().Set("Retry-After", "60")
				writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "rate limit exceeded", Type: "rate_limited"})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady reports 503 while the session is loading or broken.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	v := s.session.View(s.now())
	body := map[string]any{"phase": v.Phase, "loading": v.Loading}
	if v.Err != nil || v.Loading {
		writeJSON(w, http.StatusServiceUnavailable, body)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

func handleCategories(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, core.Categories())
}
