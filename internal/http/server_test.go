package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"spendwise/internal/auth"
	"spendwise/internal/core"
	"spendwise/internal/session"
	"spendwise/internal/store"
	"spendwise/internal/store/memory"
)

var testNow = time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	server *Server
	auth   *auth.Local
	sess   *session.Manager
	store  *memory.Store
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	st := memory.New()
	authn := auth.NewLocal(auth.WithBcryptCost(bcrypt.MinCost))
	ids, cancel := authn.Watch()
	sess := session.New(st, ids, nil)
	t.Cleanup(func() {
		_ = sess.Close()
		cancel()
		_ = st.Close()
	})

	opts = append([]Option{WithClock(func() time.Time { return testNow }), WithLocation(time.UTC)}, opts...)
	return &testEnv{
		server: NewServer(":0", sess, authn, nil, opts...),
		auth:   authn,
		sess:   sess,
		store:  st,
	}
}

func (e *testEnv) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.server.Handler.ServeHTTP(rec, req)
	return rec
}

// signIn creates an account and waits until the session has synced it.
func (e *testEnv) signIn(t *testing.T, email string) string {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/auth/signup", `{"email":"`+email+`","password":"secret1"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var id auth.Identity
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &id))
	require.Eventually(t, func() bool {
		v := e.sess.View(testNow)
		return v.UserID == id.UserID && v.Phase == session.Synced
	}, 2*time.Second, 5*time.Millisecond)
	return id.UserID
}

func (e *testEnv) view(t *testing.T, target string) viewBody {
	t.Helper()
	rec := e.do(t, http.MethodGet, target, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var body viewBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func (e *testEnv) waitRecords(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(e.sess.View(testNow).Records) == n
	}, 2*time.Second, 5*time.Millisecond)
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestHealthAndCategories(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = env.do(t, http.MethodGet, "/categories", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var cats []string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cats))
	assert.Equal(t, []string{"Food", "Transport", "Bills", "Shopping", "Subscriptions", "Others"}, cats)
}

func TestReadyReflectsSession(t *testing.T) {
	env := newTestEnv(t)
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/readyz", "").Code)

	env.signIn(t, "ready@example.com")
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/readyz", "").Code)

	env.store.Disconnect(assert.AnError)
	require.Eventually(t, func() bool {
		return env.sess.View(testNow).Phase == session.Failed
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, http.StatusServiceUnavailable, env.do(t, http.MethodGet, "/readyz", "").Code)

	assert.Equal(t, http.StatusAccepted, env.do(t, http.MethodPost, "/session/resubscribe", "").Code)
	require.Eventually(t, func() bool {
		return env.sess.View(testNow).Phase == session.Synced
	}, 2*time.Second, 5*time.Millisecond)
}

func TestExpenseLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.signIn(t, "alice@example.com")

	rec := env.do(t, http.MethodPost, "/expenses",
		`{"title":" Coffee ","amount":"3,50","category":"food","date":"2024-03-10","notes":"oat milk"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created store.Document
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created.ID)
	assert.Equal(t, "Coffee", created.Title)
	assert.Equal(t, 3.5, created.Amount)
	assert.Equal(t, "Food", created.Category)
	assert.Equal(t, "2024-03-10T00:00:00.000Z", created.Date)

	env.waitRecords(t, 1)
	v := env.view(t, "/view")
	require.Len(t, v.SortedAll, 1)
	assert.Equal(t, created.ID, v.SortedAll[0].ID)
	assert.Equal(t, 3.5, v.MonthlyTotal)
	assert.Equal(t, map[string]float64{"Food": 3.5}, v.CategoryTotals)
	assert.Len(t, v.Recent, 1)

	rec = env.do(t, http.MethodPut, "/expenses/"+created.ID,
		`{"title":"Coffee","amount":4,"category":"Food","date":"2024-03-10"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Eventually(t, func() bool {
		return env.sess.View(testNow).MonthlyTotal == 4
	}, 2*time.Second, 5*time.Millisecond)

	rec = env.do(t, http.MethodDelete, "/expenses/"+created.ID, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	env.waitRecords(t, 0)

	// deleting again still succeeds
	rec = env.do(t, http.MethodDelete, "/expenses/"+created.ID, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestCreateDefaultsDateToNow(t *testing.T) {
	env := newTestEnv(t)
	env.signIn(t, "now@example.com")

	rec := env.do(t, http.MethodPost, "/expenses", `{"title":"Bus","amount":2,"category":"Transport"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created store.Document
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, store.FormatDate(testNow), created.Date)
}

func TestCreateRightAfterLogoutIsUnauthorized(t *testing.T) {
	env := newTestEnv(t)
	userID := env.signIn(t, "henry@example.com")

	require.Equal(t, http.StatusNoContent, env.do(t, http.MethodPost, "/auth/logout", "").Code)
	rec := env.do(t, http.MethodPost, "/expenses", `{"title":"Coffee","amount":3,"category":"Food"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	f, err := env.store.Subscribe(context.Background(), userID)
	require.NoError(t, err)
	defer f.Stop()
	assert.Empty(t, (<-f.C()).Records)
}

func TestResubscribeSignedOutIsUnauthorized(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/session/resubscribe", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "auth_error", decodeError(t, rec).Type)
}

func TestCreateRequiresSignIn(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/expenses", `{"title":"Coffee","amount":3,"category":"Food"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "auth_error", decodeError(t, rec).Type)
}

func TestCreateRejectsInvalidInput(t *testing.T) {
	env := newTestEnv(t)
	env.signIn(t, "bob@example.com")

	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"negative amount", `{"title":"x","amount":"-3","category":"Food"}`, core.FieldAmount},
		{"zero amount", `{"title":"x","amount":0,"category":"Food"}`, core.FieldAmount},
		{"missing amount", `{"title":"x","category":"Food"}`, core.FieldAmount},
		{"garbage amount", `{"title":"x","amount":"abc","category":"Food"}`, core.FieldAmount},
		{"blank title", `{"title":"  ","amount":1,"category":"Food"}`, core.FieldTitle},
		{"unknown category", `{"title":"x","amount":1,"category":"Travel"}`, core.FieldCategory},
		{"bad date", `{"title":"x","amount":1,"category":"Food","date":"10/03/2024"}`, core.FieldDate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/expenses", tt.body)
			require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			body := decodeError(t, rec)
			assert.Equal(t, "validation_error", body.Type)
			assert.Equal(t, tt.field, body.Field)
		})
	}

	rec := env.do(t, http.MethodPost, "/expenses", `{"title":"x","amount":1,"category":"Food","colour":"red"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, env.sess.View(testNow).Records)
}

func TestUpdateMissingExpense(t *testing.T) {
	env := newTestEnv(t)
	env.signIn(t, "carol@example.com")

	rec := env.do(t, http.MethodPut, "/expenses/nope", `{"title":"x","amount":1,"category":"Food"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found_error", decodeError(t, rec).Type)
}

func TestWriteFailureMapsToBadGateway(t *testing.T) {
	env := newTestEnv(t)
	env.signIn(t, "dave@example.com")
	env.store.SetWriteError(assert.AnError)

	rec := env.do(t, http.MethodPost, "/expenses", `{"title":"x","amount":1,"category":"Food"}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "write_error", decodeError(t, rec).Type)
}

func TestViewFilters(t *testing.T) {
	env := newTestEnv(t)
	env.signIn(t, "erin@example.com")

	for _, body := range []string{
		`{"title":"Groceries","amount":40,"category":"Food","date":"2024-03-02"}`,
		`{"title":"Train","amount":12,"category":"Transport","date":"2024-03-05","description":"to the office"}`,
		`{"title":"Dinner","amount":30,"category":"Food","date":"2024-03-05T20:30:00Z"}`,
		`{"title":"Rent","amount":800,"category":"Bills","date":"2024-02-28"}`,
	} {
		rec := env.do(t, http.MethodPost, "/expenses", body)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}
	env.waitRecords(t, 4)

	titles := func(docs []store.Document) []string {
		out := make([]string, len(docs))
		for i, d := range docs {
			out[i] = d.Title
		}
		return out
	}

	v := env.view(t, "/view")
	assert.Equal(t, []string{"Dinner", "Train", "Groceries", "Rent"}, titles(v.SortedAll))
	assert.Equal(t, 82.0, v.MonthlyTotal)
	assert.Equal(t, []core.CategoryAmount{
		{Category: core.Food, Amount: 70},
		{Category: core.Transport, Amount: 12},
	}, v.CategoryBreakdown)

	assert.Equal(t, []string{"Dinner", "Groceries"}, titles(env.view(t, "/view?category=food").SortedAll))
	assert.Equal(t, []string{"Train"}, titles(env.view(t, "/view?q=OFFICE").SortedAll))
	assert.Equal(t, []string{"Dinner", "Train"}, titles(env.view(t, "/view?from=2024-03-03&to=2024-03-05").SortedAll))

	filtered := env.view(t, "/view?category=Bills")
	assert.Equal(t, []string{"Rent"}, titles(filtered.SortedAll))
	assert.Len(t, filtered.Records, 4, "filters only narrow the list")

	rec := env.do(t, http.MethodGet, "/view?category=Travel", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuthRoutes(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/auth/me", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	env.signIn(t, "frank@example.com")

	rec = env.do(t, http.MethodPost, "/auth/signup", `{"email":"frank@example.com","password":"secret1"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = env.do(t, http.MethodPost, "/auth/signup", `{"email":"short@example.com","password":"123"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = env.do(t, http.MethodPost, "/auth/signup", `{"email":"not-an-email","password":"secret1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPut, "/auth/profile", `{"display_name":"Frank"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Frank", env.auth.Current().DisplayName)

	assert.Equal(t, http.StatusNoContent, env.do(t, http.MethodPost, "/auth/verify-credential", `{"password":"secret1"}`).Code)
	assert.Equal(t, http.StatusUnauthorized, env.do(t, http.MethodPost, "/auth/verify-credential", `{"password":"wrong"}`).Code)

	rec = env.do(t, http.MethodPost, "/auth/verify-email", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.auth.Current().Verified)

	rec = env.do(t, http.MethodPost, "/auth/password", `{"current_password":"secret1","new_password":"secret2"}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	assert.Equal(t, http.StatusNoContent, env.do(t, http.MethodPost, "/auth/logout", "").Code)
	require.Eventually(t, func() bool {
		return env.sess.View(testNow).Phase == session.Unauthenticated
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, http.StatusUnauthorized, env.do(t, http.MethodGet, "/auth/me", "").Code)

	rec = env.do(t, http.MethodPost, "/auth/login", `{"email":"frank@example.com","password":"secret1"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = env.do(t, http.MethodPost, "/auth/login", `{"email":"frank@example.com","password":"secret2"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodDelete, "/auth/account", `{"password":"secret2"}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.False(t, env.auth.Current().SignedIn())
}

func TestPasswordResetRoutes(t *testing.T) {
	var token string
	st := memory.New()
	authn := auth.NewLocal(
		auth.WithBcryptCost(bcrypt.MinCost),
		auth.WithResetNotifier(func(_ context.Context, _, tok string) { token = tok }),
	)
	ids, cancel := authn.Watch()
	sess := session.New(st, ids, nil)
	defer func() {
		_ = sess.Close()
		cancel()
		_ = st.Close()
	}()
	env := &testEnv{server: NewServer(":0", sess, authn, nil), auth: authn, sess: sess, store: st}

	env.signIn(t, "gina@example.com")
	require.Equal(t, http.StatusNoContent, env.do(t, http.MethodPost, "/auth/logout", "").Code)

	assert.Equal(t, http.StatusAccepted, env.do(t, http.MethodPost, "/auth/reset", `{"email":"nobody@example.com"}`).Code)
	assert.Empty(t, token)

	assert.Equal(t, http.StatusAccepted, env.do(t, http.MethodPost, "/auth/reset", `{"email":"gina@example.com"}`).Code)
	require.NotEmpty(t, token)

	rec := env.do(t, http.MethodPost, "/auth/reset/confirm", `{"token":"bogus","new_password":"another1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = env.do(t, http.MethodPost, "/auth/reset/confirm", `{"token":"`+token+`","new_password":"another1"}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodPost, "/auth/login", `{"email":"gina@example.com","password":"another1"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimitAppliesToMutations(t *testing.T) {
	env := newTestEnv(t, WithRateLimit(2))

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusNoContent, env.do(t, http.MethodPost, "/auth/logout", "").Code)
	}
	rec := env.do(t, http.MethodPost, "/auth/logout", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))

	// reads are never limited
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/healthz", "").Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&core.ValidationError{Field: core.FieldTitle, Reason: "empty"}, http.StatusBadRequest},
		{core.ErrAuthRequired, http.StatusUnauthorized},
		{auth.ErrInvalidCredentials, http.StatusUnauthorized},
		{auth.ErrEmailTaken, http.StatusConflict},
		{auth.ErrWeakPassword, http.StatusBadRequest},
		{core.NotFound("x"), http.StatusNotFound},
		{&core.WriteError{Op: "create"}, http.StatusBadGateway},
		{&core.SubscriptionError{UserID: "u"}, http.StatusServiceUnavailable},
		{errBadRequest, http.StatusBadRequest},
		{assert.AnError, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
