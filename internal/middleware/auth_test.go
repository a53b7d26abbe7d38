package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campuslib/library_service/internal/app/domain/user"
	"github.com/campuslib/library_service/internal/app/session"
	svcerrors "github.com/campuslib/library_service/internal/errors"
	internalhttputil "github.com/campuslib/library_service/internal/httputil"
	"github.com/campuslib/library_service/internal/logging"
)

type stubUsers map[int64]user.User

func (s stubUsers) Get(_ context.Context, id int64) (user.User, error) {
	u, ok := s[id]
	if !ok {
		return user.User{}, svcerrors.NotFound("User not found")
	}
	return u, nil
}

func testLogger() *logging.Logger {
	return logging.New("test", "error", "json")
}

func setupAuth(t *testing.T) (*AuthMiddleware, *session.Manager, stubUsers) {
	t.Helper()
	sessions := session.NewManager("test-secret", time.Hour, false)
	users := stubUsers{
		1: {ID: 1, Name: "Ann", Email: "ann@example.com", Role: user.RoleUser, Verified: true},
		2: {ID: 2, Name: "Root", Email: "root@example.com", Role: user.RoleAdmin, Verified: true},
	}
	return NewAuthMiddleware(sessions, users, testLogger()), sessions, users
}

func issue(t *testing.T, sessions *session.Manager, u user.User) string {
	t.Helper()
	token, _, err := sessions.Issue(u)
	require.NoError(t, err)
	return token
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) internalhttputil.Envelope {
	t.Helper()
	var env internalhttputil.Envelope
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&env))
	return env
}

func whoAmI() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, err := MustUser(r.Context())
		if err != nil {
			internalhttputil.WriteError(w, err)
			return
		}
		internalhttputil.WriteMessage(w, http.StatusOK, u.Email)
	})
}

func TestAuthMiddleware_MissingToken(t *testing.T) {
	m, _, _ := setupAuth(t)
	rec := httptest.NewRecorder()
	m.Handler(whoAmI()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/auth/me", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.False(t, env.Success)
	assert.Equal(t, "User is not authenticated. Please log in.", env.Message)
}

func TestAuthMiddleware_Cookie(t *testing.T) {
	m, sessions, users := setupAuth(t)
	req := httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
	req.AddCookie(&http.Cookie{Name: session.CookieName, Value: issue(t, sessions, users[1])})

	rec := httptest.NewRecorder()
	m.Handler(whoAmI()).ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ann@example.com", decodeEnvelope(t, rec).Message)
}

func TestAuthMiddleware_BearerHeader(t *testing.T) {
	m, sessions, users := setupAuth(t)
	req := httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+issue(t, sessions, users[1]))

	rec := httptest.NewRecorder()
	m.Handler(whoAmI()).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthMiddleware_InvalidToken(t *testing.T) {
	m, _, users := setupAuth(t)
	other := session.NewManager("another-secret", time.Hour, false)

	for name, token := range map[string]string{
		"garbage":      "not-a-jwt",
		"wrong secret": issue(t, other, users[1]),
	} {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.AddCookie(&http.Cookie{Name: session.CookieName, Value: token})
			rec := httptest.NewRecorder()
			m.Handler(whoAmI()).ServeHTTP(rec, req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
}

func TestAuthMiddleware_ExpiredToken(t *testing.T) {
	m, _, users := setupAuth(t)
	past := time.Now().Add(-2 * time.Hour)
	expired := session.NewManager("test-secret", time.Hour, false).WithClock(func() time.Time { return past })
	token := issue(t, expired, users[1])

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: session.CookieName, Value: token})
	rec := httptest.NewRecorder()
	m.Handler(whoAmI()).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthMiddleware_DeletedUser(t *testing.T) {
	m, sessions, _ := setupAuth(t)
	ghost := user.User{ID: 99, Role: user.RoleUser}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: session.CookieName, Value: issue(t, sessions, ghost)})
	rec := httptest.NewRecorder()
	m.Handler(whoAmI()).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "User not found", decodeEnvelope(t, rec).Message)
}

func TestRequireRole(t *testing.T) {
	m, sessions, users := setupAuth(t)
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		internalhttputil.WriteMessage(w, http.StatusOK, "ok")
	})
	h := m.Handler(RequireRole(user.RoleAdmin)(ok))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: session.CookieName, Value: issue(t, sessions, users[1])})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "Role: user is not allowed to access this resource", decodeEnvelope(t, rec).Message)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: session.CookieName, Value: issue(t, sessions, users[2])})
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	RequireRole(user.RoleAdmin)(ok).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWithUserPopulatesLoggingKeys(t *testing.T) {
	ctx := WithUser(context.Background(), user.User{ID: 7, Role: user.RoleAdmin})
	assert.Equal(t, "7", GetUserID(ctx))
	assert.Equal(t, "admin", GetUserRole(ctx))
	u, ok := UserFrom(ctx)
	require.True(t, ok)
	assert.EqualValues(t, 7, u.ID)
}
