// Package middleware provides HTTP middleware for the library service
package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/campuslib/library_service/internal/app/domain/user"
	"github.com/campuslib/library_service/internal/app/session"
	svcerrors "github.com/campuslib/library_service/internal/errors"
	internalhttputil "github.com/campuslib/library_service/internal/httputil"
	"github.com/campuslib/library_service/internal/logging"
)

type userContextKey struct{}

// UserLoader resolves the account behind a session.
type UserLoader interface {
	Get(ctx context.Context, id int64) (user.User, error)
}

// AuthMiddleware authenticates requests carrying a session token in the
// session cookie or a Bearer Authorization header.
type AuthMiddleware struct {
	sessions *session.Manager
	users    UserLoader
	logger   *logging.Logger
}

// NewAuthMiddleware creates a new authentication middleware
func NewAuthMiddleware(sessions *session.Manager, users UserLoader, logger *logging.Logger) *AuthMiddleware {
	if logger == nil {
		logger = logging.NewDefault("auth")
	}
	return &AuthMiddleware{sessions: sessions, users: users, logger: logger}
}

// Handler returns the middleware handler
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := tokenFromRequest(r)
		if token == "" {
			m.respondError(w, r, svcerrors.Unauthorized("User is not authenticated. Please log in."))
			return
		}

		claims, err := m.sessions.Parse(token)
		if err != nil {
			m.respondError(w, r, svcerrors.InvalidToken(err))
			return
		}

		u, err := m.users.Get(r.Context(), claims.UserID)
		if err != nil {
			if svcerrors.IsKind(err, svcerrors.KindNotFound) {
				err = svcerrors.Unauthorized("User not found")
			}
			m.respondError(w, r, err)
			return
		}

		ctx := WithUser(r.Context(), u)
		m.logger.WithContext(ctx).Debug("authentication successful")
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func tokenFromRequest(r *http.Request) string {
	if c, err := r.Cookie(session.CookieName); err == nil && c.Value != "" {
		return c.Value
	}
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}

// respondError sends an error response
func (m *AuthMiddleware) respondError(w http.ResponseWriter, r *http.Request, err error) {
	internalhttputil.WriteError(w, err)

	if se := svcerrors.GetServiceError(err); se != nil && se.Kind != svcerrors.KindInternal {
		m.logger.LogSecurityEvent(r.Context(), "authentication_failed", map[string]interface{}{
			"path":   r.URL.Path,
			"method": r.Method,
			"reason": se.Message,
		})
		return
	}
	m.logger.WithContext(r.Context()).WithError(err).Error("authentication lookup failed")
}

// WithUser stores the authenticated user in ctx along with the id and role
// keys used by the logger.
func WithUser(ctx context.Context, u user.User) context.Context {
	ctx = context.WithValue(ctx, userContextKey{}, u)
	ctx = context.WithValue(ctx, logging.UserIDKey, strconv.FormatInt(u.ID, 10))
	return context.WithValue(ctx, logging.RoleKey, string(u.Role))
}

// UserFrom returns the authenticated user stored in ctx.
func UserFrom(ctx context.Context) (user.User, bool) {
	u, ok := ctx.Value(userContextKey{}).(user.User)
	return u, ok
}

// GetUserID extracts user ID from context
func GetUserID(ctx context.Context) string {
	return logging.GetUserID(ctx)
}

// GetUserRole extracts user role from context
func GetUserRole(ctx context.Context) string {
	return logging.GetRole(ctx)
}

// RequireRole rejects authenticated callers whose role is not listed. It
// must run after AuthMiddleware.
func RequireRole(roles ...user.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			u, ok := UserFrom(r.Context())
			if !ok {
				internalhttputil.Unauthorized(w, "")
				return
			}
			for _, role := range roles {
				if u.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			internalhttputil.WriteError(w, svcerrors.Forbidden(
				fmt.Sprintf("Role: %s is not allowed to access this resource", u.Role)))
		})
	}
}

var errNoUser = errors.New("no authenticated user in context")

// MustUser returns the authenticated user or an Unauthenticated error.
func MustUser(ctx context.Context) (user.User, error) {
	u, ok := UserFrom(ctx)
	if !ok {
		return user.User{}, svcerrors.Wrap(svcerrors.KindUnauthenticated, "User is not authenticated", errNoUser)
	}
	return u, nil
}
