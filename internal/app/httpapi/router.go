package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	app "github.com/campuslib/library_service/internal/app"
	"github.com/campuslib/library_service/internal/app/domain/user"
	"github.com/campuslib/library_service/internal/app/metrics"
	"github.com/campuslib/library_service/internal/app/session"
	svcerrors "github.com/campuslib/library_service/internal/errors"
	"github.com/campuslib/library_service/internal/httputil"
	"github.com/campuslib/library_service/internal/logging"
	"github.com/campuslib/library_service/internal/middleware"
)

// Options configures the HTTP surface.
type Options struct {
	CORSOrigins      []string
	LoginRequests    int
	LoginWindow      time.Duration
	RegisterRequests int
	RegisterWindow   time.Duration
	// AuditLog, when set, appends admin actions to this JSONL file.
	AuditLog string
}

// handler bundles HTTP endpoints for the application services.
type handler struct {
	app      *app.Application
	sessions *session.Manager
	audit    *auditLog
	log      *logging.Logger
}

// Server is the routed HTTP handler plus the background upkeep of its
// rate limiters.
type Server struct {
	http.Handler
	limiters []*middleware.RateLimiter
	audit    *auditLog
}

// Close releases the audit file, if one is configured.
func (s *Server) Close() error {
	if s.audit == nil {
		return nil
	}
	return s.audit.close()
}

// StartCleanup evicts idle rate-limit entries until ctx is done.
func (s *Server) StartCleanup(ctx context.Context, interval time.Duration) {
	for _, l := range s.limiters {
		l.StartCleanup(ctx, interval)
	}
}

// NewHandler returns the routed REST API.
func NewHandler(application *app.Application, sessions *session.Manager, opts Options, log *logging.Logger) (*Server, error) {
	if log == nil {
		log = logging.NewDefault("http")
	}
	sink, err := newFileAuditSink(opts.AuditLog)
	if err != nil {
		return nil, err
	}
	h := &handler{
		app:      application,
		sessions: sessions,
		audit:    newAuditLog(500, sink),
		log:      log,
	}

	loginLimiter := middleware.NewRateLimiter(opts.LoginRequests, opts.LoginWindow, middleware.KeyByEmail,
		"Too many login attempts for this email, please try again later.", log.Named("ratelimit"))
	registerLimiter := middleware.NewRateLimiter(opts.RegisterRequests, opts.RegisterWindow, middleware.KeyByIP,
		"Too many registration attempts from this IP, please try again later.", log.Named("ratelimit"))

	auth := middleware.NewAuthMiddleware(sessions, application.Accounts, log.Named("auth"))
	admin := func(fn http.HandlerFunc) http.Handler {
		return auth.Handler(middleware.RequireRole(user.RoleAdmin)(h.audited(fn)))
	}
	authed := func(fn http.HandlerFunc) http.Handler {
		return auth.Handler(fn)
	}

	r := mux.NewRouter()
	r.Use(middleware.NewTracingMiddleware(log).Handler)
	r.Use(middleware.MetricsMiddleware())
	r.Use(middleware.NewCORSMiddleware(opts.CORSOrigins).Handler)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteError(w, svcerrors.NotFound("Route not found"))
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteStatus(w, http.StatusMethodNotAllowed, "Method not allowed")
	})

	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	a := api.PathPrefix("/auth").Subrouter()
	a.Handle("/register", registerLimiter.Handler(http.HandlerFunc(h.register))).Methods(http.MethodPost)
	a.HandleFunc("/verify-otp", h.verifyOTP).Methods(http.MethodPost)
	a.Handle("/login", loginLimiter.Handler(http.HandlerFunc(h.login))).Methods(http.MethodPost)
	a.Handle("/logout", authed(h.logout)).Methods(http.MethodGet)
	a.Handle("/me", authed(h.me)).Methods(http.MethodGet)
	a.HandleFunc("/password/forgot", h.forgotPassword).Methods(http.MethodPost)
	a.HandleFunc("/password/reset/{token}", h.resetPassword).Methods(http.MethodPut)
	a.Handle("/password/update", authed(h.updatePassword)).Methods(http.MethodPut)

	b := api.PathPrefix("/books").Subrouter()
	b.Handle("/all", authed(h.listBooks)).Methods(http.MethodGet)
	b.Handle("/admin/add", admin(h.createBook)).Methods(http.MethodPost)
	b.Handle("/admin/update/{id:[0-9]+}", admin(h.updateBook)).Methods(http.MethodPut)
	b.Handle("/delete/{id:[0-9]+}", admin(h.deleteBook)).Methods(http.MethodDelete)
	b.Handle("/{id:[0-9]+}", authed(h.getBook)).Methods(http.MethodGet)

	l := api.PathPrefix("/borrow").Subrouter()
	l.Handle("/add/{bookId:[0-9]+}", authed(h.borrow)).Methods(http.MethodPost)
	l.Handle("/my-books", authed(h.myBooks)).Methods(http.MethodGet)
	l.Handle("/return/{bookId:[0-9]+}", authed(h.returnBook)).Methods(http.MethodPut)
	l.Handle("/admin/all", admin(h.allLoans)).Methods(http.MethodGet)
	l.Handle("/admin/users/{id:[0-9]+}/pay-fines", admin(h.settleFines)).Methods(http.MethodPut)

	u := api.PathPrefix("/users").Subrouter()
	u.Handle("/all", admin(h.listUsers)).Methods(http.MethodGet)
	u.Handle("/admin/new", admin(h.createAdmin)).Methods(http.MethodPost)
	u.Handle("/promote/{id:[0-9]+}", admin(h.promote)).Methods(http.MethodPut)
	u.Handle("/admin/audit", admin(h.auditTrail)).Methods(http.MethodGet)

	return &Server{Handler: r, limiters: []*middleware.RateLimiter{loginLimiter, registerLimiter}, audit: h.audit}, nil
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.app.Ping(ctx); err != nil {
		h.log.WithContext(ctx).WithError(err).Warn("health check failed")
		httputil.WriteStatus(w, http.StatusServiceUnavailable, "Store unavailable")
		return
	}
	httputil.WriteMessage(w, http.StatusOK, "ok")
}

// fail writes err and logs unexpected failures with their full detail.
func (h *handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if svcerrors.HTTPStatus(err) >= http.StatusInternalServerError {
		h.log.WithContext(r.Context()).WithError(err).Error("request failed")
	}
	httputil.WriteError(w, err)
}
