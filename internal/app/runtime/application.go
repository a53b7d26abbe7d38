// Package runtime turns a loaded configuration into a running library
// service: stores, mailer, application services and the HTTP server.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	app "github.com/campuslib/library_service/internal/app"
	"github.com/campuslib/library_service/internal/app/domain/book"
	"github.com/campuslib/library_service/internal/app/httpapi"
	"github.com/campuslib/library_service/internal/app/services/circulation"
	"github.com/campuslib/library_service/internal/app/services/notify"
	"github.com/campuslib/library_service/internal/app/session"
	"github.com/campuslib/library_service/internal/app/storage/rediscodes"
	"github.com/campuslib/library_service/internal/app/storage/sqlstore"
	"github.com/campuslib/library_service/internal/config"
	"github.com/campuslib/library_service/internal/logging"
	"github.com/campuslib/library_service/internal/platform/migrations"
)

const rateLimitCleanupInterval = time.Minute

// Application wires core dependencies and manages the HTTP server lifecycle.
type Application struct {
	cfg     *config.Config
	log     *logging.Logger
	core    *app.Application
	api     *httpapi.Server
	server  *http.Server
	closers []io.Closer

	mu       sync.Mutex
	listener net.Listener
	started  bool
}

// NewApplication builds every component described by cfg without starting
// anything. Close releases the stores and the audit file if Run is never
// called.
func NewApplication(ctx context.Context, cfg *config.Config, log *logging.Logger) (*Application, error) {
	if log == nil {
		log = logging.New("library", cfg.Logging.Level, cfg.Logging.Format)
	}

	stores, closers, err := BuildStores(ctx, cfg, log)
	if err != nil {
		return nil, fmt.Errorf("configure stores: %w", err)
	}
	a := &Application{cfg: cfg, log: log, closers: closers}

	opts, err := AppOptions(cfg, BuildMailer(cfg.Mail, log))
	if err != nil {
		a.Close()
		return nil, err
	}
	core, err := app.New(stores, opts, log.Named("app"))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("build application: %w", err)
	}
	a.core = core

	sessions := session.NewManager(cfg.Auth.JWTSecret, cfg.Auth.SessionTTL, cfg.Auth.CookieSecure)
	if cfg.Auth.JWTSecret == "" {
		log.Warn("auth.jwt_secret not set; sessions will not survive a restart")
	}
	api, err := httpapi.NewHandler(core, sessions, httpapi.Options{
		CORSOrigins:      cfg.CORS.Origins,
		LoginRequests:    cfg.RateLimit.LoginRequests,
		LoginWindow:      cfg.RateLimit.LoginWindow,
		RegisterRequests: cfg.RateLimit.RegisterRequests,
		RegisterWindow:   cfg.RateLimit.RegisterWindow,
		AuditLog:         cfg.Server.AuditLog,
	}, log.Named("http"))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("build http handler: %w", err)
	}
	a.api = api
	a.closers = append(a.closers, api)
	a.server = &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      api,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	return a, nil
}

// Core exposes the composed application services.
func (a *Application) Core() *app.Application { return a.core }

// Addr reports the bound listen address once Run has started listening.
func (a *Application) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// Run starts the services and the HTTP server and blocks until ctx is
// cancelled or the server fails, then shuts everything down.
func (a *Application) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.Addr)
	if err != nil {
		a.Close()
		return fmt.Errorf("listen %s: %w", a.cfg.Server.Addr, err)
	}
	if err := a.core.Start(ctx); err != nil {
		_ = ln.Close()
		a.Close()
		return fmt.Errorf("start services: %w", err)
	}
	a.mu.Lock()
	a.listener = ln
	a.started = true
	a.mu.Unlock()

	cleanupCtx, stopCleanup := context.WithCancel(ctx)
	defer stopCleanup()
	a.api.StartCleanup(cleanupCtx, rateLimitCleanupInterval)

	errCh := make(chan error, 1)
	go func() {
		a.log.WithField("addr", ln.Addr().String()).Info("HTTP server listening")
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := a.Shutdown(shutdownCtx); err != nil {
		return errors.Join(serveErr, err)
	}
	return serveErr
}

// Shutdown gracefully stops the HTTP server and the background services,
// then closes the audit file and the stores.
func (a *Application) Shutdown(ctx context.Context) error {
	var errs []error
	if err := a.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	a.mu.Lock()
	started := a.started
	a.started = false
	a.mu.Unlock()
	if started {
		if err := a.core.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop services: %w", err))
		}
	}
	a.Close()
	a.log.Info("library service stopped")
	return errors.Join(errs...)
}

// Close releases the audit file and the backing stores.
func (a *Application) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.log.WithError(err).Warn("error closing resource")
		}
	}
	a.closers = nil
}

// BuildStores opens the configured database and code store. The returned
// closers must be closed in reverse order.
func BuildStores(ctx context.Context, cfg *config.Config, log *logging.Logger) (app.Stores, []io.Closer, error) {
	var (
		stores  app.Stores
		closers []io.Closer
	)
	fail := func(err error) (app.Stores, []io.Closer, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i].Close()
		}
		return app.Stores{}, nil, err
	}

	switch cfg.Database.Driver {
	case config.DriverMemory:
		log.Warn("using in-memory store; data is lost on restart")
	case config.DriverPostgres, config.DriverSQLite:
		store, err := OpenSQLStore(ctx, cfg.Database)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, store)
		if cfg.Database.AutoMigrate {
			if err := migrations.Up(store.DB().DB, cfg.Database.Driver); err != nil {
				return fail(err)
			}
		}
		stores.Users, stores.Books, stores.Loans = store, store, store
	default:
		return fail(fmt.Errorf("unknown database driver %q", cfg.Database.Driver))
	}

	if cfg.Redis.CodeStore == config.CodeStoreRedis {
		codes, err := rediscodes.Open(cfg.Redis.URL)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, codes)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := codes.Ping(pingCtx); err != nil {
			return fail(fmt.Errorf("redis ping: %w", err))
		}
		stores.Codes = codes
	}
	return stores, closers, nil
}

// OpenSQLStore connects to the configured SQL database and verifies the
// connection.
func OpenSQLStore(ctx context.Context, cfg config.DatabaseConfig) (*sqlstore.Store, error) {
	store, err := sqlstore.Open(cfg.Driver, cfg.DSN, cfg.MaxOpenConns)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := store.Ping(pingCtx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("database ping: %w", err)
	}
	return store, nil
}

// BuildMailer returns the SMTP relay or, for the log transport, a mailer
// that only logs outgoing messages.
func BuildMailer(cfg config.MailConfig, log *logging.Logger) notify.Mailer {
	if cfg.Transport == "smtp" {
		return notify.NewSMTPMailer(notify.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUser,
			Password: cfg.SMTPPass,
			From:     cfg.From,
		})
	}
	return notify.NewLogMailer(log.Named("mail"))
}

// AppOptions translates configuration into application options.
func AppOptions(cfg *config.Config, mailer notify.Mailer) (app.Options, error) {
	policy, err := book.ParsePolicy(cfg.Library.ReturnAvailability)
	if err != nil {
		return app.Options{}, err
	}
	loc := time.Local
	if tz := cfg.Sweeps.Timezone; tz != "" && tz != "Local" {
		if loc, err = time.LoadLocation(tz); err != nil {
			return app.Options{}, fmt.Errorf("sweeps timezone: %w", err)
		}
	}
	return app.Options{
		Mailer:      mailer,
		FrontendURL: cfg.Mail.FrontendURL,
		CodeTTL:     cfg.Auth.CodeTTL,
		ResetTTL:    cfg.Auth.ResetTTL,
		Circulation: circulation.Options{
			LoanPeriod: cfg.Library.LoanPeriod,
			FineRate:   cfg.Library.FineRate,
			Policy:     policy,
		},
		SweepsEnabled:  cfg.Sweeps.Enabled,
		ReapSchedule:   cfg.Sweeps.ReapSchedule,
		NotifySchedule: cfg.Sweeps.NotifySchedule,
		Location:       loc,
	}, nil
}
