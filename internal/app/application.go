package app

import (
	"context"
	"fmt"
	"time"

	"github.com/campuslib/library_service/internal/app/services/accounts"
	"github.com/campuslib/library_service/internal/app/services/catalog"
	"github.com/campuslib/library_service/internal/app/services/circulation"
	"github.com/campuslib/library_service/internal/app/services/notify"
	"github.com/campuslib/library_service/internal/app/services/sweeps"
	"github.com/campuslib/library_service/internal/app/services/verification"
	"github.com/campuslib/library_service/internal/app/storage"
	"github.com/campuslib/library_service/internal/app/storage/memory"
	"github.com/campuslib/library_service/internal/app/system"
	"github.com/campuslib/library_service/internal/logging"
)

// Stores encapsulates persistence dependencies. Nil stores default to the
// in-memory implementation.
type Stores struct {
	Users storage.UserStore
	Books storage.BookStore
	Loans storage.LoanStore
	// Codes holds verification codes. When nil the user store is used if
	// it implements storage.CodeStore.
	Codes storage.CodeStore
}

// Options carries the tunables of the composed services.
type Options struct {
	Mailer      notify.Mailer
	FrontendURL string
	CodeTTL     time.Duration
	ResetTTL    time.Duration
	BcryptCost  int
	Circulation circulation.Options

	SweepsEnabled  bool
	ReapSchedule   string
	NotifySchedule string
	Location       *time.Location

	// Clock overrides the time source of every service; nil uses time.Now.
	Clock func() time.Time
}

// Application ties domain services together and manages their lifecycle.
type Application struct {
	manager *system.Manager
	log     *logging.Logger
	pingers []storage.Pinger

	Notify       *notify.Service
	Verification *verification.Service
	Accounts     *accounts.Service
	Catalog      *catalog.Service
	Circulation  *circulation.Service
	Reaper       *sweeps.Reaper
	Notifier     *sweeps.Notifier
	Sweeps       *sweeps.Scheduler
}

// New builds a fully initialised application with the provided stores.
func New(stores Stores, opts Options, log *logging.Logger) (*Application, error) {
	if log == nil {
		log = logging.NewDefault("app")
	}

	var mem *memory.Store
	fallback := func() *memory.Store {
		if mem == nil {
			mem = memory.New()
		}
		return mem
	}
	if stores.Users == nil {
		stores.Users = fallback()
	}
	if stores.Books == nil {
		stores.Books = fallback()
	}
	if stores.Loans == nil {
		stores.Loans = fallback()
	}
	if stores.Codes == nil {
		codes, ok := stores.Users.(storage.CodeStore)
		if !ok {
			return nil, fmt.Errorf("no verification code store configured")
		}
		stores.Codes = codes
	}

	if opts.Mailer == nil {
		opts.Mailer = notify.NewLogMailer(log.Named("mail"))
	}
	if opts.ReapSchedule == "" {
		opts.ReapSchedule = sweeps.DefaultSchedule
	}
	if opts.NotifySchedule == "" {
		opts.NotifySchedule = sweeps.DefaultSchedule
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	notifier := notify.New(opts.Mailer, log.Named("notify"))
	verifier := verification.New(stores.Codes, notifier, opts.CodeTTL, log.Named("verification")).WithClock(clock)
	accountSvc := accounts.New(stores.Users, verifier, notifier, opts.FrontendURL, log.Named("accounts")).
		WithClock(clock).
		WithResetTTL(opts.ResetTTL)
	if opts.BcryptCost != 0 {
		accountSvc.WithBcryptCost(opts.BcryptCost)
	}
	catalogSvc := catalog.New(stores.Books, log.Named("catalog")).WithClock(clock)
	circulationSvc := circulation.New(stores.Users, stores.Loans, opts.Circulation, log.Named("circulation")).WithClock(clock)

	reaper := sweeps.NewReaper(stores.Users, log.Named("reaper")).WithClock(clock)
	dueNotifier := sweeps.NewNotifier(stores.Loans, notifier, log.Named("notifier")).
		WithClock(clock).
		WithLocation(opts.Location)
	scheduler := sweeps.NewScheduler(opts.Location, log.Named("sweeps"))
	if err := scheduler.Add(opts.ReapSchedule, reaper); err != nil {
		return nil, err
	}
	if err := scheduler.Add(opts.NotifySchedule, dueNotifier); err != nil {
		return nil, err
	}

	manager := system.NewManager()
	if opts.SweepsEnabled {
		if err := manager.Register(scheduler); err != nil {
			return nil, fmt.Errorf("register %s: %w", scheduler.Name(), err)
		}
	} else {
		log.Warn("background sweeps disabled")
	}

	var pingers []storage.Pinger
	seen := map[interface{}]bool{}
	for _, s := range []interface{}{stores.Users, stores.Books, stores.Loans, stores.Codes} {
		if p, ok := s.(storage.Pinger); ok && !seen[s] {
			seen[s] = true
			pingers = append(pingers, p)
		}
	}

	return &Application{
		manager:      manager,
		log:          log,
		pingers:      pingers,
		Notify:       notifier,
		Verification: verifier,
		Accounts:     accountSvc,
		Catalog:      catalogSvc,
		Circulation:  circulationSvc,
		Reaper:       reaper,
		Notifier:     dueNotifier,
		Sweeps:       scheduler,
	}, nil
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}

// Ping checks every backing store that can report its health.
func (a *Application) Ping(ctx context.Context) error {
	for _, p := range a.pingers {
		if err := p.Ping(ctx); err != nil {
			return err
		}
	}
	return nil
}
