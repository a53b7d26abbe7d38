package sweeps

import (
	"context"
	"time"

	"github.com/campuslib/library_service/internal/app/storage"
	"github.com/campuslib/library_service/internal/logging"
)

// Reaper deletes registrations whose verification code expired unused.
type Reaper struct {
	users storage.UserStore
	now   func() time.Time
	log   *logging.Logger
}

// NewReaper creates the unverified-account sweep.
func NewReaper(users storage.UserStore, log *logging.Logger) *Reaper {
	if log == nil {
		log = logging.NewDefault("reaper")
	}
	return &Reaper{users: users, now: time.Now, log: log}
}

// WithClock overrides the time source.
func (r *Reaper) WithClock(now func() time.Time) *Reaper {
	if now != nil {
		r.now = now
	}
	return r
}

func (r *Reaper) Name() string { return "reap_unverified" }

// Run removes every unverified user whose code expiry has passed.
func (r *Reaper) Run(ctx context.Context) (int64, error) {
	n, err := r.users.DeleteExpiredUnverified(ctx, r.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.log.WithField("deleted", n).Info("removed expired unverified accounts")
	}
	return n, nil
}
