// Package sweeps runs the periodic maintenance jobs: reaping expired
// registrations and sending due-date notices.
package sweeps

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/campuslib/library_service/internal/app/metrics"
	"github.com/campuslib/library_service/internal/app/system"
	"github.com/campuslib/library_service/internal/logging"
)

// DefaultSchedule fires daily at 08:00.
const DefaultSchedule = "0 8 * * *"

const jobTimeout = 5 * time.Minute

// Job is one sweep. Run reports how many rows it affected.
type Job interface {
	Name() string
	Run(ctx context.Context) (int64, error)
}

type entry struct {
	spec string
	job  Job
}

var _ system.Service = (*Scheduler)(nil)

// Scheduler runs registered jobs on cron expressions.
type Scheduler struct {
	log *logging.Logger
	loc *time.Location

	mu      sync.Mutex
	entries []entry
	cron    *cron.Cron
	cancel  context.CancelFunc
	running bool
}

// NewScheduler creates a scheduler evaluating expressions in loc.
func NewScheduler(loc *time.Location, log *logging.Logger) *Scheduler {
	if log == nil {
		log = logging.NewDefault("sweeps")
	}
	if loc == nil {
		loc = time.Local
	}
	return &Scheduler{log: log, loc: loc}
}

// Add registers job under a standard five-field cron expression.
func (s *Scheduler) Add(spec string, job Job) error {
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("sweep %s: invalid schedule %q: %w", job.Name(), spec, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("sweep %s: scheduler already running", job.Name())
	}
	s.entries = append(s.entries, entry{spec: spec, job: job})
	return nil
}

// Jobs returns the registered jobs in registration order.
func (s *Scheduler) Jobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.job)
	}
	return out
}

func (s *Scheduler) Name() string { return "sweeps" }

func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	cl := cron.PrintfLogger(s.log)
	c := cron.New(
		cron.WithLocation(s.loc),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	for _, e := range s.entries {
		job := e.job
		if _, err := c.AddFunc(e.spec, func() { s.runJob(runCtx, job) }); err != nil {
			cancel()
			return fmt.Errorf("schedule %s: %w", job.Name(), err)
		}
	}
	c.Start()

	s.cron = c
	s.cancel = cancel
	s.running = true
	s.log.WithField("jobs", len(s.entries)).Info("sweep scheduler started")
	return nil
}

func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	c, cancel := s.cron, s.cancel
	s.cron, s.cancel, s.running = nil, nil, false
	s.mu.Unlock()

	cancel()
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	s.log.Info("sweep scheduler stopped")
	return nil
}

// RunOnce executes job immediately with the scheduler's bookkeeping.
func (s *Scheduler) RunOnce(ctx context.Context, job Job) (int64, error) {
	return s.execute(ctx, job)
}

func (s *Scheduler) runJob(ctx context.Context, job Job) {
	_, _ = s.execute(ctx, job)
}

func (s *Scheduler) execute(ctx context.Context, job Job) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, jobTimeout)
	defer cancel()

	started := time.Now()
	n, err := job.Run(ctx)
	metrics.RecordSweep(job.Name(), n, err)

	entry := s.log.WithField("sweep", job.Name()).
		WithField("affected", n).
		WithField("duration", time.Since(started).String())
	if err != nil {
		entry.WithError(err).Warn("sweep failed")
		return n, err
	}
	entry.Info("sweep completed")
	return n, nil
}
