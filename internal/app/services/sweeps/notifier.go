package sweeps

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/campuslib/library_service/internal/app/domain/loan"
	"github.com/campuslib/library_service/internal/app/storage"
	"github.com/campuslib/library_service/internal/logging"
)

// DueSender delivers due-date notices.
type DueSender interface {
	SendDueNotice(ctx context.Context, to, name, title string, due time.Time, notice loan.Notice) error
}

// Notifier emails borrowers whose loans are due tomorrow or overdue. A
// loan receives each kind of notice at most once.
type Notifier struct {
	loans  storage.LoanStore
	sender DueSender
	loc    *time.Location
	now    func() time.Time
	log    *logging.Logger
}

// NewNotifier creates the due-date sweep.
func NewNotifier(loans storage.LoanStore, sender DueSender, log *logging.Logger) *Notifier {
	if log == nil {
		log = logging.NewDefault("notifier")
	}
	return &Notifier{loans: loans, sender: sender, loc: time.Local, now: time.Now, log: log}
}

// WithClock overrides the time source.
func (n *Notifier) WithClock(now func() time.Time) *Notifier {
	if now != nil {
		n.now = now
	}
	return n
}

// WithLocation sets the zone whose calendar days define "tomorrow".
func (n *Notifier) WithLocation(loc *time.Location) *Notifier {
	if loc != nil {
		n.loc = loc
	}
	return n
}

func (n *Notifier) Name() string { return "due_notices" }

// Run sends pending notices and reports how many were delivered. Delivery
// failures are retried on the next run.
func (n *Notifier) Run(ctx context.Context) (int64, error) {
	now := n.now().In(n.loc)
	y, m, d := now.Date()
	cutoff := time.Date(y, m, d+2, 0, 0, 0, 0, n.loc)

	views, err := n.loans.ListOpenLoansDueBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list due loans: %w", err)
	}

	var sent int64
	var errs []error
	for _, v := range views {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		notice := loan.NoticeFor(v.DueAt, now)
		if notice == loan.NoticeNone || notice == v.LastNotice {
			continue
		}
		entry := n.log.WithField("loan_id", v.ID).WithField("user_id", v.UserID).WithField("notice", string(notice))
		if err := n.sender.SendDueNotice(ctx, v.UserEmail, v.UserName, v.BookTitle, v.DueAt, notice); err != nil {
			entry.WithError(err).Warn("due notice delivery failed")
			errs = append(errs, fmt.Errorf("loan %d: %w", v.ID, err))
			continue
		}
		if err := n.loans.MarkNotified(ctx, v.ID, notice, now); err != nil {
			entry.WithError(err).Error("failed to record due notice")
			errs = append(errs, fmt.Errorf("loan %d: %w", v.ID, err))
			continue
		}
		sent++
		entry.Info("due notice sent")
	}
	return sent, errors.Join(errs...)
}
