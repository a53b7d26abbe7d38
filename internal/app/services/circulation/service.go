// Package circulation implements the borrow, return and fine lifecycle.
package circulation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/campuslib/library_service/internal/app/domain/book"
	"github.com/campuslib/library_service/internal/app/domain/loan"
	"github.com/campuslib/library_service/internal/app/domain/user"
	"github.com/campuslib/library_service/internal/app/metrics"
	"github.com/campuslib/library_service/internal/app/storage"
	svcerrors "github.com/campuslib/library_service/internal/errors"
	"github.com/campuslib/library_service/internal/logging"
)

// DueDateLayout formats due dates in borrow confirmations.
const DueDateLayout = "Mon Jan 2 2006"

// Actor is the authenticated caller of a lifecycle operation.
type Actor struct {
	ID    int64
	Email string
	Role  user.Role
}

// Options tunes the lifecycle rules.
type Options struct {
	LoanPeriod time.Duration
	FineRate   float64
	Policy     book.AvailabilityPolicy
}

// Receipt is the outcome of a borrow or return.
type Receipt struct {
	Loan    loan.Record `json:"loan"`
	Book    book.Book   `json:"book"`
	Message string      `json:"message"`
}

// Service runs lifecycle operations against the store.
type Service struct {
	users storage.UserStore
	loans storage.LoanStore
	opts  Options
	now   func() time.Time
	log   *logging.Logger
}

// New constructs the lifecycle service. Zero options fall back to the
// library defaults.
func New(users storage.UserStore, loans storage.LoanStore, opts Options, log *logging.Logger) *Service {
	if log == nil {
		log = logging.NewDefault("circulation")
	}
	if opts.LoanPeriod <= 0 {
		opts.LoanPeriod = loan.DefaultPeriod
	}
	if opts.FineRate <= 0 {
		opts.FineRate = loan.DefaultFineRate
	}
	if opts.Policy == "" {
		opts.Policy = book.PolicyRecompute
	}
	return &Service{users: users, loans: loans, opts: opts, now: time.Now, log: log}
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// resolveBorrower returns the account a lifecycle operation applies to:
// the actor, or the owner of email. Only admins may act for someone else,
// and new loans go only to verified accounts.
func (s *Service) resolveBorrower(ctx context.Context, actor Actor, email string, lending bool) (int64, error) {
	email = user.NormalizeEmail(email)
	if email == "" || email == user.NormalizeEmail(actor.Email) {
		return actor.ID, nil
	}
	if !actor.Role.IsAdmin() {
		return 0, svcerrors.Forbidden("Only administrators can record loans for another user")
	}
	u, err := s.users.GetUserByEmail(ctx, email)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, svcerrors.NotFound("User with this email not found")
	}
	if err != nil {
		return 0, svcerrors.Internal("", err)
	}
	if lending && !u.Verified {
		return 0, svcerrors.Validation("This account has not been verified yet")
	}
	return u.ID, nil
}

// Borrow checks out one copy of a book. It fails when the book is unknown,
// out of stock, or already held by the borrower.
func (s *Service) Borrow(ctx context.Context, actor Actor, email string, bookID int64) (Receipt, error) {
	borrowerID, err := s.resolveBorrower(ctx, actor, email, true)
	if err != nil {
		return Receipt{}, err
	}

	now := s.now()
	due := now.Add(s.opts.LoanPeriod)
	rec, b, err := s.loans.Borrow(ctx, borrowerID, bookID, now, due)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrNotFound):
		return Receipt{}, svcerrors.NotFound("Book not found")
	case errors.Is(err, storage.ErrOutOfStock):
		return Receipt{}, svcerrors.Conflict("Sorry, this book is currently out of stock")
	case errors.Is(err, storage.ErrActiveLoan):
		return Receipt{}, svcerrors.Conflict("This user has already borrowed this book.")
	default:
		s.log.WithContext(ctx).WithError(err).WithField("book_id", bookID).Error("borrow failed")
		return Receipt{}, svcerrors.Internal("", err)
	}

	metrics.RecordLoan("borrow")
	s.log.WithContext(ctx).
		WithField("loan_id", rec.ID).
		WithField("user_id", borrowerID).
		WithField("book_id", bookID).
		Info("book borrowed")
	return Receipt{
		Loan:    rec,
		Book:    b,
		Message: fmt.Sprintf("Successfully recorded borrow for '%s'. Due back on %s.", b.Title, due.Format(DueDateLayout)),
	}, nil
}

// Return closes the borrower's active loan for a book and records any late
// fee.
func (s *Service) Return(ctx context.Context, actor Actor, email string, bookID int64) (Receipt, error) {
	borrowerID, err := s.resolveBorrower(ctx, actor, email, false)
	if err != nil {
		return Receipt{}, err
	}

	rate := s.opts.FineRate
	fine := func(rec loan.Record, returnedAt time.Time) float64 {
		return loan.LateFee(rec.DueAt, returnedAt, rate)
	}
	rec, b, err := s.loans.Return(ctx, borrowerID, bookID, s.now(), fine, s.opts.Policy)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrNoActiveLoan), errors.Is(err, storage.ErrNotFound):
		return Receipt{}, svcerrors.NotFound("You do not have an active borrow record for this book")
	default:
		s.log.WithContext(ctx).WithError(err).WithField("book_id", bookID).Error("return failed")
		return Receipt{}, svcerrors.Internal("", err)
	}

	metrics.RecordLoan("return")
	metrics.RecordFine(rec.Fine)
	s.log.WithContext(ctx).
		WithField("loan_id", rec.ID).
		WithField("user_id", borrowerID).
		WithField("book_id", bookID).
		WithField("fine", rec.Fine).
		Info("book returned")

	msg := "Book returned successfully!"
	if rec.Fine > 0 {
		msg += " Late fee of $" + strconv.FormatFloat(rec.Fine, 'f', -1, 64) + " applied!"
	}
	return Receipt{Loan: rec, Book: b, Message: msg}, nil
}

// SettleFines marks every unpaid fine of a user as paid.
func (s *Service) SettleFines(ctx context.Context, userID int64) (int64, error) {
	n, err := s.loans.SettleFines(ctx, userID)
	if err != nil {
		s.log.WithContext(ctx).WithError(err).WithField("user_id", userID).Error("settle fines failed")
		return 0, svcerrors.Internal("", err)
	}
	if n == 0 {
		return 0, svcerrors.NotFound("No unpaid fines found for this user.")
	}
	s.log.WithContext(ctx).WithField("user_id", userID).WithField("loans", n).Info("fines settled")
	return n, nil
}

// LoansFor returns a user's loan history, newest first.
func (s *Service) LoansFor(ctx context.Context, userID int64) ([]loan.View, error) {
	out, err := s.loans.ListLoansForUser(ctx, userID)
	if err != nil {
		return nil, svcerrors.Internal("", err)
	}
	return out, nil
}

// AllLoans returns every loan record, newest first.
func (s *Service) AllLoans(ctx context.Context) ([]loan.View, error) {
	out, err := s.loans.ListAllLoans(ctx)
	if err != nil {
		return nil, svcerrors.Internal("", err)
	}
	return out, nil
}
