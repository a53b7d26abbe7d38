package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/campuslib/library_service/internal/app/domain/book"
	"github.com/campuslib/library_service/internal/app/domain/loan"
	"github.com/campuslib/library_service/internal/app/domain/user"
)

// Sentinel errors shared by every store implementation.
var (
	ErrNotFound           = errors.New("storage: not found")
	ErrDuplicate          = errors.New("storage: duplicate")
	ErrActiveLoan         = errors.New("storage: borrower already holds an active loan for this book")
	ErrOutOfStock         = errors.New("storage: book out of stock")
	ErrNoActiveLoan       = errors.New("storage: no active loan")
	ErrQuantityBelowLoans = errors.New("storage: quantity below copies on loan")
	ErrBookBorrowed       = errors.New("storage: book has active loans")
)

// QuantityFloorError reports an edit that would leave fewer copies than are
// currently on loan.
type QuantityFloorError struct {
	Requested int
	Borrowed  int
}

func (e *QuantityFloorError) Error() string {
	return fmt.Sprintf("storage: quantity %d is below the %d copies on loan", e.Requested, e.Borrowed)
}

func (e *QuantityFloorError) Is(target error) bool { return target == ErrQuantityBelowLoans }

// UserStore persists user records.
type UserStore interface {
	CreateUser(ctx context.Context, u user.User) (user.User, error)
	UpdateUser(ctx context.Context, u user.User) (user.User, error)
	GetUser(ctx context.Context, id int64) (user.User, error)
	GetUserByEmail(ctx context.Context, email string) (user.User, error)
	GetUserByResetToken(ctx context.Context, tokenHash string) (user.User, error)
	DeleteUser(ctx context.Context, id int64) error
	// DeleteUnverifiedByEmail removes a pending registration, if any. Users
	// with an open loan are kept by both unverified cleanup paths.
	DeleteUnverifiedByEmail(ctx context.Context, email string) error
	// DeleteExpiredUnverified removes unverified users whose code expired
	// before now and reports how many were removed.
	DeleteExpiredUnverified(ctx context.Context, now time.Time) (int64, error)
	ListUserSummaries(ctx context.Context) ([]user.Summary, error)
}

// BookStore persists catalog entries.
type BookStore interface {
	CreateBook(ctx context.Context, b book.Book) (book.Book, error)
	GetBook(ctx context.Context, id int64) (book.Book, error)
	ListBooks(ctx context.Context) ([]book.Book, error)
	// UpdateBook applies upd atomically, rejecting a quantity below the
	// number of active loans with a *QuantityFloorError.
	UpdateBook(ctx context.Context, id int64, upd book.Update) (book.Book, error)
	// DeleteBook removes a book and its loan history, failing with
	// ErrBookBorrowed while any loan is active.
	DeleteBook(ctx context.Context, id int64) error
}

// FineFunc computes the fine owed for a loan returned at the given time.
type FineFunc func(rec loan.Record, returnedAt time.Time) float64

// LoanStore persists the borrow ledger. Borrow and Return each run as a
// single atomic unit together with the book quantity change.
type LoanStore interface {
	Borrow(ctx context.Context, userID, bookID int64, borrowedAt, dueAt time.Time) (loan.Record, book.Book, error)
	Return(ctx context.Context, userID, bookID int64, returnedAt time.Time, fine FineFunc, policy book.AvailabilityPolicy) (loan.Record, book.Book, error)
	// SettleFines marks every unpaid positive fine of the user as paid.
	SettleFines(ctx context.Context, userID int64) (int64, error)
	ListLoansForUser(ctx context.Context, userID int64) ([]loan.View, error)
	ListAllLoans(ctx context.Context) ([]loan.View, error)
	// ListOpenLoansDueBefore returns active loans due strictly before t.
	ListOpenLoansDueBefore(ctx context.Context, t time.Time) ([]loan.View, error)
	MarkNotified(ctx context.Context, loanID int64, notice loan.Notice, at time.Time) error
}

// CodeStore keeps one pending verification code per email.
type CodeStore interface {
	PutCode(ctx context.Context, email, code string, expiresAt time.Time) error
	// GetCode returns ErrNotFound when no code is on file.
	GetCode(ctx context.Context, email string) (string, time.Time, error)
	DeleteCode(ctx context.Context, email string) error
	// ConsumeCode removes the code for email only while it still equals code
	// and reports whether it did. At most one concurrent caller wins.
	ConsumeCode(ctx context.Context, email, code string) (bool, error)
}

// Pinger is implemented by stores that can report their health.
type Pinger interface {
	Ping(ctx context.Context) error
}
