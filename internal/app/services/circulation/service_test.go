package circulation

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campuslib/library_service/internal/app/domain/book"
	"github.com/campuslib/library_service/internal/app/domain/loan"
	"github.com/campuslib/library_service/internal/app/domain/user"
	"github.com/campuslib/library_service/internal/app/storage/memory"
	svcerrors "github.com/campuslib/library_service/internal/errors"
)

type fixture struct {
	svc   *Service
	store *memory.Store
	now   time.Time
	ann   Actor
	bob   Actor
	admin Actor
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{store: memory.New(), now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	f.svc = New(f.store, f.store, opts, nil).WithClock(func() time.Time { return f.now })

	mk := func(name, email string, role user.Role) Actor {
		u, err := f.store.CreateUser(ctx, user.User{Name: name, Email: email, PasswordHash: "h", Role: role, Verified: true})
		require.NoError(t, err)
		return Actor{ID: u.ID, Email: u.Email, Role: u.Role}
	}
	f.ann = mk("Ann", "ann@example.com", user.RoleUser)
	f.bob = mk("Bob", "bob@example.com", user.RoleUser)
	f.admin = mk("Root", "root@example.com", user.RoleAdmin)
	return f
}

func (f *fixture) addBook(t *testing.T, qty int) book.Book {
	t.Helper()
	b := book.Book{Title: "Dune", Author: "Herbert", Price: 9, Quantity: qty}
	b.Recompute()
	created, err := f.store.CreateBook(context.Background(), b)
	require.NoError(t, err)
	return created
}

func TestBorrowReturnLifecycle(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	b := f.addBook(t, 1)

	r, err := f.svc.Borrow(ctx, f.ann, "", b.ID)
	require.NoError(t, err)
	assert.Equal(t, "Successfully recorded borrow for 'Dune'. Due back on Sat Mar 15 2025.", r.Message)
	assert.Equal(t, f.now.Add(loan.DefaultPeriod), r.Loan.DueAt)
	assert.Equal(t, 0, r.Book.Quantity)
	assert.False(t, r.Book.Available)

	_, err = f.svc.Borrow(ctx, f.ann, "", b.ID)
	require.Error(t, err)
	assert.Equal(t, 400, svcerrors.HTTPStatus(err))
	assert.Equal(t, "This user has already borrowed this book.", svcerrors.PublicMessage(err))

	_, err = f.svc.Borrow(ctx, f.bob, "", b.ID)
	require.Error(t, err)
	assert.Equal(t, 400, svcerrors.HTTPStatus(err))
	assert.Equal(t, "Sorry, this book is currently out of stock", svcerrors.PublicMessage(err))

	f.now = time.Date(2025, 3, 18, 7, 0, 0, 0, time.UTC)
	r, err = f.svc.Return(ctx, f.ann, "", b.ID)
	require.NoError(t, err)
	assert.Equal(t, 15.0, r.Loan.Fine)
	assert.Equal(t, "Book returned successfully! Late fee of $15 applied!", r.Message)
	assert.Equal(t, 1, r.Book.Quantity)
	assert.True(t, r.Book.Available)

	_, err = f.svc.Return(ctx, f.ann, "", b.ID)
	require.Error(t, err)
	assert.Equal(t, "You do not have an active borrow record for this book", svcerrors.PublicMessage(err))

	n, err := f.svc.SettleFines(ctx, f.ann.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	history, err := f.svc.LoansFor(ctx, f.ann.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, loan.FinePaid, history[0].FineStatus)
	assert.Equal(t, "Dune", history[0].BookTitle)

	_, err = f.svc.SettleFines(ctx, f.ann.ID)
	require.Error(t, err)
	assert.Equal(t, "No unpaid fines found for this user.", svcerrors.PublicMessage(err))
}

func TestReturnOnTimeHasNoFee(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	b := f.addBook(t, 2)

	_, err := f.svc.Borrow(ctx, f.ann, "", b.ID)
	require.NoError(t, err)
	f.now = f.now.Add(loan.DefaultPeriod + 10*time.Hour)
	r, err := f.svc.Return(ctx, f.ann, "", b.ID)
	require.NoError(t, err)
	assert.Zero(t, r.Loan.Fine)
	assert.Equal(t, "Book returned successfully!", r.Message)
}

func TestConfiguredRateAndPeriod(t *testing.T) {
	f := newFixture(t, Options{LoanPeriod: 7 * 24 * time.Hour, FineRate: 2.5})
	ctx := context.Background()
	b := f.addBook(t, 1)

	r, err := f.svc.Borrow(ctx, f.ann, "", b.ID)
	require.NoError(t, err)
	assert.Equal(t, f.now.AddDate(0, 0, 7), r.Loan.DueAt)

	f.now = f.now.AddDate(0, 0, 9)
	r, err = f.svc.Return(ctx, f.ann, "", b.ID)
	require.NoError(t, err)
	assert.Equal(t, 5.0, r.Loan.Fine)
	assert.Equal(t, "Book returned successfully! Late fee of $5 applied!", r.Message)
}

func TestBorrowOnBehalf(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	b := f.addBook(t, 3)

	_, err := f.svc.Borrow(ctx, f.ann, "bob@example.com", b.ID)
	require.Error(t, err)
	assert.Equal(t, 403, svcerrors.HTTPStatus(err))

	_, err = f.svc.Borrow(ctx, f.ann, "ANN@example.com", b.ID)
	require.NoError(t, err)

	_, err = f.svc.Borrow(ctx, f.admin, "ghost@example.com", b.ID)
	require.Error(t, err)
	assert.Equal(t, "User with this email not found", svcerrors.PublicMessage(err))

	r, err := f.svc.Borrow(ctx, f.admin, "bob@example.com", b.ID)
	require.NoError(t, err)
	assert.Equal(t, f.bob.ID, r.Loan.UserID)

	r, err = f.svc.Return(ctx, f.admin, "bob@example.com", b.ID)
	require.NoError(t, err)
	assert.Equal(t, f.bob.ID, r.Loan.UserID)

	all, err := f.svc.AllLoans(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestBorrowOnBehalfRequiresVerifiedAccount(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	b := f.addBook(t, 1)

	exp := f.now.Add(-time.Minute)
	pending, err := f.store.CreateUser(ctx, user.User{
		Name: "Pat", Email: "pat@example.com", PasswordHash: "h", Role: user.RoleUser,
		VerificationExpiresAt: &exp,
	})
	require.NoError(t, err)

	_, err = f.svc.Borrow(ctx, f.admin, "pat@example.com", b.ID)
	require.Error(t, err)
	assert.Equal(t, 400, svcerrors.HTTPStatus(err))
	assert.Equal(t, "This account has not been verified yet", svcerrors.PublicMessage(err))

	got, err := f.store.GetBook(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Quantity)

	n, err := f.store.DeleteExpiredUnverified(ctx, f.now)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	_, err = f.store.GetUser(ctx, pending.ID)
	assert.Error(t, err)
}

func TestReturnOnBehalfOfUnverifiedHolder(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	b := f.addBook(t, 1)

	pending, err := f.store.CreateUser(ctx, user.User{
		Name: "Pat", Email: "pat@example.com", PasswordHash: "h", Role: user.RoleUser,
	})
	require.NoError(t, err)
	_, _, err = f.store.Borrow(ctx, pending.ID, b.ID, f.now, f.now.Add(loan.DefaultPeriod))
	require.NoError(t, err)

	r, err := f.svc.Return(ctx, f.admin, "pat@example.com", b.ID)
	require.NoError(t, err)
	assert.Equal(t, pending.ID, r.Loan.UserID)
	assert.Equal(t, 1, r.Book.Quantity)
}

func TestBorrowUnknownBook(t *testing.T) {
	f := newFixture(t, Options{})
	_, err := f.svc.Borrow(context.Background(), f.ann, "", 4242)
	require.Error(t, err)
	assert.Equal(t, 404, svcerrors.HTTPStatus(err))
	assert.Equal(t, "Book not found", svcerrors.PublicMessage(err))
}

func TestReturnAvailabilityPolicies(t *testing.T) {
	for _, policy := range []book.AvailabilityPolicy{book.PolicyRecompute, book.PolicyAlways} {
		t.Run(string(policy), func(t *testing.T) {
			f := newFixture(t, Options{Policy: policy})
			ctx := context.Background()
			b := f.addBook(t, 1)

			_, err := f.svc.Borrow(ctx, f.ann, "", b.ID)
			require.NoError(t, err)
			r, err := f.svc.Return(ctx, f.ann, "", b.ID)
			require.NoError(t, err)
			assert.Equal(t, 1, r.Book.Quantity)
			assert.True(t, r.Book.Available)
		})
	}
}

func TestConcurrentBorrowOfLastCopy(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	b := f.addBook(t, 1)

	actors := []Actor{f.ann, f.bob, f.admin}
	var wg sync.WaitGroup
	var ok int32
	for _, a := range actors {
		wg.Add(1)
		go func(a Actor) {
			defer wg.Done()
			if _, err := f.svc.Borrow(ctx, a, "", b.ID); err == nil {
				atomic.AddInt32(&ok, 1)
			}
		}(a)
	}
	wg.Wait()
	assert.EqualValues(t, 1, ok)

	got, err := f.store.GetBook(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Quantity)
}
