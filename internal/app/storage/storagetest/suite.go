// Package storagetest holds behaviour tests shared by every store
// implementation.
package storagetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campuslib/library_service/internal/app/domain/book"
	"github.com/campuslib/library_service/internal/app/domain/loan"
	"github.com/campuslib/library_service/internal/app/domain/user"
	"github.com/campuslib/library_service/internal/app/storage"
)

// Store is the full set of interfaces a backend provides.
type Store interface {
	storage.UserStore
	storage.BookStore
	storage.LoanStore
	storage.CodeStore
}

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) Store

var base = time.Date(2025, time.March, 1, 9, 0, 0, 0, time.UTC)

// Run exercises the store contract against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("UserLifecycle", func(t *testing.T) { testUserLifecycle(t, newStore(t)) })
	t.Run("Codes", func(t *testing.T) { testCodes(t, newStore(t)) })
	t.Run("ReapExpiredUnverified", func(t *testing.T) { testReap(t, newStore(t)) })
	t.Run("UnverifiedBorrowerKept", func(t *testing.T) { testUnverifiedBorrowerKept(t, newStore(t)) })
	t.Run("BorrowReturnSettle", func(t *testing.T) { testBorrowReturnSettle(t, newStore(t)) })
	t.Run("ReturnAvailabilityPolicy", func(t *testing.T) { testReturnPolicy(t, newStore(t)) })
	t.Run("QuantityFloor", func(t *testing.T) { testQuantityFloor(t, newStore(t)) })
	t.Run("DeleteBook", func(t *testing.T) { testDeleteBook(t, newStore(t)) })
	t.Run("Listings", func(t *testing.T) { testListings(t, newStore(t)) })
	t.Run("ConcurrentBorrowLastCopy", func(t *testing.T) { testConcurrentBorrow(t, newStore(t)) })
}

func mustUser(t *testing.T, s Store, email string, verified bool) user.User {
	t.Helper()
	exp := base.Add(15 * time.Minute)
	u, err := s.CreateUser(context.Background(), user.User{
		Name:                  "Patron " + email,
		Email:                 email,
		PasswordHash:          "hash",
		Role:                  user.RoleUser,
		Verified:              verified,
		VerificationExpiresAt: &exp,
		CreatedAt:             base,
	})
	require.NoError(t, err)
	return u
}

func mustBook(t *testing.T, s Store, title string, qty int) book.Book {
	t.Helper()
	b, err := s.CreateBook(context.Background(), book.Book{Title: title, Author: "Author", Price: 12.5, Quantity: qty, CreatedAt: base})
	require.NoError(t, err)
	return b
}

func testUserLifecycle(t *testing.T, s Store) {
	ctx := context.Background()
	u := mustUser(t, s, "a@b.com", false)
	assert.NotZero(t, u.ID)

	_, err := s.CreateUser(ctx, user.User{Name: "dup", Email: "a@b.com", PasswordHash: "x", Role: user.RoleUser})
	assert.ErrorIs(t, err, storage.ErrDuplicate)

	got, err := s.GetUserByEmail(ctx, "a@b.com")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)
	assert.Equal(t, user.RoleUser, got.Role)

	hash := "tokenhash"
	exp := base.Add(time.Hour)
	got.ResetTokenHash = &hash
	got.ResetExpiresAt = &exp
	got.Role = user.RoleAdmin
	_, err = s.UpdateUser(ctx, got)
	require.NoError(t, err)

	byToken, err := s.GetUserByResetToken(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, user.RoleAdmin, byToken.Role)
	require.NotNil(t, byToken.ResetExpiresAt)
	assert.True(t, byToken.ResetExpiresAt.Equal(exp))

	_, err = s.GetUserByResetToken(ctx, "other")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, s.DeleteUnverifiedByEmail(ctx, "a@b.com"))
	_, err = s.GetUser(ctx, u.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	v := mustUser(t, s, "v@b.com", true)
	require.NoError(t, s.DeleteUnverifiedByEmail(ctx, "v@b.com"))
	_, err = s.GetUser(ctx, v.ID)
	assert.NoError(t, err)

	require.NoError(t, s.DeleteUser(ctx, v.ID))
	assert.ErrorIs(t, s.DeleteUser(ctx, v.ID), storage.ErrNotFound)
}

func testCodes(t *testing.T, s Store) {
	ctx := context.Background()
	mustUser(t, s, "c@b.com", false)

	_, _, err := s.GetCode(ctx, "c@b.com")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	exp := base.Add(15 * time.Minute)
	require.NoError(t, s.PutCode(ctx, "c@b.com", "012345", exp))
	code, gotExp, err := s.GetCode(ctx, "c@b.com")
	require.NoError(t, err)
	assert.Equal(t, "012345", code)
	assert.True(t, gotExp.Equal(exp))

	require.NoError(t, s.DeleteCode(ctx, "c@b.com"))
	_, _, err = s.GetCode(ctx, "c@b.com")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	ok, err := s.ConsumeCode(ctx, "c@b.com", "012345")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.PutCode(ctx, "c@b.com", "222222", exp))
	ok, err = s.ConsumeCode(ctx, "c@b.com", "333333")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = s.ConsumeCode(ctx, "c@b.com", "222222")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.ConsumeCode(ctx, "c@b.com", "222222")
	require.NoError(t, err)
	assert.False(t, ok)
	_, _, err = s.GetCode(ctx, "c@b.com")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	ok, err = s.ConsumeCode(ctx, "nobody@b.com", "222222")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.PutCode(ctx, "c@b.com", "444444", exp))
	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, err := s.ConsumeCode(ctx, "c@b.com", "444444"); err == nil && ok {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, wins)
}

func testReap(t *testing.T, s Store) {
	ctx := context.Background()
	past := base.Add(-time.Minute)
	future := base.Add(time.Hour)

	expired := mustUser(t, s, "old@b.com", false)
	expired.VerificationExpiresAt = &past
	_, err := s.UpdateUser(ctx, expired)
	require.NoError(t, err)

	pending := mustUser(t, s, "new@b.com", false)
	pending.VerificationExpiresAt = &future
	_, err = s.UpdateUser(ctx, pending)
	require.NoError(t, err)

	verified := mustUser(t, s, "ok@b.com", true)
	verified.VerificationExpiresAt = &past
	_, err = s.UpdateUser(ctx, verified)
	require.NoError(t, err)

	n, err := s.DeleteExpiredUnverified(ctx, base)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = s.GetUser(ctx, expired.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.GetUser(ctx, pending.ID)
	assert.NoError(t, err)
	_, err = s.GetUser(ctx, verified.ID)
	assert.NoError(t, err)

	n, err = s.DeleteExpiredUnverified(ctx, base)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func testUnverifiedBorrowerKept(t *testing.T, s Store) {
	ctx := context.Background()
	past := base.Add(-time.Minute)

	u := mustUser(t, s, "held@b.com", false)
	u.VerificationExpiresAt = &past
	_, err := s.UpdateUser(ctx, u)
	require.NoError(t, err)

	b := mustBook(t, s, "Only Copy", 1)
	_, after, err := s.Borrow(ctx, u.ID, b.ID, base, base.AddDate(0, 0, 7))
	require.NoError(t, err)
	assert.Equal(t, 0, after.Quantity)

	n, err := s.DeleteExpiredUnverified(ctx, base)
	require.NoError(t, err)
	assert.Zero(t, n)
	require.NoError(t, s.DeleteUnverifiedByEmail(ctx, "held@b.com"))

	_, err = s.GetUser(ctx, u.ID)
	require.NoError(t, err)
	views, err := s.ListLoansForUser(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, views, 1)

	_, restocked, err := s.Return(ctx, u.ID, b.ID, base.Add(time.Hour), fee(5), book.PolicyRecompute)
	require.NoError(t, err)
	assert.Equal(t, 1, restocked.Quantity)
	assert.True(t, restocked.Available)

	n, err = s.DeleteExpiredUnverified(ctx, base)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	_, err = s.GetUser(ctx, u.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func fee(rate float64) storage.FineFunc {
	return func(rec loan.Record, at time.Time) float64 { return loan.LateFee(rec.DueAt, at, rate) }
}

func testBorrowReturnSettle(t *testing.T, s Store) {
	ctx := context.Background()
	u := mustUser(t, s, "a@b.com", true)
	other := mustUser(t, s, "o@b.com", true)
	b := mustBook(t, s, "Dune", 1)

	_, _, err := s.Borrow(ctx, u.ID, 9999, base, base)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	due := base.Add(loan.DefaultPeriod)
	rec, after, err := s.Borrow(ctx, u.ID, b.ID, base, due)
	require.NoError(t, err)
	assert.Equal(t, 0, after.Quantity)
	assert.False(t, after.Available)
	assert.True(t, rec.DueAt.Equal(due))
	assert.Equal(t, loan.FineUnpaid, rec.FineStatus)

	_, _, err = s.Borrow(ctx, u.ID, b.ID, base, due)
	assert.True(t, errors.Is(err, storage.ErrOutOfStock) || errors.Is(err, storage.ErrActiveLoan))

	_, _, err = s.Borrow(ctx, other.ID, b.ID, base, due)
	assert.ErrorIs(t, err, storage.ErrOutOfStock)

	_, _, err = s.Return(ctx, other.ID, b.ID, base, fee(5), book.PolicyRecompute)
	assert.ErrorIs(t, err, storage.ErrNoActiveLoan)

	settled, err := s.SettleFines(ctx, u.ID)
	require.NoError(t, err)
	assert.Zero(t, settled)

	returnedAt := due.AddDate(0, 0, 3)
	returned, restocked, err := s.Return(ctx, u.ID, b.ID, returnedAt, fee(5), book.PolicyRecompute)
	require.NoError(t, err)
	assert.Equal(t, 15.0, returned.Fine)
	require.NotNil(t, returned.ReturnedAt)
	assert.Equal(t, 1, restocked.Quantity)
	assert.True(t, restocked.Available)

	_, _, err = s.Return(ctx, u.ID, b.ID, returnedAt, fee(5), book.PolicyRecompute)
	assert.ErrorIs(t, err, storage.ErrNoActiveLoan)

	settled, err = s.SettleFines(ctx, u.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, settled)

	views, err := s.ListLoansForUser(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, loan.FinePaid, views[0].FineStatus)
	assert.Equal(t, "Dune", views[0].BookTitle)

	settled, err = s.SettleFines(ctx, u.ID)
	require.NoError(t, err)
	assert.Zero(t, settled)

	_, _, err = s.Borrow(ctx, u.ID, b.ID, returnedAt, returnedAt.Add(loan.DefaultPeriod))
	assert.NoError(t, err)
}

func testReturnPolicy(t *testing.T, s Store) {
	ctx := context.Background()
	u := mustUser(t, s, "a@b.com", true)

	for _, policy := range []book.AvailabilityPolicy{book.PolicyRecompute, book.PolicyAlways} {
		b := mustBook(t, s, "Book "+string(policy), 1)
		_, _, err := s.Borrow(ctx, u.ID, b.ID, base, base.Add(loan.DefaultPeriod))
		require.NoError(t, err)

		_, after, err := s.Return(ctx, u.ID, b.ID, base.Add(time.Hour), fee(5), policy)
		require.NoError(t, err)
		assert.Equal(t, 1, after.Quantity, policy)
		assert.True(t, after.Available, policy)

		stored, err := s.GetBook(ctx, b.ID)
		require.NoError(t, err)
		assert.Equal(t, after.Available, stored.Available)
	}
}

func testQuantityFloor(t *testing.T, s Store) {
	ctx := context.Background()
	b := mustBook(t, s, "Floor", 3)
	for _, email := range []string{"a@b.com", "c@d.com"} {
		u := mustUser(t, s, email, true)
		_, _, err := s.Borrow(ctx, u.ID, b.ID, base, base.Add(loan.DefaultPeriod))
		require.NoError(t, err)
	}

	one := 1
	_, err := s.UpdateBook(ctx, b.ID, book.Update{Quantity: &one})
	var floor *storage.QuantityFloorError
	require.ErrorAs(t, err, &floor)
	assert.Equal(t, 2, floor.Borrowed)
	assert.ErrorIs(t, err, storage.ErrQuantityBelowLoans)

	two := 2
	title := "Floor, revised"
	updated, err := s.UpdateBook(ctx, b.ID, book.Update{Quantity: &two, Title: &title})
	require.NoError(t, err)
	assert.Equal(t, 2, updated.Quantity)
	assert.True(t, updated.Available)
	assert.Equal(t, "Floor, revised", updated.Title)

	zero := 0
	_, err = s.UpdateBook(ctx, 9999, book.Update{Quantity: &zero})
	assert.ErrorIs(t, err, storage.ErrNotFound)

	empty := mustBook(t, s, "Empty", 4)
	cleared, err := s.UpdateBook(ctx, empty.ID, book.Update{Quantity: &zero})
	require.NoError(t, err)
	assert.False(t, cleared.Available)
}

func testDeleteBook(t *testing.T, s Store) {
	ctx := context.Background()
	u := mustUser(t, s, "a@b.com", true)
	b := mustBook(t, s, "Gone", 1)

	_, _, err := s.Borrow(ctx, u.ID, b.ID, base, base.Add(loan.DefaultPeriod))
	require.NoError(t, err)
	assert.ErrorIs(t, s.DeleteBook(ctx, b.ID), storage.ErrBookBorrowed)

	_, _, err = s.Return(ctx, u.ID, b.ID, base.Add(time.Hour), fee(5), book.PolicyRecompute)
	require.NoError(t, err)

	require.NoError(t, s.DeleteBook(ctx, b.ID))
	_, err = s.GetBook(ctx, b.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	views, err := s.ListLoansForUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Empty(t, views)

	assert.ErrorIs(t, s.DeleteBook(ctx, b.ID), storage.ErrNotFound)
}

func testListings(t *testing.T, s Store) {
	ctx := context.Background()
	u := mustUser(t, s, "a@b.com", true)
	first := mustBook(t, s, "First", 2)
	second := mustBook(t, s, "Second", 2)

	_, _, err := s.Borrow(ctx, u.ID, first.ID, base, base.AddDate(0, 0, 1))
	require.NoError(t, err)
	later := base.Add(time.Hour)
	_, _, err = s.Borrow(ctx, u.ID, second.ID, later, later.AddDate(0, 0, 10))
	require.NoError(t, err)

	all, err := s.ListAllLoans(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "Second", all[0].BookTitle)
	assert.Equal(t, "a@b.com", all[0].UserEmail)

	due, err := s.ListOpenLoansDueBefore(ctx, base.AddDate(0, 0, 2))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, first.ID, due[0].BookID)

	require.NoError(t, s.MarkNotified(ctx, due[0].ID, loan.NoticeReminder, base))
	due, err = s.ListOpenLoansDueBefore(ctx, base.AddDate(0, 0, 2))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, loan.NoticeReminder, due[0].LastNotice)
	assert.ErrorIs(t, s.MarkNotified(ctx, 9999, loan.NoticeOverdue, base), storage.ErrNotFound)

	_, _, err = s.Return(ctx, u.ID, first.ID, base.AddDate(0, 0, 4), fee(5), book.PolicyRecompute)
	require.NoError(t, err)

	summaries, err := s.ListUserSummaries(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.EqualValues(t, 1, summaries[0].ActiveLoans)
	assert.EqualValues(t, 2, summaries[0].TotalLoans)
	assert.Equal(t, 15.0, summaries[0].UnpaidFines)

	books, err := s.ListBooks(ctx)
	require.NoError(t, err)
	assert.Len(t, books, 2)
}

func testConcurrentBorrow(t *testing.T, s Store) {
	ctx := context.Background()
	b := mustBook(t, s, "Last copy", 1)

	const borrowers = 8
	users := make([]user.User, borrowers)
	for i := range users {
		users[i] = mustUser(t, s, string(rune('a'+i))+"@race.com", true)
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for _, u := range users {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			_, _, err := s.Borrow(ctx, id, b.ID, base, base.Add(loan.DefaultPeriod))
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, storage.ErrOutOfStock)
		}(u.ID)
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	final, err := s.GetBook(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, final.Quantity)
	assert.False(t, final.Available)
}
