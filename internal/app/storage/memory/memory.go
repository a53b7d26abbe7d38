package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/campuslib/library_service/internal/app/domain/book"
	"github.com/campuslib/library_service/internal/app/domain/loan"
	"github.com/campuslib/library_service/internal/app/domain/user"
	"github.com/campuslib/library_service/internal/app/storage"
)

// Store is an in-memory implementation of the storage interfaces. It is safe
// for concurrent use and is primarily intended for tests and local development.
// Every multi-step operation runs under one lock acquisition.
type Store struct {
	mu      sync.RWMutex
	nextID  int64
	users   map[int64]user.User
	byEmail map[string]int64
	books   map[int64]book.Book
	loans   map[int64]loan.Record
}

var _ storage.UserStore = (*Store)(nil)
var _ storage.BookStore = (*Store)(nil)
var _ storage.LoanStore = (*Store)(nil)
var _ storage.CodeStore = (*Store)(nil)
var _ storage.Pinger = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		nextID:  1,
		users:   make(map[int64]user.User),
		byEmail: make(map[string]int64),
		books:   make(map[int64]book.Book),
		loans:   make(map[int64]loan.Record),
	}
}

func (s *Store) nextIDLocked() int64 {
	id := s.nextID
	s.nextID++
	return id
}

func (s *Store) Ping(context.Context) error { return nil }

// UserStore implementation ----------------------------------------------------

func (s *Store) CreateUser(_ context.Context, u user.User) (user.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byEmail[u.Email]; exists {
		return user.User{}, storage.ErrDuplicate
	}
	u.ID = s.nextIDLocked()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	if u.Role == "" {
		u.Role = user.RoleUser
	}
	s.users[u.ID] = u
	s.byEmail[u.Email] = u.ID
	return u, nil
}

func (s *Store) UpdateUser(_ context.Context, u user.User) (user.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.users[u.ID]
	if !ok {
		return user.User{}, storage.ErrNotFound
	}
	if existing.Email != u.Email {
		if _, taken := s.byEmail[u.Email]; taken {
			return user.User{}, storage.ErrDuplicate
		}
		delete(s.byEmail, existing.Email)
		s.byEmail[u.Email] = u.ID
	}
	u.CreatedAt = existing.CreatedAt
	s.users[u.ID] = u
	return u, nil
}

func (s *Store) GetUser(_ context.Context, id int64) (user.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return user.User{}, storage.ErrNotFound
	}
	return u, nil
}

func (s *Store) GetUserByEmail(_ context.Context, email string) (user.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byEmail[email]
	if !ok {
		return user.User{}, storage.ErrNotFound
	}
	return s.users[id], nil
}

func (s *Store) GetUserByResetToken(_ context.Context, tokenHash string) (user.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, u := range s.users {
		if u.ResetTokenHash != nil && *u.ResetTokenHash == tokenHash {
			return u, nil
		}
	}
	return user.User{}, storage.ErrNotFound
}

func (s *Store) DeleteUser(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return storage.ErrNotFound
	}
	s.deleteUserLocked(u)
	return nil
}

func (s *Store) DeleteUnverifiedByEmail(_ context.Context, email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byEmail[email]; ok && !s.users[id].Verified && !s.hasActiveLoanLocked(id) {
		s.deleteUserLocked(s.users[id])
	}
	return nil
}

func (s *Store) DeleteExpiredUnverified(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for _, u := range s.users {
		if u.Verified || u.VerificationExpiresAt == nil || !u.VerificationExpiresAt.Before(now) {
			continue
		}
		if s.hasActiveLoanLocked(u.ID) {
			continue
		}
		s.deleteUserLocked(u)
		removed++
	}
	return removed, nil
}

// hasActiveLoanLocked keeps unverified accounts holding a copy out of the
// cleanup paths, so the loan can still be returned.
func (s *Store) hasActiveLoanLocked(userID int64) bool {
	for _, rec := range s.loans {
		if rec.UserID == userID && rec.Active() {
			return true
		}
	}
	return false
}

func (s *Store) deleteUserLocked(u user.User) {
	for id, rec := range s.loans {
		if rec.UserID == u.ID {
			delete(s.loans, id)
		}
	}
	delete(s.byEmail, u.Email)
	delete(s.users, u.ID)
}

func (s *Store) ListUserSummaries(_ context.Context) ([]user.Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summaries := make(map[int64]*user.Summary, len(s.users))
	out := make([]user.Summary, 0, len(s.users))
	for _, u := range s.users {
		summaries[u.ID] = &user.Summary{User: u}
	}
	for _, rec := range s.loans {
		sum, ok := summaries[rec.UserID]
		if !ok {
			continue
		}
		sum.TotalLoans++
		if rec.Active() {
			sum.ActiveLoans++
		}
		if rec.Fine > 0 && rec.FineStatus == loan.FineUnpaid {
			sum.UnpaidFines += rec.Fine
		}
	}
	for _, sum := range summaries {
		out = append(out, *sum)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// CodeStore implementation ----------------------------------------------------

func (s *Store) PutCode(_ context.Context, email, code string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byEmail[email]
	if !ok {
		return storage.ErrNotFound
	}
	u := s.users[id]
	u.VerificationCode = &code
	u.VerificationExpiresAt = &expiresAt
	s.users[id] = u
	return nil
}

func (s *Store) GetCode(_ context.Context, email string) (string, time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byEmail[email]
	if !ok {
		return "", time.Time{}, storage.ErrNotFound
	}
	u := s.users[id]
	if u.VerificationCode == nil || u.VerificationExpiresAt == nil {
		return "", time.Time{}, storage.ErrNotFound
	}
	return *u.VerificationCode, *u.VerificationExpiresAt, nil
}

func (s *Store) DeleteCode(_ context.Context, email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byEmail[email]; ok {
		u := s.users[id]
		u.VerificationCode = nil
		if u.Verified {
			u.VerificationExpiresAt = nil
		}
		s.users[id] = u
	}
	return nil
}

func (s *Store) ConsumeCode(_ context.Context, email, code string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byEmail[email]
	if !ok {
		return false, nil
	}
	u := s.users[id]
	if u.VerificationCode == nil || *u.VerificationCode != code {
		return false, nil
	}
	u.VerificationCode = nil
	if u.Verified {
		u.VerificationExpiresAt = nil
	}
	s.users[id] = u
	return true, nil
}

// BookStore implementation ----------------------------------------------------

func (s *Store) CreateBook(_ context.Context, b book.Book) (book.Book, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b.ID = s.nextIDLocked()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	b.Recompute()
	s.books[b.ID] = b
	return b, nil
}

func (s *Store) GetBook(_ context.Context, id int64) (book.Book, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.books[id]
	if !ok {
		return book.Book{}, storage.ErrNotFound
	}
	return b, nil
}

func (s *Store) ListBooks(_ context.Context) ([]book.Book, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]book.Book, 0, len(s.books))
	for _, b := range s.books {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) UpdateBook(_ context.Context, id int64, upd book.Update) (book.Book, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.books[id]
	if !ok {
		return book.Book{}, storage.ErrNotFound
	}
	if upd.Quantity != nil {
		if borrowed := s.activeForBookLocked(id); *upd.Quantity < borrowed {
			return book.Book{}, &storage.QuantityFloorError{Requested: *upd.Quantity, Borrowed: borrowed}
		}
	}
	updated := upd.Apply(existing)
	s.books[id] = updated
	return updated, nil
}

func (s *Store) DeleteBook(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.books[id]; !ok {
		return storage.ErrNotFound
	}
	if s.activeForBookLocked(id) > 0 {
		return storage.ErrBookBorrowed
	}
	for loanID, rec := range s.loans {
		if rec.BookID == id {
			delete(s.loans, loanID)
		}
	}
	delete(s.books, id)
	return nil
}

func (s *Store) activeForBookLocked(bookID int64) int {
	n := 0
	for _, rec := range s.loans {
		if rec.BookID == bookID && rec.Active() {
			n++
		}
	}
	return n
}

// LoanStore implementation ----------------------------------------------------

func (s *Store) Borrow(_ context.Context, userID, bookID int64, borrowedAt, dueAt time.Time) (loan.Record, book.Book, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[userID]; !ok {
		return loan.Record{}, book.Book{}, storage.ErrNotFound
	}
	b, ok := s.books[bookID]
	if !ok {
		return loan.Record{}, book.Book{}, storage.ErrNotFound
	}
	if b.Quantity < 1 || !b.Available {
		return loan.Record{}, b, storage.ErrOutOfStock
	}
	if _, active := s.activeLoanLocked(userID, bookID); active {
		return loan.Record{}, b, storage.ErrActiveLoan
	}

	rec := loan.Record{
		ID:         s.nextIDLocked(),
		UserID:     userID,
		BookID:     bookID,
		BorrowedAt: borrowedAt,
		DueAt:      dueAt,
		FineStatus: loan.FineUnpaid,
	}
	s.loans[rec.ID] = rec

	b.Quantity--
	b.Recompute()
	s.books[bookID] = b
	return rec, b, nil
}

func (s *Store) Return(_ context.Context, userID, bookID int64, returnedAt time.Time, fine storage.FineFunc, policy book.AvailabilityPolicy) (loan.Record, book.Book, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.activeLoanLocked(userID, bookID)
	if !ok {
		return loan.Record{}, book.Book{}, storage.ErrNoActiveLoan
	}
	b, ok := s.books[bookID]
	if !ok {
		return loan.Record{}, book.Book{}, storage.ErrNotFound
	}

	rec.ReturnedAt = &returnedAt
	if fine != nil {
		rec.Fine = fine(rec, returnedAt)
	}
	s.loans[rec.ID] = rec

	b.Quantity++
	b.Available = policy.AfterReturn(b.Quantity)
	s.books[bookID] = b
	return rec, b, nil
}

func (s *Store) activeLoanLocked(userID, bookID int64) (loan.Record, bool) {
	for _, rec := range s.loans {
		if rec.UserID == userID && rec.BookID == bookID && rec.Active() {
			return rec, true
		}
	}
	return loan.Record{}, false
}

func (s *Store) SettleFines(_ context.Context, userID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var settled int64
	for id, rec := range s.loans {
		if rec.UserID == userID && rec.Fine > 0 && rec.FineStatus == loan.FineUnpaid {
			rec.FineStatus = loan.FinePaid
			s.loans[id] = rec
			settled++
		}
	}
	return settled, nil
}

func (s *Store) ListLoansForUser(_ context.Context, userID int64) ([]loan.View, error) {
	return s.views(func(rec loan.Record) bool { return rec.UserID == userID }), nil
}

func (s *Store) ListAllLoans(_ context.Context) ([]loan.View, error) {
	return s.views(func(loan.Record) bool { return true }), nil
}

func (s *Store) ListOpenLoansDueBefore(_ context.Context, t time.Time) ([]loan.View, error) {
	return s.views(func(rec loan.Record) bool { return rec.Active() && rec.DueAt.Before(t) }), nil
}

func (s *Store) MarkNotified(_ context.Context, loanID int64, notice loan.Notice, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.loans[loanID]
	if !ok {
		return storage.ErrNotFound
	}
	rec.LastNotice = notice
	rec.NotifiedAt = &at
	s.loans[loanID] = rec
	return nil
}

func (s *Store) views(keep func(loan.Record) bool) []loan.View {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]loan.View, 0)
	for _, rec := range s.loans {
		if !keep(rec) {
			continue
		}
		b := s.books[rec.BookID]
		u := s.users[rec.UserID]
		out = append(out, loan.View{
			Record:          rec,
			BookTitle:       b.Title,
			BookAuthor:      b.Author,
			BookDescription: b.Description,
			UserName:        u.Name,
			UserEmail:       u.Email,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BorrowedAt.Equal(out[j].BorrowedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].BorrowedAt.After(out[j].BorrowedAt)
	})
	return out
}
