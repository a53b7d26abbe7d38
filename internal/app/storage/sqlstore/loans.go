package sqlstore

import (
	"context"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/campuslib/library_service/internal/app/domain/book"
	"github.com/campuslib/library_service/internal/app/domain/loan"
	"github.com/campuslib/library_service/internal/app/storage"
)

const loanColumns = `br.id, br.user_id, br.book_id, br.borrow_date, br.due_date, br.return_date,
	br.fine, br.fine_status, br.last_notice, br.notified_at`

const viewSelect = `SELECT ` + loanColumns + `,
	b.title AS book_title, b.author AS book_author, b.description AS book_description,
	u.name AS user_name, u.email AS user_email
	FROM borrow_records br
	JOIN books b ON b.id = br.book_id
	JOIN users u ON u.id = br.user_id`

func (s *Store) activeLoan(ctx context.Context, tx *sqlx.Tx, userID, bookID int64) (loan.Record, error) {
	var rec loan.Record
	err := tx.GetContext(ctx, &rec, s.rebind(`SELECT `+loanColumns+`
		FROM borrow_records br
		WHERE br.user_id = ? AND br.book_id = ? AND br.return_date IS NULL`), userID, bookID)
	if err != nil {
		return loan.Record{}, notFound(err)
	}
	return rec, nil
}

func (s *Store) Borrow(ctx context.Context, userID, bookID int64, borrowedAt, dueAt time.Time) (loan.Record, book.Book, error) {
	var (
		rec loan.Record
		b   book.Book
	)
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		b, err = s.lockBook(ctx, tx, bookID)
		if err != nil {
			return err
		}
		if b.Quantity < 1 || !b.Available {
			return storage.ErrOutOfStock
		}
		if _, err := s.activeLoan(ctx, tx, userID, bookID); err == nil {
			return storage.ErrActiveLoan
		} else if !errors.Is(err, storage.ErrNotFound) {
			return err
		}

		rec = loan.Record{
			UserID:     userID,
			BookID:     bookID,
			BorrowedAt: utc(borrowedAt),
			DueAt:      utc(dueAt),
			FineStatus: loan.FineUnpaid,
		}
		err = tx.QueryRowxContext(ctx, s.rebind(`
			INSERT INTO borrow_records (user_id, book_id, borrow_date, due_date, fine, fine_status, last_notice)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			RETURNING id
		`), userID, bookID, rec.BorrowedAt, rec.DueAt, 0, string(loan.FineUnpaid), string(loan.NoticeNone)).Scan(&rec.ID)
		if err != nil {
			if isUniqueViolation(err) {
				return storage.ErrActiveLoan
			}
			return err
		}

		b.Quantity--
		b.Recompute()
		return s.saveQuantity(ctx, tx, b)
	})
	if err != nil {
		return loan.Record{}, b, err
	}
	return rec, b, nil
}

func (s *Store) Return(ctx context.Context, userID, bookID int64, returnedAt time.Time, fine storage.FineFunc, policy book.AvailabilityPolicy) (loan.Record, book.Book, error) {
	var (
		rec loan.Record
		b   book.Book
	)
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		b, err = s.lockBook(ctx, tx, bookID)
		if errors.Is(err, storage.ErrNotFound) {
			return storage.ErrNoActiveLoan
		} else if err != nil {
			return err
		}
		rec, err = s.activeLoan(ctx, tx, userID, bookID)
		if errors.Is(err, storage.ErrNotFound) {
			return storage.ErrNoActiveLoan
		} else if err != nil {
			return err
		}

		at := utc(returnedAt)
		rec.ReturnedAt = &at
		if fine != nil {
			rec.Fine = fine(rec, returnedAt)
		}
		if _, err := tx.ExecContext(ctx, s.rebind(`
			UPDATE borrow_records SET return_date = ?, fine = ? WHERE id = ?
		`), at, rec.Fine, rec.ID); err != nil {
			return err
		}

		b.Quantity++
		b.Available = policy.AfterReturn(b.Quantity)
		return s.saveQuantity(ctx, tx, b)
	})
	if err != nil {
		return loan.Record{}, book.Book{}, err
	}
	return rec, b, nil
}

func (s *Store) SettleFines(ctx context.Context, userID int64) (int64, error) {
	result, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE borrow_records SET fine_status = ?
		WHERE user_id = ? AND fine > 0 AND fine_status = ?
	`), string(loan.FinePaid), userID, string(loan.FineUnpaid))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *Store) selectViews(ctx context.Context, where string, args ...interface{}) ([]loan.View, error) {
	query := viewSelect
	if where != "" {
		query += " WHERE " + where
	}
	query += " ORDER BY br.borrow_date DESC, br.id DESC"

	out := []loan.View{}
	if err := s.db.SelectContext(ctx, &out, s.rebind(query), args...); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) ListLoansForUser(ctx context.Context, userID int64) ([]loan.View, error) {
	return s.selectViews(ctx, "br.user_id = ?", userID)
}

func (s *Store) ListAllLoans(ctx context.Context) ([]loan.View, error) {
	return s.selectViews(ctx, "")
}

func (s *Store) ListOpenLoansDueBefore(ctx context.Context, t time.Time) ([]loan.View, error) {
	return s.selectViews(ctx, "br.return_date IS NULL AND br.due_date < ?", utc(t))
}

func (s *Store) MarkNotified(ctx context.Context, loanID int64, notice loan.Notice, at time.Time) error {
	result, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE borrow_records SET last_notice = ?, notified_at = ? WHERE id = ?
	`), string(notice), utc(at), loanID)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return storage.ErrNotFound
	}
	return nil
}
