package sqlstore

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/campuslib/library_service/internal/app/domain/book"
	"github.com/campuslib/library_service/internal/app/storage"
)

const bookColumns = `id, title, author, description, price, quantity, is_available, created_at`

func (s *Store) CreateBook(ctx context.Context, b book.Book) (book.Book, error) {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now()
	}
	b.CreatedAt = utc(b.CreatedAt)
	b.Recompute()

	err := s.db.QueryRowxContext(ctx, s.rebind(`
		INSERT INTO books (title, author, description, price, quantity, is_available, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`), b.Title, b.Author, b.Description, b.Price, b.Quantity, b.Available, b.CreatedAt).Scan(&b.ID)
	if err != nil {
		return book.Book{}, err
	}
	return b, nil
}

func (s *Store) GetBook(ctx context.Context, id int64) (book.Book, error) {
	var b book.Book
	if err := s.db.GetContext(ctx, &b, s.rebind(`SELECT `+bookColumns+` FROM books WHERE id = ?`), id); err != nil {
		return book.Book{}, notFound(err)
	}
	return b, nil
}

func (s *Store) ListBooks(ctx context.Context) ([]book.Book, error) {
	out := []book.Book{}
	if err := s.db.SelectContext(ctx, &out, `SELECT `+bookColumns+` FROM books ORDER BY created_at DESC, id DESC`); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) lockBook(ctx context.Context, tx *sqlx.Tx, id int64) (book.Book, error) {
	var b book.Book
	err := tx.GetContext(ctx, &b, s.rebind(`SELECT `+bookColumns+` FROM books WHERE id = ?`+s.forUpdate()), id)
	if err != nil {
		return book.Book{}, notFound(err)
	}
	return b, nil
}

func (s *Store) activeLoansForBook(ctx context.Context, tx *sqlx.Tx, id int64) (int, error) {
	var n int
	err := tx.GetContext(ctx, &n, s.rebind(`SELECT COUNT(*) FROM borrow_records WHERE book_id = ? AND return_date IS NULL`), id)
	return n, err
}

func (s *Store) saveQuantity(ctx context.Context, tx *sqlx.Tx, b book.Book) error {
	_, err := tx.ExecContext(ctx, s.rebind(`UPDATE books SET quantity = ?, is_available = ? WHERE id = ?`), b.Quantity, b.Available, b.ID)
	return err
}

func (s *Store) UpdateBook(ctx context.Context, id int64, upd book.Update) (book.Book, error) {
	var updated book.Book
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		existing, err := s.lockBook(ctx, tx, id)
		if err != nil {
			return err
		}
		if upd.Quantity != nil {
			borrowed, err := s.activeLoansForBook(ctx, tx, id)
			if err != nil {
				return err
			}
			if *upd.Quantity < borrowed {
				return &storage.QuantityFloorError{Requested: *upd.Quantity, Borrowed: borrowed}
			}
		}
		updated = upd.Apply(existing)
		_, err = tx.ExecContext(ctx, s.rebind(`
			UPDATE books
			SET title = ?, author = ?, description = ?, price = ?, quantity = ?, is_available = ?
			WHERE id = ?
		`), updated.Title, updated.Author, updated.Description, updated.Price, updated.Quantity, updated.Available, id)
		return err
	})
	if err != nil {
		return book.Book{}, err
	}
	return updated, nil
}

func (s *Store) DeleteBook(ctx context.Context, id int64) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := s.lockBook(ctx, tx, id); err != nil {
			return err
		}
		borrowed, err := s.activeLoansForBook(ctx, tx, id)
		if err != nil {
			return err
		}
		if borrowed > 0 {
			return storage.ErrBookBorrowed
		}
		if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM borrow_records WHERE book_id = ?`), id); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, s.rebind(`DELETE FROM books WHERE id = ?`), id)
		return err
	})
}
