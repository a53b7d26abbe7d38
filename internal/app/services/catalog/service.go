// Package catalog manages the book inventory.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/campuslib/library_service/internal/app/domain/book"
	"github.com/campuslib/library_service/internal/app/storage"
	svcerrors "github.com/campuslib/library_service/internal/errors"
	"github.com/campuslib/library_service/internal/logging"
)

// Input describes a new book.
type Input struct {
	Title       string
	Author      string
	Description string
	Price       *float64
	Quantity    *int
}

// Service exposes catalog operations.
type Service struct {
	books storage.BookStore
	now   func() time.Time
	log   *logging.Logger
}

// New constructs a catalog service.
func New(books storage.BookStore, log *logging.Logger) *Service {
	if log == nil {
		log = logging.NewDefault("catalog")
	}
	return &Service{books: books, now: time.Now, log: log}
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

func notFound(id int64) error {
	return svcerrors.NotFound(fmt.Sprintf("Book not found with ID: %d", id))
}

// Create adds a book. Availability follows the initial quantity.
func (s *Service) Create(ctx context.Context, in Input) (book.Book, error) {
	title := strings.TrimSpace(in.Title)
	author := strings.TrimSpace(in.Author)
	if title == "" || author == "" || in.Price == nil || in.Quantity == nil {
		return book.Book{}, svcerrors.Validation("Please provide title, author, price, and quantity")
	}
	if *in.Price < 0 {
		return book.Book{}, svcerrors.Validation("Price cannot be negative")
	}
	if *in.Quantity < 0 {
		return book.Book{}, svcerrors.Validation("Quantity cannot be negative")
	}

	b := book.Book{
		Title:       title,
		Author:      author,
		Description: strings.TrimSpace(in.Description),
		Price:       *in.Price,
		Quantity:    *in.Quantity,
		CreatedAt:   s.now(),
	}
	b.Recompute()

	created, err := s.books.CreateBook(ctx, b)
	if err != nil {
		s.log.WithContext(ctx).WithError(err).Error("create book failed")
		return book.Book{}, svcerrors.Internal("", err)
	}
	s.log.WithContext(ctx).WithField("book_id", created.ID).WithField("quantity", created.Quantity).Info("book created")
	return created, nil
}

// Get returns one book.
func (s *Service) Get(ctx context.Context, id int64) (book.Book, error) {
	b, err := s.books.GetBook(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return book.Book{}, notFound(id)
	}
	if err != nil {
		return book.Book{}, svcerrors.Internal("", err)
	}
	return b, nil
}

// List returns the catalog, newest first.
func (s *Service) List(ctx context.Context) ([]book.Book, error) {
	books, err := s.books.ListBooks(ctx)
	if err != nil {
		s.log.WithContext(ctx).WithError(err).Error("list books failed")
		return nil, svcerrors.Internal("", err)
	}
	return books, nil
}

// Update edits a book. A quantity below the copies currently on loan is
// rejected with the borrowed count in the message.
func (s *Service) Update(ctx context.Context, id int64, upd book.Update) (book.Book, error) {
	if upd.Price != nil && *upd.Price < 0 {
		return book.Book{}, svcerrors.Validation("Price cannot be negative")
	}
	if upd.Quantity != nil && *upd.Quantity < 0 {
		return book.Book{}, svcerrors.Validation("Quantity cannot be negative")
	}
	if upd.Title != nil {
		t := strings.TrimSpace(*upd.Title)
		upd.Title = &t
	}
	if upd.Author != nil {
		a := strings.TrimSpace(*upd.Author)
		upd.Author = &a
	}

	updated, err := s.books.UpdateBook(ctx, id, upd)
	var floor *storage.QuantityFloorError
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrNotFound):
		return book.Book{}, notFound(id)
	case errors.As(err, &floor):
		return book.Book{}, svcerrors.Conflict(fmt.Sprintf(
			"Cannot set quantity to %d: %d copies of this book are currently borrowed", floor.Requested, floor.Borrowed))
	default:
		s.log.WithContext(ctx).WithError(err).WithField("book_id", id).Error("update book failed")
		return book.Book{}, svcerrors.Internal("", err)
	}
	s.log.WithContext(ctx).WithField("book_id", id).WithField("quantity", updated.Quantity).Info("book updated")
	return updated, nil
}

// Delete removes a book and its loan history unless a copy is out.
func (s *Service) Delete(ctx context.Context, id int64) error {
	err := s.books.DeleteBook(ctx, id)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrNotFound):
		return notFound(id)
	case errors.Is(err, storage.ErrBookBorrowed):
		return svcerrors.Conflict("Cannot delete this book because it is currently borrowed by a student.")
	default:
		s.log.WithContext(ctx).WithError(err).WithField("book_id", id).Error("delete book failed")
		return svcerrors.Internal("", err)
	}
	s.log.WithContext(ctx).WithField("book_id", id).Info("book deleted")
	return nil
}
