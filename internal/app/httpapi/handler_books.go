package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/campuslib/library_service/internal/app/domain/book"
	"github.com/campuslib/library_service/internal/app/services/catalog"
	svcerrors "github.com/campuslib/library_service/internal/errors"
	"github.com/campuslib/library_service/internal/httputil"
)

// pathID parses a numeric route variable.
func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(mux.Vars(r)[name], 10, 64)
	if err != nil || id <= 0 {
		return 0, svcerrors.Validationf("Invalid %s", name)
	}
	return id, nil
}

type bookPayload struct {
	Title       *string  `json:"title"`
	Author      *string  `json:"author"`
	Description *string  `json:"description"`
	Price       *float64 `json:"price"`
	Quantity    *int     `json:"quantity"`
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func (h *handler) listBooks(w http.ResponseWriter, r *http.Request) {
	books, err := h.app.Catalog.List(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"count":   len(books),
		"books":   books,
	})
}

func (h *handler) getBook(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	b, err := h.app.Catalog.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"success": true, "book": b})
}

func (h *handler) createBook(w http.ResponseWriter, r *http.Request) {
	var payload bookPayload
	if err := httputil.DecodeJSON(r, &payload); err != nil {
		h.fail(w, r, err)
		return
	}
	created, err := h.app.Catalog.Create(r.Context(), catalog.Input{
		Title:       deref(payload.Title),
		Author:      deref(payload.Author),
		Description: deref(payload.Description),
		Price:       payload.Price,
		Quantity:    payload.Quantity,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, map[string]interface{}{
		"success": true,
		"message": "Book added successfully",
		"bookId":  created.ID,
		"book":    created,
	})
}

func (h *handler) updateBook(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var payload bookPayload
	if err := httputil.DecodeJSON(r, &payload); err != nil {
		h.fail(w, r, err)
		return
	}
	updated, err := h.app.Catalog.Update(r.Context(), id, book.Update{
		Title:       payload.Title,
		Author:      payload.Author,
		Description: payload.Description,
		Price:       payload.Price,
		Quantity:    payload.Quantity,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Book updated successfully",
		"book":    updated,
	})
}

func (h *handler) deleteBook(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.app.Catalog.Delete(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteMessage(w, http.StatusOK, "Book deleted successfully!")
}
