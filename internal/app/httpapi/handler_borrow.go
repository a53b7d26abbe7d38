package httpapi

import (
	"net/http"

	"github.com/campuslib/library_service/internal/app/services/circulation"
	"github.com/campuslib/library_service/internal/httputil"
	"github.com/campuslib/library_service/internal/middleware"
)

type onBehalfPayload struct {
	Email string `json:"email"`
}

// lifecycleRequest extracts the actor, the optional borrower email and the
// book id shared by borrow and return.
func (h *handler) lifecycleRequest(r *http.Request) (circulation.Actor, string, int64, error) {
	caller, err := middleware.MustUser(r.Context())
	if err != nil {
		return circulation.Actor{}, "", 0, err
	}
	bookID, err := pathID(r, "bookId")
	if err != nil {
		return circulation.Actor{}, "", 0, err
	}
	var payload onBehalfPayload
	if err := httputil.DecodeJSON(r, &payload); err != nil {
		return circulation.Actor{}, "", 0, err
	}
	actor := circulation.Actor{ID: caller.ID, Email: caller.Email, Role: caller.Role}
	return actor, payload.Email, bookID, nil
}

func (h *handler) borrow(w http.ResponseWriter, r *http.Request) {
	actor, email, bookID, err := h.lifecycleRequest(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	receipt, err := h.app.Circulation.Borrow(r.Context(), actor, email, bookID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": receipt.Message,
		"record":  receipt.Loan,
	})
}

func (h *handler) returnBook(w http.ResponseWriter, r *http.Request) {
	actor, email, bookID, err := h.lifecycleRequest(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	receipt, err := h.app.Circulation.Return(r.Context(), actor, email, bookID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": receipt.Message,
		"fine":    receipt.Loan.Fine,
		"record":  receipt.Loan,
	})
}

func (h *handler) myBooks(w http.ResponseWriter, r *http.Request) {
	caller, err := middleware.MustUser(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	loans, err := h.app.Circulation.LoansFor(r.Context(), caller.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"count":   len(loans),
		"books":   loans,
	})
}

func (h *handler) allLoans(w http.ResponseWriter, r *http.Request) {
	loans, err := h.app.Circulation.AllLoans(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"count":   len(loans),
		"records": loans,
	})
}

func (h *handler) settleFines(w http.ResponseWriter, r *http.Request) {
	userID, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if _, err := h.app.Circulation.SettleFines(r.Context(), userID); err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteMessage(w, http.StatusOK, "Fines settled successfully! The student's dues are now clear.")
}
