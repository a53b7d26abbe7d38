package httpapi

import (
	"net/http"
	"strconv"

	"github.com/campuslib/library_service/internal/app/services/accounts"
	"github.com/campuslib/library_service/internal/httputil"
)

func (h *handler) listUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.app.Accounts.ListUsers(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"count":   len(users),
		"users":   users,
	})
}

func (h *handler) createAdmin(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Name      string `json:"name"`
		Email     string `json:"email"`
		Password  string `json:"password"`
		Phone     string `json:"phone"`
		AvatarURL string `json:"avatar_url"`
	}
	if err := httputil.DecodeJSON(r, &payload); err != nil {
		h.fail(w, r, err)
		return
	}
	admin, err := h.app.Accounts.CreateAdmin(r.Context(), accounts.AdminInput{
		Name:      payload.Name,
		Email:     payload.Email,
		Password:  payload.Password,
		Phone:     payload.Phone,
		AvatarURL: payload.AvatarURL,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	avatar := "No avatar uploaded"
	if admin.AvatarURL != nil {
		avatar = *admin.AvatarURL
	}
	httputil.WriteJSON(w, http.StatusCreated, map[string]interface{}{
		"success": true,
		"message": "New Admin registered successfully!",
		"adminId": admin.ID,
		"avatar":  avatar,
	})
}

func (h *handler) promote(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	u, err := h.app.Accounts.Promote(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "User promoted to admin successfully",
		"user":    profileOf(u),
	})
}

func (h *handler) auditTrail(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries := h.audit.listLimit(limit)
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"count":   len(entries),
		"entries": entries,
	})
}
