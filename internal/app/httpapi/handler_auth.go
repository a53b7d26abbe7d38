package httpapi

import (
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/campuslib/library_service/internal/app/domain/user"
	svcerrors "github.com/campuslib/library_service/internal/errors"
	"github.com/campuslib/library_service/internal/httputil"
	"github.com/campuslib/library_service/internal/middleware"
)

// profile is the public projection of a user.
type profile struct {
	ID    int64     `json:"id"`
	Name  string    `json:"name"`
	Email string    `json:"email"`
	Role  user.Role `json:"role"`
}

func profileOf(u user.User) profile {
	return profile{ID: u.ID, Name: u.Name, Email: u.Email, Role: u.Role}
}

type sessionResponse struct {
	Success bool    `json:"success"`
	Message string  `json:"message"`
	User    profile `json:"user"`
}

// startSession sets the session cookie for u and writes the profile.
func (h *handler) startSession(w http.ResponseWriter, r *http.Request, u user.User, message string) {
	token, expires, err := h.sessions.Issue(u)
	if err != nil {
		h.fail(w, r, svcerrors.Internal("", err))
		return
	}
	http.SetCookie(w, h.sessions.Cookie(token, expires))
	httputil.WriteJSON(w, http.StatusOK, sessionResponse{Success: true, Message: message, User: profileOf(u)})
}

func (h *handler) register(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Name     string `json:"name"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := httputil.DecodeJSON(r, &payload); err != nil {
		h.fail(w, r, err)
		return
	}
	created, err := h.app.Accounts.Register(r.Context(), payload.Name, payload.Email, payload.Password)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, map[string]interface{}{
		"success": true,
		"message": fmt.Sprintf("Verification code sent to %s successfully!", created.Email),
		"userId":  created.ID,
	})
}

func (h *handler) verifyOTP(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Email string `json:"email"`
		OTP   string `json:"otp"`
	}
	if err := httputil.DecodeJSON(r, &payload); err != nil {
		h.fail(w, r, err)
		return
	}
	u, err := h.app.Accounts.VerifyOTP(r.Context(), payload.Email, payload.OTP)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.startSession(w, r, u, "Account verified successfully! You are now logged in.")
}

func (h *handler) login(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := httputil.DecodeJSON(r, &payload); err != nil {
		h.fail(w, r, err)
		return
	}
	u, err := h.app.Accounts.Authenticate(r.Context(), payload.Email, payload.Password)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.startSession(w, r, u, "Login successful")
}

func (h *handler) logout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, h.sessions.ClearCookie())
	httputil.WriteMessage(w, http.StatusOK, "Logged out successfully")
}

func (h *handler) me(w http.ResponseWriter, r *http.Request) {
	u, err := middleware.MustUser(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"user":    profileOf(u),
	})
}

func (h *handler) forgotPassword(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Email string `json:"email"`
	}
	if err := httputil.DecodeJSON(r, &payload); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.app.Accounts.RequestPasswordReset(r.Context(), payload.Email); err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteMessage(w, http.StatusOK,
		fmt.Sprintf("Password reset link sent to %s successfully!", user.NormalizeEmail(payload.Email)))
}

func (h *handler) resetPassword(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Password        string `json:"password"`
		ConfirmPassword string `json:"confirmPassword"`
	}
	if err := httputil.DecodeJSON(r, &payload); err != nil {
		h.fail(w, r, err)
		return
	}
	u, err := h.app.Accounts.ResetPassword(r.Context(), mux.Vars(r)["token"], payload.Password, payload.ConfirmPassword)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.startSession(w, r, u, "Password reset successfully! You are now logged in.")
}

func (h *handler) updatePassword(w http.ResponseWriter, r *http.Request) {
	caller, err := middleware.MustUser(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var payload struct {
		OldPassword     string `json:"oldPassword"`
		NewPassword     string `json:"newPassword"`
		ConfirmPassword string `json:"confirmPassword"`
	}
	if err := httputil.DecodeJSON(r, &payload); err != nil {
		h.fail(w, r, err)
		return
	}
	u, err := h.app.Accounts.UpdatePassword(r.Context(), caller.ID, payload.OldPassword, payload.NewPassword, payload.ConfirmPassword)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.startSession(w, r, u, "Password updated successfully!")
}
