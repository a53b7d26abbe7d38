// Package httputil holds the JSON envelope helpers shared by the HTTP
// handlers and middleware.
package httputil

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"

	svcerrors "github.com/campuslib/library_service/internal/errors"
)

// maxBodyBytes bounds request bodies decoded by DecodeJSON.
const maxBodyBytes = 1 << 20

// Envelope is the body shape of every non-payload response.
type Envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// WriteJSON writes data as JSON with the given status.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// WriteMessage writes a success envelope.
func WriteMessage(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, Envelope{Success: true, Message: message})
}

// WriteError writes a failure envelope for err. Unclassified errors are
// reported as 500 with a generic message.
func WriteError(w http.ResponseWriter, err error) {
	WriteJSON(w, svcerrors.HTTPStatus(err), Envelope{Success: false, Message: svcerrors.PublicMessage(err)})
}

// WriteStatus writes a failure envelope with an explicit status.
func WriteStatus(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, Envelope{Success: false, Message: message})
}

// Unauthorized writes a 401 envelope.
func Unauthorized(w http.ResponseWriter, message string) {
	if message == "" {
		message = "User is not authenticated"
	}
	WriteStatus(w, http.StatusUnauthorized, message)
}

// DecodeJSON decodes a bounded request body into dst. An empty body leaves
// dst untouched.
func DecodeJSON(r *http.Request, dst interface{}) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		if err == io.EOF {
			return nil
		}
		return svcerrors.Wrap(svcerrors.KindValidation, "Invalid request body", err)
	}
	return nil
}

// ClientIP returns the caller address, honouring X-Forwarded-For.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first := strings.TrimSpace(strings.Split(fwd, ",")[0]); first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
