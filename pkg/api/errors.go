package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/solaius/credential-registry/pkg/lifecycle"
	"github.com/solaius/credential-registry/pkg/sentinel"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	From    string `json:"from,omitempty"`
	To      string `json:"to,omitempty"`
}

// statusFor maps an error kind to its HTTP status.
func statusFor(kind sentinel.Kind) int {
	switch kind {
	case sentinel.KindNotFound:
		return http.StatusNotFound
	case sentinel.KindConflict:
		return http.StatusConflict
	case sentinel.KindInvalidTransition:
		return http.StatusUnprocessableEntity
	case sentinel.KindValidation:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeDomainError writes err with the status its kind maps to. Internal
// errors are not echoed to the client.
func writeDomainError(w http.ResponseWriter, err error) {
	kind := sentinel.KindOf(err)
	resp := ErrorResponse{Error: string(kind), Message: err.Error()}
	if kind == sentinel.KindInternal {
		resp.Message = "internal error"
	}
	var te *lifecycle.TransitionError
	if errors.As(err, &te) {
		resp.Code = te.Code
		resp.From = te.From.String()
		resp.To = te.To.String()
	}
	writeJSON(w, statusFor(kind), resp)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, ErrorResponse{Error: kind, Message: message})
}
