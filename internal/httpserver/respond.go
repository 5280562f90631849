package httpserver

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/adimov-eth/vibecheck-sub003/internal/apperr"
)

// Respond writes a JSON response with the given status code.
func Respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if data == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("encoding response", "error", err)
	}
}

// ErrorResponse is the standard JSON error envelope.
type ErrorResponse struct {
	Error      string `json:"error"`
	Message    string `json:"message,omitempty"`
	RetryAfter *int   `json:"retryAfter,omitempty"`
}

// RespondError writes a JSON error response.
func RespondError(w http.ResponseWriter, status int, code string, message string) {
	Respond(w, status, ErrorResponse{Error: code, Message: message})
}

// RespondAppError translates an *apperr.Error into its mapped HTTP status
// and JSON error envelope, including RetryAfter when the error carries one.
func RespondAppError(w http.ResponseWriter, err error) {
	appErr, ok := apperr.As(err)
	if !ok {
		RespondError(w, http.StatusInternalServerError, string(apperr.Unexpected), "internal error")
		return
	}

	resp := ErrorResponse{Error: string(appErr.Code), Message: appErr.Message}
	if appErr.RetryAfter > 0 {
		seconds := appErr.RetryAfter
		resp.RetryAfter = &seconds
	}
	Respond(w, apperr.Status(appErr), resp)
}
