// Package apperr implements the error taxonomy: a stable, machine-readable
// code plus a user-safe message, with an HTTP status mapping so handlers
// never have to hand-pick status codes for domain failures.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable, machine-readable error identifier.
type Code string

const (
	// Auth
	MissingToken          Code = "missing_token"
	InvalidToken          Code = "invalid_token"
	ExpiredToken          Code = "expired_token"
	InvalidIdentityToken  Code = "invalid_identity_token"
	AuthChallengeRequired Code = "auth_challenge_required"
	AccountLocked         Code = "account_locked"

	// Authorization
	Forbidden Code = "forbidden"

	// NotFound
	UserNotFound         Code = "user_not_found"
	ConversationNotFound Code = "conversation_not_found"
	AudioNotFound        Code = "audio_not_found"

	// Validation
	BadRequest     Code = "bad_request"
	DuplicateAudio Code = "duplicate_audio"
	TooManyAudios  Code = "too_many_audios"

	// Limits
	QuotaExceeded Code = "quota_exceeded"
	RateLimited   Code = "rate_limited"

	// Upstream
	IdentityProviderError Code = "identity_provider_error"
	TranscriptionError    Code = "transcription_error"
	AnalysisError         Code = "analysis_error"
	KvUnavailable         Code = "kv_unavailable"
	ServiceDegraded       Code = "service_degraded"

	// Internal
	Unexpected Code = "unexpected"
)

// statusByCode maps each taxonomy code to the HTTP status a handler should
// respond with. Codes absent from this map are treated as 500.
var statusByCode = map[Code]int{
	MissingToken:          http.StatusUnauthorized,
	InvalidToken:          http.StatusUnauthorized,
	ExpiredToken:          http.StatusUnauthorized,
	InvalidIdentityToken:  http.StatusUnauthorized,
	AuthChallengeRequired: http.StatusUnauthorized,
	AccountLocked:         http.StatusUnauthorized,

	Forbidden: http.StatusForbidden,

	UserNotFound:         http.StatusNotFound,
	ConversationNotFound: http.StatusNotFound,
	AudioNotFound:        http.StatusNotFound,

	BadRequest:     http.StatusBadRequest,
	DuplicateAudio: http.StatusConflict,
	TooManyAudios:  http.StatusConflict,

	QuotaExceeded: http.StatusTooManyRequests,
	RateLimited:   http.StatusTooManyRequests,

	IdentityProviderError: http.StatusBadGateway,
	TranscriptionError:    http.StatusBadGateway,
	AnalysisError:         http.StatusBadGateway,
	KvUnavailable:         http.StatusServiceUnavailable,
	ServiceDegraded:       http.StatusServiceUnavailable,

	Unexpected: http.StatusInternalServerError,
}

// Error is the concrete error type carried through the system. Message is
// safe to show to the caller; wrap with %w to attach an internal cause that
// is logged but never serialized to the client.
type Error struct {
	Code       Code
	Message    string
	RetryAfter int // seconds; 0 means "not applicable"
	cause      error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates an Error with no wrapped cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap creates an Error that wraps an internal cause. The cause is not part
// of the string a client sees when Status/Message below are used to render
// a response; callers should log `err` directly for the full cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// WithRetryAfter attaches retry advice (in seconds) to a Limits-category error.
func (e *Error) WithRetryAfter(seconds int) *Error {
	e.RetryAfter = seconds
	return e
}

// Status returns the HTTP status code for err if it is (or wraps) an *Error,
// otherwise 500.
func Status(err error) int {
	var ae *Error
	if errors.As(err, &ae) {
		if s, ok := statusByCode[ae.Code]; ok {
			return s
		}
	}
	return http.StatusInternalServerError
}

// As extracts the *Error from err, if any.
func As(err error) (*Error, bool) {
	var ae *Error
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}
