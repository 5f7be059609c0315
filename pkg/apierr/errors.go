// Package apierr defines the stable error taxonomy surfaced to API callers.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is an API error with a stable machine-readable code and an HTTP
// status. Codes are part of the public contract and must not change.
type Error struct {
	Code    string `json:"code"`
	Status  int    `json:"-"`
	Message string `json:"message"`
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error {
	return e.cause
}

// Is matches errors by code so sentinel comparisons survive wrapping.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

// WithCause returns a copy of the error carrying an underlying cause.
func (e *Error) WithCause(err error) *Error {
	return &Error{Code: e.Code, Status: e.Status, Message: e.Message, cause: err}
}

// WithStatus returns a copy of the error carrying a different HTTP status.
// LICENSE_NOT_FOUND is 401 during resolution but 404 on activation.
func (e *Error) WithStatus(status int) *Error {
	return &Error{Code: e.Code, Status: status, Message: e.Message, cause: e.cause}
}

// WithMessage returns a copy of the error with a caller-facing message.
func (e *Error) WithMessage(msg string) *Error {
	return &Error{Code: e.Code, Status: e.Status, Message: msg, cause: e.cause}
}

// New creates an error with the given code, status and message.
func New(code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message}
}

// Authentication failures (401).
var (
	ErrMissingAuth     = New("MISSING_AUTH", http.StatusUnauthorized, "no credentials provided")
	ErrLicenseNotFound = New("LICENSE_NOT_FOUND", http.StatusUnauthorized, "license key not recognized")
	ErrAuth            = New("AUTH_ERROR", http.StatusInternalServerError, "authentication failed")
)

// Authorization and conflict failures (403).
var (
	ErrLicenseSiteMismatch     = New("LICENSE_SITE_MISMATCH", http.StatusForbidden, "site is bound to a different license")
	ErrLicenseOrgMismatch      = New("LICENSE_ORG_MISMATCH", http.StatusForbidden, "site belongs to a different organization")
	ErrSiteLimitReached        = New("SITE_LIMIT_REACHED", http.StatusForbidden, "active site limit reached for this license")
	ErrInsufficientPermissions = New("INSUFFICIENT_PERMISSIONS", http.StatusForbidden, "requires owner or admin role")
	ErrNoSubscription          = New("NO_SUBSCRIPTION", http.StatusForbidden, "no subscription found")
	ErrSubscriptionInactive    = New("SUBSCRIPTION_INACTIVE", http.StatusForbidden, "subscription is not active")
	ErrQuotaExhausted          = New("QUOTA_EXHAUSTED", http.StatusForbidden, "monthly token quota exhausted")
)

// Not found (404).
var (
	ErrSiteNotFound = New("SITE_NOT_FOUND", http.StatusNotFound, "site not found")
)

// Infrastructure failures (500), safe for the caller to retry.
var (
	ErrFetch      = New("FETCH_ERROR", http.StatusInternalServerError, "upstream request failed")
	ErrDisconnect = New("DISCONNECT_ERROR", http.StatusInternalServerError, "storage unavailable")
)

// FromError maps any error to an *Error, defaulting to DISCONNECT_ERROR for
// unrecognized failures so infrastructure problems never leak internals.
func FromError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return ErrDisconnect.WithCause(err)
}
