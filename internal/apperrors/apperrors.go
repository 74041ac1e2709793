// Package apperrors translates the token manager's recoverable-error
// taxonomy into typed Go errors and, at the HTTP boundary, into status
// codes and JSON bodies.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Code identifies one member of the token manager's error taxonomy.
type Code string

const (
	CodeEmptyPool        Code = "EMPTY_POOL"
	CodeAllLimited       Code = "ALL_LIMITED"
	CodeRefreshTransient Code = "REFRESH_TRANSIENT"
	CodeRefreshPermanent Code = "REFRESH_PERMANENT"
	CodeProjectIDFetch   Code = "PROJECT_ID_FETCH"
	CodeLoadIO           Code = "LOAD_IO"
	CodeCancelled        Code = "CANCELLED"
)

// AppError is the internal representation of a taxonomy member. It carries
// the HTTP status in Code, the machine-readable taxonomy code in Reason, an
// operator-facing Message and optional Metadata, mirroring the project's
// Status shape.
type AppError struct {
	Code     int32
	Reason   Code
	Message  string
	Metadata map[string]string
}

func (e *AppError) Error() string {
	return e.Message
}

func newAppError(httpCode int32, reason Code, message string, metadata map[string]string) *AppError {
	return &AppError{Code: httpCode, Reason: reason, Message: message, Metadata: metadata}
}

// EmptyPool builds the error returned when the account registry has no
// entries at selection time.
func EmptyPool() error {
	return newAppError(http.StatusServiceUnavailable, CodeEmptyPool, "Token pool is empty", nil)
}

// AllLimited builds the error returned when every candidate account is
// currently rate-limited, carrying the minimum wait until any of them resets.
func AllLimited(waitSeconds int64) error {
	return newAppError(http.StatusTooManyRequests, CodeAllLimited,
		fmt.Sprintf("All accounts are currently limited. Please wait %ds.", waitSeconds),
		map[string]string{"retry_after_seconds": fmt.Sprintf("%d", waitSeconds)})
}

// RefreshTransient wraps a recoverable (non-invalid_grant) refresh failure.
func RefreshTransient(msg string) error {
	return newAppError(http.StatusBadGateway, CodeRefreshTransient, msg, nil)
}

// RefreshPermanent wraps an invalid_grant refresh failure. The caller is
// responsible for disabling and evicting the account as a side effect.
func RefreshPermanent(msg string) error {
	return newAppError(http.StatusUnauthorized, CodeRefreshPermanent, msg, nil)
}

// ProjectIDFetch wraps a project id resolution failure.
func ProjectIDFetch(msg string) error {
	return newAppError(http.StatusBadGateway, CodeProjectIDFetch, msg, nil)
}

// LoadIO wraps an account-file or accounts-directory I/O failure.
func LoadIO(msg string) error {
	return newAppError(http.StatusInternalServerError, CodeLoadIO, msg, nil)
}

// Cancelled wraps a context cancellation observed during a suspension point.
func Cancelled(msg string) error {
	return newAppError(http.StatusRequestTimeout, CodeCancelled, msg, nil)
}

// AllFailed is the fallback error surfaced when the candidate loop exhausts
// without a recorded last error.
func AllFailed() error {
	return newAppError(http.StatusBadGateway, CodeRefreshTransient, "All accounts failed", nil)
}

// FromError unwraps err into an *AppError, if it is (or wraps) one.
func FromError(err error) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return newAppError(http.StatusInternalServerError, "", err.Error(), nil)
}

// Status is the JSON-serializable error body returned by the demonstration
// HTTP surface.
type Status struct {
	Code     int32             `json:"code"`
	Reason   Code              `json:"reason,omitempty"`
	Message  string            `json:"message,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ToHTTP converts err into an HTTP status code and a JSON-serializable body.
func ToHTTP(err error) (statusCode int, body Status) {
	if err == nil {
		return http.StatusOK, Status{Code: int32(http.StatusOK)}
	}

	appErr := FromError(err)
	body = Status{
		Code:    appErr.Code,
		Reason:  appErr.Reason,
		Message: appErr.Message,
	}
	if appErr.Metadata != nil {
		body.Metadata = make(map[string]string, len(appErr.Metadata))
		for k, v := range appErr.Metadata {
			body.Metadata[k] = v
		}
	}
	return int(appErr.Code), body
}

// IsPermanentOAuthError reports whether an opaque OAuth error string
// indicates a revoked or otherwise terminally broken refresh token. The
// external OAuth client surfaces only an opaque error string, so this
// discriminator is intentionally lexical.
func IsPermanentOAuthError(errString string) bool {
	return strings.Contains(errString, "invalid_grant")
}
