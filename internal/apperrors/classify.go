package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// FromStatus maps a non-2xx HTTP response status to a classified error.
// Returns nil for success statuses.
func FromStatus(op string, status int) error {
	switch {
	case status < 400:
		return nil
	case status == http.StatusUnauthorized:
		return &Error{
			Sentinel:   ErrAuth,
			Message:    fmt.Sprintf("%s: server rejected token (status %d)", op, status),
			Op:         op,
			StatusCode: status,
		}
	case status == http.StatusNotFound:
		return &Error{
			Sentinel:   ErrNotFound,
			Message:    fmt.Sprintf("%s: not found (status %d)", op, status),
			Op:         op,
			StatusCode: status,
		}
	case status == http.StatusConflict:
		return &Error{
			Sentinel:   ErrConflict,
			Message:    fmt.Sprintf("%s: conflict (status %d)", op, status),
			Op:         op,
			StatusCode: status,
		}
	case status >= 500:
		return &Error{
			Sentinel:   ErrServer,
			Message:    fmt.Sprintf("%s: server error (status %d)", op, status),
			Op:         op,
			StatusCode: status,
		}
	default:
		return &Error{
			Sentinel:   ErrRejected,
			Message:    fmt.Sprintf("%s: rejected (status %d)", op, status),
			Op:         op,
			StatusCode: status,
		}
	}
}

// Retryable reports whether the operation that produced err may be repeated.
// Only transient failures qualify: connectivity loss and server-side 5xx.
func Retryable(err error) bool {
	return errors.Is(err, ErrNetwork) || errors.Is(err, ErrServer)
}

// StatusCode extracts the HTTP status that produced err, or 0 if it did not
// originate from a response.
func StatusCode(err error) int {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}
	return 0
}
