// Package errs holds the error taxonomy shared by the registry, hub and clients.
// Callers wrap the sentinels with context and match them with errors.Is.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrConflict is a state-machine guard violation: double accept, stale or
	// terminal transition, second active request.
	ErrConflict = errors.New("conflict")
	// ErrForbidden means the caller is not the owning patient or bound driver.
	ErrForbidden = errors.New("forbidden")
	// ErrNotFound means the request id is unknown.
	ErrNotFound = errors.New("not found")
	// ErrTransport means the channel or registry was unreachable. Recoverable by
	// reconnecting and reconciling.
	ErrTransport = errors.New("transport unavailable")
	// ErrValidation means malformed input such as out-of-range coordinates.
	ErrValidation = errors.New("validation failed")
)

func Conflict(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

func Forbidden(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrForbidden, fmt.Sprintf(format, args...))
}

func NotFound(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

func Transport(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrTransport, err)
}

func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// HTTPStatus maps an error to the status code the REST surface answers with,
// plus a short machine readable code.
func HTTPStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest, "validation"
	case errors.Is(err, ErrTransport):
		return http.StatusServiceUnavailable, "unavailable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// FromHTTPStatus is the inverse of HTTPStatus, used by clients decoding
// registry responses.
func FromHTTPStatus(status int, message string) error {
	switch status {
	case http.StatusConflict:
		return Conflict("%s", message)
	case http.StatusForbidden:
		return Forbidden("%s", message)
	case http.StatusNotFound:
		return NotFound("%s", message)
	case http.StatusBadRequest:
		return Validation("%s", message)
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		return Transport(errors.New(message))
	default:
		return fmt.Errorf("registry returned %d: %s", status, message)
	}
}
