package authapi

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrUnauthorized is matched by APIError values with status 401.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden is matched by APIError values with status 403.
	ErrForbidden = errors.New("forbidden")

	// ErrNotFound is matched by APIError values with status 404.
	ErrNotFound = errors.New("not found")

	// ErrConfig is returned for an invalid client configuration.
	ErrConfig = errors.New("invalid auth api config")
)

// APIError is returned for every non-2xx response.
type APIError struct {
	Status int
	Detail string

	// Fields holds field-level validation errors (e.g. {"username": ["..."]}).
	Fields map[string][]string
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("auth api: %d: %s", e.Status, e.Detail)
	}
	return fmt.Sprintf("auth api: %d %s", e.Status, http.StatusText(e.Status))
}

func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	default:
		return nil
	}
}
