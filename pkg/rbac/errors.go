package rbac

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"github.com/platinummonkey/loom/pkg/database"
)

var (
	// ErrNotFound is returned when a role, permission, group or assignment does not exist
	ErrNotFound = errors.New("not found")

	// ErrInvariantViolation is returned when a mutation would break a role graph rule,
	// such as deleting a system role
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrCycleDetected is returned when a parent chain revisits a role
	ErrCycleDetected = fmt.Errorf("%w: role inheritance cycle detected", ErrInvariantViolation)

	// ErrConflict is returned when a unique key is already taken
	ErrConflict = errors.New("conflict")

	// ErrUnauthenticated is returned by the gate when no identity is present
	ErrUnauthenticated = errors.New("authentication required")

	// ErrForbidden is returned by the gate when the identity lacks every required permission
	ErrForbidden = errors.New("insufficient permissions")

	// ErrInvalidPermission is returned for malformed "resource:action" strings
	ErrInvalidPermission = errors.New("invalid permission")

	// ErrInvalidInput is returned when a required field is missing
	ErrInvalidInput = errors.New("invalid input")
)

// classify maps driver errors onto the package sentinels; anything else is wrapped as-is
func classify(err error, op string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case database.IsUniqueViolation(err):
		return fmt.Errorf("%s: %w", op, ErrConflict)
	default:
		return fmt.Errorf("failed to %s: %w", op, err)
	}
}

// HTTPStatus maps an RBAC error to the HTTP status an API handler should return
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvariantViolation), errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrInvalidPermission), errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
