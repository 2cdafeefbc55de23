package repository

import (
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// NotFoundError represents a resource not found error
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

func (e *NotFoundError) IsTransient() bool {
	return false
}

// ConflictError represents a duplicate-submission rejection. The database
// uniqueness constraint is the authoritative arbiter; the application-level
// existence check is only a pre-filter.
type ConflictError struct {
	Resource string
	Key      string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s already recorded: %s", e.Resource, e.Key)
}

func (e *ConflictError) IsTransient() bool {
	return false
}

// UnauthorizedError represents an API-key mismatch on an existing device.
type UnauthorizedError struct {
	Device string
}

func (e *UnauthorizedError) Error() string {
	return fmt.Sprintf("invalid api key for device %s", e.Device)
}

func (e *UnauthorizedError) IsTransient() bool {
	return false
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var c *ConflictError
	return errors.As(err, &c)
}

// IsUnauthorized reports whether err is an UnauthorizedError.
func IsUnauthorized(err error) bool {
	var u *UnauthorizedError
	return errors.As(err, &u)
}

// isUniqueViolation reports whether err is a Postgres unique_violation.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
