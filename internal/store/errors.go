package store

import (
	"errors"
	"strings"

	"gorm.io/gorm"
)

// Sentinel errors distinguishing the error kinds callers must handle:
// not found, already exists, and store error (everything else, wrapped).
var (
	ErrUserNotFound = errors.New("user not found")
	ErrUserExists   = errors.New("user already exists")
	ErrFileNotFound = errors.New("file not found")
)

// convertNotFoundError converts gorm.ErrRecordNotFound to the supplied
// domain error, passing through any other error unchanged.
func convertNotFoundError(err error, notFoundErr error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return notFoundErr
	}
	return err
}

// isUniqueConstraintError reports whether err is a unique-constraint
// violation from SQLite, without depending on driver-specific error types.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
