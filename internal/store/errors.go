package store

import (
	"strings"

	"github.com/containerd/errdefs"
)

// Error classes shared by every Repository implementation. Check with errors.Is.
var (
	ErrNotFound     = errdefs.ErrNotFound
	ErrConflict     = errdefs.ErrConflict
	ErrUnauthorized = errdefs.ErrUnauthenticated
	ErrUnavailable  = errdefs.ErrUnavailable
	ErrInvalid      = errdefs.ErrInvalidArgument
)

// isBusyError reports SQLite concurrency errors (SQLITE_BUSY or "database is locked")
// that warrant a retry.
func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// isUniqueViolation reports a UNIQUE constraint failure.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
