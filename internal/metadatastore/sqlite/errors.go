package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/splitgraph/sgr-objects/internal/types"
)

// wrapDBError wraps a database error with operation context, converting
// sql.ErrNoRows to types.ErrNotFound for consistent error handling across
// the store.
func wrapDBError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, types.ErrNotFound)
	}
	if isUniqueViolation(err) {
		return fmt.Errorf("%s: %w", op, types.ErrDuplicateRegistration)
	}
	if isTransient(err) {
		return fmt.Errorf("%s: %w: %v", op, types.ErrStoreUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// isUniqueViolation reports whether err is a SQLite UNIQUE/PRIMARY KEY
// constraint failure. modernc.org/sqlite surfaces these as *sqlite.Error
// with a driver-specific code; matching on the message text avoids
// taking a direct dependency on the driver's internal error type here.
func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "primary key constraint")
}

// isTransient reports whether err looks like a recoverable SQLite
// condition (the store is momentarily busy or locked by another
// connection) rather than a structural failure.
func isTransient(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "busy") ||
		strings.Contains(msg, "disk i/o error")
}

func isNotFound(err error) bool {
	return errors.Is(err, types.ErrNotFound)
}
