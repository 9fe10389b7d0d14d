package rollcall

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

// pgUniqueViolation is the postgres SQLSTATE for unique_violation
const pgUniqueViolation = "23505"

var (
	ErrEventNotFound = errors.New("event not found")

	// ErrEventInactive is returned for registration and waitlist operations
	// on an event that has been closed, cancelled, or has already ended.
	ErrEventInactive = errors.New("event is not active")

	ErrAlreadyRegistered = errors.New("already registered")

	// ErrAlreadyConfirmed and ErrAlreadyWaitlisted both match
	// ErrAlreadyRegistered with errors.Is
	ErrAlreadyConfirmed  = fmt.Errorf("%w: registration is confirmed", ErrAlreadyRegistered)
	ErrAlreadyWaitlisted = fmt.Errorf("%w: registration is on the waitlist", ErrAlreadyRegistered)

	ErrNotRegistered    = errors.New("not registered")
	ErrCapacityExceeded = errors.New("event capacity exceeded")

	// ErrDuplicateRegistration is returned when inserting a registration
	// for a (user, event) pair that already has a non-cancelled one.
	ErrDuplicateRegistration = errors.New("duplicate registration")

	// ErrConcurrentModification is returned when an event was modified by
	// another writer on every attempt of an operation.
	ErrConcurrentModification = errors.New("event was modified concurrently")

	ErrInvalidEvent         = errors.New("invalid event")
	ErrInvalidStatus        = errors.New("invalid registration status")
	ErrInvalidTransition    = errors.New("invalid registration status transition")
	errEventVersionConflict = errors.New("event version conflict")
)

// isUniqueViolation reports whether err came from a unique index.
// gorm translates most drivers' errors to gorm.ErrDuplicatedKey when
// TranslateError is enabled. Postgres errors are checked by SQLSTATE,
// and the string match covers sqlite.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate key")
}
