// Package sentinel defines the error taxonomy shared by the ledgers, the token
// allocator and the orchestrator. Lower layers return these (wrapped with
// context via %w) and callers classify them with errors.Is or KindOf.
package sentinel

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound: a referenced person, post, process, record or token is absent.
	ErrNotFound = errors.New("not found")
	// ErrConflict: duplicate registration, resource already allocated,
	// overlapping assignment, or a lost concurrent race.
	ErrConflict = errors.New("conflict")
	// ErrInvalidTransition: a status guard or transition-table violation.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrValidation: malformed input such as dates outside a process window.
	ErrValidation = errors.New("validation failed")
)

// Kind is the coarse classification of an error.
type Kind string

const (
	KindNone              Kind = ""
	KindNotFound          Kind = "not_found"
	KindConflict          Kind = "conflict"
	KindInvalidTransition Kind = "invalid_transition"
	KindValidation        Kind = "validation"
	KindInternal          Kind = "internal"
)

// KindOf classifies err. Unclassified non-nil errors are KindInternal.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrInvalidTransition):
		return KindInvalidTransition
	case errors.Is(err, ErrValidation):
		return KindValidation
	default:
		return KindInternal
	}
}

func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

func Conflictf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
