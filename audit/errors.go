package audit

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownAssociatedType = errors.New("audit: unknown associated type")
	ErrUnknownRecordType     = errors.New("audit: unknown audit record type")
	ErrInvalidDefault        = errors.New("audit: invalid default")
	ErrInvalidReference      = errors.New("audit: value is not a reference")
	ErrInvalidAdditionalInfo = errors.New("audit: additional info is not an object")
	ErrInvalidEvent          = errors.New("audit: invalid event")
	ErrNoChangeTracking      = errors.New("audit: entity does not track column changes")

	// ErrPersistence wraps store failures unrelated to sequencing.
	ErrPersistence = errors.New("audit: persistence failure")
	// ErrSequenceConflict means another writer took the version first. Retryable.
	ErrSequenceConflict = errors.New("audit: version sequence conflict")
)

// PersistenceError carries the failing store operation and scope.
type PersistenceError struct {
	Op    string
	Scope string
	Err   error
}

func (e *PersistenceError) Error() string {
	if e.Scope == "" {
		return fmt.Sprintf("audit: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("audit: %s %s: %v", e.Op, e.Scope, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Is makes every PersistenceError match ErrPersistence. A sequence conflict is a
// sub-kind: it matches both ErrPersistence and, through Unwrap, ErrSequenceConflict.
func (e *PersistenceError) Is(target error) bool {
	return target == ErrPersistence
}

// IsRetryable reports whether the whole capture may be re-run.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrSequenceConflict)
}
