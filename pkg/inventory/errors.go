package inventory

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownReference is returned when a detached entity names a parent
	// that is not present in the inventory. Callers skip the entity and log.
	ErrUnknownReference = errors.New("unknown reference")

	// ErrIntegrity marks an invariant violation. It is fatal to the operation
	// that caused it, not to the process.
	ErrIntegrity = errors.New("integrity error")

	// ErrLock is returned when the inventory lock or the advisory store lock
	// cannot be released. The caller must stop mutating the inventory.
	ErrLock = errors.New("lock error")
)

// UnknownReferenceError names the missing entity and who referenced it.
type UnknownReferenceError struct {
	Kind string
	Name string
	From string
}

func (e *UnknownReferenceError) Error() string {
	return fmt.Sprintf("unknown %s %q referenced by %s", e.Kind, e.Name, e.From)
}

func (e *UnknownReferenceError) Is(target error) bool {
	return target == ErrUnknownReference
}

func unknownReference(kind, name, from string) error {
	return &UnknownReferenceError{Kind: kind, Name: name, From: from}
}

// IntegrityError describes a rejected mutation.
type IntegrityError struct {
	Msg string
}

func (e *IntegrityError) Error() string {
	return "integrity error: " + e.Msg
}

func (e *IntegrityError) Is(target error) bool {
	return target == ErrIntegrity
}

func integrityErrorf(format string, args ...interface{}) error {
	return &IntegrityError{Msg: fmt.Sprintf(format, args...)}
}
