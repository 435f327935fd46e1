// Package store implements the persistent data model for the relay: the
// primary database it owns exclusively (users, members, fronter pointer,
// activators, ignored rooms, command dedup) and read-only access to the
// homeserver's own database (access tokens, profiles, room aliases).
package store

import (
	"errors"
	"fmt"
)

// Kind classifies a StoreError so callers can branch without string
// matching.
type Kind int

const (
	// Backend covers any underlying database failure not otherwise
	// classified (connection errors, constraint violations other than
	// uniqueness, context cancellation).
	Backend Kind = iota
	// NotFound indicates a lookup found no matching row.
	NotFound
	// UniqueViolation indicates an insert collided with an existing
	// unique key (e.g. a member name already taken for that user).
	UniqueViolation
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not_found"
	case UniqueViolation:
		return "unique_violation"
	default:
		return "backend"
	}
}

// Error wraps an underlying database error with a Kind classification.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("store: %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("store: %s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// newError constructs a *Error, attaching op for context.
func newError(op string, kind Kind, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// IsKind reports whether err is a *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind == kind
	}
	return false
}
