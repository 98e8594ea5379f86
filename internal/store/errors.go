package store

import "errors"

// Sentinel errors for store operations. Check with errors.Is().
var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrCrossOrg indicates an attempted cross-organization access.
	// This is an integrity violation: always fatal, never silently filtered.
	ErrCrossOrg = errors.New("cross-organization access denied")

	// ErrDuplicateEmail indicates the email is already registered.
	ErrDuplicateEmail = errors.New("email already registered")
)
