// Package errdefs defines the error kinds shared across Sanctuary services.
//
// Every error that crosses a package boundary is wrapped around one of the
// sentinel kinds below so that callers can classify with errors.Is without
// string matching, and the API layer can map kinds to status codes in one
// place.
package errdefs

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput indicates a malformed request, rejected at parse.
	ErrInvalidInput = errors.New("invalid input")

	// ErrAuthRequired indicates a missing bearer token.
	ErrAuthRequired = errors.New("authentication required")

	// ErrAuthInvalid indicates an expired or otherwise unusable token,
	// or a failed challenge/signature verification.
	ErrAuthInvalid = errors.New("authentication invalid")

	// ErrForbidden indicates an authenticated caller acting on an agent
	// its token is not bound to.
	ErrForbidden = errors.New("forbidden")

	// ErrNotFound indicates the named entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a state conflict: duplicate registration,
	// daily snapshot limit, attestation cooldown.
	ErrConflict = errors.New("conflict")

	// ErrUnavailable indicates an external collaborator (object store,
	// ledger) failed; the caller may retry.
	ErrUnavailable = errors.New("service unavailable")

	// ErrCorrupted indicates a self-describing envelope failed to parse
	// or verify.
	ErrCorrupted = errors.New("corrupted")

	// ErrInternal indicates a bug.
	ErrInternal = errors.New("internal error")
)

// Wrap annotates kind with a formatted message, keeping the kind matchable
// via errors.Is.
func Wrap(kind error, format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, kind)...)
}

func IsInvalidInput(err error) bool { return errors.Is(err, ErrInvalidInput) }
func IsAuthRequired(err error) bool { return errors.Is(err, ErrAuthRequired) }
func IsAuthInvalid(err error) bool  { return errors.Is(err, ErrAuthInvalid) }
func IsForbidden(err error) bool    { return errors.Is(err, ErrForbidden) }
func IsNotFound(err error) bool     { return errors.Is(err, ErrNotFound) }
func IsConflict(err error) bool     { return errors.Is(err, ErrConflict) }
func IsUnavailable(err error) bool  { return errors.Is(err, ErrUnavailable) }
func IsCorrupted(err error) bool    { return errors.Is(err, ErrCorrupted) }
