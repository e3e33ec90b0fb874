// Package errs implements the error taxonomy described in spec.md §7, in
// place of the original engine's manual long-jump handling (spec.md §9
// redesign flag). Four classes exist:
//
//   - FatalStartup:  the process cannot come up at all; callers should log
//     and exit. cmd/weaverdb exits with status 1 for every startup failure;
//     it does not map error codes to distinct exit statuses.
//   - FatalRuntime:  corruption detected mid-flight; the process should
//     terminate rather than continue operating on inconsistent state.
//   - Recoverable:   a typed result the caller is expected to handle (abort
//     the current transaction, retry, or surface to the client).
//   - Notice:        worth logging, never worth unwinding for.
//
// Recoverable/Notice values are ordinary Go errors; FatalStartup/FatalRuntime
// are also ordinary errors but are distinguished (ClassOf, IsFatal) so that
// a caller can tell "abort this one transaction" apart from "the process is
// no longer trustworthy". Neither cmd/weaverdb nor pkg/poolsweep consults
// the class.
package errs

import (
	"errors"
	"fmt"
)

// Class identifies which of the four buckets an error belongs to.
type Class uint8

const (
	ClassRecoverable Class = iota
	ClassNotice
	ClassFatalRuntime
	ClassFatalStartup
)

func (c Class) String() string {
	switch c {
	case ClassRecoverable:
		return "ERROR"
	case ClassNotice:
		return "NOTICE"
	case ClassFatalRuntime:
		return "FATAL"
	case ClassFatalStartup:
		return "FATAL-STARTUP"
	default:
		return "UNKNOWN"
	}
}

// Error is the typed result discriminant threaded through the engine in
// place of a long jump. Code carries an optional short machine-readable
// state string, mirroring spec.md §7's "tagged with a short state string".
type Error struct {
	Class Class
	Code  string
	msg   string
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Class, e.msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Class, e.msg)
}

func (e *Error) Unwrap() error { return e.cause }

// Recoverable wraps err as a transaction-abort-worthy error: constraint
// violations, freespace exhaustion, cancellation, non-critical write
// failures.
func Recoverable(code, msg string, cause error) *Error {
	return &Error{Class: ClassRecoverable, Code: code, msg: msg, cause: cause}
}

// Noticef builds a Notice-class error for conditions worth logging but never
// worth unwinding for (partial reads, redundant vacuum requests).
func Noticef(format string, args ...any) *Error {
	return &Error{Class: ClassNotice, msg: fmt.Sprintf(format, args...)}
}

// FatalRuntime wraps err as a detected-corruption error: bad magic, an item
// pointer into freed space, a tuple length beyond the page, an unreadable
// transaction log.
func FatalRuntime(code, msg string, cause error) *Error {
	return &Error{Class: ClassFatalRuntime, Code: code, msg: msg, cause: cause}
}

// FatalStartup wraps err as a cannot-come-up error: missing data directory,
// version mismatch, lock file held, shared memory init failure.
func FatalStartup(code, msg string, cause error) *Error {
	return &Error{Class: ClassFatalStartup, Code: code, msg: msg, cause: cause}
}

// ClassOf extracts the Class of err if it (or something it wraps) is an
// *Error, and ok=false otherwise.
func ClassOf(err error) (Class, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Class, true
	}
	return 0, false
}

// IsFatal reports whether err should terminate the process rather than just
// abort the current transaction.
func IsFatal(err error) bool {
	c, ok := ClassOf(err)
	return ok && (c == ClassFatalRuntime || c == ClassFatalStartup)
}

// Sentinel codes used by callers that want to switch on Code rather than
// match error values directly (the engine never panics/longjmps, so a
// switch on Code replaces what used to be a jump-buffer tag).
const (
	CodeCorruptPage      = "corrupt_page"
	CodeCorruptItemPtr   = "corrupt_item_pointer"
	CodeTupleTooLong     = "tuple_too_long"
	CodeLogUnreadable    = "log_unreadable"
	CodeDataDirMissing   = "datadir_missing"
	CodeVersionMismatch  = "version_mismatch"
	CodeLockHeld         = "lock_held"
	CodeSharedMemoryInit = "shared_memory_init"
	CodeConstraint       = "constraint_violation"
	CodeCancelled        = "cancelled"
	CodeFreespaceExhaust = "freespace_exhausted"
	CodeWriteFailed      = "write_failed"
	CodeNotFound         = "not_found"
	CodeBeingUpdated     = "being_updated"
)
