// Package ferrors defines the filesystem's error kinds.
//
// Every kind named in the design (OutOfSpace, FileNotFound, ...) maps onto a
// github.com/grailbio/base/errors.Kind so callers outside this module can
// still use errors.Is / errors.Unwrap against the standard library chain,
// while code inside the filesystem switches on the more specific Kind below.
package ferrors

import (
	stderrors "errors"
	"fmt"

	grerrors "github.com/grailbio/base/errors"
)

// Kind identifies one of the filesystem's well-known error conditions.
type Kind int

const (
	// Other is an unclassified error.
	Other Kind = iota
	// OutOfSpace means the free map was exhausted during create, a
	// write past EOF, or a resize.
	OutOfSpace
	// FileNotFound means path resolution did not find the named entry.
	FileNotFound
	// NotADirectory means a path component that should be a directory
	// is a plain file.
	NotADirectory
	// IsADirectory means an operation that requires a plain file was
	// given a directory.
	IsADirectory
	// TooManyOpenFiles means the per-process handle table is full.
	TooManyOpenFiles
	// InvalidHandle means a file descriptor does not name an open file.
	InvalidHandle
	// WritesDenied means a write was attempted while deny_write_count > 0.
	WritesDenied
	// DirNotEmpty means rmdir was asked to remove a non-empty directory.
	DirNotEmpty
	// AlreadyExists means create/mkdir named an entry that already exists.
	AlreadyExists
	// CorruptInode means an inode's magic did not match on load. Fatal.
	CorruptInode
	// PreconditionViolation means a caller passed an out-of-range
	// (offset, length) or bad sector index to the cache. Fatal.
	PreconditionViolation
)

var names = map[Kind]string{
	Other:                  "unclassified error",
	OutOfSpace:             "out of space",
	FileNotFound:           "file not found",
	NotADirectory:          "not a directory",
	IsADirectory:           "is a directory",
	TooManyOpenFiles:       "too many open files",
	InvalidHandle:          "invalid handle",
	WritesDenied:           "writes denied",
	DirNotEmpty:            "directory not empty",
	AlreadyExists:          "already exists",
	CorruptInode:           "corrupt inode",
	PreconditionViolation:  "precondition violation",
}

func (k Kind) String() string {
	if s, ok := names[k]; ok {
		return s
	}
	return "unknown error kind"
}

// Fatal reports whether errors of this kind indicate a bug or on-disk
// corruption that the caller cannot recover from locally. The fsapi layer
// turns these into a panic rather than a returned error, matching Pintos's
// PANIC() on the same conditions.
func (k Kind) Fatal() bool {
	return k == CorruptInode || k == PreconditionViolation
}

// grailKind maps a Kind onto the nearest github.com/grailbio/base/errors.Kind
// so the wrapped error participates in that package's classification (and,
// through it, errno/timeout/temporary interpretation).
func (k Kind) grailKind() grerrors.Kind {
	switch k {
	case OutOfSpace, TooManyOpenFiles:
		return grerrors.ResourcesExhausted
	case FileNotFound:
		return grerrors.NotExist
	case AlreadyExists:
		return grerrors.Exists
	case NotADirectory, IsADirectory, InvalidHandle:
		return grerrors.Invalid
	case WritesDenied:
		return grerrors.NotAllowed
	case DirNotEmpty:
		return grerrors.Precondition
	case CorruptInode, PreconditionViolation:
		return grerrors.Integrity
	default:
		return grerrors.Other
	}
}

// Error is a Kind-tagged error. It chains onto a
// github.com/grailbio/base/errors.Error so formatting and cause-unwrapping
// follow that package's conventions.
type Error struct {
	Kind Kind
	err  error
}

func (e *Error) Error() string { return e.err.Error() }

func (e *Error) Unwrap() error { return e.err }

// Is lets stderrors.Is(err, SomeKind-shaped sentinel) work by comparing
// kinds; it does not compare messages or causes.
func (e *Error) Is(target error) bool {
	var other *Error
	if stderrors.As(target, &other) {
		return other.Kind == e.Kind
	}
	return false
}

// New builds a Kind-tagged error with a formatted message.
func New(kind Kind, format string, args ...interface{}) error {
	msg := fmt.Sprintf(format, args...)
	return &Error{Kind: kind, err: grerrors.E(kind.grailKind(), msg)}
}

// Wrap builds a Kind-tagged error that chains onto cause.
func Wrap(kind Kind, cause error, format string, args ...interface{}) error {
	msg := fmt.Sprintf(format, args...)
	return &Error{Kind: kind, err: grerrors.E(kind.grailKind(), msg, cause)}
}

// Is reports whether err is (or wraps) a *Error of the given kind.
func Is(kind Kind, err error) bool {
	var fe *Error
	if stderrors.As(err, &fe) {
		return fe.Kind == kind
	}
	return false
}

// KindOf extracts the Kind of err, or Other if err is not a *Error.
func KindOf(err error) Kind {
	var fe *Error
	if stderrors.As(err, &fe) {
		return fe.Kind
	}
	return Other
}
