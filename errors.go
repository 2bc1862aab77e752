package remap

import (
	"github.com/dsoprea/go-logging"
)

// ErrorKind classifies a failure so callers can branch on the kind rather
// than string-matching an error message.
type ErrorKind int

const (
	// ErrKindBadArgs indicates invalid construction parameters.
	ErrKindBadArgs ErrorKind = iota

	// ErrKindDeviceOpen indicates the main or spare device could not be opened.
	ErrKindDeviceOpen

	// ErrKindSpareTooSmall indicates the spare is smaller than the minimum
	// viable size (S < 72 sectors).
	ErrKindSpareTooSmall

	// ErrKindFingerprintMismatch indicates loaded metadata does not match
	// the attached main device.
	ErrKindFingerprintMismatch

	// ErrKindMetadataUnreadable indicates no valid copy was found on an
	// allegedly-existing spare.
	ErrKindMetadataUnreadable

	// ErrKindAllocatorExhausted indicates the spare is out of free units.
	ErrKindAllocatorExhausted

	// ErrKindBackingIOError indicates the backing device reported an error.
	ErrKindBackingIOError

	// ErrKindPersistenceDegraded indicates every metadata-write attempt
	// failed; the target continues but flags itself Degraded.
	ErrKindPersistenceDegraded

	// ErrKindShuttingDown indicates the target is destructing and rejects
	// new requests.
	ErrKindShuttingDown
)

func (k ErrorKind) String() string {
	switch k {
	case ErrKindBadArgs:
		return "BadArgs"
	case ErrKindDeviceOpen:
		return "DeviceOpen"
	case ErrKindSpareTooSmall:
		return "SpareTooSmall"
	case ErrKindFingerprintMismatch:
		return "FingerprintMismatch"
	case ErrKindMetadataUnreadable:
		return "MetadataUnreadable"
	case ErrKindAllocatorExhausted:
		return "AllocatorExhausted"
	case ErrKindBackingIOError:
		return "BackingIOError"
	case ErrKindPersistenceDegraded:
		return "PersistenceDegraded"
	case ErrKindShuttingDown:
		return "ShuttingDown"
	default:
		return "Unknown"
	}
}

// RemapError carries an ErrorKind alongside whatever the underlying cause
// was, so fatal-at-construct and non-fatal-at-runtime errors can share a
// single type throughout the package.
type RemapError struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *RemapError) Error() string {
	if e.Err != nil {
		return e.Kind.String() + ": " + e.Msg + ": " + e.Err.Error()
	}
	return e.Kind.String() + ": " + e.Msg
}

func (e *RemapError) Unwrap() error {
	return e.Err
}

// newErr builds a RemapError and routes it through log.Wrap so the stack
// context go-logging's error-wrapping idiom relies on is preserved.
func newErr(kind ErrorKind, msg string, cause error) error {
	re := &RemapError{Kind: kind, Msg: msg, Err: cause}
	return log.Wrap(re)
}

// IsKind reports whether err (or any error it wraps) is a RemapError of the
// given kind.
func IsKind(err error, kind ErrorKind) bool {
	for err != nil {
		if re, ok := err.(*RemapError); ok {
			return re.Kind == kind
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// ExitCode maps an ErrorKind to a construction-call status code (0 success
// is implicit — callers only consult this on error).
func (k ErrorKind) ExitCode() int {
	switch k {
	case ErrKindSpareTooSmall:
		return 28 // ENOSPC
	case ErrKindBadArgs:
		return 22 // EINVAL
	case ErrKindDeviceOpen:
		return 5 // EIO
	case ErrKindFingerprintMismatch:
		return 22 // EINVAL
	case ErrKindMetadataUnreadable:
		return 5 // EIO
	default:
		return 1
	}
}
