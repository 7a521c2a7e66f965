package pywatch

import "fmt"

// Kind classifies the errors this package returns, mirroring the abstract
// error kinds of the remote debugging protocol this package implements.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindRemoteReadFailed
	KindOffsetValidationFailed
	KindSectionNotFound
	KindMalformedLineTable
	KindMalformedVarint
	KindMalformedSet
	KindFrameChainBroken
	KindUnhandledFrameOwner
	KindSizeOutOfRange
	KindIncompleteCompression
	KindUnsupportedFormatVersion
	KindAllocationFailed
	KindNotSupportedOnPlatform
	KindInitialFrameParseFailed
	KindMalformedHeader
	KindInvalidInteger
	KindStringTooLong
)

func (k Kind) String() string {
	switch k {
	case KindRemoteReadFailed:
		return "RemoteReadFailed"
	case KindOffsetValidationFailed:
		return "OffsetValidationFailed"
	case KindSectionNotFound:
		return "SectionNotFound"
	case KindMalformedLineTable:
		return "MalformedLineTable"
	case KindMalformedVarint:
		return "MalformedVarint"
	case KindMalformedSet:
		return "MalformedSet"
	case KindFrameChainBroken:
		return "FrameChainBroken"
	case KindUnhandledFrameOwner:
		return "UnhandledFrameOwner"
	case KindSizeOutOfRange:
		return "SizeOutOfRange"
	case KindIncompleteCompression:
		return "IncompleteCompression"
	case KindUnsupportedFormatVersion:
		return "UnsupportedFormatVersion"
	case KindAllocationFailed:
		return "AllocationFailed"
	case KindNotSupportedOnPlatform:
		return "NotSupportedOnPlatform"
	case KindInitialFrameParseFailed:
		return "InitialFrameParseFailed"
	case KindMalformedHeader:
		return "MalformedHeader"
	case KindInvalidInteger:
		return "InvalidInteger"
	case KindStringTooLong:
		return "StringTooLong"
	default:
		return "Unknown"
	}
}

// Error is the concrete error type returned by this package. Op names the
// operation that failed (e.g. "frame.walk", "reader.open") so a caller
// chaining several of these through fmt.Errorf("%w") still gets a useful
// message without needing to re-derive which layer failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is allows errors.Is(err, SomeKind) to work by comparing Kind values
// when the target is itself a *Error with no wrapped cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Err == nil
}

func errf(kind Kind, op string, format string, args ...any) *Error {
	var err error
	if format != "" {
		err = fmt.Errorf(format, args...)
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the Kind carried by err if it (or something it wraps) is
// a *Error, and KindUnknown otherwise.
func KindOf(err error) Kind {
	var e *Error
	if ok := asError(err, &e); ok {
		return e.Kind
	}
	return KindUnknown
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
