package errors

import (
	"errors"
)

// Domain error codes. Security and shared library failures are the two kinds
// the component runtime must never swallow.
const (
	CodeInvalidArgument = 400
	CodeSecurity        = 403
	CodeNotFound        = 404
	CodeConflict        = 409
	CodeSharedLibrary   = 424
	CodeRuntime         = 500
)

func InvalidArgument(format string, args ...any) *Error {
	return New(CodeInvalidArgument, format, args...)
}

// Security reports a rejected bundle or a failed validation of loaded code.
func Security(format string, args ...any) *Error {
	return New(CodeSecurity, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return New(CodeNotFound, format, args...)
}

func Conflict(format string, args ...any) *Error {
	return New(CodeConflict, format, args...)
}

// SharedLibrary reports that a component implementation could not be loaded.
func SharedLibrary(format string, args ...any) *Error {
	return New(CodeSharedLibrary, format, args...)
}

func Runtime(format string, args ...any) *Error {
	return New(CodeRuntime, format, args...)
}

// Code returns the code of the first *Error in err's chain, or 0.
func Code(err error) int32 {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Code
	}
	return 0
}

// hasCode walks the whole chain, so a Security error wrapped inside a
// Runtime error is still reported as a security failure.
func hasCode(err error, code int32) bool {
	for err != nil {
		if ge, ok := err.(*Error); ok && ge.Code == code {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}

func IsSecurity(err error) bool {
	return hasCode(err, CodeSecurity)
}

func IsSharedLibrary(err error) bool {
	return hasCode(err, CodeSharedLibrary)
}

func IsInvalidArgument(err error) bool {
	return hasCode(err, CodeInvalidArgument)
}

func IsNotFound(err error) bool {
	return hasCode(err, CodeNotFound)
}

func IsConflict(err error) bool {
	return hasCode(err, CodeConflict)
}

// MustPropagate reports whether err is one of the kinds that callers are
// not allowed to log and drop.
func MustPropagate(err error) bool {
	return IsSecurity(err) || IsSharedLibrary(err)
}
