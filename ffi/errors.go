package ffi

import (
	"errors"
	"fmt"
	"strings"
)

// Code is the flat error taxonomy shared by every bridge operation.
type Code int

const (
	OK Code = iota
	NullArgument
	NotInitialized
	TypeNotFound
	MemberNotFound
	ExceptionThrown
	OutOfMemory
	TypeMismatch
	InvalidArgument
)

var codeNames = [...]string{
	OK:              "OK",
	NullArgument:    "NULL_ARGUMENT",
	NotInitialized:  "NOT_INITIALIZED",
	TypeNotFound:    "TYPE_NOT_FOUND",
	MemberNotFound:  "MEMBER_NOT_FOUND",
	ExceptionThrown: "EXCEPTION_THROWN",
	OutOfMemory:     "OUT_OF_MEMORY",
	TypeMismatch:    "TYPE_MISMATCH",
	InvalidArgument: "INVALID_ARGUMENT",
}

func (c Code) String() string {
	if c >= 0 && int(c) < len(codeNames) {
		return codeNames[c]
	}
	return fmt.Sprintf("CODE(%d)", int(c))
}

// Error is the structured error returned by bridge operations.
type Error struct {
	Code   Code
	Op     string
	Detail string
	Cause  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("ffi")
	if e.Op != "" {
		b.WriteByte(' ')
		b.WriteString(e.Op)
	}
	b.WriteString(": ")
	b.WriteString(e.Code.String())
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}
	return b.String()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error with the same code, so callers can
// write errors.Is(err, ffi.ErrMemberNotFound).
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// Sentinels for errors.Is.
var (
	ErrNullArgument    = &Error{Code: NullArgument}
	ErrNotInitialized  = &Error{Code: NotInitialized}
	ErrTypeNotFound    = &Error{Code: TypeNotFound}
	ErrMemberNotFound  = &Error{Code: MemberNotFound}
	ErrExceptionThrown = &Error{Code: ExceptionThrown}
	ErrOutOfMemory     = &Error{Code: OutOfMemory}
	ErrTypeMismatch    = &Error{Code: TypeMismatch}
	ErrInvalidArgument = &Error{Code: InvalidArgument}
)

// CodeOf extracts the taxonomy code from err. Nil maps to OK and foreign
// errors to INVALID_ARGUMENT.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return InvalidArgument
}

// errorBuilder provides structured error construction.
type errorBuilder struct {
	err Error
}

func newError(code Code, op string) *errorBuilder {
	return &errorBuilder{err: Error{Code: code, Op: op}}
}

func (b *errorBuilder) detail(msg string, args ...any) *errorBuilder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

func (b *errorBuilder) cause(err error) *errorBuilder {
	b.err.Cause = err
	return b
}

func (b *errorBuilder) build() *Error {
	return &b.err
}
