// Package status defines the error kinds surfaced by the runtime.
//
// Every failure that reaches an application carries a stable integer Code.
// The same integer travels in the error code field of a Response frame, so a
// server may reply with any of these codes or with an application-defined one.
package status

import (
	"errors"
	"fmt"
)

// Code is the stable integer identifying an error kind.
type Code int32

const (
	OK               Code = 0
	Internal         Code = -1
	InvalidArgument  Code = -2
	MethodNotFound   Code = -4
	TimedOut         Code = -5
	ConnectionLost   Code = -6
	AdmissionRefused Code = -7
	Cancelled        Code = -8
	DecodeError      Code = -9
	PayloadTooLarge  Code = -10
)

func (c Code) String() string {
	switch c {
	case OK:
		return "Ok"
	case Internal:
		return "Internal"
	case InvalidArgument:
		return "InvalidArgument"
	case MethodNotFound:
		return "MethodNotFound"
	case TimedOut:
		return "TimedOut"
	case ConnectionLost:
		return "ConnectionLost"
	case AdmissionRefused:
		return "AdmissionRefused"
	case Cancelled:
		return "Cancelled"
	case DecodeError:
		return "DecodeError"
	case PayloadTooLarge:
		return "PayloadTooLarge"
	default:
		return fmt.Sprintf("Code(%d)", int32(c))
	}
}

// Error is an error carrying a Code.
type Error struct {
	Code Code
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return "looprpc: " + e.Code.String()
	}
	return "looprpc: " + e.Code.String() + ": " + e.Msg
}

// Is reports whether target is a *Error with the same code, so that
// errors.Is(err, status.ErrTimedOut) matches any TimedOut error.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Sentinel errors, one per kind.
var (
	ErrInternal         = &Error{Code: Internal}
	ErrInvalidArgument  = &Error{Code: InvalidArgument}
	ErrMethodNotFound   = &Error{Code: MethodNotFound}
	ErrTimedOut         = &Error{Code: TimedOut}
	ErrConnectionLost   = &Error{Code: ConnectionLost}
	ErrAdmissionRefused = &Error{Code: AdmissionRefused}
	ErrCancelled        = &Error{Code: Cancelled}
	ErrDecode           = &Error{Code: DecodeError}
	ErrPayloadTooLarge  = &Error{Code: PayloadTooLarge}
)

// Errorf returns an *Error with the given code and a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// FromError extracts the Code of err. A nil error is OK, an error without a
// code is Internal.
func FromError(err error) Code {
	if err == nil {
		return OK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Internal
}

// FromCode turns a wire error code back into an error; OK yields nil.
func FromCode(code Code) error {
	if code == OK {
		return nil
	}
	return &Error{Code: code}
}
