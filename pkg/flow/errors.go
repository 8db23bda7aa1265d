package flow

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
)

type ErrorType string

const (
	ErrorTypeConfiguration ErrorType = "configuration"
	ErrorTypeValidation    ErrorType = "validation"
	ErrorTypeConnection    ErrorType = "connection"
	ErrorTypeConflict      ErrorType = "conflict"
	ErrorTypeTransport     ErrorType = "transport"
	ErrorTypeContent       ErrorType = "content"
	ErrorTypeState         ErrorType = "state"
)

// className is the name an error type is reported under in ExceptionReport
// when no more specific root cause is available.
func (t ErrorType) className() string {
	switch t {
	case ErrorTypeConfiguration:
		return "ConfigurationError"
	case ErrorTypeValidation:
		return "ValidationError"
	case ErrorTypeConnection:
		return "ConnectionError"
	case ErrorTypeConflict:
		return "ConflictError"
	case ErrorTypeTransport:
		return "TransportError"
	case ErrorTypeContent:
		return "ContentError"
	case ErrorTypeState:
		return "StateError"
	default:
		return "Error"
	}
}

type Error struct {
	Type    ErrorType
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func NewError(t ErrorType, message string, cause error) *Error {
	return &Error{Type: t, Message: message, Cause: cause}
}

// TypeOf returns the classification of the outermost *Error in err's chain,
// or the empty string when err is unclassified.
func TypeOf(err error) ErrorType {
	var flowErr *Error
	if errors.As(err, &flowErr) {
		return flowErr.Type
	}
	return ""
}

func IsType(err error, t ErrorType) bool {
	return err != nil && TypeOf(err) == t
}

// IsRetryableError reports whether the failure may succeed on a later
// invocation without operator action.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	switch TypeOf(err) {
	case ErrorTypeConnection, ErrorTypeTransport, ErrorTypeContent, ErrorTypeState:
		return true
	case ErrorTypeConfiguration, ErrorTypeValidation, ErrorTypeConflict:
		return false
	default:
		return false
	}
}

// ExceptionReport renders err as "<RootType>: <root message>". The root is
// the innermost error of the Unwrap chain. Anonymous roots (errors.New,
// fmt.Errorf) are reported under the class of the innermost *Error instead.
func ExceptionReport(err error) string {
	if err == nil {
		return ""
	}

	root := err
	var classified *Error
	for cur := err; cur != nil; cur = unwrapOne(cur) {
		if fe, ok := cur.(*Error); ok {
			classified = fe
		}
		root = cur
	}

	if fe, ok := root.(*Error); ok {
		return fmt.Sprintf("%s: %s", fe.Type.className(), fe.Message)
	}

	name := typeName(root)
	if isAnonymous(name) {
		if classified != nil {
			name = classified.Type.className()
		} else {
			name = "Error"
		}
	}
	return fmt.Sprintf("%s: %s", name, root.Error())
}

// Retryable reports whether rec may go back to its queue after a failure.
// Conflict outcomes are final and are never retried automatically.
func Retryable(rec *Record) bool {
	return !strings.HasPrefix(rec.Attribute(AttrExceptionReport), ErrorTypeConflict.className()+":")
}

func unwrapOne(err error) error {
	switch e := err.(type) {
	case interface{ Unwrap() error }:
		return e.Unwrap()
	case interface{ Unwrap() []error }:
		if errs := e.Unwrap(); len(errs) > 0 {
			return errs[0]
		}
	}
	return nil
}

func typeName(err error) string {
	t := reflect.TypeOf(err)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.PkgPath() == "" {
		return t.String()
	}
	pkg := t.PkgPath()
	if i := strings.LastIndex(pkg, "/"); i >= 0 {
		pkg = pkg[i+1:]
	}
	return pkg + "." + t.Name()
}

func isAnonymous(name string) bool {
	switch name {
	case "errors.errorString", "fmt.wrapError", "fmt.wrapErrors", "errors.joinError":
		return true
	}
	return false
}
