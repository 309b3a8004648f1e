package storage

import (
	"errors"
	"fmt"
)

// Kind classifies a backend failure.
type Kind int

const (
	// KindUnknown is any failure that fits no other kind.
	KindUnknown Kind = iota
	// KindConfiguration is a driver set up with invalid settings.
	KindConfiguration
	// KindConnection is a failure to reach the backend.
	KindConnection
	// KindNotFound is a missing file or directory.
	KindNotFound
	// KindParameter is an invalid argument such as an escaping path.
	KindParameter
	// KindRequest is a backend refusing or failing a request.
	KindRequest
)

// Sentinels matched by errors.Is against any *Error of the same kind.
var (
	ErrConfiguration = errors.New("storage: configuration error")
	ErrConnection    = errors.New("storage: connection error")
	ErrNotFound      = errors.New("storage: not found")
	ErrParameter     = errors.New("storage: parameter error")
	ErrRequest       = errors.New("storage: request error")
	ErrUnknown       = errors.New("storage: unknown error")

	errPathEscapesRoot = errors.New("path escapes driver root")
	errNotEmpty        = errors.New("not empty")
)

func (k Kind) sentinel() error {
	switch k {
	case KindConfiguration:
		return ErrConfiguration
	case KindConnection:
		return ErrConnection
	case KindNotFound:
		return ErrNotFound
	case KindParameter:
		return ErrParameter
	case KindRequest:
		return ErrRequest
	default:
		return ErrUnknown
	}
}

// String returns the lower-case name of the kind.
func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindConnection:
		return "connection"
	case KindNotFound:
		return "not found"
	case KindParameter:
		return "parameter"
	case KindRequest:
		return "request"
	default:
		return "unknown"
	}
}

// Error is the normalized backend failure returned by every driver.
// The wrapped Err keeps the native error for diagnostics.
type Error struct {
	Kind Kind
	Op   string
	Path string
	Err  error
}

func newError(kind Kind, op, p string, err error) *Error {
	return &Error{Kind: kind, Op: op, Path: p, Err: err}
}

// Error implements error.
func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("storage %s %q: %s", e.Op, e.Path, e.Kind)
	}
	return fmt.Sprintf("storage %s %q: %s: %v", e.Op, e.Path, e.Kind, e.Err)
}

// Unwrap returns the native error.
func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel of the error's kind.
func (e *Error) Is(target error) bool {
	return target == e.Kind.sentinel()
}

// KindOf returns the Kind of err, or KindUnknown when err is not an *Error.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindUnknown
}
