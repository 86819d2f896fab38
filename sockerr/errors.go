// Package sockerr defines the error taxonomy used throughout sockcore.
//
// Every error that crosses a user callback or a returned-to-caller boundary
// is one of the six kinds below. Construction goes through
// github.com/getlantern/errors so that every error carries structured fields
// (syscall, code, errno, address, port) a host can surface without parsing
// error strings.
package sockerr

import (
	"fmt"

	"github.com/getlantern/errors"
)

// Kind classifies an error the way a host embedding sockcore needs to
// distinguish thrown-synchronously errors from callback-delivered ones.
type Kind int

const (
	// KindInvalidArguments means a caller passed a malformed configuration
	// or handler shape. Always surfaced synchronously.
	KindInvalidArguments Kind = iota
	// KindInvalidState means the operation doesn't apply to the engine's
	// current state (e.g. setServername after the handshake started).
	KindInvalidState
	// KindConnect means a connect/bind/listen failed at the transport level.
	KindConnect
	// KindRead means an established connection failed during I/O.
	KindRead
	// KindTLS means the TLS engine's error queue produced a failure.
	KindTLS
	// KindShutdown marks a write/end attempted on a closed or shut-down
	// engine; this kind is never thrown, only returned as a sentinel.
	KindShutdown
)

func (k Kind) String() string {
	switch k {
	case KindInvalidArguments:
		return "InvalidArguments"
	case KindInvalidState:
		return "InvalidState"
	case KindConnect:
		return "ConnectError"
	case KindRead:
		return "ReadError"
	case KindTLS:
		return "TLSError"
	case KindShutdown:
		return "ShutdownError"
	default:
		return "UnknownError"
	}
}

// Error wraps a *errors.Error with a Kind and the attributes user-visible
// failures should carry where applicable.
type Error struct {
	cause   *errors.Error
	kind    Kind
	Syscall string
	Code    string
	Errno   int
	Address string
	Port    int
}

func (e *Error) Error() string {
	return e.cause.Error()
}

// Unwrap lets callers use errors.As/errors.Is against the wrapped cause.
func (e *Error) Unwrap() error {
	return e.cause
}

// Kind reports which of the six taxonomy members this error belongs to.
func (e *Error) Kind() Kind {
	return e.kind
}

// New builds a Kind-tagged *Error formatted like fmt.Sprintf.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{
		cause: errors.New(fmt.Sprintf(format, args...)),
		kind:  kind,
	}
}

// Wrap tags an existing error with a Kind, preserving it as the cause.
func Wrap(kind Kind, cause error) *Error {
	return &Error{
		cause: errors.Wrap(cause),
		kind:  kind,
	}
}

// WithSyscall attaches syscall/code/errno attributes, chainable like
// getlantern/errors' own With(...).
func (e *Error) WithSyscall(syscall, code string, errno int) *Error {
	e.Syscall = syscall
	e.Code = code
	e.Errno = errno
	e.cause = e.cause.With("syscall", syscall).With("code", code).With("errno", errno)
	return e
}

// WithAddress attaches address/port attributes for connect/listen failures.
func (e *Error) WithAddress(address string, port int) *Error {
	e.Address = address
	e.Port = port
	e.cause = e.cause.With("address", address).With("port", port)
	return e
}

// Connect builds a KindConnect error carrying syscall "connect", the
// errno-derived code, and the dialed address.
func Connect(address string, port int, code string, errno int, cause error) *Error {
	e := New(KindConnect, "connect %s: %s", address, code)
	if cause != nil {
		e.cause = e.cause.With("cause", cause.Error())
	}
	return e.WithSyscall("connect", code, errno).WithAddress(address, port)
}

// Listen builds a KindConnect error for a failed bind/listen.
func Listen(address string, port int, code string, errno int, cause error) *Error {
	e := New(KindConnect, "listen %s: %s", address, code)
	if cause != nil {
		e.cause = e.cause.With("cause", cause.Error())
	}
	return e.WithSyscall("listen", code, errno).WithAddress(address, port)
}

// InvalidArguments is the synchronous "bad shape" error.
func InvalidArguments(format string, args ...interface{}) *Error {
	return New(KindInvalidArguments, format, args...)
}

// InvalidState is the synchronous "wrong state for this op" error, e.g.
// setting SNI after the TLS context initialized, or upgrading a detached,
// pipe, or already-TLS engine.
func InvalidState(format string, args ...interface{}) *Error {
	return New(KindInvalidState, format, args...)
}

// Read wraps a runtime I/O failure on an established connection, delivered
// through the close callback's err argument.
func Read(cause error) *Error {
	return Wrap(KindRead, cause)
}

// TLS wraps a failure surfaced from the TLS engine's error queue.
func TLS(format string, args ...interface{}) *Error {
	return New(KindTLS, format, args...)
}

// ErrShutdown is the sentinel returned (never thrown) by write/end on a
// closed or shut-down engine.
var ErrShutdown = New(KindShutdown, "write on closed or shut-down socket")
