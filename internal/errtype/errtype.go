// Package errtype defines the kernel's error taxonomy (spec §7): the small
// set of kinds that every failure path is eventually classified into before
// it crosses a protocol boundary (a shell reply, a DAP response, a comm_msg
// error field).
//
// This mirrors how internal/goexec/errorpublish.go turns an arbitrary Go
// error into the (ename, evalue, traceback) triple gonb sends back on
// "execute_reply"/"error" messages -- generalized here into named error
// kinds so every component (dispatcher, DAP, comms) classifies consistently
// instead of each inventing its own ename strings.
package errtype

import "fmt"

// Kind names one of the taxonomy's error kinds.
type Kind string

const (
	KindProtocol    Kind = "ProtocolError"
	KindAuth        Kind = "AuthError"
	KindRError      Kind = "RError"
	KindCancelled   Kind = "Cancelled"
	KindTimeout     Kind = "Timeout"
	KindNotSupport  Kind = "NotSupported"
	KindInternal    Kind = "InternalError"
)

// Error is the concrete error type carrying a Kind plus whatever detail the
// R side or the protocol layer attached.
type Error struct {
	Kind    Kind
	Message string

	// RCall, RClasses and RTraceback are populated only for Kind == KindRError.
	RCall      string
	RClasses   []string
	RTraceback []string

	Cause error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a plain Error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error of the given kind around an existing error, keeping
// it reachable via errors.Unwrap/errors.Is.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// RError builds the structured error representing an error raised from
// within R (spec §3 "R Task" / §7): message, optional call expression,
// class chain, and a formatted traceback.
func RError(message, call string, classes, traceback []string) *Error {
	return &Error{
		Kind:       KindRError,
		Message:    message,
		RCall:      call,
		RClasses:   classes,
		RTraceback: traceback,
	}
}

// Cancelled is the sentinel returned when a Sync task's completion handle
// resolves because the main thread was interrupted while the task was
// running (spec §3's "R Task" invariant).
func Cancelled() *Error {
	return &Error{Kind: KindCancelled, Message: "interrupted"}
}

// TimedOut is returned when a Sync task exceeds its deadline (spec §5).
func TimedOut() *Error {
	return &Error{Kind: KindTimeout, Message: "deadline exceeded"}
}

// AsKind reports whether err is an *Error of the given kind, and returns it.
func AsKind(err error, kind Kind) (*Error, bool) {
	e, ok := err.(*Error)
	if !ok || e.Kind != kind {
		return nil, false
	}
	return e, true
}

// JupyterFields renders the error into the (ename, evalue, traceback) triple
// that execute_reply{status:error} and the IOPub "error" message both carry.
// Grounded on internal/goexec/errorpublish.go's JupyterErrorSplit.
func JupyterFields(err error) (ename, evalue string, traceback []string) {
	e, ok := err.(*Error)
	if !ok {
		return "InternalError", err.Error(), []string{err.Error()}
	}
	switch e.Kind {
	case KindRError:
		ename = firstOr(e.RClasses, "Error")
		evalue = e.Message
		if len(e.RTraceback) > 0 {
			traceback = e.RTraceback
		} else {
			traceback = []string{e.Message}
		}
	case KindCancelled:
		ename = "KeyboardInterrupt"
		evalue = e.Message
		traceback = []string{"KeyboardInterrupt"}
	default:
		ename = string(e.Kind)
		evalue = e.Message
		traceback = []string{e.Error()}
	}
	return
}

func firstOr(s []string, fallback string) string {
	if len(s) == 0 {
		return fallback
	}
	return s[0]
}
