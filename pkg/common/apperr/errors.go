package apperr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

type Kind string

const (
	KindNotFound   Kind = "not_found"
	KindConflict   Kind = "conflict"
	KindValidation Kind = "validation_error"
	KindStore      Kind = "store_error"
	KindRuntime    Kind = "runtime_error"
	KindRemote     Kind = "remote_processing_error"
	KindConnection Kind = "connection_error"
	KindTimeout    Kind = "timeout_error"
	KindCancelled  Kind = "cancelled"
	KindInternal   Kind = "internal_error"
)

// Error is the single error shape returned by controllers and streamers.
// Loc and Input are only set for errors caused by caller input.
type Error struct {
	Kind  Kind
	Loc   []string
	Msg   string
	Input interface{}
	Err   error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if len(e.Loc) > 0 {
		b.WriteString(" at ")
		b.WriteString(strings.Join(e.Loc, "."))
	}
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Invalid reports a malformed input field.
func Invalid(field string, input interface{}, msg string) *Error {
	return &Error{Kind: KindValidation, Loc: []string{"body", field}, Msg: msg, Input: input}
}

// KindOf classifies err. Errors that were never wrapped into an *Error are
// inspected for context and network failures before falling back to internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindConnection
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindConnection
	}
	return KindInternal
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Classify wraps err into an *Error if it is not one already.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return &Error{Kind: KindOf(err), Err: err}
}
