package remote

import (
	"errors"
	"fmt"
)

// Kind classifies expected failures of remote operations.
type Kind string

const (
	KindNotAuthenticated  Kind = "not_authenticated"
	KindTransportFailure  Kind = "transport_failure"
	KindRemoteRejected    Kind = "remote_rejected"
	KindValidationFailure Kind = "validation_failure"
)

// Error is the only error type returned by Client operations.
type Error struct {
	Kind    Kind
	Op      string
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op == "" {
		return msg
	}
	return e.Op + ": " + msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches another *Error of the same Kind, so the sentinels below work
// with errors.Is regardless of Op or Message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return e.Kind == t.Kind
}

var (
	ErrNotAuthenticated  = &Error{Kind: KindNotAuthenticated, Message: "not authenticated"}
	ErrTransportFailure  = &Error{Kind: KindTransportFailure}
	ErrRemoteRejected    = &Error{Kind: KindRemoteRejected}
	ErrValidationFailure = &Error{Kind: KindValidationFailure}
)

// KindOf returns the Kind of err, or "" when err is not a remote error.
func KindOf(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return ""
}

// UserMessage is the text shown in the view's message slot: the remote
// message verbatim for rejections, the full error otherwise.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var re *Error
	if errors.As(err, &re) {
		switch {
		case re.Kind == KindNotAuthenticated:
			return "Not authenticated"
		case re.Message != "":
			return re.Message
		}
	}
	return err.Error()
}

func notAuthenticated(op string) *Error {
	return &Error{Kind: KindNotAuthenticated, Op: op, Message: "not authenticated"}
}

func validationf(op, format string, args ...any) *Error {
	return &Error{Kind: KindValidationFailure, Op: op, Message: fmt.Sprintf(format, args...)}
}

func transport(op string, status int, msg string, err error) *Error {
	return &Error{Kind: KindTransportFailure, Op: op, Status: status, Message: msg, Err: err}
}

func rejected(op string, status int, msg string) *Error {
	if msg == "" {
		msg = "request rejected"
	}
	return &Error{Kind: KindRemoteRejected, Op: op, Status: status, Message: msg}
}

// IsKind reports whether err is a remote error of the given kind.
func IsKind(err error, kind Kind) bool {
	return kind != "" && KindOf(err) == kind
}
