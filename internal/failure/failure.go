// Package failure defines the error taxonomy shared by the scheduler, the upload
// coordinator and the transfer sessions.
//
// Every error that crosses a component boundary is classified into exactly one Class.
// Unclassified errors are treated as Transient, context cancellation as Canceled.
package failure

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

type Class string

const (
	Validation     Class = "validation"
	Transient      Class = "transient_network"
	RateLimited    Class = "rate_limit_exceeded"
	AuthExpired    Class = "auth_expired"
	RemoteRejected Class = "remote_rejected"
	Persistence    Class = "persistence"
	Canceled       Class = "canceled"
)

// Error is a classified error.
type Error struct {
	Class Class
	Op    string
	Msg   string
	Err   error

	// RetryAfter is a remote or budget supplied hint (RateLimited only).
	RetryAfter time.Duration
	// RemoteCode is the remote endpoint's error code, if any.
	RemoteCode int
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Class))
	if e.Op != "" {
		b.WriteString(" (")
		b.WriteString(e.Op)
		b.WriteString(")")
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

func (e *Error) Unwrap() error { return e.Err }

// Is matches on class so errors.Is(err, &failure.Error{Class: failure.AuthExpired}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Class == e.Class && t.Op == "" && t.Msg == "" && t.Err == nil
}

func New(class Class, op, msg string) *Error {
	return &Error{Class: class, Op: op, Msg: msg}
}

func Wrap(class Class, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Class: class, Op: op, Err: err}
}

func Validationf(format string, args ...any) error {
	return &Error{Class: Validation, Msg: fmt.Sprintf(format, args...)}
}

func Rejected(op, reason string, code int) error {
	return &Error{Class: RemoteRejected, Op: op, Msg: reason, RemoteCode: code}
}

func RateLimit(op string, after time.Duration, err error) error {
	return &Error{Class: RateLimited, Op: op, Err: err, RetryAfter: after}
}

// ClassOf returns the class of err. nil returns "".
func ClassOf(err error) Class {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Class
	}
	if errors.Is(err, context.Canceled) {
		return Canceled
	}
	return Transient
}

// Is reports whether err is classified as class.
func Is(err error, class Class) bool { return err != nil && ClassOf(err) == class }

// RetryAfterOf returns the RetryAfter hint carried by err, if any.
func RetryAfterOf(err error) (time.Duration, bool) {
	var fe *Error
	if errors.As(err, &fe) && fe.RetryAfter > 0 {
		return fe.RetryAfter, true
	}
	return 0, false
}

// Retryable reports whether a job that failed with class may be re-queued automatically.
func Retryable(class Class) bool {
	return class == Transient || class == RateLimited
}

// CountsAttempt reports whether a failure of class consumes one of the job's attempts.
func CountsAttempt(class Class) bool {
	return class != RateLimited && class != Canceled
}
