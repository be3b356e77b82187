// Package syncerr defines the failure taxonomy shared by the request pipeline,
// the remote store and the sync coordinator.
package syncerr

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNetwork   = errors.New("network error")
	ErrAuth      = errors.New("auth error")
	ErrClient    = errors.New("client error")
	ErrServer    = errors.New("server error")
	ErrRateLimit = errors.New("rate limit exceeded")
	ErrSchema    = errors.New("schema error")
	ErrTimeout   = errors.New("timeout")
	ErrConflict  = errors.New("version conflict")
)

// Error is a classified failure. Kind is always one of the package sentinels,
// so callers match with errors.Is(err, syncerr.ErrServer) and friends.
type Error struct {
	Kind       error
	Op         string
	StatusCode int
	Code       string
	Message    string
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if msg == "" && e.Kind != nil {
		msg = e.Kind.Error()
	}
	prefix := e.Op
	if e.StatusCode > 0 {
		if prefix != "" {
			prefix += ": "
		}
		prefix += fmt.Sprintf("http %d", e.StatusCode)
		if e.Code != "" {
			prefix += " " + e.Code
		}
	}
	if prefix == "" {
		return msg
	}
	return prefix + ": " + msg
}

func (e *Error) Is(target error) bool {
	return e.Kind != nil && target == e.Kind
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(kind error, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

func Wrap(kind error, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// FromStatus classifies a non-2xx HTTP status.
func FromStatus(op string, status int, code, message string) *Error {
	if message == "" {
		message = fmt.Sprintf("HTTP %d: %s", status, http.StatusText(status))
	}
	e := &Error{Op: op, StatusCode: status, Code: code, Message: message}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e.Kind = ErrAuth
	case status == http.StatusTooManyRequests:
		e.Kind = ErrRateLimit
	case status >= 400 && status <= 499:
		e.Kind = ErrClient
	default:
		e.Kind = ErrServer
	}
	return e
}

// Retryable reports whether the pipeline should try the call again.
func Retryable(err error) bool {
	return errors.Is(err, ErrServer) || errors.Is(err, ErrNetwork) || errors.Is(err, ErrRateLimit)
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode
	}
	return 0
}

// IsNotFound reports a 404 from the platform.
func IsNotFound(err error) bool {
	return StatusCode(err) == http.StatusNotFound
}
