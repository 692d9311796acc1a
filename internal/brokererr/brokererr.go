// Package brokererr defines the broker's typed error taxonomy. Every
// engine method returns one of these (wrapped with %w where useful)
// instead of using exceptions-as-control-flow; the dispatcher maps
// them to the wire {error, code, suggestion?} body.
package brokererr

import (
	"errors"
	"fmt"
)

// Code is one of the fixed taxonomy values from the error handling
// design: the set is closed, dispatcher logic switches on it.
type Code string

const (
	CoordinatorUnavailable Code = "COORDINATOR_UNAVAILABLE"
	AgentNotFound          Code = "AGENT_NOT_FOUND"
	InvalidRequest         Code = "INVALID_REQUEST"
	RateLimited            Code = "RATE_LIMITED"
	AuthFailed             Code = "AUTH_FAILED"
	Forbidden              Code = "FORBIDDEN"
	ShuttingDown           Code = "SHUTTING_DOWN"
)

// Error is the broker's structured error type.
type Error struct {
	Code       Code
	Message    string
	Suggestion string
	cause      error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

func newErr(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// Wrap attaches an underlying cause to a new error of the given code,
// preserving the cause for errors.Is/As.
func Wrap(code Code, msg string, cause error) *Error {
	e := newErr(code, msg)
	e.cause = cause
	return e
}

// WithSuggestion returns a copy of err with Suggestion set.
func (e *Error) WithSuggestion(s string) *Error {
	cp := *e
	cp.Suggestion = s
	return &cp
}

func CoordUnavailable(cause error) *Error {
	return Wrap(CoordinatorUnavailable, "cannot reach the state store", cause)
}

func NotFound(agentID string) *Error {
	return newErr(AgentNotFound, fmt.Sprintf("agent %q is not registered", agentID)).
		WithSuggestion("call list_agents to see available ids")
}

func Invalid(msg string) *Error {
	return newErr(InvalidRequest, msg)
}

func Invalidf(format string, args ...interface{}) *Error {
	return newErr(InvalidRequest, fmt.Sprintf(format, args...))
}

func Limited(retryAfter int) *Error {
	return newErr(RateLimited, "rate limit exceeded").
		WithSuggestion(fmt.Sprintf("retry after %ds", retryAfter))
}

func Unauthenticated(msg string) *Error {
	return newErr(AuthFailed, msg)
}

func Denied(agentID, pattern string) *Error {
	return newErr(Forbidden, fmt.Sprintf("agent %q does not match pattern %q", agentID, pattern))
}

func Draining() *Error {
	return newErr(ShuttingDown, "the broker is shutting down").
		WithSuggestion("reconnect to a successor")
}

// CodeOf returns the Code of err if it is (or wraps) a *Error, and
// COORDINATOR_UNAVAILABLE otherwise — unrecognized errors are treated
// as store-level failures per the dispatcher's mapping rule.
func CodeOf(err error) Code {
	var be *Error
	if errors.As(err, &be) {
		return be.Code
	}
	return CoordinatorUnavailable
}
