package session

import (
	"context"
	"errors"

	"bidwatch/cmd/internal/httpclient"
)

var (
	// ErrInvalidInput is returned when credentials or registration info are incomplete.
	ErrInvalidInput = errors.New("invalid input")

	// ErrMalformedResponse is returned when the auth endpoint answers 2xx with an unusable body.
	ErrMalformedResponse = errors.New("malformed auth response")

	// ErrPersist is returned when the session could not be written to the store.
	// The transition did not happen.
	ErrPersist = errors.New("session persist failed")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid config")
)

// Error is returned by Login and Register. Message is safe to show to a user.
type Error struct {
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Op + ": " + e.Message
	}
	if e.Err != nil {
		return e.Op + ": " + e.Err.Error()
	}
	return e.Op + " failed"
}

func (e *Error) Unwrap() error { return e.Err }

func newError(op string, err error) *Error {
	return &Error{Op: op, Message: humanMessage(op, err), Err: err}
}

func humanMessage(op string, err error) string {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "request cancelled"
	}

	var se *httpclient.StatusError
	if errors.As(err, &se) {
		switch se.Class {
		case httpclient.ClassAuthFailure:
			if se.Message != "" {
				return se.Message
			}
			if op == "login" {
				return "incorrect email or password"
			}
			return "not allowed"
		case httpclient.ClassTransient:
			return "service unavailable, try again later"
		default:
			return se.HumanMessage()
		}
	}

	switch {
	case errors.Is(err, ErrMalformedResponse):
		return "unexpected response from server"
	case errors.Is(err, ErrPersist):
		return "could not save the session"
	case errors.Is(err, ErrInvalidInput):
		return "email and password are required"
	}
	return "something went wrong"
}
