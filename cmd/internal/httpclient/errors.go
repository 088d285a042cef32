package httpclient

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrAuthFailure matches 401/403 responses. Terminal: never retried.
	ErrAuthFailure = errors.New("auth failure")

	// ErrTransient matches 5xx responses and network errors. Retried up to the attempt cap.
	ErrTransient = errors.New("transient failure")

	// ErrClientError matches other 4xx responses. Surfaced immediately.
	ErrClientError = errors.New("client error")

	// ErrConfig is returned for invalid client configuration.
	ErrConfig = errors.New("invalid http client config")
)

// Class is the failure class of a response.
type Class uint8

const (
	// ClassOK is a 2xx (or 1xx/3xx passed through by net/http) response.
	ClassOK Class = iota
	// ClassAuthFailure is 401 or 403.
	ClassAuthFailure
	// ClassTransient is 5xx or a transport error.
	ClassTransient
	// ClassClientError is any other 4xx.
	ClassClientError
)

// String returns the metrics/log label of the class.
func (c Class) String() string {
	switch c {
	case ClassAuthFailure:
		return "auth"
	case ClassTransient:
		return "transient"
	case ClassClientError:
		return "client"
	default:
		return "ok"
	}
}

// Classify maps an HTTP status code to its class.
func Classify(status int) Class {
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return ClassAuthFailure
	case status >= 500:
		return ClassTransient
	case status >= 400:
		return ClassClientError
	default:
		return ClassOK
	}
}

func (c Class) sentinel() error {
	switch c {
	case ClassAuthFailure:
		return ErrAuthFailure
	case ClassTransient:
		return ErrTransient
	case ClassClientError:
		return ErrClientError
	default:
		return nil
	}
}

// StatusError is returned for every failed request.
//
// Status is 0 for transport errors; Err then carries the cause.
type StatusError struct {
	Class    Class
	Status   int
	Code     string
	Message  string
	Method   string
	Path     string
	Attempts int
	Err      error
}

func (e *StatusError) Error() string {
	var b strings.Builder
	b.WriteString(e.Method)
	b.WriteByte(' ')
	b.WriteString(e.Path)
	b.WriteString(": ")
	if e.Status > 0 {
		fmt.Fprintf(&b, "status %d", e.Status)
	} else {
		b.WriteString(e.Class.String())
	}
	if msg := e.Message; msg != "" {
		b.WriteString(": ")
		b.WriteString(msg)
	} else if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if e.Attempts > 1 {
		fmt.Fprintf(&b, " (after %d attempts)", e.Attempts)
	}
	return b.String()
}

// Unwrap exposes the class sentinel and the transport cause to errors.Is/As.
func (e *StatusError) Unwrap() []error {
	out := make([]error, 0, 2)
	if s := e.Class.sentinel(); s != nil {
		out = append(out, s)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// HumanMessage returns the server-provided message, falling back to the status text.
func (e *StatusError) HumanMessage() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Status > 0 {
		return http.StatusText(e.Status)
	}
	if e.Class == ClassTransient {
		return "service unreachable"
	}
	return e.Error()
}
