package session

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrorKind is the client-visible failure class carried in a response.
type ErrorKind string

const (
	KindUnknownOperation       ErrorKind = "UnknownOperation"
	KindInvalidArguments       ErrorKind = "InvalidArguments"
	KindDuplicateCorrelationID ErrorKind = "DuplicateCorrelationId"
	KindControllerError        ErrorKind = "ControllerError"
	KindTimeout                ErrorKind = "Timeout"
	KindForbidden              ErrorKind = "Forbidden"

	// KindConnectionClosed resolves commands of a connection that went away.
	// It is never sent.
	KindConnectionClosed ErrorKind = "ConnectionClosed"
)

var (
	ErrDuplicateCorrelationID = errors.New("correlation id already pending on this connection")
	ErrShuttingDown           = errors.New("session coordinator is shutting down")
	ErrOutboxClosed           = errors.New("outbox closed")
	ErrResponseBacklog        = errors.New("response backlog exceeded")
)

// CommandError is the error object of a response.
type CommandError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Code    *int      `json:"code,omitempty"`
}

func (e *CommandError) Error() string {
	if e.Code != nil {
		return fmt.Sprintf("%s (%d): %s", e.Kind, *e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func newError(kind ErrorKind, format string, args ...any) *CommandError {
	return &CommandError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Outcome is what a pending command resolved with: exactly one of Result or
// Err is set.
type Outcome struct {
	Result json.RawMessage
	Err    *CommandError
}

func success(result json.RawMessage) Outcome {
	return Outcome{Result: result}
}

func failure(err *CommandError) Outcome {
	return Outcome{Err: err}
}

// Kind returns the error kind, or "" for a success.
func (o Outcome) Kind() ErrorKind {
	if o.Err == nil {
		return ""
	}
	return o.Err.Kind
}
