package controller

import (
	"errors"
	"fmt"
)

// ErrorCode classifies engine failures. The numeric values are part of the
// wire format.
type ErrorCode int

const (
	CodeUnknown ErrorCode = iota
	CodeNodeCommissionFailed
	CodeNodeInterviewFailed
	CodeNodeNotReady
	CodeNodeNotResolving
	CodeNodeNotExists
	CodeVersionMismatch
	CodeStackError
	CodeInvalidArguments
	CodeInvalidCommand
	CodeUpdateCheckError
	CodeUpdateError
)

var codeNames = map[ErrorCode]string{
	CodeUnknown:              "unknown_error",
	CodeNodeCommissionFailed: "node_commission_failed",
	CodeNodeInterviewFailed:  "node_interview_failed",
	CodeNodeNotReady:         "node_not_ready",
	CodeNodeNotResolving:     "node_not_resolving",
	CodeNodeNotExists:        "node_not_exists",
	CodeVersionMismatch:      "version_mismatch",
	CodeStackError:           "stack_error",
	CodeInvalidArguments:     "invalid_arguments",
	CodeInvalidCommand:       "invalid_command",
	CodeUpdateCheckError:     "update_check_error",
	CodeUpdateError:          "update_error",
}

func (c ErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("code_%d", int(c))
}

// Error is a failure reported by the engine for one operation.
type Error struct {
	Code    ErrorCode
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Errorf builds an *Error.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsError extracts an engine error from err. Errors that did not come from
// the engine are reported as CodeUnknown with their text preserved.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	return &Error{Code: CodeUnknown, Message: err.Error()}
}
