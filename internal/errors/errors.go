package errors

import (
	"errors"
	"fmt"
)

// Code is a stable, machine-readable error type mapped to process exit codes
// and to the error type reported in execution state and API responses.
type Code int

const (
	CodeSuccess  Code = 0
	CodeInternal Code = 1
	CodeUsage    Code = 2

	CodeSigner      Code = 10
	CodeRateLimited Code = 11
	CodeUnavailable Code = 12
	CodeUnsupported Code = 13
	CodeNotFound    Code = 14
	CodeConflict    Code = 15
	CodeBlocked     Code = 16
	CodeAuth        Code = 17

	CodeValidation          Code = 20
	CodeFundingNotConfirmed Code = 21
	CodeStepExecutionFailed Code = 22
	CodeVerificationTimeout Code = 23
	CodeCompensationFailed  Code = 24
)

var codeNames = map[Code]string{
	CodeSuccess:             "success",
	CodeInternal:            "internal_error",
	CodeUsage:               "usage_error",
	CodeSigner:              "signer_error",
	CodeUnavailable:         "unavailable",
	CodeUnsupported:         "unsupported",
	CodeNotFound:            "not_found",
	CodeConflict:            "conflict",
	CodeBlocked:             "command_blocked",
	CodeAuth:                "auth_error",
	CodeRateLimited:         "rate_limited",
	CodeValidation:          "validation_error",
	CodeFundingNotConfirmed: "funding_not_confirmed",
	CodeStepExecutionFailed: "step_execution_failed",
	CodeVerificationTimeout: "verification_timeout",
	CodeCompensationFailed:  "compensation_failed",
}

// Name returns the snake_case type name of the code.
func (c Code) Name() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return "unknown"
}

// Error is a typed error that carries a stable error code.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

func As(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// CodeOf returns the outermost code attached to err, or CodeInternal.
func CodeOf(err error) Code {
	if err == nil {
		return CodeSuccess
	}
	if typed, ok := As(err); ok {
		return typed.Code
	}
	return CodeInternal
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code Code) bool {
	for err != nil {
		var typed *Error
		if !errors.As(err, &typed) {
			return false
		}
		if typed.Code == code {
			return true
		}
		err = typed.Cause
	}
	return false
}

func ExitCode(err error) int {
	if err == nil {
		return int(CodeSuccess)
	}
	return int(CodeOf(err))
}
