package errors

import (
	"errors"
	"fmt"
)

// Code is a stable, machine-readable error type mapped to process exit codes.
type Code int

const (
	CodeSuccess     Code = 0
	CodeInternal    Code = 1
	CodeUsage       Code = 2
	CodeAuth        Code = 10
	CodeRateLimited Code = 11
	CodeUnavailable Code = 12
	CodeUnsupported Code = 13
	CodeBlocked     Code = 16
	CodeSigner      Code = 17

	// Swap taxonomy. Every aggregator or provider failure surfaced to a caller
	// carries exactly one of these.
	CodeInvalidInput          Code = 20
	CodeInsufficientBalance   Code = 21
	CodeInsufficientLiquidity Code = 22
	CodeApprovalRequired      Code = 23
	CodeApprovalFailed        Code = 24
	CodeInvalidTokenAddress   Code = 25
	CodeNetwork               Code = 26
	CodeAggregator            Code = 27
)

// Error is a typed CLI error that carries a stable error code.
type Error struct {
	Code    Code
	Message string
	Cause   error
	// Status is the upstream HTTP status when the error came from the aggregator.
	Status  int
	Details map[string]string
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// WithDetail sets a detail key and returns the same error for chaining.
func (e *Error) WithDetail(key, value string) *Error {
	if e.Details == nil {
		e.Details = map[string]string{}
	}
	e.Details[key] = value
	return e
}

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

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code Code) bool {
	typed, ok := As(err)
	return ok && typed.Code == code
}

func ExitCode(err error) int {
	if err == nil {
		return int(CodeSuccess)
	}
	if cliErr, ok := As(err); ok {
		return int(cliErr.Code)
	}
	return int(CodeInternal)
}

// Kind returns the envelope type name for a code.
func Kind(code Code) string {
	switch code {
	case CodeUsage:
		return "usage_error"
	case CodeAuth:
		return "auth_error"
	case CodeRateLimited:
		return "rate_limited"
	case CodeUnavailable:
		return "provider_unavailable"
	case CodeUnsupported:
		return "unsupported"
	case CodeBlocked:
		return "command_blocked"
	case CodeSigner:
		return "signer_error"
	case CodeInvalidInput:
		return "invalid_input"
	case CodeInsufficientBalance:
		return "insufficient_balance"
	case CodeInsufficientLiquidity:
		return "insufficient_liquidity"
	case CodeApprovalRequired:
		return "approval_required"
	case CodeApprovalFailed:
		return "approval_failed"
	case CodeInvalidTokenAddress:
		return "invalid_token_address"
	case CodeNetwork:
		return "network_error"
	case CodeAggregator:
		return "aggregator_error"
	default:
		return "internal_error"
	}
}
