// Package corerr defines the error taxonomy shared by every Nexus Core
// component. Operations return explicit (T, error) results; errors carry a
// stable Code so callers can branch on kind without string matching.
package corerr

import (
	"errors"
	"fmt"
)

// Code is a stable error classification. Codes are part of the audit
// surface (they appear in trace events and HTTP error envelopes) so they
// must never be renamed once shipped.
type Code string

const (
	CodeValidation             Code = "VALIDATION_ERROR"
	CodeNotFound               Code = "NOT_FOUND"
	CodeToolNotAllowed         Code = "TOOL_NOT_ALLOWED"
	CodeToolNotFound           Code = "TOOL_NOT_FOUND"
	CodeToolExecutionError     Code = "TOOL_EXECUTION_ERROR"
	CodeDailyBudgetExceeded    Code = "DAILY_BUDGET_EXCEEDED"
	CodeMonthlyBudgetExceeded  Code = "MONTHLY_BUDGET_EXCEEDED"
	CodeRPMExceeded            Code = "RPM_EXCEEDED"
	CodeRPHExceeded            Code = "RPH_EXCEEDED"
	CodeConfigError            Code = "CONFIG_ERROR"
	CodePromptNotConfigured    Code = "PROMPT_NOT_CONFIGURED"
	CodeProviderRateLimit      Code = "PROVIDER_RATE_LIMIT"
	CodeProviderServerError    Code = "PROVIDER_SERVER_ERROR"
	CodeProviderTimeout        Code = "PROVIDER_TIMEOUT"
	CodeProviderUnknown        Code = "PROVIDER_UNKNOWN"
	CodeHumanApprovalPending   Code = "HUMAN_APPROVAL_PENDING"
	CodeSecretNotFound         Code = "SECRET_NOT_FOUND"
	CodeSecretDecryptFailed    Code = "SECRET_DECRYPT_FAILED"
	CodeAgentTimeout           Code = "AGENT_TIMEOUT"
	CodeAborted                Code = "ABORTED"
	CodeInternal               Code = "INTERNAL_ERROR"
	CodeConflict               Code = "CONFLICT"
)

// Error is the concrete error type returned by core operations. It is
// comparable by Code via Is/As, and never carries secret material in
// Message or Context — see internal/secrets for the confidentiality
// invariant this depends on.
type Error struct {
	Code    Code
	Message string
	Context map[string]any
	Cause   error
}

func (e *Error) Error() string {
	if e.Message == "" && e.Cause != nil {
		return fmt.Sprintf("[%s] %v", e.Code, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is makes errors.Is(err, New(code, "")) match purely on Code, ignoring
// Message/Context/Cause — the common case of checking error kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New builds an *Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf builds an *Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code to an underlying error without discarding it.
func Wrap(code Code, cause error) *Error {
	return &Error{Code: code, Cause: cause}
}

// WithContext returns a copy of e with the given context key/value merged
// in. Context must never contain secret material (see internal/secrets).
func (e *Error) WithContext(key string, value any) *Error {
	cp := *e
	cp.Context = make(map[string]any, len(e.Context)+1)
	for k, v := range e.Context {
		cp.Context[k] = v
	}
	cp.Context[key] = value
	return &cp
}

// CodeOf extracts the Code from err, returning CodeInternal if err is not
// (or does not wrap) a *Error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// HasCode reports whether err is, or wraps, a *Error with the given code.
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}
