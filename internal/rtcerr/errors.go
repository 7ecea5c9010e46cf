// Package rtcerr defines the error taxonomy shared by all resilience
// components. Every error carries a stable code and a recoverability
// classification that retry loops consult before deciding to continue.
package rtcerr

import (
	"errors"
	"fmt"
)

// Code identifies an error class independent of its message.
type Code string

const (
	CodeConnectionTimeout    Code = "connection_timeout"
	CodeNetworkUnavailable   Code = "network_unavailable"
	CodeConnectionFailed     Code = "connection_failed"
	CodeTokenExpired         Code = "token_expired"
	CodeTokenRenewalFailed   Code = "token_renewal_failed"
	CodeProviderNotAvailable Code = "provider_not_available"
	CodeOperationInProgress  Code = "operation_in_progress"
	CodeAllProvidersFailed   Code = "all_providers_failed"
	CodeConfiguration        Code = "configuration_error"
)

// recoverableByCode is the default classification per code. Transient
// network conditions are worth retrying; exhausted or structural failures
// are not.
var recoverableByCode = map[Code]bool{
	CodeConnectionTimeout:    true,
	CodeNetworkUnavailable:   true,
	CodeConnectionFailed:     true,
	CodeTokenExpired:         true,
	CodeTokenRenewalFailed:   false,
	CodeProviderNotAvailable: false,
	CodeOperationInProgress:  false,
	CodeAllProvidersFailed:   false,
	CodeConfiguration:        false,
}

// Error is the structured error type used across the module.
type Error struct {
	Code        Code
	Backend     string
	Message     string
	Recoverable bool
	Cause       error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Backend != "" {
		msg = fmt.Sprintf("%s (backend %q)", msg, e.Backend)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause for errors.Is/As chains.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches two taxonomy errors by code, so sentinels compare without
// regard to message or backend.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Code == other.Code
	}
	return false
}

// WithBackend returns a copy annotated with the backend name.
func (e *Error) WithBackend(backend string) *Error {
	clone := *e
	clone.Backend = backend
	return &clone
}

func newError(code Code, message string, cause error) *Error {
	return &Error{
		Code:        code,
		Message:     message,
		Recoverable: recoverableByCode[code],
		Cause:       cause,
	}
}

// ConnectionTimeout reports that establishing a connection exceeded the
// configured deadline.
func ConnectionTimeout() *Error {
	return newError(CodeConnectionTimeout, "connection attempt timed out", nil)
}

// NetworkUnavailable reports that no usable network path exists.
func NetworkUnavailable() *Error {
	return newError(CodeNetworkUnavailable, "network unavailable", nil)
}

// ConnectionFailed wraps a backend connect failure with its reason.
func ConnectionFailed(reason string, cause error) *Error {
	return newError(CodeConnectionFailed, fmt.Sprintf("connection failed: %s", reason), cause)
}

// TokenExpired reports that a backend's credential has passed its expiry.
func TokenExpired(backend string) *Error {
	return newError(CodeTokenExpired, "token expired", nil).WithBackend(backend)
}

// TokenRenewalFailed reports that all renewal attempts for a backend were
// exhausted. The cause is the last handler error.
func TokenRenewalFailed(backend string, cause error) *Error {
	return newError(CodeTokenRenewalFailed, "token renewal failed", cause).WithBackend(backend)
}

// ProviderNotAvailable reports that a provider cannot serve a switch,
// either because it is unregistered or currently unhealthy.
func ProviderNotAvailable(name, detail string) *Error {
	msg := "provider not available"
	if detail != "" {
		msg = fmt.Sprintf("provider not available: %s", detail)
	}
	return newError(CodeProviderNotAvailable, msg, nil).WithBackend(name)
}

// OperationInProgress reports that a mutually exclusive operation is
// already running.
func OperationInProgress(op string) *Error {
	return newError(CodeOperationInProgress, fmt.Sprintf("%s already in progress", op), nil)
}

// AllProvidersFailed is the terminal fallback outcome. It wraps the error
// that originally triggered the fallback so callers can inspect the root
// cause.
func AllProvidersFailed(original error) *Error {
	return newError(CodeAllProvidersFailed, "all providers failed", original)
}

// Configuration reports an invalid configuration value.
func Configuration(msg string) *Error {
	return newError(CodeConfiguration, fmt.Sprintf("invalid configuration: %s", msg), nil)
}

// Configurationf is Configuration with formatting.
func Configurationf(format string, args ...interface{}) *Error {
	return Configuration(fmt.Sprintf(format, args...))
}

// IsRecoverable reports whether a retry loop should keep going after err.
// Taxonomy errors carry their own classification; unknown errors default
// to recoverable, since opaque backend failures are treated as transient
// until classified otherwise.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Recoverable
	}
	return true
}

// CodeOf extracts the taxonomy code from an error chain, or empty string
// if the chain carries no taxonomy error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// HasCode reports whether the error chain contains the given code.
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}
