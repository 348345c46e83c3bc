// Package errors provides structured error handling for scanlink operations.
// It defines error codes for the connection, request and bootstrap failure
// classes and helpers to inspect errors that travel through wrapped chains.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents different types of errors that can occur.
type ErrorCode string

const (
	// General errors.
	CodeUnknown       ErrorCode = "UNKNOWN"
	CodeValidation    ErrorCode = "VALIDATION"
	CodeConfiguration ErrorCode = "CONFIGURATION"
	CodeCanceled      ErrorCode = "CANCELED"

	// Connection errors.
	CodeConnectFailure   ErrorCode = "CONNECT_FAILURE"
	CodeNotConnected     ErrorCode = "NOT_CONNECTED"
	CodeConnectionClosed ErrorCode = "CONNECTION_CLOSED"
	CodeUnreachable      ErrorCode = "UNREACHABLE"

	// Request errors.
	CodeRequestTimeout ErrorCode = "REQUEST_TIMEOUT"
	CodeServerError    ErrorCode = "SERVER_ERROR"

	// Protocol and session errors.
	CodeProtocol         ErrorCode = "PROTOCOL_ERROR"
	CodeBootstrapFailure ErrorCode = "BOOTSTRAP_FAILURE"
)

// ConnectionError represents a failure of the physical connection.
type ConnectionError struct {
	Code    ErrorCode
	Message string
	URL     string
	Reason  string
	Cause   error
}

// Error implements the error interface.
func (e *ConnectionError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.URL != "" {
		msg += fmt.Sprintf(" (url: %s)", e.URL)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// Unwrap returns the underlying error for error unwrapping.
func (e *ConnectionError) Unwrap() error {
	return e.Cause
}

// NewConnectionError creates a new connection error.
func NewConnectionError(code ErrorCode, message string) *ConnectionError {
	return &ConnectionError{
		Code:    code,
		Message: message,
	}
}

// WrapConnectionError wraps a transport error as a connection error.
func WrapConnectionError(code ErrorCode, message, url string, err error) *ConnectionError {
	reason := ""
	if err != nil {
		reason = err.Error()
	}
	return &ConnectionError{
		Code:    code,
		Message: message,
		URL:     url,
		Reason:  reason,
		Cause:   err,
	}
}

// RequestError represents a failure of a single correlated request.
type RequestError struct {
	Code    ErrorCode
	Message string
	Action  string
	ID      string
	Detail  string
	Cause   error
}

// Error implements the error interface.
func (e *RequestError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.Action != "" {
		msg += fmt.Sprintf(" (action: %s, id: %s)", e.Action, e.ID)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *RequestError) Unwrap() error {
	return e.Cause
}

// NewRequestError creates a new request error.
func NewRequestError(code ErrorCode, message, action, id string) *RequestError {
	return &RequestError{
		Code:    code,
		Message: message,
		Action:  action,
		ID:      id,
	}
}

// WithDetail attaches server supplied detail to the error.
func (e *RequestError) WithDetail(detail string) *RequestError {
	e.Detail = detail
	return e
}

// ProtocolError represents an inbound frame that could not be understood.
type ProtocolError struct {
	Code    ErrorCode
	Message string
	Frame   string
	Cause   error
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *ProtocolError) Unwrap() error {
	return e.Cause
}

// NewProtocolError creates a protocol error for the given frame.
func NewProtocolError(message string, frame []byte, err error) *ProtocolError {
	const maxFrame = 256
	f := string(frame)
	if len(f) > maxFrame {
		f = f[:maxFrame] + "..."
	}
	return &ProtocolError{
		Code:    CodeProtocol,
		Message: message,
		Frame:   f,
		Cause:   err,
	}
}

// BootstrapError represents a failure of the post-connect reference data fetch.
type BootstrapError struct {
	Code    ErrorCode
	Message string
	Action  string
	Cause   error
}

// Error implements the error interface.
func (e *BootstrapError) Error() string {
	if e.Action != "" {
		return fmt.Sprintf("[%s] %s (action: %s): %v", e.Code, e.Message, e.Action, e.Cause)
	}
	return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
}

// Unwrap returns the underlying error.
func (e *BootstrapError) Unwrap() error {
	return e.Cause
}

// WrapBootstrapError wraps the failure of a bootstrap action.
func WrapBootstrapError(action string, err error) *BootstrapError {
	return &BootstrapError{
		Code:    CodeBootstrapFailure,
		Message: "Bootstrap request failed",
		Action:  action,
		Cause:   err,
	}
}

// ConfigError represents configuration-related errors.
type ConfigError struct {
	Code    ErrorCode
	Message string
	Field   string
	Value   interface{}
	Cause   error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("[%s] %s (field: %s)", e.Code, e.Message, e.Field)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// NewConfigFieldError creates a configuration error for a specific field.
func NewConfigFieldError(code ErrorCode, message, field string, value interface{}) *ConfigError {
	return &ConfigError{
		Code:    code,
		Message: message,
		Field:   field,
		Value:   value,
	}
}

// WrapConfigError wraps an existing error as a configuration error.
func WrapConfigError(code ErrorCode, message string, err error) *ConfigError {
	return &ConfigError{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// Utility functions for common error operations

// GetCode extracts the error code from the outermost coded error in the chain.
func GetCode(err error) ErrorCode {
	for e := err; e != nil; e = stderrors.Unwrap(e) {
		switch t := e.(type) {
		case *ConnectionError:
			return t.Code
		case *RequestError:
			return t.Code
		case *ProtocolError:
			return t.Code
		case *BootstrapError:
			return t.Code
		case *ConfigError:
			return t.Code
		}
	}
	return CodeUnknown
}

// IsCode checks if an error has a specific error code.
func IsCode(err error, code ErrorCode) bool {
	return GetCode(err) == code
}

// IsRetryable determines if an error indicates a retryable condition.
func IsRetryable(err error) bool {
	switch GetCode(err) {
	case CodeConnectFailure, CodeNotConnected, CodeRequestTimeout, CodeConnectionClosed:
		return true
	default:
		return false
	}
}

// IsFatal determines if an error indicates a fatal condition that should stop execution.
func IsFatal(err error) bool {
	switch GetCode(err) {
	case CodeConfiguration, CodeUnreachable:
		return true
	default:
		return false
	}
}

// Common error creation functions

// ErrNotConnected creates the error returned when a request is issued without a connection.
func ErrNotConnected(action string) *RequestError {
	return NewRequestError(CodeNotConnected, "Not connected", action, "")
}

// ErrRequestTimeout creates the error for a request that received no reply in time.
func ErrRequestTimeout(action, id string) *RequestError {
	return NewRequestError(CodeRequestTimeout, "Request timed out", action, id)
}

// ErrConnectionClosed creates the error used to invalidate pending requests.
func ErrConnectionClosed(reason string) *ConnectionError {
	return &ConnectionError{
		Code:    CodeConnectionClosed,
		Message: "Connection closed",
		Reason:  reason,
	}
}

// ErrUnreachable creates the terminal error after the retry budget is exhausted.
func ErrUnreachable(url string, attempts int, err error) *ConnectionError {
	return WrapConnectionError(CodeUnreachable,
		fmt.Sprintf("Backend unreachable after %d attempts", attempts), url, err)
}
