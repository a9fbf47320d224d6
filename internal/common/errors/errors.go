// Package errors provides structured error types for the bridge.
//
// Errors crossing the UI boundary are structured objects carrying
// {Type, Message, Details}, never raw panics or opaque strings. The
// type set mirrors the failure modes of supervising an external agent
// CLI: process-level failures, protocol decode failures, timeouts,
// and the fatal-vs-transient split the retry layer keys off.
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Error types as constants.
const (
	TypeTimeout                = "timeout"
	TypeProcessNotFound        = "process_not_found"
	TypeProcessCrashed         = "process_crashed"
	TypeAuthenticationRequired = "authentication_required"
	TypeNetworkError           = "network_error"
	TypeProtocolDecodeError    = "protocol_decode_error"
	TypeFatal                  = "fatal"
	TypeTransient              = "transient"
	TypeBadRequest             = "bad_request"
	TypeNotFound               = "not_found"
	TypeConflict               = "conflict"
	TypeInternal               = "internal_error"
)

// Network error subtypes, set in Details["subtype"].
const (
	NetworkSubtypeCloudflareBlocked = "cloudflare_blocked"
	NetworkSubtypeTimeout           = "network_timeout"
	NetworkSubtypeConnectionRefused = "connection_refused"
	NetworkSubtypeUnknown           = "unknown"
)

// BridgeError is the structured error passed to the UI boundary.
type BridgeError struct {
	Type    string         `json:"type"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Err     error          `json:"-"`
}

// Error implements the error interface.
func (e *BridgeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *BridgeError) Unwrap() error {
	return e.Err
}

// WithDetail returns the error with an extra detail field set.
func (e *BridgeError) WithDetail(key string, value any) *BridgeError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// Timeout creates a timeout error for the named operation.
func Timeout(operation string) *BridgeError {
	return &BridgeError{
		Type:    TypeTimeout,
		Message: fmt.Sprintf("operation %q timed out", operation),
		Details: map[string]any{"operation": operation},
	}
}

// ProcessNotFound creates an error for a missing agent executable.
func ProcessNotFound(executable string, err error) *BridgeError {
	return &BridgeError{
		Type:    TypeProcessNotFound,
		Message: fmt.Sprintf("agent executable %q not found; is the CLI installed and on PATH?", executable),
		Details: map[string]any{"executable": executable},
		Err:     err,
	}
}

// ProcessCrashed creates an error for an agent process that exited unexpectedly.
func ProcessCrashed(message string, err error) *BridgeError {
	return &BridgeError{
		Type:    TypeProcessCrashed,
		Message: message,
		Err:     err,
	}
}

// AuthenticationRequired creates an auth error with a login hint.
func AuthenticationRequired(message string) *BridgeError {
	return &BridgeError{
		Type:    TypeAuthenticationRequired,
		Message: message,
	}
}

// Network creates a network error with the given subtype.
func Network(subtype, message string, err error) *BridgeError {
	return &BridgeError{
		Type:    TypeNetworkError,
		Message: message,
		Details: map[string]any{"subtype": subtype},
		Err:     err,
	}
}

// DecodeError creates a protocol decode error. These are recovered locally
// (the offending frame is dropped), so they rarely cross the UI boundary.
func DecodeError(message string, err error) *BridgeError {
	return &BridgeError{
		Type:    TypeProtocolDecodeError,
		Message: message,
		Err:     err,
	}
}

// Fatal creates an error the retry layer must never retry.
func Fatal(message string) *BridgeError {
	return &BridgeError{
		Type:    TypeFatal,
		Message: message,
	}
}

// Transient creates an error the retry layer may retry.
func Transient(message string, err error) *BridgeError {
	return &BridgeError{
		Type:    TypeTransient,
		Message: message,
		Err:     err,
	}
}

// BadRequest creates a bad request error for the HTTP boundary.
func BadRequest(message string) *BridgeError {
	return &BridgeError{
		Type:    TypeBadRequest,
		Message: message,
	}
}

// NotFound creates a not found error for a resource.
func NotFound(resource string, id string) *BridgeError {
	return &BridgeError{
		Type:    TypeNotFound,
		Message: fmt.Sprintf("%s with id %q not found", resource, id),
	}
}

// Conflict creates a conflict error.
func Conflict(message string) *BridgeError {
	return &BridgeError{
		Type:    TypeConflict,
		Message: message,
	}
}

// Internal creates an internal error with a wrapped underlying error.
func Internal(message string, err error) *BridgeError {
	return &BridgeError{
		Type:    TypeInternal,
		Message: message,
		Err:     err,
	}
}

// Wrap wraps an existing error with additional context, returning a BridgeError.
func Wrap(err error, message string) *BridgeError {
	if err == nil {
		return nil
	}

	// If the error is already a BridgeError, preserve its type and details
	var bridgeErr *BridgeError
	if errors.As(err, &bridgeErr) {
		return &BridgeError{
			Type:    bridgeErr.Type,
			Message: fmt.Sprintf("%s: %s", message, bridgeErr.Message),
			Details: bridgeErr.Details,
			Err:     err,
		}
	}

	return &BridgeError{
		Type:    TypeInternal,
		Message: message,
		Err:     err,
	}
}

// TypeOf returns the bridge error type of err, or TypeInternal for plain errors.
func TypeOf(err error) string {
	var bridgeErr *BridgeError
	if errors.As(err, &bridgeErr) {
		return bridgeErr.Type
	}
	return TypeInternal
}

// IsTimeout checks if the error is a timeout error.
func IsTimeout(err error) bool {
	return TypeOf(err) == TypeTimeout
}

// IsProcessNotFound checks if the error is a missing-executable error.
func IsProcessNotFound(err error) bool {
	return TypeOf(err) == TypeProcessNotFound
}

// IsFatal checks if the error must never be retried.
func IsFatal(err error) bool {
	t := TypeOf(err)
	return t == TypeFatal || t == TypeAuthenticationRequired
}

// GetHTTPStatus returns the HTTP status code for an error.
// Returns 500 Internal Server Error for plain errors.
func GetHTTPStatus(err error) int {
	switch TypeOf(err) {
	case TypeBadRequest:
		return http.StatusBadRequest
	case TypeNotFound, TypeProcessNotFound:
		return http.StatusNotFound
	case TypeConflict:
		return http.StatusConflict
	case TypeAuthenticationRequired:
		return http.StatusUnauthorized
	case TypeTimeout:
		return http.StatusGatewayTimeout
	case TypeNetworkError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// NormalizeNetwork classifies a low-level transport error message into a
// network error subtype. The mapping is a usability aid for error surfaces,
// not a change in error kind.
func NormalizeNetwork(err error) *BridgeError {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "cloudflare") || strings.Contains(msg, "error code: 1020"):
		return Network(NetworkSubtypeCloudflareBlocked, "request blocked by upstream proxy", err)
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
		return Network(NetworkSubtypeTimeout, "network operation timed out", err)
	case strings.Contains(msg, "connection refused") || strings.Contains(msg, "econnrefused"):
		return Network(NetworkSubtypeConnectionRefused, "connection refused", err)
	default:
		return Network(NetworkSubtypeUnknown, err.Error(), err)
	}
}
