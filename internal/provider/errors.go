// Package provider defines the storage provider abstraction: the capability
// interface a cloud backend must implement, the shared error taxonomy, and
// the registry mapping provider identifiers to factories.
package provider

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a provider failure. Kinds are stable identifiers shared
// across all backends; callers should match on Kind, not on message text.
type Kind string

const (
	KindAuthFailed       Kind = "AUTH_FAILED"
	KindAuthCancelled    Kind = "AUTH_CANCELLED"
	KindTokenExpired     Kind = "TOKEN_EXPIRED"
	KindNetworkError     Kind = "NETWORK_ERROR"
	KindQuotaExceeded    Kind = "QUOTA_EXCEEDED"
	KindFileNotFound     Kind = "FILE_NOT_FOUND"
	KindPermissionDenied Kind = "PERMISSION_DENIED"
	KindParseError       Kind = "PARSE_ERROR"
	KindUnknown          Kind = "UNKNOWN"
)

// Retryable reports whether an operation failing with this kind may succeed
// if attempted again. The engine performs no automatic retry; the flag is a
// hint for callers and UI.
func (k Kind) Retryable() bool {
	switch k {
	case KindTokenExpired, KindNetworkError, KindAuthCancelled, KindUnknown:
		return true
	default:
		return false
	}
}

// Error is a classified provider failure carrying a Kind for programmatic
// handling and a human-readable message.
type Error struct {
	Kind    Kind
	Message string
	Err     error // underlying cause, for errors.Is/As
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("provider: %s: %s", e.Kind, e.Message)
	}

	return fmt.Sprintf("provider: %s", e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a classified error with a message.
func NewError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// WrapError classifies an underlying error.
func WrapError(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the Kind from an error chain. Unclassified errors map to
// KindUnknown; nil maps to the empty Kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}

	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}

	return KindUnknown
}

// ClassifyStatus maps an HTTP status code from a provider API to a Kind.
// Returns the empty Kind for 2xx success codes.
func ClassifyStatus(code int) Kind {
	if code >= http.StatusOK && code < http.StatusMultipleChoices {
		return ""
	}

	switch code {
	case http.StatusUnauthorized:
		return KindTokenExpired
	case http.StatusForbidden:
		return KindPermissionDenied
	case http.StatusNotFound:
		return KindFileNotFound
	case http.StatusInsufficientStorage:
		return KindQuotaExceeded
	default:
		return KindUnknown
	}
}
