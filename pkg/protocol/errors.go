package protocol

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures the core can surface.
type ErrorKind string

const (
	ErrKindProviderUnavailable ErrorKind = "provider_unavailable"
	ErrKindProviderStream      ErrorKind = "provider_stream"
	ErrKindToolRejected        ErrorKind = "tool_rejected"
	ErrKindToolFailure         ErrorKind = "tool_failure"
	ErrKindNotFound            ErrorKind = "not_found"
	ErrKindValidation          ErrorKind = "validation"
	ErrKindStorageUnavailable  ErrorKind = "storage_unavailable"
	ErrKindPolicyViolation     ErrorKind = "policy_violation"
)

// Sentinel errors for common branch points.
var (
	ErrNotFound           = errors.New("not found")
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// AgentError is a classified error carrying the taxonomy kind.
type AgentError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *AgentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *AgentError) Unwrap() error {
	return e.Err
}

// NewAgentError creates a classified error.
func NewAgentError(kind ErrorKind, message string) *AgentError {
	return &AgentError{Kind: kind, Message: message}
}

// WrapAgentError wraps an underlying error with a taxonomy kind.
func WrapAgentError(kind ErrorKind, message string, err error) *AgentError {
	return &AgentError{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the taxonomy kind from an error chain.
// Unclassified errors report as provider_stream when inside a turn is the
// caller's concern; here they map to an empty kind.
func KindOf(err error) ErrorKind {
	var ae *AgentError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	if errors.Is(err, ErrNotFound) {
		return ErrKindNotFound
	}
	if errors.Is(err, ErrStorageUnavailable) {
		return ErrKindStorageUnavailable
	}
	return ""
}
