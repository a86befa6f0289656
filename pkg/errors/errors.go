package errors

import (
	"fmt"
	"strings"
)

// ConnectionError represents a failure to establish or keep an Exchange
// Online session. State carries the connection state at the time of failure.
type ConnectionError struct {
	Message string
	State   string
	Err     error
}

// NewConnectionError constructs a ConnectionError.
func NewConnectionError(message, state string, err error) error {
	return &ConnectionError{Message: message, State: state, Err: err}
}

func (e *ConnectionError) Error() string {
	if e == nil {
		return ""
	}
	if e.State != "" {
		return fmt.Sprintf("connection error [%s]: %s", e.State, e.Message)
	}
	return fmt.Sprintf("connection error: %s", e.Message)
}

// Unwrap exposes the underlying error.
func (e *ConnectionError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// ValidationError indicates pre-flight validation blocked an operation.
type ValidationError struct {
	Identity string
	Blockers []string
	Err      error
}

// NewValidationError constructs a ValidationError for the given identity.
func NewValidationError(identity string, blockers []string, err error) error {
	return &ValidationError{Identity: identity, Blockers: blockers, Err: err}
}

func (e *ValidationError) Error() string {
	if e == nil {
		return ""
	}
	if len(e.Blockers) > 0 {
		return fmt.Sprintf("validation failed for %s: %s", e.Identity, strings.Join(e.Blockers, "; "))
	}
	return fmt.Sprintf("validation failed for %s", e.Identity)
}

// Unwrap exposes the underlying error.
func (e *ValidationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// OperationError represents a runtime failure while executing a recovery or
// restore operation against the remote service.
type OperationError struct {
	Identity string
	Err      error
}

// NewOperationError constructs an OperationError.
func NewOperationError(identity string, err error) error {
	return &OperationError{Identity: identity, Err: err}
}

func (e *OperationError) Error() string {
	if e == nil {
		return ""
	}
	if e.Identity != "" {
		return fmt.Sprintf("operation error on %s: %v", e.Identity, e.Err)
	}
	return fmt.Sprintf("operation error: %v", e.Err)
}

// Unwrap exposes the root error.
func (e *OperationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// ParseError represents remote command output that could not be decoded.
// Raw keeps the cleaned output for diagnostics.
type ParseError struct {
	Message string
	Raw     string
	Err     error
}

// NewParseError constructs a ParseError.
func NewParseError(message, raw string, err error) error {
	if message == "" && err != nil {
		message = err.Error()
	}
	return &ParseError{Message: message, Raw: raw, Err: err}
}

func (e *ParseError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("parse error: %s", e.Message)
}

// Unwrap exposes the underlying error.
func (e *ParseError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
