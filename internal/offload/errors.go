package offload

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrorType represents the categories of offload errors
type ErrorType string

const (
	// Startup errors, fatal to the section being started
	ErrorTypeHardwareInit  ErrorType = "hardware_init"
	ErrorTypeManagerClosed ErrorType = "manager_closed"

	// Selection errors, recoverable by the caller
	ErrorTypeNoHardware ErrorType = "no_hardware_available"

	// Operation errors, surfaced to the TLS engine as a crypto failure
	ErrorTypeOperationFailure     ErrorType = "operation_failure"
	ErrorTypeOperationInProgress  ErrorType = "operation_in_progress"
	ErrorTypeUnsupportedAlgorithm ErrorType = "unsupported_algorithm"

	// Broken invariants
	ErrorTypeLogic ErrorType = "logic_error"
)

// Sentinels for errors.Is. Any *Error matches the sentinel of the same type.
var (
	ErrHardwareInit         = &Error{Type: ErrorTypeHardwareInit}
	ErrManagerClosed        = &Error{Type: ErrorTypeManagerClosed}
	ErrNoHardwareAvailable  = &Error{Type: ErrorTypeNoHardware}
	ErrOperationFailure     = &Error{Type: ErrorTypeOperationFailure}
	ErrOperationInProgress  = &Error{Type: ErrorTypeOperationInProgress}
	ErrUnsupportedAlgorithm = &Error{Type: ErrorTypeUnsupportedAlgorithm}
)

// Error represents a structured offload error with context
type Error struct {
	Type        ErrorType
	Message     string
	Cause       error
	Context     map[string]interface{}
	Suggestions []string
}

// Error implements the error interface
func (e *Error) Error() string {
	head := fmt.Sprintf("[%s]", string(e.Type))
	if e.Message != "" {
		head += " " + e.Message
	}
	parts := []string{head}

	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for key := range e.Context {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		contextParts := make([]string, 0, len(keys))
		for _, key := range keys {
			contextParts = append(contextParts, fmt.Sprintf("%s=%v", key, e.Context[key]))
		}
		parts = append(parts, fmt.Sprintf("context: %s", strings.Join(contextParts, ", ")))
	}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("cause: %v", e.Cause))
	}

	return strings.Join(parts, " | ")
}

// Unwrap returns the underlying error for error unwrapping
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error of the same type.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Type == e.Type
}

// WithContext adds context information to the error
func (e *Error) WithContext(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithSuggestion adds a suggestion for resolving the error
func (e *Error) WithSuggestion(suggestion string) *Error {
	e.Suggestions = append(e.Suggestions, suggestion)
	return e
}

// NewError creates a new offload error with the specified type and message
func NewError(errorType ErrorType, message string) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
		Context: make(map[string]interface{}),
	}
}

// NewErrorWithCause creates a new offload error with an underlying cause
func NewErrorWithCause(errorType ErrorType, message string, cause error) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

func NewHardwareInitError(step string, instance int, cause error) *Error {
	err := NewErrorWithCause(ErrorTypeHardwareInit, fmt.Sprintf("hardware initialization failed at %s", step), cause).
		WithContext("step", step).
		WithSuggestion("Check that the accelerator driver service is running").
		WithSuggestion("Verify the process has access to the accelerator device nodes")
	if instance >= 0 {
		err.WithContext("instance", instance)
	}
	return err
}

func NewManagerClosedError() *Error {
	return NewError(ErrorTypeManagerClosed, "offload manager is shutting down").
		WithSuggestion("Acquire a new manager after the previous one has been released")
}

func NewNoHardwareError(section string, instances int) *Error {
	return NewError(ErrorTypeNoHardware, "no accelerator instance accepts new connections").
		WithContext("section", section).
		WithContext("instances", instances).
		WithSuggestion("Fall back to software signing for this connection")
}

func NewOperationFailure(kind string, reason string, cause error) *Error {
	return NewErrorWithCause(ErrorTypeOperationFailure, fmt.Sprintf("%s failed: %s", kind, reason), cause).
		WithContext("operation", kind)
}

func NewOperationInProgressError(connID string) *Error {
	return NewError(ErrorTypeOperationInProgress, "connection already has an outstanding operation").
		WithContext("connection", connID).
		WithSuggestion("Call Complete until the outstanding operation resolves before submitting another")
}

func NewUnsupportedAlgorithmError(kind string, algorithm fmt.Stringer) *Error {
	return NewError(ErrorTypeUnsupportedAlgorithm, fmt.Sprintf("%s does not support %s", kind, algorithm)).
		WithContext("operation", kind).
		WithContext("algorithm", algorithm.String())
}

// LogicError reports a broken invariant. It is raised with panic and never
// returned as an ordinary error.
type LogicError struct {
	Message string
}

func (e *LogicError) Error() string {
	return "offload logic error: " + e.Message
}

func logicPanic(format string, args ...interface{}) {
	panic(&LogicError{Message: fmt.Sprintf(format, args...)})
}

// Error classification helpers
func IsHardwareInitError(err error) bool { return errors.Is(err, ErrHardwareInit) }

func IsNoHardwareAvailable(err error) bool { return errors.Is(err, ErrNoHardwareAvailable) }

// Error severity levels
type ErrorSeverity int

const (
	SeverityInfo ErrorSeverity = iota
	SeverityWarning
	SeverityError
	SeverityCritical
)

func GetErrorSeverity(err error) ErrorSeverity {
	var offErr *Error
	if errors.As(err, &offErr) {
		switch offErr.Type {
		case ErrorTypeHardwareInit:
			return SeverityCritical
		case ErrorTypeOperationFailure, ErrorTypeOperationInProgress, ErrorTypeUnsupportedAlgorithm:
			return SeverityError
		case ErrorTypeNoHardware, ErrorTypeManagerClosed:
			return SeverityWarning
		default:
			return SeverityInfo
		}
	}
	var logicErr *LogicError
	if errors.As(err, &logicErr) {
		return SeverityCritical
	}
	return SeverityError
}
