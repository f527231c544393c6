package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for recovery logic.
type ErrorClass string

const (
	// ErrorClassConfiguration indicates a problem with the declared unit set.
	// Fatal to the whole resolve pass and never retried automatically.
	// Examples: unresolved artifact dependency, dependency cycle.
	ErrorClassConfiguration ErrorClass = "configuration"

	// ErrorClassExecution indicates a unit runner reported failure.
	// Recorded per unit; the pass continues.
	ErrorClassExecution ErrorClass = "execution"

	// ErrorClassInfrastructure indicates a store or filesystem failure.
	// Fatal to the pass; no partial result is returned.
	ErrorClassInfrastructure ErrorClass = "infrastructure"
)

// Error codes.
const (
	ErrCodeUnresolvedDependency = "UNRESOLVED_DEPENDENCY"
	ErrCodeSelfReference        = "SELF_REFERENCE"
	ErrCodeDuplicatePublisher   = "DUPLICATE_PUBLISHER"
	ErrCodeCircularDependency   = "CIRCULAR_DEPENDENCY"
	ErrCodeMalformedDeclaration = "MALFORMED_DECLARATION"
	ErrCodeUnknownSelector      = "UNKNOWN_SELECTOR"
	ErrCodeRunnerFailed         = "RUNNER_FAILED"
	ErrCodeRunnerTimeout        = "RUNNER_TIMEOUT"
	ErrCodeStoreUnavailable     = "STORE_UNAVAILABLE"
	ErrCodeSelectorFailed       = "SELECTOR_FAILED"
	ErrCodeDocumentIO           = "DOCUMENT_IO"
)

// Sentinel errors for errors.Is checks. They match any EngineError carrying
// the same class and code.
var (
	ErrUnresolvedDependency = &EngineError{Class: ErrorClassConfiguration, Code: ErrCodeUnresolvedDependency}
	ErrSelfReference        = &EngineError{Class: ErrorClassConfiguration, Code: ErrCodeSelfReference}
	ErrDuplicatePublisher   = &EngineError{Class: ErrorClassConfiguration, Code: ErrCodeDuplicatePublisher}
	ErrCircularDependency   = &EngineError{Class: ErrorClassConfiguration, Code: ErrCodeCircularDependency}
	ErrMalformedDeclaration = &EngineError{Class: ErrorClassConfiguration, Code: ErrCodeMalformedDeclaration}
	ErrUnknownSelector      = &EngineError{Class: ErrorClassConfiguration, Code: ErrCodeUnknownSelector}
	ErrRunnerTimeout        = &EngineError{Class: ErrorClassExecution, Code: ErrCodeRunnerTimeout}
	ErrStoreUnavailable     = &EngineError{Class: ErrorClassInfrastructure, Code: ErrCodeStoreUnavailable}
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Unit is the path of the unit that caused the error, if applicable.
	Unit string `json:"unit,omitempty"`

	// Key is the offending artifact key, if applicable.
	Key string `json:"key,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if e.Unit != "" && e.Key != "" {
		msg = fmt.Sprintf("%s (unit=%s, key=%s)", msg, e.Unit, e.Key)
	} else if e.Unit != "" {
		msg = fmt.Sprintf("%s (unit=%s)", msg, e.Unit)
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewConfigurationError creates a new configuration error.
func NewConfigurationError(code, message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassConfiguration,
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewExecutionError creates a new execution error.
func NewExecutionError(code, message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassExecution,
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewInfrastructureError creates a new infrastructure error.
func NewInfrastructureError(code, message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassInfrastructure,
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithUnit adds unit context to an error.
func (e *EngineError) WithUnit(path string) *EngineError {
	e.Unit = path
	return e
}

// WithKey adds artifact key context to an error.
func (e *EngineError) WithKey(key ArtifactKey) *EngineError {
	e.Key = key.String()
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsConfiguration returns true if the error is a configuration error.
func IsConfiguration(err error) bool {
	return classOf(err) == ErrorClassConfiguration
}

// IsExecution returns true if the error is an execution error.
func IsExecution(err error) bool {
	return classOf(err) == ErrorClassExecution
}

// IsInfrastructure returns true if the error is an infrastructure error.
func IsInfrastructure(err error) bool {
	return classOf(err) == ErrorClassInfrastructure
}

// CodeOf returns the error code of the first EngineError in the chain.
func CodeOf(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func classOf(err error) ErrorClass {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}

func storeError(op string, err error) *EngineError {
	return NewInfrastructureError(ErrCodeStoreUnavailable, op, err)
}
