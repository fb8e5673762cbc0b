package engine

import (
	"errors"
	"fmt"
)

// ErrorClass groups errors by the stage of the manifest lifecycle that produced them.
type ErrorClass string

const (
	// ErrorClassParse covers failures raised while a manifest document is parsed
	// and registered with the manager (versions, kinds, direct cycles).
	ErrorClassParse ErrorClass = "parse"

	// ErrorClassExecution covers failures raised while dependencies are processed
	// during apply or delete (recursion, execution caps).
	ErrorClassExecution ErrorClass = "execution"

	// ErrorClassLookup covers misses in the variable cache, the placeholder table
	// and the manifest instance map.
	ErrorClassLookup ErrorClass = "lookup"

	// ErrorClassImplementation covers misuse of the manifest contract itself,
	// such as serialising an instance that was never parsed.
	ErrorClassImplementation ErrorClass = "implementation"
)

// EngineError represents a classified error with manifest context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the lifecycle stage that produced the error.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code identifies the rule that triggered the failure.
	Code string `json:"code,omitempty"`

	// Manifest is the manifest name the error relates to, if any.
	Manifest string `json:"manifest,omitempty"`

	// Operation is the manager or manifest operation that failed.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	switch {
	case e.Manifest != "" && e.Operation != "":
		msg = fmt.Sprintf("%s (manifest=%s, operation=%s)", msg, e.Manifest, e.Operation)
	case e.Manifest != "":
		msg = fmt.Sprintf("%s (manifest=%s)", msg, e.Manifest)
	case e.Operation != "":
		msg = fmt.Sprintf("%s (operation=%s)", msg, e.Operation)
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
// Two engine errors match when class and code agree.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewParseError creates a new parse error.
func NewParseError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassParse,
		Message: message,
		Err:     err,
	}
}

// NewExecutionError creates a new execution error.
func NewExecutionError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassExecution,
		Message: message,
		Err:     err,
	}
}

// NewLookupError creates a new lookup error.
func NewLookupError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassLookup,
		Message: message,
		Err:     err,
	}
}

// NewImplementationError creates a new implementation error.
func NewImplementationError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassImplementation,
		Message: message,
		Err:     err,
	}
}

// WithManifest adds manifest context to an error.
func (e *EngineError) WithManifest(name string) *EngineError {
	e.Manifest = name
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
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

// IsParseError returns true if the error is classified as a parse error.
func IsParseError(err error) bool {
	return hasClass(err, ErrorClassParse)
}

// IsExecutionError returns true if the error is classified as an execution error.
func IsExecutionError(err error) bool {
	return hasClass(err, ErrorClassExecution)
}

// IsLookupError returns true if the error is classified as a lookup error.
func IsLookupError(err error) bool {
	return hasClass(err, ErrorClassLookup)
}

// IsImplementationError returns true if the error is classified as an implementation error.
func IsImplementationError(err error) bool {
	return hasClass(err, ErrorClassImplementation)
}

func hasClass(err error, class ErrorClass) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == class
	}
	return false
}

// Error codes.
const (
	ErrCodeUnsupportedVersion       = "UNSUPPORTED_VERSION"
	ErrCodeKindNotRegistered        = "KIND_NOT_REGISTERED"
	ErrCodeKindMismatch             = "KIND_MISMATCH"
	ErrCodeMissingField             = "MISSING_FIELD"
	ErrCodeDirectDependencyCycle    = "DIRECT_DEPENDENCY_CYCLE"
	ErrCodeRecursionDetected        = "RECURSION_DETECTED"
	ErrCodeMaxExecutionsExceeded    = "MAX_EXECUTIONS_EXCEEDED"
	ErrCodeVariableNotFound         = "VARIABLE_NOT_FOUND"
	ErrCodeVariableExpired          = "VARIABLE_EXPIRED"
	ErrCodePlaceholderNotFound      = "PLACEHOLDER_NOT_FOUND"
	ErrCodeManifestInstanceNotFound = "MANIFEST_INSTANCE_NOT_FOUND"
	ErrCodeNotYetInitialized        = "NOT_YET_INITIALIZED"
	ErrCodeInvalidClass             = "INVALID_CLASS"
	ErrCodePluginLoad               = "PLUGIN_LOAD"
)

// Sentinels for errors.Is. Returned errors carry more context but match these.
var (
	ErrUnsupportedVersion       = &EngineError{Class: ErrorClassParse, Code: ErrCodeUnsupportedVersion}
	ErrKindNotRegistered        = &EngineError{Class: ErrorClassParse, Code: ErrCodeKindNotRegistered}
	ErrKindMismatch             = &EngineError{Class: ErrorClassParse, Code: ErrCodeKindMismatch}
	ErrMissingField             = &EngineError{Class: ErrorClassParse, Code: ErrCodeMissingField}
	ErrDirectDependencyCycle    = &EngineError{Class: ErrorClassParse, Code: ErrCodeDirectDependencyCycle}
	ErrInvalidClass             = &EngineError{Class: ErrorClassParse, Code: ErrCodeInvalidClass}
	ErrPluginLoad               = &EngineError{Class: ErrorClassParse, Code: ErrCodePluginLoad}
	ErrRecursionDetected        = &EngineError{Class: ErrorClassExecution, Code: ErrCodeRecursionDetected}
	ErrMaxExecutionsExceeded    = &EngineError{Class: ErrorClassExecution, Code: ErrCodeMaxExecutionsExceeded}
	ErrVariableNotFound         = &EngineError{Class: ErrorClassLookup, Code: ErrCodeVariableNotFound}
	ErrVariableExpired          = &EngineError{Class: ErrorClassLookup, Code: ErrCodeVariableExpired}
	ErrPlaceholderNotFound      = &EngineError{Class: ErrorClassLookup, Code: ErrCodePlaceholderNotFound}
	ErrManifestInstanceNotFound = &EngineError{Class: ErrorClassLookup, Code: ErrCodeManifestInstanceNotFound}
	ErrNotYetInitialized        = &EngineError{Class: ErrorClassImplementation, Code: ErrCodeNotYetInitialized}
)
