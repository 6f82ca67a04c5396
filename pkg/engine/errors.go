// Package engine provides the core types, interfaces, and the deployment
// state machine for the machinist orchestrator. A deployment moves through
// queued -> planning -> awaiting_approval -> applying -> succeeded, with
// failed and cancelled as terminal branches.
package engine

import (
	"errors"
	"fmt"
)

// ErrorClass classifies an error for propagation and retry decisions.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on
	// retry, such as a provider API timeout.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassConflict indicates lock contention: an active deployment
	// already owns the target machine. Callers fail fast and retry later.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	ErrorClassPermanent ErrorClass = "permanent"
)

// Stable error codes surfaced to callers.
const (
	CodeValidation          = "VALIDATION_ERROR"
	CodeConflict            = "CONFLICT"
	CodeNotFound            = "NOT_FOUND"
	CodeInvalidCredentials  = "INVALID_CREDENTIALS"
	CodeDecryptionFailed    = "DECRYPTION_FAILED"
	CodeExecutionFailed     = "EXECUTION_FAILED"
	CodeProviderError       = "PROVIDER_ERROR"
	CodeInvalidState        = "INVALID_STATE"
	CodeUnsupportedProvider = "UNSUPPORTED_PROVIDER"
	CodeInternal            = "INTERNAL_ERROR"
)

// Error is a classified error with a stable code, in the form every
// machinist subsystem reports failures.
type Error struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Code is the stable, caller-visible error code.
	Code string `json:"code"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Resource is the machine/deployment/account id involved, if any.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation in progress when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying cause.
	Err error `json:"-"`

	// Details carries context-specific payload, e.g. captured tool output.
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *Error) Error() string {
	if e.Resource != "" {
		return fmt.Sprintf("[%s] %s (resource=%s): %s", e.Code, e.Message, e.Resource, e.unwrapMessage())
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Message, e.unwrapMessage())
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// Is matches errors by code, so errors.Is works against sentinel codes.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// NewValidationError reports a malformed request, caught before side effects.
func NewValidationError(message string) *Error {
	return &Error{Class: ErrorClassPermanent, Code: CodeValidation, Message: message}
}

// NewConflictError reports lock contention on a machine.
func NewConflictError(message, machineID string) *Error {
	return &Error{Class: ErrorClassConflict, Code: CodeConflict, Message: message, Resource: machineID}
}

// NewNotFoundError reports a missing machine, deployment, or account.
func NewNotFoundError(kind, id string) *Error {
	return &Error{
		Class:    ErrorClassPermanent,
		Code:     CodeNotFound,
		Message:  fmt.Sprintf("%s not found", kind),
		Resource: id,
	}
}

// NewInvalidStateError reports an action against a forbidding state.
func NewInvalidStateError(message string) *Error {
	return &Error{Class: ErrorClassPermanent, Code: CodeInvalidState, Message: message}
}

// NewExecutionError reports a failed external-tool invocation. The captured
// trailing output travels in Details under "output".
func NewExecutionError(message string, err error, output []string) *Error {
	e := &Error{Class: ErrorClassPermanent, Code: CodeExecutionFailed, Message: message, Err: err}
	if len(output) > 0 {
		e.Details = map[string]interface{}{"output": output}
	}
	return e
}

// NewProviderError reports an upstream cloud API failure.
func NewProviderError(message string, statusCode int, err error) *Error {
	e := &Error{Class: classForStatus(statusCode), Code: CodeProviderError, Message: message, Err: err}
	if statusCode != 0 {
		e.Details = map[string]interface{}{"status_code": statusCode}
	}
	return e
}

// NewInvalidCredentialsError reports rejected provider credentials.
func NewInvalidCredentialsError(message string) *Error {
	return &Error{Class: ErrorClassPermanent, Code: CodeInvalidCredentials, Message: message}
}

// NewDecryptionError reports a vault unseal failure. Always fatal to the
// operation in progress.
func NewDecryptionError(err error) *Error {
	return &Error{Class: ErrorClassPermanent, Code: CodeDecryptionFailed, Message: "failed to decrypt secret", Err: err}
}

// NewUnsupportedProviderError reports an adapter stub.
func NewUnsupportedProviderError(provider ProviderType) *Error {
	return &Error{
		Class:   ErrorClassPermanent,
		Code:    CodeUnsupportedProvider,
		Message: fmt.Sprintf("provider %s is not supported", provider),
	}
}

// NewInternalError reports an unexpected internal failure.
func NewInternalError(message string, err error) *Error {
	return &Error{Class: ErrorClassPermanent, Code: CodeInternal, Message: message, Err: err}
}

// WithResource adds resource context.
func (e *Error) WithResource(id string) *Error {
	e.Resource = id
	return e
}

// WithOperation adds operation context.
func (e *Error) WithOperation(op string) *Error {
	e.Operation = op
	return e
}

// WithDetail adds one detail field.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// CodeOf extracts the stable code from an error chain, defaulting to
// INTERNAL_ERROR for unclassified errors.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// IsConflict reports whether the error is a machine lock conflict.
func IsConflict(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == CodeConflict
}

// IsNotFound reports whether the error is a missing-entity error.
func IsNotFound(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == CodeNotFound
}

// IsTransient reports whether the error may succeed on retry.
func IsTransient(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Class == ErrorClassTransient
}

// 5xx provider responses are worth retrying, 4xx are not.
func classForStatus(statusCode int) ErrorClass {
	if statusCode >= 500 || statusCode == 429 {
		return ErrorClassTransient
	}
	return ErrorClassPermanent
}
