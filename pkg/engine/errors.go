package engine

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a per-target failure.
type ErrorKind string

const (
	// KindTransport indicates a connectivity or login-layer failure.
	// Examples: unreachable host, rejected host key, exhausted password retries.
	KindTransport ErrorKind = "transport"

	// KindDeploy indicates the runtime bundle could not be pushed or unpacked.
	KindDeploy ErrorKind = "deploy"

	// KindProtocol indicates the remote output did not parse as a result envelope.
	KindProtocol ErrorKind = "protocol"

	// KindPermission indicates an explicit authentication denial.
	KindPermission ErrorKind = "permission"

	// KindPolicy indicates the admission policy refused the job for a target.
	KindPolicy ErrorKind = "policy"

	// KindResolution indicates the target set could not be resolved at all.
	// This is the only kind that aborts a run.
	KindResolution ErrorKind = "resolution"
)

// BadReturn is the sentinel return recorded for unparseable remote output.
const BadReturn = "Bad Return"

// Error is a classified failure with target context.
type Error struct {
	// Kind is the failure classification.
	Kind ErrorKind `json:"kind"`

	// Target is the id of the target the failure belongs to, if any.
	Target string `json:"target,omitempty"`

	// Op is the operation being performed when the failure occurred.
	Op string `json:"op,omitempty"`

	// Message is the human-readable message recorded as the target's return.
	Message string `json:"message"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil && e.Err.Error() != e.Message {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches errors of the same kind, so errors.Is(err, &Error{Kind: KindDeploy}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// NewTransportError creates a transport failure.
func NewTransportError(message string, err error) *Error {
	return &Error{Kind: KindTransport, Message: message, Err: err}
}

// NewDeployError creates a deploy failure.
func NewDeployError(message string, err error) *Error {
	return &Error{Kind: KindDeploy, Message: message, Err: err}
}

// NewProtocolError creates a protocol failure. Its message is always BadReturn.
func NewProtocolError(err error) *Error {
	return &Error{Kind: KindProtocol, Message: BadReturn, Err: err}
}

// NewPermissionError creates a permission failure.
func NewPermissionError(message string, err error) *Error {
	return &Error{Kind: KindPermission, Message: message, Err: err}
}

// NewPolicyError creates a policy denial.
func NewPolicyError(message string) *Error {
	return &Error{Kind: KindPolicy, Message: message}
}

// NewResolutionError creates a fatal resolution failure.
func NewResolutionError(message string, err error) *Error {
	return &Error{Kind: KindResolution, Message: message, Err: err}
}

// WithTarget adds target context to an error.
func (e *Error) WithTarget(id string) *Error {
	e.Target = id
	return e
}

// WithOp adds operation context to an error.
func (e *Error) WithOp(op string) *Error {
	e.Op = op
	return e
}

// KindOf returns the kind of err, or "" when err is not an *Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsPermission returns true if the error is an authentication denial.
func IsPermission(err error) bool {
	return KindOf(err) == KindPermission
}

// IsFatal returns true if the error must abort the whole run.
func IsFatal(err error) bool {
	return KindOf(err) == KindResolution
}
