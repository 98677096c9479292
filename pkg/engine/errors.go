package engine

import (
	"errors"
	"strings"
)

// ErrorClass says whether running the same thing again could succeed.
type ErrorClass string

const (
	// ErrorClassTransient covers failures that may clear on their own, such
	// as a backend CLI timing out or a dataset reporting busy.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassConflict covers state that must change before a retry makes
	// sense: a held run lock or unacknowledged drift.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent covers everything that needs an operator: an
	// unknown profile, a dangling mount source, a corrupt state file.
	ErrorClassPermanent ErrorClass = "permanent"
)

// Error codes carried by EngineError.
const (
	ErrCodeValidation      = "VALIDATION_ERROR"
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeAlreadyExists   = "ALREADY_EXISTS"
	ErrCodeTimeout         = "TIMEOUT"
	ErrCodeConflict        = "CONFLICT"
	ErrCodeInternal        = "INTERNAL_ERROR"
	ErrCodeResolution      = "RESOLUTION_ERROR"
	ErrCodePlan            = "PLAN_ERROR"
	ErrCodeDriftConflict   = "DRIFT_CONFLICT"
	ErrCodeActionFailed    = "ACTION_FAILED"
	ErrCodeStoreCorruption = "STORE_CORRUPTION"
	ErrCodeLocked          = "RUN_LOCKED"
	ErrCodePolicyDenied    = "POLICY_DENIED"
	ErrCodeCancelled       = "CANCELLED"
)

// EngineError is a classified failure. Action results carry it as JSON, so
// the cause is flattened into Details when it matters to a reader.
//
//nolint:revive // the package name alone would read as a generic error
type EngineError struct {
	Class     ErrorClass     `json:"class"`
	Code      string         `json:"code,omitempty"`
	Message   string         `json:"message"`
	Resource  string         `json:"resource,omitempty"`
	Operation string         `json:"operation,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Err       error          `json:"-"`
}

func newError(class ErrorClass, message string, err error) *EngineError {
	return &EngineError{Class: class, Message: message, Err: err}
}

// NewTransientError creates an error worth retrying as is.
func NewTransientError(message string, err error) *EngineError {
	return newError(ErrorClassTransient, message, err)
}

// NewConflictError creates an error that clears once the conflicting state
// does.
func NewConflictError(message string, err error) *EngineError {
	return newError(ErrorClassConflict, message, err)
}

// NewPermanentError creates an error that needs an operator.
func NewPermanentError(message string, err error) *EngineError {
	return newError(ErrorClassPermanent, message, err)
}

// NewResolutionError reports a document that cannot become a Desired model.
func NewResolutionError(message string, err error) *EngineError {
	return NewPermanentError(message, err).WithCode(ErrCodeResolution)
}

// NewPlanError reports a Desired/Reality pair that cannot produce a
// complete plan.
func NewPlanError(message string, err error) *EngineError {
	return NewPermanentError(message, err).WithCode(ErrCodePlan)
}

// NewDriftConflictError reports unacknowledged dangerous drift.
func NewDriftConflictError(message string) *EngineError {
	return NewConflictError(message, nil).WithCode(ErrCodeDriftConflict)
}

// NewStoreError reports a state file that cannot be read or written.
func NewStoreError(message string, err error) *EngineError {
	return NewPermanentError(message, err).WithCode(ErrCodeStoreCorruption)
}

// Error renders "class: message (resource): cause", dropping empty parts.
func (e *EngineError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Class))
	b.WriteString(": ")
	b.WriteString(e.Message)
	switch {
	case e.Resource != "" && e.Operation != "":
		b.WriteString(" (" + e.Operation + " " + e.Resource + ")")
	case e.Resource != "":
		b.WriteString(" (" + e.Resource + ")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *EngineError) Unwrap() error { return e.Err }

// Is matches another EngineError with the same class and code, so sentinel
// values work with errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	return ok && e.Class == t.Class && e.Code == t.Code
}

// WithResource names the resource the error is about.
func (e *EngineError) WithResource(id string) *EngineError {
	e.Resource = id
	return e
}

// WithOperation names what was being done to the resource.
func (e *EngineError) WithOperation(op string) *EngineError {
	e.Operation = op
	return e
}

// WithCode sets the error code.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail attaches one key to Details.
func (e *EngineError) WithDetail(key string, value any) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]any, 1)
	}
	e.Details[key] = value
	return e
}

// ErrorClass and ErrorCode expose the labels used for error metrics.
func (e *EngineError) ErrorClass() string { return string(e.Class) }
func (e *EngineError) ErrorCode() string  { return e.Code }

func asEngineError(err error) (*EngineError, bool) {
	var e *EngineError
	ok := errors.As(err, &e)
	return e, ok
}

func hasClass(err error, class ErrorClass) bool {
	e, ok := asEngineError(err)
	return ok && e.Class == class
}

// HasCode reports whether err carries an EngineError with the given code.
func HasCode(err error, code string) bool {
	e, ok := asEngineError(err)
	return ok && e.Code == code
}

func IsTransient(err error) bool { return hasClass(err, ErrorClassTransient) }
func IsConflict(err error) bool  { return hasClass(err, ErrorClassConflict) }
func IsPermanent(err error) bool { return hasClass(err, ErrorClassPermanent) }

// IsRetryable is true for transient failures. Conflicts need the state to
// change first and are not retried blindly.
func IsRetryable(err error) bool { return IsTransient(err) }

func IsResolutionError(err error) bool { return HasCode(err, ErrCodeResolution) }
func IsPlanError(err error) bool       { return HasCode(err, ErrCodePlan) }
func IsDriftConflict(err error) bool   { return HasCode(err, ErrCodeDriftConflict) }
func IsStoreCorruption(err error) bool { return HasCode(err, ErrCodeStoreCorruption) }
func IsLocked(err error) bool          { return HasCode(err, ErrCodeLocked) }
