package ir

import (
	"errors"
	"fmt"
	"strings"
)

// ValidationError reports a fact or declaration that does not match its
// declared shape. Index is the offending argument, or -1 when the error
// is not about a single argument (arity, names, unknown predicate).
type ValidationError struct {
	Predicate string
	Field     string
	Index     int
	Expected  string
	Actual    string
	Message   string
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString("validation failed")
	if e.Predicate != "" {
		fmt.Fprintf(&b, " for %s", e.Predicate)
	}
	if e.Field != "" {
		fmt.Fprintf(&b, " at %s", e.Field)
	}
	if e.Expected != "" || e.Actual != "" {
		fmt.Fprintf(&b, ": expected %s, got %s", e.Expected, e.Actual)
		if e.Message != "" {
			fmt.Fprintf(&b, " (%s)", e.Message)
		}
		return b.String()
	}
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	}
	return b.String()
}

// CompilationErrorCode categorizes program compilation failures.
type CompilationErrorCode string

const (
	ErrCodeUnresolvedPredicate CompilationErrorCode = "UNRESOLVED_PREDICATE"
	ErrCodeArityMismatch       CompilationErrorCode = "ARITY_MISMATCH"
	ErrCodeTypeMismatch        CompilationErrorCode = "TYPE_MISMATCH"
	ErrCodeUnsafeVariable      CompilationErrorCode = "UNSAFE_VARIABLE"
	ErrCodeUnstratifiable      CompilationErrorCode = "UNSTRATIFIABLE"
	ErrCodeSyntax              CompilationErrorCode = "SYNTAX"
	ErrCodeInUse               CompilationErrorCode = "IN_USE"
)

// CompilationError reports a rule, condition, or program that cannot be
// turned into an evaluable program.
type CompilationError struct {
	Code      CompilationErrorCode
	Subject   string // rule or trigger name, empty for ad-hoc queries
	Predicate string
	Message   string
}

func (e *CompilationError) Error() string {
	switch {
	case e.Subject != "" && e.Predicate != "":
		return fmt.Sprintf("%s: %s (in %s, predicate %s)", e.Code, e.Message, e.Subject, e.Predicate)
	case e.Subject != "":
		return fmt.Sprintf("%s: %s (in %s)", e.Code, e.Message, e.Subject)
	case e.Predicate != "":
		return fmt.Sprintf("%s: %s (predicate %s)", e.Code, e.Message, e.Predicate)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// EvaluationErrorKind categorizes evaluator failures.
type EvaluationErrorKind string

const (
	EvalTimeout   EvaluationErrorKind = "timeout"
	EvalMalformed EvaluationErrorKind = "malformed"
	EvalFailed    EvaluationErrorKind = "failed"
)

// EvaluationError reports a failed evaluator run. Diagnostics carries
// captured evaluator output (stderr, parse positions) when available.
type EvaluationError struct {
	Kind        EvaluationErrorKind
	Message     string
	Diagnostics string
	Err         error
}

func (e *EvaluationError) Error() string {
	msg := fmt.Sprintf("evaluation %s: %s", e.Kind, e.Message)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *EvaluationError) Unwrap() error { return e.Err }

// ConflictError reports an optimistic concurrency violation: the record
// was not at the expected revision. Message, when set, describes a
// conflict with existing state that is not a revision mismatch.
type ConflictError struct {
	Collection string
	Key        string
	Expected   int64
	Actual     int64
	Message    string
}

func (e *ConflictError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("conflict on %s/%s: %s", e.Collection, e.Key, e.Message)
	}
	return fmt.Sprintf("conflict on %s/%s: expected revision %d, found %d",
		e.Collection, e.Key, e.Expected, e.Actual)
}

// ActionError reports a failed or timed out action invocation.
type ActionError struct {
	Action  string
	Message string
	Timeout bool
	Err     error
}

func (e *ActionError) Error() string {
	msg := fmt.Sprintf("action %s failed: %s", e.Action, e.Message)
	if e.Timeout {
		msg = fmt.Sprintf("action %s timed out: %s", e.Action, e.Message)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ActionError) Unwrap() error { return e.Err }

// SchedulingError reports an invalid job spec or an illegal job transition.
type SchedulingError struct {
	JobID   string
	Field   string
	Message string
}

func (e *SchedulingError) Error() string {
	switch {
	case e.JobID != "" && e.Field != "":
		return fmt.Sprintf("scheduling job %s: %s: %s", e.JobID, e.Field, e.Message)
	case e.JobID != "":
		return fmt.Sprintf("scheduling job %s: %s", e.JobID, e.Message)
	case e.Field != "":
		return fmt.Sprintf("scheduling: %s: %s", e.Field, e.Message)
	}
	return "scheduling: " + e.Message
}

// IsValidationError reports whether err wraps a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsCompilationError reports whether err wraps a CompilationError.
func IsCompilationError(err error) bool {
	var ce *CompilationError
	return errors.As(err, &ce)
}

// IsEvaluationError reports whether err wraps an EvaluationError.
func IsEvaluationError(err error) bool {
	var ee *EvaluationError
	return errors.As(err, &ee)
}

// IsTimeout reports whether err wraps an evaluation timeout or an action
// timeout.
func IsTimeout(err error) bool {
	var ee *EvaluationError
	if errors.As(err, &ee) {
		return ee.Kind == EvalTimeout
	}
	var ae *ActionError
	if errors.As(err, &ae) {
		return ae.Timeout
	}
	return false
}

// IsConflictError reports whether err wraps a ConflictError.
func IsConflictError(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// IsActionError reports whether err wraps an ActionError.
func IsActionError(err error) bool {
	var ae *ActionError
	return errors.As(err, &ae)
}

// IsSchedulingError reports whether err wraps a SchedulingError.
func IsSchedulingError(err error) bool {
	var se *SchedulingError
	return errors.As(err, &se)
}
