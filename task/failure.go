package task

import "fmt"

// FailureKind is the closed set of reasons a request or task can fail.
// Callers branch on the kind rather than on error string contents.
type FailureKind string

const (
	FailValidation        FailureKind = "validation"
	FailResourceExhausted FailureKind = "resource_exhausted"
	FailSourceUnavailable FailureKind = "source_unavailable"
	FailSourceTooLong     FailureKind = "source_too_long"
	FailProcess           FailureKind = "process_failure"
	FailTimeout           FailureKind = "timeout"
	FailCancelled         FailureKind = "cancelled"
)

// Failure is a structured failure record. Validation and resource-exhausted
// failures are returned synchronously from submission and never enter the
// registry; every other kind is recorded on the task.
type Failure struct {
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

func NewFailure(kind FailureKind, format string, args ...interface{}) *Failure {
	return &Failure{Kind: kind, Message: fmt.Sprintf(format, args...)}
}
