package types

import (
	"errors"
	"fmt"
)

// Sentinel errors for admission and lifecycle outcomes. Handlers map
// these to HTTP status codes; everything else surfaces as a 500.
var (
	// ErrCaptchaInvalid covers unknown, expired and wrong-answer captchas.
	ErrCaptchaInvalid = errors.New("captcha invalid")

	// ErrRateLimited means the source address is over its admission window.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrAlreadyOwns means the user already has a running container.
	ErrAlreadyOwns = errors.New("existing instance")

	// ErrPortPoolFull means no free port remained after the configured
	// number of reservation attempts.
	ErrPortPoolFull = errors.New("no free port")

	// ErrNotFound means the requested container does not exist.
	ErrNotFound = errors.New("container not found")

	// ErrAdminForbidden means an admin endpoint was hit without a valid
	// key or a local peer.
	ErrAdminForbidden = errors.New("admin access forbidden")
)

// QuotaError is returned when the resource monitor rejects an admission.
type QuotaError struct {
	Resource ResourceKind
	Current  float64
	Limit    float64
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("resource %s exhausted (%.1f/%.1f)", e.Resource, e.Current, e.Limit)
}

// IsQuotaError reports whether err is a quota rejection and returns it.
func IsQuotaError(err error) (*QuotaError, bool) {
	var qe *QuotaError
	if errors.As(err, &qe) {
		return qe, true
	}
	return nil, false
}

// EngineError classifies a container driver failure so callers can
// distinguish benign-missing, retryable and fatal outcomes without
// inspecting engine-specific error values.
type EngineError struct {
	Kind EngineErrorKind
	Op   string
	Err  error
}

// EngineErrorKind partitions driver failures by how callers react.
type EngineErrorKind string

const (
	// EngineNotFound: the container is already gone. Removal paths treat
	// this as success.
	EngineNotFound EngineErrorKind = "not_found"

	// EngineConflict: transient engine state, retryable with backoff.
	EngineConflict EngineErrorKind = "conflict"

	// EngineFatal: non-retryable, surfaces to the caller.
	EngineFatal EngineErrorKind = "fatal"
)

func (e *EngineError) Error() string {
	return fmt.Sprintf("engine %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *EngineError) Unwrap() error { return e.Err }

// IsEngineNotFound reports whether err is a NotFound driver error.
func IsEngineNotFound(err error) bool {
	var ee *EngineError
	return errors.As(err, &ee) && ee.Kind == EngineNotFound
}

// IsEngineConflict reports whether err is a retryable driver error.
func IsEngineConflict(err error) bool {
	var ee *EngineError
	return errors.As(err, &ee) && ee.Kind == EngineConflict
}

// TransientError marks a store failure that was retried and exhausted
// its retry allowance. API handlers answer 503 for these.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient failure: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a transient store failure.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
