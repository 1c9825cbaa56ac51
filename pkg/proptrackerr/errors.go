// Package proptrackerr defines the sentinel error kinds shared across
// collectors, the LLM client, the pipeline, and the repository, plus a
// ClassifiedError wrapper that attaches operational context without ever
// carrying credentials (spec §4.4's "credentials are never included in
// error context or logs", §4.13's failure table).
package proptrackerr

import (
	"errors"
	"fmt"
)

var (
	ErrConfig           = errors.New("configuration invalid or incomplete")
	ErrAuth             = errors.New("authentication rejected")
	ErrProxyUnavailable = errors.New("no healthy proxy available")
	ErrCaptchaRequired  = errors.New("captcha challenge encountered")
	ErrLLMUnavailable   = errors.New("llm server unavailable")
	ErrValidationFailed = errors.New("validation failed")
	ErrRepository       = errors.New("repository operation failed")
	ErrBudgetExceeded   = errors.New("run budget exceeded")
)

// ClassifiedError wraps a lower-level error with the context needed to
// triage it without re-deriving it from logs: which sentinel kind it maps
// to, which source/region/endpoint it came from, and which retry attempt
// produced it.
type ClassifiedError struct {
	Kind     error
	Source   string
	Region   string
	Endpoint string
	Attempt  int
	Cause    error
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s: source=%s region=%s endpoint=%s attempt=%d: %v",
		e.Kind, e.Source, e.Region, e.Endpoint, e.Attempt, e.Cause)
}

func (e *ClassifiedError) Unwrap() error {
	return e.Kind
}

// Classify wraps cause as a ClassifiedError of the given kind, with
// context for triage. Endpoint and similar fields must never contain
// credentials; callers are responsible for stripping them before calling.
func Classify(kind error, source, region, endpoint string, attempt int, cause error) *ClassifiedError {
	return &ClassifiedError{
		Kind:     kind,
		Source:   source,
		Region:   region,
		Endpoint: endpoint,
		Attempt:  attempt,
		Cause:    cause,
	}
}
