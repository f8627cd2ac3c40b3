package promode

import (
	"errors"
	"fmt"

	"github.com/Kocoro-lab/promode/internal/llm"
)

var (
	ErrConfigurationMissing = errors.New("configuration missing")
	ErrNoViableCandidates   = errors.New("all candidate generations failed")
	ErrUpstreamFailure      = errors.New("upstream failure")
	ErrBackendCallFailure   = errors.New("backend call failed")
	ErrEmptyBatch           = errors.New("synthesis batch is empty")
)

// ErrorKind is the caller-facing classification of a failed run.
type ErrorKind string

const (
	KindConfigurationMissing ErrorKind = "configuration_missing"
	KindNoViableCandidates   ErrorKind = "no_viable_candidates"
	KindBackendCallFailure   ErrorKind = "backend_call_failure"
	KindUpstreamFailure      ErrorKind = "upstream_failure"
)

// BackendCallError is a backend round-trip that failed after the retry envelope.
type BackendCallError struct {
	Stage    string
	Attempts int
	Err      error
}

func (e *BackendCallError) Error() string {
	return fmt.Sprintf("%s call failed after %d attempt(s): %v", e.Stage, e.Attempts, e.Err)
}

func (e *BackendCallError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrBackendCallFailure) match any BackendCallError.
func (e *BackendCallError) Is(target error) bool {
	return target == ErrBackendCallFailure
}

// KindOf classifies err. Unrecognised errors are upstream failures.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConfigurationMissing), errors.Is(err, llm.ErrMissingAPIKey):
		return KindConfigurationMissing
	case errors.Is(err, ErrNoViableCandidates):
		return KindNoViableCandidates
	case errors.Is(err, ErrBackendCallFailure):
		return KindBackendCallFailure
	default:
		return KindUpstreamFailure
	}
}
