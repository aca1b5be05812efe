package validation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cochaviz/tavalid/internal/sandbox"
)

// ErrorKind classifies why a request failed. Kinds are persisted verbatim.
type ErrorKind string

const (
	KindProvision        ErrorKind = "provision_error"
	KindReadinessTimeout ErrorKind = "readiness_timeout"
	KindInstall          ErrorKind = "install_error"
	KindIngest           ErrorKind = "ingest_error"
	KindIndexingTimeout  ErrorKind = "indexing_timeout"
	KindQueryExecution   ErrorKind = "query_execution_error"
	KindCancelled        ErrorKind = "cancelled"
	KindAdmissionDenied  ErrorKind = "admission_denied"
	KindBundling         ErrorKind = "diagnostic_bundling_error"
	// KindValidationFailed marks a run that completed but did not meet the
	// pass policy.
	KindValidationFailed ErrorKind = "validation_failed"
	// KindInterrupted marks a request orphaned by a process that died while
	// it was RUNNING.
	KindInterrupted ErrorKind = "interrupted"
	KindInternal    ErrorKind = "internal_error"
)

var (
	ErrNotFound   = errors.New("validation request not found")
	ErrTerminal   = errors.New("validation request is already terminal")
	ErrNotRunning = errors.New("validation request is not running")
	ErrConflict   = errors.New("validation request changed concurrently")
	ErrCancelled  = errors.New("validation cancelled")
	ErrShutdown   = errors.New("coordinator shutting down")
	ErrClosed     = errors.New("coordinator is closed")
	ErrInvalid    = errors.New("invalid validation request")
)

// stageKinds maps each active stage to the kind reported when it fails or
// runs out of time.
var stageKinds = map[sandbox.Stage]ErrorKind{
	sandbox.StageCreating:       KindProvision,
	sandbox.StageWaitingReady:   KindReadinessTimeout,
	sandbox.StageInstalling:     KindInstall,
	sandbox.StageIngesting:      KindIngest,
	sandbox.StageWaitingIndexed: KindIndexingTimeout,
	sandbox.StageQuerying:       KindQueryExecution,
}

// StageError aborts an attempt at a particular stage.
type StageError struct {
	Kind  ErrorKind
	Stage sandbox.Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s during %s: %v", e.Kind, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// AdmissionDeniedError is the non-terminal busy signal returned when the
// gate is full. The request stays QUEUED.
type AdmissionDeniedError struct {
	RequestID  string
	RetryAfter time.Duration
	Held       int
	Capacity   int
}

func (e *AdmissionDeniedError) Error() string {
	return fmt.Sprintf("admission denied for %s (%d/%d running), retry after %s",
		e.RequestID, e.Held, e.Capacity, e.RetryAfter)
}

// BundlingError wraps a diagnostics failure. It is logged, never recorded as
// the request's error.
type BundlingError struct {
	Err error
}

func (e *BundlingError) Error() string {
	return fmt.Sprintf("diagnostic bundling failed: %v", e.Err)
}

func (e *BundlingError) Unwrap() error {
	return e.Err
}

// KindOf maps err to its kind. Nil maps to the empty kind.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		return stageErr.Kind
	}
	var denied *AdmissionDeniedError
	if errors.As(err, &denied) {
		return KindAdmissionDenied
	}
	var bundling *BundlingError
	if errors.As(err, &bundling) {
		return KindBundling
	}
	if errors.Is(err, ErrCancelled) {
		return KindCancelled
	}
	if errors.Is(err, ErrShutdown) {
		return KindInterrupted
	}
	return KindInternal
}

// IsDenied reports whether err is an admission denial.
func IsDenied(err error) bool {
	var denied *AdmissionDeniedError
	return errors.As(err, &denied)
}

// classify turns the failure of stage into a StageError. Cancellation wins
// over every other cause; deadlines, whether the stage's own or the overall
// attempt's, are reported with the stage's kind.
func classify(ctx context.Context, stage sandbox.Stage, err error) error {
	switch cause := context.Cause(ctx); {
	case errors.Is(cause, ErrCancelled):
		return &StageError{Kind: KindCancelled, Stage: stage, Err: ErrCancelled}
	case errors.Is(cause, ErrShutdown):
		return &StageError{Kind: KindInterrupted, Stage: stage, Err: ErrShutdown}
	}
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		return err
	}
	kind, ok := stageKinds[stage]
	if !ok {
		kind = KindInternal
	}
	return &StageError{Kind: kind, Stage: stage, Err: err}
}
