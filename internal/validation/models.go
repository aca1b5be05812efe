package validation

import (
	"fmt"
	"strings"
	"time"

	"github.com/cochaviz/tavalid/internal/coverage"
)

// Status is the externally visible state of a validation request.
type Status string

const (
	StatusQueued  Status = "QUEUED"
	StatusRunning Status = "RUNNING"
	StatusPassed  Status = "PASSED"
	StatusFailed  Status = "FAILED"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusPassed || s == StatusFailed
}

// CanTransition reports whether moving from s to next is legal.
// QUEUED -> RUNNING -> {PASSED, FAILED}; terminal states are final.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusQueued:
		return next == StatusRunning
	case StatusRunning:
		return next == StatusPassed || next == StatusFailed
	default:
		return false
	}
}

// ParseStatus accepts any casing.
func ParseStatus(value string) (Status, error) {
	switch s := Status(strings.ToUpper(strings.TrimSpace(value))); s {
	case StatusQueued, StatusRunning, StatusPassed, StatusFailed:
		return s, nil
	default:
		return "", fmt.Errorf("unknown status %q", value)
	}
}

// Request is one attempt to validate one artifact revision against one
// sample set. It is append-only: re-validation creates a new Request that
// points at its predecessor through PreviousID.
type Request struct {
	ID             string   `json:"id"`
	ArtifactRef    string   `json:"artifact_ref"`
	SampleRef      string   `json:"sample_ref"`
	Sourcetype     string   `json:"sourcetype,omitempty"`
	ExpectedFields []string `json:"expected_fields,omitempty"`
	PreviousID     string   `json:"previous_id,omitempty"`

	Status Status `json:"status"`
	// Stage is the last sandbox stage reached, empty until RUNNING.
	Stage         string     `json:"stage,omitempty"`
	Attempts      int        `json:"admission_attempts"`
	Verdict       *Verdict   `json:"verdict,omitempty"`
	DiagnosticRef string     `json:"diagnostic_ref,omitempty"`
	ErrorKind     ErrorKind  `json:"error_kind,omitempty"`
	ErrorDetail   string     `json:"error_detail,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// Verdict is the scored outcome stored on a finished request. Runs that
// aborted before QUERYING have no verdict.
type Verdict struct {
	Passed       bool            `json:"passed"`
	Summary      string          `json:"summary"`
	Index        string          `json:"index"`
	SampleLines  int             `json:"sample_lines"`
	Coverage     coverage.Result `json:"coverage"`
	SampleEvents []string        `json:"sample_events,omitempty"`
	Duration     time.Duration   `json:"duration_ns"`
}

// SubmitRequest is the input of Submit.
type SubmitRequest struct {
	ArtifactRef    string   `json:"artifact_ref"`
	SampleRef      string   `json:"sample_ref"`
	Sourcetype     string   `json:"sourcetype,omitempty"`
	ExpectedFields []string `json:"expected_fields,omitempty"`
	PreviousID     string   `json:"previous_id,omitempty"`
}

func (r SubmitRequest) validate() error {
	if strings.TrimSpace(r.ArtifactRef) == "" {
		return fmt.Errorf("%w: artifact reference is required", ErrInvalid)
	}
	if strings.TrimSpace(r.SampleRef) == "" {
		return fmt.Errorf("%w: sample reference is required", ErrInvalid)
	}
	return nil
}

// StatusView is what getStatus returns to callers.
type StatusView struct {
	ID            string     `json:"id"`
	Status        Status     `json:"status"`
	Stage         string     `json:"stage,omitempty"`
	Verdict       *Verdict   `json:"verdict,omitempty"`
	DiagnosticRef string     `json:"diagnostic_ref,omitempty"`
	ErrorKind     ErrorKind  `json:"error_kind,omitempty"`
	ErrorDetail   string     `json:"error_detail,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// View projects the request onto its caller-visible fields.
func (r Request) View() StatusView {
	return StatusView{
		ID:            r.ID,
		Status:        r.Status,
		Stage:         r.Stage,
		Verdict:       r.Verdict,
		DiagnosticRef: r.DiagnosticRef,
		ErrorKind:     r.ErrorKind,
		ErrorDetail:   r.ErrorDetail,
		CreatedAt:     r.CreatedAt,
		StartedAt:     r.StartedAt,
		CompletedAt:   r.CompletedAt,
	}
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Status Status
	Limit  int
}
