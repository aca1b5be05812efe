package sandbox

import (
	"fmt"
	"strings"
	"time"
)

// NamePrefix prefixes every sandbox name so orphans can be recognised.
const NamePrefix = "tavalid"

// Stage is the lifecycle position of a sandbox within one validation attempt.
// Stages only move forward.
type Stage int

const (
	StageCreating Stage = iota
	StageWaitingReady
	StageInstalling
	StageIngesting
	StageWaitingIndexed
	StageQuerying
	StageDone
)

var stageNames = [...]string{
	StageCreating:       "CREATING",
	StageWaitingReady:   "WAITING_READY",
	StageInstalling:     "INSTALLING",
	StageIngesting:      "INGESTING",
	StageWaitingIndexed: "WAITING_INDEXED",
	StageQuerying:       "QUERYING",
	StageDone:           "DONE",
}

// Stages lists every stage in execution order.
func Stages() []Stage {
	return []Stage{StageCreating, StageWaitingReady, StageInstalling, StageIngesting, StageWaitingIndexed, StageQuerying, StageDone}
}

func (s Stage) String() string {
	if s < StageCreating || s > StageDone {
		return fmt.Sprintf("Stage(%d)", int(s))
	}
	return stageNames[s]
}

// Next returns the stage that follows s. DONE is its own successor.
func (s Stage) Next() Stage {
	if s >= StageDone {
		return StageDone
	}
	return s + 1
}

// CanAdvance reports whether moving from s to next is legal: either the
// direct successor, or an abort straight to DONE.
func (s Stage) CanAdvance(next Stage) bool {
	if s == StageDone {
		return false
	}
	return next == s.Next() || next == StageDone
}

// ParseStage maps a stage name back to its value.
func ParseStage(value string) (Stage, error) {
	value = strings.ToUpper(strings.TrimSpace(value))
	for i, name := range stageNames {
		if name == value {
			return Stage(i), nil
		}
	}
	return StageCreating, fmt.Errorf("unknown stage %q", value)
}

func (s Stage) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Stage) UnmarshalText(text []byte) error {
	parsed, err := ParseStage(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Handle identifies one provisioned platform instance. A handle belongs to
// exactly one validation request and is never reused.
type Handle struct {
	ID         string         // Backend identity (container id, domain uuid).
	Name       string         // Deterministic name derived from the request id.
	RequestID  string
	Endpoint   string         // Management endpoint, e.g. https://10.0.0.5:8089.
	Stage      Stage
	AcquiredAt time.Time
	Metadata   map[string]any
}

// HandleFor rebuilds the handle of a request whose backend identity is
// unknown, e.g. after a crash. Drivers resolve sandboxes by Name.
func HandleFor(requestID string) Handle {
	return Handle{
		Name:      NameFor(requestID),
		RequestID: requestID,
		Metadata:  map[string]any{},
	}
}

// NameFor derives the sandbox name for a request.
func NameFor(requestID string) string {
	return NamePrefix + "-" + sanitizeName(requestID)
}

// ProvisionSpec describes the sandbox to create. Paths are local copies of
// the request's artifacts; drivers that attach payloads at boot use them.
type ProvisionSpec struct {
	RequestID  string
	BundlePath string
	SamplePath string
}

// IngestSpec describes one replay of sample data into a scratch index.
type IngestSpec struct {
	SamplePath string
	Index      string
	Sourcetype string
}

// Query is one named search of the verification battery.
type Query struct {
	Name   string
	Search string
}

// QueryResult carries the raw rows of one query. Err is set when the query
// itself could not be executed.
type QueryResult struct {
	Name string
	Rows []map[string]any
	Err  error
}

func sanitizeName(value string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(value) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return b.String()
}
