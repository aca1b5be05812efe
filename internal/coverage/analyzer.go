// Package coverage scores a validation run and applies the pass policy.
package coverage

import (
	"fmt"
	"sort"
	"strings"
)

// Check names produced by Analyze.
const (
	CheckIngestion        = "ingestion"
	CheckTimestampParsing = "timestamp_parsing"
	CheckFieldExtraction  = "field_extraction"
)

// DefaultThreshold is the minimum coverage ratio for a passing run.
const DefaultThreshold = 0.70

// Policy holds the operator-tunable pass criteria.
type Policy struct {
	// Threshold is the minimum coverage ratio. Zero means DefaultThreshold.
	Threshold float64
	// RequiredChecks must pass in addition to ingestion, timestamp parsing
	// and field extraction.
	RequiredChecks []string
	// WarnBelow emits a warning when the ratio is under this value.
	WarnBelow float64
}

// DefaultPolicy returns the stock pass criteria.
func DefaultPolicy() Policy {
	return Policy{
		Threshold:      DefaultThreshold,
		RequiredChecks: []string{CheckTimestampParsing},
		WarnBelow:      0.50,
	}
}

// Input is everything the analyzer needs from a finished query battery.
type Input struct {
	ExpectedFields  []string
	ExtractedFields []string
	IngestedCount   int64

	// TimestampSampled is the number of events inspected for time parsing and
	// TimestampValid how many of those carried a parsed timestamp.
	TimestampSampled int
	TimestampValid   int

	// ExtraChecks are appended verbatim, e.g. query battery failures.
	ExtraChecks []Check
}

// Check is one named pass/fail outcome.
type Check struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// Result is the scored outcome of a run.
type Result struct {
	Expected      []string `json:"expected_fields"`
	Extracted     []string `json:"extracted_fields"`
	Matched       []string `json:"matched_fields"`
	MissingFields []string `json:"missing_fields"`
	Ratio         float64  `json:"coverage_ratio"`
	IngestedCount int64    `json:"ingested_count"`
	Checks        []Check  `json:"checks"`
	Warnings      []string `json:"warnings,omitempty"`
	Passed        bool     `json:"passed"`
}

// Check returns the named check, if present.
func (r Result) Check(name string) (Check, bool) {
	for _, c := range r.Checks {
		if c.Name == name {
			return c, true
		}
	}
	return Check{}, false
}

// FailedChecks lists the names of checks that did not pass.
func (r Result) FailedChecks() []string {
	var failed []string
	for _, c := range r.Checks {
		if !c.Passed {
			failed = append(failed, c.Name)
		}
	}
	return failed
}

// Summary renders a one-line human-readable verdict.
func (r Result) Summary() string {
	verdict := "FAILED"
	if r.Passed {
		verdict = "PASSED"
	}
	summary := fmt.Sprintf("%s: %d events, coverage %.0f%% (%d/%d fields)",
		verdict, r.IngestedCount, r.Ratio*100, len(r.Matched), len(r.Expected))
	if failed := r.FailedChecks(); len(failed) > 0 {
		summary += ", failed checks: " + strings.Join(failed, ", ")
	}
	return summary
}

// Ratio computes |extracted ∩ expected| / |expected| clamped to [0,1]. An
// empty expected set yields 0.
func Ratio(expected, extracted []string) float64 {
	exp := toSet(expected)
	if len(exp) == 0 {
		return 0
	}
	matched := 0
	for field := range toSet(extracted) {
		if _, ok := exp[field]; ok {
			matched++
		}
	}
	return clamp(float64(matched) / float64(len(exp)))
}

// Analyze scores the input against the policy. It has no side effects.
func Analyze(in Input, policy Policy) Result {
	if policy.Threshold <= 0 {
		policy.Threshold = DefaultThreshold
	}

	expected := toSet(in.ExpectedFields)
	extracted := toSet(in.ExtractedFields)

	var matched, missing []string
	for field := range expected {
		if _, ok := extracted[field]; ok {
			matched = append(matched, field)
		} else {
			missing = append(missing, field)
		}
	}
	sort.Strings(matched)
	sort.Strings(missing)

	res := Result{
		Expected:      sortedKeys(expected),
		Extracted:     sortedKeys(extracted),
		Matched:       matched,
		MissingFields: missing,
		Ratio:         Ratio(in.ExpectedFields, in.ExtractedFields),
		IngestedCount: in.IngestedCount,
	}

	ingestion := Check{Name: CheckIngestion, Passed: in.IngestedCount > 0}
	if ingestion.Passed {
		ingestion.Detail = fmt.Sprintf("%d events indexed", in.IngestedCount)
	} else {
		ingestion.Detail = "no events indexed"
	}

	timestamps := Check{Name: CheckTimestampParsing}
	switch {
	case in.TimestampSampled == 0:
		timestamps.Detail = "no events sampled"
	case in.TimestampValid < in.TimestampSampled:
		timestamps.Detail = fmt.Sprintf("%d of %d sampled events fell back to index time",
			in.TimestampSampled-in.TimestampValid, in.TimestampSampled)
	default:
		timestamps.Passed = true
		timestamps.Detail = fmt.Sprintf("%d/%d sampled events have a parsed timestamp", in.TimestampValid, in.TimestampSampled)
	}

	fields := Check{Name: CheckFieldExtraction}
	if len(expected) == 0 {
		fields.Passed = true
		fields.Detail = "no expected fields declared"
	} else {
		fields.Passed = res.Ratio >= policy.Threshold
		fields.Detail = fmt.Sprintf("%d/%d expected fields extracted (threshold %.0f%%)",
			len(matched), len(expected), policy.Threshold*100)
		if res.Ratio < policy.WarnBelow {
			res.Warnings = append(res.Warnings, fmt.Sprintf("low field coverage: %.0f%%", res.Ratio*100))
		}
	}

	res.Checks = append(res.Checks, ingestion, timestamps, fields)
	res.Checks = append(res.Checks, in.ExtraChecks...)

	res.Passed = ingestion.Passed && timestamps.Passed && fields.Passed
	for _, name := range policy.RequiredChecks {
		c, ok := res.Check(name)
		if !ok || !c.Passed {
			res.Passed = false
		}
	}
	return res
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		set[v] = struct{}{}
	}
	return set
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
