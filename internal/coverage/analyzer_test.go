package coverage

import (
	"math"
	"strings"
	"testing"
)

var tenFields = []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"}

func TestRatio(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		expected  []string
		extracted []string
		want      float64
	}{
		{"eight of ten", tenFields, []string{"a", "b", "c", "d", "e", "f", "g", "h"}, 0.80},
		{"nothing extracted", tenFields, nil, 0},
		{"extras ignored", []string{"a", "b"}, []string{"a", "b", "x", "y", "z"}, 1},
		{"duplicates collapse", []string{"a", "a", "b"}, []string{"a", "a"}, 0.5},
		{"empty expected", nil, []string{"a"}, 0},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := Ratio(tc.expected, tc.extracted); math.Abs(got-tc.want) > 1e-9 {
				t.Fatalf("Ratio() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestAnalyzePassPolicy(t *testing.T) {
	t.Parallel()

	eight := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	cases := []struct {
		name string
		in   Input
		want bool
	}{
		{
			name: "healthy run passes",
			in:   Input{ExpectedFields: tenFields, ExtractedFields: eight, IngestedCount: 1000, TimestampSampled: 10, TimestampValid: 10},
			want: true,
		},
		{
			name: "zero ingested fails regardless of coverage",
			in:   Input{ExpectedFields: tenFields, ExtractedFields: tenFields, IngestedCount: 0, TimestampSampled: 10, TimestampValid: 10},
			want: false,
		},
		{
			name: "unparsed timestamps fail",
			in:   Input{ExpectedFields: tenFields, ExtractedFields: eight, IngestedCount: 1000, TimestampSampled: 10, TimestampValid: 0},
			want: false,
		},
		{
			name: "partially parsed timestamps fail",
			in:   Input{ExpectedFields: []string{"a"}, ExtractedFields: []string{"a"}, IngestedCount: 1000, TimestampSampled: 10, TimestampValid: 1},
			want: false,
		},
		{
			name: "coverage below threshold fails",
			in:   Input{ExpectedFields: tenFields, ExtractedFields: []string{"a", "b", "c"}, IngestedCount: 1000, TimestampSampled: 10, TimestampValid: 10},
			want: false,
		},
		{
			name: "empty expected set passes with events and timestamps",
			in:   Input{IngestedCount: 5, TimestampSampled: 5, TimestampValid: 5},
			want: true,
		},
		{
			name: "empty expected set cannot hide a broken ingest",
			in:   Input{IngestedCount: 0},
			want: false,
		},
		{
			name: "failed extra check blocks only when required",
			in: Input{ExpectedFields: tenFields, ExtractedFields: eight, IngestedCount: 10, TimestampSampled: 1, TimestampValid: 1,
				ExtraChecks: []Check{{Name: "sample_events", Passed: false}}},
			want: true,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			res := Analyze(tc.in, DefaultPolicy())
			if res.Passed != tc.want {
				t.Fatalf("Passed = %v, want %v (checks %+v)", res.Passed, tc.want, res.Checks)
			}
		})
	}
}

func TestAnalyzeHonoursConfiguredPolicy(t *testing.T) {
	t.Parallel()

	in := Input{
		ExpectedFields:   tenFields,
		ExtractedFields:  []string{"a", "b", "c", "d", "e", "f", "g", "h"},
		IngestedCount:    1000,
		TimestampSampled: 10,
		TimestampValid:   10,
		ExtraChecks:      []Check{{Name: "sample_events", Passed: false}},
	}

	lenient := Policy{Threshold: 0.5}
	if !Analyze(in, lenient).Passed {
		t.Fatal("failed extra check blocked a policy that does not require it")
	}

	strict := Policy{Threshold: 0.9, RequiredChecks: []string{CheckTimestampParsing}}
	if Analyze(in, strict).Passed {
		t.Fatal("0.80 coverage passed a 0.90 threshold")
	}

	extra := Policy{Threshold: 0.5, RequiredChecks: []string{"sample_events"}}
	if Analyze(in, extra).Passed {
		t.Fatal("failed required extra check did not fail the run")
	}

	missing := Policy{Threshold: 0.5, RequiredChecks: []string{"does_not_exist"}}
	if Analyze(in, missing).Passed {
		t.Fatal("absent required check should fail the run")
	}

	unparsed := in
	unparsed.TimestampValid = 0
	if Analyze(unparsed, lenient).Passed {
		t.Fatal("timestamp parsing was skipped when no required checks are configured")
	}
}

func TestAnalyzeDefaultsOnlyUnsetThreshold(t *testing.T) {
	t.Parallel()

	in := Input{
		ExpectedFields:   []string{"a", "b", "c", "d"},
		ExtractedFields:  []string{"a", "b", "c"},
		IngestedCount:    10,
		TimestampSampled: 4,
		TimestampValid:   4,
	}

	if !Analyze(in, Policy{}).Passed {
		t.Fatal("0.75 coverage failed the default threshold")
	}
	in.ExtractedFields = []string{"a", "b"}
	res := Analyze(in, Policy{WarnBelow: 0.6})
	if res.Passed {
		t.Fatal("0.50 coverage passed the default threshold")
	}
	if len(res.Warnings) != 1 {
		t.Fatalf("Warnings = %v, want the configured warn_below to apply", res.Warnings)
	}
}

func TestAnalyzeReportsFieldsAndWarnings(t *testing.T) {
	t.Parallel()

	res := Analyze(Input{
		ExpectedFields:   []string{"src", "dest", "user", "action"},
		ExtractedFields:  []string{"src", "extra"},
		IngestedCount:    3,
		TimestampSampled: 3,
		TimestampValid:   2,
	}, DefaultPolicy())

	if res.Ratio != 0.25 {
		t.Fatalf("Ratio = %v, want 0.25", res.Ratio)
	}
	if strings.Join(res.MissingFields, ",") != "action,dest,user" {
		t.Fatalf("MissingFields = %v", res.MissingFields)
	}
	if strings.Join(res.Matched, ",") != "src" {
		t.Fatalf("Matched = %v", res.Matched)
	}
	if len(res.Warnings) != 1 {
		t.Fatalf("Warnings = %v, want a coverage warning", res.Warnings)
	}
	if c, ok := res.Check(CheckTimestampParsing); !ok || c.Passed || c.Detail != "1 of 3 sampled events fell back to index time" {
		t.Fatalf("timestamp_parsing check = %+v, %v", c, ok)
	}
	if res.Passed {
		t.Fatal("25% coverage passed")
	}
	if !strings.HasPrefix(res.Summary(), "FAILED: 3 events, coverage 25% (1/4 fields)") {
		t.Fatalf("Summary() = %q", res.Summary())
	}
	if c, ok := res.Check(CheckFieldExtraction); !ok || c.Passed {
		t.Fatalf("field_extraction check = %+v, %v", c, ok)
	}
}
