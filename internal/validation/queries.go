package validation

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/cochaviz/tavalid/internal/coverage"
	"github.com/cochaviz/tavalid/internal/platform"
	"github.com/cochaviz/tavalid/internal/sandbox"
)

// Names of the verification battery queries.
const (
	QueryEventCount   = "event_count"
	QueryTimestamps   = "timestamps"
	QueryFields       = "fields"
	QuerySampleEvents = "sample_events"
)

const (
	indexPrefix        = "tavalid_"
	maxIndexNameLength = 64
	timestampSample    = 10
	fieldSummarySample = 1000
	sampleEventCount   = 5
)

// IndexFor derives the scratch index of a request. Index names only admit
// lowercase letters, digits and underscores here, so every other rune is
// folded to an underscore. Names over maxIndexNameLength are cut short and
// end in a hash of the full id.
func IndexFor(requestID string) string {
	var b strings.Builder
	b.WriteString(indexPrefix)
	for _, r := range strings.ToLower(requestID) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	name := b.String()
	if len(name) <= maxIndexNameLength {
		return name
	}
	sum := sha256.Sum256([]byte(requestID))
	suffix := "_" + hex.EncodeToString(sum[:4])
	return name[:maxIndexNameLength-len(suffix)] + suffix
}

// countQuery is polled while waiting for the index to settle.
func countQuery(index string) sandbox.Query {
	return sandbox.Query{Name: QueryEventCount, Search: fmt.Sprintf("search index=%s | stats count", index)}
}

// Battery returns the fixed verification queries for index.
func Battery(index string) []sandbox.Query {
	return []sandbox.Query{
		countQuery(index),
		{
			Name: QueryTimestamps,
			Search: fmt.Sprintf("search index=%s | head %d | eval has_time=if(_time>0, 1, 0) | stats sum(has_time) as valid_times, count",
				index, timestampSample),
		},
		{
			Name:   QueryFields,
			Search: fmt.Sprintf("search index=%s | head %d | fieldsummary | fields field count", index, fieldSummarySample),
		},
		{
			Name:   QuerySampleEvents,
			Search: fmt.Sprintf("search index=%s | head %d | fields _raw", index, sampleEventCount),
		},
	}
}

// BatteryOutcome is the typed reading of the raw battery rows.
type BatteryOutcome struct {
	Input        coverage.Input
	SampleEvents []string
}

// Interpret reads raw battery results. indexedCount, observed while waiting
// for indexing, stands in when the count query itself failed. Failed queries
// surface as failed checks named "query:<name>".
func Interpret(results []sandbox.QueryResult, expected []string, indexedCount int64) BatteryOutcome {
	out := BatteryOutcome{
		Input: coverage.Input{
			ExpectedFields: visibleFields(expected),
			IngestedCount:  indexedCount,
		},
	}

	for _, res := range results {
		if res.Err != nil {
			out.Input.ExtraChecks = append(out.Input.ExtraChecks, coverage.Check{
				Name:   "query:" + res.Name,
				Passed: false,
				Detail: res.Err.Error(),
			})
			continue
		}
		switch res.Name {
		case QueryEventCount:
			if len(res.Rows) > 0 {
				if n, ok := platform.Int(res.Rows[0], "count"); ok {
					out.Input.IngestedCount = n
				}
			}
		case QueryTimestamps:
			if len(res.Rows) > 0 {
				valid, _ := platform.Int(res.Rows[0], "valid_times")
				total, _ := platform.Int(res.Rows[0], "count")
				out.Input.TimestampValid = int(valid)
				out.Input.TimestampSampled = int(total)
			}
		case QueryFields:
			out.Input.ExtractedFields = extractedFields(res.Rows)
		case QuerySampleEvents:
			for _, row := range res.Rows {
				if raw := platform.String(row, "_raw"); raw != "" {
					out.SampleEvents = append(out.SampleEvents, raw)
				}
			}
		}
	}
	return out
}

// extractedFields keeps non-internal fields that were seen in at least one
// event.
func extractedFields(rows []map[string]any) []string {
	var fields []string
	for _, row := range rows {
		name := platform.String(row, "field")
		if name == "" || strings.HasPrefix(name, "_") {
			continue
		}
		if count, ok := platform.Int(row, "count"); ok && count == 0 {
			continue
		}
		fields = append(fields, name)
	}
	return fields
}

// visibleFields drops internal fields such as _time and _raw, which
// extractedFields never reports.
func visibleFields(names []string) []string {
	var fields []string
	for _, name := range names {
		if strings.HasPrefix(strings.TrimSpace(name), "_") {
			continue
		}
		fields = append(fields, name)
	}
	return fields
}
