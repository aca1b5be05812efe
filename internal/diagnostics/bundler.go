// Package diagnostics packages the evidence of a failed validation into a
// zip archive stored next to the other artifacts.
package diagnostics

import (
	"archive/zip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cochaviz/tavalid/internal/artifacts"
	"github.com/cochaviz/tavalid/internal/logging"
	"github.com/cochaviz/tavalid/internal/validation"
)

const (
	reportName       = "validation_report.json"
	summaryName      = "error_summary.txt"
	queryResultsName = "query_results.json"
	missingName      = "MISSING.txt"
)

// Bundler builds diagnostic archives. It implements validation.Bundler.
type Bundler struct {
	store   artifacts.Store
	tempDir string
	logger  *slog.Logger
	now     func() time.Time
}

var _ validation.Bundler = (*Bundler)(nil)

func NewBundler(store artifacts.Store, tempDir string, logger *slog.Logger) *Bundler {
	return &Bundler{
		store:   store,
		tempDir: tempDir,
		logger:  logging.Ensure(logger).With("component", "diagnostics"),
		now:     time.Now,
	}
}

// Key returns the store key of a request's diagnostic archive.
func Key(requestID string) string {
	return path.Join("debug", requestID, requestID+".zip")
}

// Bundle writes whatever evidence is present, listing absent pieces in
// MISSING.txt, and stores the archive. Every failure, panics included, is
// returned as a *validation.BundlingError.
func (b *Bundler) Bundle(ctx context.Context, in validation.BundleInput) (ref string, err error) {
	defer func() {
		if p := recover(); p != nil {
			ref, err = "", fmt.Errorf("panic: %v", p)
		}
		if err != nil {
			err = &validation.BundlingError{Err: err}
		}
	}()

	if b.store == nil {
		return "", errors.New("no artifact store configured")
	}
	if in.Request.ID == "" {
		return "", errors.New("request id is required")
	}

	workDir, err := os.MkdirTemp(b.tempDir, "diag-"+in.Request.ID+"-")
	if err != nil {
		return "", fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	archivePath := filepath.Join(workDir, in.Request.ID+".zip")
	missing, err := b.writeArchive(archivePath, in)
	if err != nil {
		return "", err
	}

	artifact, err := b.store.Put(ctx, Key(in.Request.ID), archivePath, artifacts.DiagnosticArtifact, map[string]any{
		"request_id": in.Request.ID,
		"error_kind": string(in.Request.ErrorKind),
		"missing":    len(missing),
	})
	if err != nil {
		return "", fmt.Errorf("store diagnostic bundle: %w", err)
	}
	b.logger.Info("diagnostic bundle stored", "request_id", in.Request.ID, "uri", artifact.URI, "missing", len(missing))
	return artifact.URI, nil
}

func (b *Bundler) writeArchive(archivePath string, in validation.BundleInput) ([]string, error) {
	f, err := os.Create(archivePath)
	if err != nil {
		return nil, err
	}
	zw := zip.NewWriter(f)
	root := "debug-bundle-" + in.Request.ID

	var missing []string
	write := func(name string, data []byte) error {
		w, err := zw.Create(path.Join(root, name))
		if err != nil {
			return err
		}
		_, err = w.Write(data)
		return err
	}

	err = func() error {
		report, err := json.MarshalIndent(b.report(in), "", "  ")
		if err != nil {
			return fmt.Errorf("encode report: %w", err)
		}
		if err := write(reportName, report); err != nil {
			return err
		}
		if err := write(summaryName, []byte(b.summary(in))); err != nil {
			return err
		}

		if in.BundlePath == "" {
			missing = append(missing, "artifact bundle (not staged)")
		} else if err := copyInto(zw, path.Join(root, "bundle", filepath.Base(in.BundlePath)), in.BundlePath); err != nil {
			missing = append(missing, fmt.Sprintf("artifact bundle (%v)", err))
		}

		if len(in.Results) == 0 {
			missing = append(missing, "query results (querying did not run)")
		} else {
			data, err := json.MarshalIndent(queryResults(in), "", "  ")
			if err != nil {
				return fmt.Errorf("encode query results: %w", err)
			}
			if err := write(queryResultsName, data); err != nil {
				return err
			}
		}

		switch {
		case in.LogsErr != nil:
			missing = append(missing, fmt.Sprintf("sandbox logs (%v)", in.LogsErr))
		case len(in.Logs) == 0:
			missing = append(missing, "sandbox logs (none captured)")
		}
		for _, name := range sortedKeys(in.Logs) {
			if err := write(path.Join("logs", sanitizeEntry(name)), in.Logs[name]); err != nil {
				return err
			}
		}

		if len(missing) > 0 {
			var sb strings.Builder
			for _, m := range missing {
				sb.WriteString("missing: " + m + "\n")
			}
			if err := write(missingName, []byte(sb.String())); err != nil {
				return err
			}
		}
		return nil
	}()

	if cerr := zw.Close(); err == nil {
		err = cerr
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return missing, err
}

type report struct {
	RequestID   string              `json:"request_id"`
	ArtifactRef string              `json:"artifact_ref"`
	SampleRef   string              `json:"sample_ref"`
	Sourcetype  string              `json:"sourcetype,omitempty"`
	PreviousID  string              `json:"previous_id,omitempty"`
	Status      validation.Status   `json:"status"`
	Stage       string              `json:"stage,omitempty"`
	ErrorKind   string              `json:"error_kind,omitempty"`
	Error       string              `json:"error,omitempty"`
	Verdict     *validation.Verdict `json:"verdict,omitempty"`
	GeneratedAt time.Time           `json:"generated_at"`
}

func (b *Bundler) report(in validation.BundleInput) report {
	r := report{
		RequestID:   in.Request.ID,
		ArtifactRef: in.Request.ArtifactRef,
		SampleRef:   in.Request.SampleRef,
		Sourcetype:  in.Request.Sourcetype,
		PreviousID:  in.Request.PreviousID,
		Status:      validation.StatusFailed,
		Stage:       in.Request.Stage,
		ErrorKind:   string(in.Request.ErrorKind),
		Error:       in.Request.ErrorDetail,
		Verdict:     in.Verdict,
		GeneratedAt: b.now().UTC(),
	}
	if in.Err != nil && r.Error == "" {
		r.Error = in.Err.Error()
	}
	return r
}

func (b *Bundler) summary(in validation.BundleInput) string {
	var sb strings.Builder
	sb.WriteString("Validation Debug Bundle\n")
	sb.WriteString(strings.Repeat("=", 50) + "\n\n")
	fmt.Fprintf(&sb, "Request ID: %s\n", in.Request.ID)
	fmt.Fprintf(&sb, "Artifact: %s\n", in.Request.ArtifactRef)
	fmt.Fprintf(&sb, "Samples: %s\n", in.Request.SampleRef)
	fmt.Fprintf(&sb, "Status: %s\n", validation.StatusFailed)
	if in.Request.Stage != "" {
		fmt.Fprintf(&sb, "Last stage: %s\n", in.Request.Stage)
	}
	fmt.Fprintf(&sb, "Generated: %s\n\n", b.now().UTC().Format(time.RFC3339))

	sb.WriteString("Errors:\n")
	if in.Request.ErrorKind != "" {
		fmt.Fprintf(&sb, "  - [%s] %s\n", in.Request.ErrorKind, in.Request.ErrorDetail)
	} else if in.Err != nil {
		fmt.Fprintf(&sb, "  - %v\n", in.Err)
	}
	if in.Verdict != nil {
		sb.WriteString("\nVerdict:\n")
		fmt.Fprintf(&sb, "  %s\n", in.Verdict.Summary)
		for _, c := range in.Verdict.Coverage.Checks {
			mark := "PASS"
			if !c.Passed {
				mark = "FAIL"
			}
			fmt.Fprintf(&sb, "  - %s %s: %s\n", mark, c.Name, c.Detail)
		}
		if len(in.Verdict.Coverage.MissingFields) > 0 {
			fmt.Fprintf(&sb, "  missing fields: %s\n", strings.Join(in.Verdict.Coverage.MissingFields, ", "))
		}
		if len(in.Verdict.Coverage.Warnings) > 0 {
			sb.WriteString("\nWarnings:\n")
			for _, w := range in.Verdict.Coverage.Warnings {
				fmt.Fprintf(&sb, "  - %s\n", w)
			}
		}
	}
	return sb.String()
}

type queryResult struct {
	Name  string           `json:"name"`
	Rows  []map[string]any `json:"rows,omitempty"`
	Error string           `json:"error,omitempty"`
}

func queryResults(in validation.BundleInput) []queryResult {
	out := make([]queryResult, 0, len(in.Results))
	for _, r := range in.Results {
		qr := queryResult{Name: r.Name, Rows: r.Rows}
		if r.Err != nil {
			qr.Error = r.Err.Error()
		}
		out = append(out, qr)
	}
	return out
}

func copyInto(zw *zip.Writer, name, srcPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()
	w, err := zw.Create(name)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, src)
	return err
}

func sanitizeEntry(name string) string {
	name = path.Clean("/" + filepath.ToSlash(name))
	return strings.TrimPrefix(name, "/")
}

func sortedKeys(m map[string][]byte) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
