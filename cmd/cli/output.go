package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/cochaviz/tavalid/internal/validation"
)

var statusColors = map[validation.Status]*color.Color{
	validation.StatusQueued:  color.New(color.FgCyan),
	validation.StatusRunning: color.New(color.FgYellow),
	validation.StatusPassed:  color.New(color.FgGreen, color.Bold),
	validation.StatusFailed:  color.New(color.FgRed, color.Bold),
}

func colorStatus(status validation.Status) string {
	if c, ok := statusColors[status]; ok {
		return c.Sprint(string(status))
	}
	return string(status)
}

func printRow(w io.Writer, view validation.StatusView) {
	detail := view.Stage
	if view.ErrorKind != "" {
		detail = string(view.ErrorKind)
	}
	fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", view.ID, colorStatus(view.Status), view.CreatedAt.Local().Format(time.DateTime), detail)
}

func printStatus(w io.Writer, view validation.StatusView) {
	fmt.Fprintf(w, "id:       %s\n", view.ID)
	fmt.Fprintf(w, "status:   %s\n", colorStatus(view.Status))
	if view.Stage != "" {
		fmt.Fprintf(w, "stage:    %s\n", view.Stage)
	}
	if view.ErrorKind != "" {
		fmt.Fprintf(w, "error:    %s: %s\n", view.ErrorKind, view.ErrorDetail)
	}
	if view.DiagnosticRef != "" {
		fmt.Fprintf(w, "bundle:   %s\n", view.DiagnosticRef)
	}
	if view.Verdict != nil {
		printCoverage(w, view.Verdict)
	}
}

func printEvent(w io.Writer, ev validation.Event) {
	ts := ev.Time.Local().Format(time.TimeOnly)
	switch ev.Type {
	case validation.EventStage:
		fmt.Fprintf(w, "%s %s stage %s\n", ts, ev.RequestID, ev.Stage)
	case validation.EventStatus:
		line := fmt.Sprintf("%s %s %s", ts, ev.RequestID, colorStatus(ev.Status))
		if ev.ErrorKind != "" {
			line += " (" + string(ev.ErrorKind) + ")"
		}
		fmt.Fprintln(w, line)
	case validation.EventDenied:
		fmt.Fprintf(w, "%s %s waiting for sandbox capacity\n", ts, ev.RequestID)
	default:
		fmt.Fprintf(w, "%s %s %s\n", ts, ev.RequestID, ev.Type)
	}
}

func printVerdict(w io.Writer, view validation.StatusView) {
	fmt.Fprintf(w, "%s %s\n", colorStatus(view.Status), view.ID)
	if view.ErrorKind != "" {
		fmt.Fprintf(w, "  error: %s: %s\n", view.ErrorKind, view.ErrorDetail)
	}
	if view.Verdict != nil {
		printCoverage(w, view.Verdict)
	}
	if view.DiagnosticRef != "" {
		fmt.Fprintf(w, "  diagnostics: %s\n", view.DiagnosticRef)
	}
}

func printCoverage(w io.Writer, v *validation.Verdict) {
	cov := v.Coverage
	fmt.Fprintf(w, "  summary:  %s\n", v.Summary)
	fmt.Fprintf(w, "  coverage: %.0f%% (%d/%d fields), %d events from %d sample lines\n",
		cov.Ratio*100, len(cov.Matched), len(cov.Expected), cov.IngestedCount, v.SampleLines)
	if len(cov.MissingFields) > 0 {
		fmt.Fprintf(w, "  missing:  %s\n", strings.Join(cov.MissingFields, ", "))
	}
	for _, check := range cov.Checks {
		mark := color.GreenString("ok")
		if !check.Passed {
			mark = color.RedString("fail")
		}
		fmt.Fprintf(w, "  check %-20s %s\n", check.Name, mark)
	}
	for _, warning := range cov.Warnings {
		fmt.Fprintf(w, "  %s %s\n", color.YellowString("warning:"), warning)
	}
}
