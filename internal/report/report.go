// Package report produces the run report: the single machine-readable
// artifact an operator consults after a migration run.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fatih/color"

	"github.com/rowplane/rowplane/internal/validate"
)

// Outcome is the overall run disposition
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomePartial Outcome = "partial"
	OutcomeFailed  Outcome = "failed"
)

// EntityReport is the per-entity section of a run report
type EntityReport struct {
	Entity     string             `json:"entity"`
	State      string             `json:"state"`
	Attempts   int                `json:"attempts"`
	SourceRows int64              `json:"source_rows"`
	TargetRows int64              `json:"target_rows"`
	Rejected   int64              `json:"rejected"`
	Duration   time.Duration      `json:"duration_ns"`
	Findings   []validate.Finding `json:"findings"`
	Error      string             `json:"error,omitempty"`
}

// RunReport is the structured document produced per run
type RunReport struct {
	RunID      string         `json:"run_id"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Outcome    Outcome        `json:"outcome"`
	Entities   []EntityReport `json:"entities"`
}

// ComputeOutcome rolls the per-entity states up into the run outcome:
// success when every entity completed, failed when none did (or a
// configuration error aborted before any could), partial otherwise.
func ComputeOutcome(entities []EntityReport) Outcome {
	if len(entities) == 0 {
		return OutcomeFailed
	}
	completed := 0
	for _, e := range entities {
		if e.State == "completed" {
			completed++
		}
	}
	switch completed {
	case len(entities):
		return OutcomeSuccess
	case 0:
		return OutcomeFailed
	default:
		return OutcomePartial
	}
}

// Write persists the report as indented JSON, atomically (temp file, then
// rename) so a crash never leaves a truncated report behind.
func (r *RunReport) Write(path string) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create report directory: %w", err)
		}
	}

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	tempFile := path + ".tmp"
	if err := os.WriteFile(tempFile, data, 0o644); err != nil {
		return fmt.Errorf("failed to write report file: %w", err)
	}
	if err := os.Rename(tempFile, path); err != nil {
		return fmt.Errorf("failed to save report file: %w", err)
	}
	return nil
}

// Read loads a previously written report
func Read(path string) (*RunReport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read report file: %w", err)
	}
	var r RunReport
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to parse report file: %w", err)
	}
	return &r, nil
}

// Print writes a human summary to w. The JSON file remains the machine
// artifact; this is the operator-facing digest.
func (r *RunReport) Print(w io.Writer) {
	bold := color.New(color.Bold).SprintFunc()
	green := color.New(color.FgGreen).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()

	fmt.Fprintf(w, "%s %s\n", bold("Run"), r.RunID)
	fmt.Fprintf(w, "Started  %s\n", r.StartedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "Finished %s\n\n", r.FinishedAt.Format(time.RFC3339))

	for _, e := range r.Entities {
		var state string
		switch e.State {
		case "completed":
			state = green(e.State)
		case "skipped":
			state = yellow(e.State)
		default:
			state = red(e.State)
		}
		fmt.Fprintf(w, "  %-30s %-10s %8d -> %-8d rejected %-5d %s\n",
			e.Entity, state, e.SourceRows, e.TargetRows, e.Rejected,
			e.Duration.Round(time.Millisecond))
		for _, f := range e.Findings {
			fmt.Fprintf(w, "      [%s] %s: %s\n", f.Severity, f.Kind, f.Detail)
		}
		if e.Error != "" {
			fmt.Fprintf(w, "      error: %s\n", e.Error)
		}
	}

	var outcome string
	switch r.Outcome {
	case OutcomeSuccess:
		outcome = green(string(r.Outcome))
	case OutcomePartial:
		outcome = yellow(string(r.Outcome))
	default:
		outcome = red(string(r.Outcome))
	}
	fmt.Fprintf(w, "\n%s %s\n", bold("Outcome:"), outcome)
}
