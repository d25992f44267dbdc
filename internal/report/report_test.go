package report

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rowplane/rowplane/internal/validate"
)

func TestComputeOutcome(t *testing.T) {
	tests := []struct {
		name     string
		states   []string
		expected Outcome
	}{
		{"all completed", []string{"completed", "completed"}, OutcomeSuccess},
		{"none completed", []string{"failed", "skipped"}, OutcomeFailed},
		{"mixed", []string{"completed", "failed", "skipped"}, OutcomePartial},
		{"no entities", nil, OutcomeFailed},
		{"single completed", []string{"completed"}, OutcomeSuccess},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var entities []EntityReport
			for i, s := range tt.states {
				entities = append(entities, EntityReport{Entity: string(rune('a' + i)), State: s})
			}
			if got := ComputeOutcome(entities); got != tt.expected {
				t.Errorf("Expected %s, got %s", tt.expected, got)
			}
		})
	}
}

func TestWriteAndRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reports", "run.json")

	original := &RunReport{
		RunID:      "run-123",
		StartedAt:  time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
		FinishedAt: time.Date(2025, 3, 1, 10, 5, 0, 0, time.UTC),
		Outcome:    OutcomePartial,
		Entities: []EntityReport{
			{
				Entity:     "students",
				State:      "completed",
				Attempts:   1,
				SourceRows: 1000,
				TargetRows: 998,
				Rejected:   2,
				Duration:   3 * time.Second,
				Findings: []validate.Finding{{
					Entity:   "students",
					Kind:     validate.KindRowCountMismatch,
					Severity: validate.SeverityWarning,
					Detail:   "source has 1000 rows, target has 998",
				}},
			},
			{
				Entity: "enrollments",
				State:  "failed",
				Error:  "target unavailable",
			},
		},
	}

	if err := original.Write(path); err != nil {
		t.Fatalf("Failed to write report: %v", err)
	}

	// No temp file left behind
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("Expected temp file to be renamed away")
	}

	loaded, err := Read(path)
	if err != nil {
		t.Fatalf("Failed to read report: %v", err)
	}
	if loaded.RunID != original.RunID {
		t.Errorf("Expected run id %s, got %s", original.RunID, loaded.RunID)
	}
	if loaded.Outcome != OutcomePartial {
		t.Errorf("Expected partial outcome, got %s", loaded.Outcome)
	}
	if len(loaded.Entities) != 2 {
		t.Fatalf("Expected 2 entities, got %d", len(loaded.Entities))
	}
	if loaded.Entities[0].TargetRows != 998 {
		t.Errorf("Expected 998 target rows, got %d", loaded.Entities[0].TargetRows)
	}
	if len(loaded.Entities[0].Findings) != 1 {
		t.Errorf("Expected 1 finding, got %d", len(loaded.Entities[0].Findings))
	}
	if loaded.Entities[1].Error != "target unavailable" {
		t.Errorf("Unexpected entity error: %s", loaded.Entities[1].Error)
	}
}

func TestWrite_Overwrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.json")

	first := &RunReport{RunID: "run-1", Outcome: OutcomeFailed}
	if err := first.Write(path); err != nil {
		t.Fatalf("Failed to write first report: %v", err)
	}
	second := &RunReport{RunID: "run-2", Outcome: OutcomeSuccess}
	if err := second.Write(path); err != nil {
		t.Fatalf("Failed to write second report: %v", err)
	}

	loaded, err := Read(path)
	if err != nil {
		t.Fatalf("Failed to read report: %v", err)
	}
	if loaded.RunID != "run-2" {
		t.Errorf("Expected latest report, got %s", loaded.RunID)
	}
}

func TestRead_MissingFile(t *testing.T) {
	if _, err := Read(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Error("Expected error for missing report")
	}
}

func TestPrint_Summarizes(t *testing.T) {
	r := &RunReport{
		RunID:   "run-9",
		Outcome: OutcomePartial,
		Entities: []EntityReport{
			{Entity: "students", State: "completed", SourceRows: 10, TargetRows: 10},
			{Entity: "enrollments", State: "failed", Error: "boom"},
		},
	}

	var sb strings.Builder
	r.Print(&sb)
	out := sb.String()

	for _, want := range []string{"run-9", "students", "enrollments", "completed", "failed", "boom", "partial"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected summary to contain %q, got:\n%s", want, out)
		}
	}
}
