package domain

import (
	"errors"
	"testing"
	"time"
)

func TestDiff_Base(t *testing.T) {
	d := Diff{PHID: "PHID-DIFF-1"}
	if d.Base() != "central" {
		t.Errorf("Base() = %q, want central", d.Base())
	}

	d.BaseRevision = "autoland"
	if d.Base() != "autoland" {
		t.Errorf("Base() = %q, want autoland", d.Base())
	}
}

func TestDiff_Validate(t *testing.T) {
	tests := []struct {
		name    string
		diff    Diff
		wantErr error
	}{
		{"ok", Diff{PHID: "D1", Patches: []Patch{{ID: "D1", Text: "x"}}}, nil},
		{"empty", Diff{PHID: "D1"}, ErrEmptyPatchStack},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.diff.Validate()
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}

	if err := (&Diff{}).Validate(); err == nil {
		t.Error("expected error for missing phid")
	}
}

func TestCollapsedMessage(t *testing.T) {
	d := Diff{PHID: "D2", Patches: []Patch{{ID: "D2a"}, {ID: "D2b"}}}
	if got := CollapsedMessage(d.PatchIDs()); got != "Patches D2a, D2b" {
		t.Errorf("CollapsedMessage() = %q", got)
	}
	if got := CommitMessage("D1"); got != "Patch D1" {
		t.Errorf("CommitMessage() = %q", got)
	}
}

func TestTask_Runtime(t *testing.T) {
	start := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	end := start.Add(90 * time.Minute)

	task := Task{ID: "t1", State: TaskRunning, Runs: []TaskRun{{Started: &start}}}
	if _, ok := task.Runtime(); ok {
		t.Error("runtime should be undefined while unresolved")
	}

	task.Runs[0].Resolved = &end
	got, ok := task.Runtime()
	if !ok || got != 90*time.Minute {
		t.Errorf("Runtime() = %v, %v; want 90m, true", got, ok)
	}

	if (&Task{}).Runs != nil {
		t.Error("zero task should have no runs")
	}
}

func TestTaskState_Resolved(t *testing.T) {
	for _, s := range []TaskState{TaskCompleted, TaskFailed, TaskException} {
		if !s.Resolved() {
			t.Errorf("%s should be resolved", s)
		}
	}
	for _, s := range []TaskState{TaskPending, TaskRunning} {
		if s.Resolved() {
			t.Errorf("%s should not be resolved", s)
		}
	}
}
