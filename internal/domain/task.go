package domain

import "time"

// TaskRun is one execution attempt of a task
type TaskRun struct {
	RunID    int        `json:"runId"`
	State    TaskState  `json:"state"`
	Started  *time.Time `json:"started,omitempty"`
	Resolved *time.Time `json:"resolved,omitempty"`
}

// Task is a Taskcluster task as reported by the queue status API
type Task struct {
	ID          string    `json:"taskId"`
	TaskGroupID string    `json:"taskGroupId"`
	State       TaskState `json:"state"`
	Runs        []TaskRun `json:"runs"`
}

// LastRun returns the most recent run, if any
func (t *Task) LastRun() (TaskRun, bool) {
	if len(t.Runs) == 0 {
		return TaskRun{}, false
	}
	return t.Runs[len(t.Runs)-1], true
}

// Runtime returns resolution minus start of the most recent run.
// The boolean is false while the run is unresolved.
func (t *Task) Runtime() (time.Duration, bool) {
	run, ok := t.LastRun()
	if !ok || run.Started == nil || run.Resolved == nil {
		return 0, false
	}
	return run.Resolved.Sub(*run.Started), true
}

// WatchRequest asks monitoring to follow a task until it resolves
type WatchRequest struct {
	TaskID string `json:"task_id"`
}
