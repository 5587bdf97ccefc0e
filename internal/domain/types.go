package domain

import "errors"

// DefaultBaseRevision is the integration branch patches are applied on
// when a diff does not name its own base.
const DefaultBaseRevision = "central"

var (
	// ErrEmptyPatchStack is returned when a diff resolves to zero patches
	ErrEmptyPatchStack = errors.New("no patches to apply")

	// ErrNoOpCommit is returned when applying patches did not move the tip
	ErrNoOpCommit = errors.New("commit is the same as base, nothing changed")
)

// ResultStatus is the terminal outcome of processing a diff
type ResultStatus string

const (
	StatusPushed   ResultStatus = "pushed"
	StatusRejected ResultStatus = "rejected"
	StatusError    ResultStatus = "error"
)

// TaskState represents the lifecycle state of a Taskcluster task
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskRunning   TaskState = "running"
	TaskCompleted TaskState = "completed"
	TaskFailed    TaskState = "failed"
	TaskException TaskState = "exception"
)

// Resolved reports whether the state is terminal
func (s TaskState) Resolved() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskException:
		return true
	}
	return false
}
