package worker

import (
	"errors"
	"fmt"

	"github.com/hochfrequenz/pulselistener/internal/domain"
	"github.com/hochfrequenz/pulselistener/internal/repository"
)

// State is a step of the per-diff workflow
type State string

const (
	StateIdle       State = "idle"
	StateCleaning   State = "cleaning"
	StateApplying   State = "applying"
	StateRebasing   State = "rebasing"
	StatePushing    State = "pushing"
	StateRecovering State = "recovering"
)

// TransitionHook observes every state change of the worker
type TransitionHook func(diffPHID string, from, to State)

// Classify returns the error kind reported back to the review system
func Classify(err error) string {
	var cmdErr *repository.CommandError
	switch {
	case errors.Is(err, domain.ErrEmptyPatchStack):
		return "EmptyPatchStack"
	case errors.Is(err, domain.ErrNoOpCommit):
		return "NoOpCommit"
	case errors.As(err, &cmdErr):
		return "CommandError"
	default:
		return "Error"
	}
}

func detail(err error) string {
	return fmt.Sprintf("%s: %v", Classify(err), err)
}
