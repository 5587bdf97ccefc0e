package repository

import (
	"fmt"
	"strings"
)

// CommandError is returned when a git command exits non-zero
type CommandError struct {
	Args   []string
	Output string
	Err    error
}

func (e *CommandError) Error() string {
	out := strings.TrimSpace(e.Output)
	if out == "" {
		return fmt.Sprintf("git %s: %v", strings.Join(e.Args, " "), e.Err)
	}
	return fmt.Sprintf("git %s: %s: %v", strings.Join(e.Args, " "), out, e.Err)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}
