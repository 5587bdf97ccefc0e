package domain

import (
	"fmt"
	"strings"
)

// Patch is a single unified diff from a review stack
type Patch struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// Diff is a review-system change carrying its ordered patch stack.
// Patches are ordered oldest to newest.
type Diff struct {
	PHID         string  `json:"phid"`
	Patches      []Patch `json:"patches"`
	BaseRevision string  `json:"baseRevision,omitempty"`
}

// Base returns the revision label patches apply on
func (d *Diff) Base() string {
	if d.BaseRevision == "" {
		return DefaultBaseRevision
	}
	return d.BaseRevision
}

// Validate checks the diff can be applied
func (d *Diff) Validate() error {
	if d.PHID == "" {
		return fmt.Errorf("diff has no phid")
	}
	if len(d.Patches) == 0 {
		return ErrEmptyPatchStack
	}
	return nil
}

// PatchIDs returns patch identifiers in application order
func (d *Diff) PatchIDs() []string {
	ids := make([]string, len(d.Patches))
	for i, p := range d.Patches {
		ids[i] = p.ID
	}
	return ids
}

// CommitMessage is the message of the single commit for one patch
func CommitMessage(patchID string) string {
	return "Patch " + patchID
}

// CollapsedMessage is the message of the commit that collapses a stack
func CollapsedMessage(patchIDs []string) string {
	return "Patches " + strings.Join(patchIDs, ", ")
}
