package phabricator

import (
	"context"
	"fmt"

	"github.com/hochfrequenz/pulselistener/internal/domain"
)

// ResultComment renders the comment posted for a work result
func ResultComment(result domain.WorkResult) string {
	switch result.Status {
	case domain.StatusPushed:
		return fmt.Sprintf("The patch stack has been pushed to try for automated testing (revision %s).", result.Revision)
	default:
		return fmt.Sprintf("The patch stack could not be pushed to try: %s", result.Detail)
	}
}

// PublishResult comments the result on the revision owning diffPHID
func (c *Client) PublishResult(ctx context.Context, diffPHID string, result domain.WorkResult) error {
	diff, err := c.SearchDiff(ctx, diffPHID)
	if err != nil {
		return err
	}
	if diff.Fields.RevisionPHID == "" {
		return fmt.Errorf("diff %s has no revision: %w", diffPHID, ErrNotFound)
	}

	return c.call(ctx, "differential.revision.edit", map[string]any{
		"objectIdentifier": diff.Fields.RevisionPHID,
		"transactions": []map[string]string{
			{"type": "comment", "value": ResultComment(result)},
		},
	}, nil)
}
