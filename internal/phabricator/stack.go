package phabricator

import (
	"context"
	"fmt"

	"github.com/hochfrequenz/pulselistener/internal/domain"
)

// DiffInfo is the subset of differential.diff.search we use
type DiffInfo struct {
	ID     int    `json:"id"`
	PHID   string `json:"phid"`
	Fields struct {
		RevisionPHID string `json:"revisionPHID"`
		Refs         []struct {
			Type       string `json:"type"`
			Identifier string `json:"identifier"`
		} `json:"refs"`
	} `json:"fields"`
}

// BaseRevision returns the base ref recorded when the diff was uploaded
func (d DiffInfo) BaseRevision() string {
	for _, ref := range d.Fields.Refs {
		if ref.Type == "base" {
			return ref.Identifier
		}
	}
	return ""
}

type searchResult[T any] struct {
	Data []T `json:"data"`
}

type revisionInfo struct {
	PHID   string `json:"phid"`
	Fields struct {
		Status struct {
			Closed bool `json:"closed"`
		} `json:"status"`
	} `json:"fields"`
}

type edge struct {
	SourcePHID      string `json:"sourcePHID"`
	DestinationPHID string `json:"destinationPHID"`
}

// SearchDiff looks a diff up by PHID
func (c *Client) SearchDiff(ctx context.Context, diffPHID string) (DiffInfo, error) {
	var res searchResult[DiffInfo]
	err := c.call(ctx, "differential.diff.search", map[string]any{
		"constraints": map[string]any{"phids": []string{diffPHID}},
	}, &res)
	if err != nil {
		return DiffInfo{}, err
	}
	if len(res.Data) == 0 {
		return DiffInfo{}, fmt.Errorf("diff %s: %w", diffPHID, ErrNotFound)
	}
	return res.Data[0], nil
}

// latestDiff returns the newest diff of a revision
func (c *Client) latestDiff(ctx context.Context, revisionPHID string) (DiffInfo, error) {
	var res searchResult[DiffInfo]
	err := c.call(ctx, "differential.diff.search", map[string]any{
		"constraints": map[string]any{"revisionPHIDs": []string{revisionPHID}},
		"order":       "newest",
		"limit":       1,
	}, &res)
	if err != nil {
		return DiffInfo{}, err
	}
	if len(res.Data) == 0 {
		return DiffInfo{}, fmt.Errorf("diffs of %s: %w", revisionPHID, ErrNotFound)
	}
	return res.Data[0], nil
}

// parentRevision returns the open parent of a revision, or "" at the bottom
// of the stack
func (c *Client) parentRevision(ctx context.Context, revisionPHID string) (string, error) {
	var edges searchResult[edge]
	err := c.call(ctx, "edge.search", map[string]any{
		"sourcePHIDs": []string{revisionPHID},
		"types":       []string{"revision.parent"},
	}, &edges)
	if err != nil {
		return "", err
	}
	if len(edges.Data) == 0 {
		return "", nil
	}
	parent := edges.Data[0].DestinationPHID

	var revs searchResult[revisionInfo]
	err = c.call(ctx, "differential.revision.search", map[string]any{
		"constraints": map[string]any{"phids": []string{parent}},
	}, &revs)
	if err != nil {
		return "", err
	}
	// Landed parents are already upstream
	if len(revs.Data) == 0 || revs.Data[0].Fields.Status.Closed {
		return "", nil
	}
	return parent, nil
}

// RawDiff returns the unified diff text of a diff
func (c *Client) RawDiff(ctx context.Context, diffID int) (string, error) {
	var raw string
	if err := c.call(ctx, "differential.getrawdiff", map[string]any{"diffID": diffID}, &raw); err != nil {
		return "", err
	}
	return raw, nil
}

// FetchPatchStack resolves diffPHID and its open parent revisions into an
// ordered patch stack, oldest first. defaultBase is used when the diff
// carries no base ref.
func (c *Client) FetchPatchStack(ctx context.Context, diffPHID, defaultBase string) (*domain.Diff, error) {
	top, err := c.SearchDiff(ctx, diffPHID)
	if err != nil {
		return nil, err
	}

	stack := []DiffInfo{top}
	if rev := top.Fields.RevisionPHID; rev != "" {
		for depth := 0; depth < maxStackDepth; depth++ {
			parent, err := c.parentRevision(ctx, rev)
			if err != nil {
				return nil, fmt.Errorf("walking stack of %s: %w", diffPHID, err)
			}
			if parent == "" {
				break
			}
			d, err := c.latestDiff(ctx, parent)
			if err != nil {
				return nil, err
			}
			stack = append(stack, d)
			rev = parent
		}
	}

	diff := &domain.Diff{PHID: diffPHID, BaseRevision: stack[len(stack)-1].BaseRevision()}
	if diff.BaseRevision == "" {
		diff.BaseRevision = defaultBase
	}

	for i := len(stack) - 1; i >= 0; i-- {
		text, err := c.RawDiff(ctx, stack[i].ID)
		if err != nil {
			return nil, fmt.Errorf("loading raw diff %d: %w", stack[i].ID, err)
		}
		diff.Patches = append(diff.Patches, domain.Patch{ID: stack[i].PHID, Text: text})
	}
	return diff, nil
}
