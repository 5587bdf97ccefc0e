package domain

import "time"

// WorkResult is emitted once per diff by the repository worker
type WorkResult struct {
	DiffPHID string       `json:"diffIdentifier"`
	Status   ResultStatus `json:"status"`
	Detail   string       `json:"detail,omitempty"`
	Revision string       `json:"revision,omitempty"`
	At       time.Time    `json:"at"`
}

// RepositoryState describes the local clone
type RepositoryState struct {
	Tip    string   `json:"tip"`
	Drafts []string `json:"drafts"`
}

// Clean reports whether there are no draft revisions beyond the remote tip
func (s RepositoryState) Clean() bool {
	return len(s.Drafts) == 0
}
