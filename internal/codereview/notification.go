package codereview

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMalformed is returned for payloads that are not build notifications
	ErrMalformed = errors.New("malformed build notification")

	// ErrIrrelevant is returned for notifications about another repository
	ErrIrrelevant = errors.New("notification is not for this repository")
)

const diffPHIDPrefix = "PHID-DIFF-"

// Notification announces that a diff is ready to be tested
type Notification struct {
	Diff       string `json:"diff"`
	DiffPHID   string `json:"diff_phid"`
	Revision   string `json:"revision,omitempty"`
	Repository string `json:"repository,omitempty"`
}

// PHID returns the diff PHID, whichever field carried it
func (n Notification) PHID() string {
	if n.Diff != "" {
		return n.Diff
	}
	return n.DiffPHID
}

// ParseNotification decodes a queue payload into a notification
func ParseNotification(payload any) (Notification, error) {
	var raw []byte
	switch p := payload.(type) {
	case Notification:
		return p, p.validate()
	case *Notification:
		return *p, p.validate()
	case json.RawMessage:
		raw = p
	case []byte:
		raw = p
	case string:
		raw = []byte(p)
	default:
		return Notification{}, fmt.Errorf("%w: unexpected payload type %T", ErrMalformed, payload)
	}

	var n Notification
	if err := json.Unmarshal(raw, &n); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return n, n.validate()
}

func (n Notification) validate() error {
	phid := n.PHID()
	if phid == "" {
		return fmt.Errorf("%w: missing diff", ErrMalformed)
	}
	if !strings.HasPrefix(phid, diffPHIDPrefix) {
		return fmt.Errorf("%w: %q is not a diff PHID", ErrMalformed, phid)
	}
	return nil
}

// relevant reports whether n targets repository. Notifications that do not
// name a repository are always relevant.
func (n Notification) relevant(repository string) bool {
	return repository == "" || n.Repository == "" || n.Repository == repository
}
