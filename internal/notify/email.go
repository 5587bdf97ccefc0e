package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Mailer delivers an email, typically through the Taskcluster notify service
type Mailer interface {
	SendEmail(ctx context.Context, address, subject, content string) error
}

// EmailNotifier mails every notification to a fixed list of administrators
type EmailNotifier struct {
	mailer Mailer
	admins []string
}

// NewEmailNotifier creates a notifier mailing admins
func NewEmailNotifier(mailer Mailer, admins []string) *EmailNotifier {
	return &EmailNotifier{mailer: mailer, admins: admins}
}

func (e *EmailNotifier) Send(ctx context.Context, n Notification) error {
	if e.mailer == nil || len(e.admins) == 0 {
		return nil
	}

	var content strings.Builder
	content.WriteString(n.Message)
	if n.Link != "" {
		fmt.Fprintf(&content, "\n\n%s", n.Link)
	}

	subject := "[pulselistener] " + n.Title
	var errs []error
	for _, admin := range e.admins {
		if err := e.mailer.SendEmail(ctx, admin, subject, content.String()); err != nil {
			errs = append(errs, fmt.Errorf("mailing %s: %w", admin, err))
		}
	}
	return errors.Join(errs...)
}
