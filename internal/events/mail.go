package events

import (
	"context"
	"log/slog"
)

// LogMailSender records send intent without an outbound provider configured.
// Deployments wire a real MailSender in its place.
type LogMailSender struct {
	Logger *slog.Logger
}

func (s LogMailSender) Send(ctx context.Context, organizationID, template string, data map[string]string) error {
	s.Logger.Info("email queued",
		"organization_id", organizationID,
		"template", template,
		"event_id", data["event_id"],
	)
	return nil
}
