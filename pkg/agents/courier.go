package agents

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aerodesk/charterflow/pkg/clients/mailer"
	"github.com/aerodesk/charterflow/pkg/models"
)

// Courier delivers the finished proposal to the requester.
type Courier struct {
	mailer mailer.Client
}

func NewCourier(mailerClient mailer.Client) *Courier {
	return &Courier{mailer: mailerClient}
}

func (c *Courier) Role() models.Role {
	return models.RoleCourier
}

func (c *Courier) Execute(ctx context.Context, logger *slog.Logger, task models.Task, request models.RFPRequest) (*models.TaskResult, error) {
	subject, _ := task.Payload["subject"].(string)
	htmlBody, _ := task.Payload["html_body"].(string)
	textBody, _ := task.Payload["text_body"].(string)

	if subject == "" || htmlBody == "" {
		return nil, fmt.Errorf("task payload missing proposal subject or body")
	}

	messageID, err := c.mailer.Send(ctx, mailer.Message{
		To:       request.RequesterEmail,
		Subject:  subject,
		HTMLBody: htmlBody,
		TextBody: textBody,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to send proposal: %w", err)
	}

	logger.InfoContext(ctx, "Proposal delivered", "to", request.RequesterEmail, "message_id", messageID)

	return &models.TaskResult{
		Output: map[string]any{
			"message_id": messageID,
			"sent_to":    request.RequesterEmail,
		},
	}, nil
}
