package notify

import (
	"context"
	"fmt"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

// Mailer is the outbound email collaborator.  Implementations return the
// provider's message ID on success.
type Mailer interface {
	SendEmail(ctx context.Context, to, subject, htmlBody string) (messageID string, err error)
}

// SendGridMailer sends through the SendGrid v3 API.
type SendGridMailer struct {
	client    *sendgrid.Client
	fromName  string
	fromEmail string
}

func NewSendGridMailer(client *sendgrid.Client, fromName, fromEmail string) *SendGridMailer {
	return &SendGridMailer{
		client:    client,
		fromName:  fromName,
		fromEmail: fromEmail,
	}
}

func (m *SendGridMailer) SendEmail(ctx context.Context, to, subject, htmlBody string) (string, error) {
	message := mail.NewV3Mail()
	message.From = mail.NewEmail(m.fromName, m.fromEmail)
	message.Subject = subject

	personalization := mail.NewPersonalization()
	personalization.To = append(personalization.To, mail.NewEmail("", to))
	message.Personalizations = append(message.Personalizations, personalization)

	message.Content = append(message.Content, mail.NewContent("text/html", htmlBody))

	resp, err := m.client.SendWithContext(ctx, message)
	if err != nil {
		return "", fmt.Errorf("while sending mail through SendGrid: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("non-2XX response while sending mail through SendGrid: %d %s", resp.StatusCode, resp.Body)
	}

	messageID := ""
	if ids := resp.Headers["X-Message-Id"]; len(ids) > 0 {
		messageID = ids[0]
	}
	return messageID, nil
}
