package notify

import (
	"context"
	"fmt"

	"firebase.google.com/go/v4/messaging"
)

// NotificationOptions mirror the web-notification options the caregiver app
// understands.
type NotificationOptions struct {
	Body               string
	Icon               string
	Tag                string
	RequireInteraction bool
	Data               map[string]string
}

// Pusher is the outbound push-notification collaborator.  Delivery is
// best-effort: callers log failures but never retry.
type Pusher interface {
	ShowNotification(ctx context.Context, token, title string, opts NotificationOptions) error
}

// FCMPusher delivers through Firebase Cloud Messaging with a Webpush payload.
type FCMPusher struct {
	client *messaging.Client
}

func NewFCMPusher(client *messaging.Client) *FCMPusher {
	return &FCMPusher{client: client}
}

func (p *FCMPusher) ShowNotification(ctx context.Context, token, title string, opts NotificationOptions) error {
	if token == "" {
		return fmt.Errorf("device token is empty")
	}

	notification := &messaging.WebpushNotification{
		Title: title,
		Body:  opts.Body,
		Icon:  opts.Icon,
		Tag:   opts.Tag,
	}
	if opts.RequireInteraction {
		notification.RequireInteraction = true
	}

	msg := &messaging.Message{
		Token: token,
		Webpush: &messaging.WebpushConfig{
			Notification: notification,
		},
		Data: opts.Data,
	}

	if _, err := p.client.Send(ctx, msg); err != nil {
		return fmt.Errorf("while sending push through FCM: %w", err)
	}
	return nil
}
