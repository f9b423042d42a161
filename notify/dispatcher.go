// Package notify fans evaluator events out to the email and push
// collaborators.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"seniorpill/dbtypes"
	"seniorpill/dedup"
	"seniorpill/reminders"
)

// TokenResolver looks up the push registration token for a user.  dblayer
// provides the Firestore-backed implementation.
type TokenResolver func(ctx context.Context, userID string) (string, error)

// Dispatcher delivers one event over each configured channel.  Channels are
// independent: a push failure never blocks or rolls back the email send, and
// vice versa.
//
// Email is the channel the dedup ledger protects.  A hard email failure
// unmarks the event's ledger key so it can fire again on the next eligible
// tick.  Push is best-effort and never unmarks.
type Dispatcher struct {
	mailer Mailer
	pusher Pusher
	tokens TokenResolver
	ledger *dedup.Ledger

	// Bound on each outbound call so one stuck network call cannot stall
	// the poll loop.
	sendTimeout time.Duration
}

// NewDispatcher wires the channels.  pusher and tokens may be nil to disable
// push delivery.
func NewDispatcher(mailer Mailer, pusher Pusher, tokens TokenResolver, ledger *dedup.Ledger, sendTimeout time.Duration) *Dispatcher {
	if sendTimeout <= 0 {
		sendTimeout = 30 * time.Second
	}
	return &Dispatcher{
		mailer:      mailer,
		pusher:      pusher,
		tokens:      tokens,
		ledger:      ledger,
		sendTimeout: sendTimeout,
	}
}

// Dispatch sends the event.  The returned error reflects the email channel
// only and is recoverable: the caller should log it and move on.
func (d *Dispatcher) Dispatch(ctx context.Context, ev reminders.Event) error {
	emailErr := d.sendEmail(ctx, ev)
	if emailErr != nil {
		// Roll back the dedup mark so the event stays eligible.
		d.ledger.Unmark(ev.LedgerClass, ev.LedgerKey)
	}

	d.sendPush(ctx, ev)

	if emailErr != nil {
		return fmt.Errorf("while dispatching %s for patient %s: %w", ev.Kind, ev.PatientID, emailErr)
	}
	return nil
}

func (d *Dispatcher) sendEmail(ctx context.Context, ev reminders.Event) error {
	subject, html, err := buildEmail(ev)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	defer cancel()

	messageID, err := d.mailer.SendEmail(ctx, ev.CaregiverEmail, subject, html)
	if err != nil {
		return err
	}

	slog.InfoContext(ctx, "Sent notification email",
		slog.String("kind", string(ev.Kind)),
		slog.String("patient", ev.PatientID),
		slog.String("messageId", messageID))
	return nil
}

func buildEmail(ev reminders.Event) (subject, html string, err error) {
	switch ev.Kind {
	case reminders.KindReminder:
		p := ReminderEmail{
			PatientID:        ev.PatientID,
			DoseType:         ev.DoseType,
			ScheduledTime:    ev.ScheduledTime,
			MorningPillCount: ev.MorningPillCount,
			EveningPillCount: ev.EveningPillCount,
			MissedToday:      ev.MissedToday,
		}
		html, err = RenderReminderEmail(p)
		return p.Subject(), html, err
	case reminders.KindMissedDose, reminders.KindDoseTaken:
		status := dbtypes.StatusMissed
		if ev.Kind == reminders.KindDoseTaken {
			status = dbtypes.StatusTaken
		}
		p := DoseStatusEmail{
			PatientID:        ev.PatientID,
			DoseType:         ev.DoseType,
			Status:           status,
			ScheduledTime:    ev.ScheduledTime,
			ObservedTime:     ev.ObservedAt.Format("2006-01-02 15:04"),
			DelaySeconds:     ev.DelaySeconds,
			MorningPillCount: ev.MorningPillCount,
			EveningPillCount: ev.EveningPillCount,
		}
		html, err = RenderDoseStatusEmail(p)
		return p.Subject(), html, err
	case reminders.KindLowStock:
		p := LowStockEmail{
			PatientID:    ev.PatientID,
			DoseType:     ev.DoseType,
			CurrentCount: ev.PillCount,
		}
		html, err = RenderLowStockEmail(p)
		return p.Subject(), html, err
	}
	return "", "", fmt.Errorf("unknown event kind %q", ev.Kind)
}

// sendPush is best-effort.  Failures are logged and dropped.
func (d *Dispatcher) sendPush(ctx context.Context, ev reminders.Event) {
	if d.pusher == nil || d.tokens == nil || ev.CaregiverUID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	defer cancel()

	token, err := d.tokens(ctx, ev.CaregiverUID)
	if err != nil {
		slog.WarnContext(ctx, "Could not resolve push token",
			slog.String("patient", ev.PatientID),
			slog.String("caregiverUid", ev.CaregiverUID),
			slog.Any("err", err))
		return
	}
	if token == "" {
		return
	}

	title, opts := buildPush(ev)
	if err := d.pusher.ShowNotification(ctx, token, title, opts); err != nil {
		slog.WarnContext(ctx, "Push delivery failed",
			slog.String("kind", string(ev.Kind)),
			slog.String("patient", ev.PatientID),
			slog.Any("err", err))
	}
}

func buildPush(ev reminders.Event) (string, NotificationOptions) {
	switch ev.Kind {
	case reminders.KindReminder:
		return fmt.Sprintf("Time to take %s pills", ev.DoseType), NotificationOptions{
			Body:               fmt.Sprintf("Patient %s: %s medication is due now (%s)", ev.PatientID, ev.DoseType, ev.ScheduledTime),
			Tag:                fmt.Sprintf("dose-reminder-%s", ev.DoseType),
			RequireInteraction: true,
			Data:               map[string]string{"patientId": ev.PatientID, "doseType": string(ev.DoseType)},
		}
	case reminders.KindMissedDose:
		return fmt.Sprintf("Missed %s dose", ev.DoseType), NotificationOptions{
			Body: fmt.Sprintf("Patient %s missed their %s medication.", ev.PatientID, ev.DoseType),
			Tag:  fmt.Sprintf("missed-dose-%s", ev.DoseType),
			Data: map[string]string{"patientId": ev.PatientID, "doseType": string(ev.DoseType)},
		}
	case reminders.KindLowStock:
		return fmt.Sprintf("Low %s pill stock", ev.DoseType), NotificationOptions{
			Body: fmt.Sprintf("Only %d %s pills remaining for patient %s. Please refill soon.", ev.PillCount, ev.DoseType, ev.PatientID),
			Tag:  fmt.Sprintf("low-stock-%s", ev.DoseType),
			Data: map[string]string{"patientId": ev.PatientID, "doseType": string(ev.DoseType)},
		}
	default:
		return fmt.Sprintf("Dose %s", ev.Kind), NotificationOptions{
			Body: fmt.Sprintf("Patient %s: %s dose update.", ev.PatientID, ev.DoseType),
			Tag:  fmt.Sprintf("dose-status-%s", ev.DoseType),
			Data: map[string]string{"patientId": ev.PatientID, "doseType": string(ev.DoseType)},
		}
	}
}
