// Package poller drives the notification scheduler: on a fixed period it
// reads every patient's settings and dose logs, evaluates which notifications
// are due, and hands them to the dispatcher.
package poller

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"seniorpill/dblayer"
	"seniorpill/dbtypes"
	"seniorpill/reminders"
)

// Store is the slice of dblayer the poller touches.
type Store interface {
	ListPatientSettings(ctx context.Context) ([]*dbtypes.PatientSettings, error)
	GetPatientSettings(ctx context.Context, patientID string) (*dbtypes.PatientSettings, error)
	ListDoseLogs(ctx context.Context, patientID string) ([]*dbtypes.DoseLog, error)
	WatchPatientSettings(ctx context.Context) (<-chan dblayer.SettingsChange, <-chan error)
}

// Dispatcher delivers one evaluator event.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev reminders.Event) error
}

// Poller runs an infinite loop.  All evaluation happens on this one
// goroutine, so the evaluator's dedup state never needs external locking.
type Poller struct {
	store         Store
	evaluator     *reminders.Evaluator
	dispatcher    Dispatcher
	recheckPeriod time.Duration

	// Watching the settings collection is optional; when off, schedule
	// edits are picked up on the next tick.
	watchSettings bool

	now func() time.Time
}

func New(store Store, evaluator *reminders.Evaluator, dispatcher Dispatcher, recheckPeriod time.Duration, watchSettings bool) *Poller {
	if recheckPeriod <= 0 {
		recheckPeriod = 10 * time.Second
	}
	return &Poller{
		store:         store,
		evaluator:     evaluator,
		dispatcher:    dispatcher,
		recheckPeriod: recheckPeriod,
		watchSettings: watchSettings,
		now:           time.Now,
	}
}

func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.recheckPeriod)
	defer ticker.Stop()

	var (
		changes  <-chan dblayer.SettingsChange
		watchErr <-chan error
	)
	if p.watchSettings {
		changes, watchErr = p.store.WatchPatientSettings(ctx)
	}

	// Poll once right away --- ticker doesn't fire until the tick period has
	// elapsed.
	if err := p.pollPatients(ctx); err != nil {
		slog.ErrorContext(ctx, "Error during poller pass", slog.Any("err", err))
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := p.pollPatients(ctx); err != nil {
				slog.ErrorContext(ctx, "Error during poller pass", slog.Any("err", err))
			}
		case change, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			if change.Removed {
				continue
			}
			if err := p.pollOne(ctx, change.PatientID); err != nil {
				slog.ErrorContext(ctx, "Error evaluating changed patient",
					slog.String("patient", change.PatientID),
					slog.Any("err", err))
			}
		case err := <-watchErr:
			// Keep polling; only the fast path is gone.
			slog.ErrorContext(ctx, "Settings watch died, falling back to tick-only polling", slog.Any("err", err))
			changes = nil
			watchErr = nil
		}
	}
}

func (p *Poller) pollPatients(ctx context.Context) error {
	slog.DebugContext(ctx, "Starting poller pass")
	defer func() {
		slog.DebugContext(ctx, "Finished poller pass")
	}()

	allSettings, err := p.store.ListPatientSettings(ctx)
	if err != nil {
		return fmt.Errorf("while listing patient settings: %w", err)
	}

	for _, settings := range allSettings {
		if err := p.processPatient(ctx, settings); err != nil {
			// One broken patient must not starve the rest.
			slog.ErrorContext(ctx, "Error processing patient",
				slog.String("patient", settings.PatientID),
				slog.Any("err", err))
		}
	}

	return nil
}

func (p *Poller) pollOne(ctx context.Context, patientID string) error {
	settings, err := p.store.GetPatientSettings(ctx, patientID)
	if err != nil {
		return fmt.Errorf("while reading settings: %w", err)
	}
	return p.processPatient(ctx, settings)
}

func (p *Poller) processPatient(ctx context.Context, settings *dbtypes.PatientSettings) error {
	logPtrs, err := p.store.ListDoseLogs(ctx, settings.PatientID)
	if err != nil {
		return fmt.Errorf("while listing dose logs: %w", err)
	}

	logs := make([]dbtypes.DoseLog, 0, len(logPtrs))
	for _, l := range logPtrs {
		logs = append(logs, *l)
	}

	events := p.evaluator.Evaluate(p.now(), settings, logs)
	for _, ev := range events {
		if err := p.dispatcher.Dispatch(ctx, ev); err != nil {
			// Dispatch already rolled back the dedup mark; the event
			// fires again on the next eligible tick.
			slog.ErrorContext(ctx, "Error dispatching notification",
				slog.String("kind", string(ev.Kind)),
				slog.String("patient", ev.PatientID),
				slog.Any("err", err))
		}
	}

	return nil
}
