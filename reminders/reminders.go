// Package reminders decides which notification-worthy events have newly
// become true for a patient.
//
// The evaluator is re-run every few seconds against the same inputs, so every
// trigger condition is paired with a dedup ledger key: a condition fires at
// most once per unique key during the process's lifetime.  Keys are marked
// optimistically at emit time; the dispatcher unmarks them when an email send
// hard-fails so the event stays eligible for the next tick.
package reminders

import (
	"fmt"
	"log/slog"
	"time"

	"seniorpill/dbtypes"
	"seniorpill/dedup"
)

// LowStockPolicy selects how the low-stock trigger re-arms.
type LowStockPolicy string

const (
	// LowStockLevel fires once per (doseType, day) while the count sits in
	// the low band.
	LowStockLevel LowStockPolicy = "level"
	// LowStockEdge additionally re-arms within the same day whenever the
	// count drops from above the threshold into the low band.
	LowStockEdge LowStockPolicy = "edge"
)

// Config carries the evaluator's timing windows and thresholds.  These used
// to be hard-coded constants; they are part of the observable contract, so
// they are injectable here.
type Config struct {
	// ReminderWindowMinutes is how many minutes past the scheduled time a
	// reminder can still fire.
	ReminderWindowMinutes int
	// MissedAfterMinutes / MissedBeforeMinutes bound the window, in minutes
	// past the scheduled time, in which an unlogged dose is inferred missed.
	MissedAfterMinutes  int
	MissedBeforeMinutes int
	// RecentStatusWindow bounds how old a taken-dose log can be and still
	// produce a dose-status notification.
	RecentStatusWindow time.Duration
	// LowStockThreshold is the inclusive pill-count band ceiling.
	LowStockThreshold int64
	LowStockPolicy    LowStockPolicy
	// DefaultLocation is the evaluation timezone for patients that don't
	// carry their own.
	DefaultLocation *time.Location
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		ReminderWindowMinutes: 1,
		MissedAfterMinutes:    2,
		MissedBeforeMinutes:   5,
		RecentStatusWindow:    5 * time.Minute,
		LowStockThreshold:     10,
		LowStockPolicy:        LowStockEdge,
		DefaultLocation:       time.Local,
	}
}

// EventKind classifies an emitted notification event.
type EventKind string

const (
	KindReminder   EventKind = "reminder"
	KindMissedDose EventKind = "missed-dose"
	KindLowStock   EventKind = "low-stock"
	KindDoseTaken  EventKind = "dose-taken"
)

// Event is one notification the dispatcher should fan out.  LedgerClass and
// LedgerKey identify the dedup mark backing it, so a failed dispatch can roll
// the mark back.
type Event struct {
	Kind EventKind

	PatientID      string
	CaregiverEmail string
	CaregiverUID   string

	DoseType      dbtypes.DoseType
	ScheduledTime string
	ObservedAt    time.Time

	MorningPillCount int64
	EveningPillCount int64
	// PillCount is the remaining count for the dose type the event is
	// about (low-stock only).
	PillCount int64

	MissedToday  int
	DelaySeconds int64

	LedgerClass dedup.Class
	LedgerKey   string
}

const dateLayout = "2006-01-02"

// Evaluator runs the per-patient trigger checks against a shared dedup
// ledger.  One evaluator instance must be the only writer to its ledger; the
// poll loop guarantees evaluations never overlap.
type Evaluator struct {
	cfg    Config
	ledger *dedup.Ledger

	// Last observed pill counts per patient, for the edge-triggered
	// low-stock re-arm.
	lastCounts map[string]map[dbtypes.DoseType]int64
}

func New(cfg Config, ledger *dedup.Ledger) *Evaluator {
	if cfg.DefaultLocation == nil {
		cfg.DefaultLocation = time.Local
	}
	return &Evaluator{
		cfg:        cfg,
		ledger:     ledger,
		lastCounts: map[string]map[dbtypes.DoseType]int64{},
	}
}

// Evaluate inspects one patient at the given instant and returns the events
// that newly became true.  It is safe to call arbitrarily often; already
// handled conditions stay silent.
func (e *Evaluator) Evaluate(now time.Time, settings *dbtypes.PatientSettings, logs []dbtypes.DoseLog) []Event {
	if settings == nil {
		return nil
	}

	defer e.rememberCounts(settings)

	if settings.CaregiverEmail == "" {
		// Not an error: the caregiver simply hasn't linked a contact yet.
		slog.Debug("Skipping patient without caregiver email", slog.String("patient", settings.PatientID))
		return nil
	}

	loc := e.locationFor(settings)
	localNow := now.In(loc)
	today := localNow.Format(dateLayout)

	var events []Event
	for _, dt := range []dbtypes.DoseType{dbtypes.DoseMorning, dbtypes.DoseEvening} {
		events = append(events, e.evaluateDose(localNow, today, loc, settings, logs, dt)...)
		if ev, ok := e.evaluateLowStock(today, settings, dt); ok {
			events = append(events, ev)
		}
	}
	events = append(events, e.evaluateTakenLogs(localNow, today, loc, settings, logs)...)

	return events
}

// evaluateDose runs the time-driven checks (reminder, missed) for one dose
// type.  A dose type with no configured time produces nothing.
func (e *Evaluator) evaluateDose(localNow time.Time, today string, loc *time.Location, settings *dbtypes.PatientSettings, logs []dbtypes.DoseLog, dt dbtypes.DoseType) []Event {
	scheduled := settings.DoseTime(dt)
	if scheduled == "" {
		return nil
	}

	schedHour, schedMin, err := parseDoseTime(scheduled)
	if err != nil {
		// The write boundary rejects these; tolerate stale documents.
		slog.Warn("Unparseable dose time",
			slog.String("patient", settings.PatientID),
			slog.String("doseType", string(dt)),
			slog.String("time", scheduled))
		return nil
	}

	diffMinutes := (localNow.Hour()*60 + localNow.Minute()) - (schedHour*60 + schedMin)
	exactMatch := localNow.Hour() == schedHour && localNow.Minute() == schedMin

	resolved := hasLogFor(logs, dt, today, loc)
	explicitMiss := hasMissedLogFor(logs, dt, today, loc)
	missedToday := countMissedToday(logs, today, loc)

	var events []Event

	reminderDue := exactMatch || (diffMinutes >= 0 && diffMinutes <= e.cfg.ReminderWindowMinutes)
	if reminderDue && !resolved {
		// Key includes the scheduled HH:MM so that editing the schedule
		// re-arms the reminder for the new time.
		key := fmt.Sprintf("%s-%s-%s-%02d:%02d", settings.PatientID, dt, today, schedHour, schedMin)
		if !e.ledger.HasFired(dedup.ClassReminder, key) {
			e.ledger.MarkFired(dedup.ClassReminder, key)
			events = append(events, Event{
				Kind:             KindReminder,
				PatientID:        settings.PatientID,
				CaregiverEmail:   settings.CaregiverEmail,
				CaregiverUID:     settings.CaregiverUID,
				DoseType:         dt,
				ScheduledTime:    scheduled,
				ObservedAt:       localNow,
				MorningPillCount: settings.MorningPillCount,
				EveningPillCount: settings.EveningPillCount,
				MissedToday:      missedToday,
				LedgerClass:      dedup.ClassReminder,
				LedgerKey:        key,
			})
		}
	}

	// One missed event per (patient, doseType, day), satisfied by either
	// the timing inference or an explicit missed log.
	inferredMiss := diffMinutes >= e.cfg.MissedAfterMinutes && diffMinutes <= e.cfg.MissedBeforeMinutes && !resolved
	if inferredMiss || explicitMiss {
		key := fmt.Sprintf("%s-%s-%s", settings.PatientID, dt, today)
		if !e.ledger.HasFired(dedup.ClassMissed, key) {
			e.ledger.MarkFired(dedup.ClassMissed, key)
			events = append(events, Event{
				Kind:             KindMissedDose,
				PatientID:        settings.PatientID,
				CaregiverEmail:   settings.CaregiverEmail,
				CaregiverUID:     settings.CaregiverUID,
				DoseType:         dt,
				ScheduledTime:    scheduled,
				ObservedAt:       localNow,
				MorningPillCount: settings.MorningPillCount,
				EveningPillCount: settings.EveningPillCount,
				MissedToday:      missedToday,
				LedgerClass:      dedup.ClassMissed,
				LedgerKey:        key,
			})
		}
	}

	return events
}

// evaluateLowStock runs independently of dose-time configuration.
func (e *Evaluator) evaluateLowStock(today string, settings *dbtypes.PatientSettings, dt dbtypes.DoseType) (Event, bool) {
	count := settings.PillCount(dt)
	key := fmt.Sprintf("%s-%s-%s", settings.PatientID, dt, today)

	if e.cfg.LowStockPolicy == LowStockEdge {
		if prev, ok := e.lastCounts[settings.PatientID][dt]; ok && prev > e.cfg.LowStockThreshold && count <= e.cfg.LowStockThreshold {
			e.ledger.Unmark(dedup.ClassLowStock, key)
		}
	}

	if count <= 0 || count > e.cfg.LowStockThreshold {
		return Event{}, false
	}
	if e.ledger.HasFired(dedup.ClassLowStock, key) {
		return Event{}, false
	}

	e.ledger.MarkFired(dedup.ClassLowStock, key)
	return Event{
		Kind:             KindLowStock,
		PatientID:        settings.PatientID,
		CaregiverEmail:   settings.CaregiverEmail,
		CaregiverUID:     settings.CaregiverUID,
		DoseType:         dt,
		MorningPillCount: settings.MorningPillCount,
		EveningPillCount: settings.EveningPillCount,
		PillCount:        count,
		LedgerClass:      dedup.ClassLowStock,
		LedgerKey:        key,
	}, true
}

// evaluateTakenLogs emits a dose-status event once per recent taken log, so
// the caregiver hears about a dose shortly after the device records it.
func (e *Evaluator) evaluateTakenLogs(localNow time.Time, today string, loc *time.Location, settings *dbtypes.PatientSettings, logs []dbtypes.DoseLog) []Event {
	var events []Event
	for i := range logs {
		l := &logs[i]
		if l.Status != dbtypes.StatusTaken || l.ID == "" {
			continue
		}
		et := l.EffectiveTime().In(loc)
		if et.Format(dateLayout) != today {
			continue
		}
		if age := localNow.Sub(et); age < 0 || age > e.cfg.RecentStatusWindow {
			continue
		}

		key := l.ID
		if e.ledger.HasFired(dedup.ClassDoseStatus, key) {
			continue
		}
		e.ledger.MarkFired(dedup.ClassDoseStatus, key)
		events = append(events, Event{
			Kind:             KindDoseTaken,
			PatientID:        settings.PatientID,
			CaregiverEmail:   settings.CaregiverEmail,
			CaregiverUID:     settings.CaregiverUID,
			DoseType:         l.DoseType,
			ScheduledTime:    settings.DoseTime(l.DoseType),
			ObservedAt:       et,
			MorningPillCount: settings.MorningPillCount,
			EveningPillCount: settings.EveningPillCount,
			DelaySeconds:     l.DelaySeconds,
			LedgerClass:      dedup.ClassDoseStatus,
			LedgerKey:        key,
		})
	}
	return events
}

func (e *Evaluator) rememberCounts(settings *dbtypes.PatientSettings) {
	e.lastCounts[settings.PatientID] = map[dbtypes.DoseType]int64{
		dbtypes.DoseMorning: settings.MorningPillCount,
		dbtypes.DoseEvening: settings.EveningPillCount,
	}
}

func (e *Evaluator) locationFor(settings *dbtypes.PatientSettings) *time.Location {
	if settings.Timezone == "" {
		return e.cfg.DefaultLocation
	}
	loc, err := time.LoadLocation(settings.Timezone)
	if err != nil {
		slog.Warn("Unknown patient timezone, using default",
			slog.String("patient", settings.PatientID),
			slog.String("timezone", settings.Timezone))
		return e.cfg.DefaultLocation
	}
	return loc
}

func parseDoseTime(s string) (hour, min int, err error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, fmt.Errorf("while parsing dose time %q: %w", s, err)
	}
	return t.Hour(), t.Minute(), nil
}

func hasLogFor(logs []dbtypes.DoseLog, dt dbtypes.DoseType, today string, loc *time.Location) bool {
	for i := range logs {
		if logs[i].DoseType == dt && logs[i].EffectiveTime().In(loc).Format(dateLayout) == today {
			return true
		}
	}
	return false
}

func hasMissedLogFor(logs []dbtypes.DoseLog, dt dbtypes.DoseType, today string, loc *time.Location) bool {
	for i := range logs {
		if logs[i].DoseType == dt && logs[i].Status == dbtypes.StatusMissed &&
			logs[i].EffectiveTime().In(loc).Format(dateLayout) == today {
			return true
		}
	}
	return false
}

func countMissedToday(logs []dbtypes.DoseLog, today string, loc *time.Location) int {
	n := 0
	for i := range logs {
		if logs[i].Status == dbtypes.StatusMissed && logs[i].EffectiveTime().In(loc).Format(dateLayout) == today {
			n++
		}
	}
	return n
}
