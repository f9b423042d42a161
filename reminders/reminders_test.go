package reminders

import (
	"testing"
	"time"

	"seniorpill/dbtypes"
	"seniorpill/dedup"
)

func testEvaluator() *Evaluator {
	cfg := DefaultConfig()
	cfg.DefaultLocation = time.UTC
	return New(cfg, dedup.New(0))
}

func testSettings() *dbtypes.PatientSettings {
	return &dbtypes.PatientSettings{
		PatientID:        "U101",
		CaregiverEmail:   "care@example.com",
		CaregiverUID:     "cg-1",
		MorningDoseTime:  "08:00",
		EveningDoseTime:  "20:00",
		MorningPillCount: 30,
		EveningPillCount: 30,
	}
}

func at(hour, min, sec int) time.Time {
	return time.Date(2024, 3, 15, hour, min, sec, 0, time.UTC)
}

func eventsOfKind(events []Event, kind EventKind) []Event {
	var out []Event
	for _, ev := range events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func TestUnconfiguredPatientEmitsNoTimeEvents(t *testing.T) {
	e := testEvaluator()
	s := testSettings()
	s.MorningDoseTime = ""
	s.EveningDoseTime = ""

	for _, now := range []time.Time{at(0, 0, 0), at(8, 0, 0), at(12, 30, 0), at(23, 59, 0)} {
		for _, ev := range e.Evaluate(now, s, nil) {
			if ev.Kind == KindReminder || ev.Kind == KindMissedDose {
				t.Errorf("Unconfigured patient emitted %s at %v", ev.Kind, now)
			}
		}
	}
}

func TestNoCaregiverEmailSkipsSilently(t *testing.T) {
	e := testEvaluator()
	s := testSettings()
	s.CaregiverEmail = ""

	if got := e.Evaluate(at(8, 0, 0), s, nil); len(got) != 0 {
		t.Errorf("Patient without caregiver email emitted %d events", len(got))
	}
}

func TestReminderFiresOncePerKey(t *testing.T) {
	e := testEvaluator()
	s := testSettings()

	got := eventsOfKind(e.Evaluate(at(8, 0, 0), s, nil), KindReminder)
	if len(got) != 1 {
		t.Fatalf("At 08:00:00 got %d reminder events, want 1", len(got))
	}
	if got[0].DoseType != dbtypes.DoseMorning || got[0].ScheduledTime != "08:00" {
		t.Errorf("Reminder event = %+v, want morning 08:00", got[0])
	}

	// Same minute, later tick: the ledger suppresses a repeat.
	if again := eventsOfKind(e.Evaluate(at(8, 0, 30), s, nil), KindReminder); len(again) != 0 {
		t.Errorf("At 08:00:30 got %d additional reminders, want 0", len(again))
	}

	// Still within the 1-minute window on a later tick.
	if again := eventsOfKind(e.Evaluate(at(8, 1, 0), s, nil), KindReminder); len(again) != 0 {
		t.Errorf("At 08:01:00 got %d additional reminders, want 0", len(again))
	}
}

func TestReminderCarriesContext(t *testing.T) {
	e := testEvaluator()
	s := testSettings()
	s.MorningPillCount = 7
	s.EveningPillCount = 25

	logs := []dbtypes.DoseLog{{
		ID:        "log-1",
		PatientID: "U101",
		DoseType:  dbtypes.DoseEvening,
		Status:    dbtypes.StatusMissed,
		Timestamp: at(7, 0, 0),
	}}

	got := eventsOfKind(e.Evaluate(at(8, 0, 0), s, logs), KindReminder)
	if len(got) != 1 {
		t.Fatalf("Got %d reminders, want 1", len(got))
	}
	if got[0].MorningPillCount != 7 || got[0].EveningPillCount != 25 {
		t.Errorf("Reminder pill counts = %d/%d, want 7/25", got[0].MorningPillCount, got[0].EveningPillCount)
	}
	if got[0].MissedToday != 1 {
		t.Errorf("Reminder MissedToday = %d, want 1", got[0].MissedToday)
	}
}

func TestReminderSuppressedByTodayLog(t *testing.T) {
	e := testEvaluator()
	s := testSettings()

	logs := []dbtypes.DoseLog{{
		ID:        "log-1",
		PatientID: "U101",
		DoseType:  dbtypes.DoseMorning,
		Status:    dbtypes.StatusTaken,
		Timestamp: at(7, 58, 0),
	}}

	if got := eventsOfKind(e.Evaluate(at(8, 0, 0), s, logs), KindReminder); len(got) != 0 {
		t.Errorf("Reminder fired despite an existing log for today, got %d events", len(got))
	}
}

func TestScheduleEditReArmsReminder(t *testing.T) {
	e := testEvaluator()
	s := testSettings()

	if got := eventsOfKind(e.Evaluate(at(8, 0, 0), s, nil), KindReminder); len(got) != 1 {
		t.Fatalf("Initial reminder count = %d, want 1", len(got))
	}

	// Caregiver moves the morning dose; the new scheduled time is a new key.
	s.MorningDoseTime = "08:30"
	if got := eventsOfKind(e.Evaluate(at(8, 30, 0), s, nil), KindReminder); len(got) != 1 {
		t.Errorf("Reminder after schedule edit = %d, want 1", len(got))
	}
}

func TestInferredMissedDoseWindow(t *testing.T) {
	e := testEvaluator()
	s := testSettings()

	// Inside [2,5] minutes after the scheduled time with no log.
	got := eventsOfKind(e.Evaluate(at(8, 3, 0), s, nil), KindMissedDose)
	if len(got) != 1 {
		t.Fatalf("At 08:03 got %d missed events, want 1", len(got))
	}
	if got[0].DoseType != dbtypes.DoseMorning {
		t.Errorf("Missed event dose type = %s, want morning", got[0].DoseType)
	}

	// Re-evaluation inside the window stays quiet.
	if again := eventsOfKind(e.Evaluate(at(8, 4, 0), s, nil), KindMissedDose); len(again) != 0 {
		t.Errorf("At 08:04 got %d extra missed events, want 0", len(again))
	}
	// Past the window: no new event for the day.
	if again := eventsOfKind(e.Evaluate(at(8, 6, 0), s, nil), KindMissedDose); len(again) != 0 {
		t.Errorf("At 08:06 got %d extra missed events, want 0", len(again))
	}
}

func TestMissedNotInferredBeforeWindow(t *testing.T) {
	e := testEvaluator()
	s := testSettings()

	if got := eventsOfKind(e.Evaluate(at(8, 1, 0), s, nil), KindMissedDose); len(got) != 0 {
		t.Errorf("Missed inferred at 1 minute, got %d events", len(got))
	}
}

// An explicit status=missed log and the timing inference describe the same
// conceptual miss; they share one ledger key and one email.
func TestExplicitMissedLogSharesKeyWithInference(t *testing.T) {
	e := testEvaluator()
	s := testSettings()

	logs := []dbtypes.DoseLog{{
		ID:        "log-1",
		PatientID: "U101",
		DoseType:  dbtypes.DoseMorning,
		Status:    dbtypes.StatusMissed,
		Timestamp: at(8, 2, 30),
	}}

	got := eventsOfKind(e.Evaluate(at(8, 3, 0), s, logs), KindMissedDose)
	if len(got) != 1 {
		t.Fatalf("Got %d missed events, want 1", len(got))
	}

	// A later tick must not produce a second email from the other path.
	if again := eventsOfKind(e.Evaluate(at(8, 10, 0), s, logs), KindMissedDose); len(again) != 0 {
		t.Errorf("Second missed event for the same dose-day, got %d", len(again))
	}
}

func TestExplicitMissedLogFiresOutsideInferenceWindow(t *testing.T) {
	e := testEvaluator()
	s := testSettings()

	logs := []dbtypes.DoseLog{{
		ID:        "log-1",
		PatientID: "U101",
		DoseType:  dbtypes.DoseMorning,
		Status:    dbtypes.StatusMissed,
		Timestamp: at(9, 0, 0),
	}}

	if got := eventsOfKind(e.Evaluate(at(10, 0, 0), s, logs), KindMissedDose); len(got) != 1 {
		t.Errorf("Explicit missed log produced %d events, want 1", len(got))
	}
}

func TestLowStockEdgeTrigger(t *testing.T) {
	e := testEvaluator()
	s := testSettings()
	s.MorningPillCount = 12
	s.EveningPillCount = 40

	if got := eventsOfKind(e.Evaluate(at(9, 0, 0), s, nil), KindLowStock); len(got) != 0 {
		t.Fatalf("Low stock fired at count 12, got %d events", len(got))
	}

	s.MorningPillCount = 8
	got := eventsOfKind(e.Evaluate(at(9, 10, 0), s, nil), KindLowStock)
	if len(got) != 1 {
		t.Fatalf("After 12->8 got %d low-stock events, want 1", len(got))
	}
	if got[0].PillCount != 8 || got[0].DoseType != dbtypes.DoseMorning {
		t.Errorf("Low-stock event = %+v, want morning count 8", got[0])
	}

	// Still 8 on a later tick: quiet.
	if again := eventsOfKind(e.Evaluate(at(9, 20, 0), s, nil), KindLowStock); len(again) != 0 {
		t.Errorf("Third tick at count 8 fired %d events, want 0", len(again))
	}

	// Next calendar day, count unchanged: re-arms once.
	nextDay := time.Date(2024, 3, 16, 9, 0, 0, 0, time.UTC)
	if next := eventsOfKind(e.Evaluate(nextDay, s, nil), KindLowStock); len(next) != 1 {
		t.Errorf("Next-day tick fired %d low-stock events, want 1", len(next))
	}
}

func TestLowStockIntraDayReArmOnDrop(t *testing.T) {
	e := testEvaluator()
	s := testSettings()
	s.MorningPillCount = 9

	if got := eventsOfKind(e.Evaluate(at(9, 0, 0), s, nil), KindLowStock); len(got) != 1 {
		t.Fatalf("Initial low stock fired %d events, want 1", len(got))
	}

	// Refilled above the threshold, then dropped back in the same day.
	s.MorningPillCount = 30
	e.Evaluate(at(10, 0, 0), s, nil)
	s.MorningPillCount = 6
	if got := eventsOfKind(e.Evaluate(at(11, 0, 0), s, nil), KindLowStock); len(got) != 1 {
		t.Errorf("Re-entry into the low band fired %d events, want 1", len(got))
	}
}

func TestLowStockLevelPolicyIgnoresTransitions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DefaultLocation = time.UTC
	cfg.LowStockPolicy = LowStockLevel
	e := New(cfg, dedup.New(0))

	s := testSettings()
	s.MorningPillCount = 9
	if got := eventsOfKind(e.Evaluate(at(9, 0, 0), s, nil), KindLowStock); len(got) != 1 {
		t.Fatalf("Level policy fired %d events, want 1", len(got))
	}

	s.MorningPillCount = 30
	e.Evaluate(at(10, 0, 0), s, nil)
	s.MorningPillCount = 6
	if got := eventsOfKind(e.Evaluate(at(11, 0, 0), s, nil), KindLowStock); len(got) != 0 {
		t.Errorf("Level policy re-fired on intra-day transition, got %d events", len(got))
	}
}

func TestLowStockZeroCountStaysQuiet(t *testing.T) {
	e := testEvaluator()
	s := testSettings()
	s.MorningPillCount = 0
	s.EveningPillCount = 0
	s.MorningDoseTime = ""
	s.EveningDoseTime = ""

	if got := eventsOfKind(e.Evaluate(at(9, 0, 0), s, nil), KindLowStock); len(got) != 0 {
		t.Errorf("Low stock fired at count 0, got %d events", len(got))
	}
}

func TestLowStockIndependentOfDoseTimes(t *testing.T) {
	e := testEvaluator()
	s := testSettings()
	s.MorningDoseTime = ""
	s.EveningDoseTime = ""
	s.MorningPillCount = 5

	if got := eventsOfKind(e.Evaluate(at(9, 0, 0), s, nil), KindLowStock); len(got) != 1 {
		t.Errorf("Unconfigured schedule suppressed low stock, got %d events", len(got))
	}
}

func TestDoseTakenFiresOncePerLog(t *testing.T) {
	e := testEvaluator()
	s := testSettings()

	logs := []dbtypes.DoseLog{{
		ID:           "log-taken-1",
		PatientID:    "U101",
		DoseType:     dbtypes.DoseMorning,
		Status:       dbtypes.StatusTaken,
		DelaySeconds: 90,
		Timestamp:    at(8, 1, 0),
	}}

	got := eventsOfKind(e.Evaluate(at(8, 2, 0), s, logs), KindDoseTaken)
	if len(got) != 1 {
		t.Fatalf("Got %d dose-taken events, want 1", len(got))
	}
	if got[0].DelaySeconds != 90 {
		t.Errorf("DelaySeconds = %d, want 90", got[0].DelaySeconds)
	}

	if again := eventsOfKind(e.Evaluate(at(8, 3, 0), s, logs), KindDoseTaken); len(again) != 0 {
		t.Errorf("Dose-taken re-fired for the same log, got %d events", len(again))
	}
}

func TestDoseTakenIgnoresStaleLogs(t *testing.T) {
	e := testEvaluator()
	s := testSettings()

	logs := []dbtypes.DoseLog{{
		ID:        "log-taken-1",
		PatientID: "U101",
		DoseType:  dbtypes.DoseMorning,
		Status:    dbtypes.StatusTaken,
		Timestamp: at(8, 1, 0),
	}}

	// Observed long after the fact; no point notifying anymore.
	if got := eventsOfKind(e.Evaluate(at(9, 0, 0), s, logs), KindDoseTaken); len(got) != 0 {
		t.Errorf("Stale taken log produced %d events, want 0", len(got))
	}
}

func TestDuplicateLogsTolerated(t *testing.T) {
	e := testEvaluator()
	s := testSettings()

	// Two entries for the same dose-day; any match means "resolved".
	logs := []dbtypes.DoseLog{
		{ID: "a", PatientID: "U101", DoseType: dbtypes.DoseMorning, Status: dbtypes.StatusTaken, Timestamp: at(7, 59, 0)},
		{ID: "b", PatientID: "U101", DoseType: dbtypes.DoseMorning, Status: dbtypes.StatusTaken, Timestamp: at(7, 59, 30)},
	}

	if got := eventsOfKind(e.Evaluate(at(8, 0, 0), s, logs), KindReminder); len(got) != 0 {
		t.Errorf("Reminder fired despite duplicate resolved logs, got %d events", len(got))
	}
}

func TestEvaluationInPatientTimezone(t *testing.T) {
	e := testEvaluator()
	s := testSettings()
	s.Timezone = "America/New_York"

	// 12:00 UTC on 2024-03-15 is 08:00 in New York (EDT).
	got := eventsOfKind(e.Evaluate(at(12, 0, 0), s, nil), KindReminder)
	if len(got) != 1 {
		t.Fatalf("Got %d reminders in patient timezone, want 1", len(got))
	}
	if got[0].DoseType != dbtypes.DoseMorning {
		t.Errorf("Reminder dose type = %s, want morning", got[0].DoseType)
	}

	// 08:00 UTC is 04:00 local; nothing is due.
	e2 := testEvaluator()
	if got := e2.Evaluate(at(8, 0, 0), s, nil); len(eventsOfKind(got, KindReminder)) != 0 {
		t.Errorf("Reminder fired at 04:00 patient-local time")
	}
}

func TestFailedDispatchRollbackReenablesEvent(t *testing.T) {
	ledger := dedup.New(0)
	cfg := DefaultConfig()
	cfg.DefaultLocation = time.UTC
	e := New(cfg, ledger)
	s := testSettings()

	got := eventsOfKind(e.Evaluate(at(8, 0, 0), s, nil), KindReminder)
	if len(got) != 1 {
		t.Fatalf("Got %d reminders, want 1", len(got))
	}

	// Simulate the dispatcher rolling back after a hard email failure.
	ledger.Unmark(got[0].LedgerClass, got[0].LedgerKey)

	if again := eventsOfKind(e.Evaluate(at(8, 0, 40), s, nil), KindReminder); len(again) != 1 {
		t.Errorf("After rollback got %d reminders, want 1", len(again))
	}
}
