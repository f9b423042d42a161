package poller

import (
	"context"
	"errors"
	"testing"
	"time"

	"seniorpill/dblayer"
	"seniorpill/dbtypes"
	"seniorpill/dedup"
	"seniorpill/reminders"
)

type fakeStore struct {
	settings []*dbtypes.PatientSettings
	logs     map[string][]*dbtypes.DoseLog

	listErr    error
	logErrFor  string
	logErr     error
	getCalls   []string
}

func (s *fakeStore) ListPatientSettings(ctx context.Context) ([]*dbtypes.PatientSettings, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.settings, nil
}

func (s *fakeStore) GetPatientSettings(ctx context.Context, patientID string) (*dbtypes.PatientSettings, error) {
	s.getCalls = append(s.getCalls, patientID)
	for _, settings := range s.settings {
		if settings.PatientID == patientID {
			return settings, nil
		}
	}
	return nil, dblayer.ErrPatientNotFound
}

func (s *fakeStore) ListDoseLogs(ctx context.Context, patientID string) ([]*dbtypes.DoseLog, error) {
	if s.logErr != nil && patientID == s.logErrFor {
		return nil, s.logErr
	}
	return s.logs[patientID], nil
}

func (s *fakeStore) WatchPatientSettings(ctx context.Context) (<-chan dblayer.SettingsChange, <-chan error) {
	return nil, nil
}

type fakeDispatcher struct {
	events []reminders.Event
	err    error
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, ev reminders.Event) error {
	d.events = append(d.events, ev)
	return d.err
}

func patientAt(id, morningTime string) *dbtypes.PatientSettings {
	return &dbtypes.PatientSettings{
		PatientID:        id,
		CaregiverEmail:   "care@example.com",
		MorningDoseTime:  morningTime,
		MorningPillCount: 30,
		EveningPillCount: 30,
	}
}

func testPoller(store Store, dispatcher Dispatcher, now time.Time) *Poller {
	cfg := reminders.DefaultConfig()
	cfg.DefaultLocation = time.UTC
	evaluator := reminders.New(cfg, dedup.New(0))
	p := New(store, evaluator, dispatcher, 10*time.Second, false)
	p.now = func() time.Time { return now }
	return p
}

func TestPollEmitsDueReminders(t *testing.T) {
	now := time.Date(2024, 3, 15, 8, 0, 0, 0, time.UTC)
	store := &fakeStore{
		settings: []*dbtypes.PatientSettings{
			patientAt("U101", "08:00"),
			patientAt("U102", "11:00"),
		},
	}
	dispatcher := &fakeDispatcher{}
	p := testPoller(store, dispatcher, now)

	if err := p.pollPatients(context.Background()); err != nil {
		t.Fatalf("pollPatients returned error: %v", err)
	}

	if len(dispatcher.events) != 1 {
		t.Fatalf("Dispatched %d events, want 1", len(dispatcher.events))
	}
	if dispatcher.events[0].PatientID != "U101" {
		t.Errorf("Dispatched for patient %s, want U101", dispatcher.events[0].PatientID)
	}
	if dispatcher.events[0].Kind != reminders.KindReminder {
		t.Errorf("Dispatched kind %s, want reminder", dispatcher.events[0].Kind)
	}
}

func TestPollIsIdempotentAcrossPasses(t *testing.T) {
	now := time.Date(2024, 3, 15, 8, 0, 0, 0, time.UTC)
	store := &fakeStore{
		settings: []*dbtypes.PatientSettings{patientAt("U101", "08:00")},
	}
	dispatcher := &fakeDispatcher{}
	p := testPoller(store, dispatcher, now)

	for i := 0; i < 3; i++ {
		if err := p.pollPatients(context.Background()); err != nil {
			t.Fatalf("pass %d returned error: %v", i, err)
		}
	}

	if len(dispatcher.events) != 1 {
		t.Errorf("Dispatched %d events over three passes, want 1", len(dispatcher.events))
	}
}

func TestOneBrokenPatientDoesNotStarveOthers(t *testing.T) {
	now := time.Date(2024, 3, 15, 8, 0, 0, 0, time.UTC)
	store := &fakeStore{
		settings: []*dbtypes.PatientSettings{
			patientAt("U101", "08:00"),
			patientAt("U102", "08:00"),
		},
		logErrFor: "U101",
		logErr:    errors.New("backend unavailable"),
	}
	dispatcher := &fakeDispatcher{}
	p := testPoller(store, dispatcher, now)

	if err := p.pollPatients(context.Background()); err != nil {
		t.Fatalf("pollPatients returned error: %v", err)
	}

	if len(dispatcher.events) != 1 {
		t.Fatalf("Dispatched %d events, want 1 for the healthy patient", len(dispatcher.events))
	}
	if dispatcher.events[0].PatientID != "U102" {
		t.Errorf("Dispatched for patient %s, want U102", dispatcher.events[0].PatientID)
	}
}

func TestDispatchErrorDoesNotAbortPass(t *testing.T) {
	now := time.Date(2024, 3, 15, 8, 0, 0, 0, time.UTC)
	store := &fakeStore{
		settings: []*dbtypes.PatientSettings{
			patientAt("U101", "08:00"),
			patientAt("U102", "08:00"),
		},
	}
	dispatcher := &fakeDispatcher{err: errors.New("smtp unavailable")}
	p := testPoller(store, dispatcher, now)

	if err := p.pollPatients(context.Background()); err != nil {
		t.Fatalf("pollPatients returned error: %v", err)
	}

	if len(dispatcher.events) != 2 {
		t.Errorf("Dispatched %d events, want attempts for both patients", len(dispatcher.events))
	}
}

func TestPollOneReadsSinglePatient(t *testing.T) {
	now := time.Date(2024, 3, 15, 8, 0, 0, 0, time.UTC)
	store := &fakeStore{
		settings: []*dbtypes.PatientSettings{patientAt("U101", "08:00")},
	}
	dispatcher := &fakeDispatcher{}
	p := testPoller(store, dispatcher, now)

	if err := p.pollOne(context.Background(), "U101"); err != nil {
		t.Fatalf("pollOne returned error: %v", err)
	}
	if len(store.getCalls) != 1 || store.getCalls[0] != "U101" {
		t.Errorf("getCalls = %v, want one read of U101", store.getCalls)
	}
	if len(dispatcher.events) != 1 {
		t.Errorf("Dispatched %d events, want 1", len(dispatcher.events))
	}

	if err := p.pollOne(context.Background(), "U999"); err == nil {
		t.Errorf("pollOne for unknown patient returned nil error")
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	store := &fakeStore{}
	dispatcher := &fakeDispatcher{}
	p := testPoller(store, dispatcher, time.Date(2024, 3, 15, 8, 0, 0, 0, time.UTC))
	p.recheckPeriod = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- p.Run(ctx)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Run did not stop after cancel")
	}
}
