// Package dblayer packages up most actual firestore accesses.
package dblayer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"seniorpill/dbtypes"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	settingsCollection  = "settings"
	doseLogsCollection  = "doseLogs"
	usersCollection     = "users"
	fcmTokensCollection = "fcmTokens"
)

var (
	ErrPatientNotFound       = errors.New("no patient settings with that ID")
	ErrPatientAlreadyExists  = errors.New("patient settings already exist")
	ErrUserNotFound          = errors.New("no user with that ID")
	ErrDoseLogPatientMissing = errors.New("dose log must name a patient")
)

type DB struct {
	firestoreClient *firestore.Client
}

func New(firestoreClient *firestore.Client) *DB {
	return &DB{
		firestoreClient: firestoreClient,
	}
}

// ListPatientSettings returns every settings document.  Documents that fail
// to deserialize are logged and skipped so one bad document can't take down
// a whole poll pass.
func (db *DB) ListPatientSettings(ctx context.Context) ([]*dbtypes.PatientSettings, error) {
	var out []*dbtypes.PatientSettings

	iter := db.firestoreClient.Collection(settingsCollection).Documents(ctx)
	defer iter.Stop()
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("while iterating patient settings: %w", err)
		}

		settings := &dbtypes.PatientSettings{}
		if err := snap.DataTo(settings); err != nil {
			slog.WarnContext(ctx, "Skipping malformed settings document",
				slog.String("doc", snap.Ref.ID),
				slog.Any("err", err))
			continue
		}
		if settings.PatientID == "" {
			settings.PatientID = snap.Ref.ID
		}

		out = append(out, settings)
	}

	return out, nil
}

// GetPatientSettings reads one settings document by patient ID.
func (db *DB) GetPatientSettings(ctx context.Context, patientID string) (*dbtypes.PatientSettings, error) {
	snap, err := db.firestoreClient.Collection(settingsCollection).Doc(patientID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, ErrPatientNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("while reading settings for patient %s: %w", patientID, err)
	}

	settings := &dbtypes.PatientSettings{}
	if err := snap.DataTo(settings); err != nil {
		return nil, fmt.Errorf("while deserializing settings for patient %s: %w", patientID, err)
	}
	if settings.PatientID == "" {
		settings.PatientID = snap.Ref.ID
	}

	return settings, nil
}

// CreatePatientSettings registers a new patient.  The patient ID is
// normalized and validated, dose times are checked, and creation fails if a
// document for the ID already exists.
func (db *DB) CreatePatientSettings(ctx context.Context, settings *dbtypes.PatientSettings) error {
	patientID, err := dbtypes.NormalizePatientID(settings.PatientID)
	if err != nil {
		return err
	}
	settings.PatientID = patientID

	if err := dbtypes.ValidateDoseTime(settings.MorningDoseTime); err != nil {
		return fmt.Errorf("bad morning dose time: %w", err)
	}
	if err := dbtypes.ValidateDoseTime(settings.EveningDoseTime); err != nil {
		return fmt.Errorf("bad evening dose time: %w", err)
	}
	if err := dbtypes.ValidatePillCount(settings.MorningPillCount); err != nil {
		return fmt.Errorf("bad morning pill count: %w", err)
	}
	if err := dbtypes.ValidatePillCount(settings.EveningPillCount); err != nil {
		return fmt.Errorf("bad evening pill count: %w", err)
	}

	now := time.Now()
	settings.CreatedAt = now
	settings.LastUpdated = now

	docRef := db.firestoreClient.Collection(settingsCollection).Doc(patientID)
	_, err = docRef.Create(ctx, settings)
	if status.Code(err) == codes.AlreadyExists {
		return ErrPatientAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("while creating settings for patient %s: %w", patientID, err)
	}

	return nil
}

// UpdateDoseSchedule sets the dose times for a patient.  Empty strings clear
// a time back to "not configured".
func (db *DB) UpdateDoseSchedule(ctx context.Context, patientID, morningTime, eveningTime string) error {
	if err := dbtypes.ValidateDoseTime(morningTime); err != nil {
		return fmt.Errorf("bad morning dose time: %w", err)
	}
	if err := dbtypes.ValidateDoseTime(eveningTime); err != nil {
		return fmt.Errorf("bad evening dose time: %w", err)
	}

	docRef := db.firestoreClient.Collection(settingsCollection).Doc(patientID)
	_, err := docRef.Update(ctx, []firestore.Update{
		{Path: "morningDoseTime", Value: morningTime},
		{Path: "eveningDoseTime", Value: eveningTime},
		{Path: "lastUpdated", Value: time.Now()},
	})
	if status.Code(err) == codes.NotFound {
		return ErrPatientNotFound
	}
	if err != nil {
		return fmt.Errorf("while updating schedule for patient %s: %w", patientID, err)
	}

	return nil
}

// UpdatePillCounts overwrites both inventory counters, typically after a
// refill.
func (db *DB) UpdatePillCounts(ctx context.Context, patientID string, morningCount, eveningCount int64) error {
	if err := dbtypes.ValidatePillCount(morningCount); err != nil {
		return fmt.Errorf("bad morning pill count: %w", err)
	}
	if err := dbtypes.ValidatePillCount(eveningCount); err != nil {
		return fmt.Errorf("bad evening pill count: %w", err)
	}

	docRef := db.firestoreClient.Collection(settingsCollection).Doc(patientID)
	_, err := docRef.Update(ctx, []firestore.Update{
		{Path: "morningPillCount", Value: morningCount},
		{Path: "eveningPillCount", Value: eveningCount},
		{Path: "lastUpdated", Value: time.Now()},
	})
	if status.Code(err) == codes.NotFound {
		return ErrPatientNotFound
	}
	if err != nil {
		return fmt.Errorf("while updating pill counts for patient %s: %w", patientID, err)
	}

	return nil
}

// DecrementPillCount subtracts one pill for the given dose type, clamping at
// zero.  Runs in a transaction since the device and dashboard can race.
func (db *DB) DecrementPillCount(ctx context.Context, patientID string, doseType dbtypes.DoseType) error {
	docRef := db.firestoreClient.Collection(settingsCollection).Doc(patientID)

	err := db.firestoreClient.RunTransaction(ctx, func(ctx context.Context, txn *firestore.Transaction) error {
		snap, err := txn.Get(docRef)
		if err != nil {
			return fmt.Errorf("while reading settings: %w", err)
		}

		settings := &dbtypes.PatientSettings{}
		if err := snap.DataTo(settings); err != nil {
			return fmt.Errorf("while deserializing settings: %w", err)
		}

		count := settings.PillCount(doseType) - 1
		if count < 0 {
			count = 0
		}

		field := "morningPillCount"
		if doseType == dbtypes.DoseEvening {
			field = "eveningPillCount"
		}

		return txn.Update(docRef, []firestore.Update{
			{Path: field, Value: count},
			{Path: "lastUpdated", Value: time.Now()},
		})
	})
	if status.Code(err) == codes.NotFound {
		return ErrPatientNotFound
	}
	if err != nil {
		return fmt.Errorf("while decrementing %s pill count for patient %s: %w", doseType, patientID, err)
	}

	return nil
}

// UpdateDeviceStatus records the device's online/offline state and sync time.
func (db *DB) UpdateDeviceStatus(ctx context.Context, patientID, deviceStatus string) error {
	docRef := db.firestoreClient.Collection(settingsCollection).Doc(patientID)
	_, err := docRef.Update(ctx, []firestore.Update{
		{Path: "deviceStatus", Value: deviceStatus},
		{Path: "lastSync", Value: time.Now()},
	})
	if status.Code(err) == codes.NotFound {
		return ErrPatientNotFound
	}
	if err != nil {
		return fmt.Errorf("while updating device status for patient %s: %w", patientID, err)
	}

	return nil
}

// ListDoseLogs returns all dose log entries for one patient, newest first.
// The sort happens client-side so the query doesn't require a composite
// index.
func (db *DB) ListDoseLogs(ctx context.Context, patientID string) ([]*dbtypes.DoseLog, error) {
	var out []*dbtypes.DoseLog

	iter := db.firestoreClient.Collection(doseLogsCollection).
		Where("patientId", "==", patientID).
		Documents(ctx)
	defer iter.Stop()
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("while iterating dose logs for patient %s: %w", patientID, err)
		}

		log := &dbtypes.DoseLog{}
		if err := snap.DataTo(log); err != nil {
			slog.WarnContext(ctx, "Skipping malformed dose log",
				slog.String("doc", snap.Ref.ID),
				slog.Any("err", err))
			continue
		}
		log.ID = snap.Ref.ID

		out = append(out, log)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].EffectiveTime().After(out[j].EffectiveTime())
	})

	return out, nil
}

// AppendDoseLog writes one immutable dose event.  Taken doses also decrement
// the matching pill counter.
func (db *DB) AppendDoseLog(ctx context.Context, log *dbtypes.DoseLog) error {
	if log.PatientID == "" {
		return ErrDoseLogPatientMissing
	}

	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now()
	}
	if log.Timestamp.IsZero() {
		log.Timestamp = log.CreatedAt
	}

	docRef, _, err := db.firestoreClient.Collection(doseLogsCollection).Add(ctx, log)
	if err != nil {
		return fmt.Errorf("while appending dose log for patient %s: %w", log.PatientID, err)
	}
	log.ID = docRef.ID

	if log.Status == dbtypes.StatusTaken {
		if err := db.DecrementPillCount(ctx, log.PatientID, log.DoseType); err != nil {
			// The log entry is already durable.  The counter catches up
			// on the next refill.
			slog.WarnContext(ctx, "Dose recorded but pill count not decremented",
				slog.String("patient", log.PatientID),
				slog.Any("err", err))
		}
	}

	return nil
}

// GetUser reads one user document by document ID.
func (db *DB) GetUser(ctx context.Context, userID string) (*dbtypes.User, error) {
	snap, err := db.firestoreClient.Collection(usersCollection).Doc(userID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("while reading user %s: %w", userID, err)
	}

	user := &dbtypes.User{}
	if err := snap.DataTo(user); err != nil {
		return nil, fmt.Errorf("while deserializing user %s: %w", userID, err)
	}

	return user, nil
}

// FCMTokenForUser returns the push registration token for a user, or "" when
// the user has none.  Satisfies notify.TokenResolver.
func (db *DB) FCMTokenForUser(ctx context.Context, userID string) (string, error) {
	snap, err := db.firestoreClient.Collection(fcmTokensCollection).Doc(userID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("while reading push token for user %s: %w", userID, err)
	}

	token := &dbtypes.FCMToken{}
	if err := snap.DataTo(token); err != nil {
		return "", fmt.Errorf("while deserializing push token for user %s: %w", userID, err)
	}

	return token.Token, nil
}
