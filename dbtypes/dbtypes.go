// Package dbtypes holds the Firestore document types shared by the rest of
// the application, plus the validation helpers applied at the write boundary.
package dbtypes

import (
	"errors"
	"regexp"
	"strings"
	"time"
)

// DoseType identifies one of the two scheduled doses per day.
type DoseType string

const (
	DoseMorning DoseType = "morning"
	DoseEvening DoseType = "evening"
)

// DoseStatus is the outcome recorded in a dose log entry.
type DoseStatus string

const (
	StatusTaken  DoseStatus = "taken"
	StatusMissed DoseStatus = "missed"
)

// DeviceStatus values written to PatientSettings.DeviceStatus.  Informational
// only; the scheduler never keys decisions off of them.
const (
	DeviceOnline  = "online"
	DeviceOffline = "offline"
)

// PatientSettings is one patient's schedule, inventory, and caregiver contact.
//
// The document lives in the "settings" collection, keyed by the
// caregiver-assigned patient ID.  Created explicitly by a caregiver, never
// implicitly.  Dose times stay empty until the caregiver configures them; a
// settings document with both times empty is unconfigured and produces no
// time-driven notifications.
type PatientSettings struct {
	PatientID   string `firestore:"customUID"`
	FirebaseUID string `firestore:"firebaseUID"`

	CaregiverEmail string `firestore:"caregiverEmail"`
	CaregiverUID   string `firestore:"caregiverUID"`

	// Wall-clock "HH:MM", 24-hour, in the patient's timezone.  Empty when
	// not yet configured.
	MorningDoseTime string `firestore:"morningDoseTime"`
	EveningDoseTime string `firestore:"eveningDoseTime"`

	MorningPillCount int64 `firestore:"morningPillCount"`
	EveningPillCount int64 `firestore:"eveningPillCount"`

	// IANA zone name.  Empty means "use the deployment default".
	Timezone string `firestore:"timezone"`

	DeviceStatus string    `firestore:"deviceStatus"`
	LastSync     time.Time `firestore:"lastSync"`

	CreatedAt   time.Time `firestore:"createdAt"`
	CreatedBy   string    `firestore:"createdBy"`
	LastUpdated time.Time `firestore:"lastUpdated"`
}

// Configured reports whether at least one dose time has been set.
func (s *PatientSettings) Configured() bool {
	return s.MorningDoseTime != "" || s.EveningDoseTime != ""
}

// DoseTime returns the configured time for the given dose type ("" when
// unset).
func (s *PatientSettings) DoseTime(dt DoseType) string {
	if dt == DoseMorning {
		return s.MorningDoseTime
	}
	return s.EveningDoseTime
}

// PillCount returns the inventory counter for the given dose type.
func (s *PatientSettings) PillCount(dt DoseType) int64 {
	if dt == DoseMorning {
		return s.MorningPillCount
	}
	return s.EveningPillCount
}

// DoseLog is one append-only dose event written by the patient-side device.
// Immutable once written.  Duplicates per (patient, doseType, day) are
// possible and must be tolerated by readers.
type DoseLog struct {
	ID           string     `firestore:"-"`
	PatientID    string     `firestore:"patientId"`
	DoseType     DoseType   `firestore:"doseType"`
	Status       DoseStatus `firestore:"status"`
	DelaySeconds int64      `firestore:"delaySeconds"`

	// Timestamp is the authoritative event time (server-assigned);
	// CreatedAt is the client-observed fallback.
	Timestamp time.Time `firestore:"timestamp"`
	CreatedAt time.Time `firestore:"createdAt"`
}

// EffectiveTime returns the authoritative timestamp, falling back to the
// client-observed creation time when the server timestamp is missing.
func (l *DoseLog) EffectiveTime() time.Time {
	if !l.Timestamp.IsZero() {
		return l.Timestamp
	}
	return l.CreatedAt
}

// User is an account in the external identity system.  Only the fields the
// scheduler needs are mapped.
type User struct {
	Email     string `firestore:"email"`
	Role      string `firestore:"role"`
	CustomUID string `firestore:"customUID"`
}

// FCMToken is a push registration token stored per user.
type FCMToken struct {
	Token  string `firestore:"token"`
	UserID string `firestore:"userId"`
}

var (
	ErrBadDoseTime      = errors.New("dose time must be HH:MM, 24-hour")
	ErrBadPatientID     = errors.New("patient ID must be a letter prefix followed by digits")
	ErrNegativePillCount = errors.New("pill count must not be negative")
)

var (
	doseTimeRe  = regexp.MustCompile(`^([0-1][0-9]|2[0-3]):[0-5][0-9]$`)
	patientIDRe = regexp.MustCompile(`^[A-Z]+\d+$`)
)

// ValidateDoseTime checks the HH:MM wall-clock format.  Empty is allowed;
// it means "not configured".
func ValidateDoseTime(t string) error {
	if t == "" {
		return nil
	}
	if !doseTimeRe.MatchString(t) {
		return ErrBadDoseTime
	}
	return nil
}

// NormalizePatientID upper-cases and validates a caregiver-assigned patient
// ID like "U101".
func NormalizePatientID(id string) (string, error) {
	id = strings.ToUpper(strings.TrimSpace(id))
	if !patientIDRe.MatchString(id) {
		return "", ErrBadPatientID
	}
	return id, nil
}

// ValidatePillCount rejects negative inventory counts.
func ValidatePillCount(n int64) error {
	if n < 0 {
		return ErrNegativePillCount
	}
	return nil
}
