// Package webapi exposes the caregiver-facing email trigger endpoints.  The
// dashboard uses them to send dose-status and low-stock emails for events it
// observes locally; all time-driven notifications come from the poller.
package webapi

import (
	"context"
	"encoding/json"
	"net/http"

	"seniorpill/dbtypes"
	"seniorpill/notify"

	"github.com/golang/glog"
	"github.com/gorilla/mux"
)

type Server struct {
	mailer notify.Mailer
	router *mux.Router
}

func New(mailer notify.Mailer) *Server {
	s := &Server{
		mailer: mailer,
		router: mux.NewRouter(),
	}

	s.router.HandleFunc("/api/email/reminder", s.handleReminderEmail).Methods(http.MethodPost)
	s.router.HandleFunc("/api/email/dose-status", s.handleDoseStatusEmail).Methods(http.MethodPost)
	s.router.HandleFunc("/api/email/low-stock", s.handleLowStockEmail).Methods(http.MethodPost)
	s.router.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet)

	return s
}

func (s *Server) Router() http.Handler {
	return s.router
}

type reminderRequest struct {
	CaregiverEmail   string `json:"caregiverEmail"`
	PatientID        string `json:"patientId"`
	DoseType         string `json:"doseType"`
	ScheduledTime    string `json:"scheduledTime"`
	MorningPillCount int64  `json:"morningPillCount"`
	EveningPillCount int64  `json:"eveningPillCount"`
	MissedDosesToday int    `json:"missedDosesToday"`
}

type doseStatusRequest struct {
	CaregiverEmail   string `json:"caregiverEmail"`
	PatientID        string `json:"patientId"`
	DoseType         string `json:"doseType"`
	Status           string `json:"status"`
	DelaySeconds     int64  `json:"delaySeconds"`
	Timestamp        string `json:"timestamp"`
	MorningPillCount int64  `json:"morningPillCount"`
	EveningPillCount int64  `json:"eveningPillCount"`
}

type lowStockRequest struct {
	CaregiverEmail string `json:"caregiverEmail"`
	PatientID      string `json:"patientId"`
	DoseType       string `json:"doseType"`
	CurrentCount   *int64 `json:"currentCount"`
}

func (s *Server) handleReminderEmail(w http.ResponseWriter, r *http.Request) {
	req := reminderRequest{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.CaregiverEmail == "" || req.PatientID == "" || req.DoseType == "" {
		writeError(w, http.StatusBadRequest, "Missing required fields")
		return
	}

	payload := notify.ReminderEmail{
		PatientID:        req.PatientID,
		DoseType:         dbtypes.DoseType(req.DoseType),
		ScheduledTime:    req.ScheduledTime,
		MorningPillCount: req.MorningPillCount,
		EveningPillCount: req.EveningPillCount,
		MissedToday:      req.MissedDosesToday,
	}
	html, err := notify.RenderReminderEmail(payload)
	if err != nil {
		glog.Errorf("While rendering reminder email for patient %s: %v", req.PatientID, err)
		writeSendFailure(w, err)
		return
	}

	s.send(r.Context(), w, req.CaregiverEmail, payload.Subject(), html)
}

func (s *Server) handleDoseStatusEmail(w http.ResponseWriter, r *http.Request) {
	req := doseStatusRequest{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.CaregiverEmail == "" || req.PatientID == "" || req.DoseType == "" || req.Status == "" {
		writeError(w, http.StatusBadRequest, "Missing required fields")
		return
	}

	payload := notify.DoseStatusEmail{
		PatientID:        req.PatientID,
		DoseType:         dbtypes.DoseType(req.DoseType),
		Status:           dbtypes.DoseStatus(req.Status),
		DelaySeconds:     req.DelaySeconds,
		ObservedTime:     req.Timestamp,
		MorningPillCount: req.MorningPillCount,
		EveningPillCount: req.EveningPillCount,
	}
	html, err := notify.RenderDoseStatusEmail(payload)
	if err != nil {
		glog.Errorf("While rendering dose-status email for patient %s: %v", req.PatientID, err)
		writeSendFailure(w, err)
		return
	}

	s.send(r.Context(), w, req.CaregiverEmail, payload.Subject(), html)
}

func (s *Server) handleLowStockEmail(w http.ResponseWriter, r *http.Request) {
	req := lowStockRequest{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.CaregiverEmail == "" || req.PatientID == "" || req.DoseType == "" || req.CurrentCount == nil {
		writeError(w, http.StatusBadRequest, "Missing required fields")
		return
	}

	payload := notify.LowStockEmail{
		PatientID:    req.PatientID,
		DoseType:     dbtypes.DoseType(req.DoseType),
		CurrentCount: *req.CurrentCount,
	}
	html, err := notify.RenderLowStockEmail(payload)
	if err != nil {
		glog.Errorf("While rendering low-stock email for patient %s: %v", req.PatientID, err)
		writeSendFailure(w, err)
		return
	}

	s.send(r.Context(), w, req.CaregiverEmail, payload.Subject(), html)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"message": "Email API server is running",
	})
}

func (s *Server) send(ctx context.Context, w http.ResponseWriter, to, subject, html string) {
	messageID, err := s.mailer.SendEmail(ctx, to, subject, html)
	if err != nil {
		glog.Errorf("While sending email to %s: %v", to, err)
		writeSendFailure(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data":    map[string]any{"messageId": messageID},
	})
}

func writeSendFailure(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusInternalServerError, map[string]any{
		"success": false,
		"error":   err.Error(),
	})
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		glog.Errorf("While encoding response: %v", err)
	}
}
