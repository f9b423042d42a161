package notify

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"

	"seniorpill/dbtypes"
)

// Email payloads and templates for the three caregiver-facing messages:
// reminder, dose status (taken/missed), and low stock.  The HTTP email
// surface builds the same payloads from request bodies.

type ReminderEmail struct {
	PatientID        string
	DoseType         dbtypes.DoseType
	ScheduledTime    string
	MorningPillCount int64
	EveningPillCount int64
	MissedToday      int
}

func (p ReminderEmail) Subject() string {
	return fmt.Sprintf("Medication Reminder: %s - %s Dose", p.PatientID, doseLabel(p.DoseType))
}

type DoseStatusEmail struct {
	PatientID        string
	DoseType         dbtypes.DoseType
	Status           dbtypes.DoseStatus
	ScheduledTime    string
	ObservedTime     string
	DelaySeconds     int64
	MorningPillCount int64
	EveningPillCount int64
}

func (p DoseStatusEmail) Subject() string {
	return fmt.Sprintf("Medication %s: %s - %s Dose",
		strings.ToUpper(string(p.Status)), p.PatientID, doseLabel(p.DoseType))
}

// DelayText renders the taken-dose delay for the template.
func (p DoseStatusEmail) DelayText() string {
	if p.DelaySeconds <= 0 {
		return "No delay / missed"
	}
	return fmt.Sprintf("%d min %d sec after reminder", p.DelaySeconds/60, p.DelaySeconds%60)
}

type LowStockEmail struct {
	PatientID    string
	DoseType     dbtypes.DoseType
	CurrentCount int64
}

func (p LowStockEmail) Subject() string {
	return fmt.Sprintf("Low Stock Alert: %s - %s Pills", p.PatientID, doseLabel(p.DoseType))
}

func doseLabel(dt dbtypes.DoseType) string {
	if dt == dbtypes.DoseMorning {
		return "Morning"
	}
	return "Evening"
}

const emailBase = `<!DOCTYPE html>
<html>
<body style="font-family: Arial, sans-serif; line-height: 1.6; color: #333;">
<div style="max-width: 600px; margin: 0 auto; padding: 20px;">
<div style="background: {{.HeaderColor}}; color: white; padding: 20px; text-align: center;"><h1>{{.Heading}}</h1></div>
<div style="background: #f9fafb; padding: 30px;">
{{.Body}}
</div>
<div style="text-align: center; margin-top: 30px; color: #6b7280; font-size: 12px;">
<p>SeniorPill Medication Management System</p>
<p>This is an automated notification. Please do not reply to this email.</p>
</div>
</div>
</body>
</html>`

var baseTemplate = template.Must(template.New("base").Parse(emailBase))

var reminderBody = template.Must(template.New("reminder").Parse(`
<p><b>Time to take medication.</b></p>
<p>Patient ID: <b>{{.PatientID}}</b></p>
<p>Dose: {{.DoseType}} at <b>{{.ScheduledTime}}</b></p>
<p>Morning pills remaining: {{.MorningPillCount}}<br>
Evening pills remaining: {{.EveningPillCount}}</p>
{{if gt .MissedToday 0}}<p style="color: #ef4444;"><b>Missed doses today: {{.MissedToday}}.</b> Please check on the patient.</p>{{end}}
<p><b>Action required:</b> please remind patient {{.PatientID}} to take their {{.DoseType}} medication now.</p>
`))

var doseStatusBody = template.Must(template.New("doseStatus").Parse(`
<p>Patient ID: <b>{{.PatientID}}</b></p>
<p>Dose: {{.DoseType}}{{if .ScheduledTime}} (scheduled {{.ScheduledTime}}){{end}}</p>
<p>Status: <b>{{.Status}}</b></p>
<p>Delay: {{.DelayText}}</p>
<p>Time: {{.ObservedTime}}</p>
<p>Morning pills remaining: {{.MorningPillCount}}<br>
Evening pills remaining: {{.EveningPillCount}}</p>
{{if eq .Status "missed"}}<p style="color: #ef4444;"><b>Action required:</b> patient {{.PatientID}} missed their {{.DoseType}} medication. Please check on them.</p>{{end}}
`))

var lowStockBody = template.Must(template.New("lowStock").Parse(`
<p><b>Pill stock running low.</b></p>
<p>Patient ID: <b>{{.PatientID}}</b></p>
<p>Dose type: {{.DoseType}}</p>
<p>Remaining pills: <b style="color: #ef4444; font-size: 24px;">{{.CurrentCount}}</b></p>
<p><b>Action required:</b> please refill the {{.DoseType}} medication stock for patient {{.PatientID}}.</p>
`))

type basePayload struct {
	HeaderColor string
	Heading     string
	Body        template.HTML
}

func renderBase(color, heading string, body *template.Template, payload any) (string, error) {
	inner := &bytes.Buffer{}
	if err := body.Execute(inner, payload); err != nil {
		return "", fmt.Errorf("while templating email body: %w", err)
	}

	out := &bytes.Buffer{}
	err := baseTemplate.Execute(out, basePayload{
		HeaderColor: color,
		Heading:     heading,
		Body:        template.HTML(inner.String()),
	})
	if err != nil {
		return "", fmt.Errorf("while templating email: %w", err)
	}
	return out.String(), nil
}

// RenderReminderEmail produces the reminder HTML body.
func RenderReminderEmail(p ReminderEmail) (string, error) {
	return renderBase("#ef4444", "Medication Reminder", reminderBody, p)
}

// RenderDoseStatusEmail produces the taken/missed HTML body.
func RenderDoseStatusEmail(p DoseStatusEmail) (string, error) {
	color, heading := "#10b981", "Medication Taken"
	if p.Status == dbtypes.StatusMissed {
		color, heading = "#ef4444", "Medication Missed"
	}
	return renderBase(color, heading, doseStatusBody, p)
}

// RenderLowStockEmail produces the low-stock HTML body.
func RenderLowStockEmail(p LowStockEmail) (string, error) {
	return renderBase("#f59e0b", "Low Stock Alert", lowStockBody, p)
}
