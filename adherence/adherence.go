// Package adherence derives taken/missed statistics from a patient's dose
// log.  Everything here is a pure function of its inputs.
package adherence

import (
	"time"

	"seniorpill/dbtypes"
)

// Stats summarizes dose outcomes over a trailing window.
type Stats struct {
	Taken      int
	Missed     int
	Total      int
	Percentage int
}

// Calculate counts taken and missed entries whose effective time falls within
// [windowStart, now].  Empty input yields the zero-valued result.
func Calculate(logs []dbtypes.DoseLog, windowStart, now time.Time) Stats {
	var s Stats
	for i := range logs {
		et := logs[i].EffectiveTime()
		if et.Before(windowStart) || et.After(now) {
			continue
		}
		switch logs[i].Status {
		case dbtypes.StatusTaken:
			s.Taken++
		case dbtypes.StatusMissed:
			s.Missed++
		}
	}
	s.Total = s.Taken + s.Missed
	if s.Total > 0 {
		s.Percentage = int(float64(s.Taken)/float64(s.Total)*100 + 0.5)
	}
	return s
}

// Behaviour aggregates per-log timing detail that Stats doesn't carry.
type Behaviour struct {
	TotalTaken      int
	TotalMissed     int
	MissRate        float64
	AvgDelayMinutes float64
	// Misses within the trailing 7 days.
	RecentMisses int
}

// BuildBehaviour computes Behaviour from the full dose log.
func BuildBehaviour(logs []dbtypes.DoseLog, now time.Time) Behaviour {
	var b Behaviour

	var delaySumMinutes float64
	var delayCount int

	for i := range logs {
		l := &logs[i]
		switch l.Status {
		case dbtypes.StatusTaken:
			b.TotalTaken++
		case dbtypes.StatusMissed:
			b.TotalMissed++
		}

		if l.DelaySeconds > 0 {
			delaySumMinutes += float64(l.DelaySeconds) / 60
			delayCount++
		}

		if l.Status == dbtypes.StatusMissed && now.Sub(l.EffectiveTime()) <= 7*24*time.Hour {
			b.RecentMisses++
		}
	}

	if total := b.TotalTaken + b.TotalMissed; total > 0 {
		b.MissRate = float64(b.TotalMissed) / float64(total)
	}
	if delayCount > 0 {
		b.AvgDelayMinutes = delaySumMinutes / float64(delayCount)
	}
	return b
}
