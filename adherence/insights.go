package adherence

import "math"

// Insight helpers layered on top of the raw statistics.  These back the
// caregiver dashboard's risk/forecast panels.  They carry no correctness
// obligations beyond being deterministic for identical inputs.

// RiskLevel buckets a probability or rule outcome.
type RiskLevel string

const (
	RiskLow    RiskLevel = "Low"
	RiskMedium RiskLevel = "Medium"
	RiskHigh   RiskLevel = "High"
)

// MissPrediction is a logistic estimate of the chance the next dose is
// missed.
type MissPrediction struct {
	Probability float64
	Level       RiskLevel
}

func sigmoid(z float64) float64 {
	if z < -50 {
		return 0
	}
	if z > 50 {
		return 1
	}
	return 1 / (1 + math.Exp(-z))
}

// PredictMiss scores the chance of missing the next dose from recent
// behaviour.  Fixed coefficients; higher miss rate, longer delays, lower
// adherence, and a recent-miss streak all push the score up.
func PredictMiss(b Behaviour, period Stats) MissPrediction {
	adherencePct := 100.0
	if period.Total > 0 {
		adherencePct = float64(period.Percentage)
	}

	xMissRate := b.MissRate
	xDelay := math.Min(b.AvgDelayMinutes/30, 2)
	xAdh := 1 - adherencePct/100
	xRecent := 0.0
	if b.RecentMisses >= 3 {
		xRecent = 1
	}

	z := -0.5 + 2.5*xMissRate + 0.8*xDelay + 1.5*xAdh + 1.2*xRecent
	prob := sigmoid(z)

	level := RiskLow
	switch {
	case prob >= 0.7:
		level = RiskHigh
	case prob >= 0.4:
		level = RiskMedium
	}

	return MissPrediction{Probability: prob, Level: level}
}

// PredictRefillDays estimates days until the given pill count runs out,
// assuming two planned doses per day scaled by the observed miss rate.
// Returns 0 when there is no basis for an estimate.  The result is clamped
// to [1, 60].
func PredictRefillDays(currentCount int64, b Behaviour) int {
	if currentCount <= 0 || b.TotalTaken+b.TotalMissed == 0 {
		return 0
	}

	const plannedPerDay = 2
	expectedDailyUse := math.Max(plannedPerDay*(1-b.MissRate), 0.25)

	days := math.Round(float64(currentCount) / expectedDailyUse)
	if days < 1 {
		days = 1
	}
	if days > 60 {
		days = 60
	}
	return int(days)
}

// Risk is an explainable rule-based classification.
type Risk struct {
	Level   RiskLevel
	Message string
}

// ClassifyRisk applies transparent threshold rules over misses, delays, and
// the period adherence percentage.
func ClassifyRisk(b Behaviour, period Stats) Risk {
	missed := b.TotalMissed
	adherencePct := 100
	if period.Total > 0 {
		missed = period.Missed
		adherencePct = period.Percentage
	}

	if missed >= 4 || (missed >= 3 && b.AvgDelayMinutes > 20) || adherencePct < 60 {
		return Risk{RiskHigh, "High non-adherence risk: frequent misses and long delays."}
	}
	if missed >= 2 || b.AvgDelayMinutes > 10 || adherencePct < 80 {
		return Risk{RiskMedium, "Moderate risk: some missed doses or consistent delays."}
	}
	return Risk{RiskLow, "Low risk: good adherence with minimal delays."}
}

// Cluster labels a patient's behaviour group.
type Cluster struct {
	Label       string
	Description string
}

type centroid struct {
	label       string
	description string
	vector      [3]float64
}

// Fixed centroids over [adherence%, avgDelayMinutes, missedCount].
var behaviourCentroids = []centroid{
	{"Regular", "Consistent, regular medication behaviour.", [3]float64{95, 3, 0}},
	{"Irregular", "Irregular behaviour: mixed taken and missed doses.", [3]float64{80, 10, 2}},
	{"High-risk", "High-risk behaviour: frequent misses and long delays.", [3]float64{55, 25, 5}},
}

// AssignCluster picks the nearest fixed centroid for the patient's feature
// vector.
func AssignCluster(b Behaviour, period Stats) Cluster {
	adherencePct := 100.0
	missed := float64(b.TotalMissed)
	if period.Total > 0 {
		adherencePct = float64(period.Percentage)
		missed = float64(period.Missed)
	}

	x := [3]float64{adherencePct, b.AvgDelayMinutes, missed}

	distance := func(a, c [3]float64) float64 {
		d0 := (a[0] - c[0]) / 50
		d1 := (a[1] - c[1]) / 30
		d2 := (a[2] - c[2]) / 5
		return math.Sqrt(d0*d0 + d1*d1 + d2*d2)
	}

	best := behaviourCentroids[0]
	bestDist := distance(x, best.vector)
	for _, c := range behaviourCentroids[1:] {
		if d := distance(x, c.vector); d < bestDist {
			best = c
			bestDist = d
		}
	}

	return Cluster{Label: best.label, Description: best.description}
}
