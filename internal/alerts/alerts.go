package alerts

import (
	"fmt"
	"strconv"
	"time"

	"healthsense/internal/models"
)

// Thresholds for the vital-sign rules
const (
	GlucoseHigh         = 180.0
	GlucoseHighSevere   = 250.0
	GlucoseLow          = 70.0
	GlucoseLowSevere    = 50.0
	SystolicHigh        = 140.0
	SystolicHighSevere  = 180.0
	DiastolicHigh       = 90.0
	DiastolicHighSevere = 120.0
	SpO2Low             = 94.0
	SpO2LowSevere       = 90.0
	HeartRateHigh       = 100.0
	HeartRateHighSevere = 120.0
	HeartRateLow        = 50.0
	HeartRateLowSevere  = 40.0
)

// Candidate is an alert raised by a rule before it is assigned an identity.
type Candidate struct {
	Condition models.Condition
	Severity  models.Severity
	Message   string
}

// Rule inspects one metric group of a reading and raises at most one candidate.
type Rule struct {
	Name  string
	Check func(r models.Reading) (Candidate, bool)
}

// Rules are evaluated independently; a reading may trigger several.
var Rules = []Rule{
	{Name: "glucose", Check: checkGlucose},
	{Name: "blood_pressure", Check: checkBloodPressure},
	{Name: "oxygen", Check: checkOxygen},
	{Name: "heart_rate", Check: checkHeartRate},
}

// Evaluate returns the alert candidates raised by r, in rule order.
func Evaluate(r models.Reading) []Candidate {
	var out []Candidate
	for _, rule := range Rules {
		if c, ok := rule.Check(r); ok {
			out = append(out, c)
		}
	}
	return out
}

// Events turns candidates into unacknowledged alert events linked to r,
// stamped with the time they were raised.
func Events(r models.Reading, candidates []Candidate, raisedAt time.Time, newID func() string) []models.AlertEvent {
	events := make([]models.AlertEvent, 0, len(candidates))
	for _, c := range candidates {
		events = append(events, models.AlertEvent{
			ID:           newID(),
			HealthDataID: r.ID,
			Message:      c.Message,
			Condition:    c.Condition,
			Severity:     c.Severity,
			Timestamp:    raisedAt,
		})
	}
	return events
}

func num(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func checkGlucose(r models.Reading) (Candidate, bool) {
	switch {
	case r.Glucose > GlucoseHigh:
		sev := models.SeverityMedium
		if r.Glucose > GlucoseHighSevere {
			sev = models.SeverityHigh
		}
		return Candidate{
			Condition: models.ConditionHighGlucose,
			Severity:  sev,
			Message:   fmt.Sprintf("High glucose level detected (%s mg/dL)", num(r.Glucose)),
		}, true
	case r.Glucose < GlucoseLow:
		sev := models.SeverityMedium
		if r.Glucose < GlucoseLowSevere {
			sev = models.SeverityHigh
		}
		return Candidate{
			Condition: models.ConditionLowGlucose,
			Severity:  sev,
			Message:   fmt.Sprintf("Low glucose level detected (%s mg/dL)", num(r.Glucose)),
		}, true
	}
	return Candidate{}, false
}

func checkBloodPressure(r models.Reading) (Candidate, bool) {
	if r.BPSystolic <= SystolicHigh && r.BPDiastolic <= DiastolicHigh {
		return Candidate{}, false
	}
	sev := models.SeverityMedium
	if r.BPSystolic > SystolicHighSevere || r.BPDiastolic > DiastolicHighSevere {
		sev = models.SeverityHigh
	}
	return Candidate{
		Condition: models.ConditionHighBloodPressure,
		Severity:  sev,
		Message: fmt.Sprintf("High blood pressure detected (%s/%s mmHg)",
			num(r.BPSystolic), num(r.BPDiastolic)),
	}, true
}

func checkOxygen(r models.Reading) (Candidate, bool) {
	if r.SpO2 >= SpO2Low {
		return Candidate{}, false
	}
	sev := models.SeverityMedium
	if r.SpO2 < SpO2LowSevere {
		sev = models.SeverityHigh
	}
	return Candidate{
		Condition: models.ConditionLowOxygen,
		Severity:  sev,
		Message:   fmt.Sprintf("Low oxygen saturation detected (%s%%)", num(r.SpO2)),
	}, true
}

func checkHeartRate(r models.Reading) (Candidate, bool) {
	switch {
	case r.HeartRate > HeartRateHigh:
		sev := models.SeverityLow
		if r.HeartRate > HeartRateHighSevere {
			sev = models.SeverityMedium
		}
		return Candidate{
			Condition: models.ConditionHighHeartRate,
			Severity:  sev,
			Message:   fmt.Sprintf("Elevated heart rate detected (%s BPM)", num(r.HeartRate)),
		}, true
	case r.HeartRate < HeartRateLow:
		sev := models.SeverityLow
		if r.HeartRate < HeartRateLowSevere {
			sev = models.SeverityMedium
		}
		return Candidate{
			Condition: models.ConditionLowHeartRate,
			Severity:  sev,
			Message:   fmt.Sprintf("Low heart rate detected (%s BPM)", num(r.HeartRate)),
		}, true
	}
	return Candidate{}, false
}
