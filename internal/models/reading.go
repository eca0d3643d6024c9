package models

import (
	"time"
)

// Severity is the tier of an alert event
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Condition tags the vital sign rule that raised an alert
type Condition string

const (
	ConditionHighGlucose       Condition = "high_glucose"
	ConditionLowGlucose        Condition = "low_glucose"
	ConditionHighBloodPressure Condition = "high_blood_pressure"
	ConditionLowOxygen         Condition = "low_oxygen"
	ConditionHighHeartRate     Condition = "high_heart_rate"
	ConditionLowHeartRate      Condition = "low_heart_rate"
)

// Reading is one set of vitals reported by a wearable device.
// Immutable once created.
type Reading struct {
	// Unique identifier generated at ingestion
	ID string `json:"id"`

	// Reporting device, "unknown" when the device did not identify itself
	DeviceID string `json:"device_id"`

	// Blood glucose in mg/dL
	Glucose float64 `json:"glucose"`

	// Blood pressure in mmHg
	BPSystolic  float64 `json:"bp_systolic"`
	BPDiastolic float64 `json:"bp_diastolic"`

	// Oxygen saturation in percent
	SpO2 float64 `json:"spo2"`

	// Heart rate in BPM
	HeartRate float64 `json:"heart_rate"`

	// Time the reading was taken
	Timestamp time.Time `json:"timestamp"`
}

// RiskScore holds the three risk probabilities computed for a reading.
// At most one exists per reading.
type RiskScore struct {
	ID               string    `json:"id"`
	HealthDataID     string    `json:"health_data_id"`
	DiabetesRisk     float64   `json:"diabetes_risk"`
	HeartDiseaseRisk float64   `json:"heart_disease_risk"`
	HypoxiaRisk      float64   `json:"hypoxia_risk"`
	Timestamp        time.Time `json:"timestamp"`
}

// AlertEvent is a threshold breach raised for a reading. Only the
// Acknowledged flag ever changes after creation.
type AlertEvent struct {
	ID           string    `json:"id"`
	HealthDataID string    `json:"health_data_id"`
	Message      string    `json:"message"`
	Condition    Condition `json:"condition"`
	Severity     Severity  `json:"severity"`
	Timestamp    time.Time `json:"timestamp"`
	Acknowledged bool      `json:"acknowledged"`
}

// IsValid checks if the severity tier is known
func (s Severity) IsValid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh:
		return true
	default:
		return false
	}
}

// Bundle is everything one ingestion produced: the reading, its risk
// score and the alerts it raised.
type Bundle struct {
	Reading    Reading      `json:"health_data"`
	Prediction *RiskScore   `json:"prediction"`
	Alerts     []AlertEvent `json:"alerts"`
}

// Clone returns a deep copy so callers never share the alerts slice.
func (b Bundle) Clone() Bundle {
	out := Bundle{Reading: b.Reading}
	if b.Prediction != nil {
		p := *b.Prediction
		out.Prediction = &p
	}
	out.Alerts = make([]AlertEvent, len(b.Alerts))
	copy(out.Alerts, b.Alerts)
	return out
}
