package models

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// DefaultDeviceID is used when a submission does not name its device
const DefaultDeviceID = "unknown"

// SupportedTimestampFormats lists formats we attempt to parse.
// Zone-less layouts are read as UTC.
var SupportedTimestampFormats = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	time.RFC1123,
	time.UnixDate,
}

// ReadingInput is a decoded device submission before it becomes a Reading.
// Vitals absent from the payload are zero.
type ReadingInput struct {
	DeviceID    string
	Glucose     float64
	BPSystolic  float64
	BPDiastolic float64
	SpO2        float64
	HeartRate   float64
	Timestamp   string
}

// ParseReadingInput decodes a JSON submission body. Numeric fields accept
// JSON numbers or numeric strings; anything else is a ValidationError.
func ParseReadingInput(body []byte) (*ReadingInput, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, &ValidationError{Reason: "empty request body"}
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil || fields == nil {
		return nil, &ValidationError{Reason: "invalid JSON format: expected an object"}
	}

	in := &ReadingInput{}
	var err error

	if in.DeviceID, err = stringField(fields, "device_id"); err != nil {
		return nil, err
	}
	if in.Timestamp, err = stringField(fields, "timestamp"); err != nil {
		return nil, err
	}

	vitals := []struct {
		name string
		dst  *float64
	}{
		{"glucose", &in.Glucose},
		{"bp_systolic", &in.BPSystolic},
		{"bp_diastolic", &in.BPDiastolic},
		{"spo2", &in.SpO2},
		{"heart_rate", &in.HeartRate},
	}
	for _, v := range vitals {
		if *v.dst, err = numberField(fields, v.name); err != nil {
			return nil, err
		}
	}

	return in, nil
}

// Normalize trims identifiers and fills in the device default
func (in *ReadingInput) Normalize(defaultDevice string) {
	if defaultDevice == "" {
		defaultDevice = DefaultDeviceID
	}
	in.DeviceID = strings.TrimSpace(in.DeviceID)
	if in.DeviceID == "" {
		in.DeviceID = defaultDevice
	}
	in.Timestamp = strings.TrimSpace(in.Timestamp)
}

// ToReading builds the immutable Reading. A missing timestamp becomes now.
func (in *ReadingInput) ToReading(id string, now time.Time) (Reading, error) {
	ts := now.UTC()
	if in.Timestamp != "" {
		parsed, err := ParseTimestamp(in.Timestamp)
		if err != nil {
			return Reading{}, &ValidationError{Field: "timestamp", Reason: err.Error()}
		}
		ts = parsed
	}

	return Reading{
		ID:          id,
		DeviceID:    in.DeviceID,
		Glucose:     in.Glucose,
		BPSystolic:  in.BPSystolic,
		BPDiastolic: in.BPDiastolic,
		SpO2:        in.SpO2,
		HeartRate:   in.HeartRate,
		Timestamp:   ts,
	}, nil
}

// ParseTimestamp attempts to parse a timestamp string into time.Time
func ParseTimestamp(ts string) (time.Time, error) {
	ts = strings.TrimSpace(ts)

	for _, format := range SupportedTimestampFormats {
		if t, err := time.Parse(format, ts); err == nil {
			return t.UTC(), nil
		}
	}

	return time.Time{}, errInvalidTimestamp
}

var errInvalidTimestamp = &ValidationError{Reason: "invalid timestamp format"}

func stringField(fields map[string]json.RawMessage, name string) (string, error) {
	raw, ok := fields[name]
	if !ok || isNull(raw) {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", &ValidationError{Field: name, Reason: "must be a string"}
	}
	return s, nil
}

func numberField(fields map[string]json.RawMessage, name string) (float64, error) {
	raw, ok := fields[name]
	if !ok || isNull(raw) {
		return 0, nil
	}

	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		var s string
		if json.Unmarshal(raw, &s) != nil {
			return 0, &ValidationError{Field: name, Reason: "must be a number"}
		}
		f, err = strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return 0, &ValidationError{Field: name, Reason: "must be a number"}
		}
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, &ValidationError{Field: name, Reason: "must be a finite number"}
	}
	return f, nil
}

func isNull(raw json.RawMessage) bool {
	return string(bytes.TrimSpace(raw)) == "null"
}
