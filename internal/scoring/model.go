package scoring

import (
	"fmt"
	"math"
)

// Predictor maps a fixed-length feature vector to a probability in [0,1].
type Predictor interface {
	PredictProba(features []float64) float64
}

// Feature describes how one raw vital enters a logistic model.
// Raw values are clamped to [Min, Max] before standardization so that
// absurd inputs saturate instead of overflowing.
type Feature struct {
	Name   string  `yaml:"name"`
	Center float64 `yaml:"center"`
	Scale  float64 `yaml:"scale"`
	Weight float64 `yaml:"weight"`
	Min    float64 `yaml:"min"`
	Max    float64 `yaml:"max"`
}

// LogisticModel is a deterministic logistic regression over standardized features.
type LogisticModel struct {
	Bias     float64   `yaml:"bias"`
	Features []Feature `yaml:"features"`
}

// neutral is returned for inputs the model cannot interpret
const neutral = 0.5

// PredictProba implements Predictor
func (m *LogisticModel) PredictProba(features []float64) float64 {
	if len(features) != len(m.Features) {
		return neutral
	}

	z := m.Bias
	for i, f := range m.Features {
		x := features[i]
		if math.IsNaN(x) {
			return neutral
		}
		if f.Max > f.Min {
			x = math.Max(f.Min, math.Min(f.Max, x))
		}
		scale := f.Scale
		if scale == 0 {
			scale = 1
		}
		z += f.Weight * (x - f.Center) / scale
	}

	p := 1 / (1 + math.Exp(-z))
	if math.IsNaN(p) {
		return neutral
	}
	return math.Max(0, math.Min(1, p))
}

func (m *LogisticModel) validate(name string) error {
	if len(m.Features) == 0 {
		return fmt.Errorf("model %s: no features", name)
	}
	for _, f := range m.Features {
		if f.Scale < 0 {
			return fmt.Errorf("model %s: feature %s has negative scale", name, f.Name)
		}
		if f.Max < f.Min {
			return fmt.Errorf("model %s: feature %s has max below min", name, f.Name)
		}
		for _, v := range []float64{f.Center, f.Scale, f.Weight, f.Min, f.Max} {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("model %s: feature %s has a non-finite parameter", name, f.Name)
			}
		}
	}
	return nil
}

// DefaultDiabetesModel scores diabetes risk from glucose.
func DefaultDiabetesModel() *LogisticModel {
	return &LogisticModel{
		Bias: -1,
		Features: []Feature{
			{Name: "glucose", Center: 100, Scale: 40, Weight: 1.5, Min: 0, Max: 1000},
		},
	}
}

// DefaultHeartModel scores heart-disease risk from systolic, diastolic and heart rate.
func DefaultHeartModel() *LogisticModel {
	return &LogisticModel{
		Bias: -1,
		Features: []Feature{
			{Name: "bp_systolic", Center: 120, Scale: 20, Weight: 1.0, Min: 0, Max: 300},
			{Name: "bp_diastolic", Center: 80, Scale: 10, Weight: 0.8, Min: 0, Max: 200},
			{Name: "heart_rate", Center: 75, Scale: 20, Weight: 0.5, Min: 0, Max: 300},
		},
	}
}

// DefaultHypoxiaModel scores hypoxia risk from SpO2 and heart rate.
func DefaultHypoxiaModel() *LogisticModel {
	return &LogisticModel{
		Bias: -1,
		Features: []Feature{
			{Name: "spo2", Center: 96, Scale: 2, Weight: -1.5, Min: 0, Max: 100},
			{Name: "heart_rate", Center: 75, Scale: 20, Weight: 0.4, Min: 0, Max: 300},
		},
	}
}
