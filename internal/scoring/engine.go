package scoring

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"healthsense/internal/metrics"
	"healthsense/internal/models"
)

// Engine computes the three risk probabilities for a reading.
// It holds no mutable state and is safe for concurrent use.
type Engine struct {
	diabetes Predictor
	heart    Predictor
	hypoxia  Predictor
}

// NewEngine builds an engine from three sub-scorers
func NewEngine(diabetes, heart, hypoxia Predictor) *Engine {
	return &Engine{diabetes: diabetes, heart: heart, hypoxia: hypoxia}
}

// DefaultEngine uses the built-in logistic models
func DefaultEngine() *Engine {
	return NewEngine(DefaultDiabetesModel(), DefaultHeartModel(), DefaultHypoxiaModel())
}

// Score returns the risk probabilities for r. ID and Timestamp are left for
// the caller to assign.
func (e *Engine) Score(r models.Reading) models.RiskScore {
	score := models.RiskScore{
		HealthDataID:     r.ID,
		DiabetesRisk:     e.diabetes.PredictProba([]float64{r.Glucose}),
		HeartDiseaseRisk: e.heart.PredictProba([]float64{r.BPSystolic, r.BPDiastolic, r.HeartRate}),
		HypoxiaRisk:      e.hypoxia.PredictProba([]float64{r.SpO2, r.HeartRate}),
	}

	metrics.RiskScore.WithLabelValues("diabetes").Observe(score.DiabetesRisk)
	metrics.RiskScore.WithLabelValues("heart_disease").Observe(score.HeartDiseaseRisk)
	metrics.RiskScore.WithLabelValues("hypoxia").Observe(score.HypoxiaRisk)

	return score
}

// ModelFile is the on-disk description of the three sub-models
type ModelFile struct {
	Diabetes *LogisticModel `yaml:"diabetes"`
	Heart    *LogisticModel `yaml:"heart_disease"`
	Hypoxia  *LogisticModel `yaml:"hypoxia"`
}

// featureCounts pins the feature vector each sub-model is fed by Score
var featureCounts = map[string]int{
	"diabetes":      1,
	"heart_disease": 3,
	"hypoxia":       2,
}

// LoadEngine reads a YAML model file. An empty path returns DefaultEngine.
// Sub-models missing from the file keep their defaults.
func LoadEngine(path string) (*Engine, error) {
	if path == "" {
		return DefaultEngine(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model file: %w", err)
	}
	return ParseEngine(data)
}

// ParseEngine builds an engine from YAML model file contents
func ParseEngine(data []byte) (*Engine, error) {
	var file ModelFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse model file: %w", err)
	}

	if file.Diabetes == nil {
		file.Diabetes = DefaultDiabetesModel()
	}
	if file.Heart == nil {
		file.Heart = DefaultHeartModel()
	}
	if file.Hypoxia == nil {
		file.Hypoxia = DefaultHypoxiaModel()
	}

	for name, m := range map[string]*LogisticModel{
		"diabetes":      file.Diabetes,
		"heart_disease": file.Heart,
		"hypoxia":       file.Hypoxia,
	} {
		if err := m.validate(name); err != nil {
			return nil, err
		}
		if len(m.Features) != featureCounts[name] {
			return nil, fmt.Errorf("model %s: expected %d features, got %d",
				name, featureCounts[name], len(m.Features))
		}
	}

	return NewEngine(file.Diabetes, file.Heart, file.Hypoxia), nil
}
