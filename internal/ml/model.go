package ml

import (
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/goccy/go-json"

	"iot-sentinel/internal/logging"
)

// LogisticModel is a standard-scaled binary logistic regression exported
// from the training pipeline as JSON.
type LogisticModel struct {
	Name         string    `json:"name"`
	Features     []string  `json:"features"`
	Mean         []float64 `json:"mean"`
	Scales       []float64 `json:"scale"`
	Coefficients []float64 `json:"coefficients"`
	Intercept    float64   `json:"intercept"`
}

// LoadLogisticModel reads and validates a model file.
func LoadLogisticModel(path string) (*LogisticModel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model file: %w", err)
	}

	var m LogisticModel
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal model: %w", err)
	}
	if err := m.validate(); err != nil {
		return nil, fmt.Errorf("invalid model %s: %w", path, err)
	}

	logging.Info().
		Str("component", "model").
		Str("path", path).
		Int("n_features_in", m.NFeaturesIn()).
		Msg("loaded model")
	return &m, nil
}

func (m *LogisticModel) validate() error {
	n := len(m.Coefficients)
	if n == 0 {
		return errors.New("no coefficients")
	}
	if len(m.Mean) != n || len(m.Scales) != n {
		return fmt.Errorf("scaler has %d/%d parameters, want %d", len(m.Mean), len(m.Scales), n)
	}
	if len(m.Features) != 0 && len(m.Features) != n {
		return fmt.Errorf("%d feature names for %d coefficients", len(m.Features), n)
	}
	return nil
}

// NFeaturesIn returns the vector length the model was trained on.
func (m *LogisticModel) NFeaturesIn() int { return len(m.Coefficients) }

// Scale standardizes x. A zero scale leaves the centred value unscaled.
func (m *LogisticModel) Scale(x []float64) ([]float64, error) {
	if len(x) != len(m.Coefficients) {
		return nil, fmt.Errorf("%w: got %d features, model expects %d", ErrShapeMismatch, len(x), len(m.Coefficients))
	}
	out := make([]float64, len(x))
	for i, v := range x {
		s := m.Scales[i]
		if s == 0 {
			s = 1
		}
		out[i] = (v - m.Mean[i]) / s
	}
	return out, nil
}

// PredictProbabilities returns [p(normal), p(attack)].
func (m *LogisticModel) PredictProbabilities(x []float64) ([]float64, error) {
	if len(x) != len(m.Coefficients) {
		return nil, ErrShapeMismatch
	}
	z := m.Intercept
	for i, v := range x {
		z += m.Coefficients[i] * v
	}
	p := 1 / (1 + math.Exp(-z))
	return []float64{1 - p, p}, nil
}

// Predict returns 1 when p(attack) is at least 0.5.
func (m *LogisticModel) Predict(x []float64) (int, error) {
	probs, err := m.PredictProbabilities(x)
	if err != nil {
		return 0, err
	}
	if probs[1] >= 0.5 {
		return 1, nil
	}
	return 0, nil
}

// WriteSampleModel writes a placeholder model for names that only reacts to
// the request rate. Used when no trained model has been deployed.
func WriteSampleModel(path string, names []string, rateFeature string) error {
	m := LogisticModel{
		Name:         "sample-rate-only",
		Features:     names,
		Mean:         make([]float64, len(names)),
		Scales:       make([]float64, len(names)),
		Coefficients: make([]float64, len(names)),
		Intercept:    -9,
	}
	for i, n := range names {
		m.Scales[i] = 1
		if n == rateFeature {
			// p(attack) crosses 0.987 at about 27 requests in one second.
			m.Coefficients[i] = 0.5
		}
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal model: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write model file: %w", err)
	}

	logging.Info().Str("component", "model").Str("path", path).Msg("created sample model")
	return nil
}
