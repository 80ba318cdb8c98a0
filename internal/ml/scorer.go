// Package ml wraps the pre-trained attack scorer with the decision policy
// applied to its output.
package ml

import (
	"errors"
	"fmt"
)

// Scorer is a pre-trained model with a fitted feature scaler.
type Scorer interface {
	// Scale applies the fitted feature transform. It fails on shape mismatch.
	Scale(x []float64) ([]float64, error)
	// Predict returns the model's own class index for a scaled vector.
	Predict(x []float64) (int, error)
}

// ProbabilityScorer is implemented by scorers that can estimate class
// probabilities, in class-index order.
type ProbabilityScorer interface {
	PredictProbabilities(x []float64) ([]float64, error)
}

// Scoring stages reported in ScoringError.
const (
	StageScale   = "scale"
	StagePredict = "predict"
)

// ErrShapeMismatch is returned by Scale when the vector length is wrong.
var ErrShapeMismatch = errors.New("feature vector shape mismatch")

// ScoringError reports a scorer failure. A failed score is never logged as
// a verdict.
type ScoringError struct {
	Stage string
	Err   error
}

func (e *ScoringError) Error() string {
	return fmt.Sprintf("scoring failed at %s: %v", e.Stage, e.Err)
}

func (e *ScoringError) Unwrap() error { return e.Err }
