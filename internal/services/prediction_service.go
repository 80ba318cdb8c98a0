package services

import (
	"context"
	"fmt"

	"iot-sentinel/internal/features"
	"iot-sentinel/internal/models"
	"iot-sentinel/internal/persistence"
)

// VerdictRecorder persists verdicts off the request path.
type VerdictRecorder interface {
	Enqueue(log features.LogRecord, verdict models.Verdict) persistence.Record
}

// VectorClassifier scores a feature vector.
type VectorClassifier interface {
	Classify(x []float64) (models.Verdict, error)
}

// Prediction pairs the audit view of an input with its verdict.
type Prediction struct {
	Input  features.LogRecord `json:"input"`
	Result models.Verdict     `json:"result"`
}

// PredictionService runs telemetry through feature building, classification
// and persistence.
type PredictionService struct {
	builder    *features.Builder
	classifier VectorClassifier
	recorder   VerdictRecorder
}

// NewPredictionService creates a prediction service.
func NewPredictionService(builder *features.Builder, classifier VectorClassifier, recorder VerdictRecorder) *PredictionService {
	return &PredictionService{
		builder:    builder,
		classifier: classifier,
		recorder:   recorder,
	}
}

// Schema returns the feature schema in use.
func (s *PredictionService) Schema() *features.Schema { return s.builder.Schema() }

// Predict scores one input. A scorer failure is returned as an
// *ml.ScoringError and nothing is persisted.
func (s *PredictionService) Predict(_ context.Context, in features.Input) (Prediction, error) {
	vec, logRec := s.builder.Build(in)

	verdict, err := s.classifier.Classify(vec)
	if err != nil {
		return Prediction{}, err
	}

	if s.recorder != nil {
		s.recorder.Enqueue(logRec, verdict)
	}
	return Prediction{Input: logRec, Result: verdict}, nil
}

// PredictBatch scores inputs in order and stops at the first scorer failure.
// Inputs scored before the failure have already been persisted.
func (s *PredictionService) PredictBatch(ctx context.Context, inputs []features.Input) ([]Prediction, error) {
	out := make([]Prediction, 0, len(inputs))
	for i, in := range inputs {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		p, err := s.Predict(ctx, in)
		if err != nil {
			return out, fmt.Errorf("row %d: %w", i, err)
		}
		out = append(out, p)
	}
	return out, nil
}

// Assess implements Assessor for in-process scoring.
func (s *PredictionService) Assess(ctx context.Context, in features.Input) (models.Assessment, error) {
	p, err := s.Predict(ctx, in)
	if err != nil {
		return models.Assessment{}, err
	}
	v := p.Result
	return models.Assessment{
		Label: v.Label,
		Raw: map[string]any{
			"label":      v.Label,
			"label_idx":  v.LabelIdx,
			"probs":      v.Probabilities,
			"confidence": v.Confidence,
			"uncertain":  v.Uncertain,
		},
	}, nil
}
