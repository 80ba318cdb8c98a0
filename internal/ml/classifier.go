package ml

import (
	"time"

	"iot-sentinel/internal/logging"
	"iot-sentinel/internal/metrics"
	"iot-sentinel/internal/models"
)

// ClassifierConfig holds the decision policy.
type ClassifierConfig struct {
	// AttackThreshold is the minimum attack-class probability for label "1".
	AttackThreshold float64
	// UncertainBelow flags verdicts whose confidence is lower than this.
	UncertainBelow float64
}

// DefaultClassifierConfig returns the precision-biased default policy.
func DefaultClassifierConfig() ClassifierConfig {
	return ClassifierConfig{
		AttackThreshold: 0.987,
		UncertainBelow:  0.4,
	}
}

// Classifier turns scorer output into verdicts.
type Classifier struct {
	scorer Scorer
	config ClassifierConfig
}

// NewClassifier creates a classifier around scorer.
func NewClassifier(scorer Scorer, config ClassifierConfig) *Classifier {
	return &Classifier{scorer: scorer, config: config}
}

// Classify scores x. The label is decided solely by comparing the attack
// probability with the threshold; the scorer's own class prediction is
// required to succeed but does not decide the label. When no two-class
// probability estimate is available the verdict is normal with confidence 1.
func (c *Classifier) Classify(x []float64) (models.Verdict, error) {
	start := time.Now()
	defer func() { metrics.ScoringDuration.Observe(time.Since(start).Seconds()) }()

	scaled, err := c.scorer.Scale(x)
	if err != nil {
		metrics.ScoringErrors.WithLabelValues(StageScale).Inc()
		return models.Verdict{}, &ScoringError{Stage: StageScale, Err: err}
	}

	var probs []float64
	if ps, ok := c.scorer.(ProbabilityScorer); ok {
		p, err := ps.PredictProbabilities(scaled)
		if err != nil {
			logging.Debug().
				Str("component", "classifier").
				Err(err).
				Msg("probability estimate unavailable")
		} else {
			probs = p
		}
	}

	if _, err := c.scorer.Predict(scaled); err != nil {
		metrics.ScoringErrors.WithLabelValues(StagePredict).Inc()
		return models.Verdict{}, &ScoringError{Stage: StagePredict, Err: err}
	}

	normal, attack := 1.0, 0.0
	if len(probs) >= 2 {
		normal, attack = probs[0], probs[1]
	}

	v := models.Verdict{
		Label:         "0",
		LabelIdx:      0,
		Probabilities: probs,
		Confidence:    max(normal, attack),
	}
	if attack >= c.config.AttackThreshold {
		v.Label = "1"
		v.LabelIdx = 1
	}
	v.Uncertain = v.Confidence < c.config.UncertainBelow

	metrics.Verdicts.WithLabelValues(v.Label).Inc()
	if v.Uncertain {
		metrics.UncertainVerdicts.Inc()
	}
	return v, nil
}
