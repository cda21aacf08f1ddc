package mlmodel

import (
	"context"
	"maps"
)

// Stub is a deterministic Model for tests and dry runs. ProbabilityFn, when
// set, takes precedence over Probability; Attributions is copied per call.
type Stub struct {
	Probability   float64
	ProbabilityFn func(features map[string]float64) float64
	Attributions  map[string]float64
	Columns       []string
	PredictErr    error
	AttributeErr  error
}

// PredictProba implements Model.
func (s *Stub) PredictProba(_ context.Context, features map[string]float64) (float64, error) {
	if s.PredictErr != nil {
		return 0, s.PredictErr
	}
	if s.ProbabilityFn != nil {
		return s.ProbabilityFn(features), nil
	}
	return s.Probability, nil
}

// FeatureAttributions implements Model.
func (s *Stub) FeatureAttributions(_ context.Context, _ map[string]float64) (map[string]float64, error) {
	if s.AttributeErr != nil {
		return nil, s.AttributeErr
	}
	return maps.Clone(s.Attributions), nil
}

// FeatureColumns implements Model.
func (s *Stub) FeatureColumns() []string {
	return s.Columns
}
