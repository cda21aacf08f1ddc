// Package explain builds human-readable explanations for shortage predictions
// from the model's feature attributions.
package explain

import (
	"context"
	"errors"
	"math"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/shortage-forecast/internal/mlmodel"
	"github.com/sells-group/shortage-forecast/internal/model"
	"github.com/sells-group/shortage-forecast/internal/scorer"
)

// MaxTopFeatures caps the attributions kept on an explanation.
const MaxTopFeatures = 5

// HistoryLookup finds the most recent resolved or expired prediction for a
// subject with the given severity, referenced before the given date. It
// returns model.ErrNotFound when there is none.
type HistoryLookup interface {
	LastIncident(ctx context.Context, subject string, sev model.Severity, before time.Time) (*model.Prediction, error)
}

// Explainer produces explanations. History may be nil.
type Explainer struct {
	model   mlmodel.Model
	weights scorer.ConfidenceWeights
	history HistoryLookup
	now     func() time.Time
}

// New returns an Explainer. weights convert a stored confidence breakdown
// back into component scores for the confidence reasoning.
func New(m mlmodel.Model, weights scorer.ConfidenceWeights, history HistoryLookup) *Explainer {
	return &Explainer{
		model:   m,
		weights: weights,
		history: history,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Explain attributes p to the features in vec. A model with no attributions
// for the input yields *model.ExplanationUnavailableError; nothing is guessed.
func (e *Explainer) Explain(ctx context.Context, p *model.Prediction, vec model.FeatureVector) (*model.Explanation, error) {
	attrs, err := e.model.FeatureAttributions(ctx, vec.Features)
	if err != nil {
		if ctx.Err() != nil {
			return nil, eris.Wrap(ctx.Err(), "explain: attributions")
		}
		return nil, &model.ExplanationUnavailableError{PredictionID: p.ID, Err: err}
	}
	if len(attrs) == 0 {
		return nil, &model.ExplanationUnavailableError{PredictionID: p.ID}
	}

	top := TopFeatures(attrs, vec)
	history := e.historicalContext(ctx, p, top)

	return &model.Explanation{
		PredictionID:      p.ID,
		TopFeatures:       top,
		ExplanationText:   e.narrative(p, top, history),
		HistoricalContext: history,
		CreatedAt:         e.now(),
	}, nil
}

// TopFeatures orders attributions by absolute value, largest first, with
// feature name breaking ties, and keeps at most MaxTopFeatures. NaN
// attributions are dropped.
func TopFeatures(attrs map[string]float64, vec model.FeatureVector) []model.FeatureAttribution {
	out := make([]model.FeatureAttribution, 0, len(attrs))
	for name, a := range attrs {
		if math.IsNaN(a) {
			continue
		}
		value := vec.Features[name]
		out = append(out, model.FeatureAttribution{
			Feature:          name,
			AttributionValue: a,
			FeatureValue:     value,
			Description:      Describe(name, value, a),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		ai, aj := math.Abs(out[i].AttributionValue), math.Abs(out[j].AttributionValue)
		if ai != aj {
			return ai > aj
		}
		return out[i].Feature < out[j].Feature
	})
	if len(out) > MaxTopFeatures {
		out = out[:MaxTopFeatures]
	}
	return out
}

func (e *Explainer) historicalContext(ctx context.Context, p *model.Prediction, top []model.FeatureAttribution) string {
	if s := seasonalContext(top); s != "" {
		return s
	}
	if e.history == nil {
		return ""
	}

	prev, err := e.history.LastIncident(ctx, p.Subject, p.Severity, p.ReferenceDate)
	if err != nil {
		if !errors.Is(err, model.ErrNotFound) {
			zap.L().Warn("explain: history lookup failed",
				zap.String("subject", p.Subject),
				zap.Error(err),
			)
		}
		return ""
	}
	return incidentContext(prev)
}

// components recovers raw component scores from a weighted breakdown.
func (e *Explainer) components(breakdown map[string]float64) map[string]float64 {
	weights := map[string]float64{
		model.ComponentModelCertainty:     e.weights.ModelCertainty,
		model.ComponentDataQuality:        e.weights.DataQuality,
		model.ComponentPatternStrength:    e.weights.PatternStrength,
		model.ComponentHistoricalAccuracy: e.weights.HistoricalAccuracy,
	}
	out := make(map[string]float64, len(breakdown))
	for name, v := range breakdown {
		if w := weights[name]; w > 0 {
			out[name] = v / w
		}
	}
	return out
}
