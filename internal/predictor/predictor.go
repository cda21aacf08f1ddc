// Package predictor turns a feature vector into a shortage forecast for one horizon.
package predictor

import (
	"context"
	"math"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/shortage-forecast/internal/mlmodel"
	"github.com/sells-group/shortage-forecast/internal/model"
	"github.com/sells-group/shortage-forecast/internal/scorer"
)

// Forecast is the predictor's output for one (subject, horizon).
type Forecast struct {
	Subject         string
	Horizon         model.Horizon
	ReferenceDate   time.Time
	Probability     float64
	Severity        model.Severity
	DaysUntil       int
	ShortageDate    time.Time
	PeakUtilization float64
	// Completeness is the share of the model's feature columns present in the vector.
	Completeness float64
}

// Predictor scores feature vectors with a loaded model.
type Predictor struct {
	model  mlmodel.Model
	tables scorer.Tables
}

// New returns a Predictor using m and the calibration tables t.
func New(m mlmodel.Model, t scorer.Tables) *Predictor {
	return &Predictor{model: m, tables: t}
}

// Predict forecasts a shortage for vec over horizon h. A vector lacking the
// features h requires yields *model.InsufficientDataError.
func (p *Predictor) Predict(ctx context.Context, vec model.FeatureVector, h model.Horizon) (*Forecast, error) {
	if !h.Valid() {
		return nil, eris.Errorf("predictor: unknown horizon %q", h)
	}
	if err := p.checkSufficient(vec, h); err != nil {
		return nil, err
	}

	prob, err := p.model.PredictProba(ctx, vec.Features)
	if err != nil {
		return nil, eris.Wrapf(err, "predictor: predict %s/%s", vec.Subject, h)
	}
	if math.IsNaN(prob) {
		return nil, eris.Errorf("predictor: model returned NaN for %s/%s", vec.Subject, h)
	}
	prob = math.Min(math.Max(prob, 0), 1)

	days := p.daysUntil(vec, h, prob)
	ref := model.DateOnly(vec.ReferenceDate)

	return &Forecast{
		Subject:         vec.Subject,
		Horizon:         h,
		ReferenceDate:   ref,
		Probability:     prob,
		Severity:        p.tables.SeverityFor(prob),
		DaysUntil:       days,
		ShortageDate:    ref.AddDate(0, 0, days),
		PeakUtilization: peakUtilization(vec, days),
		Completeness:    vec.Completeness(p.model.FeatureColumns()),
	}, nil
}

func (p *Predictor) checkSufficient(vec model.FeatureVector, h model.Horizon) error {
	if missing := vec.Missing(p.tables.Required(h)); len(missing) > 0 {
		return &model.InsufficientDataError{Subject: vec.Subject, Horizon: h, Missing: missing}
	}
	weeks, _ := vec.Get(model.FeatureWeeksObserved)
	if weeks < p.tables.MinWeeksObserved {
		return &model.InsufficientDataError{
			Subject: vec.Subject,
			Horizon: h,
			Reason:  "fewer weeks observed than required",
		}
	}
	return nil
}

// daysUntil projects the current utilization along its weekly trend to the
// shortage threshold. Without a rising trend it falls back to scaling the
// horizon by the probability.
func (p *Predictor) daysUntil(vec model.FeatureVector, h model.Horizon, prob float64) int {
	horizon := float64(h.Days())
	days := horizon * (1 - prob)

	current, okCur := vec.Get(model.FeatureUtilizationCurrentWeek)
	trend, okTrend := vec.Get(model.FeatureUtilizationTrend)
	if okCur && okTrend && trend > 0 {
		days = (p.tables.ShortageThreshold - current) / trend * 7
	}
	return int(math.Min(math.Max(days, 0), horizon))
}

func peakUtilization(vec model.FeatureVector, days int) float64 {
	current, ok := vec.Get(model.FeatureUtilizationCurrentWeek)
	if !ok {
		return 0
	}
	trend, _ := vec.Get(model.FeatureUtilizationTrend)
	peak := current + trend*float64(days)/7
	return math.Round(math.Max(peak, 0)*100) / 100
}
