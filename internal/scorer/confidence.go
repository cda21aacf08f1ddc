package scorer

import (
	"math"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/sells-group/shortage-forecast/internal/model"
)

// Scorer computes confidence and priority from a validated set of tables.
type Scorer struct {
	tables Tables
}

// New validates tables and returns a Scorer.
func New(t Tables) (*Scorer, error) {
	if err := ValidateTables(t); err != nil {
		return nil, err
	}
	tiers := append([]HistoryTier(nil), t.Confidence.HistoryTiers...)
	sort.Slice(tiers, func(i, j int) bool { return tiers[i].MoreThan > tiers[j].MoreThan })
	t.Confidence.HistoryTiers = tiers
	return &Scorer{tables: t}, nil
}

// Tables returns the calibration tables in use.
func (s *Scorer) Tables() Tables {
	return s.tables
}

// ConfidenceInput carries what the confidence score is blended from.
type ConfidenceInput struct {
	Probability     float64
	Completeness    float64
	Vector          model.FeatureVector
	ScenarioDate    time.Time
	PastPredictions int
}

// Confidence is a blended certainty score with its weighted breakdown.
// The breakdown values sum exactly to Score.
type Confidence struct {
	Score      float64
	Level      model.ConfidenceLevel
	Breakdown  map[string]float64
	Components map[string]float64
}

// Confidence blends model certainty, data quality, pattern strength and
// historical accuracy into a 0-100 score.
func (s *Scorer) Confidence(in ConfidenceInput) (Confidence, error) {
	if in.Probability < 0 || in.Probability > 1 || math.IsNaN(in.Probability) {
		return Confidence{}, eris.Errorf("scorer: probability %v out of range", in.Probability)
	}

	components := map[string]float64{
		model.ComponentModelCertainty:     modelCertainty(in.Probability),
		model.ComponentDataQuality:        s.dataQuality(in.Completeness, in.Vector.ReferenceDate, in.ScenarioDate),
		model.ComponentPatternStrength:    patternStrength(in.Vector),
		model.ComponentHistoricalAccuracy: s.historicalAccuracy(in.PastPredictions),
	}

	w := s.tables.Confidence.Weights
	weights := map[string]float64{
		model.ComponentModelCertainty:     w.ModelCertainty,
		model.ComponentDataQuality:        w.DataQuality,
		model.ComponentPatternStrength:    w.PatternStrength,
		model.ComponentHistoricalAccuracy: w.HistoricalAccuracy,
	}

	// Round each contribution first and sum the rounded values so the
	// breakdown adds up to the score exactly.
	total := decimal.Zero
	breakdown := make(map[string]float64, len(components))
	for name, value := range components {
		contrib := decimal.NewFromFloat(value * weights[name]).Round(2)
		breakdown[name] = contrib.InexactFloat64()
		total = total.Add(contrib)
	}

	// Weights may sum to slightly over 1. The excess comes off the largest
	// contribution so the score stays within 0-100 and still equals the sum.
	if hundred := decimal.NewFromInt(100); total.GreaterThan(hundred) {
		excess := total.Sub(hundred)
		top := largestContribution(breakdown)
		breakdown[top] = decimal.NewFromFloat(breakdown[top]).Sub(excess).InexactFloat64()
		total = hundred
	}

	score := total.InexactFloat64()
	return Confidence{
		Score:      score,
		Level:      s.Level(score),
		Breakdown:  breakdown,
		Components: components,
	}, nil
}

func largestContribution(breakdown map[string]float64) string {
	names := make([]string, 0, len(breakdown))
	for name := range breakdown {
		names = append(names, name)
	}
	sort.Strings(names)
	top := names[0]
	for _, name := range names[1:] {
		if breakdown[name] > breakdown[top] {
			top = name
		}
	}
	return top
}

// Level buckets a confidence score.
func (s *Scorer) Level(score float64) model.ConfidenceLevel {
	switch {
	case score >= s.tables.Confidence.HighMin:
		return model.ConfidenceHigh
	case score >= s.tables.Confidence.MediumMin:
		return model.ConfidenceMedium
	default:
		return model.ConfidenceLow
	}
}

// modelCertainty is the distance of p from a coin flip, scaled to 0-100.
func modelCertainty(p float64) float64 {
	return clamp(math.Abs(p-0.5)/0.5*100, 0, 100)
}

// dataQuality scales feature completeness by how stale the vector is.
func (s *Scorer) dataQuality(completeness float64, reference, scenario time.Time) float64 {
	completeness = clamp(completeness, 0, 1)
	return clamp(completeness*100*s.recency(reference, scenario), 0, 100)
}

func (s *Scorer) recency(reference, scenario time.Time) float64 {
	if reference.IsZero() || scenario.IsZero() {
		return 1
	}
	c := s.tables.Confidence
	age := int(model.DateOnly(scenario).Sub(model.DateOnly(reference)).Hours() / 24)
	switch {
	case age <= c.FreshDays:
		return 1
	case age >= c.StaleDays:
		return c.StaleFactor
	default:
		span := float64(c.StaleDays - c.FreshDays)
		return 1 - (1-c.StaleFactor)*float64(age-c.FreshDays)/span
	}
}

// patternStrength rewards clear utilization and enrollment trends.
func patternStrength(v model.FeatureVector) float64 {
	var signals []float64
	if trend, ok := v.Get(model.FeatureUtilizationTrend); ok {
		signals = append(signals, math.Min(math.Abs(trend)*10, 100))
	}
	if velocity, ok := v.Get(model.FeatureEnrollmentVelocity); ok {
		signals = append(signals, math.Min(math.Abs(velocity)*200, 100))
	}
	if len(signals) == 0 {
		return 50
	}
	var sum float64
	for _, sig := range signals {
		sum += sig
	}
	return sum / float64(len(signals))
}

func (s *Scorer) historicalAccuracy(past int) float64 {
	for _, tier := range s.tables.Confidence.HistoryTiers {
		if past > tier.MoreThan {
			return tier.Score
		}
	}
	return s.tables.Confidence.HistoryDefault
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}
