// Package scorer turns shortage forecasts into confidence, priority and the
// critical flag, driven by externally loaded calibration tables.
package scorer

import (
	"fmt"
	"math"
	"os"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/shortage-forecast/internal/model"
)

// Tables holds every tunable threshold and weight used to score predictions.
type Tables struct {
	// ShortageThreshold is the utilization percentage treated as a shortage.
	ShortageThreshold float64 `yaml:"shortage_threshold"`
	// MinWeeksObserved is the least history a vector needs to be scored.
	MinWeeksObserved float64                    `yaml:"min_weeks_observed"`
	RequiredFeatures map[model.Horizon][]string `yaml:"required_features"`
	Severity         SeverityTable              `yaml:"severity"`
	Confidence       ConfidenceTable            `yaml:"confidence"`
	Priority         PriorityTable              `yaml:"priority"`
	Critical         CriticalRule               `yaml:"critical"`
}

// SeverityTable maps probability to severity: p > HighAbove is high,
// p >= MediumMin is medium, anything lower is low.
type SeverityTable struct {
	MediumMin float64 `yaml:"medium_min"`
	HighAbove float64 `yaml:"high_above"`
}

// ConfidenceTable configures the blended confidence score.
type ConfidenceTable struct {
	Weights        ConfidenceWeights `yaml:"weights"`
	HighMin        float64           `yaml:"high_min"`
	MediumMin      float64           `yaml:"medium_min"`
	HistoryTiers   []HistoryTier     `yaml:"history_tiers"`
	HistoryDefault float64           `yaml:"history_default"`
	FreshDays      int               `yaml:"fresh_days"`
	StaleDays      int               `yaml:"stale_days"`
	StaleFactor    float64           `yaml:"stale_factor"`
}

// ConfidenceWeights are the component weights. They sum to 1.
type ConfidenceWeights struct {
	ModelCertainty     float64 `yaml:"model_certainty"`
	DataQuality        float64 `yaml:"data_quality"`
	PatternStrength    float64 `yaml:"pattern_strength"`
	HistoricalAccuracy float64 `yaml:"historical_accuracy"`
}

// HistoryTier scores historical accuracy when more than MoreThan past
// predictions exist for the subject and horizon.
type HistoryTier struct {
	MoreThan int     `yaml:"more_than"`
	Score    float64 `yaml:"score"`
}

// PriorityTable configures the priority formula.
type PriorityTable struct {
	UrgencyDays         float64                    `yaml:"urgency_days"`
	SeverityMultipliers map[model.Severity]float64 `yaml:"severity_multipliers"`
}

// CriticalRule is the fixed critical-flag rule.
type CriticalRule struct {
	MaxDays               int     `yaml:"max_days"`
	MinConfidence         float64 `yaml:"min_confidence"`
	MinImpliedProbability float64 `yaml:"min_implied_probability"`
}

// DefaultTables returns the calibrated defaults.
func DefaultTables() Tables {
	base := []string{model.FeatureUtilizationTrend, model.FeatureWeeksObserved}
	long := []string{model.FeatureUtilizationTrend, model.FeatureWeeksObserved, model.FeatureEnrollmentVelocity}
	return Tables{
		ShortageThreshold: 95,
		MinWeeksObserved:  2,
		RequiredFeatures: map[model.Horizon][]string{
			model.Horizon2Week: base,
			model.Horizon4Week: base,
			model.Horizon6Week: long,
			model.Horizon8Week: long,
		},
		Severity: SeverityTable{MediumMin: 0.33, HighAbove: 0.66},
		Confidence: ConfidenceTable{
			Weights: ConfidenceWeights{
				ModelCertainty:     0.40,
				DataQuality:        0.25,
				PatternStrength:    0.20,
				HistoricalAccuracy: 0.15,
			},
			HighMin:   80,
			MediumMin: 60,
			HistoryTiers: []HistoryTier{
				{MoreThan: 10, Score: 75},
				{MoreThan: 0, Score: 60},
			},
			HistoryDefault: 50,
			FreshDays:      7,
			StaleDays:      28,
			StaleFactor:    0.5,
		},
		Priority: PriorityTable{
			UrgencyDays: 7,
			SeverityMultipliers: map[model.Severity]float64{
				model.SeverityLow:    0.5,
				model.SeverityMedium: 0.75,
				model.SeverityHigh:   1.0,
			},
		},
		Critical: CriticalRule{MaxDays: 14, MinConfidence: 70, MinImpliedProbability: 0.30},
	}
}

// LoadTables reads a YAML tables file over the defaults and validates the result.
// An empty path returns the defaults.
func LoadTables(path string) (Tables, error) {
	t := DefaultTables()
	if path == "" {
		return t, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Tables{}, eris.Wrapf(err, "scorer: read tables %s", path)
	}

	// The YAML has a top-level "tables" key
	wrapper := struct {
		Tables *Tables `yaml:"tables"`
	}{Tables: &t}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return Tables{}, eris.Wrap(err, "scorer: parse tables")
	}

	if err := ValidateTables(t); err != nil {
		return Tables{}, err
	}
	return t, nil
}

// WeightSum returns the sum of the confidence component weights.
func WeightSum(w ConfidenceWeights) float64 {
	return w.ModelCertainty + w.DataQuality + w.PatternStrength + w.HistoricalAccuracy
}

// ValidateTables checks that a Tables value is internally consistent.
func ValidateTables(t Tables) error {
	var errs []string

	if t.ShortageThreshold <= 0 || t.ShortageThreshold > 100 {
		errs = append(errs, "shortage_threshold must be in (0, 100]")
	}
	if t.MinWeeksObserved < 0 {
		errs = append(errs, "min_weeks_observed must be >= 0")
	}
	for _, h := range model.Horizons() {
		if _, ok := t.RequiredFeatures[h]; !ok {
			errs = append(errs, fmt.Sprintf("required_features missing horizon %s", h))
		}
	}
	for h := range t.RequiredFeatures {
		if !h.Valid() {
			errs = append(errs, fmt.Sprintf("required_features has unknown horizon %q", h))
		}
	}

	// Severity bands.
	s := t.Severity
	if s.MediumMin <= 0 || s.HighAbove >= 1 || s.MediumMin > s.HighAbove {
		errs = append(errs, "severity requires 0 < medium_min <= high_above < 1")
	}

	// Confidence weights.
	w := t.Confidence.Weights
	weights := map[string]float64{
		model.ComponentModelCertainty:     w.ModelCertainty,
		model.ComponentDataQuality:        w.DataQuality,
		model.ComponentPatternStrength:    w.PatternStrength,
		model.ComponentHistoricalAccuracy: w.HistoricalAccuracy,
	}
	for name, v := range weights {
		if v < 0 {
			errs = append(errs, fmt.Sprintf("confidence weight %s must be >= 0", name))
		}
	}
	if sum := WeightSum(w); math.Abs(sum-1) > 0.001 {
		errs = append(errs, fmt.Sprintf("confidence weights should sum to 1, got %.3f", sum))
	}

	c := t.Confidence
	if c.MediumMin < 0 || c.HighMin > 100 || c.MediumMin > c.HighMin {
		errs = append(errs, "confidence levels require 0 <= medium_min <= high_min <= 100")
	}
	for _, tier := range c.HistoryTiers {
		if tier.Score < 0 || tier.Score > 100 {
			errs = append(errs, "history tier scores must be between 0 and 100")
			break
		}
	}
	if c.HistoryDefault < 0 || c.HistoryDefault > 100 {
		errs = append(errs, "history_default must be between 0 and 100")
	}
	if c.FreshDays < 0 || c.StaleDays < c.FreshDays {
		errs = append(errs, "confidence requires 0 <= fresh_days <= stale_days")
	}
	if c.StaleFactor < 0 || c.StaleFactor > 1 {
		errs = append(errs, "stale_factor must be between 0 and 1")
	}

	// Priority must grow with severity.
	if t.Priority.UrgencyDays <= 0 {
		errs = append(errs, "priority urgency_days must be > 0")
	}
	m := t.Priority.SeverityMultipliers
	low, okL := m[model.SeverityLow]
	med, okM := m[model.SeverityMedium]
	high, okH := m[model.SeverityHigh]
	switch {
	case !okL || !okM || !okH:
		errs = append(errs, "priority severity_multipliers needs low, medium and high")
	case !(low > 0 && low < med && med < high && high <= 1):
		errs = append(errs, "priority severity_multipliers must satisfy 0 < low < medium < high <= 1")
	}

	if t.Critical.MaxDays <= 0 {
		errs = append(errs, "critical max_days must be > 0")
	}
	if t.Critical.MinConfidence < 0 || t.Critical.MinConfidence > 100 {
		errs = append(errs, "critical min_confidence must be between 0 and 100")
	}
	if t.Critical.MinImpliedProbability < 0 || t.Critical.MinImpliedProbability > 1 {
		errs = append(errs, "critical min_implied_probability must be between 0 and 1")
	}

	if len(errs) > 0 {
		sort.Strings(errs)
		return eris.Errorf("scorer: tables validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// SeverityFor maps a shortage probability to its severity bucket.
func (t Tables) SeverityFor(p float64) model.Severity {
	switch {
	case p > t.Severity.HighAbove:
		return model.SeverityHigh
	case p >= t.Severity.MediumMin:
		return model.SeverityMedium
	default:
		return model.SeverityLow
	}
}

// ImpliedProbability is the least shortage probability a severity stands for.
func (t Tables) ImpliedProbability(s model.Severity) float64 {
	switch s {
	case model.SeverityHigh:
		return t.Severity.HighAbove
	case model.SeverityMedium:
		return t.Severity.MediumMin
	default:
		return 0
	}
}

// Required returns the features the predictor needs for h.
func (t Tables) Required(h model.Horizon) []string {
	return t.RequiredFeatures[h]
}
