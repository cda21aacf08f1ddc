package model

import (
	"math"
	"sort"
	"time"

	"github.com/rotisserie/eris"
)

// DateLayout is the wire format for reference and scenario dates.
const DateLayout = "2006-01-02"

// Feature names produced by feature derivation and read by the predictor.
const (
	FeatureWeeksObserved          = "weeks_observed"
	FeatureEnrollmentCountShort   = "enrollment_count_short"
	FeatureEnrollmentCountMedium  = "enrollment_count_medium"
	FeatureEnrollmentCountLong    = "enrollment_count_long"
	FeatureEnrollmentRateShort    = "enrollment_rate_short"
	FeatureEnrollmentRateMedium   = "enrollment_rate_medium"
	FeatureEnrollmentRateLong     = "enrollment_rate_long"
	FeatureEnrollmentVelocity     = "enrollment_velocity"
	FeatureTutorCount             = "tutor_count"
	FeatureTotalCapacityHours     = "total_capacity_hours"
	FeatureAvgTutorUtilization    = "avg_tutor_utilization"
	FeatureSessionCountShort      = "session_count_short"
	FeatureSessionRateShort       = "session_rate_short"
	FeatureUtilizationCurrentWeek = "utilization_current_week"
	FeatureUtilizationLastWeek    = "utilization_last_week"
	FeatureUtilization2WeeksAgo   = "utilization_2_weeks_ago"
	FeatureUtilization3WeeksAgo   = "utilization_3_weeks_ago"
	FeatureUtilizationTrend       = "utilization_trend"
	FeatureUtilizationAvg4Weeks   = "utilization_avg_4weeks"
	FeatureSeasonalFactor         = "seasonal_factor"
	FeatureMonthOfYear            = "month_of_year"
	FeatureKnownSeasonalMult      = "known_seasonal_multiplier"
	FeatureBackToSchool           = "is_back_to_school_season"
	FeatureSummer                 = "is_summer_season"
)

// FeatureVector is the per-subject, per-date input to the predictor.
// A vector is immutable once stored.
type FeatureVector struct {
	Subject       string             `json:"subject"`
	ReferenceDate time.Time          `json:"reference_date"`
	Features      map[string]float64 `json:"features"`
	CreatedAt     time.Time          `json:"created_at,omitzero"`
}

// Get returns the named feature and whether it is present and finite.
func (v FeatureVector) Get(name string) (float64, bool) {
	val, ok := v.Features[name]
	if !ok || math.IsNaN(val) || math.IsInf(val, 0) {
		return 0, false
	}
	return val, true
}

// Missing returns the names from required that are absent, sorted.
func (v FeatureVector) Missing(required []string) []string {
	var missing []string
	for _, name := range required {
		if _, ok := v.Get(name); !ok {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return missing
}

// Completeness is the share of columns present in the vector, in [0,1].
// An empty column list counts as complete.
func (v FeatureVector) Completeness(columns []string) float64 {
	if len(columns) == 0 {
		return 1
	}
	present := 0
	for _, c := range columns {
		if _, ok := v.Get(c); ok {
			present++
		}
	}
	return float64(present) / float64(len(columns))
}

// SameValues reports whether two vectors carry identical feature values.
func (v FeatureVector) SameValues(o FeatureVector) bool {
	if len(v.Features) != len(o.Features) {
		return false
	}
	for k, a := range v.Features {
		b, ok := o.Features[k]
		if !ok || a != b {
			return false
		}
	}
	return true
}

// Validate checks the identifying fields of a vector.
func (v FeatureVector) Validate() error {
	if v.Subject == "" {
		return eris.New("model: feature vector subject is required")
	}
	if v.ReferenceDate.IsZero() {
		return eris.Errorf("model: feature vector for %s has no reference date", v.Subject)
	}
	if len(v.Features) == 0 {
		return eris.Errorf("model: feature vector for %s has no features", v.Subject)
	}
	return nil
}

// DateOnly truncates t to midnight UTC.
func DateOnly(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a YYYY-MM-DD date as midnight UTC.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "model: parse date %q", s)
	}
	return t, nil
}
