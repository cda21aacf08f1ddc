package explain

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/sells-group/shortage-forecast/internal/model"
)

var titler = cases.Title(language.English)

// Describe renders one feature's contribution for an operations reader.
func Describe(feature string, value, attribution float64) string {
	impact := "decreasing"
	if attribution > 0 {
		impact = "increasing"
	}
	return fmt.Sprintf("%s (%s shortage risk)", describeValue(feature, value), impact)
}

func describeValue(feature string, value float64) string {
	switch {
	case feature == model.FeatureEnrollmentVelocity:
		if value > 0 {
			return fmt.Sprintf("Enrollment spike detected: +%.1f%% week-over-week", value*100)
		}
		return fmt.Sprintf("Enrollment decline: %.1f%% week-over-week", value*100)
	case feature == model.FeatureUtilizationTrend:
		if value > 0 {
			return fmt.Sprintf("Utilization trending upward: +%.1f%% per week", value)
		}
		return fmt.Sprintf("Utilization declining: %.1f%% per week", value)
	case feature == model.FeatureUtilizationCurrentWeek:
		return fmt.Sprintf("Current utilization at %.1f%%", value)
	case feature == model.FeatureSeasonalFactor:
		switch {
		case value > 1.2:
			return fmt.Sprintf("Seasonal spike: %.0f%% of yearly average", value*100)
		case value < 0.8:
			return fmt.Sprintf("Seasonal dip: %.0f%% of yearly average", value*100)
		default:
			return "Normal seasonal pattern"
		}
	case feature == model.FeatureBackToSchool && value > 0:
		return "Back-to-school season active"
	case feature == model.FeatureSummer && value > 0:
		return "Summer season (typically lower demand)"
	case feature == model.FeatureTutorCount:
		return fmt.Sprintf("Tutor availability: %.0f tutors", value)
	case strings.HasPrefix(feature, "session_rate"):
		return fmt.Sprintf("Session booking rate: %.1f sessions/day", value)
	case strings.HasPrefix(feature, "enrollment_rate"):
		return fmt.Sprintf("Enrollment rate: %.1f students/day", value)
	case feature == model.FeatureTotalCapacityHours:
		return fmt.Sprintf("Total capacity: %.0f hours/week", value)
	default:
		return fmt.Sprintf("%s: %.2f", titler.String(strings.ReplaceAll(feature, "_", " ")), value)
	}
}

// plain strips the impact suffix for use inside running text.
func plain(description string) string {
	description = strings.TrimSuffix(description, " (increasing shortage risk)")
	return strings.TrimSuffix(description, " (decreasing shortage risk)")
}
