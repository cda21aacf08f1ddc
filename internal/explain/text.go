package explain

import (
	"fmt"
	"strings"

	"github.com/sells-group/shortage-forecast/internal/model"
)

func (e *Explainer) narrative(p *model.Prediction, top []model.FeatureAttribution, history string) string {
	prob := p.ShortageProbability * 100
	sections := []string{
		mainStatement(p.Subject, prob, p.DaysUntilShortage, p.Severity),
		factors(top),
		e.confidenceReasoning(p),
	}
	if history != "" {
		sections = append(sections, history)
	}
	sections = append(sections, recommendation(p.DaysUntilShortage, p.Severity, prob))
	return strings.Join(sections, "\n\n")
}

func mainStatement(subject string, prob float64, days int, sev model.Severity) string {
	certainty := "has a low probability to"
	switch {
	case prob >= 70:
		certainty = "will likely"
	case prob >= 50:
		certainty = "may"
	}

	var severity string
	switch sev {
	case model.SeverityLow:
		severity = "minor capacity strain"
	case model.SeverityMedium:
		severity = "moderate capacity shortage"
	case model.SeverityHigh:
		severity = "severe capacity shortage"
	default:
		severity = "capacity shortage"
	}

	return fmt.Sprintf("Based on current trends, %s tutoring capacity %s experience %s %s (estimated %.0f%% probability).",
		subject, certainty, severity, timeframe(days), prob)
}

func timeframe(days int) string {
	switch {
	case days <= 7:
		return "within the next week"
	case days <= 14:
		return fmt.Sprintf("in approximately %d days", days)
	case days <= 30:
		return fmt.Sprintf("in about %d weeks", days/7)
	default:
		return fmt.Sprintf("in approximately %d months", days/30)
	}
}

func factors(top []model.FeatureAttribution) string {
	if len(top) == 0 {
		return "Key factors contributing to this prediction are being analyzed."
	}
	var b strings.Builder
	b.WriteString("This prediction is primarily driven by:")
	for i, f := range top[:min(3, len(top))] {
		fmt.Fprintf(&b, "\n%d. %s", i+1, plain(f.Description))
	}
	return b.String()
}

func (e *Explainer) confidenceReasoning(p *model.Prediction) string {
	score := p.ConfidenceScore
	desc := "limited confidence"
	switch {
	case score >= 80:
		desc = "high confidence"
	case score >= 60:
		desc = "moderate confidence"
	}

	c := e.components(p.ConfidenceBreakdown)
	var reasons []string
	if c[model.ComponentModelCertainty] >= 70 {
		reasons = append(reasons, "strong statistical correlation")
	}
	if c[model.ComponentDataQuality] >= 80 {
		reasons = append(reasons, "high data quality")
	}
	if c[model.ComponentPatternStrength] >= 70 {
		reasons = append(reasons, "clear trend patterns")
	}
	if len(reasons) == 0 {
		return fmt.Sprintf("Confidence in this prediction is %.0f%%.", score)
	}
	return fmt.Sprintf("We have %s in this prediction (%.0f%%) based on %s.", desc, score, strings.Join(reasons, ", "))
}

func recommendation(days int, sev model.Severity, prob float64) string {
	switch {
	case days <= 7 && sev == model.SeverityHigh:
		return "URGENT: Immediate action recommended. Consider temporary capacity expansion, " +
			"prioritizing existing student commitments, or pausing new enrollments."
	case days <= 14 && prob >= 70:
		return "Action recommended within the next week. Review tutor availability, " +
			"consider recruiting additional tutors, or adjust enrollment targets."
	case days <= 30:
		return "Monitor closely and begin planning capacity adjustments. " +
			"Consider proactive tutor recruitment or redistribution of resources from lower-demand subjects."
	default:
		return "Advance notice allows for strategic planning. Continue monitoring trends " +
			"and consider long-term capacity planning initiatives."
	}
}

// seasonalContext explains a forecast driven by a seasonal feature.
func seasonalContext(top []model.FeatureAttribution) string {
	for _, f := range top {
		switch f.Feature {
		case model.FeatureBackToSchool:
			return "This pattern is consistent with historical back-to-school enrollment surges " +
				"typically observed in September and October."
		case model.FeatureSummer:
			return "This forecast accounts for typical summer enrollment patterns, " +
				"which historically show reduced demand during June through August."
		case model.FeatureSeasonalFactor:
			switch {
			case f.FeatureValue > 1.2:
				return fmt.Sprintf("Current enrollment is %.0f%% of the yearly average, indicating an above-normal seasonal surge.",
					f.FeatureValue*100)
			case f.FeatureValue < 0.8:
				return fmt.Sprintf("Current enrollment is %.0f%% of the yearly average, reflecting a typical seasonal downturn.",
					f.FeatureValue*100)
			}
		}
	}
	return ""
}

func incidentContext(prev *model.Prediction) string {
	outcome := "was later resolved"
	if prev.Status == model.StatusExpired {
		outcome = "expired without being resolved"
	}
	return fmt.Sprintf("A comparable %s-severity shortage was forecast for %s as of %s (%.0f%% probability) and %s.",
		prev.Severity, prev.Subject, prev.ReferenceDate.Format(model.DateLayout), prev.ShortageProbability*100, outcome)
}
