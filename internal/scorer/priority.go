package scorer

import (
	"math"
	"sort"

	"github.com/sells-group/shortage-forecast/internal/model"
)

// Priority ranks a forecast by urgency, confidence and severity on a 0-100 scale.
// It never decreases as the shortage gets closer, or as confidence or severity rise.
func (s *Scorer) Priority(daysUntil int, confidence float64, sev model.Severity) float64 {
	days := math.Max(float64(daysUntil), 1)
	urgency := math.Min(s.tables.Priority.UrgencyDays/days, 1)
	conf := clamp(confidence, 0, 100) / 100
	mult := s.tables.Priority.SeverityMultipliers[sev]

	score := urgency * conf * mult * 100
	return math.Round(clamp(score, 0, 100)*100) / 100
}

// IsCritical applies the fixed critical rule: shortage within MaxDays, confidence
// above MinConfidence and a severity standing for more than MinImpliedProbability.
// With the default tables medium severity stands for 0.33, so a medium
// prediction can be critical. Set min_implied_probability to 0.33 or more to
// restrict the flag to high severity.
func (s *Scorer) IsCritical(daysUntil int, confidence float64, sev model.Severity) bool {
	r := s.tables.Critical
	return daysUntil < r.MaxDays &&
		confidence > r.MinConfidence &&
		s.tables.ImpliedProbability(sev) > r.MinImpliedProbability
}

// Finalize fills in the priority score and critical flag of p from its
// days, confidence and severity.
func (s *Scorer) Finalize(p *model.Prediction) {
	p.PriorityScore = s.Priority(p.DaysUntilShortage, p.ConfidenceScore, p.Severity)
	p.IsCritical = s.IsCritical(p.DaysUntilShortage, p.ConfidenceScore, p.Severity)
}

// SortByPriority orders predictions by priority descending. Equal scores keep
// the earlier-created prediction first; ID breaks any remaining tie.
func SortByPriority(ps []model.Prediction) {
	sort.SliceStable(ps, func(i, j int) bool {
		a, b := ps[i], ps[j]
		if a.PriorityScore != b.PriorityScore {
			return a.PriorityScore > b.PriorityScore
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}
