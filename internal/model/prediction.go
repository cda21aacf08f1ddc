package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Confidence breakdown component names.
const (
	ComponentModelCertainty     = "model_certainty"
	ComponentDataQuality        = "data_quality"
	ComponentPatternStrength    = "pattern_strength"
	ComponentHistoricalAccuracy = "historical_accuracy"
)

// Prediction is a shortage forecast for one subject and horizon as of a reference date.
type Prediction struct {
	ID                       string             `json:"id"`
	RunID                    string             `json:"run_id,omitempty"`
	Subject                  string             `json:"subject"`
	ReferenceDate            time.Time          `json:"reference_date"`
	ShortageProbability      float64            `json:"shortage_probability"`
	PredictedShortageDate    time.Time          `json:"predicted_shortage_date"`
	DaysUntilShortage        int                `json:"days_until_shortage"`
	PredictedPeakUtilization float64            `json:"predicted_peak_utilization"`
	Severity                 Severity           `json:"severity"`
	Horizon                  Horizon            `json:"horizon"`
	HorizonDays              int                `json:"horizon_days"`
	ConfidenceScore          float64            `json:"confidence_score"`
	ConfidenceLevel          ConfidenceLevel    `json:"confidence_level"`
	ConfidenceBreakdown      map[string]float64 `json:"confidence_breakdown"`
	PriorityScore            float64            `json:"priority_score"`
	IsCritical               bool               `json:"is_critical"`
	Status                   PredictionStatus   `json:"status"`
	CreatedAt                time.Time          `json:"created_at"`
	UpdatedAt                time.Time          `json:"updated_at"`
}

// NaturalKey identifies a prediction independent of its generated ID.
type NaturalKey struct {
	Subject       string
	Horizon       Horizon
	ReferenceDate time.Time
}

// Key returns the natural key of p.
func (p *Prediction) Key() NaturalKey {
	return NaturalKey{Subject: p.Subject, Horizon: p.Horizon, ReferenceDate: DateOnly(p.ReferenceDate)}
}

// NewPredictionID returns an ID of the form pred_<12 hex chars>.
func NewPredictionID() string {
	return "pred_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
}

// FeatureAttribution is one feature's contribution to a prediction.
type FeatureAttribution struct {
	Feature          string  `json:"feature"`
	AttributionValue float64 `json:"attribution_value"`
	FeatureValue     float64 `json:"feature_value"`
	Description      string  `json:"description"`
}

// Explanation is the human-readable account of a prediction. One per prediction.
type Explanation struct {
	PredictionID      string               `json:"prediction_id"`
	TopFeatures       []FeatureAttribution `json:"top_features"`
	ExplanationText   string               `json:"explanation_text"`
	HistoricalContext string               `json:"historical_context,omitempty"`
	CreatedAt         time.Time            `json:"created_at"`
}

// PredictionDetail is a prediction with its explanation embedded. Explanation
// is nil while the prediction is pending.
type PredictionDetail struct {
	Prediction
	Explanation *Explanation `json:"explanation"`
}
