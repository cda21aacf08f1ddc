package mlmodel

import (
	"context"
	"math"

	"github.com/rotisserie/eris"
)

// LogisticParams are the fitted parameters of a logistic regression.
// Means are the training-set feature means, used as the attribution baseline.
type LogisticParams struct {
	Intercept    float64   `json:"intercept"`
	Coefficients []float64 `json:"coefficients"`
	Means        []float64 `json:"means"`
}

// Logistic is a logistic regression classifier. Its attributions are exact
// linear SHAP values in log-odds space: coef * (x - mean).
type Logistic struct {
	columns []string
	params  LogisticParams
}

func newLogistic(columns []string, p LogisticParams) (*Logistic, error) {
	if len(p.Coefficients) != len(columns) {
		return nil, eris.Errorf("mlmodel: logistic has %d coefficients for %d columns", len(p.Coefficients), len(columns))
	}
	if p.Means == nil {
		p.Means = make([]float64, len(columns))
	}
	if len(p.Means) != len(columns) {
		return nil, eris.Errorf("mlmodel: logistic has %d means for %d columns", len(p.Means), len(columns))
	}
	return &Logistic{columns: columns, params: p}, nil
}

// NewLogistic builds a logistic model directly from parameters.
func NewLogistic(columns []string, p LogisticParams) (*Logistic, error) {
	return newLogistic(columns, p)
}

// PredictProba implements Model.
func (m *Logistic) PredictProba(_ context.Context, features map[string]float64) (float64, error) {
	x := vectorOf(m.columns, features)
	z := m.params.Intercept
	for i, w := range m.params.Coefficients {
		z += w * x[i]
	}
	return sigmoid(z), nil
}

// FeatureAttributions implements Model.
func (m *Logistic) FeatureAttributions(_ context.Context, features map[string]float64) (map[string]float64, error) {
	x := vectorOf(m.columns, features)
	out := make(map[string]float64, len(m.columns))
	for i, c := range m.columns {
		out[c] = m.params.Coefficients[i] * (x[i] - m.params.Means[i])
	}
	return out, nil
}

// FeatureColumns implements Model.
func (m *Logistic) FeatureColumns() []string {
	return m.columns
}

func sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}
