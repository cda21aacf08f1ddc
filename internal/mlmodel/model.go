// Package mlmodel abstracts the trained shortage classifier behind a narrow
// interface, with loaders for local artifacts and a remote scoring service.
package mlmodel

import (
	"context"
	"time"

	"github.com/sells-group/shortage-forecast/internal/config"
	"github.com/sells-group/shortage-forecast/internal/model"
)

// Model is a trained shortage classifier.
type Model interface {
	// PredictProba returns the probability of a shortage, in [0,1].
	PredictProba(ctx context.Context, features map[string]float64) (float64, error)
	// FeatureAttributions returns each feature's contribution to the prediction.
	// An empty result means the model has no attribution data for this input.
	FeatureAttributions(ctx context.Context, features map[string]float64) (map[string]float64, error)
	// FeatureColumns lists the inputs the model was trained on.
	FeatureColumns() []string
}

// Loader produces a ready Model. Failures are *model.ModelLoadError.
type Loader interface {
	Load(ctx context.Context) (Model, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context) (Model, error)

// Load calls f.
func (f LoaderFunc) Load(ctx context.Context) (Model, error) {
	return f(ctx)
}

// Static returns a Loader that always yields m.
func Static(m Model) Loader {
	return LoaderFunc(func(context.Context) (Model, error) { return m, nil })
}

// NewLoader picks the remote service when a URL is configured, otherwise the
// artifact file.
func NewLoader(cfg config.ModelConfig) Loader {
	if cfg.RemoteURL != "" {
		opts := []RemoteOption{WithMaxAttempts(cfg.MaxAttempts)}
		if cfg.TimeoutSecs > 0 {
			opts = append(opts, WithTimeout(time.Duration(cfg.TimeoutSecs)*time.Second))
		}
		if cfg.RequestsPerSecond > 0 {
			opts = append(opts, WithRateLimit(cfg.RequestsPerSecond))
		}
		return &RemoteLoader{BaseURL: cfg.RemoteURL, Options: opts}
	}
	return &FileLoader{Path: cfg.ArtifactPath}
}

// vectorOf lays features out in column order. Absent features read as zero.
func vectorOf(columns []string, features map[string]float64) []float64 {
	x := make([]float64, len(columns))
	for i, c := range columns {
		x[i] = features[c]
	}
	return x
}

func loadErr(source string, err error) error {
	return &model.ModelLoadError{Source: source, Err: err}
}
