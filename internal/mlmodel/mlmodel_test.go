package mlmodel

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/shortage-forecast/internal/config"
	"github.com/sells-group/shortage-forecast/internal/model"
	"github.com/sells-group/shortage-forecast/internal/resilience"
)

var testColumns = []string{"utilization_trend", "enrollment_velocity", "tutor_count"}

func TestLogistic(t *testing.T) {
	m, err := NewLogistic(testColumns, LogisticParams{
		Intercept:    -1,
		Coefficients: []float64{0.5, 2, -0.1},
		Means:        []float64{1, 0.1, 10},
	})
	require.NoError(t, err)

	features := map[string]float64{"utilization_trend": 3, "enrollment_velocity": 0.35}
	p, err := m.PredictProba(context.Background(), features)
	require.NoError(t, err)
	// z = -1 + 1.5 + 0.7 + 0 = 1.2
	assert.InDelta(t, 1/(1+math.Exp(-1.2)), p, 1e-9)

	attr, err := m.FeatureAttributions(context.Background(), features)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, attr["utilization_trend"], 1e-9)
	assert.InDelta(t, 0.5, attr["enrollment_velocity"], 1e-9)
	// tutor_count absent reads as 0: -0.1 * (0 - 10)
	assert.InDelta(t, 1.0, attr["tutor_count"], 1e-9)
	assert.Equal(t, testColumns, m.FeatureColumns())
}

func TestLogistic_Validation(t *testing.T) {
	_, err := NewLogistic(testColumns, LogisticParams{Coefficients: []float64{1}})
	assert.Error(t, err)
	_, err = NewLogistic(testColumns, LogisticParams{Coefficients: []float64{1, 2, 3}, Means: []float64{0}})
	assert.Error(t, err)
	m, err := NewLogistic(testColumns, LogisticParams{Coefficients: []float64{1, 2, 3}})
	require.NoError(t, err)
	assert.Len(t, m.params.Means, 3)
}

func testForest(t *testing.T) *Forest {
	t.Helper()
	f, err := NewForest(testColumns, ForestParams{Trees: []Tree{
		{Nodes: []Node{
			{Feature: 0, Threshold: 2, Left: 1, Right: 2, Value: 0.5},
			{Left: -1, Right: -1, Value: 0.2},
			{Feature: 1, Threshold: 0.2, Left: 3, Right: 4, Value: 0.8},
			{Left: -1, Right: -1, Value: 0.6},
			{Left: -1, Right: -1, Value: 0.9},
		}},
		{Nodes: []Node{
			{Feature: 2, Threshold: 5, Left: 1, Right: 2, Value: 0.4},
			{Left: -1, Right: -1, Value: 0.7},
			{Left: -1, Right: -1, Value: 0.1},
		}},
	}})
	require.NoError(t, err)
	return f
}

func TestForest_PredictAndAttribute(t *testing.T) {
	f := testForest(t)
	features := map[string]float64{"utilization_trend": 3, "enrollment_velocity": 0.35, "tutor_count": 3}

	p, err := f.PredictProba(context.Background(), features)
	require.NoError(t, err)
	// tree1 -> 0.9, tree2 -> 0.7
	assert.InDelta(t, 0.8, p, 1e-9)

	attr, err := f.FeatureAttributions(context.Background(), features)
	require.NoError(t, err)
	assert.InDelta(t, (0.8-0.5)/2, attr["utilization_trend"], 1e-9)
	assert.InDelta(t, (0.9-0.8)/2, attr["enrollment_velocity"], 1e-9)
	assert.InDelta(t, (0.7-0.4)/2, attr["tutor_count"], 1e-9)

	// Attributions plus baseline reconstruct the probability.
	sum := f.Baseline()
	for _, v := range attr {
		sum += v
	}
	assert.InDelta(t, p, sum, 1e-9)
}

func TestForest_RootLeafHasNoAttributions(t *testing.T) {
	f, err := NewForest(testColumns, ForestParams{Trees: []Tree{{Nodes: []Node{{Left: -1, Right: -1, Value: 0.3}}}}})
	require.NoError(t, err)
	attr, err := f.FeatureAttributions(context.Background(), map[string]float64{})
	require.NoError(t, err)
	assert.Empty(t, attr)
}

func TestForest_Validation(t *testing.T) {
	tests := []struct {
		name  string
		trees []Tree
	}{
		{"no trees", nil},
		{"empty tree", []Tree{{}}},
		{"value out of range", []Tree{{Nodes: []Node{{Left: -1, Right: -1, Value: 1.5}}}}},
		{"unknown feature", []Tree{{Nodes: []Node{
			{Feature: 9, Left: 1, Right: 2, Value: 0.5},
			{Left: -1, Right: -1}, {Left: -1, Right: -1},
		}}}},
		{"backward child", []Tree{{Nodes: []Node{
			{Feature: 0, Left: 0, Right: 1, Value: 0.5},
			{Left: -1, Right: -1},
		}}}},
		{"child out of range", []Tree{{Nodes: []Node{
			{Feature: 0, Left: 1, Right: 5, Value: 0.5},
			{Left: -1, Right: -1},
		}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewForest(testColumns, ForestParams{Trees: tt.trees})
			assert.Error(t, err)
		})
	}
}

func TestCheckFormat(t *testing.T) {
	assert.NoError(t, CheckFormat("1.0.0"))
	assert.NoError(t, CheckFormat("1.4.2"))
	assert.Error(t, CheckFormat("2.0.0"))
	assert.Error(t, CheckFormat("0.9.0"))
	assert.Error(t, CheckFormat("latest"))
}

func writeArtifact(t *testing.T, a Artifact) string {
	t.Helper()
	data, err := json.Marshal(a)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "model.json")
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

func TestFileLoader(t *testing.T) {
	t.Run("logistic", func(t *testing.T) {
		path := writeArtifact(t, Artifact{
			FormatVersion:  "1.0.0",
			Kind:           KindLogistic,
			FeatureColumns: testColumns,
			Logistic:       &LogisticParams{Coefficients: []float64{1, 1, 1}},
		})
		m, err := (&FileLoader{Path: path}).Load(context.Background())
		require.NoError(t, err)
		assert.IsType(t, &Logistic{}, m)
	})

	t.Run("forest", func(t *testing.T) {
		path := writeArtifact(t, Artifact{
			FormatVersion:  "1.1.0",
			Kind:           KindForest,
			FeatureColumns: testColumns,
			Forest:         &ForestParams{Trees: []Tree{{Nodes: []Node{{Left: -1, Right: -1, Value: 0.3}}}}},
		})
		m, err := (&FileLoader{Path: path}).Load(context.Background())
		require.NoError(t, err)
		assert.IsType(t, &Forest{}, m)
	})

	t.Run("failures are model load errors", func(t *testing.T) {
		cases := map[string]string{
			"missing file": filepath.Join(t.TempDir(), "absent.json"),
			"bad version": writeArtifact(t, Artifact{
				FormatVersion: "2.0.0", Kind: KindLogistic, FeatureColumns: testColumns,
				Logistic: &LogisticParams{Coefficients: []float64{1, 1, 1}},
			}),
			"unknown kind": writeArtifact(t, Artifact{FormatVersion: "1.0.0", Kind: "svm", FeatureColumns: testColumns}),
			"no params":    writeArtifact(t, Artifact{FormatVersion: "1.0.0", Kind: KindForest, FeatureColumns: testColumns}),
			"no columns":   writeArtifact(t, Artifact{FormatVersion: "1.0.0", Kind: KindLogistic}),
		}
		for name, path := range cases {
			t.Run(name, func(t *testing.T) {
				_, err := (&FileLoader{Path: path}).Load(context.Background())
				require.Error(t, err)
				var mle *model.ModelLoadError
				require.True(t, errors.As(err, &mle))
				assert.Equal(t, path, mle.Source)
			})
		}
	})
}

func TestNewLoader(t *testing.T) {
	l := NewLoader(config.ModelConfig{ArtifactPath: "m.json"})
	assert.Equal(t, &FileLoader{Path: "m.json"}, l)

	rl, ok := NewLoader(config.ModelConfig{RemoteURL: "http://scorer", TimeoutSecs: 2, RequestsPerSecond: 5}).(*RemoteLoader)
	require.True(t, ok)
	assert.Equal(t, "http://scorer", rl.BaseURL)
}

func newScoringServer(t *testing.T, predictFailures int32) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var predictCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /metadata", func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"format_version":  "1.2.0",
			"name":            "shortage_predictor_v1",
			"feature_columns": testColumns,
		})
	})
	mux.HandleFunc("POST /predict", func(w http.ResponseWriter, r *http.Request) {
		n := predictCalls.Add(1)
		if n <= predictFailures {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var req featuresRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		json.NewEncoder(w).Encode(map[string]float64{"probability": req.Features["utilization_trend"] / 10})
	})
	mux.HandleFunc("POST /attributions", func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"attributions": map[string]float64{"utilization_trend": 0.4}})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &predictCalls
}

func TestRemote(t *testing.T) {
	srv, calls := newScoringServer(t, 2)
	loader := &RemoteLoader{BaseURL: srv.URL, Options: []RemoteOption{
		WithRateLimit(1000),
		WithRetryPolicy(resilience.Policy{Attempts: 3, Backoff: time.Millisecond, MaxBackoff: time.Millisecond}),
	}}

	m, err := loader.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, testColumns, m.FeatureColumns())

	p, err := m.PredictProba(context.Background(), map[string]float64{"utilization_trend": 7})
	require.NoError(t, err)
	assert.InDelta(t, 0.7, p, 1e-9)
	assert.Equal(t, int32(3), calls.Load())

	attr, err := m.FeatureAttributions(context.Background(), map[string]float64{"utilization_trend": 7})
	require.NoError(t, err)
	assert.InDelta(t, 0.4, attr["utilization_trend"], 1e-9)
}

func TestRemote_GivesUpAfterAttempts(t *testing.T) {
	srv, calls := newScoringServer(t, 10)
	r := NewRemote(srv.URL, WithRetryPolicy(resilience.Policy{Attempts: 2, Backoff: time.Millisecond, MaxBackoff: time.Millisecond}))

	_, err := r.PredictProba(context.Background(), map[string]float64{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 503")
	assert.Equal(t, int32(2), calls.Load())
}

func TestRemoteLoader_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	_, err := (&RemoteLoader{BaseURL: srv.URL, Options: []RemoteOption{
		WithRetryPolicy(resilience.Policy{Attempts: 1}),
	}}).Load(context.Background())
	require.Error(t, err)
	var mle *model.ModelLoadError
	assert.True(t, errors.As(err, &mle))
}

func TestStub(t *testing.T) {
	s := &Stub{Probability: 0.4, Attributions: map[string]float64{"a": 1}}
	p, err := s.PredictProba(context.Background(), nil)
	require.NoError(t, err)
	assert.InDelta(t, 0.4, p, 1e-9)

	attr, _ := s.FeatureAttributions(context.Background(), nil)
	attr["a"] = 2
	again, _ := s.FeatureAttributions(context.Background(), nil)
	assert.InDelta(t, 1.0, again["a"], 1e-9)

	s.ProbabilityFn = func(f map[string]float64) float64 { return f["x"] }
	p, _ = s.PredictProba(context.Background(), map[string]float64{"x": 0.9})
	assert.InDelta(t, 0.9, p, 1e-9)
}
