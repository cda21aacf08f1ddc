package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/shortage-forecast/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

var refDate = time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)

func testPrediction(subject string, h model.Horizon, priority float64) *model.Prediction {
	return &model.Prediction{
		Subject:                  subject,
		Horizon:                  h,
		ReferenceDate:            refDate,
		ShortageProbability:      0.78,
		PredictedShortageDate:    refDate.AddDate(0, 0, 3),
		DaysUntilShortage:        3,
		PredictedPeakUtilization: 95,
		Severity:                 model.SeverityHigh,
		ConfidenceScore:          72.5,
		ConfidenceLevel:          model.ConfidenceMedium,
		ConfidenceBreakdown: map[string]float64{
			model.ComponentModelCertainty:     22,
			model.ComponentDataQuality:        25,
			model.ComponentPatternStrength:    15.5,
			model.ComponentHistoricalAccuracy: 10,
		},
		PriorityScore: priority,
		IsCritical:    priority >= 80,
	}
}

func testExplanation() *model.Explanation {
	return &model.Explanation{
		TopFeatures: []model.FeatureAttribution{
			{Feature: "utilization_current_week", AttributionValue: 0.21, FeatureValue: 88, Description: "Current utilization at 88.0%"},
		},
		ExplanationText: "Physics tutoring is likely to face a shortage.",
	}
}

func testVector(subject string, date time.Time, util float64) model.FeatureVector {
	return model.FeatureVector{
		Subject:       subject,
		ReferenceDate: date,
		Features: map[string]float64{
			model.FeatureWeeksObserved:          4,
			model.FeatureUtilizationCurrentWeek: util,
		},
	}
}

// --- Features ---

func TestSQLite_Features_PutAndGet(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	v := testVector("physics", refDate, 88)
	require.NoError(t, st.PutFeatures(ctx, v))

	got, err := st.GetFeatures(ctx, "physics", refDate)
	require.NoError(t, err)
	assert.Equal(t, "physics", got.Subject)
	assert.True(t, got.ReferenceDate.Equal(refDate))
	assert.Equal(t, 88.0, got.Features[model.FeatureUtilizationCurrentWeek])
	assert.False(t, got.CreatedAt.IsZero())
}

func TestSQLite_Features_Immutable(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.PutFeatures(ctx, testVector("physics", refDate, 88)))
	// Identical values are a no-op.
	require.NoError(t, st.PutFeatures(ctx, testVector("physics", refDate, 88)))

	err := st.PutFeatures(ctx, testVector("physics", refDate, 50))
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrFeatureConflict))

	got, err := st.GetFeatures(ctx, "physics", refDate)
	require.NoError(t, err)
	assert.Equal(t, 88.0, got.Features[model.FeatureUtilizationCurrentWeek])
}

func TestSQLite_Features_Invalid(t *testing.T) {
	st := newTestSQLiteStore(t)
	err := st.PutFeatures(context.Background(), model.FeatureVector{ReferenceDate: refDate})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "subject is required")
}

func TestSQLite_ImportFeatures(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.PutFeatures(ctx, testVector("physics", refDate, 88)))

	n, err := st.ImportFeatures(ctx, []model.FeatureVector{
		testVector("physics", refDate, 10), // already stored, kept as is
		testVector("chemistry", refDate, 60),
		testVector("biology", refDate.AddDate(0, 0, -7), 40),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := st.GetFeatures(ctx, "physics", refDate)
	require.NoError(t, err)
	assert.Equal(t, 88.0, got.Features[model.FeatureUtilizationCurrentWeek])
}

func TestSQLite_LatestFeaturesAndSubjects(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	_, err := st.ImportFeatures(ctx, []model.FeatureVector{
		testVector("physics", refDate.AddDate(0, 0, -14), 70),
		testVector("physics", refDate.AddDate(0, 0, -7), 80),
		testVector("physics", refDate.AddDate(0, 0, 7), 99),
		testVector("chemistry", refDate, 60),
		testVector("music", refDate.AddDate(0, 0, 14), 20),
	})
	require.NoError(t, err)

	v, err := st.LatestFeatures(ctx, "physics", refDate)
	require.NoError(t, err)
	assert.True(t, v.ReferenceDate.Equal(refDate.AddDate(0, 0, -7)))
	assert.Equal(t, 80.0, v.Features[model.FeatureUtilizationCurrentWeek])

	_, err = st.LatestFeatures(ctx, "music", refDate)
	assert.True(t, errors.Is(err, model.ErrNotFound))

	subjects, err := st.ListSubjects(ctx, refDate)
	require.NoError(t, err)
	assert.Equal(t, []string{"chemistry", "physics"}, subjects)
}

// --- Predictions ---

func TestSQLite_PutPrediction_Idempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	p1 := testPrediction("physics", model.Horizon2Week, 75)
	require.NoError(t, st.PutPrediction(ctx, p1))
	assert.Equal(t, model.StatusPending, p1.Status)
	assert.Regexp(t, `^pred_[0-9a-f]{12}$`, p1.ID)
	assert.Equal(t, 14, p1.HorizonDays)

	p2 := testPrediction("physics", model.Horizon2Week, 80)
	require.NoError(t, st.PutPrediction(ctx, p2))
	assert.Equal(t, p1.ID, p2.ID)

	n, err := st.CountPredictions(ctx, PredictionFilter{Status: StatusAny})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := st.GetPrediction(ctx, p1.ID)
	require.NoError(t, err)
	assert.Equal(t, 80.0, got.PriorityScore)
	assert.Equal(t, p2.ConfidenceBreakdown, got.ConfidenceBreakdown)
	assert.True(t, got.PredictedShortageDate.Equal(refDate.AddDate(0, 0, 3)))
}

func TestSQLite_PutPrediction_KeepsPublished(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	p := testPrediction("physics", model.Horizon4Week, 75)
	require.NoError(t, st.PublishPrediction(ctx, p, testExplanation()))

	again := testPrediction("physics", model.Horizon4Week, 10)
	require.NoError(t, st.PutPrediction(ctx, again))
	assert.Equal(t, p.ID, again.ID)
	assert.Equal(t, model.StatusActive, again.Status)
	assert.Equal(t, 75.0, again.PriorityScore)
}

func TestSQLite_PublishPrediction(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	p := testPrediction("physics", model.Horizon2Week, 75)
	e := testExplanation()
	require.NoError(t, st.PublishPrediction(ctx, p, e))
	assert.Equal(t, model.StatusActive, p.Status)
	assert.Equal(t, p.ID, e.PredictionID)

	got, err := st.GetExplanation(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, e.ExplanationText, got.ExplanationText)
	require.Len(t, got.TopFeatures, 1)
	assert.Equal(t, "utilization_current_week", got.TopFeatures[0].Feature)

	// An active key keeps its explanation; republishing is rejected.
	p2 := testPrediction("physics", model.Horizon2Week, 90)
	e2 := testExplanation()
	e2.ExplanationText = "updated"
	err = st.PublishPrediction(ctx, p2, e2)
	var dup *model.DuplicateExplanationError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, p.ID, dup.PredictionID)

	got, err = st.GetExplanation(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, e.ExplanationText, got.ExplanationText)

	stored, err := st.GetPrediction(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 75.0, stored.PriorityScore)
}

func TestSQLite_PublishPrediction_PendingBecomesActive(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	p := testPrediction("physics", model.Horizon2Week, 75)
	require.NoError(t, st.PutPrediction(ctx, p))
	pendingID := p.ID

	require.NoError(t, st.PublishPrediction(ctx, testPrediction("physics", model.Horizon2Week, 75), testExplanation()))

	got, err := st.GetPrediction(ctx, pendingID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, got.Status)
}

func TestSQLite_PublishPrediction_ExpiresOlder(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	old := testPrediction("physics", model.Horizon2Week, 75)
	old.ReferenceDate = refDate.AddDate(0, 0, -7)
	require.NoError(t, st.PublishPrediction(ctx, old, testExplanation()))

	other := testPrediction("physics", model.Horizon4Week, 75)
	other.ReferenceDate = refDate.AddDate(0, 0, -7)
	require.NoError(t, st.PublishPrediction(ctx, other, testExplanation()))

	require.NoError(t, st.PublishPrediction(ctx, testPrediction("physics", model.Horizon2Week, 80), testExplanation()))

	got, err := st.GetPrediction(ctx, old.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusExpired, got.Status)

	got, err = st.GetPrediction(ctx, other.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, got.Status, "other horizons are untouched")
}

func TestSQLite_PublishPrediction_Closed(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	p := testPrediction("physics", model.Horizon2Week, 75)
	require.NoError(t, st.PublishPrediction(ctx, p, testExplanation()))
	require.NoError(t, st.UpdatePredictionStatus(ctx, p.ID, model.StatusResolved))

	err := st.PublishPrediction(ctx, testPrediction("physics", model.Horizon2Week, 75), testExplanation())
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrInvalidTransition))
}

func TestSQLite_PutExplanation_Duplicate(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	p := testPrediction("physics", model.Horizon2Week, 75)
	require.NoError(t, st.PutPrediction(ctx, p))

	e := testExplanation()
	e.PredictionID = p.ID
	require.NoError(t, st.PutExplanation(ctx, e))

	err := st.PutExplanation(ctx, e)
	var dup *model.DuplicateExplanationError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, p.ID, dup.PredictionID)
}

func TestSQLite_PutExplanation_UnknownPrediction(t *testing.T) {
	st := newTestSQLiteStore(t)
	e := testExplanation()
	e.PredictionID = "pred_missing"
	assert.Error(t, st.PutExplanation(context.Background(), e))
}

func TestSQLite_ExplanationCascade(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	p := testPrediction("physics", model.Horizon2Week, 75)
	require.NoError(t, st.PublishPrediction(ctx, p, testExplanation()))

	_, err := st.db.ExecContext(ctx, `DELETE FROM predictions WHERE id = ?`, p.ID)
	require.NoError(t, err)

	_, err = st.GetExplanation(ctx, p.ID)
	assert.True(t, errors.Is(err, model.ErrNotFound))
}

func TestSQLite_UpdatePredictionStatus(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	p := testPrediction("physics", model.Horizon2Week, 75)
	require.NoError(t, st.PutPrediction(ctx, p))

	err := st.UpdatePredictionStatus(ctx, p.ID, model.StatusActive)
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrInvalidTransition), "activation needs an explanation")

	e := testExplanation()
	e.PredictionID = p.ID
	require.NoError(t, st.PutExplanation(ctx, e))
	require.NoError(t, st.UpdatePredictionStatus(ctx, p.ID, model.StatusActive))
	require.NoError(t, st.UpdatePredictionStatus(ctx, p.ID, model.StatusResolved))

	err = st.UpdatePredictionStatus(ctx, p.ID, model.StatusActive)
	assert.True(t, errors.Is(err, model.ErrInvalidTransition))

	err = st.UpdatePredictionStatus(ctx, "pred_missing", model.StatusExpired)
	assert.True(t, errors.Is(err, model.ErrNotFound))
}

func TestSQLite_ListPredictions_DefaultOrder(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	base := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)

	for i, tc := range []struct {
		subject  string
		priority float64
	}{
		{"chemistry", 40},
		{"physics", 90},
		{"biology", 90},
	} {
		p := testPrediction(tc.subject, model.Horizon2Week, tc.priority)
		p.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, st.PublishPrediction(ctx, p, testExplanation()))
	}

	got, err := st.ListPredictions(ctx, PredictionFilter{})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "physics", got[0].Subject, "ties keep creation order")
	assert.Equal(t, "biology", got[1].Subject)
	assert.Equal(t, "chemistry", got[2].Subject)
}

func seedFilterData(t *testing.T, st *SQLiteStore) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)

	rows := []struct {
		subject    string
		horizon    model.Horizon
		priority   float64
		confidence float64
		days       int
	}{
		{"physics", model.Horizon2Week, 92, 85, 3},
		{"chemistry", model.Horizon4Week, 72, 65, 20},
		{"biology", model.Horizon2Week, 55, 75, 10},
		{"music", model.Horizon8Week, 20, 45, 50},
	}
	for i, r := range rows {
		p := testPrediction(r.subject, r.horizon, r.priority)
		p.ConfidenceScore = r.confidence
		p.DaysUntilShortage = r.days
		p.PredictedShortageDate = refDate.AddDate(0, 0, r.days)
		p.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, st.PublishPrediction(ctx, p, testExplanation()))
	}

	pending := testPrediction("art", model.Horizon2Week, 99)
	require.NoError(t, st.PutPrediction(ctx, pending))
}

func subjects(ps []model.Prediction) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.Subject
	}
	return out
}

func TestSQLite_ListPredictions_Filters(t *testing.T) {
	st := newTestSQLiteStore(t)
	seedFilterData(t, st)
	yes := true

	tests := []struct {
		name   string
		filter PredictionFilter
		want   []string
	}{
		{"default active by priority", PredictionFilter{}, []string{"physics", "chemistry", "biology", "music"}},
		{"critical", PredictionFilter{Urgency: UrgencyCritical}, []string{"physics"}},
		{"high", PredictionFilter{Urgency: UrgencyHigh}, []string{"physics", "chemistry"}},
		{"medium", PredictionFilter{Urgency: UrgencyMedium}, []string{"biology"}},
		{"low", PredictionFilter{Urgency: UrgencyLow}, []string{"music"}},
		{"horizon", PredictionFilter{Horizon: model.Horizon2Week}, []string{"physics", "biology"}},
		{"confidence", PredictionFilter{ConfidenceMin: 70}, []string{"physics", "biology"}},
		{"subject", PredictionFilter{Subject: "music"}, []string{"music"}},
		{"critical flag", PredictionFilter{Critical: &yes}, []string{"physics"}},
		{"pending", PredictionFilter{Status: model.StatusPending}, []string{"art"}},
		{"any status", PredictionFilter{Status: StatusAny}, []string{"art", "physics", "chemistry", "biology", "music"}},
		{"priority asc", PredictionFilter{Sort: SortPriorityAsc}, []string{"music", "biology", "chemistry", "physics"}},
		{"soonest first", PredictionFilter{Sort: SortDateDesc}, []string{"physics", "biology", "chemistry", "music"}},
		{"confidence desc", PredictionFilter{Sort: SortConfidenceDesc}, []string{"physics", "biology", "chemistry", "music"}},
		{"paged", PredictionFilter{Limit: 2, Offset: 1}, []string{"chemistry", "biology"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := st.ListPredictions(context.Background(), tt.filter)
			require.NoError(t, err)
			assert.Equal(t, tt.want, subjects(got))
		})
	}
}

func TestSQLite_CountPredictions(t *testing.T) {
	st := newTestSQLiteStore(t)
	seedFilterData(t, st)
	ctx := context.Background()

	n, err := st.CountPredictions(ctx, PredictionFilter{Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 4, n, "paging does not affect the total")

	n, err = st.CountPredictions(ctx, PredictionFilter{Urgency: UrgencyHigh})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = st.CountPredictions(ctx, PredictionFilter{Urgency: "extreme"})
	assert.Error(t, err)
}

func TestSQLite_ListPending(t *testing.T) {
	st := newTestSQLiteStore(t)
	seedFilterData(t, st)

	got, err := st.ListPending(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"art"}, subjects(got))
}

func TestSQLite_HistoryQueries(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	for i, status := range []model.PredictionStatus{model.StatusResolved, model.StatusExpired} {
		p := testPrediction("physics", model.Horizon2Week, 80)
		p.ReferenceDate = refDate.AddDate(0, 0, -7*(2-i))
		require.NoError(t, st.PublishPrediction(ctx, p, testExplanation()))
		if status == model.StatusResolved {
			require.NoError(t, st.UpdatePredictionStatus(ctx, p.ID, status))
		}
	}
	current := testPrediction("physics", model.Horizon2Week, 80)
	require.NoError(t, st.PublishPrediction(ctx, current, testExplanation()))

	n, err := st.CountHistory(ctx, "physics", model.Horizon2Week, refDate)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = st.CountHistory(ctx, "physics", model.Horizon4Week, refDate)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	latest, err := st.LatestActive(ctx, "physics", model.Horizon2Week)
	require.NoError(t, err)
	assert.Equal(t, current.ID, latest.ID)

	incident, err := st.LastIncident(ctx, "physics", model.SeverityHigh, refDate)
	require.NoError(t, err)
	assert.True(t, incident.ReferenceDate.Equal(refDate.AddDate(0, 0, -7)))
	assert.Equal(t, model.StatusExpired, incident.Status)

	_, err = st.LastIncident(ctx, "physics", model.SeverityLow, refDate)
	assert.True(t, errors.Is(err, model.ErrNotFound))
}

// --- Runs ---

func TestSQLite_Runs(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	run, err := st.CreateRun(ctx, refDate)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusRunning, run.Status)

	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusRunning, got.Status)
	assert.Nil(t, got.FinishedAt)
	assert.True(t, got.ScenarioDate.Equal(refDate))

	run.Status = model.RunStatusComplete
	run.Counts = model.RunCounts{Created: 6, Skipped: 1, Deferred: 1}
	require.NoError(t, st.FinishRun(ctx, run))

	got, err = st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusComplete, got.Status)
	assert.Equal(t, 6, got.Counts.Created)
	assert.Equal(t, 1, got.Counts.Deferred)
	require.NotNil(t, got.FinishedAt)

	failed, err := st.CreateRun(ctx, refDate)
	require.NoError(t, err)
	failed.Status = model.RunStatusFailed
	failed.Error = "load model: no such file"
	require.NoError(t, st.FinishRun(ctx, failed))

	runs, err := st.ListRuns(ctx, RunFilter{Status: model.RunStatusFailed})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "load model: no such file", runs[0].Error)

	runs, err = st.ListRuns(ctx, RunFilter{})
	require.NoError(t, err)
	assert.Len(t, runs, 2)

	_, err = st.GetRun(ctx, "missing")
	assert.True(t, errors.Is(err, model.ErrNotFound))
	assert.True(t, errors.Is(st.FinishRun(ctx, &model.Run{ID: "missing"}), model.ErrNotFound))
}

func TestSQLite_Ping(t *testing.T) {
	st := newTestSQLiteStore(t)
	assert.NoError(t, st.Ping(context.Background()))
}
