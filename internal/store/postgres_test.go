package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/shortage-forecast/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

var predictionColumnNames = []string{
	"id", "run_id", "subject", "horizon", "reference_date", "shortage_probability",
	"predicted_shortage_date", "days_until_shortage", "predicted_peak_utilization", "severity",
	"horizon_days", "confidence_score", "confidence_level", "confidence_breakdown", "priority_score",
	"is_critical", "status", "created_at", "updated_at",
}

func anyArgs(n int) []any {
	args := make([]any, n)
	for i := range args {
		args[i] = pgxmock.AnyArg()
	}
	return args
}

func predictionRow(rows *pgxmock.Rows, id, subject string, priority float64) *pgxmock.Rows {
	created := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	return rows.AddRow(
		id, "run-1", subject, "2week", refDate, 0.78,
		refDate.AddDate(0, 0, 3), 3, 95.0, "high",
		14, 72.5, "medium", []byte(`{"model_certainty":22,"data_quality":25}`), priority,
		priority >= 80, "active", created, created,
	)
}

func TestPostgresStore_GetPrediction(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM predictions WHERE id = \$1`).
		WithArgs("pred_abc").
		WillReturnRows(predictionRow(pgxmock.NewRows(predictionColumnNames), "pred_abc", "physics", 92))

	p, err := s.GetPrediction(context.Background(), "pred_abc")
	require.NoError(t, err)
	assert.Equal(t, "physics", p.Subject)
	assert.Equal(t, model.Horizon2Week, p.Horizon)
	assert.True(t, p.ReferenceDate.Equal(refDate))
	assert.True(t, p.PredictedShortageDate.Equal(refDate.AddDate(0, 0, 3)))
	assert.Equal(t, "run-1", p.RunID)
	assert.Equal(t, 22.0, p.ConfidenceBreakdown[model.ComponentModelCertainty])
	assert.True(t, p.IsCritical)
	assert.Equal(t, model.StatusActive, p.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetPrediction_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM predictions WHERE id = \$1`).
		WithArgs("nonexistent").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetPrediction(context.Background(), "nonexistent")
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListPredictions(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	rows := pgxmock.NewRows(predictionColumnNames)
	predictionRow(rows, "pred_1", "physics", 92)
	predictionRow(rows, "pred_2", "chemistry", 72)

	mock.ExpectQuery(`WHERE status = \$1 AND priority_score >= 70 ORDER BY priority_score DESC, created_at ASC, id ASC LIMIT \$2 OFFSET \$3`).
		WithArgs("active", 20, 0).
		WillReturnRows(rows)

	got, err := s.ListPredictions(context.Background(), PredictionFilter{Urgency: UrgencyHigh})
	require.NoError(t, err)
	assert.Equal(t, []string{"physics", "chemistry"}, subjects(got))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CountPredictions(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM predictions WHERE status = \$1 AND horizon = \$2`).
		WithArgs("active", "4week").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(7))

	n, err := s.CountPredictions(context.Background(), PredictionFilter{Horizon: model.Horizon4Week})
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_PublishPrediction(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	created := time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO predictions .* WHERE predictions.status IN \('pending'\) RETURNING id, status, created_at`).
		WithArgs(anyArgs(19)...).
		WillReturnRows(pgxmock.NewRows([]string{"id", "status", "created_at"}).AddRow("pred_existing", "active", created))
	mock.ExpectExec(`INSERT INTO explanations .* ON CONFLICT \(prediction_id\) DO NOTHING`).
		WithArgs("pred_existing", pgxmock.AnyArg(), "Physics tutoring is likely to face a shortage.", "", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`UPDATE predictions SET status = 'expired'`).
		WithArgs(pgxmock.AnyArg(), "physics", "2week", "2026-09-01").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	p := testPrediction("physics", model.Horizon2Week, 75)
	e := testExplanation()
	require.NoError(t, s.PublishPrediction(context.Background(), p, e))
	assert.Equal(t, "pred_existing", p.ID)
	assert.Equal(t, "pred_existing", e.PredictionID)
	assert.Equal(t, created, p.CreatedAt)
	assert.Equal(t, model.StatusActive, p.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_PublishPrediction_Closed(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO predictions`).WithArgs(anyArgs(19)...).WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(`SELECT id, status FROM predictions WHERE subject = \$1`).
		WithArgs("physics", "2week", "2026-09-01").
		WillReturnRows(pgxmock.NewRows([]string{"id", "status"}).AddRow("pred_old", "resolved"))
	mock.ExpectRollback()

	err := s.PublishPrediction(context.Background(), testPrediction("physics", model.Horizon2Week, 75), testExplanation())
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrInvalidTransition))
	assert.Contains(t, err.Error(), "prediction is resolved")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_PublishPrediction_AlreadyActive(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO predictions`).WithArgs(anyArgs(19)...).WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(`SELECT id, status FROM predictions WHERE subject = \$1`).
		WithArgs("physics", "2week", "2026-09-01").
		WillReturnRows(pgxmock.NewRows([]string{"id", "status"}).AddRow("pred_live", "active"))
	mock.ExpectRollback()

	err := s.PublishPrediction(context.Background(), testPrediction("physics", model.Horizon2Week, 75), testExplanation())
	var dup *model.DuplicateExplanationError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, "pred_live", dup.PredictionID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_PublishPrediction_ExplanationFails(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO predictions`).
		WithArgs(anyArgs(19)...).
		WillReturnRows(pgxmock.NewRows([]string{"id", "status", "created_at"}).AddRow("pred_1", "active", time.Now()))
	mock.ExpectExec(`INSERT INTO explanations`).WithArgs(anyArgs(5)...).WillReturnError(fmt.Errorf("disk full"))
	mock.ExpectRollback()

	err := s.PublishPrediction(context.Background(), testPrediction("physics", model.Horizon2Week, 75), testExplanation())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "publish explanation")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_PutExplanation_Duplicate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO explanations .* ON CONFLICT \(prediction_id\) DO NOTHING`).
		WithArgs("pred_abc", pgxmock.AnyArg(), pgxmock.AnyArg(), "", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	e := testExplanation()
	e.PredictionID = "pred_abc"
	err := s.PutExplanation(context.Background(), e)
	var dup *model.DuplicateExplanationError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, "pred_abc", dup.PredictionID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_PutFeatures_Conflict(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO feature_vectors`).
		WithArgs("physics", "2026-09-01", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectQuery(`FROM feature_vectors\s+WHERE subject = \$1 AND reference_date = \$2`).
		WithArgs("physics", "2026-09-01").
		WillReturnRows(pgxmock.NewRows([]string{"subject", "reference_date", "features", "created_at"}).
			AddRow("physics", refDate, []byte(`{"weeks_observed":4,"utilization_current_week":70}`), time.Now()))

	err := s.PutFeatures(context.Background(), testVector("physics", refDate, 88))
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrFeatureConflict))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ImportFeatures(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("CREATE TEMP TABLE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_feature_vectors"}, featureUpsert.Columns).WillReturnResult(2)
	mock.ExpectExec(`INSERT INTO "feature_vectors" .* DO NOTHING`).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	n, err := s.ImportFeatures(context.Background(), []model.FeatureVector{
		testVector("physics", refDate, 88),
		testVector("chemistry", refDate, 60),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdatePredictionStatus_Invalid(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	rows := pgxmock.NewRows(predictionColumnNames)
	predictionRow(rows, "pred_abc", "physics", 92)
	mock.ExpectQuery(`FROM predictions WHERE id = \$1`).WithArgs("pred_abc").WillReturnRows(rows)

	err := s.UpdatePredictionStatus(context.Background(), "pred_abc", model.StatusPending)
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrInvalidTransition))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CountHistory(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM predictions WHERE subject = \$1 AND horizon = \$2 AND reference_date < \$3`).
		WithArgs("physics", "2week", "2026-09-01").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(3))

	n, err := s.CountHistory(context.Background(), "physics", model.Horizon2Week, refDate)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Runs(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	ctx := context.Background()

	mock.ExpectExec(`INSERT INTO runs`).
		WithArgs(pgxmock.AnyArg(), "2026-09-01", "running", "{}", nil, pgxmock.AnyArg(), nil).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	run, err := s.CreateRun(ctx, refDate)
	require.NoError(t, err)

	mock.ExpectExec(`UPDATE runs SET status = \$1, counts = \$2, error = \$3, finished_at = \$4 WHERE id = \$5`).
		WithArgs("complete", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), run.ID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	run.Status = model.RunStatusComplete
	require.NoError(t, s.FinishRun(ctx, run))
	require.NotNil(t, run.FinishedAt)

	finished := time.Date(2026, 9, 1, 12, 5, 0, 0, time.UTC)
	mock.ExpectQuery(`FROM runs WHERE id = \$1`).
		WithArgs(run.ID).
		WillReturnRows(pgxmock.NewRows([]string{"id", "scenario_date", "status", "counts", "error", "started_at", "finished_at"}).
			AddRow(run.ID, refDate, "complete", []byte(`{"created":4,"skipped":1}`), nil, finished.Add(-5*time.Minute), finished))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, got.Counts.Created)
	assert.Equal(t, 5*time.Minute, got.Duration())
	assert.Empty(t, got.Error)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FinishRun_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE runs SET`).WithArgs(anyArgs(5)...).WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.FinishRun(context.Background(), &model.Run{ID: "missing", Status: model.RunStatusFailed})
	assert.True(t, errors.Is(err, model.ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Ping(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	mock.ExpectExec("SELECT 1").WillReturnResult(pgxmock.NewResult("SELECT", 1))
	assert.NoError(t, s.Ping(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
