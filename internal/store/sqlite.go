package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/shortage-forecast/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// One connection: SQLite has a single writer and pragmas are per connection.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS feature_vectors (
	subject        TEXT NOT NULL,
	reference_date TEXT NOT NULL,
	features       TEXT NOT NULL,
	created_at     DATETIME NOT NULL,
	PRIMARY KEY (subject, reference_date)
);

CREATE TABLE IF NOT EXISTS runs (
	id            TEXT PRIMARY KEY,
	scenario_date TEXT NOT NULL,
	status        TEXT NOT NULL DEFAULT 'running',
	counts        TEXT NOT NULL DEFAULT '{}',
	error         TEXT,
	started_at    DATETIME NOT NULL,
	finished_at   DATETIME
);

CREATE TABLE IF NOT EXISTS predictions (
	id                         TEXT PRIMARY KEY,
	run_id                     TEXT,
	subject                    TEXT NOT NULL,
	horizon                    TEXT NOT NULL,
	reference_date             TEXT NOT NULL,
	shortage_probability       REAL NOT NULL,
	predicted_shortage_date    TEXT NOT NULL,
	days_until_shortage        INTEGER NOT NULL,
	predicted_peak_utilization REAL NOT NULL,
	severity                   TEXT NOT NULL,
	horizon_days               INTEGER NOT NULL,
	confidence_score           REAL NOT NULL,
	confidence_level           TEXT NOT NULL,
	confidence_breakdown       TEXT NOT NULL,
	priority_score             REAL NOT NULL,
	is_critical                BOOLEAN NOT NULL DEFAULT 0,
	status                     TEXT NOT NULL DEFAULT 'pending',
	created_at                 DATETIME NOT NULL,
	updated_at                 DATETIME NOT NULL,
	UNIQUE (subject, horizon, reference_date)
);

CREATE TABLE IF NOT EXISTS explanations (
	prediction_id      TEXT PRIMARY KEY REFERENCES predictions(id) ON DELETE CASCADE,
	top_features       TEXT NOT NULL,
	explanation_text   TEXT NOT NULL,
	historical_context TEXT,
	created_at         DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_predictions_status ON predictions(status);
CREATE INDEX IF NOT EXISTS idx_predictions_priority ON predictions(priority_score DESC);
CREATE INDEX IF NOT EXISTS idx_predictions_subject ON predictions(subject, horizon, reference_date);
CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Features

func (s *SQLiteStore) PutFeatures(ctx context.Context, v model.FeatureVector) error {
	if err := v.Validate(); err != nil {
		return err
	}
	inserted, err := insertFeatures(ctx, s.db, v)
	if err != nil || inserted {
		return err
	}
	existing, err := s.GetFeatures(ctx, v.Subject, v.ReferenceDate)
	if err != nil {
		return err
	}
	if !existing.SameValues(v) {
		return eris.Wrapf(model.ErrFeatureConflict, "sqlite: features %s@%s", v.Subject, dateArg(v.ReferenceDate))
	}
	return nil
}

// ImportFeatures inserts vectors in one transaction and returns how many were
// new. Vectors already stored for a (subject, reference_date) are left as is.
func (s *SQLiteStore) ImportFeatures(ctx context.Context, vs []model.FeatureVector) (int, error) {
	for _, v := range vs {
		if err := v.Validate(); err != nil {
			return 0, err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin import")
	}
	defer tx.Rollback() //nolint:errcheck

	n := 0
	for _, v := range vs {
		inserted, err := insertFeatures(ctx, tx, v)
		if err != nil {
			return 0, err
		}
		if inserted {
			n++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit import")
	}
	return n, nil
}

type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func insertFeatures(ctx context.Context, ex sqlExecer, v model.FeatureVector) (bool, error) {
	data, err := json.Marshal(v.Features)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: marshal features")
	}
	created := v.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	res, err := ex.ExecContext(ctx, queryInsertFeatures, v.Subject, dateArg(v.ReferenceDate), string(data), created)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: insert features %s", v.Subject)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n > 0, nil
}

func (s *SQLiteStore) GetFeatures(ctx context.Context, subject string, date time.Time) (*model.FeatureVector, error) {
	v, err := scanFeatures(s.db.QueryRowContext(ctx, queryGetFeatures, subject, dateArg(date)))
	if isNoRows(err) {
		return nil, notFound("features", subject+"@"+dateArg(date))
	}
	return v, eris.Wrap(err, "sqlite: get features")
}

func (s *SQLiteStore) LatestFeatures(ctx context.Context, subject string, onOrBefore time.Time) (*model.FeatureVector, error) {
	v, err := scanFeatures(s.db.QueryRowContext(ctx, queryLatestFeatures, subject, dateArg(onOrBefore)))
	if isNoRows(err) {
		return nil, notFound("features", subject+"@"+dateArg(onOrBefore))
	}
	return v, eris.Wrap(err, "sqlite: latest features")
}

func (s *SQLiteStore) ListSubjects(ctx context.Context, onOrBefore time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, queryListSubjects, dateArg(onOrBefore))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list subjects")
	}
	defer rows.Close() //nolint:errcheck

	var subjects []string
	for rows.Next() {
		var subject string
		if err := rows.Scan(&subject); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan subject")
		}
		subjects = append(subjects, subject)
	}
	return subjects, eris.Wrap(rows.Err(), "sqlite: list subjects iterate")
}

// Predictions

// PutPrediction stores p as pending. A pending row with the same natural key
// is overwritten; a row in any later status is left alone and loaded into p.
func (s *SQLiteStore) PutPrediction(ctx context.Context, p *model.Prediction) error {
	breakdown, err := preparePrediction(p, model.StatusPending)
	if err != nil {
		return err
	}

	var status string
	err = s.db.QueryRowContext(ctx, queryUpsertPending, predictionArgs(p, breakdown)...).
		Scan(&p.ID, &status, &timeCol{&p.CreatedAt})
	if isNoRows(err) {
		existing, err := s.FindPrediction(ctx, p.Key())
		if err != nil {
			return err
		}
		*p = *existing
		return nil
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: put prediction %s/%s", p.Subject, p.Horizon)
	}
	p.Status = model.PredictionStatus(status)
	return nil
}

func (s *SQLiteStore) PutExplanation(ctx context.Context, e *model.Explanation) error {
	top, err := marshalExplanation(e)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, queryInsertExplanation, explanationArgs(e, top)...)
	if err != nil {
		return eris.Wrapf(err, "sqlite: put explanation %s", e.PredictionID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return &model.DuplicateExplanationError{PredictionID: e.PredictionID}
	}
	return nil
}

// PublishPrediction writes p as active together with its explanation and
// expires older open predictions for the same subject and horizon. Readers
// never observe the prediction without its explanation. Only a new or pending
// key is published: an active key yields *model.DuplicateExplanationError and
// a closed one model.ErrInvalidTransition.
func (s *SQLiteStore) PublishPrediction(ctx context.Context, p *model.Prediction, e *model.Explanation) error {
	breakdown, err := preparePrediction(p, model.StatusActive)
	if err != nil {
		return err
	}
	top, err := marshalExplanation(e)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin publish")
	}
	defer tx.Rollback() //nolint:errcheck

	var status string
	err = tx.QueryRowContext(ctx, queryUpsertActive, predictionArgs(p, breakdown)...).
		Scan(&p.ID, &status, &timeCol{&p.CreatedAt})
	if isNoRows(err) {
		var id, current string
		if err := tx.QueryRowContext(ctx, queryStatusByKey,
			p.Subject, string(p.Horizon), dateArg(p.ReferenceDate)).Scan(&id, &current); err != nil {
			return eris.Wrapf(err, "sqlite: publish %s/%s: load existing", p.Subject, p.Horizon)
		}
		return publishConflict("sqlite", p, id, current)
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: publish prediction %s/%s", p.Subject, p.Horizon)
	}

	e.PredictionID = p.ID
	res, err := tx.ExecContext(ctx, queryInsertExplanation, explanationArgs(e, top)...)
	if err != nil {
		return eris.Wrapf(err, "sqlite: publish explanation %s", p.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return &model.DuplicateExplanationError{PredictionID: p.ID}
	}
	if _, err := tx.ExecContext(ctx, queryExpireOlder,
		p.UpdatedAt, p.Subject, string(p.Horizon), dateArg(p.ReferenceDate)); err != nil {
		return eris.Wrapf(err, "sqlite: expire older %s/%s", p.Subject, p.Horizon)
	}
	if err := tx.Commit(); err != nil {
		return eris.Wrap(err, "sqlite: commit publish")
	}
	return nil
}

func (s *SQLiteStore) GetPrediction(ctx context.Context, id string) (*model.Prediction, error) {
	p, err := scanPrediction(s.db.QueryRowContext(ctx, queryPredictionByID, id))
	if isNoRows(err) {
		return nil, notFound("prediction", id)
	}
	return p, eris.Wrap(err, "sqlite: get prediction")
}

func (s *SQLiteStore) GetExplanation(ctx context.Context, predictionID string) (*model.Explanation, error) {
	e, err := scanExplanation(s.db.QueryRowContext(ctx, queryGetExplanation, predictionID))
	if isNoRows(err) {
		return nil, notFound("explanation", predictionID)
	}
	return e, eris.Wrap(err, "sqlite: get explanation")
}

func (s *SQLiteStore) FindPrediction(ctx context.Context, key model.NaturalKey) (*model.Prediction, error) {
	p, err := scanPrediction(s.db.QueryRowContext(ctx, queryPredictionByKey,
		key.Subject, string(key.Horizon), dateArg(key.ReferenceDate)))
	if isNoRows(err) {
		return nil, notFound("prediction", key.Subject+"/"+string(key.Horizon)+"@"+dateArg(key.ReferenceDate))
	}
	return p, eris.Wrap(err, "sqlite: find prediction")
}

func (s *SQLiteStore) ListPredictions(ctx context.Context, f PredictionFilter) ([]model.Prediction, error) {
	f, err := f.Normalize()
	if err != nil {
		return nil, err
	}
	q, args := listPredictionsQuery(f)
	return s.queryPredictions(ctx, "list predictions", q, args...)
}

func (s *SQLiteStore) CountPredictions(ctx context.Context, f PredictionFilter) (int, error) {
	f, err := f.Normalize()
	if err != nil {
		return 0, err
	}
	q, args := countPredictionsQuery(f)
	var n int
	err = s.db.QueryRowContext(ctx, q, args...).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count predictions")
}

func (s *SQLiteStore) ListPending(ctx context.Context, limit int) ([]model.Prediction, error) {
	if limit <= 0 {
		limit = MaxLimit
	}
	return s.queryPredictions(ctx, "list pending", queryListPending, limit)
}

func (s *SQLiteStore) LatestActive(ctx context.Context, subject string, h model.Horizon) (*model.Prediction, error) {
	p, err := scanPrediction(s.db.QueryRowContext(ctx, queryLatestActive, subject, string(h)))
	if isNoRows(err) {
		return nil, notFound("active prediction", subject+"/"+string(h))
	}
	return p, eris.Wrap(err, "sqlite: latest active")
}

func (s *SQLiteStore) CountHistory(ctx context.Context, subject string, h model.Horizon, before time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, queryCountHistory, subject, string(h), dateArg(before)).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count history")
}

func (s *SQLiteStore) LastIncident(ctx context.Context, subject string, sev model.Severity, before time.Time) (*model.Prediction, error) {
	p, err := scanPrediction(s.db.QueryRowContext(ctx, queryLastIncident, subject, string(sev), dateArg(before)))
	if isNoRows(err) {
		return nil, notFound("incident", subject+"/"+string(sev))
	}
	return p, eris.Wrap(err, "sqlite: last incident")
}

// UpdatePredictionStatus moves a prediction along its lifecycle. Activation
// requires a stored explanation.
func (s *SQLiteStore) UpdatePredictionStatus(ctx context.Context, id string, status model.PredictionStatus) error {
	p, err := s.GetPrediction(ctx, id)
	if err != nil {
		return err
	}
	if err := checkTransition(p.Status, status); err != nil {
		return err
	}
	if status == model.StatusActive {
		if _, err := s.GetExplanation(ctx, id); err != nil {
			if errors.Is(err, model.ErrNotFound) {
				return eris.Wrapf(model.ErrInvalidTransition, "sqlite: activate %s without explanation", id)
			}
			return err
		}
	}

	res, err := s.db.ExecContext(ctx, queryUpdateStatus, string(status), time.Now().UTC(), id, string(p.Status))
	if err != nil {
		return eris.Wrapf(err, "sqlite: update prediction status %s", id)
	}
	return checkRowsAffected(res, "prediction", id)
}

func (s *SQLiteStore) queryPredictions(ctx context.Context, op, q string, args ...any) ([]model.Prediction, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: %s", op)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Prediction
	for rows.Next() {
		p, err := scanPrediction(rows)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: %s scan", op)
		}
		out = append(out, *p)
	}
	return out, eris.Wrapf(rows.Err(), "sqlite: %s iterate", op)
}

// Runs

func (s *SQLiteStore) CreateRun(ctx context.Context, scenarioDate time.Time) (*model.Run, error) {
	run := &model.Run{
		ID:           uuid.New().String(),
		ScenarioDate: model.DateOnly(scenarioDate),
		Status:       model.RunStatusRunning,
		StartedAt:    time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, queryInsertRun,
		run.ID, dateArg(run.ScenarioDate), string(run.Status), "{}", nil, run.StartedAt, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
	}
	return run, nil
}

// FinishRun records the final status, counts and error of run. FinishedAt is
// set when empty.
func (s *SQLiteStore) FinishRun(ctx context.Context, run *model.Run) error {
	counts, err := json.Marshal(run.Counts)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal run counts")
	}
	if run.FinishedAt == nil {
		now := time.Now().UTC()
		run.FinishedAt = &now
	}
	res, err := s.db.ExecContext(ctx, queryFinishRun,
		string(run.Status), string(counts), nullString(run.Error), *run.FinishedAt, run.ID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish run %s", run.ID)
	}
	return checkRowsAffected(res, "run", run.ID)
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx, queryGetRun, id))
	if isNoRows(err) {
		return nil, notFound("run", id)
	}
	return r, eris.Wrap(err, "sqlite: get run")
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	q, args := listRunsQuery(filter)
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close() //nolint:errcheck

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return notFound(entity, id)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
