package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/shortage-forecast/internal/db"
	"github.com/sells-group/shortage-forecast/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// the hot paths of a batch run and the read API.
var preparedStatements = map[string]string{
	"upsert_pending":     rebind(queryUpsertPending),
	"prediction_by_key":  rebind(queryPredictionByKey),
	"prediction_by_id":   rebind(queryPredictionByID),
	"get_explanation":    rebind(queryGetExplanation),
	"latest_features":    rebind(queryLatestFeatures),
	"count_history":      rebind(queryCountHistory),
	"latest_active":      rebind(queryLatestActive),
	"last_incident":      rebind(queryLastIncident),
	"insert_explanation": rebind(queryInsertExplanation),
	"update_status":      rebind(queryUpdateStatus),
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS feature_vectors (
	subject        TEXT NOT NULL,
	reference_date DATE NOT NULL,
	features       JSONB NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (subject, reference_date)
);

CREATE TABLE IF NOT EXISTS runs (
	id            TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	scenario_date DATE NOT NULL,
	status        TEXT NOT NULL DEFAULT 'running',
	counts        JSONB NOT NULL DEFAULT '{}',
	error         TEXT,
	started_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	finished_at   TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS predictions (
	id                         TEXT PRIMARY KEY,
	run_id                     TEXT,
	subject                    TEXT NOT NULL,
	horizon                    TEXT NOT NULL,
	reference_date             DATE NOT NULL,
	shortage_probability       DOUBLE PRECISION NOT NULL,
	predicted_shortage_date    DATE NOT NULL,
	days_until_shortage        INTEGER NOT NULL,
	predicted_peak_utilization DOUBLE PRECISION NOT NULL,
	severity                   TEXT NOT NULL,
	horizon_days               INTEGER NOT NULL,
	confidence_score           DOUBLE PRECISION NOT NULL,
	confidence_level           TEXT NOT NULL,
	confidence_breakdown       JSONB NOT NULL,
	priority_score             DOUBLE PRECISION NOT NULL,
	is_critical                BOOLEAN NOT NULL DEFAULT false,
	status                     TEXT NOT NULL DEFAULT 'pending',
	created_at                 TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at                 TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (subject, horizon, reference_date)
);

CREATE TABLE IF NOT EXISTS explanations (
	prediction_id      TEXT PRIMARY KEY REFERENCES predictions(id) ON DELETE CASCADE,
	top_features       JSONB NOT NULL,
	explanation_text   TEXT NOT NULL,
	historical_context TEXT,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_predictions_status ON predictions(status);
CREATE INDEX IF NOT EXISTS idx_predictions_priority ON predictions(priority_score DESC);
CREATE INDEX IF NOT EXISTS idx_predictions_status_priority ON predictions(status, priority_score DESC, created_at);
CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at DESC);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// Features

func (s *PostgresStore) PutFeatures(ctx context.Context, v model.FeatureVector) error {
	if err := v.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(v.Features)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal features")
	}
	created := v.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}

	tag, err := s.pool.Exec(ctx, rebind(queryInsertFeatures), v.Subject, dateArg(v.ReferenceDate), data, created)
	if err != nil {
		return eris.Wrapf(err, "postgres: insert features %s", v.Subject)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	existing, err := s.GetFeatures(ctx, v.Subject, v.ReferenceDate)
	if err != nil {
		return err
	}
	if !existing.SameValues(v) {
		return eris.Wrapf(model.ErrFeatureConflict, "postgres: features %s@%s", v.Subject, dateArg(v.ReferenceDate))
	}
	return nil
}

var featureUpsert = db.UpsertConfig{
	Table:        "feature_vectors",
	Columns:      []string{"subject", "reference_date", "features", "created_at"},
	ConflictKeys: []string{"subject", "reference_date"},
}

// ImportFeatures bulk loads vectors through COPY and returns how many were
// new. Vectors already stored for a (subject, reference_date) are left as is.
func (s *PostgresStore) ImportFeatures(ctx context.Context, vs []model.FeatureVector) (int, error) {
	now := time.Now().UTC()
	rows := make([][]any, 0, len(vs))
	for _, v := range vs {
		if err := v.Validate(); err != nil {
			return 0, err
		}
		data, err := json.Marshal(v.Features)
		if err != nil {
			return 0, eris.Wrap(err, "postgres: marshal features")
		}
		created := v.CreatedAt
		if created.IsZero() {
			created = now
		}
		rows = append(rows, []any{v.Subject, model.DateOnly(v.ReferenceDate), data, created})
	}

	n, err := db.BulkUpsert(ctx, s.pool, featureUpsert, rows)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: import features")
	}
	return int(n), nil
}

func (s *PostgresStore) GetFeatures(ctx context.Context, subject string, date time.Time) (*model.FeatureVector, error) {
	v, err := scanFeatures(s.pool.QueryRow(ctx, rebind(queryGetFeatures), subject, dateArg(date)))
	if isNoRows(err) {
		return nil, notFound("features", subject+"@"+dateArg(date))
	}
	return v, eris.Wrap(err, "postgres: get features")
}

func (s *PostgresStore) LatestFeatures(ctx context.Context, subject string, onOrBefore time.Time) (*model.FeatureVector, error) {
	v, err := scanFeatures(s.pool.QueryRow(ctx, rebind(queryLatestFeatures), subject, dateArg(onOrBefore)))
	if isNoRows(err) {
		return nil, notFound("features", subject+"@"+dateArg(onOrBefore))
	}
	return v, eris.Wrap(err, "postgres: latest features")
}

func (s *PostgresStore) ListSubjects(ctx context.Context, onOrBefore time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx, rebind(queryListSubjects), dateArg(onOrBefore))
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list subjects")
	}
	defer rows.Close()

	var subjects []string
	for rows.Next() {
		var subject string
		if err := rows.Scan(&subject); err != nil {
			return nil, eris.Wrap(err, "postgres: scan subject")
		}
		subjects = append(subjects, subject)
	}
	return subjects, eris.Wrap(rows.Err(), "postgres: list subjects iterate")
}

// Predictions

// PutPrediction stores p as pending. A pending row with the same natural key
// is overwritten; a row in any later status is left alone and loaded into p.
func (s *PostgresStore) PutPrediction(ctx context.Context, p *model.Prediction) error {
	breakdown, err := preparePrediction(p, model.StatusPending)
	if err != nil {
		return err
	}

	var status string
	err = s.pool.QueryRow(ctx, rebind(queryUpsertPending), predictionArgs(p, breakdown)...).
		Scan(&p.ID, &status, &p.CreatedAt)
	if isNoRows(err) {
		existing, err := s.FindPrediction(ctx, p.Key())
		if err != nil {
			return err
		}
		*p = *existing
		return nil
	}
	if err != nil {
		return eris.Wrapf(err, "postgres: put prediction %s/%s", p.Subject, p.Horizon)
	}
	p.Status = model.PredictionStatus(status)
	return nil
}

func (s *PostgresStore) PutExplanation(ctx context.Context, e *model.Explanation) error {
	top, err := marshalExplanation(e)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, rebind(queryInsertExplanation), explanationArgs(e, top)...)
	if err != nil {
		return eris.Wrapf(err, "postgres: put explanation %s", e.PredictionID)
	}
	if tag.RowsAffected() == 0 {
		return &model.DuplicateExplanationError{PredictionID: e.PredictionID}
	}
	return nil
}

// PublishPrediction writes p as active together with its explanation and
// expires older open predictions for the same subject and horizon, in one
// transaction. An active key yields *model.DuplicateExplanationError and a
// closed one model.ErrInvalidTransition.
func (s *PostgresStore) PublishPrediction(ctx context.Context, p *model.Prediction, e *model.Explanation) error {
	breakdown, err := preparePrediction(p, model.StatusActive)
	if err != nil {
		return err
	}
	top, err := marshalExplanation(e)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin publish")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var status string
	err = tx.QueryRow(ctx, rebind(queryUpsertActive), predictionArgs(p, breakdown)...).
		Scan(&p.ID, &status, &p.CreatedAt)
	if isNoRows(err) {
		var id, current string
		if err := tx.QueryRow(ctx, rebind(queryStatusByKey),
			p.Subject, string(p.Horizon), dateArg(p.ReferenceDate)).Scan(&id, &current); err != nil {
			return eris.Wrapf(err, "postgres: publish %s/%s: load existing", p.Subject, p.Horizon)
		}
		return publishConflict("postgres", p, id, current)
	}
	if err != nil {
		return eris.Wrapf(err, "postgres: publish prediction %s/%s", p.Subject, p.Horizon)
	}

	e.PredictionID = p.ID
	tag, err := tx.Exec(ctx, rebind(queryInsertExplanation), explanationArgs(e, top)...)
	if err != nil {
		return eris.Wrapf(err, "postgres: publish explanation %s", p.ID)
	}
	if tag.RowsAffected() == 0 {
		return &model.DuplicateExplanationError{PredictionID: p.ID}
	}
	if _, err := tx.Exec(ctx, rebind(queryExpireOlder),
		p.UpdatedAt, p.Subject, string(p.Horizon), dateArg(p.ReferenceDate)); err != nil {
		return eris.Wrapf(err, "postgres: expire older %s/%s", p.Subject, p.Horizon)
	}
	if err := tx.Commit(ctx); err != nil {
		return eris.Wrap(err, "postgres: commit publish")
	}
	return nil
}

func (s *PostgresStore) GetPrediction(ctx context.Context, id string) (*model.Prediction, error) {
	p, err := scanPrediction(s.pool.QueryRow(ctx, rebind(queryPredictionByID), id))
	if isNoRows(err) {
		return nil, notFound("prediction", id)
	}
	return p, eris.Wrap(err, "postgres: get prediction")
}

func (s *PostgresStore) GetExplanation(ctx context.Context, predictionID string) (*model.Explanation, error) {
	e, err := scanExplanation(s.pool.QueryRow(ctx, rebind(queryGetExplanation), predictionID))
	if isNoRows(err) {
		return nil, notFound("explanation", predictionID)
	}
	return e, eris.Wrap(err, "postgres: get explanation")
}

func (s *PostgresStore) FindPrediction(ctx context.Context, key model.NaturalKey) (*model.Prediction, error) {
	p, err := scanPrediction(s.pool.QueryRow(ctx, rebind(queryPredictionByKey),
		key.Subject, string(key.Horizon), dateArg(key.ReferenceDate)))
	if isNoRows(err) {
		return nil, notFound("prediction", key.Subject+"/"+string(key.Horizon)+"@"+dateArg(key.ReferenceDate))
	}
	return p, eris.Wrap(err, "postgres: find prediction")
}

func (s *PostgresStore) ListPredictions(ctx context.Context, f PredictionFilter) ([]model.Prediction, error) {
	f, err := f.Normalize()
	if err != nil {
		return nil, err
	}
	q, args := listPredictionsQuery(f)
	return s.queryPredictions(ctx, "list predictions", rebind(q), args...)
}

func (s *PostgresStore) CountPredictions(ctx context.Context, f PredictionFilter) (int, error) {
	f, err := f.Normalize()
	if err != nil {
		return 0, err
	}
	q, args := countPredictionsQuery(f)
	var n int
	err = s.pool.QueryRow(ctx, rebind(q), args...).Scan(&n)
	return n, eris.Wrap(err, "postgres: count predictions")
}

func (s *PostgresStore) ListPending(ctx context.Context, limit int) ([]model.Prediction, error) {
	if limit <= 0 {
		limit = MaxLimit
	}
	return s.queryPredictions(ctx, "list pending", rebind(queryListPending), limit)
}

func (s *PostgresStore) LatestActive(ctx context.Context, subject string, h model.Horizon) (*model.Prediction, error) {
	p, err := scanPrediction(s.pool.QueryRow(ctx, rebind(queryLatestActive), subject, string(h)))
	if isNoRows(err) {
		return nil, notFound("active prediction", subject+"/"+string(h))
	}
	return p, eris.Wrap(err, "postgres: latest active")
}

func (s *PostgresStore) CountHistory(ctx context.Context, subject string, h model.Horizon, before time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, rebind(queryCountHistory), subject, string(h), dateArg(before)).Scan(&n)
	return n, eris.Wrap(err, "postgres: count history")
}

func (s *PostgresStore) LastIncident(ctx context.Context, subject string, sev model.Severity, before time.Time) (*model.Prediction, error) {
	p, err := scanPrediction(s.pool.QueryRow(ctx, rebind(queryLastIncident), subject, string(sev), dateArg(before)))
	if isNoRows(err) {
		return nil, notFound("incident", subject+"/"+string(sev))
	}
	return p, eris.Wrap(err, "postgres: last incident")
}

// UpdatePredictionStatus moves a prediction along its lifecycle. Activation
// requires a stored explanation.
func (s *PostgresStore) UpdatePredictionStatus(ctx context.Context, id string, status model.PredictionStatus) error {
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
				return eris.Wrapf(model.ErrInvalidTransition, "postgres: activate %s without explanation", id)
			}
			return err
		}
	}

	tag, err := s.pool.Exec(ctx, rebind(queryUpdateStatus), string(status), time.Now().UTC(), id, string(p.Status))
	if err != nil {
		return eris.Wrapf(err, "postgres: update prediction status %s", id)
	}
	if tag.RowsAffected() == 0 {
		return notFound("prediction", id)
	}
	return nil
}

func (s *PostgresStore) queryPredictions(ctx context.Context, op, q string, args ...any) ([]model.Prediction, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: %s", op)
	}
	defer rows.Close()

	var out []model.Prediction
	for rows.Next() {
		p, err := scanPrediction(rows)
		if err != nil {
			return nil, eris.Wrapf(err, "postgres: %s scan", op)
		}
		out = append(out, *p)
	}
	return out, eris.Wrapf(rows.Err(), "postgres: %s iterate", op)
}

// Runs

func (s *PostgresStore) CreateRun(ctx context.Context, scenarioDate time.Time) (*model.Run, error) {
	run := &model.Run{
		ID:           uuid.New().String(),
		ScenarioDate: model.DateOnly(scenarioDate),
		Status:       model.RunStatusRunning,
		StartedAt:    time.Now().UTC(),
	}
	_, err := s.pool.Exec(ctx, rebind(queryInsertRun),
		run.ID, dateArg(run.ScenarioDate), string(run.Status), "{}", nil, run.StartedAt, nil)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert run")
	}
	return run, nil
}

// FinishRun records the final status, counts and error of run.
func (s *PostgresStore) FinishRun(ctx context.Context, run *model.Run) error {
	counts, err := json.Marshal(run.Counts)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal run counts")
	}
	if run.FinishedAt == nil {
		now := time.Now().UTC()
		run.FinishedAt = &now
	}
	tag, err := s.pool.Exec(ctx, rebind(queryFinishRun),
		string(run.Status), counts, nullString(run.Error), *run.FinishedAt, run.ID)
	if err != nil {
		return eris.Wrapf(err, "postgres: finish run %s", run.ID)
	}
	if tag.RowsAffected() == 0 {
		return notFound("run", run.ID)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	r, err := scanRun(s.pool.QueryRow(ctx, rebind(queryGetRun), id))
	if isNoRows(err) {
		return nil, notFound("run", id)
	}
	return r, eris.Wrapf(err, "postgres: get run %s", id)
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	q, args := listRunsQuery(filter)
	rows, err := s.pool.Query(ctx, rebind(q), args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}
