package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/shortage-forecast/internal/model"
)

// SQL shared by both backends is written with ? placeholders; the Postgres
// store rebinds it to $n once at package init.

const predictionColumns = `id, run_id, subject, horizon, reference_date, shortage_probability,
	predicted_shortage_date, days_until_shortage, predicted_peak_utilization, severity,
	horizon_days, confidence_score, confidence_level, confidence_breakdown, priority_score,
	is_critical, status, created_at, updated_at`

const selectPrediction = `SELECT ` + predictionColumns + ` FROM predictions`

// upsertPrediction updates an existing row only when its status is in the
// given set; otherwise RETURNING yields no row.
const upsertPredictionPrefix = `INSERT INTO predictions (` + predictionColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (subject, horizon, reference_date) DO UPDATE SET
		run_id = excluded.run_id,
		shortage_probability = excluded.shortage_probability,
		predicted_shortage_date = excluded.predicted_shortage_date,
		days_until_shortage = excluded.days_until_shortage,
		predicted_peak_utilization = excluded.predicted_peak_utilization,
		severity = excluded.severity,
		horizon_days = excluded.horizon_days,
		confidence_score = excluded.confidence_score,
		confidence_level = excluded.confidence_level,
		confidence_breakdown = excluded.confidence_breakdown,
		priority_score = excluded.priority_score,
		is_critical = excluded.is_critical,
		status = excluded.status,
		updated_at = excluded.updated_at
	WHERE predictions.status IN `

const (
	queryUpsertPending = upsertPredictionPrefix + `('pending') RETURNING id, status, created_at`
	queryUpsertActive  = upsertPredictionPrefix + `('pending') RETURNING id, status, created_at`

	queryStatusByKey = `SELECT id, status FROM predictions WHERE subject = ? AND horizon = ? AND reference_date = ?`

	queryPredictionByKey = selectPrediction + ` WHERE subject = ? AND horizon = ? AND reference_date = ?`
	queryPredictionByID  = selectPrediction + ` WHERE id = ?`

	queryInsertExplanation = `INSERT INTO explanations (prediction_id, top_features, explanation_text, historical_context, created_at)
	VALUES (?, ?, ?, ?, ?) ON CONFLICT (prediction_id) DO NOTHING`

	queryGetExplanation = `SELECT prediction_id, top_features, explanation_text, historical_context, created_at
	FROM explanations WHERE prediction_id = ?`

	queryExpireOlder = `UPDATE predictions SET status = 'expired', updated_at = ?
	WHERE subject = ? AND horizon = ? AND reference_date < ? AND status IN ('pending', 'active')`

	queryUpdateStatus = `UPDATE predictions SET status = ?, updated_at = ? WHERE id = ? AND status = ?`

	queryListPending = selectPrediction + ` WHERE status = 'pending' ORDER BY created_at ASC, id ASC LIMIT ?`

	queryLatestActive = selectPrediction + ` WHERE subject = ? AND horizon = ? AND status = 'active'
	ORDER BY reference_date DESC LIMIT 1`

	queryCountHistory = `SELECT COUNT(*) FROM predictions WHERE subject = ? AND horizon = ? AND reference_date < ?`

	queryLastIncident = selectPrediction + ` WHERE subject = ? AND severity = ? AND reference_date < ?
	AND status IN ('resolved', 'expired') ORDER BY reference_date DESC, updated_at DESC LIMIT 1`

	queryInsertFeatures = `INSERT INTO feature_vectors (subject, reference_date, features, created_at)
	VALUES (?, ?, ?, ?) ON CONFLICT (subject, reference_date) DO NOTHING`

	queryGetFeatures = `SELECT subject, reference_date, features, created_at FROM feature_vectors
	WHERE subject = ? AND reference_date = ?`

	queryLatestFeatures = `SELECT subject, reference_date, features, created_at FROM feature_vectors
	WHERE subject = ? AND reference_date <= ? ORDER BY reference_date DESC LIMIT 1`

	queryListSubjects = `SELECT DISTINCT subject FROM feature_vectors WHERE reference_date <= ? ORDER BY subject`

	runColumns     = `id, scenario_date, status, counts, error, started_at, finished_at`
	queryInsertRun = `INSERT INTO runs (` + runColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?)`
	queryFinishRun = `UPDATE runs SET status = ?, counts = ?, error = ?, finished_at = ? WHERE id = ?`
	queryGetRun    = `SELECT ` + runColumns + ` FROM runs WHERE id = ?`
)

var sortClauses = map[SortOrder]string{
	SortPriorityDesc:   "priority_score DESC",
	SortPriorityAsc:    "priority_score ASC",
	SortDateDesc:       "predicted_shortage_date ASC",
	SortConfidenceDesc: "confidence_score DESC",
}

// rebind rewrites ? placeholders as $1, $2, ...
func rebind(q string) string {
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// dateArg binds a calendar date. Both backends compare YYYY-MM-DD correctly:
// SQLite as text, Postgres by casting to DATE.
func dateArg(t time.Time) string {
	return model.DateOnly(t).Format(model.DateLayout)
}

// predictionWhere builds the WHERE clause and args for a normalized filter.
func predictionWhere(f PredictionFilter) (string, []any) {
	var clauses []string
	var args []any
	add := func(clause string, vals ...any) {
		clauses = append(clauses, clause)
		args = append(args, vals...)
	}

	if f.Status != StatusAny {
		add("status = ?", string(f.Status))
	}
	if f.Subject != "" {
		add("subject = ?", f.Subject)
	}
	if f.Horizon != "" {
		add("horizon = ?", string(f.Horizon))
	}
	if f.ConfidenceMin > 0 {
		add("confidence_score >= ?", f.ConfidenceMin)
	}
	if f.Critical != nil {
		add("is_critical = ?", *f.Critical)
	}
	switch f.Urgency {
	case UrgencyCritical:
		add("is_critical = ?", true)
	case UrgencyHigh:
		add("priority_score >= 70")
	case UrgencyMedium:
		add("priority_score >= 40 AND priority_score < 70")
	case UrgencyLow:
		add("priority_score < 40")
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func listPredictionsQuery(f PredictionFilter) (string, []any) {
	where, args := predictionWhere(f)
	q := selectPrediction + where +
		" ORDER BY " + sortClauses[f.Sort] + ", created_at ASC, id ASC LIMIT ? OFFSET ?"
	return q, append(args, f.Limit, f.Offset)
}

func countPredictionsQuery(f PredictionFilter) (string, []any) {
	where, args := predictionWhere(f)
	return "SELECT COUNT(*) FROM predictions" + where, args
}

func listRunsQuery(f RunFilter) (string, []any) {
	q := `SELECT ` + runColumns + ` FROM runs WHERE 1=1`
	var args []any
	if f.Status != "" {
		q += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if !f.Since.IsZero() {
		q += ` AND started_at >= ?`
		args = append(args, f.Since.UTC())
	}
	q += ` ORDER BY started_at DESC, id DESC`

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	q += ` LIMIT ? OFFSET ?`
	return q, append(args, limit, max(f.Offset, 0))
}

// predictionArgs are the values for predictionColumns, in order.
func predictionArgs(p *model.Prediction, breakdown []byte) []any {
	return []any{
		p.ID, p.RunID, p.Subject, string(p.Horizon), dateArg(p.ReferenceDate), p.ShortageProbability,
		dateArg(p.PredictedShortageDate), p.DaysUntilShortage, p.PredictedPeakUtilization, string(p.Severity),
		p.HorizonDays, p.ConfidenceScore, string(p.ConfidenceLevel), string(breakdown), p.PriorityScore,
		p.IsCritical, string(p.Status), p.CreatedAt, p.UpdatedAt,
	}
}

// preparePrediction fills identity and timestamps before a write.
func preparePrediction(p *model.Prediction, status model.PredictionStatus) ([]byte, error) {
	now := time.Now().UTC()
	if p.ID == "" {
		p.ID = model.NewPredictionID()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	p.Status = status
	p.ReferenceDate = model.DateOnly(p.ReferenceDate)
	p.PredictedShortageDate = model.DateOnly(p.PredictedShortageDate)
	if p.HorizonDays == 0 {
		p.HorizonDays = p.Horizon.Days()
	}
	breakdown, err := json.Marshal(p.ConfidenceBreakdown)
	return breakdown, eris.Wrap(err, "store: marshal confidence breakdown")
}

type scannable interface {
	Scan(dest ...any) error
}

// dateCol scans a DATE (Postgres) or YYYY-MM-DD text (SQLite) column.
type dateCol struct {
	t *time.Time
}

func (d *dateCol) Scan(src any) error {
	switch v := src.(type) {
	case time.Time:
		*d.t = model.DateOnly(v)
	case string:
		return d.parse(v)
	case []byte:
		return d.parse(string(v))
	case nil:
		*d.t = time.Time{}
	default:
		return fmt.Errorf("store: cannot scan %T into date", src)
	}
	return nil
}

func (d *dateCol) parse(s string) error {
	if len(s) > len(model.DateLayout) {
		s = s[:len(model.DateLayout)]
	}
	t, err := model.ParseDate(s)
	if err != nil {
		return err
	}
	*d.t = t
	return nil
}

// timeCol scans a timestamp returned as time.Time or as SQLite text.
type timeCol struct {
	t *time.Time
}

var timeLayouts = []string{
	"2006-01-02 15:04:05.999999999 -0700 MST",
	"2006-01-02 15:04:05.999999999-07:00",
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
}

func (c *timeCol) Scan(src any) error {
	var s string
	switch v := src.(type) {
	case time.Time:
		*c.t = v.UTC()
		return nil
	case string:
		s = v
	case []byte:
		s = string(v)
	case nil:
		*c.t = time.Time{}
		return nil
	default:
		return fmt.Errorf("store: cannot scan %T into timestamp", src)
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			*c.t = t.UTC()
			return nil
		}
	}
	return fmt.Errorf("store: unrecognized timestamp %q", s)
}

func scanPrediction(row scannable) (*model.Prediction, error) {
	var p model.Prediction
	var horizon, severity, level, status string
	var runID sql.NullString
	var breakdown []byte

	err := row.Scan(&p.ID, &runID, &p.Subject, &horizon, &dateCol{&p.ReferenceDate}, &p.ShortageProbability,
		&dateCol{&p.PredictedShortageDate}, &p.DaysUntilShortage, &p.PredictedPeakUtilization, &severity,
		&p.HorizonDays, &p.ConfidenceScore, &level, &breakdown, &p.PriorityScore,
		&p.IsCritical, &status, &timeCol{&p.CreatedAt}, &timeCol{&p.UpdatedAt})
	if err != nil {
		return nil, err
	}

	p.RunID = runID.String
	p.Horizon = model.Horizon(horizon)
	p.Severity = model.Severity(severity)
	p.ConfidenceLevel = model.ConfidenceLevel(level)
	p.Status = model.PredictionStatus(status)
	if len(breakdown) > 0 {
		if err := json.Unmarshal(breakdown, &p.ConfidenceBreakdown); err != nil {
			return nil, eris.Wrap(err, "store: unmarshal confidence breakdown")
		}
	}
	return &p, nil
}

func scanExplanation(row scannable) (*model.Explanation, error) {
	var e model.Explanation
	var top []byte
	var history sql.NullString
	if err := row.Scan(&e.PredictionID, &top, &e.ExplanationText, &history, &timeCol{&e.CreatedAt}); err != nil {
		return nil, err
	}
	e.HistoricalContext = history.String
	if err := json.Unmarshal(top, &e.TopFeatures); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal top features")
	}
	return &e, nil
}

func scanFeatures(row scannable) (*model.FeatureVector, error) {
	var v model.FeatureVector
	var features []byte
	if err := row.Scan(&v.Subject, &dateCol{&v.ReferenceDate}, &features, &timeCol{&v.CreatedAt}); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(features, &v.Features); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal features")
	}
	return &v, nil
}

func scanRun(row scannable) (*model.Run, error) {
	var r model.Run
	var status string
	var counts []byte
	var errMsg sql.NullString
	var finished time.Time
	if err := row.Scan(&r.ID, &dateCol{&r.ScenarioDate}, &status, &counts, &errMsg,
		&timeCol{&r.StartedAt}, &timeCol{&finished}); err != nil {
		return nil, err
	}
	r.Status = model.RunStatus(status)
	r.Error = errMsg.String
	if !finished.IsZero() {
		r.FinishedAt = &finished
	}
	if len(counts) > 0 {
		if err := json.Unmarshal(counts, &r.Counts); err != nil {
			return nil, eris.Wrap(err, "store: unmarshal run counts")
		}
	}
	return &r, nil
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows) || errors.Is(err, pgx.ErrNoRows)
}

func marshalExplanation(e *model.Explanation) ([]byte, error) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	top := e.TopFeatures
	if top == nil {
		top = []model.FeatureAttribution{}
	}
	data, err := json.Marshal(top)
	return data, eris.Wrap(err, "store: marshal top features")
}

func explanationArgs(e *model.Explanation, top []byte) []any {
	return []any{e.PredictionID, string(top), e.ExplanationText, e.HistoricalContext, e.CreatedAt}
}
