// Package store persists feature vectors, predictions, explanations and runs.
// SQLiteStore serves local use; PostgresStore serves deployments.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/shortage-forecast/internal/model"
)

// Urgency buckets predictions for filtering.
type Urgency string

const (
	UrgencyCritical Urgency = "critical"
	UrgencyHigh     Urgency = "high"
	UrgencyMedium   Urgency = "medium"
	UrgencyLow      Urgency = "low"
)

// SortOrder orders listed predictions. Every order falls back to created_at
// ascending and then id.
type SortOrder string

const (
	SortPriorityDesc   SortOrder = "priority_desc"
	SortPriorityAsc    SortOrder = "priority_asc"
	SortDateDesc       SortOrder = "date_desc" // soonest shortage first
	SortConfidenceDesc SortOrder = "confidence_desc"
)

// StatusAny disables the status filter.
const StatusAny model.PredictionStatus = "any"

// Paging limits.
const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// PredictionFilter narrows ListPredictions and CountPredictions.
// An empty Status means active.
type PredictionFilter struct {
	Subject       string
	Urgency       Urgency
	Horizon       model.Horizon
	ConfidenceMin float64
	Status        model.PredictionStatus
	Critical      *bool
	Sort          SortOrder
	Limit         int
	Offset        int
}

// Normalize applies defaults and rejects unknown values.
func (f PredictionFilter) Normalize() (PredictionFilter, error) {
	if f.Status == "" {
		f.Status = model.StatusActive
	}
	if f.Status != StatusAny && !f.Status.Valid() {
		return f, eris.Errorf("store: unknown status %q", f.Status)
	}
	switch f.Urgency {
	case "", UrgencyCritical, UrgencyHigh, UrgencyMedium, UrgencyLow:
	default:
		return f, eris.Errorf("store: unknown urgency %q", f.Urgency)
	}
	if f.Horizon != "" && !f.Horizon.Valid() {
		return f, eris.Errorf("store: unknown horizon %q", f.Horizon)
	}
	if f.ConfidenceMin < 0 || f.ConfidenceMin > 100 {
		return f, eris.Errorf("store: confidence_min %v outside [0,100]", f.ConfidenceMin)
	}
	if f.Sort == "" {
		f.Sort = SortPriorityDesc
	}
	if _, ok := sortClauses[f.Sort]; !ok {
		return f, eris.Errorf("store: unknown sort %q", f.Sort)
	}
	if f.Limit <= 0 {
		f.Limit = DefaultLimit
	}
	if f.Limit > MaxLimit {
		f.Limit = MaxLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f, nil
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status model.RunStatus
	Since  time.Time
	Limit  int
	Offset int
}

// Store defines the persistence interface for the forecast pipeline.
type Store interface {
	// Features
	PutFeatures(ctx context.Context, v model.FeatureVector) error
	ImportFeatures(ctx context.Context, vs []model.FeatureVector) (int, error)
	GetFeatures(ctx context.Context, subject string, date time.Time) (*model.FeatureVector, error)
	LatestFeatures(ctx context.Context, subject string, onOrBefore time.Time) (*model.FeatureVector, error)
	ListSubjects(ctx context.Context, onOrBefore time.Time) ([]string, error)

	// Predictions
	PutPrediction(ctx context.Context, p *model.Prediction) error
	PutExplanation(ctx context.Context, e *model.Explanation) error
	PublishPrediction(ctx context.Context, p *model.Prediction, e *model.Explanation) error
	GetPrediction(ctx context.Context, id string) (*model.Prediction, error)
	GetExplanation(ctx context.Context, predictionID string) (*model.Explanation, error)
	FindPrediction(ctx context.Context, key model.NaturalKey) (*model.Prediction, error)
	ListPredictions(ctx context.Context, f PredictionFilter) ([]model.Prediction, error)
	CountPredictions(ctx context.Context, f PredictionFilter) (int, error)
	ListPending(ctx context.Context, limit int) ([]model.Prediction, error)
	LatestActive(ctx context.Context, subject string, h model.Horizon) (*model.Prediction, error)
	CountHistory(ctx context.Context, subject string, h model.Horizon, before time.Time) (int, error)
	LastIncident(ctx context.Context, subject string, sev model.Severity, before time.Time) (*model.Prediction, error)
	UpdatePredictionStatus(ctx context.Context, id string, status model.PredictionStatus) error

	// Runs
	CreateRun(ctx context.Context, scenarioDate time.Time) (*model.Run, error)
	FinishRun(ctx context.Context, run *model.Run) error
	GetRun(ctx context.Context, id string) (*model.Run, error)
	ListRuns(ctx context.Context, f RunFilter) ([]model.Run, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

func notFound(entity, id string) error {
	return eris.Wrapf(model.ErrNotFound, "%s %s", entity, id)
}

// publishConflict explains why a publish matched no open row: an active
// prediction already carries its explanation, anything else is closed.
func publishConflict(op string, p *model.Prediction, id, status string) error {
	if model.PredictionStatus(status) == model.StatusActive {
		return &model.DuplicateExplanationError{PredictionID: id}
	}
	return eris.Wrapf(model.ErrInvalidTransition, "%s: publish %s/%s: prediction is %s", op, p.Subject, p.Horizon, status)
}

// checkTransition validates a status change against the lifecycle.
func checkTransition(from, to model.PredictionStatus) error {
	if !to.Valid() || !from.CanTransition(to) {
		return eris.Wrapf(model.ErrInvalidTransition, "%s -> %s", from, to)
	}
	return nil
}
