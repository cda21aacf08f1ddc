// Package monitoring watches batch run health and open predictions and
// posts alerts to a webhook.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/shortage-forecast/internal/model"
	"github.com/sells-group/shortage-forecast/internal/store"
)

// MetricsSnapshot holds a point-in-time view of pipeline health.
type MetricsSnapshot struct {
	// Batch runs started within the lookback window.
	RunsTotal    int     `json:"runs_total"`
	RunsComplete int     `json:"runs_complete"`
	RunsFailed   int     `json:"runs_failed"`
	RunsRunning  int     `json:"runs_running"`
	RunFailRate  float64 `json:"run_fail_rate"`

	// Per-(subject, horizon) outcomes summed over those runs.
	PredictionsCreated int `json:"predictions_created"`
	SubjectFailures    int `json:"subject_failures"`

	// Open predictions, independent of the window.
	PendingDepth     int      `json:"pending_depth"`
	CriticalActive   int      `json:"critical_active"`
	CriticalSubjects []string `json:"critical_subjects,omitempty"`

	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	LookbackHours int        `json:"lookback_hours"`
	CollectedAt   time.Time  `json:"collected_at"`
}

// Source is the store surface the collector reads.
type Source interface {
	ListRuns(ctx context.Context, f store.RunFilter) ([]model.Run, error)
	ListPredictions(ctx context.Context, f store.PredictionFilter) ([]model.Prediction, error)
	CountPredictions(ctx context.Context, f store.PredictionFilter) (int, error)
}

// Collector gathers metrics from the store.
type Collector struct {
	store Source
	now   func() time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector(st Source) *Collector {
	return &Collector{store: st, now: func() time.Time { return time.Now().UTC() }}
}

// maxCriticalSubjects bounds the subjects listed on a snapshot.
const maxCriticalSubjects = 10

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	runs, err := c.store.ListRuns(ctx, store.RunFilter{Since: cutoff, Limit: 10000})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}

	snap.RunsTotal = len(runs)
	for i, r := range runs {
		switch r.Status {
		case model.RunStatusComplete:
			snap.RunsComplete++
		case model.RunStatusFailed:
			snap.RunsFailed++
		case model.RunStatusRunning:
			snap.RunsRunning++
		}
		snap.PredictionsCreated += r.Counts.Created
		snap.SubjectFailures += r.Counts.Failed
		if snap.LastRunAt == nil || r.StartedAt.After(*snap.LastRunAt) {
			snap.LastRunAt = &runs[i].StartedAt
		}
	}
	if finished := snap.RunsComplete + snap.RunsFailed; finished > 0 {
		snap.RunFailRate = float64(snap.RunsFailed) / float64(finished)
	}

	snap.PendingDepth, err = c.store.CountPredictions(ctx, store.PredictionFilter{Status: model.StatusPending})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count pending")
	}

	critical := true
	filter := store.PredictionFilter{Critical: &critical, Limit: maxCriticalSubjects}
	snap.CriticalActive, err = c.store.CountPredictions(ctx, filter)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count critical")
	}
	if snap.CriticalActive > 0 {
		preds, err := c.store.ListPredictions(ctx, filter)
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: list critical")
		}
		seen := make(map[string]bool, len(preds))
		for _, p := range preds {
			if !seen[p.Subject] {
				seen[p.Subject] = true
				snap.CriticalSubjects = append(snap.CriticalSubjects, p.Subject)
			}
		}
	}

	return snap, nil
}
