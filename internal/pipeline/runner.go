// Package pipeline runs the batch that turns stored feature vectors into
// scored, explained shortage predictions.
package pipeline

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/shortage-forecast/internal/cache"
	"github.com/sells-group/shortage-forecast/internal/config"
	"github.com/sells-group/shortage-forecast/internal/explain"
	"github.com/sells-group/shortage-forecast/internal/mlmodel"
	"github.com/sells-group/shortage-forecast/internal/model"
	"github.com/sells-group/shortage-forecast/internal/predictor"
	"github.com/sells-group/shortage-forecast/internal/scorer"
	"github.com/sells-group/shortage-forecast/internal/store"
)

// Options tune a single run.
type Options struct {
	// Force recomputes pending natural keys and ignores the minimum
	// probability change. Active and closed keys are never rewritten.
	Force bool
}

// RunResult summarizes a finished run.
type RunResult struct {
	RunID        string
	ScenarioDate time.Time
	model.RunCounts
	TimedOut bool
	Duration time.Duration
}

// RunContext carries the state of one run through every stage.
type RunContext struct {
	ID           string
	ScenarioDate time.Time
	Force        bool
	Log          *zap.Logger

	created   atomic.Int64
	skipped   atomic.Int64
	failed    atomic.Int64
	deferred  atomic.Int64
	explained atomic.Int64
}

// Counts snapshots the run's counters.
func (rc *RunContext) Counts() model.RunCounts {
	return model.RunCounts{
		Created:   int(rc.created.Load()),
		Skipped:   int(rc.skipped.Load()),
		Failed:    int(rc.failed.Load()),
		Deferred:  int(rc.deferred.Load()),
		Explained: int(rc.explained.Load()),
	}
}

// Runner executes batch runs. It is safe to call Run concurrently, though the
// scheduler never does.
type Runner struct {
	store     store.Store
	loader    mlmodel.Loader
	scorer    *scorer.Scorer
	cache     cache.Cache
	cfg       config.BatchConfig
	timeout   time.Duration
	newRunCtx func(run *model.Run, opts Options) *RunContext
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithCache sets the cache whose generation is bumped after each successful run.
func WithCache(c cache.Cache) RunnerOption {
	return func(r *Runner) {
		if c != nil {
			r.cache = c
		}
	}
}

// NewRunner returns a Runner over st, loading the model from loader once per run.
func NewRunner(st store.Store, loader mlmodel.Loader, sc *scorer.Scorer, cfg config.BatchConfig, opts ...RunnerOption) *Runner {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	timeout := time.Duration(cfg.RunTimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	r := &Runner{
		store:   st,
		loader:  loader,
		scorer:  sc,
		cache:   cache.Noop{},
		cfg:     cfg,
		timeout: timeout,
	}
	r.newRunCtx = func(run *model.Run, opts Options) *RunContext {
		return &RunContext{
			ID:           run.ID,
			ScenarioDate: run.ScenarioDate,
			Force:        opts.Force,
			Log: zap.L().With(
				zap.String("run_id", run.ID),
				zap.String("scenario_date", run.ScenarioDate.Format(model.DateLayout)),
			),
		}
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// stages holds the per-run components built from the loaded model.
type stages struct {
	predictor *predictor.Predictor
	explainer *explain.Explainer
}

// Run predicts every subject with features on or before scenarioDate across
// all horizons. Per-subject problems are counted, not returned; a model load
// failure or a store error fails the run.
func (r *Runner) Run(ctx context.Context, scenarioDate time.Time, opts Options) (*RunResult, error) {
	scenario := model.DateOnly(scenarioDate)
	start := time.Now()

	run, err := r.store.CreateRun(ctx, scenario)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: create run")
	}
	rc := r.newRunCtx(run, opts)
	rc.Log.Info("pipeline: starting run", zap.Bool("force", opts.Force))

	m, err := r.loader.Load(ctx)
	if err != nil {
		var mle *model.ModelLoadError
		if !errors.As(err, &mle) {
			err = &model.ModelLoadError{Source: "loader", Err: err}
		}
		rc.Log.Error("pipeline: model load failed", zap.Error(err))
		r.finish(ctx, rc, run, err, false)
		return nil, err
	}

	tables := r.scorer.Tables()
	st := stages{
		predictor: predictor.New(m, tables),
		explainer: explain.New(m, tables.Confidence.Weights, r.store),
	}

	// Subjects are fixed before any work so a timeout during the retry pass
	// still counts every unfinished subject.
	subjects, err := r.store.ListSubjects(ctx, scenario)
	if err != nil {
		err = eris.Wrap(err, "pipeline: list subjects")
		r.finish(ctx, rc, run, err, false)
		return nil, err
	}

	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	err = r.retryPending(runCtx, rc, st)
	if err == nil || runCtx.Err() != nil {
		if perr := r.processSubjects(runCtx, rc, st, subjects); err == nil {
			err = perr
		}
	}

	timedOut := errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	if timedOut && errors.Is(err, context.DeadlineExceeded) {
		err = nil
	}
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if timedOut {
		rc.Log.Warn("pipeline: run timeout reached", zap.Duration("timeout", r.timeout))
	}

	r.finish(ctx, rc, run, err, timedOut)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: run")
	}

	if bumpErr := r.cache.Bump(context.WithoutCancel(ctx)); bumpErr != nil {
		rc.Log.Warn("pipeline: cache invalidation failed", zap.Error(bumpErr))
	}

	counts := rc.Counts()
	result := &RunResult{
		RunID:        run.ID,
		ScenarioDate: scenario,
		RunCounts:    counts,
		TimedOut:     timedOut,
		Duration:     time.Since(start),
	}
	rc.Log.Info("pipeline: run complete",
		zap.Int("created", counts.Created),
		zap.Int("skipped", counts.Skipped),
		zap.Int("failed", counts.Failed),
		zap.Int("deferred", counts.Deferred),
		zap.Int("explained", counts.Explained),
		zap.Duration("duration", result.Duration),
	)
	return result, nil
}

// finish records the run outcome. It runs detached from ctx so a cancelled
// run is still marked.
func (r *Runner) finish(ctx context.Context, rc *RunContext, run *model.Run, runErr error, timedOut bool) {
	run.Counts = rc.Counts()
	switch {
	case runErr != nil:
		run.Status = model.RunStatusFailed
		run.Error = runErr.Error()
	case timedOut:
		run.Status = model.RunStatusComplete
		run.Error = "run timeout reached; unfinished subjects skipped"
	default:
		run.Status = model.RunStatusComplete
	}
	if err := r.store.FinishRun(context.WithoutCancel(ctx), run); err != nil {
		rc.Log.Error("pipeline: failed to record run outcome", zap.Error(err))
	}
}

// processSubjects fans subjects out across the configured concurrency. The
// first store error cancels the remaining subjects.
// Once ctx is done, every subject not yet started counts as skipped.
func (r *Runner) processSubjects(ctx context.Context, rc *RunContext, st stages, subjects []string) error {
	rc.Log.Info("pipeline: processing subjects",
		zap.Int("subjects", len(subjects)),
		zap.Int("concurrency", r.cfg.Concurrency),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)

	for _, subject := range subjects {
		g.Go(func() error {
			if gctx.Err() != nil {
				rc.skipped.Add(int64(len(model.Horizons())))
				return nil
			}
			return r.processSubject(gctx, rc, st, subject)
		})
	}
	return g.Wait()
}
