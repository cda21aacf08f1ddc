package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// DefaultSchedule runs the batch hourly at half past.
const DefaultSchedule = "0 30 * * * *"

// BatchRunner is what the scheduler triggers. *Runner satisfies it.
type BatchRunner interface {
	Run(ctx context.Context, scenarioDate time.Time, opts Options) (*RunResult, error)
}

// Scheduler triggers runs on a cron schedule, one at a time. A tick that
// fires while a run is in flight is skipped.
type Scheduler struct {
	runner   BatchRunner
	spec     string
	cron     *cron.Cron
	running  atomic.Bool
	wg       sync.WaitGroup
	stopOnce sync.Once // cron.Stop blocks when called twice
	now      func() time.Time
}

// NewScheduler validates spec (seconds-first, six fields, or a descriptor such
// as "@hourly").
func NewScheduler(runner BatchRunner, spec string) (*Scheduler, error) {
	if spec == "" {
		spec = DefaultSchedule
	}
	if _, err := cron.Parse(spec); err != nil {
		return nil, eris.Wrapf(err, "pipeline: parse schedule %q", spec)
	}
	return &Scheduler{
		runner: runner,
		spec:   spec,
		cron:   cron.NewWithLocation(time.UTC),
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Start begins firing runs until ctx is done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.cron.AddFunc(s.spec, func() { s.Trigger(ctx) }); err != nil {
		return eris.Wrap(err, "pipeline: add schedule")
	}
	s.cron.Start()
	zap.L().Info("pipeline: scheduler started", zap.String("schedule", s.spec))

	go func() {
		<-ctx.Done()
		s.stopCron()
	}()
	return nil
}

// Stop halts the schedule and waits for an in-flight run to return. It is
// safe to call after ctx is done and more than once.
func (s *Scheduler) Stop() {
	s.stopCron()
	s.wg.Wait()
}

func (s *Scheduler) stopCron() {
	s.stopOnce.Do(s.cron.Stop)
}

// Trigger runs the batch for today's date unless a run is already in flight.
// It reports whether a run was started.
func (s *Scheduler) Trigger(ctx context.Context) bool {
	if !s.running.CompareAndSwap(false, true) {
		zap.L().Warn("pipeline: previous run still in progress, skipping tick")
		return false
	}
	s.wg.Add(1)
	defer func() {
		s.running.Store(false)
		s.wg.Done()
	}()

	if ctx.Err() != nil {
		return false
	}
	result, err := s.runner.Run(ctx, s.now(), Options{})
	if err != nil {
		zap.L().Error("pipeline: scheduled run failed", zap.Error(err))
		return true
	}
	zap.L().Info("pipeline: scheduled run finished",
		zap.String("run_id", result.RunID),
		zap.Int("created", result.Created),
		zap.Bool("timed_out", result.TimedOut),
	)
	return true
}
