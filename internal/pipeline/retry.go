package pipeline

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/shortage-forecast/internal/model"
)

// retryPending gives pending predictions referenced on or before the scenario
// date another explanation attempt. Explained ones are published as active.
func (r *Runner) retryPending(ctx context.Context, rc *RunContext, st stages) error {
	pending, err := r.store.ListPending(ctx, 0)
	if err != nil {
		return eris.Wrap(err, "pipeline: list pending")
	}

	due := pending[:0]
	for _, p := range pending {
		if !p.ReferenceDate.After(rc.ScenarioDate) {
			due = append(due, p)
		}
	}
	if len(due) == 0 {
		return nil
	}
	rc.Log.Info("pipeline: retrying pending explanations", zap.Int("pending", len(due)))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)
	for i := range due {
		p := &due[i]
		g.Go(func() error {
			return r.retryOne(gctx, rc, st, p)
		})
	}
	return g.Wait()
}

func (r *Runner) retryOne(ctx context.Context, rc *RunContext, st stages, p *model.Prediction) error {
	log := rc.Log.With(
		zap.String("prediction_id", p.ID),
		zap.String("subject", p.Subject),
		zap.String("horizon", string(p.Horizon)),
	)

	vec, err := r.store.GetFeatures(ctx, p.Subject, p.ReferenceDate)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, model.ErrNotFound) {
			log.Warn("pipeline: features missing for pending prediction")
			return nil
		}
		return eris.Wrapf(err, "pipeline: features for pending %s", p.ID)
	}

	e, err := st.explainer.Explain(ctx, p, *vec)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		log.Info("pipeline: explanation still unavailable", zap.Error(err))
		return nil
	}

	if err := r.store.PublishPrediction(context.WithoutCancel(ctx), p, e); err != nil {
		var dup *model.DuplicateExplanationError
		if errors.Is(err, model.ErrInvalidTransition) || errors.As(err, &dup) {
			return nil
		}
		return eris.Wrapf(err, "pipeline: publish pending %s", p.ID)
	}
	rc.explained.Add(1)
	log.Info("pipeline: pending prediction explained")
	return nil
}
