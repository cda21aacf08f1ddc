package pipeline

import (
	"context"
	"errors"
	"math"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/shortage-forecast/internal/model"
	"github.com/sells-group/shortage-forecast/internal/scorer"
)

type outcomeKind int

const (
	outcomeSkipped outcomeKind = iota
	outcomeFailed
	outcomePublish
	outcomePending
)

// outcome is the computed result for one (subject, horizon), written only
// once every horizon of the subject has been computed.
type outcome struct {
	kind        outcomeKind
	prediction  *model.Prediction
	explanation *model.Explanation
}

// processSubject computes every horizon for subject and then writes the
// results. Nothing is written when ctx ends before computation finishes.
// Only store errors are returned.
func (r *Runner) processSubject(ctx context.Context, rc *RunContext, st stages, subject string) error {
	log := rc.Log.With(zap.String("subject", subject))
	horizons := model.Horizons()

	vec, err := r.store.LatestFeatures(ctx, subject, rc.ScenarioDate)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, model.ErrNotFound) {
			rc.skipped.Add(int64(len(horizons)))
			return nil
		}
		return eris.Wrapf(err, "pipeline: features for %s", subject)
	}

	outcomes := make([]outcome, 0, len(horizons))
	for _, h := range horizons {
		o, err := r.forecast(ctx, rc, st, *vec, h)
		if err != nil {
			if ctx.Err() != nil {
				log.Debug("pipeline: subject interrupted", zap.Error(ctx.Err()))
				rc.skipped.Add(int64(len(horizons)))
				return nil
			}
			return err
		}
		outcomes = append(outcomes, o)
	}

	// The subject is fully computed; its writes complete even if the run
	// deadline fires now.
	wctx := context.WithoutCancel(ctx)
	for _, o := range outcomes {
		if err := r.write(wctx, rc, log, o); err != nil {
			return err
		}
	}
	return nil
}

// forecast runs predict, score and explain for one horizon. Errors it returns
// are store errors or context cancellation; every other problem becomes a
// skipped or failed outcome.
func (r *Runner) forecast(ctx context.Context, rc *RunContext, st stages, vec model.FeatureVector, h model.Horizon) (outcome, error) {
	log := rc.Log.With(zap.String("subject", vec.Subject), zap.String("horizon", string(h)))
	key := model.NaturalKey{Subject: vec.Subject, Horizon: h, ReferenceDate: model.DateOnly(vec.ReferenceDate)}

	existing, err := r.store.FindPrediction(ctx, key)
	switch {
	case err == nil:
		// A published key keeps its explanation; only pending keys are
		// recomputed under force.
		if !rc.Force || existing.Status != model.StatusPending {
			log.Debug("pipeline: prediction exists", zap.String("status", string(existing.Status)))
			return outcome{kind: outcomeSkipped}, nil
		}
	case !errors.Is(err, model.ErrNotFound):
		return outcome{}, eris.Wrap(err, "pipeline: find prediction")
	}

	fc, err := st.predictor.Predict(ctx, vec, h)
	if err != nil {
		if ctx.Err() != nil {
			return outcome{}, ctx.Err()
		}
		var ide *model.InsufficientDataError
		if errors.As(err, &ide) {
			log.Debug("pipeline: insufficient data", zap.Error(err))
			return outcome{kind: outcomeSkipped}, nil
		}
		log.Warn("pipeline: predict failed", zap.Error(err))
		return outcome{kind: outcomeFailed}, nil
	}

	if !rc.Force && r.cfg.MinProbabilityChange > 0 {
		latest, err := r.store.LatestActive(ctx, vec.Subject, h)
		switch {
		case err == nil:
			if latest.ReferenceDate.Before(key.ReferenceDate) &&
				math.Abs(fc.Probability-latest.ShortageProbability) <= r.cfg.MinProbabilityChange {
				log.Debug("pipeline: probability change below threshold",
					zap.Float64("probability", fc.Probability),
					zap.Float64("previous", latest.ShortageProbability),
				)
				return outcome{kind: outcomeSkipped}, nil
			}
		case !errors.Is(err, model.ErrNotFound):
			return outcome{}, eris.Wrap(err, "pipeline: latest active")
		}
	}

	past, err := r.store.CountHistory(ctx, vec.Subject, h, key.ReferenceDate)
	if err != nil {
		return outcome{}, eris.Wrap(err, "pipeline: count history")
	}

	conf, err := r.scorer.Confidence(scorer.ConfidenceInput{
		Probability:     fc.Probability,
		Completeness:    fc.Completeness,
		Vector:          vec,
		ScenarioDate:    rc.ScenarioDate,
		PastPredictions: past,
	})
	if err != nil {
		log.Warn("pipeline: confidence failed", zap.Error(err))
		return outcome{kind: outcomeFailed}, nil
	}

	p := &model.Prediction{
		ID:                       model.NewPredictionID(),
		RunID:                    rc.ID,
		Subject:                  fc.Subject,
		ReferenceDate:            fc.ReferenceDate,
		ShortageProbability:      fc.Probability,
		PredictedShortageDate:    fc.ShortageDate,
		DaysUntilShortage:        fc.DaysUntil,
		PredictedPeakUtilization: fc.PeakUtilization,
		Severity:                 fc.Severity,
		Horizon:                  h,
		HorizonDays:              h.Days(),
		ConfidenceScore:          conf.Score,
		ConfidenceLevel:          conf.Level,
		ConfidenceBreakdown:      conf.Breakdown,
	}
	r.scorer.Finalize(p)

	e, err := st.explainer.Explain(ctx, p, vec)
	if err != nil {
		if ctx.Err() != nil {
			return outcome{}, ctx.Err()
		}
		var eue *model.ExplanationUnavailableError
		if errors.As(err, &eue) {
			log.Info("pipeline: explanation unavailable, deferring", zap.Error(err))
			return outcome{kind: outcomePending, prediction: p}, nil
		}
		log.Warn("pipeline: explain failed", zap.Error(err))
		return outcome{kind: outcomeFailed}, nil
	}
	return outcome{kind: outcomePublish, prediction: p, explanation: e}, nil
}

// write persists one outcome and counts it.
func (r *Runner) write(ctx context.Context, rc *RunContext, log *zap.Logger, o outcome) error {
	switch o.kind {
	case outcomeSkipped:
		rc.skipped.Add(1)
	case outcomeFailed:
		rc.failed.Add(1)
	case outcomePending:
		p := o.prediction
		if err := r.store.PutPrediction(ctx, p); err != nil {
			return eris.Wrapf(err, "pipeline: store pending %s/%s", p.Subject, p.Horizon)
		}
		if p.Status != model.StatusPending {
			// An existing published prediction was kept.
			rc.skipped.Add(1)
			return nil
		}
		rc.deferred.Add(1)
	case outcomePublish:
		p := o.prediction
		if err := r.store.PublishPrediction(ctx, p, o.explanation); err != nil {
			var dup *model.DuplicateExplanationError
			if errors.Is(err, model.ErrInvalidTransition) || errors.As(err, &dup) {
				log.Debug("pipeline: prediction published or closed meanwhile", zap.String("horizon", string(p.Horizon)))
				rc.skipped.Add(1)
				return nil
			}
			return eris.Wrapf(err, "pipeline: publish %s/%s", p.Subject, p.Horizon)
		}
		rc.created.Add(1)
		if p.IsCritical {
			log.Warn("pipeline: critical shortage predicted",
				zap.String("prediction_id", p.ID),
				zap.String("horizon", string(p.Horizon)),
				zap.Int("days_until_shortage", p.DaysUntilShortage),
				zap.Float64("confidence", p.ConfidenceScore),
				zap.String("severity", string(p.Severity)),
			)
		}
	}
	return nil
}
