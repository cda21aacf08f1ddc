package api

import (
	"context"
	"errors"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/shortage-forecast/internal/cache"
	"github.com/sells-group/shortage-forecast/internal/model"
	"github.com/sells-group/shortage-forecast/internal/store"
)

// PredictionSummary is the list representation of a prediction.
type PredictionSummary struct {
	ID                    string                 `json:"id"`
	Subject               string                 `json:"subject"`
	Horizon               model.Horizon          `json:"horizon"`
	ReferenceDate         string                 `json:"reference_date"`
	ShortageProbability   float64                `json:"shortage_probability"`
	PredictedShortageDate string                 `json:"predicted_shortage_date"`
	DaysUntilShortage     int                    `json:"days_until_shortage"`
	Severity              model.Severity         `json:"severity"`
	ConfidenceScore       float64                `json:"confidence_score"`
	ConfidenceLevel       model.ConfidenceLevel  `json:"confidence_level"`
	PriorityScore         float64                `json:"priority_score"`
	IsCritical            bool                   `json:"is_critical"`
	Status                model.PredictionStatus `json:"status"`
	CreatedAt             string                 `json:"created_at"`
}

// PredictionDetail is a full prediction with its explanation, which is null
// while the prediction is pending.
type PredictionDetail struct {
	PredictionSummary
	RunID                    string             `json:"run_id,omitempty"`
	HorizonDays              int                `json:"horizon_days"`
	PredictedPeakUtilization float64            `json:"predicted_peak_utilization"`
	ConfidenceBreakdown      map[string]float64 `json:"confidence_breakdown"`
	UpdatedAt                string             `json:"updated_at"`
	Explanation              *model.Explanation `json:"explanation"`
}

// Meta describes the page returned by a list request.
type Meta struct {
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
	Page   int `json:"page"`
	Pages  int `json:"pages"`
}

// PredictionList is the list response envelope.
type PredictionList struct {
	Data []PredictionSummary `json:"data"`
	Meta Meta                `json:"meta"`
}

func summarize(p model.Prediction) PredictionSummary {
	return PredictionSummary{
		ID:                    p.ID,
		Subject:               p.Subject,
		Horizon:               p.Horizon,
		ReferenceDate:         p.ReferenceDate.Format(model.DateLayout),
		ShortageProbability:   p.ShortageProbability,
		PredictedShortageDate: p.PredictedShortageDate.Format(model.DateLayout),
		DaysUntilShortage:     p.DaysUntilShortage,
		Severity:              p.Severity,
		ConfidenceScore:       p.ConfidenceScore,
		ConfidenceLevel:       p.ConfidenceLevel,
		PriorityScore:         p.PriorityScore,
		IsCritical:            p.IsCritical,
		Status:                p.Status,
		CreatedAt:             p.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func detail(p model.Prediction, e *model.Explanation) PredictionDetail {
	return PredictionDetail{
		PredictionSummary:        summarize(p),
		RunID:                    p.RunID,
		HorizonDays:              p.HorizonDays,
		PredictedPeakUtilization: p.PredictedPeakUtilization,
		ConfidenceBreakdown:      p.ConfidenceBreakdown,
		UpdatedAt:                p.UpdatedAt.UTC().Format(time.RFC3339),
		Explanation:              e,
	}
}

// parseFilter reads list parameters from q. Unknown enum values and malformed
// numbers are errors; a limit above the maximum is clamped.
func parseFilter(q url.Values) (store.PredictionFilter, error) {
	f := store.PredictionFilter{
		Subject: strings.TrimSpace(q.Get("subject")),
		Urgency: store.Urgency(strings.ToLower(q.Get("urgency"))),
		Horizon: model.Horizon(strings.ToLower(q.Get("horizon"))),
		Status:  model.PredictionStatus(strings.ToLower(q.Get("status"))),
		Sort:    store.SortOrder(strings.ToLower(q.Get("sort"))),
	}

	if v := q.Get("confidence_min"); v != "" {
		n, err := strconv.ParseFloat(v, 64)
		if err != nil || math.IsNaN(n) {
			return f, eris.Errorf("confidence_min must be a number, got %q", v)
		}
		f.ConfidenceMin = n
	}
	if v := q.Get("critical"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return f, eris.Errorf("critical must be true or false, got %q", v)
		}
		f.Critical = &b
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return f, eris.Errorf("limit must be a positive integer, got %q", v)
		}
		f.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, eris.Errorf("offset must be a non-negative integer, got %q", v)
		}
		f.Offset = n
	}

	nf, err := f.Normalize()
	if err != nil {
		return f, eris.New(strings.TrimPrefix(err.Error(), "store: "))
	}
	return nf, nil
}

func pageMeta(total int, f store.PredictionFilter) Meta {
	pages := 0
	if total > 0 {
		pages = (total + f.Limit - 1) / f.Limit
	}
	return Meta{
		Total:  total,
		Limit:  f.Limit,
		Offset: f.Offset,
		Page:   f.Offset/f.Limit + 1,
		Pages:  pages,
	}
}

func (s *Server) listPredictions(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	key := "predictions:" + r.URL.Query().Encode()
	resp, err := cache.GetOrLoad(r.Context(), s.cache, key, func(ctx context.Context) (PredictionList, error) {
		preds, err := s.store.ListPredictions(ctx, f)
		if err != nil {
			return PredictionList{}, err
		}
		total, err := s.store.CountPredictions(ctx, f)
		if err != nil {
			return PredictionList{}, err
		}
		out := PredictionList{Data: make([]PredictionSummary, 0, len(preds)), Meta: pageMeta(total, f)}
		for _, p := range preds {
			out.Data = append(out.Data, summarize(p))
		}
		return out, nil
	})
	if err != nil {
		internalError(w, r, "list predictions", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) getPrediction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	resp, err := cache.GetOrLoad(r.Context(), s.cache, "prediction:"+id, func(ctx context.Context) (PredictionDetail, error) {
		p, err := s.store.GetPrediction(ctx, id)
		if err != nil {
			return PredictionDetail{}, err
		}
		var e *model.Explanation
		if p.Status != model.StatusPending {
			e, err = s.store.GetExplanation(ctx, id)
			if err != nil && !errors.Is(err, model.ErrNotFound) {
				return PredictionDetail{}, err
			}
		}
		return detail(*p, e), nil
	})
	if errors.Is(err, model.ErrNotFound) {
		writeError(w, http.StatusNotFound, "prediction "+id+" not found")
		return
	}
	if err != nil {
		internalError(w, r, "get prediction", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// getExplanation serves the explanation of a published prediction. Pending
// predictions have none yet and answer 404 like a missing one.
func (s *Server) getExplanation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	resp, err := cache.GetOrLoad(r.Context(), s.cache, "explanation:"+id, func(ctx context.Context) (model.Explanation, error) {
		p, err := s.store.GetPrediction(ctx, id)
		if err != nil {
			return model.Explanation{}, err
		}
		if p.Status == model.StatusPending {
			return model.Explanation{}, eris.Wrapf(model.ErrNotFound, "prediction %s is pending", id)
		}
		e, err := s.store.GetExplanation(ctx, id)
		if err != nil {
			return model.Explanation{}, err
		}
		return *e, nil
	})
	if errors.Is(err, model.ErrNotFound) {
		writeError(w, http.StatusNotFound, "explanation for "+id+" not found")
		return
	}
	if err != nil {
		internalError(w, r, "get explanation", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
