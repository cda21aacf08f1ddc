// Package api serves stored predictions over a read-only HTTP JSON API.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/shortage-forecast/internal/cache"
	"github.com/sells-group/shortage-forecast/internal/model"
	"github.com/sells-group/shortage-forecast/internal/store"
)

// Reader is the part of store.Store the API reads from.
type Reader interface {
	ListPredictions(ctx context.Context, f store.PredictionFilter) ([]model.Prediction, error)
	CountPredictions(ctx context.Context, f store.PredictionFilter) (int, error)
	GetPrediction(ctx context.Context, id string) (*model.Prediction, error)
	GetExplanation(ctx context.Context, predictionID string) (*model.Explanation, error)
	ListRuns(ctx context.Context, f store.RunFilter) ([]model.Run, error)
	Ping(ctx context.Context) error
}

// Server holds the API dependencies.
type Server struct {
	store Reader
	cache cache.Cache
}

// New returns a Server reading from st through c. A nil cache disables caching.
func New(st Reader, c cache.Cache) *Server {
	if c == nil {
		c = cache.Noop{}
	}
	return &Server{store: st, cache: c}
}

// Handler builds the router. An empty origin list allows any origin.
func (s *Server) Handler(corsOrigins []string) http.Handler {
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: corsOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.health)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/predictions", s.listPredictions)
		r.Get("/predictions/{id}", s.getPrediction)
		r.Get("/predictions/{id}/explanation", s.getExplanation)
		r.Get("/runs/latest", s.latestRun)
	})
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

// requestLogger logs one line per request with the global zap logger.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Info("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("api: encode response", zap.Error(err))
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func internalError(w http.ResponseWriter, r *http.Request, op string, err error) {
	zap.L().Error("api: "+op,
		zap.String("request_id", middleware.GetReqID(r.Context())),
		zap.Error(err),
	)
	writeError(w, http.StatusInternalServerError, "internal error")
}
