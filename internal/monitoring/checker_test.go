package monitoring

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/sells-group/shortage-forecast/internal/config"
	"github.com/sells-group/shortage-forecast/internal/model"
)

func TestChecker_RunStopsOnCancel(t *testing.T) {
	cfg := config.MonitoringConfig{CheckIntervalSecs: 1, LookbackWindowHours: 24}
	checker := NewChecker(NewCollector(&mockSource{}), NewAlerter(cfg), cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		checker.Run(ctx)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Checker.Run did not stop after context cancellation")
	}
}

func TestChecker_DefaultInterval(t *testing.T) {
	checker := NewChecker(NewCollector(&mockSource{}), NewAlerter(config.MonitoringConfig{}), config.MonitoringConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	checker.Run(ctx)
}

func TestChecker_SuppressesRepeats(t *testing.T) {
	var received atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := config.MonitoringConfig{
		WebhookURL:          srv.URL,
		LookbackWindowHours: 24,
		AlertOnCritical:     true,
	}
	src := &mockSource{
		runs: []model.Run{{ID: "r1", Status: model.RunStatusComplete, StartedAt: time.Now().UTC()}},
		predictions: []model.Prediction{
			{ID: "p1", Subject: "physics", Status: model.StatusActive, IsCritical: true},
		},
	}
	checker := NewChecker(NewCollector(src), NewAlerter(cfg), cfg)
	log := zap.NewNop()
	ctx := context.Background()

	assert.Equal(t, 1, checker.Check(ctx, log))
	assert.Equal(t, 0, checker.Check(ctx, log), "unchanged alert is not resent")

	src.predictions = append(src.predictions, model.Prediction{ID: "p2", Subject: "chemistry", Status: model.StatusActive, IsCritical: true})
	assert.Equal(t, 1, checker.Check(ctx, log), "changed alert is sent")

	src.predictions = nil
	assert.Equal(t, 0, checker.Check(ctx, log))

	src.predictions = []model.Prediction{{ID: "p3", Subject: "physics", Status: model.StatusActive, IsCritical: true}}
	assert.Equal(t, 1, checker.Check(ctx, log), "cleared alert fires again when it recurs")
	assert.Equal(t, int32(3), received.Load())
}
