package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/shortage-forecast/internal/config"
)

// Checker runs periodic alert checks in the background. An alert whose
// message is unchanged since the previous check is not sent again.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	cfg       config.MonitoringConfig
	last      map[AlertType]string
}

// NewChecker creates a background alert checker.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		collector: collector,
		alerter:   alerter,
		cfg:       cfg,
		last:      make(map[AlertType]string),
	}
}

// Run starts the periodic check loop. It blocks until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting alert checker",
		zap.Duration("interval", interval),
		zap.Int("lookback_hours", c.cfg.LookbackWindowHours),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("alert checker stopped")
			return
		case <-ticker.C:
			c.Check(ctx, log)
		}
	}
}

// Check collects one snapshot and sends the alerts that are new. It returns
// the number sent.
func (c *Checker) Check(ctx context.Context, log *zap.Logger) int {
	snap, err := c.collector.Collect(ctx, c.cfg.LookbackWindowHours)
	if err != nil {
		log.Error("monitoring: failed to collect metrics", zap.Error(err))
		return 0
	}

	alerts := c.fresh(c.alerter.Evaluate(snap))
	if len(alerts) == 0 {
		log.Debug("monitoring: no new alerts")
		return 0
	}

	sent := c.alerter.SendAlerts(ctx, alerts)
	log.Info("monitoring: alert check complete",
		zap.Int("alerts_triggered", len(alerts)),
		zap.Int("alerts_sent", sent),
	)
	return sent
}

// fresh drops alerts already raised with the same message and forgets types
// that cleared, so they fire again if they recur.
func (c *Checker) fresh(alerts []Alert) []Alert {
	current := make(map[AlertType]string, len(alerts))
	var out []Alert
	for _, a := range alerts {
		current[a.Type] = a.Message
		if c.last[a.Type] != a.Message {
			out = append(out, a)
		}
	}
	c.last = current
	return out
}
