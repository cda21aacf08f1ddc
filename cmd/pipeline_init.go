package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/shortage-forecast/internal/cache"
	"github.com/sells-group/shortage-forecast/internal/mlmodel"
	"github.com/sells-group/shortage-forecast/internal/pipeline"
	"github.com/sells-group/shortage-forecast/internal/scorer"
	"github.com/sells-group/shortage-forecast/internal/store"
)

// pipelineEnv holds the store, cache and runner needed by the run and serve
// commands.
type pipelineEnv struct {
	Store  store.Store
	Cache  cache.Cache
	Runner *pipeline.Runner
	closer func()
}

// Close releases resources held by the pipeline environment.
func (pe *pipelineEnv) Close() {
	if pe.closer != nil {
		pe.closer()
	}
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

// initCache connects to Redis when configured. A Redis outage degrades to no
// caching rather than failing the command.
func initCache(ctx context.Context) (cache.Cache, func()) {
	if cfg.Cache.RedisURL == "" {
		return cache.Noop{}, nil
	}
	rc, err := cache.NewRedis(ctx, cfg.Cache.RedisURL, time.Duration(cfg.Cache.TTLSecs)*time.Second)
	if err != nil {
		zap.L().Warn("redis cache unavailable, continuing without cache", zap.Error(err))
		return cache.Noop{}, nil
	}
	zap.L().Info("redis cache enabled", zap.Int("ttl_secs", cfg.Cache.TTLSecs))
	return rc, func() { _ = rc.Close() }
}

// initPipeline validates configuration for mode, opens the store and builds
// the Runner. Callers should defer env.Close().
func initPipeline(ctx context.Context, mode string) (*pipelineEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	tables, err := scorer.LoadTables(cfg.Scoring.TablesPath)
	if err != nil {
		return nil, eris.Wrap(err, "load scoring tables")
	}
	sc, err := scorer.New(tables)
	if err != nil {
		return nil, eris.Wrap(err, "init scorer")
	}

	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}

	c, closer := initCache(ctx)
	runner := pipeline.NewRunner(st, mlmodel.NewLoader(cfg.Model), sc, cfg.Batch, pipeline.WithCache(c))

	return &pipelineEnv{Store: st, Cache: c, Runner: runner, closer: closer}, nil
}
