// Package cache is the read-through cache in front of the predictions API.
// Entries are namespaced by a generation counter; bumping the generation after
// a batch run makes every earlier entry unreachable without scanning keys.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Cache stores JSON-encoded API responses.
type Cache interface {
	// Get decodes the entry for key into dest and reports whether it was found.
	Get(ctx context.Context, key string, dest any) (bool, error)
	Set(ctx context.Context, key string, value any) error
	// Bump invalidates every entry written so far.
	Bump(ctx context.Context) error
}

// Noop is a Cache that stores nothing. Used when no Redis URL is configured.
type Noop struct{}

func (Noop) Get(context.Context, string, any) (bool, error) { return false, nil }
func (Noop) Set(context.Context, string, any) error         { return nil }
func (Noop) Bump(context.Context) error                     { return nil }

const defaultPrefix = "forecast"

// Redis implements Cache on a go-redis client.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedis connects to the server at url (redis://[:password@]host:port/db)
// and verifies it answers.
func NewRedis(ctx context.Context, url string, ttl time.Duration) (*Redis, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, eris.Wrap(err, "cache: parse redis url")
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "cache: ping redis")
	}
	return NewRedisWithClient(client, ttl), nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Redis{client: client, ttl: ttl, prefix: defaultPrefix}
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) genKey() string {
	return r.prefix + ":gen"
}

func (r *Redis) generation(ctx context.Context) (int64, error) {
	gen, err := r.client.Get(ctx, r.genKey()).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, eris.Wrap(err, "cache: read generation")
	}
	return gen, nil
}

func (r *Redis) dataKey(gen int64, key string) string {
	return r.prefix + ":g" + strconv.FormatInt(gen, 10) + ":" + key
}

func (r *Redis) Get(ctx context.Context, key string, dest any) (bool, error) {
	gen, err := r.generation(ctx)
	if err != nil {
		return false, err
	}
	return r.getAt(ctx, gen, key, dest)
}

func (r *Redis) getAt(ctx context.Context, gen int64, key string, dest any) (bool, error) {
	data, err := r.client.Get(ctx, r.dataKey(gen, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, eris.Wrapf(err, "cache: get %s", key)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, eris.Wrapf(err, "cache: decode %s", key)
	}
	return true, nil
}

func (r *Redis) Set(ctx context.Context, key string, value any) error {
	gen, err := r.generation(ctx)
	if err != nil {
		return err
	}
	return r.setAt(ctx, gen, key, value)
}

func (r *Redis) setAt(ctx context.Context, gen int64, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return eris.Wrapf(err, "cache: encode %s", key)
	}
	return eris.Wrapf(r.client.Set(ctx, r.dataKey(gen, key), data, r.ttl).Err(), "cache: set %s", key)
}

func (r *Redis) Bump(ctx context.Context) error {
	return eris.Wrap(r.client.Incr(ctx, r.genKey()).Err(), "cache: bump generation")
}

// pin returns a view of r fixed to the current generation. A value loaded
// after pinning is written under the generation it was read against, so a
// Bump during the load leaves it unreachable.
func (r *Redis) pin(ctx context.Context) (Cache, error) {
	gen, err := r.generation(ctx)
	if err != nil {
		return nil, err
	}
	return &pinned{r: r, gen: gen}, nil
}

type pinned struct {
	r   *Redis
	gen int64
}

func (p *pinned) Get(ctx context.Context, key string, dest any) (bool, error) {
	return p.r.getAt(ctx, p.gen, key, dest)
}

func (p *pinned) Set(ctx context.Context, key string, value any) error {
	return p.r.setAt(ctx, p.gen, key, value)
}

func (p *pinned) Bump(ctx context.Context) error {
	return p.r.Bump(ctx)
}

type pinner interface {
	pin(ctx context.Context) (Cache, error)
}

// GetOrLoad returns the cached value for key, calling load and caching its
// result on a miss. Cache failures are logged and fall through to load.
func GetOrLoad[T any](ctx context.Context, c Cache, key string, load func(context.Context) (T, error)) (T, error) {
	if p, ok := c.(pinner); ok {
		pc, err := p.pin(ctx)
		if err != nil {
			zap.L().Warn("cache: read failed", zap.String("key", key), zap.Error(err))
			return load(ctx)
		}
		c = pc
	}

	var v T
	found, err := c.Get(ctx, key, &v)
	if err != nil {
		zap.L().Warn("cache: read failed", zap.String("key", key), zap.Error(err))
	}
	if found {
		return v, nil
	}

	v, err = load(ctx)
	if err != nil {
		return v, err
	}
	if err := c.Set(ctx, key, v); err != nil {
		zap.L().Warn("cache: write failed", zap.String("key", key), zap.Error(err))
	}
	return v, nil
}
