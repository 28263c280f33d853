package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
)

// RedisOptions configures the Redis connection.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// Timeout bounds dialing and every read/write on the connection.
	Timeout time.Duration
	// ConnectWait bounds how long Dial retries the first ping.
	ConnectWait time.Duration
	// ScanCount is the COUNT hint used when paging through keys.
	ScanCount int64
}

// Redis is the Store backed by a Redis server.
type Redis struct {
	cli       *redis.Client
	scanCount int64
}

// Dial connects to Redis, retrying the initial ping with exponential backoff
// until ConnectWait has elapsed.
func Dial(ctx context.Context, opts RedisOptions) (*Redis, error) {
	if opts.Timeout == 0 {
		opts.Timeout = 3 * time.Second
	}
	if opts.ScanCount == 0 {
		opts.ScanCount = 100
	}
	cli := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  opts.Timeout,
		ReadTimeout:  opts.Timeout,
		WriteTimeout: opts.Timeout,
	})
	r := &Redis{cli: cli, scanCount: opts.ScanCount}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = opts.ConnectWait
	if opts.ConnectWait == 0 {
		bo.MaxElapsedTime = time.Nanosecond
	}
	err := backoff.Retry(func() error { return r.Ping(ctx) }, backoff.WithContext(bo, ctx))
	if err != nil {
		_ = cli.Close()
		return nil, err
	}
	return r, nil
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := r.cli.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound.New("%q", key)
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return b, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte) error {
	return Error.Wrap(r.cli.Set(ctx, key, value, 0).Err())
}

func (r *Redis) RPush(ctx context.Context, key string, value []byte) error {
	return Error.Wrap(r.cli.RPush(ctx, key, value).Err())
}

func (r *Redis) LRange(ctx context.Context, key string) ([][]byte, error) {
	vals, err := r.cli.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, Error.Wrap(err)
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

func (r *Redis) Scan(ctx context.Context, pattern string, fn func(key string) error) error {
	seen := make(map[string]struct{})
	it := r.cli.Scan(ctx, 0, pattern, r.scanCount).Iterator()
	for it.Next(ctx) {
		key := it.Val()
		// SCAN may return a key more than once
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		if err := fn(key); err != nil {
			return err
		}
	}
	return Error.Wrap(it.Err())
}

func (r *Redis) Save(ctx context.Context) error {
	err := r.cli.BgSave(ctx).Err()
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "in progress") {
		return nil
	}
	return Error.Wrap(err)
}

func (r *Redis) Ping(ctx context.Context) error {
	return Error.Wrap(r.cli.Ping(ctx).Err())
}

func (r *Redis) Close() error {
	return r.cli.Close()
}
