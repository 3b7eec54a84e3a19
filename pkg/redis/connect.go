// Package redis opens the shared go-redis client used for the inventory
// summary cache and checkout tokens.
package redis

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"

	"github.com/dev-geek/syntopia-v1-sub001/pkg/retry"
)

// Connect parses the URL and pings the server until it answers or the
// attempts run out.
func Connect(ctx context.Context, cfg Config) (*redis.Client, error) {
	if cfg.ConnectionURL == "" {
		return nil, ErrEmptyConnectionURL
	}

	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}

	opts, err := redis.ParseURL(cfg.ConnectionURL)
	if err != nil {
		return nil, errors.Join(ErrFailedToParseRedisConnString, err)
	}

	var client *redis.Client
	err = retry.Do(ctx, retry.Policy{
		Attempts: cfg.RetryAttempts,
		Backoff:  retry.Fixed{Interval: cfg.RetryInterval},
	}, func(ctx context.Context, _ int) error {
		c := redis.NewClient(opts)
		if err := c.Ping(ctx).Err(); err != nil {
			_ = c.Close()
			return err
		}
		client = c
		return nil
	})
	if err != nil {
		return nil, errors.Join(ErrRedisNotReady, err)
	}
	return client, nil
}
