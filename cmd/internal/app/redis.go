package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisConnectTimeout = 10 * time.Second
	redisRetryAttempts  = 3
	redisRetryInterval  = time.Second
)

// ErrRedisNotReady is returned when every connection attempt failed.
var ErrRedisNotReady = errors.New("redis not ready")

// ConnectRedis parses url and pings the server, retrying a few times before
// giving up.
func ConnectRedis(ctx context.Context, url string) (*redis.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, redisConnectTimeout)
	defer cancel()

	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	var lastErr error
	for attempt := range redisRetryAttempts {
		rdb := redis.NewClient(opts)
		if lastErr = rdb.Ping(ctx).Err(); lastErr == nil {
			return rdb, nil
		}
		_ = rdb.Close()

		if attempt == redisRetryAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, errors.Join(ErrRedisNotReady, ctx.Err())
		case <-time.After(redisRetryInterval):
		}
	}
	return nil, errors.Join(ErrRedisNotReady, lastErr)
}

// PingRedis checks the connection within timeout.
func PingRedis(parent context.Context, rdb redis.UniversalClient, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()
	return rdb.Ping(ctx).Err()
}
