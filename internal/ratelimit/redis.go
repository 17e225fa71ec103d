// Package ratelimit bounds report submissions per user over a fixed window,
// backed by Redis. A nil limiter admits everything, so deployments without
// Redis lose throttling but nothing else.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

type Limiter struct {
	client *redis.Client
	limit  int
	window time.Duration
}

// New connects to Redis and returns a limiter allowing limit submissions per
// window per user.
func New(redisURL string, limit int, window time.Duration) (*Limiter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &Limiter{client: client, limit: limit, window: window}, nil
}

// NewWithClient creates a limiter from an existing Redis client.
func NewWithClient(client *redis.Client, limit int, window time.Duration) *Limiter {
	return &Limiter{client: client, limit: limit, window: window}
}

func (l *Limiter) key(userID int64) string {
	return "submit:" + strconv.FormatInt(userID, 10)
}

// Allow records one submission attempt and reports whether it is within the
// limit. Redis errors admit the request: availability wins over throttling.
func (l *Limiter) Allow(ctx context.Context, userID int64) bool {
	if l == nil {
		return true
	}

	key := l.key(userID)
	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return true
	}
	if count == 1 {
		// First hit opens the window.
		l.client.Expire(ctx, key, l.window)
	}
	return count <= int64(l.limit)
}

func (l *Limiter) Close() error {
	if l == nil {
		return nil
	}
	return l.client.Close()
}
