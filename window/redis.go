// Copyright © 2026 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package window

import (
	"context"
	_ "embed"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/go-core-stack/ratecontrol/errors"
)

//go:embed window.lua
var windowScript string

// keyPrefix separates limiter counters from other tenants of the
// Redis keyspace
const keyPrefix = "ratecontrol:window:"

// RedisLimiter counts requests in Redis so several gateway replicas
// share one window per caller. The count and expiry are maintained by
// a server side script, one round trip per admission.
type RedisLimiter struct {
	client    *redis.Client
	conf      Config
	scriptSHA string
}

// NewRedisLimiter verifies connectivity, loads the counting script and
// returns a limiter for the given config.
func NewRedisLimiter(ctx context.Context, client *redis.Client, conf *Config) (*RedisLimiter, error) {
	if client == nil {
		return nil, errors.Wrapf(errors.InvalidArgument, "redis client must not be nil")
	}
	if conf == nil {
		conf = &Config{}
	}
	own := *conf
	if err := own.validate(); err != nil {
		return nil, err
	}
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	sha, err := client.ScriptLoad(ctx, windowScript).Result()
	if err != nil {
		return nil, err
	}
	return &RedisLimiter{
		client:    client,
		conf:      own,
		scriptSHA: sha,
	}, nil
}

func (r *RedisLimiter) Allow(ctx context.Context, key string) (*Decision, error) {
	if key == "" {
		return nil, errors.Wrapf(errors.InvalidArgument, "limiter key must not be empty")
	}
	keys := []string{keyPrefix + key}
	args := []interface{}{r.conf.Window.Milliseconds()}

	result, err := r.client.EvalSha(ctx, r.scriptSHA, keys, args...).Result()
	if redis.HasErrorPrefix(err, "NOSCRIPT") {
		// script cache was flushed, send the full script once
		result, err = r.client.Eval(ctx, windowScript, keys, args...).Result()
	}
	if err != nil {
		return nil, err
	}
	values, ok := result.([]interface{})
	if !ok || len(values) != 2 {
		return nil, errors.Wrapf(errors.Unknown, "unexpected script reply %v", result)
	}
	current, ok := values[0].(int64)
	if !ok {
		return nil, errors.Wrapf(errors.Unknown, "unexpected count in script reply %v", values[0])
	}
	ttlMillis, ok := values[1].(int64)
	if !ok {
		return nil, errors.Wrapf(errors.Unknown, "unexpected ttl in script reply %v", values[1])
	}

	resetAfter := time.Duration(ttlMillis) * time.Millisecond
	allowed := current <= r.conf.MaxRequests
	remaining := r.conf.MaxRequests - current
	if remaining < 0 {
		remaining = 0
	}
	dec := &Decision{
		Allowed:   allowed,
		Limit:     r.conf.MaxRequests,
		Remaining: remaining,
		ResetTime: time.Now().Add(resetAfter),
	}
	if !allowed {
		dec.RetryAfter = resetAfter
	}
	return dec, nil
}
