// Copyright © 2026 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package window provides the standard fixed-window request limiter
// used for callers outside token accounting. Requests are counted per
// key inside aligned windows, the count resets when a new window
// starts. A local in-process limiter is the default, a Redis backed
// one is available for deployments with several gateway replicas.
package window

import (
	"context"
	"sync"
	"time"

	"github.com/go-core-stack/ratecontrol/clock"
	"github.com/go-core-stack/ratecontrol/errors"
)

const (
	// DefaultWindow is the counting period used when the config
	// does not say otherwise
	DefaultWindow = 15 * time.Minute

	// DefaultMaxRequests is the per-key request budget of one window
	DefaultMaxRequests = 100
)

// CodeRateLimitExceeded is the wire code reported when a window budget
// is exhausted.
const CodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"

// Config shapes a fixed-window limiter.
type Config struct {
	// length of one counting window
	Window time.Duration

	// requests admitted per key within one window
	MaxRequests int64
}

func (c *Config) validate() error {
	if c.Window < 0 {
		return errors.Wrapf(errors.InvalidArgument, "window must not be negative")
	}
	if c.MaxRequests < 0 {
		return errors.Wrapf(errors.InvalidArgument, "max requests must not be negative")
	}
	if c.Window == 0 {
		c.Window = DefaultWindow
	}
	if c.MaxRequests == 0 {
		c.MaxRequests = DefaultMaxRequests
	}
	return nil
}

// Decision is the outcome of one fixed-window admission.
type Decision struct {
	// request admitted within the current window
	Allowed bool

	// request budget of one window
	Limit int64

	// budget left in the current window
	Remaining int64

	// when the current window rolls over
	ResetTime time.Time

	// advisory wait before retrying, zero when admitted
	RetryAfter time.Duration
}

// Limiter admits or denies one request for the given key, typically a
// client address.
type Limiter interface {
	Allow(ctx context.Context, key string) (*Decision, error)
}

// keep the counter map from growing without bound across windows,
// stale entries are dropped once this many keys are tracked
const maxTrackedKeys = 4096

type windowCounter struct {
	start time.Time
	used  int64
}

// LocalLimiter is the in-process fixed-window limiter.
type LocalLimiter struct {
	mu       sync.Mutex
	conf     Config
	clk      clock.Clock
	counters map[string]*windowCounter
}

// NewLocalLimiter creates an in-process limiter for the given config.
// A nil clock falls back to the wall clock.
func NewLocalLimiter(conf *Config, clk clock.Clock) (*LocalLimiter, error) {
	if conf == nil {
		conf = &Config{}
	}
	own := *conf
	if err := own.validate(); err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.System()
	}
	return &LocalLimiter{
		conf:     own,
		clk:      clk,
		counters: map[string]*windowCounter{},
	}, nil
}

func (l *LocalLimiter) Allow(_ context.Context, key string) (*Decision, error) {
	if key == "" {
		return nil, errors.Wrapf(errors.InvalidArgument, "limiter key must not be empty")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clk.Now()
	start := now.Truncate(l.conf.Window)
	counter := l.counters[key]
	if counter == nil {
		if len(l.counters) >= maxTrackedKeys {
			l.dropStale(start)
		}
		counter = &windowCounter{start: start}
		l.counters[key] = counter
	}
	if !counter.start.Equal(start) {
		counter.start = start
		counter.used = 0
	}

	allowed := counter.used < l.conf.MaxRequests
	if allowed {
		counter.used++
	}
	remaining := l.conf.MaxRequests - counter.used
	if remaining < 0 {
		remaining = 0
	}
	reset := start.Add(l.conf.Window)
	dec := &Decision{
		Allowed:   allowed,
		Limit:     l.conf.MaxRequests,
		Remaining: remaining,
		ResetTime: reset,
	}
	if !allowed {
		dec.RetryAfter = reset.Sub(now)
	}
	return dec, nil
}

// dropStale removes counters whose window ended before the given
// window start, callers must hold l.mu
func (l *LocalLimiter) dropStale(start time.Time) {
	for key, counter := range l.counters {
		if counter.start.Before(start) {
			delete(l.counters, key)
		}
	}
}
