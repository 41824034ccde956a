// Copyright © 2026 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package config carries the startup configuration of the rate control
// stack as one explicit struct. Tiers are enumerable and validated up
// front instead of being read from the environment ad hoc, environment
// overrides are applied in one strict pass.
package config

import (
	"regexp"
	"sort"
	"time"

	"github.com/go-core-stack/ratecontrol/errors"
	"github.com/go-core-stack/ratecontrol/tokens"
	"github.com/go-core-stack/ratecontrol/window"
)

// CostRule prices requests whose path matches a pattern. Rules are
// evaluated in declaration order, the first matching pattern wins.
// Methods maps lowercase http methods to costs with an optional
// "default" entry, a flat Cost applies when the map has no answer.
type CostRule struct {
	Pattern string           `json:"pattern"`
	Cost    int64            `json:"cost,omitempty"`
	Methods map[string]int64 `json:"methods,omitempty"`
}

// StandardSpec shapes the fixed-window limiter serving callers outside
// token accounting.
type StandardSpec struct {
	// length of one counting window
	Window time.Duration

	// requests admitted per caller within one window
	MaxRequests int64

	// message returned with a standard-path rejection
	Message string
}

// Audit sink selection.
const (
	AuditModeNone   = "none"
	AuditModeMemory = "memory"
	AuditModeMongo  = "mongo"
)

// AuditSpec selects and shapes the audit sink.
type AuditSpec struct {
	// one of none, memory or mongo
	Mode string

	// events kept by the in-memory recorder
	MemoryLimit int

	// connection details for the mongo sink
	MongoUri        string
	MongoDatabase   string
	MongoCollection string

	// days of audit retention in mongo, zero keeps the sink default
	RetainDays int
}

// RedisSpec shapes the optional Redis backing of the standard limiter.
type RedisSpec struct {
	// count standard-path windows in Redis instead of in process
	Enabled bool

	Addr     string
	Password string
	DB       int
}

// Config is the complete startup configuration.
type Config struct {
	// master switch for token based control, premium callers fall
	// back to the standard limiter when disabled
	TokenControlEnabled bool

	// tier name to bucket shape
	Tiers map[string]tokens.TierSpec

	// idle bucket sweep cadence and age limit
	SweepInterval time.Duration
	IdleThreshold time.Duration

	// endpoint cost table of the token path
	CostRules []CostRule

	// standard limiter shape
	Standard StandardSpec

	Audit AuditSpec
	Redis RedisSpec

	// demo gateway listen address
	ListenAddr string
}

// DefaultStandardMessage is returned with standard-path rejections
// when the config does not carry its own wording.
const DefaultStandardMessage = "too many requests, please try again later"

// Default returns the stock configuration with token control enabled
// and the built-in premium tiers.
func Default() *Config {
	return &Config{
		TokenControlEnabled: true,
		Tiers:               tokens.DefaultTiers(),
		SweepInterval:       tokens.DefaultSweepInterval,
		IdleThreshold:       tokens.DefaultIdleThreshold,
		Standard: StandardSpec{
			Window:      window.DefaultWindow,
			MaxRequests: window.DefaultMaxRequests,
			Message:     DefaultStandardMessage,
		},
		Audit: AuditSpec{
			Mode:        AuditModeMemory,
			MemoryLimit: 1024,
		},
		Redis: RedisSpec{
			Addr: "localhost:6379",
		},
		ListenAddr: ":8080",
	}
}

// Validate checks the whole configuration and reports the first
// problem found. Cost patterns are compiled here so a broken table
// stops startup instead of surfacing per request.
func (c *Config) Validate() error {
	if len(c.Tiers) == 0 {
		return errors.Wrapf(errors.InvalidArgument, "at least one tier must be configured")
	}
	names := make([]string, 0, len(c.Tiers))
	for name := range c.Tiers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		spec := c.Tiers[name]
		if name == "" {
			return errors.Wrapf(errors.InvalidArgument, "tier name must not be empty")
		}
		if spec.MaxTokens < 1 {
			return errors.Wrapf(errors.InvalidArgument, "tier %q: max tokens %d must be >= 1", name, spec.MaxTokens)
		}
		if spec.RefillRate < 1 {
			return errors.Wrapf(errors.InvalidArgument, "tier %q: refill rate %d must be >= 1", name, spec.RefillRate)
		}
		if spec.RefillInterval <= 0 {
			return errors.Wrapf(errors.InvalidArgument, "tier %q: refill interval must be positive", name)
		}
		if spec.BurstLimit < 0 {
			return errors.Wrapf(errors.InvalidArgument, "tier %q: burst limit %d must not be negative", name, spec.BurstLimit)
		}
	}
	if c.SweepInterval < 0 {
		return errors.Wrapf(errors.InvalidArgument, "sweep interval must not be negative")
	}
	if c.IdleThreshold < 0 {
		return errors.Wrapf(errors.InvalidArgument, "idle threshold must not be negative")
	}
	for i, rule := range c.CostRules {
		if rule.Pattern == "" {
			return errors.Wrapf(errors.InvalidArgument, "cost rule %d: pattern must not be empty", i)
		}
		if _, err := regexp.Compile(rule.Pattern); err != nil {
			return errors.Wrapf(errors.InvalidArgument, "cost rule %d: invalid pattern %q: %s", i, rule.Pattern, err)
		}
		if rule.Cost < 0 {
			return errors.Wrapf(errors.InvalidArgument, "cost rule %d: cost %d must not be negative", i, rule.Cost)
		}
		for method, cost := range rule.Methods {
			if cost < 1 {
				return errors.Wrapf(errors.InvalidArgument, "cost rule %d: cost %d for method %q must be >= 1", i, cost, method)
			}
		}
		if rule.Cost == 0 && len(rule.Methods) == 0 {
			return errors.Wrapf(errors.InvalidArgument, "cost rule %d: must carry a cost or a method map", i)
		}
	}
	if c.Standard.Window < 0 {
		return errors.Wrapf(errors.InvalidArgument, "standard window must not be negative")
	}
	if c.Standard.MaxRequests < 0 {
		return errors.Wrapf(errors.InvalidArgument, "standard max requests must not be negative")
	}
	switch c.Audit.Mode {
	case AuditModeNone, AuditModeMemory, AuditModeMongo:
	default:
		return errors.Wrapf(errors.InvalidArgument, "unknown audit mode %q", c.Audit.Mode)
	}
	if c.Audit.MemoryLimit < 0 {
		return errors.Wrapf(errors.InvalidArgument, "audit memory limit must not be negative")
	}
	if c.Audit.Mode == AuditModeMongo && c.Audit.MongoUri == "" {
		return errors.Wrapf(errors.InvalidArgument, "audit mode mongo requires a mongo uri")
	}
	if c.Audit.RetainDays < 0 {
		return errors.Wrapf(errors.InvalidArgument, "audit retain days must not be negative")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return errors.Wrapf(errors.InvalidArgument, "redis backing requires an address")
	}
	if c.Redis.DB < 0 {
		return errors.Wrapf(errors.InvalidArgument, "redis db must not be negative")
	}
	if c.ListenAddr == "" {
		return errors.Wrapf(errors.InvalidArgument, "listen address must not be empty")
	}
	return nil
}
