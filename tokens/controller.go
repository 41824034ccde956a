// Copyright © 2026 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package tokens

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/go-core-stack/ratecontrol/audit"
	"github.com/go-core-stack/ratecontrol/clock"
	"github.com/go-core-stack/ratecontrol/errors"
	"github.com/go-core-stack/ratecontrol/logging"
)

// Machine readable codes carried by admission results and rejection
// bodies. These are part of the external contract and must stay stable.
const (
	// CodeNotPremiumUser flags a caller whose tier is not token
	// managed, the request should be handled by the standard limiter
	CodeNotPremiumUser = "NOT_PREMIUM_USER"

	// CodeTokenRateLimitExceeded flags a genuinely exhausted quota
	CodeTokenRateLimitExceeded = "TOKEN_RATE_LIMIT_EXCEEDED"

	// CodeBucketNotFound flags an administrative operation against a
	// user that has no bucket
	CodeBucketNotFound = "BUCKET_NOT_FOUND"
)

// Built-in tier names, the tier set itself is open ended and comes from
// configuration.
const (
	TierPremium     = "premium"
	TierPremiumPlus = "premiumPlus"
)

const (
	// DefaultSweepInterval is how often idle buckets are swept when
	// the config does not say otherwise
	DefaultSweepInterval = time.Hour

	// DefaultIdleThreshold is how long a bucket may go without a
	// refill before a sweep evicts it
	DefaultIdleThreshold = 24 * time.Hour
)

// TierSpec is the bucket shape handed to every user of a tier.
type TierSpec struct {
	// capacity ceiling of the bucket
	MaxTokens int64

	// tokens granted per elapsed RefillInterval
	RefillRate int64

	// duration of one refill period
	RefillInterval time.Duration

	// reserved configuration surface, carries no algorithmic
	// effect today
	BurstLimit int64
}

// DefaultTiers returns the stock tier table with premium at 1000 tokens
// and premiumPlus at 2000, both refilling hourly.
func DefaultTiers() map[string]TierSpec {
	return map[string]TierSpec{
		TierPremium: {
			MaxTokens:      1000,
			RefillRate:     100,
			RefillInterval: time.Hour,
			BurstLimit:     100,
		},
		TierPremiumPlus: {
			MaxTokens:      2000,
			RefillRate:     200,
			RefillInterval: time.Hour,
			BurstLimit:     200,
		},
	}
}

// Config carries the construction parameters of a Controller. Zero
// fields fall back to working defaults, so an empty config yields a
// memory backed controller with the stock tiers.
type Config struct {
	// tier name to bucket shape, defaults to DefaultTiers()
	Tiers map[string]TierSpec

	// bucket storage, defaults to an in-memory store
	Store Store

	// time source for refill and eviction, defaults to wall clock
	Clock clock.Clock

	// defaults to discarding log output
	Logger logging.Logger

	// sink for accounting events, defaults to discarding them
	Audit audit.Recorder

	// how often the background sweep runs once started
	SweepInterval time.Duration

	// refill age beyond which a sweep evicts a bucket
	IdleThreshold time.Duration
}

// AccessContext carries the request coordinates of a consumption purely
// for the audit trail, it has no effect on the admission decision.
type AccessContext struct {
	Path      string
	Method    string
	RequestID string
}

// ConsumeResult is the outcome of one admission attempt. Allowed and
// the code field distinguish the expected outcomes, a malformed call is
// reported as an error instead.
type ConsumeResult struct {
	// request admitted, the debit fields below are set
	Allowed bool

	// stable machine readable code on denial, empty on success
	Code string

	// caller should route the request to the standard limiter
	// instead of rejecting it
	Fallback bool

	// tokens debited by this request
	TokensConsumed int64

	// balance left after the debit
	TokensRemaining int64

	// balance at the time of a denial
	TokensAvailable int64

	// cost the request asked for
	TokensRequested int64

	// capacity ceiling of the bucket involved
	MaxTokens int64

	// on success the projected return to full capacity, on denial
	// the projected instant the requested cost becomes available
	ResetTime time.Time

	// advisory wait before retrying a denied request
	RetryAfter time.Duration
}

// UsageStats is the per-user reporting view.
type UsageStats struct {
	UserID          string    `json:"userId"`
	UserType        string    `json:"userType"`
	TotalConsumed   int64     `json:"totalConsumed"`
	TokensAvailable int64     `json:"tokensAvailable"`
	MaxTokens       int64     `json:"maxTokens"`
	UtilizationRate float64   `json:"utilizationRate"`
	NextRefillTime  time.Time `json:"nextRefillTime"`
}

// AdjustResult reports an administrative balance override.
type AdjustResult struct {
	OldTokens  int64 `json:"oldTokens"`
	NewTokens  int64 `json:"newTokens"`
	Adjustment int64 `json:"adjustment"`
}

// SystemStats is the process wide reporting view.
type SystemStats struct {
	TokenAllocations  int64    `json:"tokenAllocations"`
	TokenConsumptions int64    `json:"tokenConsumptions"`
	TotalBuckets      int64    `json:"totalBuckets"`
	ConfiguredTiers   []string `json:"configuredTiers"`
}

// Controller owns the bucket store and performs all token accounting.
// A single mutex serializes refill-then-debit sequences, lifetime
// counters and sweeper lifecycle, no other component may touch bucket
// state directly.
type Controller struct {
	mu    sync.Mutex
	store Store
	tiers map[string]TierSpec

	clk    clock.Clock
	logger logging.Logger
	audit  audit.Recorder

	sweepInterval time.Duration
	idleThreshold time.Duration

	// lifetime counters, guarded by mu
	allocations  int64
	consumptions int64

	// sweeper lifecycle, guarded by mu
	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
}

// NewController validates the given config and builds a controller
// around it. A nil config is equivalent to an empty one.
func NewController(conf *Config) (*Controller, error) {
	if conf == nil {
		conf = &Config{}
	}
	tiers := conf.Tiers
	if len(tiers) == 0 {
		tiers = DefaultTiers()
	}
	names := make([]string, 0, len(tiers))
	for name := range tiers {
		names = append(names, name)
	}
	sort.Strings(names)
	own := make(map[string]TierSpec, len(tiers))
	for _, name := range names {
		spec := tiers[name]
		if name == "" {
			return nil, errors.Wrapf(errors.InvalidArgument, "tier name must not be empty")
		}
		if spec.MaxTokens < 1 {
			return nil, errors.Wrapf(errors.InvalidArgument, "tier %q: max tokens %d must be >= 1", name, spec.MaxTokens)
		}
		if spec.RefillRate < 1 {
			return nil, errors.Wrapf(errors.InvalidArgument, "tier %q: refill rate %d must be >= 1", name, spec.RefillRate)
		}
		if spec.RefillInterval <= 0 {
			return nil, errors.Wrapf(errors.InvalidArgument, "tier %q: refill interval must be positive", name)
		}
		if spec.BurstLimit < 0 {
			return nil, errors.Wrapf(errors.InvalidArgument, "tier %q: burst limit %d must not be negative", name, spec.BurstLimit)
		}
		own[name] = spec
	}
	if conf.SweepInterval < 0 {
		return nil, errors.Wrapf(errors.InvalidArgument, "sweep interval must not be negative")
	}
	if conf.IdleThreshold < 0 {
		return nil, errors.Wrapf(errors.InvalidArgument, "idle threshold must not be negative")
	}
	c := &Controller{
		store:         conf.Store,
		tiers:         own,
		clk:           conf.Clock,
		logger:        conf.Logger,
		audit:         conf.Audit,
		sweepInterval: conf.SweepInterval,
		idleThreshold: conf.IdleThreshold,
	}
	if c.store == nil {
		c.store = NewMemoryStore()
	}
	if c.clk == nil {
		c.clk = clock.System()
	}
	if c.logger == nil {
		c.logger = logging.Nop{}
	}
	if c.audit == nil {
		c.audit = audit.Nop{}
	}
	if c.sweepInterval == 0 {
		c.sweepInterval = DefaultSweepInterval
	}
	if c.idleThreshold == 0 {
		c.idleThreshold = DefaultIdleThreshold
	}
	return c, nil
}

// IsPremiumUser reports whether the given user type takes part in token
// accounting. Unknown and empty types do not.
func (c *Controller) IsPremiumUser(userType string) bool {
	_, ok := c.tiers[userType]
	return ok
}

// allocateLocked creates or resets the bucket for the given user at the
// full capacity of its tier. Lifetime consumption and the creation
// stamp survive a re-allocation. Callers must hold c.mu.
func (c *Controller) allocateLocked(ctx context.Context, userID, userType string, now time.Time) (*Bucket, error) {
	tier, ok := c.tiers[userType]
	if !ok {
		return nil, errors.Wrapf(errors.Unauthorized, "user type %q is not eligible for token accounting", userType)
	}
	b := &Bucket{
		UserID:         userID,
		UserType:       userType,
		Tokens:         tier.MaxTokens,
		MaxTokens:      tier.MaxTokens,
		RefillRate:     tier.RefillRate,
		RefillInterval: tier.RefillInterval,
		BurstLimit:     tier.BurstLimit,
		LastRefill:     now,
		CreatedAt:      now,
	}
	prev, err := c.store.Get(ctx, userID)
	if err == nil {
		b.TotalConsumed = prev.TotalConsumed
		b.CreatedAt = prev.CreatedAt
	} else if !errors.IsNotFound(err) {
		return nil, err
	}
	if err := c.store.Put(ctx, b); err != nil {
		return nil, err
	}
	c.allocations++
	c.audit.Record(ctx, &audit.Event{
		Action:    audit.ActionAllocate,
		UserID:    userID,
		UserType:  userType,
		Allowed:   true,
		Remaining: b.Tokens,
	})
	return b, nil
}

// AllocateTokens creates or resets the bucket for the given user at the
// full capacity of its tier and returns a snapshot of it. Users outside
// the configured tiers are refused.
func (c *Controller) AllocateTokens(ctx context.Context, userID, userType string) (*Bucket, error) {
	if userID == "" {
		return nil, errors.Wrapf(errors.InvalidArgument, "user id must not be empty")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	b, err := c.allocateLocked(ctx, userID, userType, c.clk.Now())
	if err != nil {
		return nil, err
	}
	return b.clone(), nil
}

// ConsumeTokens admits or denies one service access worth the given
// cost. Non premium callers are reported back for standard limiting,
// premium callers without a bucket get one allocated on the spot. The
// access context only feeds the audit trail.
func (c *Controller) ConsumeTokens(ctx context.Context, userID, userType string, cost int64, access *AccessContext) (*ConsumeResult, error) {
	if userID == "" {
		return nil, errors.Wrapf(errors.InvalidArgument, "user id must not be empty")
	}
	if cost < 1 {
		return nil, errors.Wrapf(errors.InvalidArgument, "cost %d must be >= 1", cost)
	}
	if !c.IsPremiumUser(userType) {
		return &ConsumeResult{
			Code:            CodeNotPremiumUser,
			Fallback:        true,
			TokensRequested: cost,
		}, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clk.Now()
	b, err := c.store.Get(ctx, userID)
	if err != nil {
		if !errors.IsNotFound(err) {
			return nil, err
		}
		b, err = c.allocateLocked(ctx, userID, userType, now)
		if err != nil {
			return nil, err
		}
	}
	b.refill(now)

	ev := &audit.Event{
		Action:   audit.ActionConsume,
		UserID:   userID,
		UserType: userType,
		Cost:     cost,
	}
	if access != nil {
		ev.Path = access.Path
		ev.Method = access.Method
		ev.RequestID = access.RequestID
	}

	if b.Tokens < cost {
		wait := b.retryWait(cost)
		if err := c.store.Put(ctx, b); err != nil {
			return nil, err
		}
		ev.Code = CodeTokenRateLimitExceeded
		ev.Remaining = b.Tokens
		c.audit.Record(ctx, ev)
		return &ConsumeResult{
			Code:            CodeTokenRateLimitExceeded,
			TokensAvailable: b.Tokens,
			TokensRequested: cost,
			MaxTokens:       b.MaxTokens,
			ResetTime:       now.Add(wait),
			RetryAfter:      wait,
		}, nil
	}

	b.Tokens -= cost
	b.TotalConsumed += cost
	if err := c.store.Put(ctx, b); err != nil {
		return nil, err
	}
	c.consumptions++
	ev.Allowed = true
	ev.Remaining = b.Tokens
	c.audit.Record(ctx, ev)
	return &ConsumeResult{
		Allowed:         true,
		TokensConsumed:  cost,
		TokensRemaining: b.Tokens,
		TokensRequested: cost,
		MaxTokens:       b.MaxTokens,
		ResetTime:       b.fullAt(now),
	}, nil
}

// GetTokenUsageStats returns the reporting view of one user after a
// refill pass, or a NotFound error when the user has no bucket.
func (c *Controller) GetTokenUsageStats(ctx context.Context, userID string) (*UsageStats, error) {
	if userID == "" {
		return nil, errors.Wrapf(errors.InvalidArgument, "user id must not be empty")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	b, err := c.store.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	b.refill(c.clk.Now())
	if err := c.store.Put(ctx, b); err != nil {
		return nil, err
	}
	return &UsageStats{
		UserID:          b.UserID,
		UserType:        b.UserType,
		TotalConsumed:   b.TotalConsumed,
		TokensAvailable: b.Tokens,
		MaxTokens:       b.MaxTokens,
		UtilizationRate: float64(b.TotalConsumed) / float64(b.MaxTokens) * 100,
		NextRefillTime:  b.nextRefillAt(),
	}, nil
}

// adjustLocked applies an administrative balance override after a
// refill pass. The sum saturates in the direction of the adjustment
// before clamping into [0, MaxTokens]. Callers must hold c.mu.
func (c *Controller) adjustLocked(ctx context.Context, userID string, delta int64, reason, action string) (*AdjustResult, error) {
	b, err := c.store.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	b.refill(c.clk.Now())
	old := b.Tokens
	n := old + delta
	if delta > 0 && n < old {
		n = b.MaxTokens
	}
	if delta < 0 && n > old {
		n = 0
	}
	if n < 0 {
		n = 0
	}
	if n > b.MaxTokens {
		n = b.MaxTokens
	}
	b.Tokens = n
	if err := c.store.Put(ctx, b); err != nil {
		return nil, err
	}
	c.audit.Record(ctx, &audit.Event{
		Action:    action,
		UserID:    userID,
		UserType:  b.UserType,
		Allowed:   true,
		Remaining: n,
		Reason:    reason,
	})
	return &AdjustResult{
		OldTokens:  old,
		NewTokens:  n,
		Adjustment: delta,
	}, nil
}

// AdjustTokens moves the balance of one user by delta, clamped into
// [0, MaxTokens]. Lifetime consumption is untouched. Returns a NotFound
// error when the user has no bucket.
func (c *Controller) AdjustTokens(ctx context.Context, userID string, delta int64, reason string) (*AdjustResult, error) {
	if userID == "" {
		return nil, errors.Wrapf(errors.InvalidArgument, "user id must not be empty")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.adjustLocked(ctx, userID, delta, reason, audit.ActionAdjust)
}

// ClearUserTokens drains the balance of one user to zero. The bucket
// itself and its lifetime counters stay in place, the user simply has
// to wait for refills.
func (c *Controller) ClearUserTokens(ctx context.Context, userID, reason string) (*AdjustResult, error) {
	if userID == "" {
		return nil, errors.Wrapf(errors.InvalidArgument, "user id must not be empty")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.adjustLocked(ctx, userID, math.MinInt64, reason, audit.ActionClear)
}

// GetSystemStats returns the process wide accounting view.
func (c *Controller) GetSystemStats(ctx context.Context) (*SystemStats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	count, err := c.store.Count(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(c.tiers))
	for name := range c.tiers {
		names = append(names, name)
	}
	sort.Strings(names)
	return &SystemStats{
		TokenAllocations:  c.allocations,
		TokenConsumptions: c.consumptions,
		TotalBuckets:      count,
		ConfiguredTiers:   names,
	}, nil
}

// ClearAllTokens drops every bucket. Lifetime counters survive, they
// report on the process, not on the current bucket population.
func (c *Controller) ClearAllTokens(ctx context.Context, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.store.Clear(ctx); err != nil {
		return err
	}
	c.audit.Record(ctx, &audit.Event{
		Action:  audit.ActionClear,
		Allowed: true,
		Reason:  reason,
	})
	return nil
}

// SweepIdleBuckets evicts every bucket whose refill age exceeds the
// idle threshold and returns how many were removed. The background
// sweeper calls this on its interval, tests may call it directly.
func (c *Controller) SweepIdleBuckets(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := c.clk.Now().Add(-c.idleThreshold)
	evicted, err := c.store.DeleteIdle(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	for _, id := range evicted {
		c.audit.Record(ctx, &audit.Event{
			Action:  audit.ActionEvict,
			UserID:  id,
			Allowed: true,
			Reason:  "idle",
		})
	}
	return len(evicted), nil
}

// StartSweeper launches the periodic idle bucket sweep under the given
// context. Starting an already running sweeper is a no-op.
func (c *Controller) StartSweeper(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sweepCancel != nil {
		return
	}
	sctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.sweepCancel = cancel
	c.sweepDone = done
	go c.sweepLoop(sctx, done)
}

// StopSweeper cancels the periodic sweep and waits for it to wind
// down. Stopping an already stopped sweeper is a no-op.
func (c *Controller) StopSweeper() {
	c.mu.Lock()
	cancel := c.sweepCancel
	done := c.sweepDone
	c.sweepCancel = nil
	c.sweepDone = nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (c *Controller) sweepLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			evicted, err := c.SweepIdleBuckets(ctx)
			if err != nil {
				c.logger.Error("idle bucket sweep failed", "error", err)
				continue
			}
			if evicted > 0 {
				c.logger.Info("evicted idle token buckets", "count", evicted)
			}
		}
	}
}
