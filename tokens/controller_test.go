// Copyright © 2026 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package tokens

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-core-stack/ratecontrol/audit"
	"github.com/go-core-stack/ratecontrol/clock"
	"github.com/go-core-stack/ratecontrol/errors"
)

var testStart = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestController(t *testing.T, conf *Config) *Controller {
	t.Helper()
	c, err := NewController(conf)
	if err != nil {
		t.Fatalf("unexpected error creating controller: %v", err)
	}
	return c
}

func TestNewControllerValidation(t *testing.T) {
	tests := []struct {
		name string
		conf *Config
	}{
		{
			name: "empty tier name",
			conf: &Config{Tiers: map[string]TierSpec{"": {MaxTokens: 10, RefillRate: 1, RefillInterval: time.Hour}}},
		},
		{
			name: "zero max tokens",
			conf: &Config{Tiers: map[string]TierSpec{"gold": {RefillRate: 1, RefillInterval: time.Hour}}},
		},
		{
			name: "zero refill rate",
			conf: &Config{Tiers: map[string]TierSpec{"gold": {MaxTokens: 10, RefillInterval: time.Hour}}},
		},
		{
			name: "zero refill interval",
			conf: &Config{Tiers: map[string]TierSpec{"gold": {MaxTokens: 10, RefillRate: 1}}},
		},
		{
			name: "negative burst limit",
			conf: &Config{Tiers: map[string]TierSpec{"gold": {MaxTokens: 10, RefillRate: 1, RefillInterval: time.Hour, BurstLimit: -1}}},
		},
		{
			name: "negative sweep interval",
			conf: &Config{SweepInterval: -time.Minute},
		},
		{
			name: "negative idle threshold",
			conf: &Config{IdleThreshold: -time.Minute},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewController(tt.conf); !errors.IsInvalidArgument(err) {
				t.Fatalf("expected InvalidArgument, got %v", err)
			}
		})
	}
}

func TestNewControllerDefaults(t *testing.T) {
	c := newTestController(t, nil)

	if !c.IsPremiumUser(TierPremium) || !c.IsPremiumUser(TierPremiumPlus) {
		t.Fatalf("default tiers should include premium and premiumPlus")
	}
	if c.IsPremiumUser("regular") || c.IsPremiumUser("") {
		t.Fatalf("unknown user types must not be premium")
	}
	if c.sweepInterval != DefaultSweepInterval {
		t.Fatalf("sweep interval: got %v want %v", c.sweepInterval, DefaultSweepInterval)
	}
	if c.idleThreshold != DefaultIdleThreshold {
		t.Fatalf("idle threshold: got %v want %v", c.idleThreshold, DefaultIdleThreshold)
	}
}

func TestAllocateTokensTierIsolation(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(testStart)
	c := newTestController(t, &Config{Clock: clk})

	prem, err := c.AllocateTokens(ctx, "user-a", TierPremium)
	if err != nil {
		t.Fatalf("unexpected error allocating premium bucket: %v", err)
	}
	if prem.MaxTokens != 1000 || prem.Tokens != 1000 || prem.RefillRate != 100 {
		t.Fatalf("premium bucket shape mismatch: %+v", prem)
	}
	if !prem.LastRefill.Equal(testStart) || !prem.CreatedAt.Equal(testStart) {
		t.Fatalf("premium bucket timestamps mismatch: %+v", prem)
	}

	plus, err := c.AllocateTokens(ctx, "user-b", TierPremiumPlus)
	if err != nil {
		t.Fatalf("unexpected error allocating premiumPlus bucket: %v", err)
	}
	if plus.MaxTokens != 2000 || plus.Tokens != 2000 || plus.RefillRate != 200 {
		t.Fatalf("premiumPlus bucket shape mismatch: %+v", plus)
	}

	stats, err := c.GetSystemStats(ctx)
	if err != nil {
		t.Fatalf("unexpected error fetching system stats: %v", err)
	}
	if stats.TokenAllocations != 2 || stats.TotalBuckets != 2 {
		t.Fatalf("system stats after allocations: %+v", stats)
	}
}

func TestAllocateTokensRefusals(t *testing.T) {
	ctx := context.Background()
	c := newTestController(t, nil)

	if _, err := c.AllocateTokens(ctx, "user-a", "regular"); !errors.IsUnauthorized(err) {
		t.Fatalf("expected Unauthorized for regular tier, got %v", err)
	}
	if _, err := c.AllocateTokens(ctx, "", TierPremium); !errors.IsInvalidArgument(err) {
		t.Fatalf("expected InvalidArgument for empty user id, got %v", err)
	}
}

func TestReallocationPreservesLifetimeUsage(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(testStart)
	c := newTestController(t, &Config{Clock: clk})

	if _, err := c.AllocateTokens(ctx, "user-a", TierPremium); err != nil {
		t.Fatalf("unexpected error allocating bucket: %v", err)
	}
	res, err := c.ConsumeTokens(ctx, "user-a", TierPremium, 10, nil)
	if err != nil || !res.Allowed {
		t.Fatalf("expected consumption to pass: res=%+v err=%v", res, err)
	}

	clk.Advance(30 * time.Minute)
	b, err := c.AllocateTokens(ctx, "user-a", TierPremium)
	if err != nil {
		t.Fatalf("unexpected error re-allocating bucket: %v", err)
	}
	if b.Tokens != 1000 {
		t.Fatalf("re-allocation should restore full capacity: got %d want %d", b.Tokens, 1000)
	}
	if b.TotalConsumed != 10 {
		t.Fatalf("re-allocation must keep lifetime usage: got %d want %d", b.TotalConsumed, 10)
	}
	if !b.CreatedAt.Equal(testStart) {
		t.Fatalf("re-allocation must keep creation stamp: got %v want %v", b.CreatedAt, testStart)
	}
}

func TestConsumeRefillDeterminism(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(testStart)
	c := newTestController(t, &Config{Clock: clk})

	if _, err := c.AllocateTokens(ctx, "user-a", TierPremium); err != nil {
		t.Fatalf("unexpected error allocating bucket: %v", err)
	}
	if _, err := c.AdjustTokens(ctx, "user-a", -500, "test setup"); err != nil {
		t.Fatalf("unexpected error adjusting bucket: %v", err)
	}

	clk.Advance(time.Hour)
	res, err := c.ConsumeTokens(ctx, "user-a", TierPremium, 1, nil)
	if err != nil {
		t.Fatalf("unexpected error consuming token: %v", err)
	}
	if !res.Allowed {
		t.Fatalf("expected consumption to pass, got %+v", res)
	}
	if res.TokensRemaining != 599 {
		t.Fatalf("tokens remaining: got %d want %d", res.TokensRemaining, 599)
	}
}

func TestConsumeAdmissionBoundary(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(testStart)
	tiers := map[string]TierSpec{
		TierPremium: {MaxTokens: 10, RefillRate: 1, RefillInterval: time.Hour},
	}
	c := newTestController(t, &Config{Tiers: tiers, Clock: clk})

	// exact balance is admitted down to zero
	res, err := c.ConsumeTokens(ctx, "user-a", TierPremium, 10, nil)
	if err != nil {
		t.Fatalf("unexpected error consuming tokens: %v", err)
	}
	if !res.Allowed || res.TokensRemaining != 0 || res.TokensConsumed != 10 {
		t.Fatalf("exact-balance admission mismatch: %+v", res)
	}
	if want := testStart.Add(10 * time.Hour); !res.ResetTime.Equal(want) {
		t.Fatalf("success reset projection: got %v want %v", res.ResetTime, want)
	}

	// one token short is denied with retry guidance
	if _, err := c.AllocateTokens(ctx, "user-b", TierPremium); err != nil {
		t.Fatalf("unexpected error allocating bucket: %v", err)
	}
	if _, err := c.AdjustTokens(ctx, "user-b", -1, "test setup"); err != nil {
		t.Fatalf("unexpected error adjusting bucket: %v", err)
	}
	res, err = c.ConsumeTokens(ctx, "user-b", TierPremium, 10, nil)
	if err != nil {
		t.Fatalf("unexpected error consuming tokens: %v", err)
	}
	if res.Allowed || res.Fallback {
		t.Fatalf("expected a plain denial, got %+v", res)
	}
	if res.Code != CodeTokenRateLimitExceeded {
		t.Fatalf("denial code: got %q want %q", res.Code, CodeTokenRateLimitExceeded)
	}
	if res.TokensAvailable != 9 || res.TokensRequested != 10 {
		t.Fatalf("denial accounting: got available=%d requested=%d want 9/10", res.TokensAvailable, res.TokensRequested)
	}
	if res.RetryAfter != time.Hour {
		t.Fatalf("retry after: got %v want %v", res.RetryAfter, time.Hour)
	}
	if want := testStart.Add(time.Hour); !res.ResetTime.Equal(want) {
		t.Fatalf("denial reset projection: got %v want %v", res.ResetTime, want)
	}

	// the failed attempt must neither consume nor count
	usage, err := c.GetTokenUsageStats(ctx, "user-b")
	if err != nil {
		t.Fatalf("unexpected error fetching usage: %v", err)
	}
	if usage.TokensAvailable != 9 || usage.TotalConsumed != 0 {
		t.Fatalf("denied attempt changed accounting: %+v", usage)
	}
	stats, err := c.GetSystemStats(ctx)
	if err != nil {
		t.Fatalf("unexpected error fetching system stats: %v", err)
	}
	if stats.TokenConsumptions != 1 {
		t.Fatalf("token consumptions: got %d want %d", stats.TokenConsumptions, 1)
	}
}

func TestConsumeNonPremiumFallback(t *testing.T) {
	ctx := context.Background()
	c := newTestController(t, nil)

	res, err := c.ConsumeTokens(ctx, "user-a", "regular", 1, nil)
	if err != nil {
		t.Fatalf("unexpected error for regular tier: %v", err)
	}
	if res.Allowed || !res.Fallback || res.Code != CodeNotPremiumUser {
		t.Fatalf("regular tier outcome mismatch: %+v", res)
	}

	// an existing bucket does not make a non premium request eligible
	if _, err := c.AllocateTokens(ctx, "user-a", TierPremium); err != nil {
		t.Fatalf("unexpected error allocating bucket: %v", err)
	}
	res, err = c.ConsumeTokens(ctx, "user-a", "regular", 1, nil)
	if err != nil {
		t.Fatalf("unexpected error for regular tier: %v", err)
	}
	if !res.Fallback || res.Code != CodeNotPremiumUser {
		t.Fatalf("regular tier outcome with prior bucket: %+v", res)
	}
}

func TestConsumeAutoAllocation(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(testStart)
	c := newTestController(t, &Config{Clock: clk})

	res, err := c.ConsumeTokens(ctx, "user-a", TierPremium, 3, nil)
	if err != nil {
		t.Fatalf("unexpected error consuming tokens: %v", err)
	}
	if !res.Allowed || res.TokensRemaining != 997 || res.MaxTokens != 1000 {
		t.Fatalf("auto-allocation outcome mismatch: %+v", res)
	}

	stats, err := c.GetSystemStats(ctx)
	if err != nil {
		t.Fatalf("unexpected error fetching system stats: %v", err)
	}
	if stats.TokenAllocations != 1 || stats.TokenConsumptions != 1 || stats.TotalBuckets != 1 {
		t.Fatalf("system stats after auto-allocation: %+v", stats)
	}
}

func TestConsumeValidation(t *testing.T) {
	ctx := context.Background()
	c := newTestController(t, nil)

	if _, err := c.ConsumeTokens(ctx, "", TierPremium, 1, nil); !errors.IsInvalidArgument(err) {
		t.Fatalf("expected InvalidArgument for empty user id, got %v", err)
	}
	if _, err := c.ConsumeTokens(ctx, "user-a", TierPremium, 0, nil); !errors.IsInvalidArgument(err) {
		t.Fatalf("expected InvalidArgument for zero cost, got %v", err)
	}
	if _, err := c.ConsumeTokens(ctx, "user-a", TierPremium, -5, nil); !errors.IsInvalidArgument(err) {
		t.Fatalf("expected InvalidArgument for negative cost, got %v", err)
	}
}

func TestAdjustTokensClamping(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(testStart)
	c := newTestController(t, &Config{Clock: clk})

	if _, err := c.AllocateTokens(ctx, "user-a", TierPremium); err != nil {
		t.Fatalf("unexpected error allocating bucket: %v", err)
	}

	adj, err := c.AdjustTokens(ctx, "user-a", 500, "bonus")
	if err != nil {
		t.Fatalf("unexpected error adjusting tokens: %v", err)
	}
	if adj.OldTokens != 1000 || adj.NewTokens != 1000 || adj.Adjustment != 500 {
		t.Fatalf("upward clamp mismatch: %+v", adj)
	}

	adj, err = c.AdjustTokens(ctx, "user-a", -200, "penalty")
	if err != nil {
		t.Fatalf("unexpected error adjusting tokens: %v", err)
	}
	if adj.OldTokens != 1000 || adj.NewTokens != 800 {
		t.Fatalf("downward adjustment mismatch: %+v", adj)
	}

	// extreme deltas saturate instead of wrapping around
	adj, err = c.AdjustTokens(ctx, "user-a", math.MinInt64, "drain")
	if err != nil {
		t.Fatalf("unexpected error adjusting tokens: %v", err)
	}
	if adj.NewTokens != 0 {
		t.Fatalf("extreme negative adjustment: got %d want %d", adj.NewTokens, 0)
	}
	adj, err = c.AdjustTokens(ctx, "user-a", math.MaxInt64, "refund")
	if err != nil {
		t.Fatalf("unexpected error adjusting tokens: %v", err)
	}
	if adj.NewTokens != 1000 {
		t.Fatalf("extreme positive adjustment: got %d want %d", adj.NewTokens, 1000)
	}
	adj, err = c.AdjustTokens(ctx, "user-a", math.MaxInt64, "refund again")
	if err != nil {
		t.Fatalf("unexpected error adjusting tokens: %v", err)
	}
	if adj.OldTokens != 1000 || adj.NewTokens != 1000 {
		t.Fatalf("saturating adjustment at capacity: %+v", adj)
	}

	if _, err := c.AdjustTokens(ctx, "nobody", 10, "noop"); !errors.IsNotFound(err) {
		t.Fatalf("expected NotFound for missing bucket, got %v", err)
	}
}

func TestAdjustTokensKeepsLifetimeUsage(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(testStart)
	c := newTestController(t, &Config{Clock: clk})

	if _, err := c.ConsumeTokens(ctx, "user-a", TierPremium, 100, nil); err != nil {
		t.Fatalf("unexpected error consuming tokens: %v", err)
	}
	if _, err := c.AdjustTokens(ctx, "user-a", -300, "ops"); err != nil {
		t.Fatalf("unexpected error adjusting tokens: %v", err)
	}

	usage, err := c.GetTokenUsageStats(ctx, "user-a")
	if err != nil {
		t.Fatalf("unexpected error fetching usage: %v", err)
	}
	if usage.TotalConsumed != 100 {
		t.Fatalf("adjustment changed lifetime usage: got %d want %d", usage.TotalConsumed, 100)
	}
	if usage.TokensAvailable != 600 {
		t.Fatalf("tokens after adjustment: got %d want %d", usage.TokensAvailable, 600)
	}
}

func TestClearUserTokensDrainsBalance(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(testStart)
	c := newTestController(t, &Config{Clock: clk})

	if _, err := c.ConsumeTokens(ctx, "user-a", TierPremium, 40, nil); err != nil {
		t.Fatalf("unexpected error consuming tokens: %v", err)
	}

	adj, err := c.ClearUserTokens(ctx, "user-a", "abuse report")
	if err != nil {
		t.Fatalf("unexpected error clearing user tokens: %v", err)
	}
	if adj.OldTokens != 960 || adj.NewTokens != 0 {
		t.Fatalf("drain mismatch: %+v", adj)
	}

	// the bucket survives and keeps earning refills
	usage, err := c.GetTokenUsageStats(ctx, "user-a")
	if err != nil {
		t.Fatalf("expected bucket to survive a clear: %v", err)
	}
	if usage.TokensAvailable != 0 || usage.TotalConsumed != 40 {
		t.Fatalf("usage after drain: %+v", usage)
	}

	clk.Advance(time.Hour)
	res, err := c.ConsumeTokens(ctx, "user-a", TierPremium, 100, nil)
	if err != nil {
		t.Fatalf("unexpected error consuming tokens: %v", err)
	}
	if !res.Allowed || res.TokensRemaining != 0 {
		t.Fatalf("refill after drain mismatch: %+v", res)
	}

	if _, err := c.ClearUserTokens(ctx, "nobody", "noop"); !errors.IsNotFound(err) {
		t.Fatalf("expected NotFound for missing bucket, got %v", err)
	}
}

func TestGetTokenUsageStats(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(testStart)
	c := newTestController(t, &Config{Clock: clk})

	if _, err := c.ConsumeTokens(ctx, "user-a", TierPremium, 250, nil); err != nil {
		t.Fatalf("unexpected error consuming tokens: %v", err)
	}

	usage, err := c.GetTokenUsageStats(ctx, "user-a")
	if err != nil {
		t.Fatalf("unexpected error fetching usage: %v", err)
	}
	if usage.UserID != "user-a" || usage.UserType != TierPremium {
		t.Fatalf("usage identity mismatch: %+v", usage)
	}
	if usage.TokensAvailable != 750 || usage.TotalConsumed != 250 || usage.MaxTokens != 1000 {
		t.Fatalf("usage accounting mismatch: %+v", usage)
	}
	if usage.UtilizationRate != 25.0 {
		t.Fatalf("utilization rate: got %v want %v", usage.UtilizationRate, 25.0)
	}
	if want := testStart.Add(time.Hour); !usage.NextRefillTime.Equal(want) {
		t.Fatalf("next refill time: got %v want %v", usage.NextRefillTime, want)
	}

	if _, err := c.GetTokenUsageStats(ctx, "nobody"); !errors.IsNotFound(err) {
		t.Fatalf("expected NotFound for missing bucket, got %v", err)
	}
	if _, err := c.GetTokenUsageStats(ctx, ""); !errors.IsInvalidArgument(err) {
		t.Fatalf("expected InvalidArgument for empty user id, got %v", err)
	}
}

func TestGetSystemStatsTierNames(t *testing.T) {
	ctx := context.Background()
	c := newTestController(t, nil)

	stats, err := c.GetSystemStats(ctx)
	if err != nil {
		t.Fatalf("unexpected error fetching system stats: %v", err)
	}
	if len(stats.ConfiguredTiers) != 2 || stats.ConfiguredTiers[0] != TierPremium || stats.ConfiguredTiers[1] != TierPremiumPlus {
		t.Fatalf("configured tiers: got %v want [premium premiumPlus]", stats.ConfiguredTiers)
	}
}

func TestClearAllTokensKeepsCounters(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(testStart)
	c := newTestController(t, &Config{Clock: clk})

	if _, err := c.ConsumeTokens(ctx, "user-a", TierPremium, 1, nil); err != nil {
		t.Fatalf("unexpected error consuming tokens: %v", err)
	}
	if _, err := c.AllocateTokens(ctx, "user-b", TierPremiumPlus); err != nil {
		t.Fatalf("unexpected error allocating bucket: %v", err)
	}

	if err := c.ClearAllTokens(ctx, "maintenance"); err != nil {
		t.Fatalf("unexpected error clearing all tokens: %v", err)
	}

	stats, err := c.GetSystemStats(ctx)
	if err != nil {
		t.Fatalf("unexpected error fetching system stats: %v", err)
	}
	if stats.TotalBuckets != 0 {
		t.Fatalf("buckets after clear all: got %d want %d", stats.TotalBuckets, 0)
	}
	if stats.TokenAllocations != 2 || stats.TokenConsumptions != 1 {
		t.Fatalf("lifetime counters must survive a clear: %+v", stats)
	}
}

func TestSweepIdleBuckets(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(testStart)
	c := newTestController(t, &Config{Clock: clk})

	if _, err := c.AllocateTokens(ctx, "old", TierPremium); err != nil {
		t.Fatalf("unexpected error allocating bucket: %v", err)
	}
	clk.Advance(2 * time.Second)
	if _, err := c.AllocateTokens(ctx, "edge", TierPremium); err != nil {
		t.Fatalf("unexpected error allocating bucket: %v", err)
	}

	// land the cutoff between the two allocations
	clk.Advance(DefaultIdleThreshold - time.Second)

	evicted, err := c.SweepIdleBuckets(ctx)
	if err != nil {
		t.Fatalf("unexpected error sweeping buckets: %v", err)
	}
	if evicted != 1 {
		t.Fatalf("evicted buckets: got %d want %d", evicted, 1)
	}
	if _, err := c.GetTokenUsageStats(ctx, "old"); !errors.IsNotFound(err) {
		t.Fatalf("expected idle bucket to be gone, got %v", err)
	}
	if _, err := c.GetTokenUsageStats(ctx, "edge"); err != nil {
		t.Fatalf("bucket inside the threshold should survive: %v", err)
	}

	evicted, err = c.SweepIdleBuckets(ctx)
	if err != nil {
		t.Fatalf("unexpected error sweeping buckets: %v", err)
	}
	if evicted != 0 {
		t.Fatalf("repeated sweep evicted %d buckets, want 0", evicted)
	}
}

func TestSweeperLifecycle(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(testStart)
	c := newTestController(t, &Config{Clock: clk, SweepInterval: 10 * time.Millisecond})

	if _, err := c.AllocateTokens(ctx, "user-a", TierPremium); err != nil {
		t.Fatalf("unexpected error allocating bucket: %v", err)
	}
	clk.Advance(DefaultIdleThreshold + time.Minute)

	c.StartSweeper(ctx)
	c.StartSweeper(ctx) // second start is a no-op

	deadline := time.After(2 * time.Second)
	for {
		stats, err := c.GetSystemStats(ctx)
		if err != nil {
			t.Fatalf("unexpected error fetching system stats: %v", err)
		}
		if stats.TotalBuckets == 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("sweeper did not evict the idle bucket in time")
		case <-time.After(5 * time.Millisecond):
		}
	}

	c.StopSweeper()
	c.StopSweeper() // second stop is a no-op

	// a stopped sweeper leaves new idle buckets alone
	if _, err := c.AllocateTokens(ctx, "user-b", TierPremium); err != nil {
		t.Fatalf("unexpected error allocating bucket: %v", err)
	}
	clk.Advance(DefaultIdleThreshold + time.Minute)
	time.Sleep(50 * time.Millisecond)
	stats, err := c.GetSystemStats(ctx)
	if err != nil {
		t.Fatalf("unexpected error fetching system stats: %v", err)
	}
	if stats.TotalBuckets != 1 {
		t.Fatalf("stopped sweeper still evicting: %+v", stats)
	}
}

func TestConsumeEmitsAuditTrail(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(testStart)
	rec := audit.NewMemoryRecorder(16)
	tiers := map[string]TierSpec{
		TierPremium: {MaxTokens: 2, RefillRate: 1, RefillInterval: time.Hour},
	}
	c := newTestController(t, &Config{Tiers: tiers, Clock: clk, Audit: rec})

	access := &AccessContext{Path: "/api/patients", Method: "GET", RequestID: "req-1"}
	if _, err := c.ConsumeTokens(ctx, "user-a", TierPremium, 2, access); err != nil {
		t.Fatalf("unexpected error consuming tokens: %v", err)
	}
	if _, err := c.ConsumeTokens(ctx, "user-a", TierPremium, 1, access); err != nil {
		t.Fatalf("unexpected error consuming tokens: %v", err)
	}

	events := rec.Tail(3)
	if len(events) != 3 {
		t.Fatalf("expected 3 audit events, got %d", len(events))
	}
	if events[0].Action != audit.ActionAllocate || events[0].UserID != "user-a" {
		t.Fatalf("first event should be the allocation: %+v", events[0])
	}
	if events[1].Action != audit.ActionConsume || !events[1].Allowed || events[1].Cost != 2 {
		t.Fatalf("second event should be the admitted consumption: %+v", events[1])
	}
	if events[1].Path != "/api/patients" || events[1].Method != "GET" || events[1].RequestID != "req-1" {
		t.Fatalf("consumption event lost its request coordinates: %+v", events[1])
	}
	if events[2].Action != audit.ActionConsume || events[2].Allowed || events[2].Code != CodeTokenRateLimitExceeded {
		t.Fatalf("third event should be the denial: %+v", events[2])
	}
}

func TestCapacityInvariantAcrossMixedOperations(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(testStart)
	tiers := map[string]TierSpec{
		TierPremium: {MaxTokens: 50, RefillRate: 5, RefillInterval: time.Minute},
	}
	c := newTestController(t, &Config{Tiers: tiers, Clock: clk})

	lastTotal := int64(0)
	check := func(step string) {
		t.Helper()
		usage, err := c.GetTokenUsageStats(ctx, "user-a")
		if err != nil {
			t.Fatalf("%s: unexpected error fetching usage: %v", step, err)
		}
		if usage.TokensAvailable < 0 || usage.TokensAvailable > usage.MaxTokens {
			t.Fatalf("%s: balance out of bounds: %+v", step, usage)
		}
		if usage.TotalConsumed < lastTotal {
			t.Fatalf("%s: lifetime usage decreased from %d to %d", step, lastTotal, usage.TotalConsumed)
		}
		lastTotal = usage.TotalConsumed
	}

	if _, err := c.ConsumeTokens(ctx, "user-a", TierPremium, 10, nil); err != nil {
		t.Fatalf("unexpected error consuming tokens: %v", err)
	}
	check("consume 10")

	clk.Advance(90 * time.Second)
	if _, err := c.AdjustTokens(ctx, "user-a", 100, "refund"); err != nil {
		t.Fatalf("unexpected error adjusting tokens: %v", err)
	}
	check("adjust +100")

	if _, err := c.ConsumeTokens(ctx, "user-a", TierPremium, 50, nil); err != nil {
		t.Fatalf("unexpected error consuming tokens: %v", err)
	}
	check("consume 50")

	if _, err := c.ConsumeTokens(ctx, "user-a", TierPremium, 1, nil); err != nil {
		t.Fatalf("unexpected error consuming tokens: %v", err)
	}
	check("denied consume")

	if _, err := c.AdjustTokens(ctx, "user-a", -3, "ops"); err != nil {
		t.Fatalf("unexpected error adjusting tokens: %v", err)
	}
	check("adjust -3")

	clk.Advance(10 * time.Minute)
	if _, err := c.ConsumeTokens(ctx, "user-a", TierPremium, 1, nil); err != nil {
		t.Fatalf("unexpected error consuming tokens: %v", err)
	}
	check("consume after refill")
}

func TestConcurrentConsumeNeverOverspends(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(testStart)
	tiers := map[string]TierSpec{
		TierPremium: {MaxTokens: 100, RefillRate: 1, RefillInterval: time.Hour},
	}
	c := newTestController(t, &Config{Tiers: tiers, Clock: clk})

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				res, err := c.ConsumeTokens(ctx, "user-a", TierPremium, 1, nil)
				if err != nil {
					t.Errorf("unexpected error consuming tokens: %v", err)
					return
				}
				if res.Allowed {
					allowed.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	if got := allowed.Load(); got != 100 {
		t.Fatalf("admitted requests: got %d want %d", got, 100)
	}
	usage, err := c.GetTokenUsageStats(ctx, "user-a")
	if err != nil {
		t.Fatalf("unexpected error fetching usage: %v", err)
	}
	if usage.TokensAvailable != 0 || usage.TotalConsumed != 100 {
		t.Fatalf("final accounting mismatch: %+v", usage)
	}
	stats, err := c.GetSystemStats(ctx)
	if err != nil {
		t.Fatalf("unexpected error fetching system stats: %v", err)
	}
	if stats.TokenConsumptions != 100 {
		t.Fatalf("token consumptions: got %d want %d", stats.TokenConsumptions, 100)
	}
}
