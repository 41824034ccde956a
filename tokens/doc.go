// Copyright © 2026 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package tokens provides per-user token bucket accounting for request
// admission.
//
// # Overview
//
// Every eligible user owns one bucket holding up to MaxTokens units.
// Requests drain the bucket by an endpoint-specific cost and the bucket
// regains RefillRate tokens for every whole RefillInterval that has
// elapsed since its last refill. Users whose tier is not configured for
// token accounting are reported back to the caller for handling by a
// conventional fixed-window limiter.
//
// # Token Accounting
//
// All quantities are non-negative integers. Refill is computed lazily on
// access rather than by a background timer:
//
//   - grant = floor(elapsed / refillInterval) * refillRate
//   - tokens = min(maxTokens, tokens + grant)
//   - lastRefill advances by the whole intervals consumed, never to the
//     current instant, so fractional-interval credit is preserved
//
// Repeated refills within the same sub-interval are no-ops, which keeps
// the grant rate independent of how often the bucket is touched. The
// refill and the subsequent debit for a request form one critical
// section, concurrent consumers can never spend the same tokens twice.
//
// # Admission Outcomes
//
// Consumption distinguishes expected outcomes from caller mistakes.
// A denied request and a non-eligible tier are normal results carried in
// ConsumeResult with a stable machine readable code, while a malformed
// call such as a non-positive cost is an error. Denials carry a retry
// projection rounded up to the next whole refill interval from the
// moment of denial, partial interval credit is deliberately ignored so
// the advisory time is never optimistic.
//
// # Idle Eviction
//
// Buckets whose last refill is older than a configured threshold are
// removed by a periodic sweep owned by the controller. The sweep runs
// under the same lock as request admission and its lifecycle is explicit
// so shutdown and tests can stop it deterministically.
//
// # Example Usage
//
//	ctrl, _ := tokens.NewController(&tokens.Config{
//		Tiers: tokens.DefaultTiers(),
//	})
//	ctrl.StartSweeper(ctx)
//	defer ctrl.StopSweeper()
//
//	res, err := ctrl.ConsumeTokens(ctx, "user-1", "premium", 2, &tokens.AccessContext{
//		Path:   "/api/patients",
//		Method: "GET",
//	})
//	if err != nil {
//		// malformed call, not a rate decision
//	}
//	if res.Allowed {
//		// proceed, res.TokensRemaining tokens left
//	} else if res.Fallback {
//		// tier not token managed, use the standard limiter
//	} else {
//		// quota exhausted, retry after res.RetryAfter
//	}
package tokens
