// Copyright © 2026 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package tokens

import (
	"time"
)

// Bucket is the accounting state for one user. Tokens always stays
// within [0, MaxTokens] and TotalConsumed only ever grows. UserType and
// the capacity fields are fixed at allocation time, re-allocation is
// the only operation allowed to change them.
type Bucket struct {
	UserID         string        `json:"userId"`
	UserType       string        `json:"userType"`
	Tokens         int64         `json:"tokens"`
	MaxTokens      int64         `json:"maxTokens"`
	RefillRate     int64         `json:"refillRate"`
	RefillInterval time.Duration `json:"refillInterval"`
	BurstLimit     int64         `json:"burstLimit"`
	LastRefill     time.Time     `json:"lastRefill"`
	CreatedAt      time.Time     `json:"createdAt"`
	TotalConsumed  int64         `json:"totalConsumed"`
}

// ceilDiv returns a divided by b rounded towards positive infinity,
// callers must ensure a >= 0 and b >= 1
func ceilDiv(a, b int64) int64 {
	return (a + b - 1) / b
}

// refill grants the tokens earned since the last refill and advances
// LastRefill by the whole intervals consumed. Calls within the same
// sub-interval leave the bucket untouched, so the grant rate does not
// depend on how often the bucket is observed.
func (b *Bucket) refill(now time.Time) {
	if b.RefillInterval <= 0 || b.RefillRate <= 0 {
		return
	}
	elapsed := now.Sub(b.LastRefill)
	if elapsed < b.RefillInterval {
		return
	}
	intervals := int64(elapsed / b.RefillInterval)
	headroom := b.MaxTokens - b.Tokens
	if headroom > 0 {
		// compare interval counts instead of multiplying out the
		// grant, a long-idle bucket would overflow the product
		if intervals >= ceilDiv(headroom, b.RefillRate) {
			b.Tokens = b.MaxTokens
		} else {
			b.Tokens += intervals * b.RefillRate
		}
	}
	b.LastRefill = b.LastRefill.Add(elapsed - elapsed%b.RefillInterval)
}

// nextRefillAt returns the instant of the next refill grant, valid
// right after a refill pass
func (b *Bucket) nextRefillAt() time.Time {
	return b.LastRefill.Add(b.RefillInterval)
}

// fullAt projects when the bucket is back at capacity assuming no
// further consumption, or now when it already is full.
func (b *Bucket) fullAt(now time.Time) time.Time {
	headroom := b.MaxTokens - b.Tokens
	if headroom <= 0 || b.RefillRate <= 0 {
		return now
	}
	intervals := ceilDiv(headroom, b.RefillRate)
	return b.LastRefill.Add(time.Duration(intervals) * b.RefillInterval)
}

// retryWait returns how long a denied request must wait until at least
// cost tokens have accumulated. The estimate rounds up to whole refill
// intervals from the moment of denial, partial interval credit is not
// counted so the advisory is never shorter than the real wait.
func (b *Bucket) retryWait(cost int64) time.Duration {
	short := cost - b.Tokens
	if short <= 0 || b.RefillRate <= 0 {
		return 0
	}
	intervals := ceilDiv(short, b.RefillRate)
	return time.Duration(intervals) * b.RefillInterval
}

// clone returns an independent copy for handing out as a snapshot
func (b *Bucket) clone() *Bucket {
	cp := *b
	return &cp
}
