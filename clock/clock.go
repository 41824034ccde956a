// Copyright © 2026 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package clock abstracts the wall clock so that components performing
// time arithmetic (refill grants, idle aging) can be driven by a manual
// clock in tests instead of sleeping on the real one.
package clock

import (
	"sync"
	"time"
)

// Clock provides the current time to time-sensitive components.
type Clock interface {
	Now() time.Time
}

// system clock backed by time.Now
type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now()
}

// System returns the wall clock. This is the default time source
// for all components when none is injected explicitly.
func System() Clock {
	return systemClock{}
}

// Manual is a test clock whose current time only moves when told to.
// Safe for concurrent use.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

// NewManual creates a manual clock positioned at the given instant.
func NewManual(at time.Time) *Manual {
	return &Manual{now: at}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the clock forward by d and returns the new current time.
func (m *Manual) Advance(d time.Duration) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
	return m.now
}

// Set positions the clock at the given instant.
func (m *Manual) Set(at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = at
}
