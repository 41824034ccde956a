// Copyright © 2026 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package audit records rate-control decisions and administrative overrides
// so that access patterns remain reconstructable after the fact. Recorders
// are fire and forget, the request path never waits on a sink.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Actions recorded against the token accounting state.
const (
	ActionAllocate = "allocate"
	ActionConsume  = "consume"
	ActionAdjust   = "adjust"
	ActionClear    = "clear"
	ActionEvict    = "evict"
	ActionStandard = "standard"
)

// Event is one audit record. Admission events carry the decision and the
// request coordinates, administrative events carry the operator reason.
type Event struct {
	ID        string    `bson:"_id" json:"id"`
	Time      time.Time `bson:"time" json:"time"`
	Action    string    `bson:"action" json:"action"`
	UserID    string    `bson:"userId,omitempty" json:"userId,omitempty"`
	UserType  string    `bson:"userType,omitempty" json:"userType,omitempty"`
	Allowed   bool      `bson:"allowed" json:"allowed"`
	Code      string    `bson:"code,omitempty" json:"code,omitempty"`
	Cost      int64     `bson:"cost,omitempty" json:"cost,omitempty"`
	Remaining int64     `bson:"remaining,omitempty" json:"remaining,omitempty"`
	Path      string    `bson:"path,omitempty" json:"path,omitempty"`
	Method    string    `bson:"method,omitempty" json:"method,omitempty"`
	RequestID string    `bson:"requestId,omitempty" json:"requestId,omitempty"`
	Reason    string    `bson:"reason,omitempty" json:"reason,omitempty"`
}

// Recorder accepts audit events. Implementations must be safe for
// concurrent use and must not block the caller on slow storage.
type Recorder interface {
	Record(ctx context.Context, ev *Event)
}

// Nop drops all events.
type Nop struct{}

func (Nop) Record(context.Context, *Event) {}

// stamp fills the identity fields a sink is responsible for
func stamp(ev *Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
}

// MemoryRecorder keeps the most recent events in a bounded in-process
// buffer, oldest entries are discarded once capacity is reached.
type MemoryRecorder struct {
	mu     sync.Mutex
	limit  int
	events []Event
}

const defaultMemoryLimit = 1024

// NewMemoryRecorder creates a bounded in-memory recorder. A limit
// below 1 falls back to the default of 1024 events.
func NewMemoryRecorder(limit int) *MemoryRecorder {
	if limit < 1 {
		limit = defaultMemoryLimit
	}
	return &MemoryRecorder{
		limit: limit,
	}
}

func (r *MemoryRecorder) Record(_ context.Context, ev *Event) {
	if ev == nil {
		return
	}
	e := *ev
	stamp(&e)

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == r.limit {
		copy(r.events, r.events[1:])
		r.events = r.events[:r.limit-1]
	}
	r.events = append(r.events, e)
}

// Tail returns up to n most recent events, oldest first.
func (r *MemoryRecorder) Tail(n int) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n < 0 {
		n = 0
	}
	if n > len(r.events) {
		n = len(r.events)
	}
	out := make([]Event, n)
	copy(out, r.events[len(r.events)-n:])
	return out
}

// Len returns the number of events currently buffered.
func (r *MemoryRecorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}
