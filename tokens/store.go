// Copyright © 2026 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package tokens

import (
	"context"
	"sync"
	"time"

	"github.com/go-core-stack/ratecontrol/errors"
)

// Store is the bucket keeper underneath the controller. Implementations
// exchange detached copies with the caller, mutating a bucket returned
// by Get never changes stored state until it is Put back. The controller
// serializes all mutating access, a Store only needs to be safe for
// concurrent readers.
type Store interface {
	// Get returns a copy of the bucket for the given user, or a
	// NotFound error when the user has none
	Get(ctx context.Context, userID string) (*Bucket, error)

	// Put stores a copy of the given bucket keyed by its UserID,
	// replacing any previous state for that user
	Put(ctx context.Context, b *Bucket) error

	// Delete removes the bucket for the given user, removing an
	// absent bucket is not an error
	Delete(ctx context.Context, userID string) error

	// Count returns the number of buckets currently held
	Count(ctx context.Context) (int64, error)

	// Clear drops every bucket
	Clear(ctx context.Context) error

	// DeleteIdle removes all buckets whose LastRefill is before the
	// given cutoff and returns the user ids that were evicted
	DeleteIdle(ctx context.Context, cutoff time.Time) ([]string, error)
}

// memoryStore is the default in-process Store backed by a plain map.
type memoryStore struct {
	mu      sync.RWMutex
	buckets map[string]*Bucket
}

// NewMemoryStore creates an empty in-memory bucket store.
func NewMemoryStore() Store {
	return &memoryStore{
		buckets: map[string]*Bucket{},
	}
}

func (s *memoryStore) Get(_ context.Context, userID string) (*Bucket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.buckets[userID]
	if !ok {
		return nil, errors.Wrapf(errors.NotFound, "no token bucket for user %q", userID)
	}
	return b.clone(), nil
}

func (s *memoryStore) Put(_ context.Context, b *Bucket) error {
	if b == nil || b.UserID == "" {
		return errors.Wrapf(errors.InvalidArgument, "bucket must carry a user id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buckets[b.UserID] = b.clone()
	return nil
}

func (s *memoryStore) Delete(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.buckets, userID)
	return nil
}

func (s *memoryStore) Count(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.buckets)), nil
}

func (s *memoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buckets = map[string]*Bucket{}
	return nil
}

func (s *memoryStore) DeleteIdle(_ context.Context, cutoff time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var evicted []string
	for id, b := range s.buckets {
		if b.LastRefill.Before(cutoff) {
			evicted = append(evicted, id)
		}
	}
	for _, id := range evicted {
		delete(s.buckets, id)
	}
	return evicted, nil
}
