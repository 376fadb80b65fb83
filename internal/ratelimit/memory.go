package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps attempts in process memory.
type MemoryStore struct {
	mu   sync.Mutex
	hits map[string][]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{hits: make(map[string][]time.Time)}
}

func (s *MemoryStore) Hit(ctx context.Context, key string, now time.Time, rule Rule) (Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-rule.Window)
	kept := s.hits[key][:0]
	for _, at := range s.hits[key] {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}

	if len(kept) >= rule.Max {
		s.hits[key] = kept
		oldest := now
		if len(kept) > 0 {
			oldest = kept[0]
		}
		return Decision{Allowed: false, Oldest: oldest}, nil
	}

	s.hits[key] = append(kept, now)
	return Decision{Allowed: true}, nil
}

func (s *MemoryStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for key, hits := range s.hits {
		kept := hits[:0]
		for _, at := range hits {
			if at.After(cutoff) {
				kept = append(kept, at)
			} else {
				removed++
			}
		}
		if len(kept) == 0 {
			delete(s.hits, key)
			continue
		}
		s.hits[key] = kept
	}
	return removed, nil
}
