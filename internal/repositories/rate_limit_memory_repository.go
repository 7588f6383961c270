package repositories

import (
	"context"
	"sync"
	"time"

	"github.com/poofware/login-guard-service/internal/models"
)

type counterKey struct {
	identity string
	action   models.RateLimitAction
}

// MemoryRateLimitRepository is the in-process RateLimitRepository.
type MemoryRateLimitRepository struct {
	mu       sync.Mutex
	counters map[counterKey]models.RateLimitCounter
}

func NewMemoryRateLimitRepository() *MemoryRateLimitRepository {
	return &MemoryRateLimitRepository{
		counters: make(map[counterKey]models.RateLimitCounter),
	}
}

func (r *MemoryRateLimitRepository) Get(ctx context.Context, identity string, action models.RateLimitAction) (*models.RateLimitCounter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.counters[counterKey{identity, action}]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (r *MemoryRateLimitRepository) Upsert(
	ctx context.Context,
	identity string,
	action models.RateLimitAction,
	mutate RateLimitMutator,
) (*models.RateLimitCounter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := counterKey{identity, action}
	var current *models.RateLimitCounter
	if c, ok := r.counters[key]; ok {
		current = &c
	}
	next := mutate(current)
	next.Identity = identity
	next.Action = action
	r.counters[key] = *next
	out := *next
	return &out, nil
}

func (r *MemoryRateLimitRepository) Delete(ctx context.Context, identity string, action models.RateLimitAction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.counters, counterKey{identity, action})
	return nil
}

func (r *MemoryRateLimitRepository) CleanupExpired(ctx context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for k, c := range r.counters {
		if c.ExpiresAt.Before(now) {
			delete(r.counters, k)
			n++
		}
	}
	return n, nil
}
