package services

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/poofware/login-guard-service/internal/models"
	"github.com/poofware/login-guard-service/internal/repositories"
	"github.com/poofware/login-guard-service/internal/utils"
)

var errEmptyIdentity = fmt.Errorf("%w: empty rate limit identity", utils.ErrInvalidArgument)

// RateLimitDecision is the outcome of a rate-limit check.
type RateLimitDecision struct {
	Allowed    bool
	RetryAfter time.Duration // whole minutes, zero when allowed
}

// RetryAfterMinutes is zero when allowed.
func (d RateLimitDecision) RetryAfterMinutes() int {
	if d.Allowed {
		return 0
	}
	return utils.WholeMinutes(d.RetryAfter)
}

// RateLimiterService keeps fixed windows per (identity, action) that start
// fresh once they elapse.
type RateLimiterService interface {
	// Check counts an attempt and reports whether it is allowed. A denied
	// attempt is not counted.
	Check(ctx context.Context, identity string, action models.RateLimitAction, maxAttempts int, window time.Duration) (RateLimitDecision, error)
	// Peek reports whether the next attempt would be allowed without counting it.
	Peek(ctx context.Context, identity string, action models.RateLimitAction, maxAttempts int, window time.Duration) (RateLimitDecision, error)
	Reset(ctx context.Context, identity string, action models.RateLimitAction) error
	// ResetAll clears every action's counter for identity.
	ResetAll(ctx context.Context, identity string) error
}

type rateLimiterService struct {
	repo    repositories.RateLimitRepository
	clock   utils.Clock
	metrics *Metrics
}

func NewRateLimiterService(repo repositories.RateLimitRepository, clock utils.Clock, metrics *Metrics) RateLimiterService {
	return &rateLimiterService{repo: repo, clock: clock, metrics: metrics}
}

func (s *rateLimiterService) Check(
	ctx context.Context,
	identity string,
	action models.RateLimitAction,
	maxAttempts int,
	window time.Duration,
) (RateLimitDecision, error) {
	if maxAttempts < 1 || window <= 0 {
		return RateLimitDecision{}, fmt.Errorf("%w: invalid quota for %s", utils.ErrInvalidArgument, action)
	}
	if identity == "" {
		return RateLimitDecision{}, errEmptyIdentity
	}

	now := s.clock.Now()
	var decision RateLimitDecision

	_, err := s.repo.Upsert(ctx, identity, action, func(current *models.RateLimitCounter) *models.RateLimitCounter {
		if current == nil || current.WindowElapsed(now, window) {
			decision = RateLimitDecision{Allowed: true}
			return &models.RateLimitCounter{
				AttemptCount:  1,
				WindowStart:   now,
				LastAttemptAt: now,
				ExpiresAt:     now.Add(window),
			}
		}
		if current.AttemptCount < maxAttempts {
			decision = RateLimitDecision{Allowed: true}
			next := *current
			next.AttemptCount++
			next.LastAttemptAt = now
			return &next
		}
		decision = denied(current, now, window)
		return current
	})
	if err != nil {
		return RateLimitDecision{}, fmt.Errorf("rate limit check %s: %w", action, err)
	}

	if !decision.Allowed {
		utils.Logger.WithFields(logrus.Fields{
			"action":      action,
			"identity":    identity,
			"retry_after": decision.RetryAfter,
		}).Warn("Rate limit exceeded")
		s.metrics.RateLimitDenied(ctx, action)
	}
	return decision, nil
}

func (s *rateLimiterService) Peek(
	ctx context.Context,
	identity string,
	action models.RateLimitAction,
	maxAttempts int,
	window time.Duration,
) (RateLimitDecision, error) {
	if identity == "" {
		return RateLimitDecision{}, errEmptyIdentity
	}
	current, err := s.repo.Get(ctx, identity, action)
	if err != nil {
		return RateLimitDecision{}, fmt.Errorf("rate limit peek %s: %w", action, err)
	}
	now := s.clock.Now()
	if current == nil || current.WindowElapsed(now, window) || current.AttemptCount < maxAttempts {
		return RateLimitDecision{Allowed: true}, nil
	}
	return denied(current, now, window), nil
}

func (s *rateLimiterService) Reset(ctx context.Context, identity string, action models.RateLimitAction) error {
	if err := s.repo.Delete(ctx, identity, action); err != nil {
		return fmt.Errorf("rate limit reset %s: %w", action, err)
	}
	return nil
}

func (s *rateLimiterService) ResetAll(ctx context.Context, identity string) error {
	for _, action := range models.AllRateLimitActions {
		if err := s.Reset(ctx, identity, action); err != nil {
			return err
		}
	}
	return nil
}

func denied(current *models.RateLimitCounter, now time.Time, window time.Duration) RateLimitDecision {
	remaining := current.WindowStart.Add(window).Sub(now)
	return RateLimitDecision{
		Allowed:    false,
		RetryAfter: time.Duration(utils.WholeMinutes(remaining)) * time.Minute,
	}
}
