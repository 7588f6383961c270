package services

import (
	"context"

	"github.com/poofware/login-guard-service/internal/repositories"
	"github.com/poofware/login-guard-service/internal/utils"
)

// RateLimitCleanupService removes rate limit counters whose window has ended.
type RateLimitCleanupService interface {
	CleanupExpired(ctx context.Context) error
}

type rateLimitCleanupService struct {
	repo  repositories.RateLimitRepository
	clock utils.Clock
}

func NewRateLimitCleanupService(repo repositories.RateLimitRepository, clock utils.Clock) RateLimitCleanupService {
	return &rateLimitCleanupService{repo: repo, clock: clock}
}

// CleanupExpired removes expired counters and logs any errors.
func (s *rateLimitCleanupService) CleanupExpired(ctx context.Context) error {
	var removed int64
	err := runWithRetry(ctx, "rate limit cleanup", func(ctx context.Context) error {
		n, err := s.repo.CleanupExpired(ctx, s.clock.Now())
		removed = n
		return err
	})
	if err != nil {
		utils.Logger.WithError(err).Error("Failed to cleanup expired rate_limit_counters")
		return err
	}
	utils.Logger.WithField("removed", removed).Info("Rate limit counter cleanup completed")
	return nil
}
