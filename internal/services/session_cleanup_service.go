package services

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/jackc/pgconn"

	"github.com/poofware/login-guard-service/internal/repositories"
	"github.com/poofware/login-guard-service/internal/utils"
)

// One retry on transient network errors (EOF, closed connection) with a small back-off.
var cleanupRetryDelay = 3 * time.Second

// SessionCleanupService deletes sessions past expires_at.
type SessionCleanupService interface {
	CleanupExpired(ctx context.Context) error
}

type sessionCleanupService struct {
	repo  repositories.VerificationSessionRepository
	clock utils.Clock
}

func NewSessionCleanupService(repo repositories.VerificationSessionRepository, clock utils.Clock) SessionCleanupService {
	return &sessionCleanupService{repo: repo, clock: clock}
}

func (s *sessionCleanupService) CleanupExpired(ctx context.Context) error {
	var removed int64
	err := runWithRetry(ctx, "session cleanup", func(ctx context.Context) error {
		n, err := s.repo.CleanupExpired(ctx, s.clock.Now())
		removed = n
		return err
	})
	if err != nil {
		utils.Logger.WithError(err).Error("Failed to cleanup expired verification_sessions")
		return err
	}
	utils.Logger.WithField("removed", removed).Info("Expired verification session cleanup completed")
	return nil
}

// runWithRetry executes op(ctx) and, if it returns a transient network
// error, waits a moment then retries once.
func runWithRetry(ctx context.Context, name string, op func(context.Context) error) error {
	err := op(ctx)
	if err == nil || !isTransientDBError(err) {
		return err
	}
	utils.Logger.WithError(err).Warnf("%s hit transient DB error; retrying once", name)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(cleanupRetryDelay):
	}
	return op(ctx)
}

func isTransientDBError(err error) bool {
	return errors.Is(err, io.EOF) ||
		pgconn.SafeToRetry(err) ||
		strings.Contains(err.Error(), "connection was closed")
}
