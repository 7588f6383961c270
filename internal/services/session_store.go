package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/poofware/login-guard-service/internal/models"
	"github.com/poofware/login-guard-service/internal/repositories"
	"github.com/poofware/login-guard-service/internal/utils"
)

const (
	// 32 bytes = 256 bits of entropy, hex encoded.
	sessionTokenBytes = 32
	maxTokenAttempts  = 3
)

// SessionStore is the keyed session storage seen by the state machine. It
// applies the expiry predicate on every read and write.
type SessionStore interface {
	Create(ctx context.Context, originIP, originAgent string, ttl time.Duration) (*models.VerificationSession, error)
	// Get returns utils.ErrNotFound for absent and expired tokens alike.
	Get(ctx context.Context, token string) (*models.VerificationSession, error)
	ConditionalUpdate(ctx context.Context, token string, expected []models.SessionStatus, m models.SessionMutation) error
}

type sessionStore struct {
	repo  repositories.VerificationSessionRepository
	clock utils.Clock
}

func NewSessionStore(repo repositories.VerificationSessionRepository, clock utils.Clock) SessionStore {
	return &sessionStore{repo: repo, clock: clock}
}

func (s *sessionStore) Create(ctx context.Context, originIP, originAgent string, ttl time.Duration) (*models.VerificationSession, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("%w: session ttl must be positive", utils.ErrInvalidArgument)
	}

	for attempt := 1; attempt <= maxTokenAttempts; attempt++ {
		token, err := utils.RandomToken(sessionTokenBytes)
		if err != nil {
			return nil, fmt.Errorf("generate session token: %w", err)
		}

		now := s.clock.Now()
		session := &models.VerificationSession{
			ID:          uuid.New(),
			Token:       token,
			Status:      models.SessionStatusPending,
			OriginIP:    originIP,
			OriginAgent: originAgent,
			CreatedAt:   now,
			UpdatedAt:   now,
			ExpiresAt:   now.Add(ttl),
		}

		err = s.repo.Create(ctx, session)
		if err == nil {
			return session, nil
		}
		if !errors.Is(err, utils.ErrDuplicateToken) {
			return nil, fmt.Errorf("create session: %w", err)
		}
		utils.Logger.WithField("attempt", attempt).Warn("Session token collision, retrying with a new token")
	}
	return nil, fmt.Errorf("create session: %w after %d attempts", utils.ErrDuplicateToken, maxTokenAttempts)
}

func (s *sessionStore) Get(ctx context.Context, token string) (*models.VerificationSession, error) {
	if token == "" {
		return nil, utils.ErrNotFound
	}
	session, err := s.repo.GetByToken(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if session == nil || session.IsExpired(s.clock.Now()) {
		return nil, utils.ErrNotFound
	}
	return session, nil
}

func (s *sessionStore) ConditionalUpdate(
	ctx context.Context,
	token string,
	expected []models.SessionStatus,
	m models.SessionMutation,
) error {
	err := s.repo.ConditionalUpdate(ctx, token, expected, m, s.clock.Now())
	switch {
	case err == nil:
		return nil
	case errors.Is(err, utils.ErrNotFound), errors.Is(err, utils.ErrStatusConflict):
		return err
	default:
		return fmt.Errorf("update session: %w", err)
	}
}
