package repositories

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/poofware/login-guard-service/internal/models"
	"github.com/poofware/login-guard-service/internal/utils"
)

// MemoryVerificationSessionRepository keeps sessions in process memory. One
// mutex guards the map, which makes ConditionalUpdate linearizable per token.
// Used when no DATABASE_URL is configured and in tests.
type MemoryVerificationSessionRepository struct {
	mu       sync.Mutex
	sessions map[string]*models.VerificationSession
}

func NewMemoryVerificationSessionRepository() *MemoryVerificationSessionRepository {
	return &MemoryVerificationSessionRepository{
		sessions: make(map[string]*models.VerificationSession),
	}
}

func (r *MemoryVerificationSessionRepository) Create(ctx context.Context, s *models.VerificationSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[s.Token]; exists {
		return utils.ErrDuplicateToken
	}
	r.sessions[s.Token] = s.Clone()
	return nil
}

func (r *MemoryVerificationSessionRepository) GetByToken(ctx context.Context, token string) (*models.VerificationSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[token].Clone(), nil
}

func (r *MemoryVerificationSessionRepository) ConditionalUpdate(
	ctx context.Context,
	token string,
	expected []models.SessionStatus,
	m models.SessionMutation,
	now time.Time,
) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.sessions[token]
	if !ok || current.IsExpired(now) {
		return utils.ErrNotFound
	}
	if !slices.Contains(expected, current.Status) {
		return utils.ErrStatusConflict
	}
	next := current.Clone()
	if !m.Apply(next, now) {
		return utils.ErrStatusConflict
	}
	r.sessions[token] = next
	return nil
}

func (r *MemoryVerificationSessionRepository) CleanupExpired(ctx context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for token, s := range r.sessions {
		if s.ExpiresAt.Before(now) {
			delete(r.sessions, token)
			n++
		}
	}
	return n, nil
}
