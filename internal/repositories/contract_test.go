package repositories

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poofware/login-guard-service/internal/models"
	"github.com/poofware/login-guard-service/internal/utils"
)

// The contract functions run against every VerificationSessionRepository and
// RateLimitRepository implementation.

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestSession(t *testing.T, now time.Time) *models.VerificationSession {
	t.Helper()
	token, err := utils.RandomToken(32)
	require.NoError(t, err)
	return &models.VerificationSession{
		ID:          uuid.New(),
		Token:       token,
		Status:      models.SessionStatusPending,
		OriginIP:    "203.0.113.10",
		OriginAgent: "test-agent",
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(15 * time.Minute),
	}
}

func runSessionRepositoryContract(t *testing.T, repo VerificationSessionRepository) {
	ctx := context.Background()

	t.Run("CreateAndGet", func(t *testing.T) {
		s := newTestSession(t, baseTime)
		require.NoError(t, repo.Create(ctx, s))

		got, err := repo.GetByToken(ctx, s.Token)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, s.ID, got.ID)
		assert.Equal(t, models.SessionStatusPending, got.Status)
		assert.Nil(t, got.ChallengeCode)
		assert.Empty(t, got.ChallengeOptions)
		assert.Nil(t, got.RedeemedAt)
		assert.Equal(t, "203.0.113.10", got.OriginIP)
	})

	t.Run("DuplicateToken", func(t *testing.T) {
		s := newTestSession(t, baseTime)
		require.NoError(t, repo.Create(ctx, s))
		dup := newTestSession(t, baseTime)
		dup.Token = s.Token
		assert.ErrorIs(t, repo.Create(ctx, dup), utils.ErrDuplicateToken)
	})

	t.Run("MissingTokenReturnsNil", func(t *testing.T) {
		got, err := repo.GetByToken(ctx, "does-not-exist")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("ConditionalUpdateHonoursExpectedStatus", func(t *testing.T) {
		s := newTestSession(t, baseTime)
		require.NoError(t, repo.Create(ctx, s))

		err := repo.ConditionalUpdate(ctx, s.Token,
			[]models.SessionStatus{models.SessionStatusNumberAssigned},
			models.SessionMutation{Status: models.SessionStatusConfirmed}, baseTime)
		assert.ErrorIs(t, err, utils.ErrStatusConflict)

		code := "4821"
		err = repo.ConditionalUpdate(ctx, s.Token,
			[]models.SessionStatus{models.SessionStatusPending},
			models.SessionMutation{Status: models.SessionStatusNumberAssigned, ChallengeCode: &code},
			baseTime.Add(time.Minute))
		require.NoError(t, err)

		got, err := repo.GetByToken(ctx, s.Token)
		require.NoError(t, err)
		assert.Equal(t, models.SessionStatusNumberAssigned, got.Status)
		require.NotNil(t, got.ChallengeCode)
		assert.Equal(t, "4821", *got.ChallengeCode)
		assert.True(t, got.UpdatedAt.Equal(baseTime.Add(time.Minute)))
	})

	t.Run("SetOnceFieldsCannotBeOverwritten", func(t *testing.T) {
		s := newTestSession(t, baseTime)
		require.NoError(t, repo.Create(ctx, s))

		opts := []string{"1111", "2222", "3333", "4444", "5555"}
		require.NoError(t, repo.ConditionalUpdate(ctx, s.Token,
			[]models.SessionStatus{models.SessionStatusPending},
			models.SessionMutation{Status: models.SessionStatusPending, ChallengeOptions: opts}, baseTime))

		err := repo.ConditionalUpdate(ctx, s.Token,
			[]models.SessionStatus{models.SessionStatusPending},
			models.SessionMutation{Status: models.SessionStatusPending, ChallengeOptions: []string{"9999"}}, baseTime)
		assert.ErrorIs(t, err, utils.ErrStatusConflict)

		got, err := repo.GetByToken(ctx, s.Token)
		require.NoError(t, err)
		assert.Equal(t, opts, got.ChallengeOptions)
	})

	t.Run("ExpiredSessionIsNotFoundForWrites", func(t *testing.T) {
		s := newTestSession(t, baseTime)
		require.NoError(t, repo.Create(ctx, s))

		err := repo.ConditionalUpdate(ctx, s.Token,
			[]models.SessionStatus{models.SessionStatusPending},
			models.SessionMutation{Status: models.SessionStatusCancelled}, s.ExpiresAt)
		assert.ErrorIs(t, err, utils.ErrNotFound)

		err = repo.ConditionalUpdate(ctx, "missing-token",
			[]models.SessionStatus{models.SessionStatusPending},
			models.SessionMutation{Status: models.SessionStatusCancelled}, baseTime)
		assert.ErrorIs(t, err, utils.ErrNotFound)
	})

	t.Run("ConcurrentTransitionHasOneWinner", func(t *testing.T) {
		s := newTestSession(t, baseTime)
		require.NoError(t, repo.Create(ctx, s))

		const workers = 16
		var (
			wg        sync.WaitGroup
			successes atomic.Int32
			conflicts atomic.Int32
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				code := []string{"1000", "2000", "3000", "4000"}[i%4]
				err := repo.ConditionalUpdate(ctx, s.Token,
					[]models.SessionStatus{models.SessionStatusPending},
					models.SessionMutation{Status: models.SessionStatusNumberAssigned, ChallengeCode: &code}, baseTime)
				switch {
				case err == nil:
					successes.Add(1)
				case assert.ErrorIs(t, err, utils.ErrStatusConflict):
					conflicts.Add(1)
				}
			}(i)
		}
		wg.Wait()

		assert.EqualValues(t, 1, successes.Load())
		assert.EqualValues(t, workers-1, conflicts.Load())
	})

	t.Run("CleanupExpired", func(t *testing.T) {
		old := newTestSession(t, baseTime.Add(-time.Hour))
		fresh := newTestSession(t, baseTime)
		require.NoError(t, repo.Create(ctx, old))
		require.NoError(t, repo.Create(ctx, fresh))

		n, err := repo.CleanupExpired(ctx, baseTime)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, n, int64(1))

		got, err := repo.GetByToken(ctx, old.Token)
		require.NoError(t, err)
		assert.Nil(t, got)

		got, err = repo.GetByToken(ctx, fresh.Token)
		require.NoError(t, err)
		assert.NotNil(t, got)
	})
}

func incrementMutator(now time.Time, window time.Duration) RateLimitMutator {
	return func(current *models.RateLimitCounter) *models.RateLimitCounter {
		if current == nil {
			return &models.RateLimitCounter{AttemptCount: 1, WindowStart: now, LastAttemptAt: now, ExpiresAt: now.Add(window)}
		}
		next := *current
		next.AttemptCount++
		next.LastAttemptAt = now
		return &next
	}
}

func runRateLimitRepositoryContract(t *testing.T, repo RateLimitRepository, identity string) {
	ctx := context.Background()
	action := models.RateLimitActionWrongAnswer

	t.Run("UpsertCreatesThenIncrements", func(t *testing.T) {
		c, err := repo.Get(ctx, identity, action)
		require.NoError(t, err)
		assert.Nil(t, c)

		mut := incrementMutator(baseTime, 15*time.Minute)
		c, err = repo.Upsert(ctx, identity, action, mut)
		require.NoError(t, err)
		assert.Equal(t, 1, c.AttemptCount)

		c, err = repo.Upsert(ctx, identity, action, mut)
		require.NoError(t, err)
		assert.Equal(t, 2, c.AttemptCount)

		stored, err := repo.Get(ctx, identity, action)
		require.NoError(t, err)
		require.NotNil(t, stored)
		assert.Equal(t, 2, stored.AttemptCount)
		assert.Equal(t, identity, stored.Identity)
		assert.Equal(t, action, stored.Action)
		assert.True(t, stored.WindowStart.Equal(baseTime))
	})

	t.Run("ConcurrentUpsertsAreNotLost", func(t *testing.T) {
		other := identity + "-concurrent"
		mut := incrementMutator(baseTime, 15*time.Minute)

		const workers = 8
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := repo.Upsert(ctx, other, action, mut)
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		c, err := repo.Get(ctx, other, action)
		require.NoError(t, err)
		require.NotNil(t, c)
		assert.Equal(t, workers, c.AttemptCount)
	})

	t.Run("DeleteIsIdempotent", func(t *testing.T) {
		require.NoError(t, repo.Delete(ctx, identity, action))
		require.NoError(t, repo.Delete(ctx, identity, action))
		c, err := repo.Get(ctx, identity, action)
		require.NoError(t, err)
		assert.Nil(t, c)
	})

	t.Run("CleanupExpired", func(t *testing.T) {
		stale := identity + "-stale"
		_, err := repo.Upsert(ctx, stale, action, incrementMutator(baseTime.Add(-time.Hour), 15*time.Minute))
		require.NoError(t, err)

		n, err := repo.CleanupExpired(ctx, baseTime)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, n, int64(1))

		c, err := repo.Get(ctx, stale, action)
		require.NoError(t, err)
		assert.Nil(t, c)
	})
}
