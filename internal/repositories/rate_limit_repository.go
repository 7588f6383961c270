package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4"

	"github.com/poofware/login-guard-service/internal/models"
)

// RateLimitMutator receives the current counter (nil if none exists) and
// returns the counter to store. It may run more than once under contention.
type RateLimitMutator func(current *models.RateLimitCounter) *models.RateLimitCounter

// RateLimitRepository stores per (identity, action) counters.
type RateLimitRepository interface {
	// Get returns the counter or nil if absent.
	Get(ctx context.Context, identity string, action models.RateLimitAction) (*models.RateLimitCounter, error)
	// Upsert atomically reads, mutates and writes the counter.
	Upsert(ctx context.Context, identity string, action models.RateLimitAction, mutate RateLimitMutator) (*models.RateLimitCounter, error)
	// Delete removes the counter. Deleting a missing counter is not an error.
	Delete(ctx context.Context, identity string, action models.RateLimitAction) error
	// CleanupExpired removes all counters whose window ended before now.
	CleanupExpired(ctx context.Context, now time.Time) (int64, error)
}

const maxUpsertRetries = 3

type rateLimitRepository struct {
	db DB
}

func NewRateLimitRepository(db DB) RateLimitRepository {
	return &rateLimitRepository{db: db}
}

func (r *rateLimitRepository) Get(ctx context.Context, identity string, action models.RateLimitAction) (*models.RateLimitCounter, error) {
	q := `
        SELECT identity, action, attempt_count, window_start, last_attempt_at, expires_at
        FROM rate_limit_counters
        WHERE identity = $1 AND action = $2
    `
	c, err := scanCounter(r.db.QueryRow(ctx, q, identity, string(action)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return c, nil
}

// Upsert locks the row with SELECT ... FOR UPDATE. A missing row is inserted
// with ON CONFLICT DO NOTHING; losing that race means another request created
// it first, so the loop retries against the now-existing row.
func (r *rateLimitRepository) Upsert(
	ctx context.Context,
	identity string,
	action models.RateLimitAction,
	mutate RateLimitMutator,
) (*models.RateLimitCounter, error) {
	for attempt := 0; attempt < maxUpsertRetries; attempt++ {
		counter, done, err := r.tryUpsert(ctx, identity, action, mutate)
		if err != nil {
			return nil, err
		}
		if done {
			return counter, nil
		}
	}
	return nil, fmt.Errorf("too much contention updating rate limit counter %s/%s", action, identity)
}

func (r *rateLimitRepository) tryUpsert(
	ctx context.Context,
	identity string,
	action models.RateLimitAction,
	mutate RateLimitMutator,
) (*models.RateLimitCounter, bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	sel := `
        SELECT identity, action, attempt_count, window_start, last_attempt_at, expires_at
        FROM rate_limit_counters
        WHERE identity = $1 AND action = $2
        FOR UPDATE
    `
	current, err := scanCounter(tx.QueryRow(ctx, sel, identity, string(action)))
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, err
	}
	if errors.Is(err, pgx.ErrNoRows) {
		current = nil
	}

	next := mutate(current)
	next.Identity = identity
	next.Action = action

	if current == nil {
		ins := `
            INSERT INTO rate_limit_counters
                (identity, action, attempt_count, window_start, last_attempt_at, expires_at)
            VALUES ($1, $2, $3, $4, $5, $6)
            ON CONFLICT (identity, action) DO NOTHING
        `
		tag, err := tx.Exec(ctx, ins, identity, string(action), next.AttemptCount, next.WindowStart, next.LastAttemptAt, next.ExpiresAt)
		if err != nil {
			return nil, false, err
		}
		if tag.RowsAffected() == 0 {
			return nil, false, nil
		}
	} else {
		upd := `
            UPDATE rate_limit_counters
            SET attempt_count = $3,
                window_start = $4,
                last_attempt_at = $5,
                expires_at = $6
            WHERE identity = $1 AND action = $2
        `
		if _, err := tx.Exec(ctx, upd, identity, string(action), next.AttemptCount, next.WindowStart, next.LastAttemptAt, next.ExpiresAt); err != nil {
			return nil, false, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}
	return next, true, nil
}

func (r *rateLimitRepository) Delete(ctx context.Context, identity string, action models.RateLimitAction) error {
	_, err := r.db.Exec(ctx, `DELETE FROM rate_limit_counters WHERE identity = $1 AND action = $2`, identity, string(action))
	return err
}

func (r *rateLimitRepository) CleanupExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM rate_limit_counters WHERE expires_at < $1`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func scanCounter(row pgx.Row) (*models.RateLimitCounter, error) {
	var (
		c      models.RateLimitCounter
		action string
	)
	if err := row.Scan(&c.Identity, &action, &c.AttemptCount, &c.WindowStart, &c.LastAttemptAt, &c.ExpiresAt); err != nil {
		return nil, err
	}
	c.Action = models.RateLimitAction(action)
	return &c, nil
}
