package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"

	"github.com/poofware/login-guard-service/internal/models"
	"github.com/poofware/login-guard-service/internal/utils"
)

// VerificationSessionRepository persists verification sessions. ConditionalUpdate
// is the only write after Create and must be atomic per token.
type VerificationSessionRepository interface {
	// Create inserts s. Returns utils.ErrDuplicateToken if the token is taken.
	Create(ctx context.Context, s *models.VerificationSession) error
	// GetByToken returns the stored row, expired or not, or nil if absent.
	GetByToken(ctx context.Context, token string) (*models.VerificationSession, error)
	// ConditionalUpdate applies m only if the current status is in expected and
	// the session has not expired at now. Returns utils.ErrNotFound or
	// utils.ErrStatusConflict when nothing was written.
	ConditionalUpdate(ctx context.Context, token string, expected []models.SessionStatus, m models.SessionMutation, now time.Time) error
	// CleanupExpired deletes rows whose expires_at is before now.
	CleanupExpired(ctx context.Context, now time.Time) (int64, error)
}

const pgUniqueViolation = "23505"

type verificationSessionRepository struct {
	db DB
}

func NewVerificationSessionRepository(db DB) VerificationSessionRepository {
	return &verificationSessionRepository{db: db}
}

func (r *verificationSessionRepository) Create(ctx context.Context, s *models.VerificationSession) error {
	q := `
        INSERT INTO verification_sessions
            (id, token, status, challenge_code, challenge_options, origin_ip, origin_agent,
             created_at, updated_at, expires_at, redeemed_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
    `
	_, err := r.db.Exec(ctx, q,
		s.ID,
		s.Token,
		string(s.Status),
		s.ChallengeCode,
		s.ChallengeOptions,
		s.OriginIP,
		s.OriginAgent,
		s.CreatedAt,
		s.UpdatedAt,
		s.ExpiresAt,
		s.RedeemedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return utils.ErrDuplicateToken
		}
		return err
	}
	return nil
}

func (r *verificationSessionRepository) GetByToken(ctx context.Context, token string) (*models.VerificationSession, error) {
	q := `
        SELECT id, token, status, challenge_code, challenge_options, origin_ip, origin_agent,
               created_at, updated_at, expires_at, redeemed_at
        FROM verification_sessions
        WHERE token = $1
    `
	row := r.db.QueryRow(ctx, q, token)
	var (
		rec    models.VerificationSession
		status string
	)
	err := row.Scan(
		&rec.ID,
		&rec.Token,
		&status,
		&rec.ChallengeCode,
		&rec.ChallengeOptions,
		&rec.OriginIP,
		&rec.OriginAgent,
		&rec.CreatedAt,
		&rec.UpdatedAt,
		&rec.ExpiresAt,
		&rec.RedeemedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	rec.Status = models.SessionStatus(status)
	return &rec, nil
}

func (r *verificationSessionRepository) ConditionalUpdate(
	ctx context.Context,
	token string,
	expected []models.SessionStatus,
	m models.SessionMutation,
	now time.Time,
) error {
	q := `
        UPDATE verification_sessions
        SET status            = $3,
            challenge_code    = COALESCE($4::text, challenge_code),
            challenge_options = COALESCE($5::text[], challenge_options),
            redeemed_at       = COALESCE($6::timestamptz, redeemed_at),
            updated_at        = $7
        WHERE token = $1
          AND status = ANY($2::text[])
          AND expires_at > $7
          AND ($4::text IS NULL OR challenge_code IS NULL)
          AND ($5::text[] IS NULL OR challenge_options IS NULL)
          AND ($6::timestamptz IS NULL OR redeemed_at IS NULL)
    `
	tag, err := r.db.Exec(ctx, q,
		token,
		statusStrings(expected),
		string(m.Status),
		m.ChallengeCode,
		m.ChallengeOptions,
		m.RedeemedAt,
		now,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	// Nothing written: tell "gone" apart from "someone else moved it".
	var expiresAt time.Time
	err = r.db.QueryRow(ctx, `SELECT expires_at FROM verification_sessions WHERE token = $1`, token).Scan(&expiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return utils.ErrNotFound
		}
		return err
	}
	if !now.Before(expiresAt) {
		return utils.ErrNotFound
	}
	return utils.ErrStatusConflict
}

func (r *verificationSessionRepository) CleanupExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM verification_sessions WHERE expires_at < $1`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func statusStrings(statuses []models.SessionStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
