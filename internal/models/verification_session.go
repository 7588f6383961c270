package models

import (
	"time"

	"github.com/google/uuid"
)

type SessionStatus string

const (
	SessionStatusPending        SessionStatus = "pending"
	SessionStatusNumberAssigned SessionStatus = "number_assigned"
	SessionStatusConfirmed      SessionStatus = "confirmed"
	SessionStatusCancelled      SessionStatus = "cancelled"
	SessionStatusUsed           SessionStatus = "used"

	// SessionStatusExpired is never stored. It is what readers report once
	// expires_at has passed.
	SessionStatusExpired SessionStatus = "expired"
)

// ParseSessionStatus accepts only the statuses that can be stored.
func ParseSessionStatus(s string) (SessionStatus, bool) {
	switch st := SessionStatus(s); st {
	case SessionStatusPending, SessionStatusNumberAssigned, SessionStatusConfirmed,
		SessionStatusCancelled, SessionStatusUsed:
		return st, true
	}
	return "", false
}

// VerificationSession for verification_sessions table
type VerificationSession struct {
	ID               uuid.UUID
	Token            string
	Status           SessionStatus
	ChallengeCode    *string // set once, when the mobile link is opened
	ChallengeOptions []string
	OriginIP         string
	OriginAgent      string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	ExpiresAt        time.Time
	RedeemedAt       *time.Time
}

// IsExpired is evaluated on every read; expiry is never cached on the row.
func (s *VerificationSession) IsExpired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Clone returns a deep copy so callers never share mutable state with a store.
func (s *VerificationSession) Clone() *VerificationSession {
	if s == nil {
		return nil
	}
	c := *s
	if s.ChallengeCode != nil {
		code := *s.ChallengeCode
		c.ChallengeCode = &code
	}
	if s.ChallengeOptions != nil {
		c.ChallengeOptions = append([]string(nil), s.ChallengeOptions...)
	}
	if s.RedeemedAt != nil {
		at := *s.RedeemedAt
		c.RedeemedAt = &at
	}
	return &c
}

// SessionMutation is the only shape a session write can take. Status is
// always written; the optional fields are set-once and the update is
// rejected as a conflict if they are already populated.
type SessionMutation struct {
	Status           SessionStatus
	ChallengeCode    *string
	ChallengeOptions []string
	RedeemedAt       *time.Time
}

// Apply writes m onto s. It reports false when a set-once field is already set.
func (m SessionMutation) Apply(s *VerificationSession, now time.Time) bool {
	if m.ChallengeCode != nil && s.ChallengeCode != nil {
		return false
	}
	if m.ChallengeOptions != nil && s.ChallengeOptions != nil {
		return false
	}
	if m.RedeemedAt != nil && s.RedeemedAt != nil {
		return false
	}
	if m.ChallengeCode != nil {
		code := *m.ChallengeCode
		s.ChallengeCode = &code
	}
	if m.ChallengeOptions != nil {
		s.ChallengeOptions = append([]string(nil), m.ChallengeOptions...)
	}
	if m.RedeemedAt != nil {
		at := *m.RedeemedAt
		s.RedeemedAt = &at
	}
	s.Status = m.Status
	s.UpdatedAt = now
	return true
}
