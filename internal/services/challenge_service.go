package services

import (
	"fmt"
	"slices"

	"github.com/poofware/login-guard-service/internal/models"
	"github.com/poofware/login-guard-service/internal/utils"
)

// ChallengeService draws challenge codes and hides them among decoys.
type ChallengeService interface {
	// NewChallengeCode returns a uniformly random zero-padded 4-digit code.
	NewChallengeCode() (string, error)
	// Generate returns target plus distinct decoys in a uniformly random order.
	Generate(target string) (*models.Challenge, error)
}

type challengeService struct{}

func NewChallengeService() ChallengeService {
	return &challengeService{}
}

func (s *challengeService) NewChallengeCode() (string, error) {
	return utils.RandomNumericString(models.ChallengeCodeLength)
}

func (s *challengeService) Generate(target string) (*models.Challenge, error) {
	if !isChallengeCode(target) {
		return nil, fmt.Errorf("%w: challenge target must be %d digits", utils.ErrInvalidArgument, models.ChallengeCodeLength)
	}

	decoys := make([]string, 0, models.ChallengeDecoyCount)
	for len(decoys) < models.ChallengeDecoyCount {
		candidate, err := s.NewChallengeCode()
		if err != nil {
			return nil, fmt.Errorf("draw decoy: %w", err)
		}
		// Redraw on collision with the target or an earlier decoy.
		if candidate == target || slices.Contains(decoys, candidate) {
			continue
		}
		decoys = append(decoys, candidate)
	}

	options := make([]string, 0, models.ChallengeSetSize)
	options = append(options, target)
	options = append(options, decoys...)
	if err := utils.Shuffle(options); err != nil {
		return nil, fmt.Errorf("shuffle challenge: %w", err)
	}

	return &models.Challenge{Target: target, Decoys: decoys, Options: options}, nil
}

func isChallengeCode(s string) bool {
	if len(s) != models.ChallengeCodeLength {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
