package services

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/poofware/login-guard-service/internal/config"
	"github.com/poofware/login-guard-service/internal/models"
	"github.com/poofware/login-guard-service/internal/utils"
)

// VerificationResult is handed to the desktop after a correct answer.
type VerificationResult struct {
	Receipt          string
	ReceiptExpiresAt time.Time
}

// VerificationService is the verification state machine:
//
//	pending -> number_assigned -> {confirmed, cancelled}
//	confirmed -> used -> used+redeemed
//
// Every transition goes through SessionStore.ConditionalUpdate.
type VerificationService interface {
	CreateSession(ctx context.Context, originIP, originAgent string) (*models.VerificationSession, error)
	VerifyLink(token string) string
	QRCode(ctx context.Context, token string) ([]byte, error)
	// AssignChallenge runs when the mobile opens the verification link and
	// returns the code to show on the mobile device.
	AssignChallenge(ctx context.Context, token, mobileIP string) (string, error)
	UpdateStatus(ctx context.Context, token string, status models.SessionStatus) error
	// Poll never returns utils.ErrNotFound; a gone session reads as expired.
	Poll(ctx context.Context, token string) (models.SessionStatus, error)
	ChallengeOptions(ctx context.Context, token string) ([]string, error)
	// SubmitAnswer counts every guess against the requester's wrong_answer
	// quota before evaluating it. A wrong guess returns utils.WrongAnswerError
	// telling whether another guess is still allowed.
	SubmitAnswer(ctx context.Context, token, code, requesterIP string) (*VerificationResult, error)
	RecordWrongAnswer(ctx context.Context, requesterIP string) (RateLimitDecision, error)
	AuthorizeCredentials(ctx context.Context, receipt string) (*ReceiptClaims, error)
}

type verificationService struct {
	cfg        *config.Config
	store      SessionStore
	limiter    RateLimiterService
	challenges ChallengeService
	ipPolicy   *IPBindingPolicy
	receipts   ReceiptService
	qr         QRCodeService
	metrics    *Metrics
	clock      utils.Clock
}

func NewVerificationService(
	cfg *config.Config,
	store SessionStore,
	limiter RateLimiterService,
	challenges ChallengeService,
	ipPolicy *IPBindingPolicy,
	receipts ReceiptService,
	qr QRCodeService,
	metrics *Metrics,
	clock utils.Clock,
) VerificationService {
	return &verificationService{
		cfg:        cfg,
		store:      store,
		limiter:    limiter,
		challenges: challenges,
		ipPolicy:   ipPolicy,
		receipts:   receipts,
		qr:         qr,
		metrics:    metrics,
		clock:      clock,
	}
}

func (s *verificationService) CreateSession(ctx context.Context, originIP, originAgent string) (*models.VerificationSession, error) {
	if err := s.checkRateLimit(ctx, originIP, models.RateLimitActionSessionCreation); err != nil {
		return nil, err
	}

	session, err := s.store.Create(ctx, originIP, originAgent, s.cfg.SessionTTL)
	if err != nil {
		return nil, err
	}
	s.metrics.SessionCreated(ctx)
	s.log(session.Token).WithField("origin_ip", originIP).Info("Verification session created")
	return session, nil
}

func (s *verificationService) VerifyLink(token string) string {
	return s.cfg.VerifyURL + "?token=" + url.QueryEscape(token)
}

func (s *verificationService) QRCode(ctx context.Context, token string) ([]byte, error) {
	session, err := s.store.Get(ctx, token)
	if err != nil {
		return nil, err
	}
	if session.Status != models.SessionStatusPending {
		return nil, utils.ErrInvalidTransition
	}
	return s.qr.PNG(s.VerifyLink(token))
}

func (s *verificationService) AssignChallenge(ctx context.Context, token, mobileIP string) (string, error) {
	session, err := s.store.Get(ctx, token)
	if err != nil {
		return "", err
	}
	if session.Status != models.SessionStatusPending {
		return "", utils.ErrInvalidTransition
	}

	if err := s.checkRateLimit(ctx, mobileIP, models.RateLimitActionMobileChallenge); err != nil {
		return "", err
	}

	if err := s.ipPolicy.Check(session.OriginIP, mobileIP); err != nil {
		s.metrics.SecurityPolicyRejected(ctx)
		s.log(token).WithField("mobile_ip", mobileIP).Warn("IP binding rejected mobile confirmation")
		return "", err
	}

	code, err := s.challenges.NewChallengeCode()
	if err != nil {
		return "", fmt.Errorf("assign challenge: %w", err)
	}

	err = s.store.ConditionalUpdate(ctx, token,
		[]models.SessionStatus{models.SessionStatusPending},
		models.SessionMutation{Status: models.SessionStatusNumberAssigned, ChallengeCode: &code},
	)
	if err != nil {
		return "", transitionError(err)
	}
	s.log(token).Info("Challenge code assigned")
	return code, nil
}

func (s *verificationService) UpdateStatus(ctx context.Context, token string, status models.SessionStatus) error {
	if status != models.SessionStatusConfirmed && status != models.SessionStatusCancelled {
		return fmt.Errorf("%w: status must be confirmed or cancelled", utils.ErrInvalidArgument)
	}

	session, err := s.store.Get(ctx, token)
	if err != nil {
		return err
	}
	if session.Status != models.SessionStatusNumberAssigned {
		return utils.ErrInvalidTransition
	}

	err = s.store.ConditionalUpdate(ctx, token,
		[]models.SessionStatus{models.SessionStatusNumberAssigned},
		models.SessionMutation{Status: status},
	)
	if err != nil {
		return transitionError(err)
	}
	s.log(token).WithField("status", status).Info("Mobile decision recorded")
	return nil
}

func (s *verificationService) Poll(ctx context.Context, token string) (models.SessionStatus, error) {
	session, err := s.store.Get(ctx, token)
	if errors.Is(err, utils.ErrNotFound) {
		return models.SessionStatusExpired, nil
	}
	if err != nil {
		return "", err
	}
	return session.Status, nil
}

func (s *verificationService) ChallengeOptions(ctx context.Context, token string) ([]string, error) {
	session, err := s.store.Get(ctx, token)
	if err != nil {
		return nil, err
	}
	if session.Status != models.SessionStatusConfirmed || session.ChallengeCode == nil {
		return nil, utils.ErrInvalidTransition
	}
	if len(session.ChallengeOptions) > 0 {
		return session.ChallengeOptions, nil
	}

	challenge, err := s.challenges.Generate(*session.ChallengeCode)
	if err != nil {
		return nil, fmt.Errorf("challenge options: %w", err)
	}

	err = s.store.ConditionalUpdate(ctx, token,
		[]models.SessionStatus{models.SessionStatusConfirmed},
		models.SessionMutation{Status: models.SessionStatusConfirmed, ChallengeOptions: challenge.Options},
	)
	if errors.Is(err, utils.ErrStatusConflict) {
		// A concurrent fetch may have stored its set first; serve that one.
		current, getErr := s.store.Get(ctx, token)
		if getErr != nil {
			return nil, getErr
		}
		if current.Status == models.SessionStatusConfirmed && len(current.ChallengeOptions) > 0 {
			return current.ChallengeOptions, nil
		}
		return nil, utils.ErrInvalidTransition
	}
	if err != nil {
		return nil, transitionError(err)
	}
	return challenge.Options, nil
}

func (s *verificationService) SubmitAnswer(ctx context.Context, token, code, requesterIP string) (*VerificationResult, error) {
	session, err := s.store.Get(ctx, token)
	if err != nil {
		return nil, err
	}
	if session.Status != models.SessionStatusConfirmed || session.ChallengeCode == nil || len(session.ChallengeOptions) == 0 {
		return nil, utils.ErrInvalidTransition
	}

	// Count the guess before comparing it. A correct answer clears the
	// counter again through ResetAll.
	if err := s.checkRateLimit(ctx, requesterIP, models.RateLimitActionWrongAnswer); err != nil {
		return nil, err
	}

	if subtle.ConstantTimeCompare([]byte(code), []byte(*session.ChallengeCode)) != 1 {
		s.metrics.WrongAnswer(ctx)
		rl := s.cfg.RateLimitFor(models.RateLimitActionWrongAnswer)
		next, err := s.limiter.Peek(ctx, requesterIP, models.RateLimitActionWrongAnswer, rl.MaxAttempts, rl.Window)
		if err != nil {
			return nil, err
		}
		s.log(token).WithField("ip", requesterIP).Warn("Wrong challenge answer")
		return nil, &utils.WrongAnswerError{Allowed: next.Allowed, RetryAfter: next.RetryAfter}
	}

	err = s.store.ConditionalUpdate(ctx, token,
		[]models.SessionStatus{models.SessionStatusConfirmed},
		models.SessionMutation{Status: models.SessionStatusUsed},
	)
	if err != nil {
		return nil, transitionError(err)
	}
	s.metrics.VerificationCompleted(ctx)

	if err := s.limiter.ResetAll(ctx, requesterIP); err != nil {
		s.log(token).WithError(err).Warn("Failed to reset rate limit counters after verification")
	}

	receipt, expiresAt, err := s.receipts.Issue(session, requesterIP)
	if err != nil {
		return nil, err
	}
	s.log(token).Info("Verification completed")
	return &VerificationResult{Receipt: receipt, ReceiptExpiresAt: expiresAt}, nil
}

func (s *verificationService) RecordWrongAnswer(ctx context.Context, requesterIP string) (RateLimitDecision, error) {
	rl := s.cfg.RateLimitFor(models.RateLimitActionWrongAnswer)
	return s.limiter.Check(ctx, requesterIP, models.RateLimitActionWrongAnswer, rl.MaxAttempts, rl.Window)
}

func (s *verificationService) AuthorizeCredentials(ctx context.Context, receipt string) (*ReceiptClaims, error) {
	claims, err := s.receipts.Verify(receipt)
	if err != nil {
		return nil, err
	}

	session, err := s.store.Get(ctx, claims.SessionToken)
	if err != nil {
		return nil, err
	}
	if session.ID.String() != claims.Subject {
		return nil, utils.ErrInvalidReceipt
	}
	if session.Status != models.SessionStatusUsed || session.RedeemedAt != nil {
		return nil, utils.ErrInvalidTransition
	}

	now := s.clock.Now()
	err = s.store.ConditionalUpdate(ctx, claims.SessionToken,
		[]models.SessionStatus{models.SessionStatusUsed},
		models.SessionMutation{Status: models.SessionStatusUsed, RedeemedAt: &now},
	)
	if err != nil {
		return nil, transitionError(err)
	}
	s.log(claims.SessionToken).Info("Credential submission authorized")
	return claims, nil
}

func (s *verificationService) checkRateLimit(ctx context.Context, identity string, action models.RateLimitAction) error {
	rl := s.cfg.RateLimitFor(action)
	decision, err := s.limiter.Check(ctx, identity, action, rl.MaxAttempts, rl.Window)
	if err != nil {
		return err
	}
	if !decision.Allowed {
		return &utils.RateLimitError{Action: string(action), RetryAfter: decision.RetryAfter}
	}
	return nil
}

func (s *verificationService) log(token string) *logrus.Entry {
	return utils.Logger.WithField("token", utils.TokenPrefix(token))
}

// transitionError folds a lost race into the error users see for stale sessions.
func transitionError(err error) error {
	if errors.Is(err, utils.ErrStatusConflict) {
		return utils.ErrInvalidTransition
	}
	return err
}
