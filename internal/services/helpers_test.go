package services

import (
	"crypto/rand"
	"crypto/rsa"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/poofware/login-guard-service/internal/config"
	"github.com/poofware/login-guard-service/internal/models"
	"github.com/poofware/login-guard-service/internal/repositories"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var (
	testKeyOnce sync.Once
	testKey     *rsa.PrivateKey
)

func testRSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	testKeyOnce.Do(func() {
		k, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		testKey = k
	})
	return testKey
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	key := testRSAKey(t)
	cfg := &config.Config{
		AppName:     "login-guard-service",
		AppPort:     "8080",
		AppUrl:      "http://localhost:8080",
		VerifyURL:   "http://localhost:8080/verify",
		SessionTTL:  15 * time.Minute,
		CleanupCron: config.DefaultCleanupCron,
		RateLimits: map[models.RateLimitAction]config.RateLimit{
			models.RateLimitActionSessionCreation: {MaxAttempts: 10, Window: 15 * time.Minute},
			models.RateLimitActionMobileChallenge: {MaxAttempts: 5, Window: 15 * time.Minute},
			models.RateLimitActionWrongAnswer:     {MaxAttempts: 3, Window: 15 * time.Minute},
		},
		PollEvery:            config.DefaultPollInterval,
		MaxPolls:             config.DefaultMaxPolls,
		ReceiptTTL:           2 * time.Minute,
		RequestRatePerSecond: 5,
		RequestBurst:         20,
		RSAPrivateKey:        key,
		RSAPublicKey:         &key.PublicKey,
	}
	require.NoError(t, cfg.Validate())
	return cfg
}

// fixedCodeChallenges assigns a known code so flows can be driven end to end.
type fixedCodeChallenges struct {
	ChallengeService
	code string
}

func (f fixedCodeChallenges) NewChallengeCode() (string, error) {
	return f.code, nil
}

type harness struct {
	cfg          *config.Config
	clock        *fakeClock
	sessionRepo  *repositories.MemoryVerificationSessionRepository
	rateRepo     *repositories.MemoryRateLimitRepository
	store        SessionStore
	limiter      RateLimiterService
	receipts     ReceiptService
	verification VerificationService
}

func newHarness(t *testing.T, mutate func(cfg *config.Config), code string) *harness {
	t.Helper()
	cfg := testConfig(t)
	if mutate != nil {
		mutate(cfg)
	}
	h := &harness{
		cfg:         cfg,
		clock:       newFakeClock(),
		sessionRepo: repositories.NewMemoryVerificationSessionRepository(),
		rateRepo:    repositories.NewMemoryRateLimitRepository(),
	}
	h.store = NewSessionStore(h.sessionRepo, h.clock)
	h.limiter = NewRateLimiterService(h.rateRepo, h.clock, nil)
	h.receipts = NewReceiptService(cfg.AppName, cfg.ReceiptTTL, cfg.RSAPrivateKey, cfg.RSAPublicKey, h.clock)

	var challenges ChallengeService = NewChallengeService()
	if code != "" {
		challenges = fixedCodeChallenges{ChallengeService: challenges, code: code}
	}
	h.verification = NewVerificationService(
		cfg,
		h.store,
		h.limiter,
		challenges,
		NewIPBindingPolicy(cfg.StrictIPBinding, cfg.IPAllowList),
		h.receipts,
		NewQRCodeService(),
		nil,
		h.clock,
	)
	return h
}
