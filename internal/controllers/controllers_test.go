package controllers

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poofware/login-guard-service/internal/app"
	"github.com/poofware/login-guard-service/internal/config"
	"github.com/poofware/login-guard-service/internal/dtos"
	"github.com/poofware/login-guard-service/internal/models"
	"github.com/poofware/login-guard-service/internal/repositories"
	"github.com/poofware/login-guard-service/internal/services"
	"github.com/poofware/login-guard-service/internal/utils"
)

const (
	desktopAddr = "203.0.113.10:50000"
	mobileAddr  = "198.51.100.20:40000"
)

var (
	keyOnce sync.Once
	rsaKey  *rsa.PrivateKey
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testServer struct {
	handler http.Handler
	clock   *testClock
	cfg     *config.Config
}

func newTestServer(t *testing.T, sessionRepo repositories.VerificationSessionRepository, mutate func(*config.Config)) *testServer {
	t.Helper()
	return newTestServerWithRepos(t, sessionRepo, nil, mutate)
}

func newTestServerWithRepos(
	t *testing.T,
	sessionRepo repositories.VerificationSessionRepository,
	rateRepo repositories.RateLimitRepository,
	mutate func(*config.Config),
) *testServer {
	t.Helper()
	keyOnce.Do(func() {
		k, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		rsaKey = k
	})

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
		RSAPrivateKey:        rsaKey,
		RSAPublicKey:         &rsaKey.PublicKey,
	}
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, cfg.Validate())

	if sessionRepo == nil {
		sessionRepo = repositories.NewMemoryVerificationSessionRepository()
	}
	if rateRepo == nil {
		rateRepo = repositories.NewMemoryRateLimitRepository()
	}
	clock := &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	verification := services.NewVerificationService(
		cfg,
		services.NewSessionStore(sessionRepo, clock),
		services.NewRateLimiterService(rateRepo, clock, nil),
		services.NewChallengeService(),
		services.NewIPBindingPolicy(cfg.StrictIPBinding, cfg.IPAllowList),
		services.NewReceiptService(cfg.AppName, cfg.ReceiptTTL, cfg.RSAPrivateKey, cfg.RSAPublicKey, clock),
		services.NewQRCodeService(),
		nil,
		clock,
	)
	router := NewRouter(
		NewSessionController(cfg, verification),
		NewHealthController(&app.App{Config: cfg}),
	)
	return &testServer{handler: router, clock: clock, cfg: cfg}
}

func (s *testServer) do(t *testing.T, method, path, remoteAddr string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = remoteAddr
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (s *testServer) createSession(t *testing.T) dtos.CreateSessionResponse {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/sessions", desktopAddr, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[dtos.CreateSessionResponse](t, rec)
}

func (s *testServer) poll(t *testing.T, token string) string {
	t.Helper()
	rec := s.do(t, http.MethodGet, "/sessions/"+token+"/poll", desktopAddr, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	return decode[dtos.PollResponse](t, rec).Status
}

func TestHTTP_FullVerificationFlow(t *testing.T) {
	s := newTestServer(t, nil, nil)

	created := s.createSession(t)
	assert.Len(t, created.Token, 64)
	assert.Equal(t, "http://localhost:8080/verify?token="+created.Token, created.VerifyURL)
	assert.Equal(t, 2, created.PollIntervalSeconds)
	assert.Equal(t, 150, created.MaxPolls)
	token := created.Token

	rec := s.do(t, http.MethodGet, "/sessions/"+token+"/qr", desktopAddr, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("\x89PNG")))

	assert.Equal(t, "pending", s.poll(t, token))

	// Mobile opens the link.
	rec = s.do(t, http.MethodGet, "/sessions/"+token, mobileAddr, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	mobile := decode[dtos.MobileSessionResponse](t, rec)
	assert.Equal(t, "number_assigned", mobile.Status)
	require.Regexp(t, `^\d{4}$`, mobile.ChallengeCode)
	code := mobile.ChallengeCode

	// The poller never sees the code.
	rec = s.do(t, http.MethodGet, "/sessions/"+token+"/poll", desktopAddr, nil)
	assert.NotContains(t, rec.Body.String(), code)
	assert.Equal(t, "number_assigned", s.poll(t, token))

	// Reopening the link does not reveal the code again.
	rec = s.do(t, http.MethodGet, "/sessions/"+token, mobileAddr, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, utils.ErrCodeInvalidSession, decode[utils.ErrorResponse](t, rec).Code)

	rec = s.do(t, http.MethodPost, "/sessions/"+token+"/status", mobileAddr, map[string]string{"status": "used"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/sessions/"+token+"/status", mobileAddr, map[string]string{"status": "confirmed"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decode[dtos.UpdateStatusResponse](t, rec).Success)
	assert.Equal(t, "confirmed", s.poll(t, token))

	rec = s.do(t, http.MethodGet, "/sessions/"+token+"/challenge", desktopAddr, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	options := decode[dtos.ChallengeResponse](t, rec).Options
	require.Len(t, options, 5)
	require.Contains(t, options, code)

	decoy := options[slices.IndexFunc(options, func(o string) bool { return o != code })]
	rec = s.do(t, http.MethodPost, "/sessions/"+token+"/answer", desktopAddr, map[string]string{"code": decoy})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, utils.ErrCodeWrongAnswer, decode[utils.ErrorResponse](t, rec).Code)
	assert.Equal(t, "confirmed", s.poll(t, token))

	rec = s.do(t, http.MethodPost, "/sessions/"+token+"/answer", desktopAddr, map[string]string{"code": code})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	answer := decode[dtos.SubmitAnswerResponse](t, rec)
	assert.True(t, answer.Success)
	require.NotEmpty(t, answer.Receipt)
	assert.Equal(t, "used", s.poll(t, token))

	rec = s.do(t, http.MethodPost, "/sessions/"+token+"/answer", desktopAddr, map[string]string{"code": code})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(t, http.MethodPost, "/credentials/authorize", desktopAddr, map[string]string{"receipt": answer.Receipt})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decode[dtos.AuthorizeCredentialsResponse](t, rec).Authorized)

	rec = s.do(t, http.MethodPost, "/credentials/authorize", desktopAddr, map[string]string{"receipt": answer.Receipt})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHTTP_PollUnknownTokenIsExpired(t *testing.T) {
	s := newTestServer(t, nil, nil)
	assert.Equal(t, "expired", s.poll(t, "no-such-token"))

	created := s.createSession(t)
	s.clock.Advance(15 * time.Minute)
	assert.Equal(t, "expired", s.poll(t, created.Token))

	rec := s.do(t, http.MethodGet, "/sessions/"+created.Token, mobileAddr, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, utils.ErrCodeNotFound, decode[utils.ErrorResponse](t, rec).Code)
}

func TestHTTP_SessionCreationRateLimit(t *testing.T) {
	s := newTestServer(t, nil, func(cfg *config.Config) {
		cfg.RateLimits[models.RateLimitActionSessionCreation] = config.RateLimit{MaxAttempts: 1, Window: 15 * time.Minute}
	})

	s.createSession(t)
	rec := s.do(t, http.MethodPost, "/sessions", desktopAddr, nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, strconv.Itoa(15*60), rec.Header().Get("Retry-After"))

	body := decode[struct {
		Code    string                `json:"code"`
		Details dtos.RateLimitDetails `json:"details"`
	}](t, rec)
	assert.Equal(t, utils.ErrCodeRateLimitExceeded, body.Code)
	assert.Equal(t, 15, body.Details.RetryAfterMinutes)
}

func TestHTTP_WrongAnswerEndpoint(t *testing.T) {
	s := newTestServer(t, nil, nil)

	for i := 0; i < 3; i++ {
		rec := s.do(t, http.MethodPost, "/rate-limit/wrong-answer", desktopAddr, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		resp := decode[dtos.WrongAnswerResponse](t, rec)
		assert.True(t, resp.Allowed, "attempt %d", i+1)
		assert.Zero(t, resp.RetryAfterMinutes)
	}
	rec := s.do(t, http.MethodPost, "/rate-limit/wrong-answer", desktopAddr, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[dtos.WrongAnswerResponse](t, rec)
	assert.False(t, resp.Allowed)
	assert.Equal(t, 15, resp.RetryAfterMinutes)
}

func TestHTTP_StrictIPBindingRejectsSameAddress(t *testing.T) {
	s := newTestServer(t, nil, func(cfg *config.Config) {
		cfg.StrictIPBinding = true
	})
	created := s.createSession(t)

	rec := s.do(t, http.MethodGet, "/sessions/"+created.Token, "203.0.113.10:60000", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, utils.ErrCodeSecurityPolicyFailed, decode[utils.ErrorResponse](t, rec).Code)
}

func TestHTTP_ValidationErrors(t *testing.T) {
	s := newTestServer(t, nil, nil)
	created := s.createSession(t)

	rec := s.do(t, http.MethodPost, "/sessions/"+created.Token+"/answer", desktopAddr, map[string]string{"code": "12a4"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, utils.ErrCodeValidation, decode[utils.ErrorResponse](t, rec).Code)

	req := httptest.NewRequest(http.MethodPost, "/sessions/"+created.Token+"/status", bytes.NewBufferString("{not json"))
	req.RemoteAddr = mobileAddr
	rr := httptest.NewRecorder()
	s.handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, utils.ErrCodeInvalidPayload, decode[utils.ErrorResponse](t, rr).Code)

	rec = s.do(t, http.MethodPost, "/credentials/authorize", desktopAddr, map[string]string{"receipt": "forged"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

// failingRepo simulates an unreachable session store.
type failingRepo struct {
	repositories.VerificationSessionRepository
}

var errStorageDown = errors.New("connection refused")

func (failingRepo) Create(context.Context, *models.VerificationSession) error {
	return errStorageDown
}

func (failingRepo) GetByToken(context.Context, string) (*models.VerificationSession, error) {
	return nil, errStorageDown
}

func TestHTTP_StorageFailureFailsClosed(t *testing.T) {
	s := newTestServer(t, failingRepo{}, nil)

	rec := s.do(t, http.MethodPost, "/sessions", desktopAddr, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, utils.ErrCodeServiceUnavailable, decode[utils.ErrorResponse](t, rec).Code)

	rec = s.do(t, http.MethodGet, "/sessions/abc/poll", desktopAddr, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = s.do(t, http.MethodGet, "/sessions/abc", mobileAddr, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

// switchableRateRepo fails every counter operation while down is set.
type switchableRateRepo struct {
	repositories.RateLimitRepository
	down atomic.Bool
}

func (r *switchableRateRepo) Get(ctx context.Context, identity string, action models.RateLimitAction) (*models.RateLimitCounter, error) {
	if r.down.Load() {
		return nil, errStorageDown
	}
	return r.RateLimitRepository.Get(ctx, identity, action)
}

func (r *switchableRateRepo) Upsert(
	ctx context.Context,
	identity string,
	action models.RateLimitAction,
	mutate repositories.RateLimitMutator,
) (*models.RateLimitCounter, error) {
	if r.down.Load() {
		return nil, errStorageDown
	}
	return r.RateLimitRepository.Upsert(ctx, identity, action, mutate)
}

func (r *switchableRateRepo) Delete(ctx context.Context, identity string, action models.RateLimitAction) error {
	if r.down.Load() {
		return errStorageDown
	}
	return r.RateLimitRepository.Delete(ctx, identity, action)
}

// countingSessionRepo counts sessions that were actually stored.
type countingSessionRepo struct {
	repositories.VerificationSessionRepository
	created atomic.Int32
}

func (r *countingSessionRepo) Create(ctx context.Context, session *models.VerificationSession) error {
	if err := r.VerificationSessionRepository.Create(ctx, session); err != nil {
		return err
	}
	r.created.Add(1)
	return nil
}

func TestHTTP_RateLimiterFailureFailsClosed(t *testing.T) {
	sessions := &countingSessionRepo{VerificationSessionRepository: repositories.NewMemoryVerificationSessionRepository()}
	counters := &switchableRateRepo{RateLimitRepository: repositories.NewMemoryRateLimitRepository()}
	s := newTestServerWithRepos(t, sessions, counters, nil)

	pending := s.createSession(t).Token
	confirmed := s.createSession(t).Token

	rec := s.do(t, http.MethodGet, "/sessions/"+confirmed, mobileAddr, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	code := decode[dtos.MobileSessionResponse](t, rec).ChallengeCode
	rec = s.do(t, http.MethodPost, "/sessions/"+confirmed+"/status", mobileAddr, map[string]string{"status": "confirmed"})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = s.do(t, http.MethodGet, "/sessions/"+confirmed+"/challenge", desktopAddr, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	counters.down.Store(true)

	assertUnavailable := func(rec *httptest.ResponseRecorder) {
		t.Helper()
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, rec.Body.String())
		assert.Equal(t, utils.ErrCodeServiceUnavailable, decode[utils.ErrorResponse](t, rec).Code)
	}

	assertUnavailable(s.do(t, http.MethodPost, "/sessions", desktopAddr, nil))
	assert.Equal(t, int32(2), sessions.created.Load())

	rec = s.do(t, http.MethodGet, "/sessions/"+pending, mobileAddr, nil)
	assertUnavailable(rec)
	assert.NotContains(t, rec.Body.String(), "challengeCode")
	assert.Equal(t, "pending", s.poll(t, pending))

	rec = s.do(t, http.MethodPost, "/sessions/"+confirmed+"/answer", desktopAddr, map[string]string{"code": code})
	assertUnavailable(rec)
	assert.NotContains(t, rec.Body.String(), "receipt")
	assert.Equal(t, "confirmed", s.poll(t, confirmed))

	assertUnavailable(s.do(t, http.MethodPost, "/rate-limit/wrong-answer", desktopAddr, nil))

	counters.down.Store(false)
	rec = s.do(t, http.MethodPost, "/sessions/"+confirmed+"/answer", desktopAddr, map[string]string{"code": code})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "used", s.poll(t, confirmed))
}

func TestHTTP_UnknownClientAddressIsRejected(t *testing.T) {
	sessions := &countingSessionRepo{VerificationSessionRepository: repositories.NewMemoryVerificationSessionRepository()}
	s := newTestServerWithRepos(t, sessions, nil, nil)
	token := s.createSession(t).Token

	requests := []struct {
		method, path string
		body         any
	}{
		{http.MethodPost, "/sessions", nil},
		{http.MethodGet, "/sessions/" + token, nil},
		{http.MethodPost, "/sessions/" + token + "/answer", map[string]string{"code": "1234"}},
		{http.MethodPost, "/rate-limit/wrong-answer", nil},
	}
	for _, req := range requests {
		rec := s.do(t, req.method, req.path, "pipe", req.body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, req.path)
		assert.Equal(t, utils.ErrCodeInvalidClientAddress, decode[utils.ErrorResponse](t, rec).Code, req.path)
	}

	assert.Equal(t, int32(1), sessions.created.Load())
	assert.Equal(t, "pending", s.poll(t, token))
}

func TestHTTP_Health(t *testing.T) {
	s := newTestServer(t, nil, nil)
	rec := s.do(t, http.MethodGet, "/health", desktopAddr, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[dtos.HealthCheckResponse](t, rec)
	assert.Equal(t, "OK", resp.Status)
	assert.Equal(t, "memory", resp.Storage)
}
