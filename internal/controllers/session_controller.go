package controllers

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/poofware/login-guard-service/internal/config"
	"github.com/poofware/login-guard-service/internal/dtos"
	"github.com/poofware/login-guard-service/internal/models"
	"github.com/poofware/login-guard-service/internal/services"
	"github.com/poofware/login-guard-service/internal/utils"
)

// SessionController serves the desktop and mobile verification endpoints.
type SessionController struct {
	cfg          *config.Config
	verification services.VerificationService
}

func NewSessionController(cfg *config.Config, verification services.VerificationService) *SessionController {
	return &SessionController{cfg: cfg, verification: verification}
}

// clientIP writes a 400 and reports false when the requester has no usable address.
func (c *SessionController) clientIP(w http.ResponseWriter, r *http.Request) (string, bool) {
	ip := utils.ClientIP(r, c.cfg.TrustProxyHeaders)
	if ip == "" {
		utils.RespondErrorWithCode(w, http.StatusBadRequest, utils.ErrCodeInvalidClientAddress,
			"Could not determine client address", nil)
		return "", false
	}
	return ip, true
}

// CreateSessionHandler POST /sessions (desktop)
func (c *SessionController) CreateSessionHandler(w http.ResponseWriter, r *http.Request) {
	ip, ok := c.clientIP(w, r)
	if !ok {
		return
	}
	session, err := c.verification.CreateSession(r.Context(), ip, r.UserAgent())
	if err != nil {
		respondServiceError(w, err)
		return
	}
	utils.RespondWithJSON(w, http.StatusCreated, dtos.CreateSessionResponse{
		Token:               session.Token,
		VerifyURL:           c.verification.VerifyLink(session.Token),
		ExpiresAt:           session.ExpiresAt,
		PollIntervalSeconds: int(c.cfg.PollEvery.Seconds()),
		MaxPolls:            c.cfg.MaxPolls,
	})
}

// QRCodeHandler GET /sessions/{token}/qr (desktop)
func (c *SessionController) QRCodeHandler(w http.ResponseWriter, r *http.Request) {
	png, err := c.verification.QRCode(r.Context(), mux.Vars(r)["token"])
	if err != nil {
		respondServiceError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

// MobileViewHandler GET /sessions/{token} (mobile opens the verification link)
func (c *SessionController) MobileViewHandler(w http.ResponseWriter, r *http.Request) {
	ip, ok := c.clientIP(w, r)
	if !ok {
		return
	}
	code, err := c.verification.AssignChallenge(r.Context(), mux.Vars(r)["token"], ip)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	utils.RespondWithJSON(w, http.StatusOK, dtos.MobileSessionResponse{
		Status:        string(models.SessionStatusNumberAssigned),
		ChallengeCode: code,
	})
}

// UpdateStatusHandler POST /sessions/{token}/status (mobile confirm/cancel)
func (c *SessionController) UpdateStatusHandler(w http.ResponseWriter, r *http.Request) {
	var req dtos.UpdateStatusRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	status, _ := models.ParseSessionStatus(req.Status)
	if err := c.verification.UpdateStatus(r.Context(), mux.Vars(r)["token"], status); err != nil {
		respondServiceError(w, err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, dtos.UpdateStatusResponse{Success: true})
}

// PollHandler GET /sessions/{token}/poll (desktop). A gone session is a
// regular 200 with status "expired".
func (c *SessionController) PollHandler(w http.ResponseWriter, r *http.Request) {
	status, err := c.verification.Poll(r.Context(), mux.Vars(r)["token"])
	if err != nil {
		respondServiceError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	utils.RespondWithJSON(w, http.StatusOK, dtos.PollResponse{Status: string(status)})
}

// ChallengeHandler GET /sessions/{token}/challenge (desktop, after confirmation)
func (c *SessionController) ChallengeHandler(w http.ResponseWriter, r *http.Request) {
	options, err := c.verification.ChallengeOptions(r.Context(), mux.Vars(r)["token"])
	if err != nil {
		respondServiceError(w, err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, dtos.ChallengeResponse{Options: options})
}

// SubmitAnswerHandler POST /sessions/{token}/answer (desktop)
func (c *SessionController) SubmitAnswerHandler(w http.ResponseWriter, r *http.Request) {
	ip, ok := c.clientIP(w, r)
	if !ok {
		return
	}
	var req dtos.SubmitAnswerRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	result, err := c.verification.SubmitAnswer(r.Context(), mux.Vars(r)["token"], req.Code, ip)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, dtos.SubmitAnswerResponse{
		Success:          true,
		Receipt:          result.Receipt,
		ReceiptExpiresAt: result.ReceiptExpiresAt,
	})
}

// WrongAnswerHandler POST /rate-limit/wrong-answer
func (c *SessionController) WrongAnswerHandler(w http.ResponseWriter, r *http.Request) {
	ip, ok := c.clientIP(w, r)
	if !ok {
		return
	}
	decision, err := c.verification.RecordWrongAnswer(r.Context(), ip)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, dtos.WrongAnswerResponse{
		Allowed:           decision.Allowed,
		RetryAfterMinutes: decision.RetryAfterMinutes(),
	})
}

// AuthorizeCredentialsHandler POST /credentials/authorize, called by the host
// right before it accepts a credential submission.
func (c *SessionController) AuthorizeCredentialsHandler(w http.ResponseWriter, r *http.Request) {
	var req dtos.AuthorizeCredentialsRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	claims, err := c.verification.AuthorizeCredentials(r.Context(), req.Receipt)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, dtos.AuthorizeCredentialsResponse{
		Authorized: true,
		SessionID:  claims.Subject,
	})
}
