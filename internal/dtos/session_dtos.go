package dtos

import "time"

// ----------------------
// Desktop
// ----------------------

type CreateSessionResponse struct {
	Token               string    `json:"token"`
	VerifyURL           string    `json:"verifyUrl"`
	ExpiresAt           time.Time `json:"expiresAt"`
	PollIntervalSeconds int       `json:"pollIntervalSeconds"`
	MaxPolls            int       `json:"maxPolls"`
}

type PollResponse struct {
	Status string `json:"status"`
}

type ChallengeResponse struct {
	Options []string `json:"options"`
}

type SubmitAnswerRequest struct {
	Code string `json:"code" validate:"required,len=4,numeric"`
}
type SubmitAnswerResponse struct {
	Success          bool      `json:"success"`
	Receipt          string    `json:"receipt"`
	ReceiptExpiresAt time.Time `json:"receiptExpiresAt"`
}

type WrongAnswerDetails struct {
	Allowed           bool `json:"allowed"`
	RetryAfterMinutes int  `json:"retryAfterMinutes,omitempty"`
}

// ----------------------
// Mobile
// ----------------------

type MobileSessionResponse struct {
	Status        string `json:"status"`
	ChallengeCode string `json:"challengeCode,omitempty"`
}

type UpdateStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=confirmed cancelled"`
}
type UpdateStatusResponse struct {
	Success bool `json:"success"`
}

// ----------------------
// Throttling
// ----------------------

type WrongAnswerResponse struct {
	Allowed           bool `json:"allowed"`
	RetryAfterMinutes int  `json:"retryAfterMinutes"`
}

type RateLimitDetails struct {
	RetryAfterMinutes int `json:"retryAfterMinutes"`
}

// ----------------------
// Credential gate
// ----------------------

type AuthorizeCredentialsRequest struct {
	Receipt string `json:"receipt" validate:"required"`
}
type AuthorizeCredentialsResponse struct {
	Authorized bool   `json:"authorized"`
	SessionID  string `json:"sessionId"`
}
