package utils

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Domain-level errors used by the service layer to provide
// fine-grained failure reasons.
var (
	// Token absent or expired. Callers never distinguish the two.
	ErrNotFound = errors.New("not_found")

	// A transition was attempted from a status that does not match its precondition.
	ErrInvalidTransition = errors.New("invalid_transition")

	// A concurrent actor already moved the session past the expected status.
	ErrStatusConflict = errors.New("status_conflict")

	// For rate limiting
	ErrRateLimitExceeded = errors.New("rate_limit_exceeded")

	// IP-binding rejection. Not time bound, unlike rate limiting.
	ErrSecurityPolicyFailed = errors.New("security_policy_failed")

	ErrWrongAnswer     = errors.New("wrong_answer")
	ErrInvalidReceipt  = errors.New("invalid_receipt")
	ErrDuplicateToken  = errors.New("duplicate_token")
	ErrInvalidArgument = errors.New("invalid_argument")
)

// RateLimitError reports a denied rate-limit check together with the
// time the caller has to wait before the window resets.
type RateLimitError struct {
	Action     string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, retry after %s", e.Action, e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error {
	return ErrRateLimitExceeded
}

// RetryAfterMinutes is the wait hint in whole minutes, never below one.
func (e *RateLimitError) RetryAfterMinutes() int {
	return WholeMinutes(e.RetryAfter)
}

// WholeMinutes floors d to whole minutes with a floor of one minute.
func WholeMinutes(d time.Duration) int {
	m := int(d / time.Minute)
	if m < 1 {
		return 1
	}
	return m
}

// WrongAnswerError is returned when the desktop picks a decoy. It carries
// the outcome of the wrong_answer rate-limit hit so clients can show it.
type WrongAnswerError struct {
	Allowed    bool
	RetryAfter time.Duration
}

func (e *WrongAnswerError) Error() string {
	return "wrong challenge answer"
}

func (e *WrongAnswerError) Unwrap() error {
	return ErrWrongAnswer
}

// AppError for structured error handling from services to controllers.
type AppError struct {
	StatusCode int
	Code       string
	Message    string
	Err        error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// HandleAppError centralizes responding to AppErrors.
func HandleAppError(w http.ResponseWriter, err error) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		RespondErrorWithCode(w, appErr.StatusCode, appErr.Code, appErr.Message, nil, appErr.Err)
	} else {
		// Fallback for unexpected error types
		RespondErrorWithCode(w, http.StatusInternalServerError, ErrCodeInternal, "An unexpected error occurred", nil, err)
	}
}
