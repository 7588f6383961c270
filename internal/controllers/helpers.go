package controllers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"

	"github.com/poofware/login-guard-service/internal/dtos"
	"github.com/poofware/login-guard-service/internal/utils"
)

const maxBodyBytes = 4 << 10

var validate = validator.New()

// decodeAndValidate writes the 400 itself and reports false on failure.
func decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		utils.RespondErrorWithCode(w, http.StatusBadRequest, utils.ErrCodeInvalidPayload, "Invalid request body", nil, err)
		return false
	}
	if err := validate.Struct(dst); err != nil {
		utils.RespondErrorWithCode(w, http.StatusBadRequest, utils.ErrCodeValidation, "Validation failed", nil, err)
		return false
	}
	return true
}

// respondServiceError maps domain errors onto the HTTP error surface. Anything
// unrecognised is a storage or internal failure and the action is denied.
func respondServiceError(w http.ResponseWriter, err error) {
	var (
		rl    *utils.RateLimitError
		wrong *utils.WrongAnswerError
	)
	switch {
	case errors.As(err, &rl):
		minutes := rl.RetryAfterMinutes()
		w.Header().Set("Retry-After", strconv.Itoa(minutes*60))
		utils.RespondErrorWithCode(w, http.StatusTooManyRequests, utils.ErrCodeRateLimitExceeded,
			"Too many attempts, please wait before trying again",
			dtos.RateLimitDetails{RetryAfterMinutes: minutes}, err)
	case errors.As(err, &wrong):
		details := dtos.WrongAnswerDetails{Allowed: wrong.Allowed}
		if !wrong.Allowed {
			details.RetryAfterMinutes = utils.WholeMinutes(wrong.RetryAfter)
		}
		utils.RespondErrorWithCode(w, http.StatusUnprocessableEntity, utils.ErrCodeWrongAnswer,
			"Incorrect code", details, err)
	case errors.Is(err, utils.ErrNotFound):
		utils.RespondErrorWithCode(w, http.StatusNotFound, utils.ErrCodeNotFound,
			"Session not found or expired", nil, err)
	case errors.Is(err, utils.ErrInvalidTransition), errors.Is(err, utils.ErrStatusConflict):
		utils.RespondErrorWithCode(w, http.StatusConflict, utils.ErrCodeInvalidSession,
			"Invalid session, please restart", nil, err)
	case errors.Is(err, utils.ErrSecurityPolicyFailed):
		utils.RespondErrorWithCode(w, http.StatusForbidden, utils.ErrCodeSecurityPolicyFailed,
			"Verification must be completed from a different device", nil, err)
	case errors.Is(err, utils.ErrInvalidReceipt):
		utils.RespondErrorWithCode(w, http.StatusUnauthorized, utils.ErrCodeInvalidReceipt,
			"Invalid verification receipt", nil, err)
	case errors.Is(err, utils.ErrInvalidArgument):
		utils.RespondErrorWithCode(w, http.StatusBadRequest, utils.ErrCodeValidation,
			"Invalid request", nil, err)
	default:
		utils.HandleAppError(w, &utils.AppError{
			StatusCode: http.StatusServiceUnavailable,
			Code:       utils.ErrCodeServiceUnavailable,
			Message:    "Verification is temporarily unavailable",
			Err:        err,
		})
	}
}
