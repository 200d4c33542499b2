package server

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fgateway/fgapiserver/internal/auth"
	"github.com/fgateway/fgapiserver/internal/catalog"
	"github.com/fgateway/fgapiserver/internal/db"
	"github.com/fgateway/fgapiserver/internal/sandbox"
	"github.com/fgateway/fgapiserver/internal/tasks"
)

// StatusAuthzDenied is returned when the caller is authenticated but lacks
// a role, an impersonation right or an application grant. Existing clients
// expect 402 here rather than 403.
const StatusAuthzDenied = http.StatusPaymentRequired

const errorCodeVersion = "v1"

const (
	errorCodeAuthMissingToken   = errorCodeVersion + "/auth/missing_token"
	errorCodeAuthInvalidToken   = errorCodeVersion + "/auth/invalid_token"
	errorCodeAuthBadCredentials = errorCodeVersion + "/auth/invalid_credentials"
	errorCodeAuthDenied         = errorCodeVersion + "/auth/denied"
	errorCodeAuthRateLimited    = errorCodeVersion + "/auth/rate_limited"

	errorCodeValidationBadRequest    = errorCodeVersion + "/validation/bad_request"
	errorCodeValidationMalformedJSON = errorCodeVersion + "/validation/malformed_json"
	errorCodeValidationTooLarge      = errorCodeVersion + "/validation/too_large"
	errorCodeValidationConflict      = errorCodeVersion + "/validation/conflict"

	errorCodeTaskNotFound   = errorCodeVersion + "/task/not_found"
	errorCodeTaskSandbox    = errorCodeVersion + "/task/sandbox_unavailable"
	errorCodeTaskSubmit     = errorCodeVersion + "/task/submit_failed"
	errorCodeTaskUnknownIn  = errorCodeVersion + "/task/unknown_input"
	errorCodeAppNotFound    = errorCodeVersion + "/application/not_found"
	errorCodeAppUnknownFile = errorCodeVersion + "/application/unknown_file"
	errorCodeInfraNotFound  = errorCodeVersion + "/infrastructure/not_found"

	errorCodeResourceNotFound = errorCodeVersion + "/resource/not_found"
	errorCodeMethodNotAllowed = errorCodeVersion + "/resource/method_not_allowed"
	errorCodeInternalError    = errorCodeVersion + "/internal/error"
	errorCodeUnavailable      = errorCodeVersion + "/internal/unavailable"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, msg string, err ...error) {
	resp := ErrorResponse{Error: msg, Code: code}
	if code == "" {
		resp.Code = errorCodeByStatus(status)
	}
	if len(err) > 0 && err[0] != nil {
		resp.Details = err[0].Error()
	}
	writeJSON(w, status, resp)
}

func writeDenied(w http.ResponseWriter, message string) {
	writeError(w, StatusAuthzDenied, errorCodeAuthDenied, message)
}

// writeDomainError maps errors from the lifecycle, catalog and store layers
// onto status codes. Submission failures on task creation are 410.
func writeDomainError(w http.ResponseWriter, msg string, err error) {
	status, code := classify(err)
	writeError(w, status, code, msg, err)
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, tasks.ErrInvalidRequest),
		errors.Is(err, tasks.ErrInvalidStatus),
		errors.Is(err, catalog.ErrInvalidDefinition):
		return http.StatusBadRequest, errorCodeValidationBadRequest
	case errors.Is(err, tasks.ErrUnknownInput):
		return http.StatusBadRequest, errorCodeTaskUnknownIn
	case errors.Is(err, catalog.ErrUnknownFile):
		return http.StatusBadRequest, errorCodeAppUnknownFile
	case errors.Is(err, sandbox.ErrInvalidName):
		return http.StatusBadRequest, errorCodeValidationBadRequest
	case errors.Is(err, sandbox.ErrTooLarge):
		return http.StatusRequestEntityTooLarge, errorCodeValidationTooLarge
	case errors.Is(err, tasks.ErrTaskNotFound):
		return http.StatusNotFound, errorCodeTaskNotFound
	case errors.Is(err, tasks.ErrAppNotFound), errors.Is(err, catalog.ErrAppNotFound):
		return http.StatusNotFound, errorCodeAppNotFound
	case errors.Is(err, catalog.ErrInfraNotFound):
		return http.StatusNotFound, errorCodeInfraNotFound
	case errors.Is(err, sql.ErrNoRows):
		return http.StatusNotFound, errorCodeResourceNotFound
	case errors.Is(err, tasks.ErrSandbox):
		return http.StatusGone, errorCodeTaskSandbox
	case errors.Is(err, tasks.ErrNotWaiting),
		errors.Is(err, tasks.ErrAppDisabled),
		errors.Is(err, tasks.ErrNoInfrastructure):
		return http.StatusGone, errorCodeTaskSubmit
	case errors.Is(err, auth.ErrInvalidCredentials):
		return http.StatusUnauthorized, errorCodeAuthBadCredentials
	case errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized, errorCodeAuthInvalidToken
	case errors.Is(err, auth.ErrImpersonationDenied):
		return StatusAuthzDenied, errorCodeAuthDenied
	case db.IsUniqueViolation(err):
		return http.StatusConflict, errorCodeValidationConflict
	default:
		return http.StatusInternalServerError, errorCodeInternalError
	}
}

func errorCodeByStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return errorCodeValidationBadRequest
	case http.StatusUnauthorized:
		return errorCodeAuthInvalidToken
	case StatusAuthzDenied:
		return errorCodeAuthDenied
	case http.StatusNotFound:
		return errorCodeResourceNotFound
	case http.StatusMethodNotAllowed:
		return errorCodeMethodNotAllowed
	case http.StatusConflict:
		return errorCodeValidationConflict
	case http.StatusRequestEntityTooLarge:
		return errorCodeValidationTooLarge
	case http.StatusTooManyRequests:
		return errorCodeAuthRateLimited
	case http.StatusServiceUnavailable:
		return errorCodeUnavailable
	default:
		return errorCodeInternalError
	}
}
