package dto

import "net/http"

// Error code constants organized by category
// Format: ERR_<CATEGORY>_<DESCRIPTION>

// General error codes
const (
	// ErrCodeInternal is used for internal server errors
	ErrCodeInternal = "ERR_INTERNAL"
	// ErrCodeTimeout is used when a run outlives its deadline
	ErrCodeTimeout = "ERR_TIMEOUT"
	// ErrCodeUnavailable is used when a dependency such as the database is down
	ErrCodeUnavailable = "ERR_SERVICE_UNAVAILABLE"
)

// Validation error codes
const (
	// ErrCodeValidation is the base code for validation errors
	ErrCodeValidation = "ERR_VALIDATION"
	// ErrCodeInvalidDate is used when a date parameter is not YYYY-MM-DD
	ErrCodeInvalidDate = "ERR_VALIDATION_DATE"
	// ErrCodeInvalidWindow is used when the extraction window is empty or inverted
	ErrCodeInvalidWindow = "ERR_INVALID_WINDOW"
	// ErrCodeRequestTooLarge is used when the body exceeds the configured limit
	ErrCodeRequestTooLarge = "ERR_REQUEST_TOO_LARGE"
)

// Authentication error codes
const (
	// ErrCodeUnauthorized is used when a bearer token is required but missing or invalid
	ErrCodeUnauthorized = "ERR_UNAUTHORIZED"
	// ErrCodeForbidden is used when the token lacks the run scope
	ErrCodeForbidden = "ERR_FORBIDDEN"
	// ErrCodeTokenExpired is used when the bearer token has expired
	ErrCodeTokenExpired = "ERR_TOKEN_EXPIRED"
	// ErrCodeInvalidState is used when the OAuth callback state does not match
	ErrCodeInvalidState = "ERR_OAUTH_STATE"
)

// Extraction error codes
const (
	// ErrCodeRunInProgress is used when another run holds the run lock
	ErrCodeRunInProgress = "ERR_RUN_IN_PROGRESS"
	// ErrCodeReauthorizationRequired is used when no usable upstream token exists
	ErrCodeReauthorizationRequired = "ERR_REAUTHORIZATION_REQUIRED"
	// ErrCodeUpstream is used when the ERP API fails after retries
	ErrCodeUpstream = "ERR_UPSTREAM"
	// ErrCodeRateLimited is used when the ERP API keeps answering 429
	ErrCodeRateLimited = "ERR_UPSTREAM_RATE_LIMITED"
	// ErrCodeRecordsFailed is used when the fail policy rejects a run with skipped records
	ErrCodeRecordsFailed = "ERR_RECORDS_FAILED"
	// ErrCodePersistence is used when the store rejects a write or checkpoint
	ErrCodePersistence = "ERR_PERSISTENCE"
)

// ErrorCodeHTTPStatus maps error codes to HTTP status codes
var ErrorCodeHTTPStatus = map[string]int{
	ErrCodeInternal:    http.StatusInternalServerError,
	ErrCodeTimeout:     http.StatusGatewayTimeout,
	ErrCodeUnavailable: http.StatusServiceUnavailable,

	ErrCodeValidation:      http.StatusBadRequest,
	ErrCodeInvalidDate:     http.StatusBadRequest,
	ErrCodeInvalidWindow:   http.StatusBadRequest,
	ErrCodeRequestTooLarge: http.StatusRequestEntityTooLarge,

	ErrCodeUnauthorized: http.StatusUnauthorized,
	ErrCodeForbidden:    http.StatusForbidden,
	ErrCodeTokenExpired: http.StatusUnauthorized,
	ErrCodeInvalidState: http.StatusBadRequest,

	ErrCodeRunInProgress:           http.StatusConflict,
	ErrCodeReauthorizationRequired: http.StatusServiceUnavailable,
	ErrCodeUpstream:                http.StatusBadGateway,
	ErrCodeRateLimited:             http.StatusBadGateway,
	ErrCodeRecordsFailed:           http.StatusUnprocessableEntity,
	ErrCodePersistence:             http.StatusInternalServerError,
}

// GetHTTPStatus returns the HTTP status code for an error code
func GetHTTPStatus(code string) int {
	if status, ok := ErrorCodeHTTPStatus[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}
