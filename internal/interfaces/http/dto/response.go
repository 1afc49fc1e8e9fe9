// Package dto holds the JSON envelope shared by every collector endpoint.
package dto

// Response is the standard API response
type Response struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *ErrorInfo `json:"error,omitempty"`
}

// ErrorInfo contains error details
type ErrorInfo struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// NewSuccessResponse creates a success response
func NewSuccessResponse(data any) Response {
	return Response{
		Success: true,
		Data:    data,
	}
}

// NewErrorResponse creates an error response
func NewErrorResponse(code, message string) Response {
	return Response{
		Success: false,
		Error: &ErrorInfo{
			Code:    code,
			Message: message,
		},
	}
}

// NewErrorResponseWithRequestID creates an error response carrying the request id
func NewErrorResponseWithRequestID(code, message, requestID string) Response {
	resp := NewErrorResponse(code, message)
	resp.Error.RequestID = requestID
	return resp
}

// WithData attaches a payload to an error response. Failed runs still report
// their summary this way.
func (r Response) WithData(data any) Response {
	r.Data = data
	return r
}

// HealthResponse is served by GET /health
type HealthResponse struct {
	Status   string `json:"status"`
	Time     string `json:"time"`
	Database string `json:"database"`
}

// AuthStartResponse is served by GET /auth/start
type AuthStartResponse struct {
	AuthURL     string `json:"auth_url"`
	Instruction string `json:"instruction"`
}

// AuthCallbackResponse is served by GET /auth/callback
type AuthCallbackResponse struct {
	Message   string `json:"message"`
	ExpiresIn int64  `json:"expires_in"`
	ExpiresAt string `json:"expires_at"`
}
