package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erp/collector/internal/interfaces/http/dto"
)

// Envelope is a decoded API response whose data is kept raw for a second decode
type Envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *dto.ErrorInfo  `json:"error,omitempty"`
}

// DecodeEnvelope parses the recorder body as an API envelope
func DecodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) Envelope {
	t.Helper()

	var env Envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), "Failed to parse envelope: %s", w.Body.String())
	return env
}

// DecodeData parses the envelope data into T
func DecodeData[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()

	var out T
	env := DecodeEnvelope(t, w)
	require.NotEmpty(t, env.Data, "Envelope has no data")
	require.NoError(t, json.Unmarshal(env.Data, &out), "Failed to parse envelope data")
	return out
}

// AssertSuccess asserts a 2xx success envelope
func AssertSuccess(t *testing.T, w *httptest.ResponseRecorder) {
	t.Helper()

	assert.GreaterOrEqual(t, w.Code, http.StatusOK)
	assert.Less(t, w.Code, http.StatusMultipleChoices)
	env := DecodeEnvelope(t, w)
	assert.True(t, env.Success, "Expected success, got %s", w.Body.String())
	assert.Nil(t, env.Error)
}

// AssertError asserts an error envelope with the given status and code
func AssertError(t *testing.T, w *httptest.ResponseRecorder, status int, code string) {
	t.Helper()

	assert.Equal(t, status, w.Code, "Unexpected status: %s", w.Body.String())
	env := DecodeEnvelope(t, w)
	assert.False(t, env.Success)
	require.NotNil(t, env.Error, "Expected error object in response")
	assert.Equal(t, code, env.Error.Code)
}

// BearerRequest builds a request carrying a bearer token when token is set
func BearerRequest(method, path, token string) *http.Request {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}
