package middleware

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"

	"github.com/erp/collector/internal/infrastructure/auth"
	"github.com/erp/collector/internal/infrastructure/config"
	"github.com/erp/collector/internal/interfaces/http/dto"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func ok(c *gin.Context) { c.String(http.StatusOK, "ok") }

func TestRequestID(t *testing.T) {
	router := gin.New()
	router.Use(RequestID())
	router.GET("/test", func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString("request_id"))
	})

	t.Run("generates when absent", func(t *testing.T) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))

		id := w.Header().Get(RequestIDHeader)
		assert.Len(t, id, 36)
		assert.Equal(t, id, w.Body.String())
	})

	t.Run("propagates caller id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.Header.Set(RequestIDHeader, "scheduler-42")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, "scheduler-42", w.Header().Get(RequestIDHeader))
	})

	t.Run("replaces oversized id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.Header.Set(RequestIDHeader, strings.Repeat("x", MaxRequestIDLength+1))
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Len(t, w.Header().Get(RequestIDHeader), 36)
	})
}

func TestBodyLimit(t *testing.T) {
	t.Run("allows request within limit", func(t *testing.T) {
		router := gin.New()
		router.Use(BodyLimit(1024))
		router.POST("/test", ok)

		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/test", bytes.NewReader([]byte("small body"))))

		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("rejects request exceeding Content-Length limit", func(t *testing.T) {
		router := gin.New()
		router.Use(BodyLimit(100))
		router.POST("/test", ok)

		req := httptest.NewRequest(http.MethodPost, "/test", bytes.NewReader([]byte(strings.Repeat("x", 200))))
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
		assert.Contains(t, w.Body.String(), dto.ErrCodeRequestTooLarge)
	})

	t.Run("zero disables the limit", func(t *testing.T) {
		router := gin.New()
		router.Use(BodyLimit(0))
		router.POST("/test", ok)

		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/test", bytes.NewReader(make([]byte, 4096))))

		assert.Equal(t, http.StatusOK, w.Code)
	})
}

type stubValidator struct {
	enabled bool
	claims  *auth.Claims
	err     error
}

func (s stubValidator) Enabled() bool { return s.enabled }

func (s stubValidator) Validate(string) (*auth.Claims, error) { return s.claims, s.err }

func TestTriggerAuth(t *testing.T) {
	tokens := auth.NewTriggerTokens(config.TriggerConfig{Secret: "s3cr3t-signing-key", Issuer: "erp-collector"})

	setup := func(v TokenValidator) *gin.Engine {
		router := gin.New()
		router.Use(RequestID(), TriggerAuth(v, zap.NewNop()))
		router.POST("/run", func(c *gin.Context) {
			c.String(http.StatusOK, GetTriggerSubject(c))
		})
		return router
	}
	call := func(router *gin.Engine, header string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/run", nil)
		if header != "" {
			req.Header.Set(AuthHeaderKey, header)
		}
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	t.Run("open when no secret is configured", func(t *testing.T) {
		w := call(setup(auth.NewTriggerTokens(config.TriggerConfig{})), "")
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("valid token", func(t *testing.T) {
		token, err := tokens.Issue("cloud-scheduler", time.Hour)
		require.NoError(t, err)

		w := call(setup(tokens), BearerPrefix+token)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "cloud-scheduler", w.Body.String())
	})

	t.Run("missing header", func(t *testing.T) {
		w := call(setup(tokens), "")

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Contains(t, w.Body.String(), dto.ErrCodeUnauthorized)
		assert.NotEmpty(t, w.Header().Get("WWW-Authenticate"))
	})

	t.Run("wrong scheme", func(t *testing.T) {
		w := call(setup(tokens), "Basic Zm9vOmJhcg==")
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("token signed with another secret", func(t *testing.T) {
		other := auth.NewTriggerTokens(config.TriggerConfig{Secret: "another-secret", Issuer: "erp-collector"})
		token, err := other.Issue("intruder", time.Hour)
		require.NoError(t, err)

		w := call(setup(tokens), BearerPrefix+token)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("expired token", func(t *testing.T) {
		w := call(setup(stubValidator{enabled: true, err: auth.ErrExpiredToken}), BearerPrefix+"x")

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Contains(t, w.Body.String(), dto.ErrCodeTokenExpired)
	})

	t.Run("missing scope", func(t *testing.T) {
		w := call(setup(stubValidator{enabled: true, err: auth.ErrMissingScope}), BearerPrefix+"x")

		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Contains(t, w.Body.String(), dto.ErrCodeForbidden)
	})
}

func TestSpanErrorMarker(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	router := gin.New()
	router.Use(func(c *gin.Context) {
		ctx, span := tp.Tracer("test").Start(c.Request.Context(), c.Request.URL.Path)
		defer span.End()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}, SpanErrorMarker())
	router.GET("/ok", ok)
	router.GET("/fail", func(c *gin.Context) {
		c.Status(http.StatusBadGateway)
	})

	for _, path := range []string{"/ok", "/fail"} {
		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, codes.Unset, spans[0].Status().Code)
	assert.Equal(t, codes.Error, spans[1].Status().Code)
	assert.Equal(t, http.StatusText(http.StatusBadGateway), spans[1].Status().Description)
}

func TestHTTPMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() { _ = mp.Shutdown(context.Background()) }()

	router := gin.New()
	router.Use(HTTPMetrics(mp.Meter("http.server"), zap.NewNop()))
	router.GET("/health", ok)
	for i := 0; i < 3; i++ {
		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))
	}

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	require.Len(t, rm.ScopeMetrics, 1)

	var total int64
	for _, m := range rm.ScopeMetrics[0].Metrics {
		if m.Name != "http_server_request_total" {
			continue
		}
		sum, isSum := m.Data.(metricdata.Sum[int64])
		require.True(t, isSum)
		for _, dp := range sum.DataPoints {
			route, _ := dp.Attributes.Value(attrHTTPRoute)
			assert.Equal(t, "/health", route.AsString())
			total += dp.Value
		}
	}
	assert.Equal(t, int64(3), total)
}
