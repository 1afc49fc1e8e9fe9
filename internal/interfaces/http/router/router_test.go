package router

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	extractionapp "github.com/erp/collector/internal/application/extraction"
	"github.com/erp/collector/internal/domain/extraction"
	"github.com/erp/collector/internal/infrastructure/auth"
	"github.com/erp/collector/internal/infrastructure/config"
	"github.com/erp/collector/internal/interfaces/http/handler"
	"github.com/erp/collector/internal/interfaces/http/middleware"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestNewRouter(t *testing.T) {
	r := NewRouter(gin.New(), WithPrefix("/api/v1"))

	assert.Equal(t, "/api/v1", r.prefix)
	assert.Empty(t, r.registrars)
}

func TestRouterSetup(t *testing.T) {
	engine := gin.New()
	group := NewDomainGroup("test", "/test")
	group.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, "pong")
	})
	group.Group("nested", "/nested").POST("/echo", func(c *gin.Context) {
		c.String(http.StatusOK, "echo")
	})
	NewRouter(engine, WithPrefix("/api/v1")).Register(group).Setup()

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/test/ping", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "pong", w.Body.String())

	w = httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/test/nested/echo", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, "test", group.Name())
	assert.Equal(t, "/test", group.Prefix())
}

func TestDomainGroupMiddleware(t *testing.T) {
	engine := gin.New()
	group := NewDomainGroup("guarded", "/guarded").Use(func(c *gin.Context) {
		c.AbortWithStatus(http.StatusTeapot)
	})
	group.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })
	NewRouter(engine).Register(group).Setup()

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/guarded/x", nil))
	assert.Equal(t, http.StatusTeapot, w.Code)
}

type stubRunner struct {
	runs int
}

func (s *stubRunner) Run(context.Context, extractionapp.RunRequest) (*extractionapp.RunSummary, error) {
	s.runs++
	return &extractionapp.RunSummary{Status: string(extraction.RunStatusSuccess)}, nil
}

func (s *stubRunner) RunFull(context.Context, extractionapp.FullRunRequest) (*extractionapp.RunSummary, error) {
	s.runs++
	return &extractionapp.RunSummary{Status: string(extraction.RunStatusSuccess)}, nil
}

func (s *stubRunner) Status(context.Context) (*extractionapp.Status, error) {
	return &extractionapp.Status{}, nil
}

type stubAuthorizer struct{}

func (stubAuthorizer) AuthorizeURL(state string) string {
	return "https://erp.example/authorize?state=" + state
}

type stubExchanger struct{}

func (stubExchanger) ExchangeCode(context.Context, string) (*extraction.OAuthToken, error) {
	return &extraction.OAuthToken{ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func TestNewEngine(t *testing.T) {
	db, smock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()
	smock.ExpectPing()

	tokens := auth.NewTriggerTokens(config.TriggerConfig{Secret: "trigger-secret", Issuer: "erp-collector"})
	runner := &stubRunner{}
	engine, err := NewEngine(EngineConfig{Trigger: tokens, MaxBodySize: 1024}, Handlers{
		Health:     handler.NewHealthHandler(db, nil),
		Extraction: handler.NewExtractionHandler(runner, time.Minute),
		Auth:       handler.NewAuthHandler(stubAuthorizer{}, stubExchanger{}, "collector", nil),
	})
	require.NoError(t, err)

	bearer, err := tokens.Issue("scheduler", time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		status int
	}{
		{"health is open", http.MethodGet, "/health", "", http.StatusOK},
		{"status is open", http.MethodGet, "/status", "", http.StatusOK},
		{"run requires a token", http.MethodPost, "/run", "", http.StatusUnauthorized},
		{"run with token", http.MethodPost, "/run", bearer, http.StatusOK},
		{"full run requires a token", http.MethodPost, "/run/full?data_inicio=2024-01-01", "", http.StatusUnauthorized},
		{"full run with token", http.MethodPost, "/run/full?data_inicio=2024-01-01", bearer, http.StatusOK},
		{"auth start requires a token", http.MethodGet, "/auth/start", "", http.StatusUnauthorized},
		{"callback is guarded by state only", http.MethodGet, "/auth/callback?code=c&state=collector", "", http.StatusOK},
		{"run is POST only", http.MethodGet, "/run", bearer, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.token != "" {
				req.Header.Set(middleware.AuthHeaderKey, middleware.BearerPrefix+tt.token)
			}
			w := httptest.NewRecorder()
			engine.ServeHTTP(w, req)

			assert.Equal(t, tt.status, w.Code)
			assert.NotEmpty(t, w.Header().Get(middleware.RequestIDHeader))
		})
	}
	assert.Equal(t, 2, runner.runs)
}
