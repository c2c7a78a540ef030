package middleware_test

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eshaffer321/lodgetix-reconcile/internal/api/middleware"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newRouter(mw ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(mw...)
	r.GET("/test", func(c *gin.Context) { c.String(http.StatusOK, "OK") })
	r.GET("/missing", func(c *gin.Context) { c.Status(http.StatusNotFound) })
	r.POST("/test", func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString(middleware.SubjectKey))
	})
	return r
}

func TestLogging(t *testing.T) {
	t.Run("logs request and assigns a request id", func(t *testing.T) {
		var buf bytes.Buffer
		logger := slog.New(slog.NewTextHandler(&buf, nil))
		router := newRouter(middleware.Logging(logger))

		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "OK", rec.Body.String())
		id := rec.Header().Get(middleware.RequestIDHeader)
		assert.Len(t, id, 36)
		assert.Contains(t, buf.String(), "request_id="+id)
		assert.Contains(t, buf.String(), "status=200")
	})

	t.Run("keeps an incoming request id and logs 4xx as warn", func(t *testing.T) {
		var buf bytes.Buffer
		logger := slog.New(slog.NewTextHandler(&buf, nil))
		router := newRouter(middleware.Logging(logger))

		req := httptest.NewRequest(http.MethodGet, "/missing", nil)
		req.Header.Set(middleware.RequestIDHeader, "req-123")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "req-123", rec.Header().Get(middleware.RequestIDHeader))
		assert.Contains(t, buf.String(), "level=WARN")
	})
}

func TestCORS(t *testing.T) {
	router := newRouter(middleware.CORS(middleware.CORSConfig{
		AllowedOrigins: []string{"http://localhost:3000"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Content-Type"},
	}))

	t.Run("sets CORS headers for allowed origin", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.Header.Set("Origin", "http://localhost:3000")
		rec := httptest.NewRecorder()

		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("rejects disallowed origin", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.Header.Set("Origin", "http://evil.com")
		rec := httptest.NewRecorder()

		router.ServeHTTP(rec, req)

		assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("handles OPTIONS preflight request", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/test", nil)
		req.Header.Set("Origin", "http://localhost:3000")
		req.Header.Set("Access-Control-Request-Method", "POST")
		rec := httptest.NewRecorder()

		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
	})
}

func TestDefaultCORSConfig(t *testing.T) {
	cfg := middleware.DefaultCORSConfig()

	assert.Contains(t, cfg.AllowedOrigins, "http://localhost:3000")
	assert.Contains(t, cfg.AllowedMethods, "PATCH")
	assert.Contains(t, cfg.AllowedHeaders, "Authorization")
}

func TestJWTAuth(t *testing.T) {
	const secret = "test-secret"
	router := newRouter(middleware.JWTAuth(secret))

	t.Run("accepts a valid token and exposes the subject", func(t *testing.T) {
		token, err := middleware.IssueToken(secret, "ops", time.Hour)
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodPost, "/test", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "ops", rec.Body.String())
	})

	t.Run("rejects a missing token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/test", nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Contains(t, rec.Body.String(), `"code":"unauthorized"`)
	})

	t.Run("rejects a token signed with another secret", func(t *testing.T) {
		token, err := middleware.IssueToken("other", "ops", time.Hour)
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodPost, "/test", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("rejects an expired token", func(t *testing.T) {
		token, err := middleware.IssueToken(secret, "ops", -time.Minute)
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodPost, "/test", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("empty secret disables auth", func(t *testing.T) {
		open := newRouter(middleware.JWTAuth(""))
		req := httptest.NewRequest(http.MethodPost, "/test", nil)
		rec := httptest.NewRecorder()
		open.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestWhen(t *testing.T) {
	router := newRouter(middleware.When(func(c *gin.Context) bool {
		return c.Query("guard") == "1"
	}, middleware.JWTAuth("secret")))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/test", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/test?guard=1", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
