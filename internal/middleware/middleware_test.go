package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pactstake/settlement/internal/ratelimit"
	"github.com/pactstake/settlement/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const testSecret = "test-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

func perform(r http.Handler, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestJWTMiddleware(t *testing.T) {
	userID := uuid.New()
	var seen services.Actor

	r := gin.New()
	r.GET("/me", JWTMiddleware(testSecret), func(c *gin.Context) {
		seen, _ = ActorFromContext(c)
		c.Status(http.StatusOK)
	})

	valid, err := GenerateToken(userID, []string{services.RoleArbiter}, JWTConfig{Secret: testSecret, Expiration: time.Hour})
	require.NoError(t, err)
	expired, err := GenerateToken(userID, nil, JWTConfig{Secret: testSecret, Expiration: -time.Minute})
	require.NoError(t, err)
	foreign, err := GenerateToken(userID, nil, JWTConfig{Secret: "other", Expiration: time.Hour})
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized},
		{"expired", "Bearer " + expired, http.StatusUnauthorized},
		{"wrong secret", "Bearer " + foreign, http.StatusUnauthorized},
		{"valid", "Bearer " + valid, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			assert.Equal(t, tt.want, perform(r, req).Code)
		})
	}

	assert.Equal(t, userID, seen.UserID)
	assert.True(t, seen.HasRole(services.RoleArbiter))
}

func TestRequireRole(t *testing.T) {
	r := gin.New()
	r.POST("/resolve", JWTMiddleware(testSecret), RequireRole(services.RoleArbiter, services.RoleAdmin), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	call := func(roles []string) int {
		token, err := GenerateToken(uuid.New(), roles, JWTConfig{Secret: testSecret, Expiration: time.Hour})
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodPost, "/resolve", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		return perform(r, req).Code
	}

	assert.Equal(t, http.StatusForbidden, call(nil))
	assert.Equal(t, http.StatusNoContent, call([]string{services.RoleAdmin}))
}

func TestServiceAuthMiddleware(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("kyc-key"), bcrypt.MinCost)
	require.NoError(t, err)

	r := gin.New()
	r.POST("/kyc", ServiceAuthMiddleware(map[string]string{"kyc": string(hash)}), func(c *gin.Context) {
		c.String(http.StatusOK, GetServiceID(c))
	})

	tests := []struct {
		name, service, key string
		want               int
	}{
		{"missing", "", "", http.StatusUnauthorized},
		{"unknown service", "metrics", "kyc-key", http.StatusUnauthorized},
		{"wrong key", "kyc", "nope", http.StatusUnauthorized},
		{"valid", "kyc", "kyc-key", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/kyc", nil)
			req.Header.Set("X-Service-ID", tt.service)
			req.Header.Set("X-API-Key", tt.key)
			w := perform(r, req)
			assert.Equal(t, tt.want, w.Code)
			if tt.want == http.StatusOK {
				assert.Equal(t, "kyc", w.Body.String())
			}
		})
	}
}

func TestRateLimit(t *testing.T) {
	limiter := ratelimit.New(ratelimit.NewMemoryStore(),
		map[string]ratelimit.Rule{"join": {Max: 2, Window: time.Minute}},
		ratelimit.Rule{Max: 100, Window: time.Minute})

	r := gin.New()
	r.Use(RequestID())
	r.POST("/join", RateLimit(limiter, "join", zap.NewNop().Sugar()), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	for i := 0; i < 2; i++ {
		w := perform(r, httptest.NewRequest(http.MethodPost, "/join", nil))
		require.Equal(t, http.StatusOK, w.Code)
		assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	}

	w := perform(r, httptest.NewRequest(http.MethodPost, "/join", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "retry_after")
}

func TestRequestIDReusesClientValue(t *testing.T) {
	r := gin.New()
	r.Use(RequestID(), Logger(zap.NewNop().Sugar()))
	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, GetRequestID(c)) })

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "abc")
	w := perform(r, req)
	assert.Equal(t, "abc", w.Body.String())
	assert.Equal(t, "abc", w.Header().Get("X-Request-ID"))
}
