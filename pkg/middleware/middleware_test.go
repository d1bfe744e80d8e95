package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "test-secret"

func sign(t *testing.T, claims jwt.MapClaims, key string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
	require.NoError(t, err)
	return "Bearer " + token
}

func whoami(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"user_id": UserID(c)})
}

func get(router *gin.Engine, path string, headers map[string]string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	router.ServeHTTP(w, req)
	return w
}

func TestJWTAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/me", JWTAuth(secret), whoami)

	exp := time.Now().Add(time.Hour).Unix()
	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"valid", sign(t, jwt.MapClaims{"user_id": 7, "exp": exp}, secret), http.StatusOK},
		{"missing header", "", http.StatusUnauthorized},
		{"not bearer", "Token abc", http.StatusUnauthorized},
		{"wrong secret", sign(t, jwt.MapClaims{"user_id": 7, "exp": exp}, "other"), http.StatusUnauthorized},
		{"expired", sign(t, jwt.MapClaims{"user_id": 7, "exp": time.Now().Add(-time.Hour).Unix()}, secret), http.StatusUnauthorized},
		{"no exp", sign(t, jwt.MapClaims{"user_id": 7}, secret), http.StatusUnauthorized},
		{"no user", sign(t, jwt.MapClaims{"exp": exp}, secret), http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := get(router, "/me", map[string]string{"Authorization": tt.header})
			assert.Equal(t, tt.want, w.Code)
			if tt.want == http.StatusOK {
				assert.JSONEq(t, `{"user_id":7}`, w.Body.String())
			}
		})
	}
}

func TestOptionalJWT(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/me", OptionalJWT(secret), whoami)

	w := get(router, "/me", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"user_id":0}`, w.Body.String())

	token := sign(t, jwt.MapClaims{"user_id": 3, "exp": time.Now().Add(time.Hour).Unix()}, secret)
	w = get(router, "/me", map[string]string{"Authorization": token})
	assert.JSONEq(t, `{"user_id":3}`, w.Body.String())

	w = get(router, "/me", map[string]string{"Authorization": "Bearer garbage"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"user_id":0}`, w.Body.String())
}

func TestInternalAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/internal", InternalAuth("key"), whoami)

	assert.Equal(t, http.StatusOK, get(router, "/internal", map[string]string{"X-API-Key": "key"}).Code)
	assert.Equal(t, http.StatusUnauthorized, get(router, "/internal", map[string]string{"X-API-Key": "nope"}).Code)
	assert.Equal(t, http.StatusUnauthorized, get(router, "/internal", nil).Code)
}

func TestRateLimit(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	limiter := NewRateLimiter(ctx)
	router := gin.New()
	router.Use(limiter.Handler())
	router.GET("/api/v1/auth/token", whoami)
	router.GET("/health", whoami)

	assert.Equal(t, http.StatusOK, get(router, "/api/v1/auth/token", nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, get(router, "/api/v1/auth/token", nil).Code)

	for i := 0; i < 20; i++ {
		require.Equal(t, http.StatusOK, get(router, "/health", nil).Code)
	}
}
