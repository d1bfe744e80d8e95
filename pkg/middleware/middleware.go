package middleware

import (
	"context"
	"crypto/subtle"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/ksred/klear-exchange/pkg/response"
	"golang.org/x/time/rate"
)

// UserIDKey is the gin context key holding the authenticated user id (int64)
const UserIDKey = "userID"

var (
	// Configure limits per endpoint type
	authLimit    = rate.Limit(10.0 / 60.0)   // 10 requests per minute
	tradingLimit = rate.Limit(300.0 / 60.0)  // 300 requests per minute
	marketLimit  = rate.Limit(1200.0 / 60.0) // 1200 requests per minute
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per client and route
type RateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	idle     time.Duration
}

// NewRateLimiter starts evicting idle visitors until ctx is done
func NewRateLimiter(ctx context.Context) *RateLimiter {
	l := &RateLimiter{
		visitors: make(map[string]*visitor),
		idle:     3 * time.Minute,
	}
	go l.cleanup(ctx)
	return l
}

func limitFor(path string) (rate.Limit, int) {
	switch {
	case strings.HasPrefix(path, "/api/v1/auth"):
		return authLimit, 1
	case strings.HasPrefix(path, "/api/v1/orders"):
		return tradingLimit, 5
	case strings.HasPrefix(path, "/api/v1/info"),
		strings.HasPrefix(path, "/api/v1/candles"),
		strings.HasPrefix(path, "/api/v1/book"):
		return marketLimit, 10
	}
	return rate.Inf, 1
}

func (l *RateLimiter) get(path, clientID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := clientID + ":" + path
	v, exists := l.visitors[key]
	if !exists {
		limit, burst := limitFor(path)
		v = &visitor{limiter: rate.NewLimiter(limit, burst)}
		l.visitors[key] = v
	}
	v.lastSeen = time.Now()
	return v.limiter
}

func (l *RateLimiter) cleanup(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		l.mu.Lock()
		for key, v := range l.visitors {
			if time.Since(v.lastSeen) > l.idle {
				delete(l.visitors, key)
			}
		}
		l.mu.Unlock()
	}
}

// Handler limits authenticated users by id and everyone else by IP
func (l *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientID := c.ClientIP()
		if userID := c.GetInt64(UserIDKey); userID != 0 {
			clientID = fmt.Sprintf("user:%d", userID)
		}

		if !l.get(c.FullPath(), clientID).Allow() {
			response.TooManyRequests(c, "Rate limit exceeded. Please try again later.")
			c.Abort()
			return
		}

		c.Next()
	}
}

// JWTAuth rejects requests without a valid bearer token and stores the
// token's user id in the context
func JWTAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := authenticate(c.GetHeader("Authorization"), []byte(secret))
		if err != nil {
			response.Unauthorized(c, err.Error())
			c.Abort()
			return
		}

		c.Set(UserIDKey, userID)
		c.Next()
	}
}

// OptionalJWT identifies the user when a valid token is present and lets
// anonymous requests through
func OptionalJWT(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if header := c.GetHeader("Authorization"); header != "" {
			if userID, err := authenticate(header, []byte(secret)); err == nil {
				c.Set(UserIDKey, userID)
			}
		}
		c.Next()
	}
}

func authenticate(header string, secret []byte) (int64, error) {
	if header == "" {
		return 0, fmt.Errorf("authorization header required")
	}

	bearerToken := strings.Split(header, " ")
	if len(bearerToken) != 2 || strings.ToLower(bearerToken[0]) != "bearer" {
		return 0, fmt.Errorf("invalid authorization header format")
	}

	token, err := jwt.Parse(bearerToken[1], func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return 0, fmt.Errorf("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return 0, fmt.Errorf("invalid token claims")
	}

	for _, claim := range []string{"user_id", "exp"} {
		if _, exists := claims[claim]; !exists {
			return 0, fmt.Errorf("missing required claim: %s", claim)
		}
	}

	// JSON numbers decode as float64
	userID, ok := claims["user_id"].(float64)
	if !ok || userID <= 0 {
		return 0, fmt.Errorf("invalid user id in token")
	}
	return int64(userID), nil
}

// InternalAuth guards operator endpoints with a shared API key
func InternalAuth(apiKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		provided := c.GetHeader("X-API-Key")
		if provided == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(apiKey)) != 1 {
			response.Unauthorized(c, "Invalid API key")
			c.Abort()
			return
		}
		c.Next()
	}
}

// UserID returns the authenticated user id, or zero for anonymous requests
func UserID(c *gin.Context) int64 {
	return c.GetInt64(UserIDKey)
}
