package middleware

import (
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-markets/internal/auth"
	"github.com/ksred/klear-markets/pkg/response"
	"golang.org/x/time/rate"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limits are per-minute request budgets for each route family.
type Limits struct {
	AuthPerMinute  float64
	TradePerMinute float64
	ReadPerMinute  float64
}

// RateLimiter keeps one token bucket per client and route.
type RateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	limits   Limits
}

func NewRateLimiter(limits Limits) *RateLimiter {
	return &RateLimiter{
		visitors: make(map[string]*visitor),
		limits:   limits,
	}
}

func perMinute(n float64) rate.Limit {
	if n <= 0 {
		return rate.Inf
	}
	return rate.Limit(n / 60.0)
}

func (rl *RateLimiter) limitFor(method, path string) rate.Limit {
	switch {
	case strings.HasPrefix(path, "/api/v1/auth"):
		return perMinute(rl.limits.AuthPerMinute)
	case method == "GET":
		return perMinute(rl.limits.ReadPerMinute)
	case strings.HasPrefix(path, "/api/v1/duels"), strings.HasPrefix(path, "/api/v1/pools"):
		return perMinute(rl.limits.TradePerMinute)
	default:
		return rate.Inf
	}
}

func (rl *RateLimiter) getLimiter(method, path, client string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	key := client + ":" + method + ":" + path
	v, exists := rl.visitors[key]
	if !exists {
		v = &visitor{limiter: rate.NewLimiter(rl.limitFor(method, path), 5)}
		rl.visitors[key] = v
	}
	v.lastSeen = time.Now()
	return v.limiter
}

// Cleanup drops visitors idle for longer than idle.
func (rl *RateLimiter) Cleanup(idle time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, v := range rl.visitors {
		if time.Since(v.lastSeen) > idle {
			delete(rl.visitors, key)
		}
	}
}

// Handler limits by authenticated address when known, otherwise by IP.
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		client := c.ClientIP()
		if addr, ok := auth.Caller(c); ok {
			client = string(addr)
		}

		if !rl.getLimiter(c.Request.Method, c.FullPath(), client).Allow() {
			response.TooManyRequests(c, "Rate limit exceeded. Please try again later.")
			c.Abort()
			return
		}
		c.Next()
	}
}

// JWTAuth verifies the bearer token and stores the caller's address.
func JWTAuth(authService *auth.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := authenticate(c, authService)
		if !ok {
			return
		}
		c.Set(auth.ContextKeyClaims, claims)
		c.Set(auth.ContextKeyAddress, claims.Address)
		c.Next()
	}
}

// InternalAuth additionally requires the internal role.
func InternalAuth(authService *auth.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := authenticate(c, authService)
		if !ok {
			return
		}
		if !claims.HasRole(auth.RoleInternal) {
			response.Forbidden(c, "Internal access required")
			c.Abort()
			return
		}
		c.Set(auth.ContextKeyClaims, claims)
		c.Set(auth.ContextKeyAddress, claims.Address)
		c.Next()
	}
}

func authenticate(c *gin.Context, authService *auth.Service) (*auth.Claims, bool) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		response.Unauthorized(c, "Authorization header required")
		c.Abort()
		return nil, false
	}

	bearerToken := strings.Split(authHeader, " ")
	if len(bearerToken) != 2 || strings.ToLower(bearerToken[0]) != "bearer" {
		response.Unauthorized(c, "Invalid authorization header format")
		c.Abort()
		return nil, false
	}

	claims, err := authService.ValidateToken(bearerToken[1])
	if err != nil {
		response.Unauthorized(c, "Invalid token")
		c.Abort()
		return nil, false
	}
	return claims, true
}
