package main

import (
	"crypto/subtle"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"gemini-gateway/models"
)

// corsMiddleware CORS 中间件
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept-Encoding, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}

// authMiddleware Bearer 鉴权
// 口令比较必须是常数时间的，防止计时侧信道
func authMiddleware(password string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			abortAuth(c, "缺少 Authorization 请求头")
			return
		}

		authType, token, found := strings.Cut(authHeader, " ")
		if !found {
			abortAuth(c, "Authorization 请求头格式错误")
			return
		}
		if !strings.EqualFold(authType, "bearer") {
			abortAuth(c, "Authorization 类型必须为 Bearer")
			return
		}

		if subtle.ConstantTimeCompare([]byte(token), []byte(password)) != 1 {
			abortAuth(c, "未授权")
			return
		}
		c.Next()
	}
}

func abortAuth(c *gin.Context, message string) {
	c.AbortWithStatusJSON(401, models.ErrorResponse{
		Error: models.ErrorDetail{Message: message, Type: "authentication_error"},
	})
}

// requestLoggerMiddleware 业务接口的访问日志，只记录错误和慢请求
func requestLoggerMiddleware(log *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		latency := time.Since(start)
		statusCode := c.Writer.Status()

		if statusCode < 400 {
			return
		}

		entry := log.WithFields(logrus.Fields{
			"method":    c.Request.Method,
			"path":      c.Request.URL.Path,
			"status":    statusCode,
			"latency":   latency.String(),
			"client_ip": c.ClientIP(),
		})
		if statusCode >= 500 {
			entry.Error("Server error")
		} else {
			entry.Warn("Client error")
		}
	}
}

// ipClient 包装限流器及其最后访问时间
type ipClient struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// IPRateLimiter 带自动清理的按 IP 限流器（入站防护，独立于凭证限流）
type IPRateLimiter struct {
	mu      sync.Mutex
	clients map[string]*ipClient
	rate    rate.Limit
	burst   int
}

func NewIPRateLimiter(r rate.Limit, b int) *IPRateLimiter {
	l := &IPRateLimiter{
		clients: make(map[string]*ipClient),
		rate:    r,
		burst:   b,
	}
	go l.cleanupLoop()
	return l
}

func (l *IPRateLimiter) get(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, exists := l.clients[ip]
	if !exists {
		c = &ipClient{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.clients[ip] = c
	}
	c.lastSeen = time.Now()
	return c.limiter
}

// cleanupLoop 每分钟清理一次超过 3 分钟未活跃的 IP
func (l *IPRateLimiter) cleanupLoop() {
	for {
		time.Sleep(time.Minute)
		l.mu.Lock()
		for ip, c := range l.clients {
			if time.Since(c.lastSeen) > 3*time.Minute {
				delete(l.clients, ip)
			}
		}
		l.mu.Unlock()
	}
}

// rateLimitMiddleware IP 限流中间件
func rateLimitMiddleware(limiter *IPRateLimiter, log *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if !limiter.get(ip).Allow() {
			log.Warnf("Rate limit exceeded for IP: %s", ip)
			c.AbortWithStatusJSON(429, models.ErrorResponse{
				Error: models.ErrorDetail{Message: "Too Many Requests", Type: "rate_limit_error"},
			})
			return
		}
		c.Next()
	}
}
