package main

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func newAuthRouter(password string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/protected", authMiddleware(password), func(c *gin.Context) {
		c.String(200, "ok")
	})
	return r
}

func TestAuthMiddleware(t *testing.T) {
	router := newAuthRouter("secret-password")

	cases := []struct {
		name       string
		header     string
		wantStatus int
	}{
		{"无请求头", "", 401},
		{"格式错误", "secret-password", 401},
		{"类型错误", "Basic secret-password", 401},
		{"口令错误", "Bearer wrong", 401},
		{"口令正确", "Bearer secret-password", 200},
		{"类型大小写不敏感", "bearer secret-password", 200},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/protected", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			assert.Equal(t, tc.wantStatus, w.Code)
		})
	}
}

func TestCORSMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(corsMiddleware())
	r.GET("/", func(c *gin.Context) { c.String(200, "ok") })

	// 普通请求带上 CORS 头
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, 200, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))

	// 预检请求直接 204 短路
	req = httptest.NewRequest(http.MethodOptions, "/", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, 204, w.Code)
}

func TestIPRateLimiter(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logger := newQuietLogger()

	// 突发额度 2，之后补充速率极低
	limiter := NewIPRateLimiter(0.001, 2)
	r := gin.New()
	r.Use(rateLimitMiddleware(limiter, logger))
	r.GET("/", func(c *gin.Context) { c.String(200, "ok") })

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, 200, w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, 429, w.Code)
}
