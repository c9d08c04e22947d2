package mw

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// OriginAllowed 判断 origin 是否可以跨域访问：dev 环境放行全部来源，
// 其他环境只放行 allowed 中列出的来源或同主机来源。
func OriginAllowed(env string, allowed []string, origin, host string) bool {
	if origin == "" {
		return true
	}
	if env == "dev" {
		return true
	}
	for _, o := range allowed {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	trimmed := strings.TrimPrefix(strings.TrimPrefix(origin, "https://"), "http://")
	return strings.EqualFold(trimmed, host)
}

// CheckOrigin 适配 websocket.Upgrader.CheckOrigin。
func CheckOrigin(env string, allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		return OriginAllowed(env, allowed, r.Header.Get("Origin"), r.Host)
	}
}

// CORS 返回一个支持跨域请求的中间件。
func CORS(env string, allowed []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin == "" {
			c.Next()
			return
		}
		if OriginAllowed(env, allowed, origin, c.Request.Host) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
		}

		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
