package middleware

import (
	"net"
	"net/http"

	"github.com/gin-gonic/gin"
)

// LocalOnly 中间件：只允许本地访问（127.0.0.1 或 ::1）
// 国库余额等运维接口走这个闸门
func LocalOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientIP := c.ClientIP()

		ip := net.ParseIP(clientIP)
		if ip == nil || !ip.IsLoopback() {
			c.JSON(http.StatusForbidden, gin.H{"error": "forbidden: local access only"})
			c.Abort()
			return
		}

		c.Next()
	}
}
