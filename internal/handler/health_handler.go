package handler

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/StorkSMS/Stork-SMS-Dapp-sub002/internal/db"
)

var (
	// startTime 记录服务启动时间
	startTime     time.Time
	startTimeOnce sync.Once
)

// InitStartTime 初始化服务启动时间（只执行一次）
func InitStartTime() {
	startTimeOnce.Do(func() {
		startTime = time.Now()
	})
}

// HealthzHandler 存活探针（liveness probe）
func HealthzHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"type":   "liveness",
	})
}

// ReadinessHandler 就绪探针（readiness probe）
// 数据库连不上时拒绝流量，领取接口没有数据库没法保证唯一性
func ReadinessHandler(c *gin.Context) {
	if startTime.IsZero() {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":  "not ready",
			"type":    "readiness",
			"message": "start time not initialized",
		})
		return
	}

	if db.DB == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":  "not ready",
			"type":    "readiness",
			"message": "database not initialized",
		})
		return
	}

	sqlDB, err := db.DB.DB()
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":  "not ready",
			"type":    "readiness",
			"message": "cannot acquire database handle",
		})
		return
	}
	if err := sqlDB.Ping(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":  "not ready",
			"type":    "readiness",
			"message": "database ping failed",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"type":   "readiness",
		"uptime": time.Since(startTime).String(),
	})
}
