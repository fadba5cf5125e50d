package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/StorkSMS/Stork-SMS-Dapp-sub002/internal/middleware"
	"github.com/StorkSMS/Stork-SMS-Dapp-sub002/internal/services"
)

// Handler 持有各处理函数依赖的服务
type Handler struct {
	claims *services.ClaimService
}

func New(claims *services.ClaimService) *Handler {
	return &Handler{claims: claims}
}

func RegisterRoutes(r *gin.Engine, h *Handler) {
	r.POST("/check-eligibility", h.CheckEligibilityHandler)
	r.POST("/claim", h.ClaimHandler)
	r.GET("/claim/:wallet", h.GetClaimHandler)

	r.GET("/healthz", HealthzHandler)
	r.GET("/readyz", ReadinessHandler)

	// 运维接口，仅本机可用
	ops := r.Group("/treasury", middleware.LocalOnly())
	ops.GET("/balance", h.TreasuryBalanceHandler)
}
