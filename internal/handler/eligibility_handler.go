package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/StorkSMS/Stork-SMS-Dapp-sub002/internal/models"
	"github.com/StorkSMS/Stork-SMS-Dapp-sub002/internal/services"
)

// CheckEligibilityHandler POST /check-eligibility
// 资格检查永远 200：不符合资格是正常业务结果，不是错误
func (h *Handler) CheckEligibilityHandler(c *gin.Context) {
	var req models.CheckEligibilityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "walletAddress is required"})
		return
	}

	resp, err := h.claims.CheckEligibility(c.Request.Context(), req.WalletAddress)
	if err != nil {
		if errors.Is(err, services.ErrInvalidRecipient) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid wallet address"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}

	c.JSON(http.StatusOK, resp)
}
