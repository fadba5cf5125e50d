package handler

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/StorkSMS/Stork-SMS-Dapp-sub002/internal/models"
	"github.com/StorkSMS/Stork-SMS-Dapp-sub002/internal/services"
)

// ClaimHandler POST /claim，按 action 分发
func (h *Handler) ClaimHandler(c *gin.Context) {
	var req models.ClaimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	switch req.Action {
	case "build":
		h.handleBuild(c, req)
	case "submit":
		h.handleSubmit(c, req)
	case "record":
		h.handleRecord(c, req)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown action: " + req.Action})
	}
}

func (h *Handler) handleBuild(c *gin.Context, req models.ClaimRequest) {
	resp, err := h.claims.BuildClaim(c.Request.Context(), req.WalletAddress)
	if err != nil {
		h.writeClaimError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) handleSubmit(c *gin.Context, req models.ClaimRequest) {
	if req.SignedTx == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "signedTransaction is required for action submit"})
		return
	}
	resp, err := h.claims.SubmitClaim(c.Request.Context(), req.WalletAddress, req.SignedTx)
	if err != nil {
		h.writeClaimError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) handleRecord(c *gin.Context, req models.ClaimRequest) {
	if req.TxSignature == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "transactionSignature is required for action record"})
		return
	}
	resp, err := h.claims.RecordClaim(c.Request.Context(), req.WalletAddress, req.TxSignature)
	if err != nil {
		h.writeClaimError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// writeClaimError 服务层错误到 HTTP 状态码的统一映射
// 403 资格不符 / 400 参数、重复、余额 / 500 内部与广播失败
// 任何分支都不允许把密钥材料或堆栈透给客户端
func (h *Handler) writeClaimError(c *gin.Context, err error) {
	var alreadyClaimed *services.AlreadyClaimedError
	switch {
	case errors.As(err, &alreadyClaimed):
		body := gin.H{
			"error":          "Airdrop already claimed",
			"alreadyClaimed": true,
		}
		if alreadyClaimed.Claim != nil {
			body["claimAmount"] = alreadyClaimed.Claim.ClaimAmount
			body["claimedAt"] = alreadyClaimed.Claim.ClaimedAt.UTC().Format(time.RFC3339)
		}
		c.JSON(http.StatusBadRequest, body)
	case errors.Is(err, services.ErrAlreadyClaimed):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Airdrop already claimed", "alreadyClaimed": true})
	case errors.Is(err, services.ErrNotEligible):
		c.JSON(http.StatusForbidden, gin.H{"error": "Wallet is not eligible for the airdrop"})
	case errors.Is(err, services.ErrInsufficientFeeBalance):
		// 错误信息里带着具体缺口数字，原样给前端
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "insufficientFunds": true})
	case errors.Is(err, services.ErrInsufficientTreasury):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "insufficientFunds": true})
	case errors.Is(err, services.ErrInvalidRecipient):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid wallet address"})
	case errors.Is(err, services.ErrInvalidAmount):
		// 额度为 0 是服务端配置问题，跟请求里的钱包地址无关
		c.JSON(http.StatusInternalServerError, gin.H{"error": "claim amount is not configured"})
	case errors.Is(err, services.ErrMissingUserSignature):
		c.JSON(http.StatusBadRequest, gin.H{"error": "transaction is missing your wallet signature"})
	case errors.Is(err, services.ErrBadTx):
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad tx"})
	case errors.Is(err, services.ErrInvalidSignature):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid transaction signature"})
	case errors.Is(err, services.ErrBroadcastFailed):
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to submit transaction to the network"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}

// GetClaimHandler GET /claim/:wallet 查询领取记录
func (h *Handler) GetClaimHandler(c *gin.Context) {
	wallet := strings.TrimSpace(c.Param("wallet"))
	claim, err := h.claims.ClaimByWallet(wallet)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "claim not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}

	resp := gin.H{
		"claimId":           claim.ClaimID,
		"walletAddress":     claim.WalletAddress,
		"status":            claim.TxStatus,
		"claimAmount":       claim.ClaimAmount,
		"eligibilitySource": claim.EligibilitySource,
		"txSignature":       claim.TxSignature,
		"claimedAt":         claim.ClaimedAt.UTC().Format(time.RFC3339),
	}
	if claim.ConfirmedAt != nil {
		resp["confirmedAt"] = claim.ConfirmedAt.UTC().Format(time.RFC3339)
	}
	if claim.TxError != "" {
		resp["transactionError"] = claim.TxError
	}
	c.JSON(http.StatusOK, resp)
}

// TreasuryBalanceHandler GET /treasury/balance（仅本机）
func (h *Handler) TreasuryBalanceHandler(c *gin.Context) {
	balance, ui, err := h.claims.TreasuryBalance(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query treasury balance"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"balance":   balance,
		"balanceUi": ui,
	})
}
