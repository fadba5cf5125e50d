package handler

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/StorkSMS/Stork-SMS-Dapp-sub002/internal/models"
	"github.com/StorkSMS/Stork-SMS-Dapp-sub002/internal/services"
)

func TestWriteClaimErrorMapping(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := New(nil)

	cases := []struct {
		name     string
		err      error
		wantCode int
		wantBody string
	}{
		{"资格不符", services.ErrNotEligible, http.StatusForbidden, "not eligible"},
		{"地址非法", services.ErrInvalidRecipient, http.StatusBadRequest, "invalid wallet address"},
		// 额度为 0 是服务端配置问题，不能报成钱包地址错误
		{"额度配置为零", services.ErrInvalidAmount, http.StatusInternalServerError, "claim amount is not configured"},
		{"缺用户签名", services.ErrMissingUserSignature, http.StatusBadRequest, "missing your wallet signature"},
		{"广播失败", services.ErrBroadcastFailed, http.StatusInternalServerError, "failed to submit"},
		{"未知错误不泄露内部细节", errors.New("pg: connection refused at 10.0.0.3"), http.StatusInternalServerError, "internal server error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)

			h.writeClaimError(c, tc.err)

			assert.Equal(t, tc.wantCode, w.Code)
			assert.Contains(t, w.Body.String(), tc.wantBody)
		})
	}
}

func TestWriteClaimErrorAlreadyClaimed(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := New(nil)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	h.writeClaimError(c, &services.AlreadyClaimedError{Claim: &models.AirdropClaim{
		ClaimAmount: 1_000_000_000,
		ClaimedAt:   time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}})

	assert.Equal(t, http.StatusBadRequest, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, `"alreadyClaimed":true`)
	assert.Contains(t, body, "1000000000")
	assert.Contains(t, body, "2025-06-01T12:00:00Z")
}
