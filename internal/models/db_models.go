package models

import (
	"time"

	"gorm.io/gorm"
)

// 领取状态流转: pending -> submitted -> confirmed / failed
const (
	ClaimStatusPending   = "pending"
	ClaimStatusSubmitted = "submitted"
	ClaimStatusConfirmed = "confirmed"
	ClaimStatusFailed    = "failed"
)

// 资格来源
const (
	EligibilitySourcePromo  = "promotional"
	EligibilitySourceDomain = "skr_domain"
	EligibilitySourceManual = "manual"
)

// AirdropClaim 空投领取记录表
// WalletAddress 上的唯一索引是"每个钱包最多领取一次"的最终保障，
// 应用层的重复检查只是提前拦截，并发时靠这个索引裁决
type AirdropClaim struct {
	gorm.Model
	ClaimID           string `gorm:"uniqueIndex;size:36"` // 对外的领取 ID（uuid）
	WalletAddress     string `gorm:"uniqueIndex;size:44"` // Solana 地址
	TxSignature       string `gorm:"size:88"`             // 交易签名（base58）
	ClaimAmount       uint64 // 领取金额（最小单位）
	EligibilitySource string `gorm:"size:20"`                   // promotional / skr_domain / manual
	TxStatus          string `gorm:"size:20;default:'pending'"` // pending / submitted / confirmed / failed
	TxError           string `gorm:"size:500"`                  // 仅 failed 时填写
	ClaimedAt         time.Time
	ConfirmedAt       *time.Time
}

// PromoParticipation 活动参与记录（资格判定的第一优先级来源）
type PromoParticipation struct {
	gorm.Model
	WalletAddress string `gorm:"index;size:44"`
	Campaign      string `gorm:"size:64"` // 活动标识
}
