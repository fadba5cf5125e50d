package db

import (
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/StorkSMS/Stork-SMS-Dapp-sub002/internal/models"
)

var DB *gorm.DB // 在 main 中赋值

// ErrDuplicateClaim 同一钱包的第二次插入会命中 wallet_address 唯一索引，
// 统一转换成这个错误，调用方据此返回"已领取"而不是通用服务器错误
var ErrDuplicateClaim = errors.New("claim already exists for wallet")

// InsertClaim 插入领取记录
// 唯一索引冲突（并发下两个请求同时越过应用层预检）返回 ErrDuplicateClaim
func InsertClaim(db *gorm.DB, claim *models.AirdropClaim) error {
	if err := db.Create(claim).Error; err != nil {
		if IsDuplicateKeyErr(err) {
			return ErrDuplicateClaim
		}
		return err
	}
	return nil
}

// IsDuplicateKeyErr 判断是否为唯一约束冲突
// gorm 的 TranslateError 和 pgx 驱动的原生错误两条路都要兜住
func IsDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return true
	}
	// 驱动升级后错误类型可能变化，字符串匹配作为最后手段
	return strings.Contains(err.Error(), "duplicate key value")
}

// GetClaimByWallet 按钱包地址查询领取记录
func GetClaimByWallet(db *gorm.DB, wallet string) (*models.AirdropClaim, error) {
	var claim models.AirdropClaim
	err := db.Where("wallet_address = ?", wallet).First(&claim).Error
	return &claim, err
}

// GetClaimByClaimID 按领取 ID 查询
func GetClaimByClaimID(db *gorm.DB, claimID string) (*models.AirdropClaim, error) {
	var claim models.AirdropClaim
	err := db.Where("claim_id = ?", claimID).First(&claim).Error
	return &claim, err
}

// UpdateClaimStatus 更新领取记录的终态
// txError 只在 failed 时有意义，confirmedAt 只在 confirmed 时有意义
// 确认重叠时按 last-writer-wins 处理，不加锁
func UpdateClaimStatus(db *gorm.DB, claimID, status, txError string, confirmedAt *time.Time) error {
	updates := map[string]interface{}{
		"tx_status": status,
	}
	if txError != "" {
		updates["tx_error"] = txError
	}
	if confirmedAt != nil {
		updates["confirmed_at"] = confirmedAt
	}
	return db.Model(&models.AirdropClaim{}).Where("claim_id = ?", claimID).Updates(updates).Error
}

// GetStaleClaims 查询超过 cutoff 仍停留在非终态的记录，供对账扫描使用
func GetStaleClaims(db *gorm.DB, cutoff time.Time, limit int) ([]models.AirdropClaim, error) {
	var claims []models.AirdropClaim
	err := db.Where("tx_status IN ? AND updated_at < ?",
		[]string{models.ClaimStatusPending, models.ClaimStatusSubmitted}, cutoff).
		Limit(limit).Find(&claims).Error
	return claims, err
}

// CountPromoParticipations 统计钱包的活动参与次数
func CountPromoParticipations(db *gorm.DB, wallet string) (int64, error) {
	var count int64
	err := db.Model(&models.PromoParticipation{}).Where("wallet_address = ?", wallet).Count(&count).Error
	return count, err
}
