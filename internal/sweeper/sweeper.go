// Package sweeper 对账扫描：把停留在非终态的领取记录驱赶到终态。
// 异步确认只有一次机会，进程重启、RPC 抖动都可能让行卡在 submitted，
// 这里定期重查链上状态兜底。
package sweeper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"gorm.io/gorm"

	"github.com/StorkSMS/Stork-SMS-Dapp-sub002/internal/db"
	"github.com/StorkSMS/Stork-SMS-Dapp-sub002/internal/models"
	"github.com/StorkSMS/Stork-SMS-Dapp-sub002/internal/services"
	"github.com/StorkSMS/Stork-SMS-Dapp-sub002/utils"
)

const (
	batchSize  = 100
	maxWorkers = 10 // 限制并发 RPC 查询数
)

// Sweeper 周期扫描超龄的 pending/submitted 记录
type Sweeper struct {
	db         *gorm.DB
	chain      services.ChainRPC
	interval   time.Duration
	staleAfter time.Duration // 记录超过这个年龄仍未到终态才处理
	workerPool chan struct{}
}

func New(dbConn *gorm.DB, chain services.ChainRPC, interval, staleAfter time.Duration) *Sweeper {
	if interval == 0 {
		interval = 5 * time.Minute
	}
	if staleAfter == 0 {
		// 留出完整的确认窗口再介入，避免和异步确认抢写
		staleAfter = 2 * time.Minute
	}
	return &Sweeper{
		db:         dbConn,
		chain:      chain,
		interval:   interval,
		staleAfter: staleAfter,
		workerPool: make(chan struct{}, maxWorkers),
	}
}

// Start 阻塞运行直到 ctx 取消
func (s *Sweeper) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	utils.Log.Infow("对账扫描启动", "interval", s.interval, "staleAfter", s.staleAfter)
	for {
		select {
		case <-ctx.Done():
			utils.Log.Info("对账扫描停止")
			return ctx.Err()
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context) {
	cutoff := time.Now().Add(-s.staleAfter)
	claims, err := db.GetStaleClaims(s.db, cutoff, batchSize)
	if err != nil {
		utils.Log.Errorw("查询待对账记录失败", "err", err)
		return
	}
	if len(claims) == 0 {
		return
	}
	utils.Log.Infow("开始对账", "count", len(claims))

	var wg sync.WaitGroup
	for i := range claims {
		claim := claims[i]
		wg.Add(1)
		s.workerPool <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-s.workerPool }()
			s.reconcile(ctx, &claim)
		}()
	}
	wg.Wait()
}

// reconcile 核对单条记录的链上状态并写回终态
func (s *Sweeper) reconcile(ctx context.Context, claim *models.AirdropClaim) {
	if claim.TxSignature == "" {
		// 没有签名的行无从对账，直接判失败
		s.markFailed(claim, "no transaction signature recorded")
		return
	}
	signature, err := solana.SignatureFromBase58(claim.TxSignature)
	if err != nil {
		s.markFailed(claim, "recorded signature is not valid base58")
		return
	}

	// 记录可能已经很旧，带历史检索查状态
	statuses, err := s.chain.GetSignatureStatuses(ctx, true, signature)
	if err != nil {
		utils.Log.Warnw("对账查询链上状态失败，下轮重试", "claimID", claim.ClaimID, "err", err)
		return
	}
	if statuses == nil || len(statuses.Value) == 0 || statuses.Value[0] == nil {
		// 链上查不到：blockhash 早已过期，这笔交易不可能再确认了
		s.markFailed(claim, "transaction not found on-chain during reconciliation")
		return
	}

	status := statuses.Value[0]
	if status.Err != nil {
		s.markFailed(claim, fmt.Sprintf("transaction failed on-chain: %v", status.Err))
		return
	}
	if status.ConfirmationStatus == rpc.ConfirmationStatusConfirmed ||
		status.ConfirmationStatus == rpc.ConfirmationStatusFinalized {
		now := time.Now()
		if err := db.UpdateClaimStatus(s.db, claim.ClaimID, models.ClaimStatusConfirmed, "", &now); err != nil {
			utils.Log.Errorw("对账确认写回失败", "claimID", claim.ClaimID, "err", err)
			return
		}
		utils.Log.Infow("对账确认成功", "claimID", claim.ClaimID, "signature", claim.TxSignature)
		return
	}
	// processed 但未 confirmed：留给下一轮
}

func (s *Sweeper) markFailed(claim *models.AirdropClaim, reason string) {
	if err := db.UpdateClaimStatus(s.db, claim.ClaimID, models.ClaimStatusFailed, reason, nil); err != nil {
		utils.Log.Errorw("对账失败状态写回失败", "claimID", claim.ClaimID, "err", err)
		return
	}
	utils.Log.Warnw("对账判定失败", "claimID", claim.ClaimID, "reason", reason)
}
